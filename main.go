// computerdash — fleet monitoring for a small pool of workstations
//
// Usage:
//
//	computerdash agent     — run the per-workstation metrics agent
//	computerdash collector — run the operator-side collector
//	computerdash fleet     — interactive fleet management CLI
package main

import (
	"fmt"
	"os"

	"computerdash/cmd/agent"
	"computerdash/cmd/collector"
	"computerdash/cmd/configedit"
	"computerdash/cmd/fleet"
)

const (
	defaultSystemPath = "/etc/computerdash/config.toml"
	defaultLocalPath  = "config.toml"
	version           = "0.1.0"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	configPath := ""

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" && i+1 < len(args) {
			configPath = args[i+1]
			args = append(args[:i], args[i+2:]...)
			i--
			continue
		}
		if len(arg) > 9 && arg[:9] == "--config=" {
			configPath = arg[9:]
			args = append(args[:i], args[i+1:]...)
			i--
			continue
		}
	}

	if configPath == "" {
		if _, err := os.Stat(defaultLocalPath); err == nil {
			configPath = defaultLocalPath
		} else {
			configPath = defaultSystemPath
		}
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	var err error

	switch subcommand {
	case "agent":
		err = agent.Run(configPath)
	case "collector":
		err = collector.Run(configPath)
	case "fleet":
		err = fleet.Run(configPath)
	case "edit":
		err = configedit.Run(configPath)
	case "version":
		fmt.Printf("computerdash v%s\n", version)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`computerdash v%s — fleet monitoring for a small pool of workstations

Usage:
  computerdash <command> [--config <path>]

Commands:
  agent      Run the per-workstation metrics agent
  collector  Run the operator-side collector (discovery, polling, updates)
  fleet      Interactive fleet management CLI
  edit       Edit the configuration file in your system editor
  version    Print version information
  help       Show this help message

Options:
  --config <path>  Path to config file (default: looks for ./config.toml, then %s)

Examples:
  computerdash agent                    # Run the metrics agent on this machine
  computerdash collector                # Run the collector on the operator's machine
  computerdash fleet                    # Manage the fleet interactively

`, version, defaultSystemPath)
}
