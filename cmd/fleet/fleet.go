// Package fleet implements the computerdash fleet CLI: an interactive
// operator tool that talks to a running collector over its admin RPC
// socket to list machines, add manual endpoints, delete machines, and
// force a push.
package fleet

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"computerdash/internal/adminrpc"
	fleetpkg "computerdash/internal/fleet"
	"computerdash/pkg/config"
)

// Run starts the interactive fleet management CLI.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client, err := adminrpc.NewClient(cfg.Fleet.AdminSocket)
	if err != nil {
		return fmt.Errorf("connecting to collector: %w\nIs 'computerdash collector' running?", err)
	}
	defer client.Close()

	reader := bufio.NewReader(os.Stdin)

	for {
		entries, err := client.ListFleet()
		if err != nil {
			return fmt.Errorf("fetching fleet: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("No machines known yet. Waiting for discovery or add one manually.")
		} else {
			fmt.Printf("\n  Fleet (%d machines)\n\n", len(entries))
			displayFleetTable(entries)
		}

		fmt.Print("\nEnter host index, 'a' to add a manual endpoint, or 'q' to quit: ")
		line, _ := reader.ReadString('\n')
		line = strings.TrimSpace(line)

		switch {
		case line == "q", line == "":
			return nil
		case line == "a":
			if err := addManual(reader, client); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		default:
			index, err := strconv.Atoi(line)
			if err != nil || index < 1 || index > len(entries) {
				fmt.Fprintf(os.Stderr, "Invalid selection: %s\n", line)
				continue
			}
			manageMachine(reader, client, entries[index-1])
		}
	}
}

func addManual(reader *bufio.Reader, client *adminrpc.Client) error {
	fmt.Print("Hardware UUID: ")
	uuid, _ := reader.ReadString('\n')
	uuid = strings.TrimSpace(uuid)

	fmt.Print("Endpoint (host:port): ")
	endpoint, _ := reader.ReadString('\n')
	endpoint = strings.TrimSpace(endpoint)

	if uuid == "" || endpoint == "" {
		return fmt.Errorf("both a hardware UUID and an endpoint are required")
	}
	return client.AddManual(uuid, endpoint)
}

func manageMachine(reader *bufio.Reader, client *adminrpc.Client, entry fleetpkg.Entry) {
	name := entry.Identity.DisplayName
	if name == "" {
		name = entry.Identity.LastKnownHostname
	}
	fmt.Printf("\nSelected: %s (%s)\n", name, entry.Identity.HardwareUUID)
	fmt.Print("  [p]ush update, [d]elete, or Enter to go back: ")

	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(strings.ToLower(line))

	switch line {
	case "p":
		if !confirm(fmt.Sprintf("Push the latest release to %s?", name)) {
			return
		}
		detail, err := client.ForcePush(entry.Identity.HardwareUUID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Push RPC failed: %v\n", err)
			return
		}
		if detail != "" {
			fmt.Fprintf(os.Stderr, "Push failed: %s\n", detail)
			return
		}
		fmt.Println("✓ Update pushed")
	case "d":
		if !confirm(fmt.Sprintf("Delete %s from the fleet?", name)) {
			return
		}
		if err := client.DeleteMachine(entry.Identity.HardwareUUID); err != nil {
			fmt.Fprintf(os.Stderr, "Delete failed: %v\n", err)
			return
		}
		fmt.Println("✓ Machine deleted")
	}
}

// confirm prompts with a y/N question, answered by a single raw
// keypress when the terminal supports it, falling back to a full line
// read otherwise (piped stdin in tests or scripted use).
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		reader := bufio.NewReader(os.Stdin)
		ans, _ := reader.ReadString('\n')
		ans = strings.TrimSpace(strings.ToLower(ans))
		return ans == "y" || ans == "yes"
	}
	defer term.Restore(fd, oldState)

	buf := make([]byte, 1)
	os.Stdin.Read(buf)
	fmt.Println()
	return buf[0] == 'y' || buf[0] == 'Y'
}

func displayFleetTable(entries []fleetpkg.Entry) {
	fmt.Printf("  %-4s %-20s %-10s %-10s %-10s %s\n",
		"#", "Hostname", "Online", "Version", "CPU°C", "Last Error")
	fmt.Printf("  %s %s %s %s %s %s\n",
		strings.Repeat("─", 4),
		strings.Repeat("─", 20),
		strings.Repeat("─", 10),
		strings.Repeat("─", 10),
		strings.Repeat("─", 10),
		strings.Repeat("─", 20))

	for i, entry := range entries {
		hostname := entry.Identity.DisplayName
		if hostname == "" {
			hostname = entry.Identity.LastKnownHostname
		}
		hostname = truncate(hostname, 20)

		online := "✗"
		if entry.IsOnline {
			online = "✓"
		}

		version := "-"
		cpuTemp := "-"
		if entry.LatestStatus != nil {
			version = entry.LatestStatus.AgentVersion
			if entry.LatestStatus.CPUTempCelsius >= 0 {
				cpuTemp = fmt.Sprintf("%.1f", entry.LatestStatus.CPUTempCelsius)
			}
		}

		fmt.Printf("  %-4d %-20s %-10s %-10s %-10s %s\n",
			i+1, hostname, online, version, cpuTemp, truncate(entry.LastError, 20))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}
