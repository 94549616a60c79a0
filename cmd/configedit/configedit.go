// Package configedit implements the computerdash edit CLI: opens the
// TOML config file in $EDITOR, creating a default one first if needed.
package configedit

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const defaultConfigTemplate = `[agent]
  start_port = 49990
  log_level  = "info"

[collector]
  identity_store_path = "~/.config/computerdash/machines.json"
  admin_socket         = "/tmp/computerdash/collector.sock"
  release_cache_path   = "~/.config/computerdash/release_cache.db"
  release_owner        = "acme"
  release_repo         = "computerdashboard"
  version              = "0.1.0"
  log_level            = "info"

[fleet]
  admin_socket = "/tmp/computerdash/collector.sock"
`

// Run opens the configuration file in the system editor, creating it
// with default values first if it does not exist yet.
func Run(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Printf("Creating new config file at %s...\n", path)
		if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0644); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		for _, e := range []string{"vi", "nano", "vim"} {
			if _, err := exec.LookPath(e); err == nil {
				editor = e
				break
			}
		}
	}
	if editor == "" {
		return fmt.Errorf("no editor found ($EDITOR environment variable not set, and vi/nano/vim not in PATH)")
	}

	cmd := exec.Command(editor, path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
