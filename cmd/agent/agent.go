// Package agent implements the computerdash agent CLI: runs the
// metrics sampler, the status/update HTTP-ish server, and mDNS
// advertisement on a monitored workstation.
package agent

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"computerdash/internal/agentserver"
	"computerdash/internal/discovery"
	"computerdash/internal/sampler"
	"computerdash/internal/updater"
	"computerdash/pkg/config"
	"computerdash/pkg/logger"
)

const version = "0.1.0"

// Run starts the agent and blocks until it receives a shutdown signal
// or the server reports a fatal bind failure.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init(cfg.Agent.LogLevel)

	smp := sampler.New(version)
	upd := updater.New(installedBundlePath(), log)
	advertiser := &discovery.MDNSAdvertiser{}

	srv := agentserver.New(smp, upd, advertiser, log)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "computerdash-agent"
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(hostname)
	}()

	stop := make(chan struct{})
	go srv.StartLivenessTicker(stop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info().Msg("Agent started")

	select {
	case err := <-errCh:
		close(stop)
		return fmt.Errorf("agent server stopped: %w", err)
	case sig := <-sigCh:
		close(stop)
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		return nil
	}
}

// installedBundlePath walks up from the running executable to the
// nearest ancestor directory named *.app, the root the updater swaps
// out on an update. If none is found (a non-bundled dev build), the
// executable's own directory is used.
func installedBundlePath() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}

	dir := filepath.Dir(exe)
	for dir != "/" && dir != "." {
		if strings.HasSuffix(dir, ".app") {
			return dir
		}
		dir = filepath.Dir(dir)
	}
	return filepath.Dir(exe)
}
