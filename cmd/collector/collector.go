// Package collector implements the computerdash collector CLI: mDNS
// discovery, the three-lane poll engine, the release update
// controller, and the admin RPC socket the Fleet CLI talks to.
package collector

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"computerdash/internal/adminrpc"
	"computerdash/internal/discovery"
	"computerdash/internal/fleet"
	"computerdash/internal/identitystore"
	"computerdash/internal/pollengine"
	"computerdash/internal/updatecontroller"
	"computerdash/pkg/config"
	"computerdash/pkg/logger"
)

// Run starts the collector and blocks until it receives a shutdown
// signal.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init(cfg.Collector.LogLevel)

	if dir := filepath.Dir(cfg.Collector.IdentityStorePath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating identity store directory %s: %w", dir, err)
		}
	}
	if dir := filepath.Dir(cfg.Collector.AdminSocket); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating admin socket directory %s: %w", dir, err)
		}
	}
	if dir := filepath.Dir(cfg.Collector.ReleaseCachePath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating release cache directory %s: %w", dir, err)
		}
	}

	store := identitystore.New(cfg.Collector.IdentityStorePath, log)
	f := fleet.New(store, log)

	ctrl, err := updatecontroller.New(cfg.Collector.ReleaseCachePath, cfg.Collector.ReleaseOwner, cfg.Collector.ReleaseRepo, cfg.Collector.Version, log)
	if err != nil {
		return fmt.Errorf("starting update controller: %w", err)
	}
	defer ctrl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := pollengine.New(ctx, f, log)
	defer engine.Stop()

	for _, entry := range f.Snapshot() {
		switch {
		case entry.Identity.ManualEndpoint != "":
			engine.AddManual(entry.Identity.ManualEndpoint)
		case entry.Identity.LastKnownIP != "":
			engine.EnsureFallback(entry.Identity.HardwareUUID, entry.Identity.LastKnownIP)
		}
	}

	browser := discovery.NewBrowser(engine.OnDiscoveredFound, engine.OnDiscoveredLost, log)
	go browser.Start(ctx)

	go ctrl.StartPeriodicChecks(ctx)

	svc := adminrpc.NewService(f, ctrl, engine, log)
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- adminrpc.StartServer(ctx, cfg.Collector.AdminSocket, svc, log)
	}()

	log.Info().
		Str("admin_socket", cfg.Collector.AdminSocket).
		Str("identity_store", cfg.Collector.IdentityStorePath).
		Msg("Collector started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrCh:
		if err != nil {
			return fmt.Errorf("admin RPC server stopped: %w", err)
		}
		return nil
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		return nil
	}
}
