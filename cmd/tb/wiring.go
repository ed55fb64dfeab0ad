package main

import (
	"context"
	"fmt"

	"github.com/tombolacan/tombola/internal/config"
	"github.com/tombolacan/tombola/internal/daemon"
	"github.com/tombolacan/tombola/internal/logging"
	"github.com/tombolacan/tombola/internal/observer"
	"github.com/tombolacan/tombola/internal/remote"
	"github.com/tombolacan/tombola/internal/store"
	"github.com/tombolacan/tombola/internal/sync"
)

// openStore opens the local database, creating the schema if needed.
func openStore(ctx context.Context) *store.Store {
	st, err := store.OpenAndInit(ctx, cfg.DBPath)
	if err != nil {
		fatal("failed to open local database %s: %v", cfg.DBPath, err)
	}
	return st
}

// newClient builds the HTTP client for the configured remote.
func newClient() (*remote.Client, error) {
	if err := cfg.RequireRemote(); err != nil {
		return nil, err
	}
	return remote.NewClient(&remote.Config{
		URL:     cfg.Remote.URL,
		APIKey:  cfg.Remote.APIKey,
		Bucket:  cfg.Remote.Bucket,
		Timeout: cfg.Remote.Timeout,
		Logger:  logging.Component(logger, "remote"),
	})
}

// newGateway wraps client in the circuit breaker.
func newGateway(client *remote.Client) (remote.Gateway, error) {
	bcfg := remote.DefaultBreakerConfig()
	bcfg.FailureThreshold = cfg.Breaker.FailureThreshold
	bcfg.Timeout = cfg.Breaker.Timeout
	bcfg.Logger = logging.Component(logger, "breaker")
	return remote.NewBreakerGateway(client, bcfg)
}

// newMonitor builds the connectivity source selected by configuration.
func newMonitor(client *remote.Client) (daemon.Monitor, error) {
	switch cfg.Connectivity.Mode {
	case config.ModeOnline:
		return daemon.NewStaticMonitor(true), nil
	case config.ModeFile:
		return daemon.NewFileSignal(cfg.Connectivity.SignalFile, logging.Component(logger, "connectivity"))
	case config.ModeProbe:
		return daemon.NewProber(client.Ping, &daemon.ProberConfig{
			Interval: cfg.Connectivity.ProbeInterval,
			Timeout:  cfg.Connectivity.ProbeTimeout,
			Logger:   logging.Component(logger, "connectivity"),
		})
	default:
		return nil, fmt.Errorf("unknown connectivity mode %q", cfg.Connectivity.Mode)
	}
}

// engine bundles everything a sync pass needs.
type engine struct {
	store   *store.Store
	bus     *observer.Bus
	client  *remote.Client
	monitor daemon.Monitor
	orch    sync.Orchestrator
}

// newEngine wires store, gateway, connectivity and orchestrator. The
// monitor is not started.
func newEngine(st *store.Store) (*engine, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}
	gateway, err := newGateway(client)
	if err != nil {
		return nil, err
	}
	monitor, err := newMonitor(client)
	if err != nil {
		return nil, err
	}

	bus := observer.New(logging.Component(logger, "observer"))
	orch, err := sync.New(st, gateway, monitor, bus, &sync.Config{
		RecordDelay:   cfg.Sync.RecordDelay,
		RemoteTimeout: cfg.Sync.RemoteTimeout,
		Logger:        logging.Component(logger, "sync"),
	})
	if err != nil {
		return nil, err
	}

	return &engine{store: st, bus: bus, client: client, monitor: monitor, orch: orch}, nil
}
