// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

// Package main runs a tidesync node.
//
// A node keeps a local relational cache of one store, replicates every local
// write to the shared remote store (queueing it while the remote is
// unreachable) and applies the writes of other devices from the shared
// operation log.
//
// Startup order:
//
//  1. Configuration (koanf: defaults, YAML file, TIDESYNC_* environment)
//  2. Local durable KV (BadgerDB) and relational cache (DuckDB or SQLite)
//  3. Remote store (NATS JetStream KV, optionally with an embedded server)
//  4. Engine (identity, watermark, retry queue, resilient writes, log sync)
//  5. Supervisor tree: retry loop, KV GC, notification listener, poller, HTTP API
//
// SIGINT and SIGTERM stop the tree, then close the engine and the stores.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tomtom215/tidesync/internal/api"
	"github.com/tomtom215/tidesync/internal/cache"
	"github.com/tomtom215/tidesync/internal/config"
	"github.com/tomtom215/tidesync/internal/engine"
	"github.com/tomtom215/tidesync/internal/identity"
	"github.com/tomtom215/tidesync/internal/kvstore"
	"github.com/tomtom215/tidesync/internal/logging"
	"github.com/tomtom215/tidesync/internal/retryqueue"
	"github.com/tomtom215/tidesync/internal/supervisor"
	"github.com/tomtom215/tidesync/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("Tidesync stopped with an error")
	}
	logging.Info().Msg("Application stopped gracefully")
}

//nolint:gocyclo // sequential wiring
func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logging.Info().
		Str("store_id", cfg.Store.ID).
		Str("cache_driver", cfg.Cache.Driver).
		Str("remote_backend", cfg.Remote.Backend).
		Str("notify_transport", cfg.Notify.Transport).
		Msg("Configuration loaded")

	kvCfg := kvstore.DefaultConfig()
	kvCfg.Path = cfg.KV.Path
	kvCfg.InMemory = cfg.KV.InMemory
	kvCfg.SyncWrites = cfg.KV.SyncWrites
	kvCfg.GCRatio = cfg.KV.GCRatio
	kv, err := kvstore.Open(&kvCfg)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer closeLogged("kv store", kv.Close)

	localCache, err := cache.Open(cache.Config{Driver: cfg.Cache.Driver, Path: cfg.Cache.Path})
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer closeLogged("cache", localCache.Close)

	rm, err := openRemote(ctx, cfg)
	if err != nil {
		return err
	}
	defer rm.close()

	ids := identity.NewProvider(kv, identity.WithOverride(cfg.Store.DeviceID))
	deviceID, err := ids.DeviceIdentifier(ctx)
	if err != nil {
		return fmt.Errorf("resolve device identifier: %w", err)
	}
	logging.Info().Str("device_id", deviceID).Msg("Device identifier resolved")

	notifier, err := openNotifier(cfg, rm, deviceID)
	if err != nil {
		return err
	}
	defer notifier.close()

	queueCfg := retryqueue.Config{
		MaxRetries:    cfg.Queue.MaxRetries,
		RetryInterval: cfg.Queue.RetryInterval,
		RetryBackoff:  cfg.Queue.RetryBackoff,
		MaxBackoff:    cfg.Queue.MaxBackoff,
	}

	eng, err := engine.Open(ctx, engine.Deps{KV: kv, Cache: localCache, Remote: rm.store}, engine.Options{
		StoreID:       cfg.Store.ID,
		Identity:      ids,
		Queue:         queueCfg,
		RemoteTimeout: cfg.Remote.Timeout,
		OnPublished:   notifier.published,
	})
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer closeLogged("engine", eng.Close)

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("create supervisor tree: %w", err)
	}

	// Data layer
	tree.AddDataService(services.NewStartStopService("retry-loop", retryqueue.NewRetryLoop(eng.Queue(), eng.Drain, queueCfg)))
	if !cfg.KV.InMemory {
		tree.AddDataService(services.NewKVGCService(kv, cfg.KV.GCInterval))
	}

	// Sync layer
	if err := notifier.addServices(tree, cfg, eng.HandleNotification); err != nil {
		return err
	}

	// API layer
	if cfg.Server.Enabled {
		router := api.NewRouter(api.NewHandler(eng), api.RouterConfig{
			RateLimitRequests: cfg.Server.RateLimitReqs,
			RateLimitWindow:   cfg.Server.RateLimitWindow,
			RateLimitDisabled: cfg.Server.RateLimitDisabled,
		})
		server := &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.Server.Timeout,
			WriteTimeout:      cfg.Server.Timeout,
		}
		tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
		logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	var serveErr error
	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
		serveErr = <-errCh
	case serveErr = <-errCh:
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		logging.Error().Err(serveErr).Msg("Supervisor tree error")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
	}
	return nil
}

func closeLogged(what string, fn func() error) {
	if err := fn(); err != nil {
		logging.Error().Err(err).Str("component", what).Msg("Error during shutdown")
	}
}
