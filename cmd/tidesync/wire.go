// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/tidesync/internal/config"
	"github.com/tomtom215/tidesync/internal/logging"
	"github.com/tomtom215/tidesync/internal/notify"
	"github.com/tomtom215/tidesync/internal/remote"
	"github.com/tomtom215/tidesync/internal/remote/natsremote"
	"github.com/tomtom215/tidesync/internal/supervisor"
	"github.com/tomtom215/tidesync/internal/supervisor/services"
)

// remoteHandle owns the remote store and whatever it runs on.
type remoteHandle struct {
	store remote.Store

	// url is the NATS client URL, empty for the memory backend.
	url     string
	closers []func()
}

func (h *remoteHandle) close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
}

func openRemote(ctx context.Context, cfg *config.Config) (*remoteHandle, error) {
	h := &remoteHandle{}

	var inner remote.Store
	switch cfg.Remote.Backend {
	case "memory":
		logging.Warn().Msg("Using the in-process memory remote; nothing is shared with other devices")
		inner = remote.NewMemory()

	case "nats":
		h.url = cfg.Remote.URL
		if cfg.Remote.Embedded {
			srv, err := natsremote.NewEmbeddedServer(&natsremote.ServerConfig{
				Host:              cfg.Remote.EmbeddedHost,
				Port:              cfg.Remote.EmbeddedPort,
				StoreDir:          cfg.Remote.StoreDir,
				JetStreamMaxMem:   cfg.Remote.JetStreamMaxMem,
				JetStreamMaxStore: cfg.Remote.JetStreamMaxStore,
			})
			if err != nil {
				return nil, fmt.Errorf("start embedded NATS server: %w", err)
			}
			h.url = srv.ClientURL()
			h.closers = append(h.closers, func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logging.Error().Err(err).Msg("Embedded NATS server shutdown failed")
				}
			})
			logging.Info().Str("url", h.url).Msg("Embedded NATS server started")
		}

		storeCfg := natsremote.DefaultConfig()
		storeCfg.BucketPrefix = cfg.Remote.BucketPrefix
		storeCfg.Replicas = cfg.Remote.Replicas
		st, err := natsremote.Connect(h.url, storeCfg)
		if err != nil {
			h.close()
			return nil, err
		}
		h.closers = append(h.closers, func() { closeLogged("remote store", st.Close) })
		inner = st

	default:
		return nil, fmt.Errorf("unknown remote backend %q", cfg.Remote.Backend)
	}

	h.store = inner
	if cfg.Remote.Breaker.Enabled {
		b := remote.NewBreaker(inner, remote.BreakerConfig{
			Name:         "remote-store",
			MaxRequests:  cfg.Remote.Breaker.MaxRequests,
			Interval:     cfg.Remote.Breaker.Interval,
			Timeout:      cfg.Remote.Breaker.Timeout,
			MinRequests:  cfg.Remote.Breaker.MinRequests,
			FailureRatio: cfg.Remote.Breaker.FailureRatio,
		})
		h.closers = append(h.closers, b.Close)
		h.store = b
	}
	return h, nil
}

// notifier carries change notifications over the configured transport.
type notifier struct {
	announcer  *notify.Announcer
	publisher  message.Publisher
	subscriber message.Subscriber
	storeID    string
	deviceID   string
}

func openNotifier(cfg *config.Config, rm *remoteHandle, deviceID string) (*notifier, error) {
	n := &notifier{storeID: cfg.Store.ID, deviceID: deviceID}
	if cfg.Notify.Transport != "nats" {
		return n, nil
	}

	natsCfg := notify.DefaultNATSConfig()
	natsCfg.URL = cfg.Notify.URL
	if natsCfg.URL == "" {
		natsCfg.URL = rm.url
	}
	if natsCfg.URL == "" {
		natsCfg.URL = cfg.NotifyURL()
	}

	logger := notify.WatermillLogger()
	pub, err := notify.NewNATSPublisher(natsCfg, logger)
	if err != nil {
		return nil, err
	}
	sub, err := notify.NewNATSSubscriber(natsCfg, logger)
	if err != nil {
		_ = pub.Close()
		return nil, err
	}

	n.publisher = pub
	n.subscriber = sub
	n.announcer = notify.NewAnnouncer(pub, cfg.Notify.TopicPrefix, cfg.Store.ID, deviceID)
	return n, nil
}

// published matches engine.PublishedFunc.
func (n *notifier) published(ctx context.Context, logID string) {
	if n.announcer != nil {
		n.announcer.Published(ctx, logID)
	}
}

func (n *notifier) addServices(tree *supervisor.SupervisorTree, cfg *config.Config, handler notify.Handler) error {
	if n.subscriber != nil {
		listener, err := notify.NewListener(n.subscriber, notify.ListenerConfig{
			TopicPrefix: cfg.Notify.TopicPrefix,
			StoreID:     n.storeID,
			DeviceID:    n.deviceID,
			Rate:        cfg.Notify.Rate,
			Burst:       cfg.Notify.Burst,
		}, handler)
		if err != nil {
			return fmt.Errorf("create notification listener: %w", err)
		}
		tree.AddSyncService(services.NewRunnerService("notify-listener", listener))
	}

	if cfg.Notify.PollInterval > 0 {
		poller, err := notify.NewPoller(cfg.Notify.PollInterval, handler)
		if err != nil {
			return fmt.Errorf("create poller: %w", err)
		}
		tree.AddSyncService(services.NewRunnerService("remote-poller", poller))
	}
	return nil
}

func (n *notifier) close() {
	if n.subscriber != nil {
		closeLogged("notification subscriber", n.subscriber.Close)
	}
	if n.publisher != nil {
		closeLogged("notification publisher", n.publisher.Close)
	}
}
