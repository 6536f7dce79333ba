// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package services

import (
	"context"
	"time"

	"github.com/tomtom215/tidesync/internal/logging"
)

// GarbageCollector matches *kvstore.Badger.
type GarbageCollector interface {
	RunGC() error
}

// KVGCService runs value-log garbage collection on an interval. Failures are
// logged and retried on the next tick.
type KVGCService struct {
	store    GarbageCollector
	interval time.Duration
}

// NewKVGCService creates the service. Non-positive intervals default to 10m.
func NewKVGCService(store GarbageCollector, interval time.Duration) *KVGCService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &KVGCService{store: store, interval: interval}
}

// Serve implements suture.Service.
func (s *KVGCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.store.RunGC(); err != nil {
				logging.Warn().Err(err).Msg("KV garbage collection failed")
			}
		}
	}
}

func (s *KVGCService) String() string {
	return "kv-gc"
}
