// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/tidesync/internal/logging"
	"github.com/tomtom215/tidesync/internal/metrics"
)

// Poller triggers the handler on a fixed interval.
type Poller struct {
	interval time.Duration
	handler  Handler
}

// NewPoller creates a poller.
func NewPoller(interval time.Duration, handler Handler) (*Poller, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", interval)
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	return &Poller{interval: interval, handler: handler}, nil
}

// Run polls until ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	logging.Info().Dur("interval", p.interval).Msg("Polling for remote changes")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			metrics.NotificationsReceived.WithLabelValues("poll").Inc()
			p.handler(logging.ContextWithNewCorrelationID(ctx), nil)
		}
	}
}
