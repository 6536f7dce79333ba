// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package notify

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/tidesync/internal/logging"
	"github.com/tomtom215/tidesync/internal/metrics"
)

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	TopicPrefix string
	StoreID     string
	DeviceID    string

	// Rate and Burst bound how often the handler runs.
	Rate  float64
	Burst int
}

// Listener turns notifications from other devices into handler calls.
// Notifications arriving while a call is pending are folded into it, and
// calls are spaced by a token bucket.
type Listener struct {
	subscriber message.Subscriber
	topic      string
	cfg        ListenerConfig
	handler    Handler
	limiter    *rate.Limiter
	trigger    chan *string
}

// NewListener creates a listener for cfg.StoreID.
func NewListener(sub message.Subscriber, cfg ListenerConfig, handler Handler) (*Listener, error) {
	if sub == nil || handler == nil {
		return nil, fmt.Errorf("subscriber and handler are required")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Listener{
		subscriber: sub,
		topic:      Topic(cfg.TopicPrefix, cfg.StoreID),
		cfg:        cfg,
		handler:    handler,
		limiter:    rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		trigger:    make(chan *string, 1),
	}, nil
}

// Run consumes notifications until ctx is canceled.
func (l *Listener) Run(ctx context.Context) error {
	messages, err := l.subscriber.Subscribe(ctx, l.topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", l.topic, err)
	}
	logging.Info().Str("topic", l.topic).Msg("Listening for change notifications")

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.dispatch(ctx)
	}()
	defer func() { <-done }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			l.receive(msg)
		}
	}
}

func (l *Listener) receive(msg *message.Message) {
	defer msg.Ack()

	var n Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		logging.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("Ignoring malformed change notification")
		return
	}
	if n.DeviceID == l.cfg.DeviceID || n.StoreID != l.cfg.StoreID {
		return
	}
	metrics.NotificationsReceived.WithLabelValues("broker").Inc()

	var id *string
	if n.LogID != "" {
		logID := n.LogID
		id = &logID
	}
	select {
	case l.trigger <- id:
	default:
		metrics.NotificationsThrottled.Inc()
	}
}

func (l *Listener) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-l.trigger:
			if err := l.limiter.Wait(ctx); err != nil {
				return
			}
			l.handler(logging.ContextWithNewCorrelationID(ctx), id)
		}
	}
}
