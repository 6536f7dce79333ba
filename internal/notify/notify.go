// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

// Package notify carries "store changed" notifications between devices.
//
// After a device publishes to the operation log, its Announcer emits a small
// notification on the topic of the store. Every other device's Listener turns
// those notifications into pull triggers. The Poller is the fallback for
// deployments without a broker. Notifications are hints: losing one only
// delays a pull until the next one or the next poll.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/tomtom215/tidesync/internal/logging"
)

// DefaultTopicPrefix prefixes per-store topics.
const DefaultTopicPrefix = "tidesync.changes"

// Topic returns the notification topic of store.
func Topic(prefix, store string) string {
	return prefix + "." + store
}

// Notification is the payload of a change notification.
type Notification struct {
	StoreID  string    `json:"store_id"`
	DeviceID string    `json:"device_id"`
	LogID    string    `json:"log_id,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// Handler receives pull triggers. recordID is nil when unknown.
type Handler func(ctx context.Context, recordID *string)

// Announcer publishes notifications for one (store, device).
type Announcer struct {
	publisher message.Publisher
	topic     string
	store     string
	device    string
}

// NewAnnouncer creates an announcer publishing on Topic(prefix, store).
func NewAnnouncer(pub message.Publisher, prefix, store, device string) *Announcer {
	return &Announcer{
		publisher: pub,
		topic:     Topic(prefix, store),
		store:     store,
		device:    device,
	}
}

// Announce publishes a notification about logID.
func (a *Announcer) Announce(ctx context.Context, logID string) error {
	payload, err := json.Marshal(Notification{
		StoreID:  a.store,
		DeviceID: a.device,
		LogID:    logID,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("store_id", a.store)
	msg.Metadata.Set("device_id", a.device)
	if cid := logging.CorrelationIDFromContext(ctx); cid != "" {
		msg.Metadata.Set("correlation_id", cid)
	}

	if err := a.publisher.Publish(a.topic, msg); err != nil {
		return fmt.Errorf("publish notification on %s: %w", a.topic, err)
	}
	return nil
}

// Published adapts Announce to a fire-and-forget callback. Failures are logged.
func (a *Announcer) Published(ctx context.Context, logID string) {
	if err := a.Announce(ctx, logID); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("log_id", logID).Msg("Change notification not sent")
	}
}
