// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package services

import (
	"context"
	"fmt"
)

// StartStopper matches *retryqueue.RetryLoop.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
}

// StartStopService adapts a Start/Stop component to suture's Serve pattern.
//
//	loop := retryqueue.NewRetryLoop(queue, engine.Drain, cfg)
//	tree.AddDataService(services.NewStartStopService("retry-loop", loop))
type StartStopService struct {
	component StartStopper
	name      string
}

// NewStartStopService creates a wrapper named name.
func NewStartStopService(name string, component StartStopper) *StartStopService {
	return &StartStopService{component: component, name: name}
}

// Serve starts the component, blocks until ctx is canceled, then stops it.
// Stop waits for the component's goroutine.
func (s *StartStopService) Serve(ctx context.Context) error {
	if err := s.component.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.name, err)
	}

	<-ctx.Done()
	s.component.Stop()
	return ctx.Err()
}

// String implements fmt.Stringer for suture's logs.
func (s *StartStopService) String() string {
	return s.name
}
