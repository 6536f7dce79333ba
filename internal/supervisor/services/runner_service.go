// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package services

import (
	"context"
	"errors"
	"fmt"
)

// Runner matches *notify.Listener and *notify.Poller.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerService supervises a blocking Run(ctx) component.
type RunnerService struct {
	runner Runner
	name   string
}

// NewRunnerService creates a wrapper named name.
func NewRunnerService(name string, runner Runner) *RunnerService {
	return &RunnerService{runner: runner, name: name}
}

// Serve runs the component. An early nil return is reported as an error so
// suture restarts it.
func (s *RunnerService) Serve(ctx context.Context) error {
	err := s.runner.Run(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		err = errors.New("stopped unexpectedly")
	}
	return fmt.Errorf("%s: %w", s.name, err)
}

// String implements fmt.Stringer for suture's logs.
func (s *RunnerService) String() string {
	return s.name
}
