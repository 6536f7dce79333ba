// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

// Package services adapts tidesync components to suture.Service.
//
// Components come in three lifecycle shapes and each has a wrapper:
//
//   - Start/Stop (retry loop): StartStopService
//   - Run(ctx) (notification listener, poller): RunnerService
//   - ListenAndServe/Shutdown (HTTP API): HTTPServerService
//
// KVGCService is a small periodic job of its own that compacts the BadgerDB
// value log.
package services
