// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/tidesync/internal/engine"
	"github.com/tomtom215/tidesync/internal/logging"
	"github.com/tomtom215/tidesync/internal/metrics"
	"github.com/tomtom215/tidesync/internal/oplog"
	"github.com/tomtom215/tidesync/internal/operation"
	"github.com/tomtom215/tidesync/internal/retryqueue"
	"github.com/tomtom215/tidesync/internal/validation"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// reservedTablePrefix marks engine-owned tables that clients may not write.
const reservedTablePrefix = "_tidesync"

// Engine is the part of *engine.Engine the handlers use.
type Engine interface {
	CreateTable(ctx context.Context, table string) error
	Insert(ctx context.Context, table string, rec operation.Record, replace bool) error
	Update(ctx context.Context, table string, sel operation.Selector, set operation.Values) (int, error)
	Delete(ctx context.Context, table string, sel operation.Selector) (int, error)
	Select(ctx context.Context, table string, sel operation.Selector, order *operation.Ordering) ([]operation.Record, error)
	PullAndApply(ctx context.Context) (oplog.PullReport, error)
	Drain(ctx context.Context) (retryqueue.DrainReport, error)
	HandleNotification(ctx context.Context, recordID *string)
	Status() engine.Status
}

// Handler serves the HTTP API.
type Handler struct {
	engine Engine

	// background runs notification pulls started by requests.
	background func(func())
}

// NewHandler creates a handler over e.
func NewHandler(e Engine) *Handler {
	return &Handler{
		engine:     e,
		background: func(fn func()) { go fn() },
	}
}

type tableParams struct {
	Table string `json:"table" validate:"required,tablename"`
	ID    string `json:"id" validate:"omitempty,max=512"`
}

type insertRequest struct {
	Values  operation.Values `json:"values" validate:"required"`
	Replace bool             `json:"replace"`
}

type updateRequest struct {
	Set operation.Values `json:"set" validate:"required,min=1"`
}

type notificationRequest struct {
	RecordID *string `json:"record_id"`
}

type drainResponse struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Discarded int `json:"discarded"`
}

// pathParams reads and validates {table} and {id}.
func pathParams(w http.ResponseWriter, r *http.Request, writable bool) (tableParams, bool) {
	p := tableParams{Table: chi.URLParam(r, "table"), ID: chi.URLParam(r, "id")}
	if verr := validation.ValidateStruct(&p); verr != nil {
		respondError(w, http.StatusBadRequest, CodeValidation, verr.Error(), verr.Fields)
		return p, false
	}
	if writable && strings.HasPrefix(p.Table, reservedTablePrefix) {
		respondError(w, http.StatusBadRequest, CodeValidation, "table "+p.Table+" is reserved", nil)
		return p, false
	}
	return p, true
}

// decodeBody decodes a JSON body into v and validates it. An empty body is
// allowed when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeValidation, "failed to read request body", nil)
		return false
	}
	if len(data) > maxBodyBytes {
		respondError(w, http.StatusRequestEntityTooLarge, CodeValidation, "request body too large", nil)
		return false
	}
	if len(data) == 0 && optional {
		return true
	}
	if err := json.Unmarshal(data, v); err != nil {
		respondError(w, http.StatusBadRequest, CodeValidation, "invalid JSON body", nil)
		return false
	}
	if verr := validation.ValidateStruct(v); verr != nil {
		respondError(w, http.StatusBadRequest, CodeValidation, verr.Error(), verr.Fields)
		return false
	}
	return true
}

// Health reports liveness and remote reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	st := h.engine.Status()
	respondData(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"remote_available": st.RemoteAvailable,
		"queue_pending":    st.Queue.Pending,
	}, started)
}

// SyncStatus returns the engine status.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, h.engine.Status(), time.Now())
}

// SyncPull runs PullAndApply and returns its report.
func (h *Handler) SyncPull(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	report, err := h.engine.PullAndApply(r.Context())
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, report, started)
}

// SyncDrain drains the retry queue once.
func (h *Handler) SyncDrain(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	report, err := h.engine.Drain(r.Context())
	if err != nil && !errors.Is(err, retryqueue.ErrDrainCanceled) {
		respondEngineError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, drainResponse{
		Succeeded: len(report.Succeeded),
		Failed:    len(report.Failed),
		Discarded: len(report.Discarded),
	}, started)
}

// Notify accepts an external change notification and triggers a pull in the
// background.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	metrics.NotificationsReceived.WithLabelValues("http").Inc()

	ctx := logging.ContextWithNewCorrelationID(context.WithoutCancel(r.Context()))
	h.background(func() { h.engine.HandleNotification(ctx, req.RecordID) })

	respondData(w, http.StatusAccepted, map[string]bool{"accepted": true}, time.Now())
}

// CreateTable creates {table} locally and remotely.
func (h *Handler) CreateTable(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	p, ok := pathParams(w, r, true)
	if !ok {
		return
	}
	if err := h.engine.CreateTable(r.Context(), p.Table); err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondData(w, http.StatusCreated, map[string]string{"table": p.Table}, started)
}

// ListRecords returns every record of {table}. ?order=<column>&desc=true sorts.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	p, ok := pathParams(w, r, false)
	if !ok {
		return
	}

	var order *operation.Ordering
	if col := r.URL.Query().Get("order"); col != "" {
		desc, _ := strconv.ParseBool(r.URL.Query().Get("desc"))
		order = &operation.Ordering{Column: col, Descending: desc}
	}

	recs, err := h.engine.Select(r.Context(), p.Table, operation.Selector{}, order)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, recs, started)
}

// GetRecord returns one record.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	p, ok := pathParams(w, r, false)
	if !ok {
		return
	}
	recs, err := h.engine.Select(r.Context(), p.Table, operation.ByID(p.ID), nil)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	if len(recs) == 0 {
		respondError(w, http.StatusNotFound, CodeNotFound, "record "+p.ID+" not found", nil)
		return
	}
	respondData(w, http.StatusOK, recs[0], started)
}

// PutRecord inserts a record, replacing it when the body asks for it.
func (h *Handler) PutRecord(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	p, ok := pathParams(w, r, true)
	if !ok {
		return
	}
	var req insertRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	rec := operation.Record{ID: p.ID, Values: req.Values}
	if err := h.engine.Insert(r.Context(), p.Table, rec, req.Replace); err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondData(w, http.StatusCreated, rec, started)
}

// PatchRecord updates columns of one record.
func (h *Handler) PatchRecord(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	p, ok := pathParams(w, r, true)
	if !ok {
		return
	}
	var req updateRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	n, err := h.engine.Update(r.Context(), p.Table, operation.ByID(p.ID), req.Set)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, map[string]int{"updated": n}, started)
}

// DeleteRecord deletes one record.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	p, ok := pathParams(w, r, true)
	if !ok {
		return
	}
	n, err := h.engine.Delete(r.Context(), p.Table, operation.ByID(p.ID))
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, map[string]int{"deleted": n}, started)
}
