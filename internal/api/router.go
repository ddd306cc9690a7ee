// Package api exposes the subscriber-facing operations, health, metrics and
// the live indicator feed over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"cryptosignal/internal/model"
	"cryptosignal/internal/pipeline"
)

// Service is the subset of the pipeline the API serves.
type Service interface {
	CurrentIndicatorSnapshot(symbol string, tf model.Timeframe) (pipeline.IndicatorView, error)
	RecentSignalHistory(ctx context.Context, subscriber int64, limit int) ([]model.SignalEvent, error)
	Subscriptions(ctx context.Context, subscriber int64) ([]model.Subscription, error)
	SetSubscription(ctx context.Context, subscriber int64, symbol string, tfs []model.Timeframe) (model.Subscription, error)
	ToggleTimeframe(ctx context.Context, subscriber int64, symbol string, tf model.Timeframe) (bool, error)
	SetNotificationsEnabled(ctx context.Context, subscriber int64, symbol string, enabled bool) error
	RemoveSubscription(ctx context.Context, subscriber int64, symbol string) error
}

// Options wires the router. Health, Metrics and Live are optional.
type Options struct {
	Service Service
	Health  http.Handler
	Metrics http.Handler
	Live    http.Handler
	Log     *slog.Logger
}

type handler struct {
	svc Service
	log *slog.Logger
}

// NewRouter sets up HTTP routes for the API server.
func NewRouter(opts Options) *http.ServeMux {
	h := &handler{svc: opts.Service, log: opts.Log.With("component", "api")}
	mux := http.NewServeMux()

	if opts.Health != nil {
		mux.Handle("GET /api/v1/health", opts.Health)
	}
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	if opts.Live != nil {
		mux.Handle("GET /api/v1/live", opts.Live)
	}

	mux.HandleFunc("GET /api/v1/snapshot", h.snapshot)
	mux.HandleFunc("GET /api/v1/signals", h.signals)
	mux.HandleFunc("GET /api/v1/subscriptions", h.listSubscriptions)
	mux.HandleFunc("POST /api/v1/subscriptions", h.setSubscription)
	mux.HandleFunc("DELETE /api/v1/subscriptions", h.removeSubscription)
	mux.HandleFunc("POST /api/v1/subscriptions/toggle", h.toggle)
	mux.HandleFunc("POST /api/v1/subscriptions/notifications", h.notifications)

	return mux
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tf, err := model.ParseTimeframe(q.Get("tf"))
	if err != nil {
		h.fail(w, err)
		return
	}
	view, err := h.svc.CurrentIndicatorSnapshot(q.Get("symbol"), tf)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) signals(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.subscriberParam(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.svc.RecentSignalHistory(r.Context(), sub, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if events == nil {
		events = []model.SignalEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.subscriberParam(w, r)
	if !ok {
		return
	}
	subs, err := h.svc.Subscriptions(r.Context(), sub)
	if err != nil {
		h.fail(w, err)
		return
	}
	if subs == nil {
		subs = []model.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

type subscriptionRequest struct {
	Subscriber int64    `json:"subscriber"`
	Symbol     string   `json:"symbol"`
	Timeframes []string `json:"timeframes"`
}

func (h *handler) setSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if !decode(w, r, &req) {
		return
	}
	tfs := make([]model.Timeframe, 0, len(req.Timeframes))
	for _, s := range req.Timeframes {
		tf, err := model.ParseTimeframe(s)
		if err != nil {
			h.fail(w, err)
			return
		}
		tfs = append(tfs, tf)
	}
	sub, err := h.svc.SetSubscription(r.Context(), req.Subscriber, req.Symbol, tfs)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type toggleRequest struct {
	Subscriber int64  `json:"subscriber"`
	Symbol     string `json:"symbol"`
	Timeframe  string `json:"timeframe"`
}

func (h *handler) toggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if !decode(w, r, &req) {
		return
	}
	tf, err := model.ParseTimeframe(req.Timeframe)
	if err != nil {
		h.fail(w, err)
		return
	}
	on, err := h.svc.ToggleTimeframe(r.Context(), req.Subscriber, req.Symbol, tf)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeframe": tf, "enabled": on})
}

type notificationsRequest struct {
	Subscriber int64  `json:"subscriber"`
	Symbol     string `json:"symbol"`
	Enabled    bool   `json:"enabled"`
}

func (h *handler) notifications(w http.ResponseWriter, r *http.Request) {
	var req notificationsRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.SetNotificationsEnabled(r.Context(), req.Subscriber, req.Symbol, req.Enabled); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (h *handler) removeSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.subscriberParam(w, r)
	if !ok {
		return
	}
	if err := h.svc.RemoveSubscription(r.Context(), sub, r.URL.Query().Get("symbol")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) subscriberParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("subscriber"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "subscriber must be an integer id")
		return 0, false
	}
	return id, true
}

// fail maps the error taxonomy onto status codes.
func (h *handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrUnknownTimeframe),
		errors.Is(err, model.ErrLastTimeframe),
		errors.Is(err, model.ErrDataValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
