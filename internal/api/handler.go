// Package api serves the client-facing gateway endpoints, health probes,
// metrics and the admin API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/felipepmaragno/omnikit/internal/gateway"
	"github.com/felipepmaragno/omnikit/internal/protocol"
	"github.com/felipepmaragno/omnikit/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/propagation"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, w http.ResponseWriter, in gateway.Inbound)
}

type MappingLister interface {
	ListMappings(ctx context.Context) ([]domain.ModelMapping, error)
}

type BreakerStates interface {
	States(ctx context.Context) map[string]string
}

type HandlerConfig struct {
	Dispatcher   Dispatcher
	Mappings     MappingLister
	Breakers     BreakerStates
	Checkers     []HealthChecker
	ReadyTimeout time.Duration
	Version      string
	// MaxBodyBytes caps inbound request bodies. Zero means 32 MiB.
	MaxBodyBytes int64
	// Admin is mounted under /admin/ when set.
	Admin http.Handler
}

type Handler struct {
	dispatcher Dispatcher
	mappings   MappingLister
	breakers   BreakerStates
	version    string
	maxBody    int64
	mux        *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = 2 * time.Second
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody == 0 {
		maxBody = 32 << 20
	}

	h := &Handler{
		dispatcher: cfg.Dispatcher,
		mappings:   cfg.Mappings,
		breakers:   cfg.Breakers,
		version:    cfg.Version,
		maxBody:    maxBody,
		mux:        http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleGateway(domain.FormatOpenAIChat))
	h.mux.HandleFunc("POST /v1/responses", h.handleGateway(domain.FormatOpenAIResponses))
	h.mux.HandleFunc("POST /v1/messages", h.handleGateway(domain.FormatAnthropic))
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, readyTimeout, cfg.Version))
	h.mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Admin != nil {
		h.mux.Handle("/admin/", cfg.Admin)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleGateway(f domain.Format) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.ExtractContext(r.Context(), propagation.HeaderCarrier(r.Header))

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				err = fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
			} else {
				err = fmt.Errorf("read body: %w", err)
			}
			slog.Warn("unreadable request body", "format", string(f), "error", err)
		}

		h.dispatcher.Dispatch(ctx, w, gateway.Inbound{
			Format:    f,
			Header:    r.Header,
			Body:      body,
			RequestID: r.Header.Get("X-Request-ID"),
			ReadErr:   err,
		})
	}
}

// handleListModels lists every public model name that has a mapping.
func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.mappings.ListMappings(r.Context())
	if err != nil {
		slog.Error("list mappings failed", "error", err)
		protocol.WriteError(w, domain.FormatOpenAIChat, err, 0)
		return
	}

	seen := make(map[string]bool, len(mappings))
	names := make([]string, 0, len(mappings))
	for _, m := range mappings {
		if !seen[m.PublicName] {
			seen[m.PublicName] = true
			names = append(names, m.PublicName)
		}
	}
	sort.Strings(names)

	resp := domain.ModelsResponse{Object: "list", Data: make([]domain.Model, 0, len(names))}
	for _, name := range names {
		resp.Data = append(resp.Data, domain.Model{ID: name, Object: "model", OwnedBy: "omnikit"})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	breakers := map[string]string{}
	if h.breakers != nil {
		breakers = h.breakers.States(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"version":          h.version,
		"circuit_breakers": breakers,
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
