package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/omnikit/internal/auth"
	"github.com/felipepmaragno/omnikit/internal/circuitbreaker"
	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/felipepmaragno/omnikit/internal/gateway"
	"github.com/felipepmaragno/omnikit/internal/protocol"
	"github.com/felipepmaragno/omnikit/internal/repository"
	"github.com/felipepmaragno/omnikit/internal/rules"
)

type RuleRegistry interface {
	Refresh(ctx context.Context, pairs ...domain.Pair) error
}

type RuleStore interface {
	Enabled() bool
	Index(ctx context.Context) ([]rules.StoreEntry, error)
	Fetch(ctx context.Context, slug string) (*domain.ConversionRule, error)
}

type MappingInvalidator interface {
	Invalidate(ctx context.Context, publicNames ...string)
	InvalidateAll(ctx context.Context)
}

type BreakerAdmin interface {
	Statuses(ctx context.Context) []circuitbreaker.Status
	Reset(ctx context.Context, channelID string) error
}

type Retrier interface {
	Retry(ctx context.Context, logID string) (*gateway.RetryResult, error)
}

type QuotaResetter interface {
	Reset(ctx context.Context, tokenID string)
}

type AdminConfig struct {
	Store     repository.Store
	Registry  RuleRegistry
	RuleStore RuleStore
	Mappings  MappingInvalidator
	Breakers  BreakerAdmin
	Retrier   Retrier
	Quota     QuotaResetter
	// Auth guards every route but login. A middleware without an
	// authenticator leaves the API open.
	Auth *auth.Middleware
}

type AdminHandler struct {
	store     repository.Store
	registry  RuleRegistry
	ruleStore RuleStore
	mappings  MappingInvalidator
	breakers  BreakerAdmin
	retrier   Retrier
	quota     QuotaResetter
	auth      *auth.Middleware
	now       func() time.Time
	mux       *http.ServeMux
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	mw := cfg.Auth
	if mw == nil {
		mw = auth.NewMiddleware(nil)
	}
	h := &AdminHandler{
		store:     cfg.Store,
		registry:  cfg.Registry,
		ruleStore: cfg.RuleStore,
		mappings:  cfg.Mappings,
		breakers:  cfg.Breakers,
		retrier:   cfg.Retrier,
		quota:     cfg.Quota,
		auth:      mw,
		now:       time.Now,
		mux:       http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /admin/login", mw.Login)

	read, write := auth.PermissionRead, auth.PermissionWrite

	h.handle("GET /admin/tokens", read, h.listTokens)
	h.handle("POST /admin/tokens", write, h.createToken)
	h.handle("GET /admin/tokens/{id}", read, h.getToken)
	h.handle("PUT /admin/tokens/{id}", write, h.updateToken)
	h.handle("DELETE /admin/tokens/{id}", write, h.deleteToken)
	h.handle("POST /admin/tokens/{id}/reset-quota", write, h.resetQuota)

	h.handle("GET /admin/channels", read, h.listChannels)
	h.handle("POST /admin/channels", write, h.createChannel)
	h.handle("GET /admin/channels/{id}", read, h.getChannel)
	h.handle("PUT /admin/channels/{id}", write, h.updateChannel)
	h.handle("DELETE /admin/channels/{id}", write, h.deleteChannel)
	h.handle("POST /admin/channels/{id}/keys", write, h.addKey)
	h.handle("PUT /admin/channels/{id}/keys/{keyID}", write, h.updateKey)
	h.handle("DELETE /admin/channels/{id}/keys/{keyID}", write, h.deleteKey)

	h.handle("GET /admin/mappings", read, h.listMappings)
	h.handle("POST /admin/mappings", write, h.createMapping)
	h.handle("GET /admin/mappings/{id}", read, h.getMapping)
	h.handle("PUT /admin/mappings/{id}", write, h.updateMapping)
	h.handle("DELETE /admin/mappings/{id}", write, h.deleteMapping)

	h.handle("GET /admin/rules", read, h.listRules)
	h.handle("POST /admin/rules", write, h.createRule)
	h.handle("POST /admin/rules/validate", read, h.validateRule)
	h.handle("POST /admin/rules/test", read, h.testRule)
	h.handle("GET /admin/rules/store", read, h.ruleStoreIndex)
	h.handle("POST /admin/rules/store/{slug}/install", write, h.installRule)
	h.handle("GET /admin/rules/{id}", read, h.getRule)
	h.handle("PUT /admin/rules/{id}", write, h.updateRule)
	h.handle("DELETE /admin/rules/{id}", write, h.deleteRule)
	h.handle("POST /admin/rules/{id}/duplicate", write, h.duplicateRule)

	h.handle("GET /admin/logs", read, h.listLogs)
	h.handle("DELETE /admin/logs", write, h.deleteLogs)
	h.handle("GET /admin/logs/{id}", read, h.getLog)
	h.handle("POST /admin/logs/{id}/retry", write, h.retryLog)
	h.handle("GET /admin/stats", read, h.stats)

	h.handle("GET /admin/breakers", read, h.listBreakers)
	h.handle("POST /admin/breakers/{channelID}/reset", write, h.resetBreaker)

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) handle(pattern string, p auth.Permission, fn http.HandlerFunc) {
	h.mux.Handle(pattern, h.auth.RequireAuth(h.auth.RequirePermission(p)(fn)))
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

func writeAdminError(w http.ResponseWriter, err error) {
	if protocol.StatusFor(err) >= http.StatusInternalServerError {
		slog.Error("admin request failed", "error", err)
	}
	protocol.WriteError(w, domain.FormatGeneric, err, 0)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, invalid("%s must be a non-negative integer", name)
	}
	return n, nil
}

// refreshRules reloads the registry entries for the given pairs after a rule
// mutation. The store write already succeeded, so a failure is only logged.
func (h *AdminHandler) refreshRules(ctx context.Context, pairs ...domain.Pair) {
	if h.registry == nil {
		return
	}
	if err := h.registry.Refresh(ctx, pairs...); err != nil {
		slog.Error("rule registry refresh failed", "error", err)
	}
}

func (h *AdminHandler) invalidateMappings(ctx context.Context, names ...string) {
	if h.mappings != nil {
		h.mappings.Invalidate(ctx, names...)
	}
}

func (h *AdminHandler) listBreakers(w http.ResponseWriter, r *http.Request) {
	statuses := h.breakers.Statuses(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"breakers": statuses, "count": len(statuses)})
}

func (h *AdminHandler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("channelID")
	if err := h.breakers.Reset(r.Context(), id); err != nil {
		writeAdminError(w, fmt.Errorf("reset breaker: %w", err))
		return
	}
	slog.Info("circuit breaker reset", "channel_id", id)
	w.WriteHeader(http.StatusNoContent)
}
