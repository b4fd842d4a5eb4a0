package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/google/uuid"
)

type CreateTokenRequest struct {
	Name          string     `json:"name"`
	Key           string     `json:"key,omitempty"`
	QuotaLimit    *int64     `json:"quota_limit,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	AllowedModels []string   `json:"allowed_models,omitempty"`
	Enabled       *bool      `json:"enabled,omitempty"`
}

// UpdateTokenRequest changes only the fields present. quota_limit and
// expires_at accept null to clear them.
type UpdateTokenRequest struct {
	Name          *string         `json:"name,omitempty"`
	Key           *string         `json:"key,omitempty"`
	QuotaLimit    json.RawMessage `json:"quota_limit,omitempty"`
	ExpiresAt     json.RawMessage `json:"expires_at,omitempty"`
	AllowedModels *[]string       `json:"allowed_models,omitempty"`
	Enabled       *bool           `json:"enabled,omitempty"`
}

func generateTokenKey() string {
	return "sk-omnikit-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func (h *AdminHandler) listTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.store.ListTokens(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens, "count": len(tokens)})
}

func (h *AdminHandler) createToken(w http.ResponseWriter, r *http.Request) {
	var req CreateTokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	if req.QuotaLimit != nil && *req.QuotaLimit < 0 {
		writeAdminError(w, invalid("quota_limit must not be negative"))
		return
	}

	tok := &domain.Token{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Key:           req.Key,
		QuotaLimit:    req.QuotaLimit,
		ExpiresAt:     req.ExpiresAt,
		AllowedModels: req.AllowedModels,
		Enabled:       req.Enabled == nil || *req.Enabled,
	}
	if tok.Key == "" {
		tok.Key = generateTokenKey()
	}

	if err := h.store.CreateToken(r.Context(), tok); err != nil {
		writeAdminError(w, err)
		return
	}

	slog.Info("token created", "token_id", tok.ID, "name", tok.Name)
	writeJSON(w, http.StatusCreated, tok)
}

func (h *AdminHandler) getToken(w http.ResponseWriter, r *http.Request) {
	tok, err := h.store.GetToken(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (h *AdminHandler) updateToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tok, err := h.store.GetToken(ctx, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}

	var req UpdateTokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}

	if req.Name != nil {
		tok.Name = *req.Name
	}
	if req.Key != nil {
		if *req.Key == "" {
			writeAdminError(w, invalid("key must not be empty"))
			return
		}
		tok.Key = *req.Key
	}
	if len(req.QuotaLimit) > 0 {
		if isNull(req.QuotaLimit) {
			tok.QuotaLimit = nil
		} else {
			var limit int64
			if err := json.Unmarshal(req.QuotaLimit, &limit); err != nil || limit < 0 {
				writeAdminError(w, invalid("quota_limit must be a non-negative integer or null"))
				return
			}
			tok.QuotaLimit = &limit
		}
	}
	if len(req.ExpiresAt) > 0 {
		if isNull(req.ExpiresAt) {
			tok.ExpiresAt = nil
		} else {
			var at time.Time
			if err := json.Unmarshal(req.ExpiresAt, &at); err != nil {
				writeAdminError(w, invalid("expires_at must be an RFC 3339 time or null"))
				return
			}
			tok.ExpiresAt = &at
		}
	}
	if req.AllowedModels != nil {
		tok.AllowedModels = *req.AllowedModels
	}
	if req.Enabled != nil {
		tok.Enabled = *req.Enabled
	}

	if err := h.store.UpdateToken(ctx, tok); err != nil {
		writeAdminError(w, err)
		return
	}

	slog.Info("token updated", "token_id", tok.ID)
	writeJSON(w, http.StatusOK, tok)
}

func (h *AdminHandler) deleteToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.DeleteToken(r.Context(), id); err != nil {
		writeAdminError(w, err)
		return
	}
	slog.Info("token deleted", "token_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) resetQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if err := h.store.ResetQuota(ctx, id); err != nil {
		writeAdminError(w, err)
		return
	}
	if h.quota != nil {
		h.quota.Reset(ctx, id)
	}

	tok, err := h.store.GetToken(ctx, id)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	slog.Info("token quota reset", "token_id", id)
	writeJSON(w, http.StatusOK, tok)
}
