package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/felipepmaragno/omnikit/internal/secrets"
	"github.com/google/uuid"
)

type ChannelRequest struct {
	Name         string   `json:"name"`
	Provider     string   `json:"provider"`
	BaseURL      string   `json:"base_url"`
	Priority     int      `json:"priority"`
	RateLimitRPM int      `json:"rate_limit_rpm"`
	Enabled      *bool    `json:"enabled,omitempty"`
	Keys         []string `json:"keys,omitempty"`
}

type KeyRequest struct {
	Value    *string `json:"key_value,omitempty"`
	Enabled  *bool   `json:"enabled,omitempty"`
	Position *int    `json:"position,omitempty"`
}

type MappingRequest struct {
	PublicName string `json:"public_name"`
	ChannelID  string `json:"channel_id"`
	ActualName string `json:"actual_name"`
}

// maskKey hides all but the ends of a literal key. secret:// references are
// not sensitive and are shown whole.
func maskKey(v string) string {
	if secrets.IsReference(v) {
		return v
	}
	if len(v) <= 8 {
		return strings.Repeat("*", len(v))
	}
	return v[:4] + "..." + v[len(v)-4:]
}

func maskChannel(c domain.Channel) domain.Channel {
	keys := make([]domain.APIKey, len(c.Keys))
	for i, k := range c.Keys {
		k.Value = maskKey(k.Value)
		keys[i] = k
	}
	c.Keys = keys
	return c
}

func (req *ChannelRequest) validate() (domain.Format, error) {
	if req.Name == "" {
		return "", invalid("name is required")
	}
	if req.BaseURL == "" {
		return "", invalid("base_url is required")
	}
	if req.RateLimitRPM < 0 {
		return "", invalid("rate_limit_rpm must not be negative")
	}
	return domain.ParseFormat(req.Provider)
}

func (h *AdminHandler) listChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.store.ListChannels(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	out := make([]domain.Channel, len(channels))
	for i, c := range channels {
		out[i] = maskChannel(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out, "count": len(out)})
}

func (h *AdminHandler) createChannel(w http.ResponseWriter, r *http.Request) {
	var req ChannelRequest
	if err := decodeBody(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	format, err := req.validate()
	if err != nil {
		writeAdminError(w, err)
		return
	}

	ch := &domain.Channel{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Format:       format,
		BaseURL:      strings.TrimRight(req.BaseURL, "/"),
		Priority:     req.Priority,
		RateLimitRPM: req.RateLimitRPM,
		Enabled:      req.Enabled == nil || *req.Enabled,
	}
	for i, v := range req.Keys {
		ch.Keys = append(ch.Keys, domain.APIKey{ID: uuid.NewString(), ChannelID: ch.ID, Value: v, Enabled: true, Position: i})
	}

	if err := h.store.CreateChannel(r.Context(), ch); err != nil {
		writeAdminError(w, err)
		return
	}

	slog.Info("channel created", "channel_id", ch.ID, "provider", string(ch.Format), "keys", len(ch.Keys))
	writeJSON(w, http.StatusCreated, maskChannel(*ch))
}

func (h *AdminHandler) getChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := h.store.GetChannel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, maskChannel(*ch))
}

// updateChannel replaces the channel's settings. Keys are managed through
// the key endpoints.
func (h *AdminHandler) updateChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ch, err := h.store.GetChannel(ctx, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}

	var req ChannelRequest
	if err := decodeBody(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	format, err := req.validate()
	if err != nil {
		writeAdminError(w, err)
		return
	}

	ch.Name = req.Name
	ch.Format = format
	ch.BaseURL = strings.TrimRight(req.BaseURL, "/")
	ch.Priority = req.Priority
	ch.RateLimitRPM = req.RateLimitRPM
	if req.Enabled != nil {
		ch.Enabled = *req.Enabled
	}

	if err := h.store.UpdateChannel(ctx, ch); err != nil {
		writeAdminError(w, err)
		return
	}

	slog.Info("channel updated", "channel_id", ch.ID)
	writeJSON(w, http.StatusOK, maskChannel(*ch))
}

func (h *AdminHandler) deleteChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if err := h.store.DeleteChannel(ctx, id); err != nil {
		writeAdminError(w, err)
		return
	}
	// the channel's mappings went with it
	if h.mappings != nil {
		h.mappings.InvalidateAll(ctx)
	}

	slog.Info("channel deleted", "channel_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) addKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ch, err := h.store.GetChannel(ctx, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}

	var req KeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	if req.Value == nil || *req.Value == "" {
		writeAdminError(w, invalid("key_value is required"))
		return
	}

	key := &domain.APIKey{
		ID:        uuid.NewString(),
		ChannelID: ch.ID,
		Value:     *req.Value,
		Enabled:   req.Enabled == nil || *req.Enabled,
		Position:  len(ch.Keys),
	}
	if req.Position != nil {
		key.Position = *req.Position
	}

	if err := h.store.AddKey(ctx, key); err != nil {
		writeAdminError(w, err)
		return
	}

	slog.Info("channel key added", "channel_id", ch.ID, "key_id", key.ID)
	out := *key
	out.Value = maskKey(out.Value)
	writeJSON(w, http.StatusCreated, out)
}

func (h *AdminHandler) updateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keyID := r.PathValue("keyID")

	ch, err := h.store.GetChannel(ctx, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	var key *domain.APIKey
	for i := range ch.Keys {
		if ch.Keys[i].ID == keyID {
			key = &ch.Keys[i]
			break
		}
	}
	if key == nil {
		writeAdminError(w, domain.ErrNotFound)
		return
	}

	var req KeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	if req.Value != nil {
		if *req.Value == "" {
			writeAdminError(w, invalid("key_value must not be empty"))
			return
		}
		key.Value = *req.Value
	}
	if req.Enabled != nil {
		key.Enabled = *req.Enabled
	}
	if req.Position != nil {
		key.Position = *req.Position
	}

	if err := h.store.UpdateKey(ctx, key); err != nil {
		writeAdminError(w, err)
		return
	}

	slog.Info("channel key updated", "channel_id", ch.ID, "key_id", key.ID)
	out := *key
	out.Value = maskKey(out.Value)
	writeJSON(w, http.StatusOK, out)
}

func (h *AdminHandler) deleteKey(w http.ResponseWriter, r *http.Request) {
	channelID, keyID := r.PathValue("id"), r.PathValue("keyID")
	if err := h.store.DeleteKey(r.Context(), channelID, keyID); err != nil {
		writeAdminError(w, err)
		return
	}
	slog.Info("channel key deleted", "channel_id", channelID, "key_id", keyID)
	w.WriteHeader(http.StatusNoContent)
}

func (req *MappingRequest) validate() error {
	switch {
	case req.PublicName == "":
		return invalid("public_name is required")
	case req.ChannelID == "":
		return invalid("channel_id is required")
	case req.ActualName == "":
		return invalid("actual_name is required")
	}
	return nil
}

func (h *AdminHandler) listMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.store.ListMappings(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": mappings, "count": len(mappings)})
}

func (h *AdminHandler) createMapping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req MappingRequest
	if err := decodeBody(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeAdminError(w, err)
		return
	}

	m := &domain.ModelMapping{
		ID:         uuid.NewString(),
		PublicName: req.PublicName,
		ChannelID:  req.ChannelID,
		ActualName: req.ActualName,
	}
	if err := h.store.CreateMapping(ctx, m); err != nil {
		writeAdminError(w, err)
		return
	}
	h.invalidateMappings(ctx, m.PublicName)

	slog.Info("model mapping created", "model", m.PublicName, "channel_id", m.ChannelID)
	writeJSON(w, http.StatusCreated, m)
}

func (h *AdminHandler) getMapping(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.GetMapping(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *AdminHandler) updateMapping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	m, err := h.store.GetMapping(ctx, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}

	var req MappingRequest
	if err := decodeBody(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeAdminError(w, err)
		return
	}

	oldName := m.PublicName
	m.PublicName = req.PublicName
	m.ChannelID = req.ChannelID
	m.ActualName = req.ActualName
	if err := h.store.UpdateMapping(ctx, m); err != nil {
		writeAdminError(w, err)
		return
	}
	h.invalidateMappings(ctx, oldName, m.PublicName)

	slog.Info("model mapping updated", "model", m.PublicName, "channel_id", m.ChannelID)
	writeJSON(w, http.StatusOK, m)
}

func (h *AdminHandler) deleteMapping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	m, err := h.store.GetMapping(ctx, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if err := h.store.DeleteMapping(ctx, m.ID); err != nil {
		writeAdminError(w, err)
		return
	}
	h.invalidateMappings(ctx, m.PublicName)

	slog.Info("model mapping deleted", "model", m.PublicName)
	w.WriteHeader(http.StatusNoContent)
}
