package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/felipepmaragno/omnikit/internal/protocol"
	"github.com/felipepmaragno/omnikit/internal/rules"
	"github.com/google/uuid"
)

// TestRuleRequest runs either an inline rule or a stored one (rule_id).
// Vars is bound to $vars for the response and stream phases.
type TestRuleRequest struct {
	Rule   *domain.ConversionRule `json:"rule,omitempty"`
	RuleID string                 `json:"rule_id,omitempty"`
	Phase  rules.Phase            `json:"phase"`
	Sample json.RawMessage        `json:"sample"`
	Vars   json.RawMessage        `json:"vars,omitempty"`
}

// validateRuleRequest is an inline rule, or {"rule_id": "..."} to check a
// stored one.
type validateRuleRequest struct {
	domain.ConversionRule
	RuleID string `json:"rule_id,omitempty"`
}

var errNoRuleStore = fmt.Errorf("%w: rule store is not configured", domain.ErrNotFound)

func defaultSlug(r *domain.ConversionRule) string {
	return string(r.Source) + "-to-" + string(r.Target) + "-" + uuid.NewString()[:8]
}

func (h *AdminHandler) listRules(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.ListRules(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": all, "count": len(all)})
}

func (h *AdminHandler) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.store.GetRule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// createRule stores a user rule. Rules that fail to compile are rejected
// with 422 and never reach the store.
func (h *AdminHandler) createRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule domain.ConversionRule
	if err := decodeBody(r, &rule); err != nil {
		writeAdminError(w, err)
		return
	}
	if err := rules.Validate(&rule); err != nil {
		writeAdminError(w, err)
		return
	}

	rule.ID = uuid.NewString()
	rule.Origin = domain.OriginUser
	if rule.Slug == "" {
		rule.Slug = defaultSlug(&rule)
	}
	rule.CreatedAt, rule.UpdatedAt = h.now().UTC(), h.now().UTC()

	if err := h.store.CreateRule(ctx, &rule); err != nil {
		writeAdminError(w, err)
		return
	}
	h.refreshRules(ctx, rule.Pair())

	slog.Info("conversion rule created", "rule_id", rule.ID, "pair", rule.Pair().String(), "enabled", rule.Enabled)
	writeJSON(w, http.StatusCreated, rule)
}

// updateRule replaces a rule's definition. Origin and creation time are
// kept; the formats may change, so both the old and new pairs are refreshed.
func (h *AdminHandler) updateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	old, err := h.store.GetRule(ctx, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}

	var rule domain.ConversionRule
	if err := decodeBody(r, &rule); err != nil {
		writeAdminError(w, err)
		return
	}
	if err := rules.Validate(&rule); err != nil {
		writeAdminError(w, err)
		return
	}

	rule.ID = old.ID
	rule.Origin = old.Origin
	rule.CreatedAt = old.CreatedAt
	rule.UpdatedAt = h.now().UTC()
	if rule.Slug == "" {
		rule.Slug = old.Slug
	}

	if err := h.store.UpdateRule(ctx, &rule); err != nil {
		writeAdminError(w, err)
		return
	}
	h.refreshRules(ctx, old.Pair(), rule.Pair())

	slog.Info("conversion rule updated", "rule_id", rule.ID, "pair", rule.Pair().String(), "enabled", rule.Enabled)
	writeJSON(w, http.StatusOK, rule)
}

func (h *AdminHandler) deleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rule, err := h.store.GetRule(ctx, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if err := h.store.DeleteRule(ctx, rule.ID); err != nil {
		writeAdminError(w, err)
		return
	}
	h.refreshRules(ctx, rule.Pair())

	slog.Info("conversion rule deleted", "rule_id", rule.ID, "pair", rule.Pair().String())
	w.WriteHeader(http.StatusNoContent)
}

// duplicateRule copies a rule as a disabled user rule, so the copy can be
// edited without taking over the pair.
func (h *AdminHandler) duplicateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	src, err := h.store.GetRule(ctx, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}

	dup := *src
	dup.ID = uuid.NewString()
	dup.Slug = src.Slug + "-copy-" + dup.ID[:8]
	dup.Name = strings.TrimSpace(src.Name + " (copy)")
	dup.Origin = domain.OriginUser
	dup.Enabled = false
	dup.CreatedAt, dup.UpdatedAt = h.now().UTC(), h.now().UTC()

	if err := h.store.CreateRule(ctx, &dup); err != nil {
		writeAdminError(w, err)
		return
	}
	h.refreshRules(ctx, dup.Pair())

	slog.Info("conversion rule duplicated", "rule_id", dup.ID, "from", src.ID)
	writeJSON(w, http.StatusCreated, dup)
}

func (h *AdminHandler) validateRule(w http.ResponseWriter, r *http.Request) {
	var req validateRuleRequest
	if err := decodeBody(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	rule := &req.ConversionRule
	if req.RuleID != "" {
		stored, err := h.store.GetRule(r.Context(), req.RuleID)
		if err != nil {
			writeAdminError(w, err)
			return
		}
		rule = stored
	}
	if err := rules.Validate(rule); err != nil {
		writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// testRule runs one phase of a rule against a sample without touching any
// channel.
func (h *AdminHandler) testRule(w http.ResponseWriter, r *http.Request) {
	var req TestRuleRequest
	if err := decodeBody(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	if len(req.Sample) == 0 {
		writeAdminError(w, invalid("sample is required"))
		return
	}

	rule := req.Rule
	switch {
	case req.RuleID != "" && rule != nil:
		writeAdminError(w, invalid("rule and rule_id are mutually exclusive"))
		return
	case req.RuleID != "":
		stored, err := h.store.GetRule(r.Context(), req.RuleID)
		if err != nil {
			writeAdminError(w, err)
			return
		}
		rule = stored
	case rule == nil:
		writeAdminError(w, invalid("rule or rule_id is required"))
		return
	}

	out, err := rules.TestWith(rule, req.Phase, req.Sample, req.Vars)
	if err != nil {
		writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"output": json.RawMessage(out)})
}

// writeRuleError answers 422 for both compile and execution failures of a
// rule under test, with the template path that failed.
func writeRuleError(w http.ResponseWriter, err error) {
	var re *domain.RuleError
	if !errors.As(err, &re) {
		writeAdminError(w, err)
		return
	}
	var body map[string]any
	_ = json.Unmarshal(protocol.ErrorBody(domain.FormatGeneric, err), &body)
	if e, ok := body["error"].(map[string]any); ok && re.Path != "" {
		e["path"] = re.Path
	}
	body["valid"] = false
	writeJSON(w, http.StatusUnprocessableEntity, body)
}

func (h *AdminHandler) ruleStoreIndex(w http.ResponseWriter, r *http.Request) {
	if h.ruleStore == nil || !h.ruleStore.Enabled() {
		writeAdminError(w, errNoRuleStore)
		return
	}
	entries, err := h.ruleStore.Index(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": entries, "count": len(entries)})
}

// installRule fetches a rule from the store and saves it enabled, which
// makes it the newest rule for its pair.
func (h *AdminHandler) installRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug := r.PathValue("slug")

	if h.ruleStore == nil || !h.ruleStore.Enabled() {
		writeAdminError(w, errNoRuleStore)
		return
	}
	rule, err := h.ruleStore.Fetch(ctx, slug)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if err := rules.Validate(rule); err != nil {
		writeAdminError(w, err)
		return
	}

	rule.ID = uuid.NewString()
	if rule.Slug == "" {
		rule.Slug = slug
	}
	rule.Origin = domain.OriginStore
	rule.Enabled = true
	rule.CreatedAt, rule.UpdatedAt = h.now().UTC(), h.now().UTC()

	if err := h.store.CreateRule(ctx, rule); err != nil {
		writeAdminError(w, err)
		return
	}
	h.refreshRules(ctx, rule.Pair())

	slog.Info("conversion rule installed", "rule_id", rule.ID, "slug", rule.Slug, "pair", rule.Pair().String())
	writeJSON(w, http.StatusCreated, rule)
}
