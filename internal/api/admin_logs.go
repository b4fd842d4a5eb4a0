package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/felipepmaragno/omnikit/internal/repository"
)

const (
	defaultStatsDays = 7
	maxStatsDays     = 365
)

func (h *AdminHandler) listLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", repository.DefaultLogLimit)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if limit > repository.MaxLogLimit {
		limit = repository.MaxLogLimit
	}

	f := domain.LogFilter{Model: r.URL.Query().Get("model"), Limit: limit, Offset: offset}
	logs, total, err := h.store.ListLogs(r.Context(), f)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":   logs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *AdminHandler) getLog(w http.ResponseWriter, r *http.Request) {
	l, err := h.store.GetLog(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *AdminHandler) deleteLogs(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.DeleteLogs(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	slog.Info("request logs cleared", "count", n)
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// retryLog replays a logged request. The answer carries the replay's status
// and body whatever that status is; only failures to replay at all are
// errors.
func (h *AdminHandler) retryLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	res, err := h.retrier.Retry(r.Context(), id)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	var body any = string(res.Body)
	if json.Valid(res.Body) {
		body = json.RawMessage(res.Body)
	}

	slog.Info("request retried", "log_id", id, "retry_log_id", res.LogID, "status", res.Status)
	writeJSON(w, http.StatusOK, map[string]any{
		"log_id": res.LogID,
		"status": res.Status,
		"body":   body,
	})
}

func (h *AdminHandler) stats(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", defaultStatsDays)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if days < 1 {
		days = 1
	}
	if days > maxStatsDays {
		days = maxStatsDays
	}

	// whole UTC days, today included
	today := h.now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(days - 1))

	stats, err := h.store.Stats(r.Context(), since)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"days":     days,
		"since":    since,
		"daily":    stats.Daily,
		"by_model": stats.ByModel,
	})
}
