package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/tabclip/internal/clipper"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
	historyTimeout      = 3 * time.Second
)

// HistoryStore is the subset of the history store the API reads and edits.
type HistoryStore interface {
	List(ctx context.Context) ([]clipper.HistoryEntry, error)
	Delete(ctx context.Context, ts time.Time) (bool, error)
	Clear(ctx context.Context) error
}

// HistoryHandler exposes capture history endpoints.
type HistoryHandler struct {
	store   HistoryStore
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler wires the store and logger.
func NewHistoryHandler(store HistoryStore, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		store:   store,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// List handles GET /v1/history?status=&limit=&offset=. It returns
// {"entries": [...], "total": n} newest first, 400 for invalid filters, 503
// when no store is wired, or 500 if the store fails.
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history store unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *clipper.HistoryStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		val, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &val
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	entries, err := h.store.List(ctx)
	if err != nil {
		h.logger.Error("list history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if status != nil {
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.Status == *status {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	total := len(entries)
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": page(entries, limit, offset),
		"total":   total,
	})
}

// Delete handles DELETE /v1/history/{ts}. ts is RFC 3339 or Unix
// milliseconds. Returns 404 when no entry carries that timestamp.
func (h *HistoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history store unavailable")
		return
	}
	ts, err := parseTimestamp(chi.URLParam(r, "ts"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	removed, err := h.store.Delete(ctx, ts)
	if err != nil {
		h.logger.Error("delete history entry failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete history entry")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "history entry not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Clear handles DELETE /v1/history.
func (h *HistoryHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.store.Clear(ctx); err != nil {
		h.logger.Error("clear history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func page(entries []clipper.HistoryEntry, limit, offset int) []clipper.HistoryEntry {
	if offset >= len(entries) {
		return []clipper.HistoryEntry{}
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	return entries[offset:end]
}

func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("timestamp is required")
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, errors.New("invalid timestamp")
	}
	return ts, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (clipper.HistoryStatus, error) {
	switch strings.ToLower(input) {
	case "success", "ok":
		return clipper.StatusSuccess, nil
	case "failed", "error", "failure":
		return clipper.StatusFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}
