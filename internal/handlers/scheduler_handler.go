package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// TickRunner is what the HTTP surface needs from the scheduler: run one
// tick now. Operators and backfill scripts hit this in addition to the
// internal timer.
type TickRunner interface {
	RunOnce(ctx context.Context, rescheduleOnly bool) error
}

type SchedulerHandler struct {
	runner TickRunner
	log    *zap.Logger
}

func NewSchedulerHandler(runner TickRunner, log *zap.Logger) *SchedulerHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SchedulerHandler{runner: runner, log: log}
}

// RunTick runs one scheduler tick synchronously. With
// ?reschedule_only=true it only seeds schedule windows and sends nothing.
func (h *SchedulerHandler) RunTick(w http.ResponseWriter, r *http.Request) {
	rescheduleOnly := false
	if v := r.URL.Query().Get("reschedule_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid reschedule_only", http.StatusBadRequest)
			return
		}
		rescheduleOnly = b
	}

	if err := h.runner.RunOnce(r.Context(), rescheduleOnly); err != nil {
		h.log.Error("manual tick failed", zap.Error(err))
		http.Error(w, "tick failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"reschedule_only": rescheduleOnly,
	})
}
