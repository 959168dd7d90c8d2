package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/raterudder/spotexporter/pkg/log"
)

type runResponse struct {
	Status string `json:"status"`
	Took   string `json:"took"`
}

// handleRun executes one export run and reports its outcome. A request that
// arrives while another run is in progress is rejected instead of queued.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.running.TryLock() {
		log.Ctx(ctx).WarnContext(ctx, "rejecting run, another run is in progress")
		writeJSONError(w, "run already in progress", http.StatusConflict)
		return
	}
	defer s.running.Unlock()

	// a dropped connection should not abort a run halfway
	runCtx := context.WithoutCancel(ctx)
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, s.runTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := s.runner.Run(runCtx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "triggered run failed", slog.Any("error", err))
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(runResponse{
		Status: "ok",
		Took:   time.Since(start).Round(time.Millisecond).String(),
	}); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to write run response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}
