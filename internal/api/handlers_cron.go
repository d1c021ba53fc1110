package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/t77yq/automation-orchestrator/internal/cronspec"
)

type cronPreviewRequest struct {
	Expr  string `json:"expr"`
	Now   string `json:"now,omitempty"`
	Count int    `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// handleCronPreview validates an expression and lists its next activations
func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "invalid JSON payload"})
		return
	}
	expr := strings.TrimSpace(req.Expr)
	if expr == "" {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "cron expression is required"})
		return
	}
	schedule, err := cronspec.Parse(expr)
	if err != nil {
		writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: false, Message: err.Error()})
		return
	}

	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}

	base := time.Now()
	if req.Now != "" {
		parsed, err := time.Parse(time.RFC3339, req.Now)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "now must be an RFC3339 timestamp"})
			return
		}
		base = parsed
	}

	times := cronspec.NextOccurrences(schedule, base, count)
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: true, NextTimes: formatted})
}
