package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/executor"
	"github.com/t77yq/automation-orchestrator/internal/functions"
	"github.com/t77yq/automation-orchestrator/internal/model"
	"github.com/t77yq/automation-orchestrator/internal/orchestrator"
	"github.com/t77yq/automation-orchestrator/internal/registry"
	"github.com/t77yq/automation-orchestrator/internal/storage"
)

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type executionsResponse struct {
	Executions []*model.Execution `json:"executions"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.orch.Running(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	logN := parseIntDefault(r.URL.Query().Get("logs"), orchestrator.DefaultLogTail)
	writeJSON(w, http.StatusOK, s.orch.Status(logN))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	started, err := s.orch.Start(r.Context())
	if err != nil {
		s.logger.Error("start orchestrator", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to start automation")
		return
	}
	if !started {
		writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "Automation system already running"})
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "Automation system started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.orch.Stop() {
		writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "Automation system already stopped"})
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "Automation system stopped"})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.HealthCheck(r.Context()))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := model.TaskStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.TaskStatusActive, model.TaskStatusPaused, model.TaskStatusError:
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", "status must be active, paused or error")
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Tasks(status))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.Task(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var desc model.AutomationDescriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	task, err := s.orch.AddCustomAutomation(desc)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := s.orch.SetEnabled(chi.URLParam(r, "taskID"), enabled)
		if err != nil {
			s.writeTaskError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.orch.RunTask(r.Context(), taskID); err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, actionResponse{Success: true, Message: "Task " + taskID + " triggered"})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "execution history is not configured")
		return
	}

	query := r.URL.Query()
	filter := storage.HistoryFilter{
		TaskID: query.Get("task_id"),
		Status: model.ExecutionStatus(query.Get("status")),
		Limit:  parseIntDefault(query.Get("limit"), 50),
		Offset: parseIntDefault(query.Get("offset"), 0),
	}
	if since := query.Get("since"); since != "" {
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = parsed
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	executions, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list executions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list executions")
		return
	}
	total, err := s.history.Count(r.Context(), filter)
	if err != nil {
		s.logger.Error("count executions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to count executions")
		return
	}

	if executions == nil {
		executions = []*model.Execution{}
	}
	writeJSON(w, http.StatusOK, executionsResponse{
		Executions: executions,
		Total:      total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
	})
}

func (s *Server) handleInvokeFunction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req executor.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	result, err := s.library.Invoke(r.Context(), name, req)
	if err != nil {
		if errors.Is(err, functions.ErrUnknownFunction) {
			writeError(w, http.StatusNotFound, "not_found", "unknown automation function")
			return
		}
		writeError(w, http.StatusInternalServerError, "function_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"function": name,
		"result":   result,
	})
}

func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, registry.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	default:
		s.logger.Error("task operation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
