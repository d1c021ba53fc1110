package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/model"
	"github.com/t77yq/automation-orchestrator/internal/monitor"
)

const (
	defaultAlertLimit = 20
	maxAlertLimit     = 100
)

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), defaultAlertLimit)
	if limit <= 0 || limit > maxAlertLimit {
		limit = defaultAlertLimit
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": s.options.Alerts.Recent(limit),
	})
}

func (s *Server) handleListAlertRules(w http.ResponseWriter, r *http.Request) {
	rules := s.options.Alerts.ListRules()
	if rules == nil {
		rules = []model.AlertRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleCreateAlertRule(w http.ResponseWriter, r *http.Request) {
	var rule model.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	rule.Name = strings.TrimSpace(rule.Name)
	if rule.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name is required")
		return
	}
	if !rule.Type.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown alert type")
		return
	}
	if rule.Severity == "" {
		rule.Severity = model.AlertSeverityWarning
	}
	if !rule.Severity.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown alert severity")
		return
	}
	if rule.Threshold < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "threshold must not be negative")
		return
	}
	if rule.ID != "" {
		if _, err := s.options.Alerts.GetRule(rule.ID); err == nil {
			writeError(w, http.StatusConflict, "conflict", "alert rule already exists")
			return
		}
	}

	if err := s.options.Alerts.AddRule(&rule); err != nil {
		s.writeAlertError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleSilenceAlertRule(silenced bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, err := s.options.Alerts.GetRule(chi.URLParam(r, "ruleID"))
		if err != nil {
			s.writeAlertError(w, err)
			return
		}
		rule.Silenced = silenced
		if err := s.options.Alerts.UpdateRule(rule); err != nil {
			s.writeAlertError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

func (s *Server) handleDeleteAlertRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleID")
	if err := s.options.Alerts.DeleteRule(ruleID); err != nil {
		s.writeAlertError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "Alert rule " + ruleID + " deleted"})
}

func (s *Server) writeAlertError(w http.ResponseWriter, err error) {
	if errors.Is(err, monitor.ErrRuleNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "alert rule not found")
		return
	}
	s.logger.Error("alert rule operation", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
}
