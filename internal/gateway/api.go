package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/basket/warroom/internal/actions"
	"github.com/basket/warroom/internal/heartbeat"
	"github.com/basket/warroom/internal/persistence"
	"github.com/basket/warroom/internal/trigger"
)

// storeErrorStatus maps persistence sentinels to HTTP statuses.
func storeErrorStatus(err error) int {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, persistence.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, persistence.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, persistence.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

type createMessageRequest struct {
	WorkspaceID      string          `json:"workspace_id"`
	Kind             string          `json:"kind"`
	FromAgent        string          `json:"from_agent"`
	ToAgent          string          `json:"to_agent,omitempty"`
	Topic            string          `json:"topic,omitempty"`
	Priority         string          `json:"priority,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	ThreadID         string          `json:"thread_id,omitempty"`
	ParentID         string          `json:"parent_id,omitempty"`
	RequiresResponse bool            `json:"requires_response,omitempty"`
	ResponseDeadline *time.Time      `json:"response_deadline,omitempty"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req createMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		msg, err := s.cfg.Dispatch.Publish(r.Context(), persistence.NewMessageParams{
			WorkspaceID:      req.WorkspaceID,
			Kind:             req.Kind,
			FromAgent:        req.FromAgent,
			ToAgent:          req.ToAgent,
			Topic:            req.Topic,
			Priority:         req.Priority,
			Payload:          req.Payload,
			ThreadID:         req.ThreadID,
			ParentID:         req.ParentID,
			RequiresResponse: req.RequiresResponse,
			ResponseDeadline: req.ResponseDeadline,
		})
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, msg)

	case http.MethodGet:
		q := r.URL.Query()
		items, total, err := s.cfg.Store.ListMessages(r.Context(), persistence.MessageFilter{
			WorkspaceID: q.Get("workspace"),
			Kind:        q.Get("kind"),
			Status:      q.Get("status"),
			ToAgent:     q.Get("to_agent"),
			ThreadID:    q.Get("thread"),
			Limit:       queryInt(r, "limit", 50),
			Offset:      queryInt(r, "offset", 0),
		})
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleOverdue(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	workspaceID := r.URL.Query().Get("workspace")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspace query parameter is required")
		return
	}
	escalate := r.URL.Query().Get("escalate") == "true"
	overdue, err := s.cfg.Dispatch.GetOverdue(r.Context(), workspaceID, escalate)
	if err != nil {
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: overdue, Total: len(overdue)})
}

func (s *Server) handleMessageByID(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "message id is required")
		return
	}

	switch {
	case r.Method == http.MethodGet && sub == "":
		msg, err := s.cfg.Store.GetMessage(r.Context(), id)
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, msg)

	case r.Method == http.MethodGet && sub == "thread":
		msg, err := s.cfg.Store.GetMessage(r.Context(), id)
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		thread, err := s.cfg.Store.ListThread(r.Context(), msg.WorkspaceID, msg.ThreadID)
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, listResponse{Items: thread, Total: len(thread)})

	case r.Method == http.MethodPost && sub == "decision":
		var req struct {
			Decision string `json:"decision"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Decision == "" {
			writeError(w, http.StatusBadRequest, "decision is required")
			return
		}
		if err := s.cfg.Store.RecordHumanDecision(r.Context(), id, req.Decision); err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		msg, err := s.cfg.Store.GetMessage(r.Context(), id)
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, msg)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type autonomyPatch struct {
	GlobalLevel        *int            `json:"global_level,omitempty"`
	CategoryOverrides  *map[string]int `json:"category_overrides,omitempty"`
	DailyActionLimit   *int            `json:"daily_action_limit,omitempty"`
	DailySpendLimitUSD *float64        `json:"daily_spend_limit_usd,omitempty"`
	Paused             *bool           `json:"paused,omitempty"`
	PauseReason        *string         `json:"pause_reason,omitempty"`
	NotifyPref         *string         `json:"notify_pref,omitempty"`
	Version            int             `json:"version"`
}

func (s *Server) handleAutonomy(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	workspaceID := r.URL.Query().Get("workspace")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspace query parameter is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		settings, err := s.cfg.Store.GetAutonomySettings(r.Context(), workspaceID)
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		usage, err := s.cfg.Store.GetDailyUsage(r.Context(), workspaceID, time.Now())
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"settings": settings,
			"usage":    usage,
		})

	case http.MethodPatch:
		var patch autonomyPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if patch.Version <= 0 {
			writeError(w, http.StatusBadRequest, "version is required for optimistic updates")
			return
		}
		settings, err := s.cfg.Store.GetAutonomySettings(r.Context(), workspaceID)
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		settings.Version = patch.Version
		if patch.GlobalLevel != nil {
			settings.GlobalLevel = *patch.GlobalLevel
		}
		if patch.CategoryOverrides != nil {
			settings.CategoryOverrides = *patch.CategoryOverrides
		}
		if patch.DailyActionLimit != nil {
			settings.DailyActionLimit = *patch.DailyActionLimit
		}
		if patch.DailySpendLimitUSD != nil {
			settings.DailySpendLimitUSD = *patch.DailySpendLimitUSD
		}
		if patch.Paused != nil {
			settings.Paused = *patch.Paused
			if !*patch.Paused {
				settings.PauseReason = ""
			}
		}
		if patch.PauseReason != nil {
			settings.PauseReason = *patch.PauseReason
		}
		if patch.NotifyPref != nil {
			settings.NotifyPref = *patch.NotifyPref
		}
		updated, err := s.cfg.Store.UpdateAutonomySettings(r.Context(), settings)
		if err != nil {
			if errors.Is(err, persistence.ErrVersionConflict) {
				writeError(w, http.StatusConflict, "settings changed since you read them; re-read and retry")
				return
			}
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, updated)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type proposeActionRequest struct {
	WorkspaceID      string          `json:"workspace_id"`
	AgentID          string          `json:"agent_id"`
	ActionType       string          `json:"action_type"`
	Category         string          `json:"category,omitempty"`
	Title            string          `json:"title,omitempty"`
	Description      string          `json:"description,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	EstimatedCostUSD float64         `json:"estimated_cost_usd,omitempty"`
	Reversible       bool            `json:"reversible,omitempty"`
	GateType         string          `json:"gate_type,omitempty"`
	Audience         string          `json:"audience,omitempty"`
	Content          string          `json:"content,omitempty"`
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req proposeActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		action, err := s.cfg.Lifecycle.Propose(r.Context(), actions.ProposeParams{
			WorkspaceID:      req.WorkspaceID,
			AgentID:          req.AgentID,
			ActionType:       req.ActionType,
			Category:         req.Category,
			Title:            req.Title,
			Description:      req.Description,
			Payload:          req.Payload,
			EstimatedCostUSD: req.EstimatedCostUSD,
			Reversible:       req.Reversible,
			GateType:         req.GateType,
			Audience:         req.Audience,
			Content:          req.Content,
		})
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, action)

	case http.MethodGet:
		q := r.URL.Query()
		items, total, err := s.cfg.Store.ListActions(r.Context(), persistence.ActionFilter{
			WorkspaceID: q.Get("workspace"),
			Status:      q.Get("status"),
			AgentID:     q.Get("agent"),
			Limit:       queryInt(r, "limit", 50),
			Offset:      queryInt(r, "offset", 0),
		})
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleActionByID(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/actions/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "action id is required")
		return
	}

	switch {
	case r.Method == http.MethodGet && sub == "":
		action, err := s.cfg.Store.GetAction(r.Context(), id)
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, action)

	case r.Method == http.MethodGet && sub == "events":
		events, err := s.cfg.Store.ListActionEvents(r.Context(), id)
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, listResponse{Items: events, Total: len(events)})

	case r.Method == http.MethodPost && sub == "decide":
		var req struct {
			Approve   bool   `json:"approve"`
			DecidedBy string `json:"decided_by"`
			Reason    string `json:"reason,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.DecidedBy == "" {
			req.DecidedBy = "founder"
		}
		action, err := s.cfg.Lifecycle.Decide(r.Context(), id, req.Approve, req.DecidedBy, req.Reason)
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, action)

	case r.Method == http.MethodPost && sub == "execute":
		action, err := s.cfg.Lifecycle.Execute(r.Context(), id)
		if err != nil && action == nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, action)

	case r.Method == http.MethodPost && sub == "undo":
		action, err := s.cfg.Lifecycle.Undo(r.Context(), id)
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, action)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type recordHeartbeatRequest struct {
	WorkspaceID      string          `json:"workspace_id"`
	AgentID          string          `json:"agent_id"`
	Result           string          `json:"result"`
	ChecklistItem    string          `json:"checklist_item,omitempty"`
	Context          json.RawMessage `json:"context,omitempty"`
	ActionTaken      string          `json:"action_taken,omitempty"`
	ActionResult     string          `json:"action_result,omitempty"`
	PromptTokens     int             `json:"prompt_tokens,omitempty"`
	CompletionTokens int             `json:"completion_tokens,omitempty"`
	CostUSD          float64         `json:"cost_usd,omitempty"`
	Model            string          `json:"model,omitempty"`
	LatencyMS        int             `json:"latency_ms,omitempty"`
	Question         string          `json:"question,omitempty"`
}

func (s *Server) handleHeartbeats(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req recordHeartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		outcome, err := s.cfg.Recorder.Record(r.Context(), heartbeat.RecordParams{
			WorkspaceID:      req.WorkspaceID,
			AgentID:          req.AgentID,
			Result:           req.Result,
			ChecklistItem:    req.ChecklistItem,
			Context:          req.Context,
			ActionTaken:      req.ActionTaken,
			ActionResult:     req.ActionResult,
			PromptTokens:     req.PromptTokens,
			CompletionTokens: req.CompletionTokens,
			CostUSD:          req.CostUSD,
			Model:            req.Model,
			LatencyMS:        req.LatencyMS,
			Question:         req.Question,
		})
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, outcome)

	case http.MethodGet:
		q := r.URL.Query()
		items, total, err := s.cfg.Store.ListHeartbeats(r.Context(), persistence.HeartbeatFilter{
			WorkspaceID: q.Get("workspace"),
			AgentID:     q.Get("agent"),
			Result:      q.Get("result"),
			Limit:       queryInt(r, "limit", 50),
			Offset:      queryInt(r, "offset", 0),
		})
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type createTriggerRequest struct {
	WorkspaceID      string `json:"workspace_id"`
	Name             string `json:"name"`
	CronExpr         string `json:"cron_expr,omitempty"`
	Event            string `json:"event,omitempty"`
	AgentID          string `json:"agent_id"`
	Instructions     string `json:"instructions,omitempty"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
	CooldownSeconds  int    `json:"cooldown_seconds,omitempty"`
	DailyCap         int    `json:"daily_cap,omitempty"`
}

func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req createTriggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.CronExpr != "" {
			if err := trigger.ValidateCronExpr(req.CronExpr); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		trig, err := s.cfg.Store.InsertTrigger(r.Context(), persistence.NewTriggerParams{
			WorkspaceID:      req.WorkspaceID,
			Name:             req.Name,
			CronExpr:         req.CronExpr,
			Event:            req.Event,
			AgentID:          req.AgentID,
			Instructions:     req.Instructions,
			RequiresApproval: req.RequiresApproval,
			CooldownSeconds:  req.CooldownSeconds,
			DailyCap:         req.DailyCap,
		})
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, trig)

	case http.MethodGet:
		workspaceID := r.URL.Query().Get("workspace")
		if workspaceID == "" {
			writeError(w, http.StatusBadRequest, "workspace query parameter is required")
			return
		}
		triggers, err := s.cfg.Store.ListTriggers(r.Context(), workspaceID)
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, listResponse{Items: triggers, Total: len(triggers)})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTriggerByID(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/triggers/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "trigger id is required")
		return
	}

	switch {
	case r.Method == http.MethodGet && sub == "":
		trig, err := s.cfg.Store.GetTrigger(r.Context(), id)
		if err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, trig)

	case r.Method == http.MethodPost && sub == "pause":
		if err := s.cfg.Store.SetTriggerPaused(r.Context(), id, true); err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"paused": true})

	case r.Method == http.MethodPost && sub == "resume":
		if err := s.cfg.Store.SetTriggerPaused(r.Context(), id, false); err != nil {
			writeError(w, storeErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"paused": false})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleEvents lets external systems fire event-based triggers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		WorkspaceID string `json:"workspace_id"`
		Event       string `json:"event"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkspaceID == "" || req.Event == "" {
		writeError(w, http.StatusBadRequest, "workspace_id and event are required")
		return
	}
	if err := s.cfg.Triggers.HandleEvent(r.Context(), req.WorkspaceID, req.Event); err != nil {
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
