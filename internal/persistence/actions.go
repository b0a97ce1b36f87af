package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/warroom/internal/bus"
	"github.com/basket/warroom/internal/shared"
	"github.com/google/uuid"
)

// Proactive action statuses.
const (
	ActionPendingApproval = "PENDING_APPROVAL"
	ActionApproved        = "APPROVED"
	ActionRejected        = "REJECTED"
	ActionExecuted        = "EXECUTED"
	ActionFailed          = "FAILED"
	ActionUndone          = "UNDONE"
)

// actionTransitions is the proactive action state machine. REJECTED,
// FAILED, and UNDONE are terminal; EXECUTED can still move to UNDONE when
// the action is reversible.
var actionTransitions = map[string][]string{
	ActionPendingApproval: {ActionApproved, ActionRejected},
	ActionApproved:        {ActionExecuted, ActionFailed},
	ActionExecuted:        {ActionUndone},
}

// ProactiveAction is a self-initiated agent action moving through the
// approval and execution lifecycle.
type ProactiveAction struct {
	ID               string
	WorkspaceID      string
	AgentID          string
	ActionType       string
	Category         string
	Title            string
	Description      string
	Payload          json.RawMessage
	Status           string
	AutonomyLevel    int
	RequiresApproval bool
	Executable       bool
	DenialReason     string
	CostUSD          float64
	ApprovedBy       string
	ApprovedAt       *time.Time
	Reversible       bool
	Result           json.RawMessage
	Error            string
	UndoneAt         *time.Time
	UndoResult       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewActionParams is the caller-supplied portion of a proposed action.
type NewActionParams struct {
	WorkspaceID      string
	AgentID          string
	ActionType       string
	Category         string
	Title            string
	Description      string
	Payload          json.RawMessage
	AutonomyLevel    int
	RequiresApproval bool
	Executable       bool
	DenialReason     string
	CostUSD          float64
	Reversible       bool
}

// InsertAction persists a newly proposed action. An action the governor
// denied is stored non-executable with the denial reason; everything else
// starts in PENDING_APPROVAL or goes straight to APPROVED when no human
// approval is required.
func (s *Store) InsertAction(ctx context.Context, p NewActionParams) (*ProactiveAction, error) {
	if p.WorkspaceID == "" {
		return nil, fmt.Errorf("workspace_id is required")
	}
	if p.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	if p.ActionType == "" {
		return nil, fmt.Errorf("action_type is required")
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage("{}")
	} else if !json.Valid(p.Payload) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}

	id := uuid.NewString()
	status := ActionPendingApproval
	if p.Executable && !p.RequiresApproval {
		status = ActionApproved
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO proactive_actions (
				id, workspace_id, agent_id, action_type, category, title,
				description, payload, status, autonomy_level,
				requires_approval, executable, denial_reason, cost_usd, reversible
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, p.WorkspaceID, p.AgentID, p.ActionType, p.Category, p.Title,
			p.Description, string(p.Payload), status, p.AutonomyLevel,
			boolToInt(p.RequiresApproval), boolToInt(p.Executable),
			p.DenialReason, p.CostUSD, boolToInt(p.Reversible)); err != nil {
			return err
		}
		if err := insertActionEvent(ctx, tx, id, p.WorkspaceID, shared.TraceID(ctx), "proposed", "", status, nil); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: insert action: %v", ErrStoreUnavailable, err)
	}

	action, err := s.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicActionStateChanged, bus.ActionStateChangedEvent{
		ActionID:    action.ID,
		WorkspaceID: action.WorkspaceID,
		AgentID:     action.AgentID,
		Category:    action.Category,
		Title:       action.Title,
		OldStatus:   "",
		NewStatus:   action.Status,
	})
	return action, nil
}

func insertActionEvent(ctx context.Context, tx *sql.Tx, actionID, workspaceID, traceID, eventType, from, to string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var fromVal interface{}
	if from != "" {
		fromVal = from
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO action_events (action_id, workspace_id, trace_id, event_type, state_from, state_to, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, actionID, workspaceID, traceID, eventType, fromVal, to, string(payload))
	return err
}

const actionColumns = `
	id, workspace_id, agent_id, action_type, category, title, description,
	payload, status, autonomy_level, requires_approval, executable,
	denial_reason, cost_usd, approved_by, approved_at, reversible, result,
	error, undone_at, undo_result, created_at, updated_at
`

func scanAction(scan scanFn) (*ProactiveAction, error) {
	var a ProactiveAction
	var payload string
	var requiresApproval, executable, reversible int
	var approvedBy, result, errText, undoResult sql.NullString
	var approvedAt, undoneAt sql.NullTime

	err := scan(
		&a.ID, &a.WorkspaceID, &a.AgentID, &a.ActionType, &a.Category,
		&a.Title, &a.Description, &payload, &a.Status, &a.AutonomyLevel,
		&requiresApproval, &executable, &a.DenialReason, &a.CostUSD,
		&approvedBy, &approvedAt, &reversible, &result, &errText,
		&undoneAt, &undoResult, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Payload = json.RawMessage(payload)
	a.RequiresApproval = requiresApproval != 0
	a.Executable = executable != 0
	a.Reversible = reversible != 0
	a.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		t := approvedAt.Time
		a.ApprovedAt = &t
	}
	if result.Valid {
		a.Result = json.RawMessage(result.String)
	}
	a.Error = errText.String
	if undoneAt.Valid {
		t := undoneAt.Time
		a.UndoneAt = &t
	}
	a.UndoResult = undoResult.String
	return &a, nil
}

// GetAction fetches an action by ID.
func (s *Store) GetAction(ctx context.Context, id string) (*ProactiveAction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM proactive_actions WHERE id = ?;`, id)
	a, err := scanAction(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get action: %v", ErrStoreUnavailable, err)
	}
	return a, nil
}

// ActionFilter narrows ListActions. Zero values mean "no filter".
type ActionFilter struct {
	WorkspaceID string
	Status      string
	AgentID     string
	Limit       int
	Offset      int
}

// ListActions returns actions newest-first plus the total count.
func (s *Store) ListActions(ctx context.Context, f ActionFilter) ([]*ProactiveAction, int, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if f.WorkspaceID != "" {
		where += " AND workspace_id = ?"
		args = append(args, f.WorkspaceID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.AgentID != "" {
		where += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM proactive_actions "+where+";", args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count actions: %v", ErrStoreUnavailable, err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, "SELECT "+actionColumns+" FROM proactive_actions "+where+
		" ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?;", args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list actions: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*ProactiveAction
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: scan action: %v", ErrStoreUnavailable, err)
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// ActionEvent is one append-only row in the action audit trail.
type ActionEvent struct {
	EventID     int64
	ActionID    string
	WorkspaceID string
	TraceID     string
	EventType   string
	StateFrom   string
	StateTo     string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// ListActionEvents returns an action's audit trail in event order.
func (s *Store) ListActionEvents(ctx context.Context, actionID string) ([]*ActionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, action_id, workspace_id, trace_id, event_type,
		       state_from, state_to, payload_json, created_at
		FROM action_events WHERE action_id = ? ORDER BY event_id ASC;
	`, actionID)
	if err != nil {
		return nil, fmt.Errorf("%w: list action events: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*ActionEvent
	for rows.Next() {
		var e ActionEvent
		var traceID, stateFrom sql.NullString
		var payload string
		if err := rows.Scan(&e.EventID, &e.ActionID, &e.WorkspaceID, &traceID,
			&e.EventType, &stateFrom, &e.StateTo, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan action event: %v", ErrStoreUnavailable, err)
		}
		e.TraceID = traceID.String
		e.StateFrom = stateFrom.String
		e.Payload = json.RawMessage(payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// transitionAction moves an action to a new status inside a transaction,
// writing the audit event in the same commit.
func (s *Store) transitionAction(ctx context.Context, id, to, eventType string, extra string, extraArgs ...interface{}) (*ProactiveAction, error) {
	var updated *ProactiveAction
	var oldStatus string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var current string
		var workspaceID string
		if err := tx.QueryRowContext(ctx, `SELECT status, workspace_id FROM proactive_actions WHERE id = ?;`, id).Scan(&current, &workspaceID); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("action %s: %w", id, ErrNotFound)
			}
			return err
		}
		if !transitionAllowed(actionTransitions, current, to) {
			return fmt.Errorf("action %s: %s -> %s: %w", id, current, to, ErrInvalidTransition)
		}
		oldStatus = current

		set := "status = ?, updated_at = CURRENT_TIMESTAMP"
		args := []interface{}{to}
		if extra != "" {
			set += ", " + extra
			args = append(args, extraArgs...)
		}
		args = append(args, id, current)
		res, err := tx.ExecContext(ctx, `UPDATE proactive_actions SET `+set+` WHERE id = ? AND status = ?;`, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("action %s: concurrent update: %w", id, ErrInvalidTransition)
		}

		if err := insertActionEvent(ctx, tx, id, workspaceID, shared.TraceID(ctx), eventType, current, to, nil); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM proactive_actions WHERE id = ?;`, id)
		updated, err = scanAction(row.Scan)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.TopicActionStateChanged, bus.ActionStateChangedEvent{
		ActionID:    updated.ID,
		WorkspaceID: updated.WorkspaceID,
		AgentID:     updated.AgentID,
		Category:    updated.Category,
		Title:       updated.Title,
		OldStatus:   oldStatus,
		NewStatus:   updated.Status,
	})
	return updated, nil
}

// ApproveAction records the founder's (or the governor's) approval.
func (s *Store) ApproveAction(ctx context.Context, id, approvedBy string) (*ProactiveAction, error) {
	return s.transitionAction(ctx, id, ActionApproved, "approved",
		"approved_by = ?, approved_at = CURRENT_TIMESTAMP", approvedBy)
}

// RejectAction records a rejection with the reviewer's reason.
func (s *Store) RejectAction(ctx context.Context, id, rejectedBy, reason string) (*ProactiveAction, error) {
	return s.transitionAction(ctx, id, ActionRejected, "rejected",
		"approved_by = ?, denial_reason = ?", rejectedBy, reason)
}

// MarkActionExecuted records a successful execution result.
func (s *Store) MarkActionExecuted(ctx context.Context, id string, result json.RawMessage) (*ProactiveAction, error) {
	var res interface{}
	if len(result) > 0 {
		if !json.Valid(result) {
			return nil, fmt.Errorf("result is not valid JSON")
		}
		res = string(result)
	}
	return s.transitionAction(ctx, id, ActionExecuted, "executed", "result = ?", res)
}

// MarkActionFailed records an execution failure.
func (s *Store) MarkActionFailed(ctx context.Context, id, errText string) (*ProactiveAction, error) {
	return s.transitionAction(ctx, id, ActionFailed, "execution_failed", "error = ?", errText)
}

// MarkActionUndone records a successful rollback of a reversible action.
func (s *Store) MarkActionUndone(ctx context.Context, id, undoResult string) (*ProactiveAction, error) {
	return s.transitionAction(ctx, id, ActionUndone, "undone",
		"undone_at = CURRENT_TIMESTAMP, undo_result = ?", undoResult)
}
