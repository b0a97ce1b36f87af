package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/warroom/internal/bus"
	"github.com/google/uuid"
)

// Heartbeat cycle results.
const (
	HeartbeatOK         = "OK"
	HeartbeatInsight    = "INSIGHT"
	HeartbeatAction     = "ACTION"
	HeartbeatEscalation = "ESCALATION"
)

// Heartbeat is one immutable record of an agent self-check cycle. Rows are
// never updated after insert except for the human notification fields.
type Heartbeat struct {
	ID               string
	WorkspaceID      string
	AgentID          string
	Result           string
	ChecklistItem    string
	Context          json.RawMessage
	ActionTaken      string
	ActionResult     string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Model            string
	LatencyMS        int
	HumanNotified    bool
	HumanResponse    string
	CreatedAt        time.Time
}

func validHeartbeatResult(r string) bool {
	switch r {
	case HeartbeatOK, HeartbeatInsight, HeartbeatAction, HeartbeatEscalation:
		return true
	}
	return false
}

// InsertHeartbeat persists a heartbeat record and returns it.
func (s *Store) InsertHeartbeat(ctx context.Context, h Heartbeat) (*Heartbeat, error) {
	if h.WorkspaceID == "" {
		return nil, fmt.Errorf("workspace_id is required")
	}
	if h.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	if !validHeartbeatResult(h.Result) {
		return nil, fmt.Errorf("invalid heartbeat result %q", h.Result)
	}
	if len(h.Context) == 0 {
		h.Context = json.RawMessage("{}")
	} else if !json.Valid(h.Context) {
		return nil, fmt.Errorf("context is not valid JSON")
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}

	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO heartbeats (
				id, workspace_id, agent_id, result, checklist_item, context,
				action_taken, action_result, prompt_tokens, completion_tokens,
				cost_usd, model, latency_ms, human_notified
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, h.ID, h.WorkspaceID, h.AgentID, h.Result, h.ChecklistItem,
			string(h.Context), h.ActionTaken, h.ActionResult, h.PromptTokens,
			h.CompletionTokens, h.CostUSD, h.Model, h.LatencyMS,
			boolToInt(h.HumanNotified))
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: insert heartbeat: %v", ErrStoreUnavailable, err)
	}

	stored, err := s.GetHeartbeat(ctx, h.ID)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicHeartbeatRecorded, bus.HeartbeatRecordedEvent{
		HeartbeatID: stored.ID,
		WorkspaceID: stored.WorkspaceID,
		AgentID:     stored.AgentID,
		Result:      stored.Result,
		CostUSD:     stored.CostUSD,
	})
	return stored, nil
}

const heartbeatColumns = `
	id, workspace_id, agent_id, result, checklist_item, context,
	action_taken, action_result, prompt_tokens, completion_tokens,
	cost_usd, model, latency_ms, human_notified, human_response, created_at
`

func scanHeartbeat(scan scanFn) (*Heartbeat, error) {
	var h Heartbeat
	var contextJSON string
	var humanNotified int
	var humanResponse sql.NullString

	err := scan(
		&h.ID, &h.WorkspaceID, &h.AgentID, &h.Result, &h.ChecklistItem,
		&contextJSON, &h.ActionTaken, &h.ActionResult, &h.PromptTokens,
		&h.CompletionTokens, &h.CostUSD, &h.Model, &h.LatencyMS,
		&humanNotified, &humanResponse, &h.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	h.Context = json.RawMessage(contextJSON)
	h.HumanNotified = humanNotified != 0
	h.HumanResponse = humanResponse.String
	return &h, nil
}

// GetHeartbeat fetches a heartbeat by ID.
func (s *Store) GetHeartbeat(ctx context.Context, id string) (*Heartbeat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+heartbeatColumns+` FROM heartbeats WHERE id = ?;`, id)
	h, err := scanHeartbeat(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("heartbeat %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get heartbeat: %v", ErrStoreUnavailable, err)
	}
	return h, nil
}

// HeartbeatFilter narrows ListHeartbeats. Zero values mean "no filter".
type HeartbeatFilter struct {
	WorkspaceID string
	AgentID     string
	Result      string
	Since       time.Time
	Limit       int
	Offset      int
}

// ListHeartbeats returns heartbeats newest-first plus the total count.
func (s *Store) ListHeartbeats(ctx context.Context, f HeartbeatFilter) ([]*Heartbeat, int, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if f.WorkspaceID != "" {
		where += " AND workspace_id = ?"
		args = append(args, f.WorkspaceID)
	}
	if f.AgentID != "" {
		where += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.Result != "" {
		where += " AND result = ?"
		args = append(args, f.Result)
	}
	if !f.Since.IsZero() {
		where += " AND created_at >= ?"
		args = append(args, f.Since.UTC())
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM heartbeats "+where+";", args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count heartbeats: %v", ErrStoreUnavailable, err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, "SELECT "+heartbeatColumns+" FROM heartbeats "+where+
		" ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?;", args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list heartbeats: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Heartbeat
	for rows.Next() {
		h, err := scanHeartbeat(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: scan heartbeat: %v", ErrStoreUnavailable, err)
		}
		out = append(out, h)
	}
	return out, total, rows.Err()
}

// MarkHeartbeatNotified records that the founder was notified about an
// escalation and, once they answer, what they said.
func (s *Store) MarkHeartbeatNotified(ctx context.Context, id, humanResponse string) error {
	var response interface{}
	if humanResponse != "" {
		response = humanResponse
	}
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE heartbeats SET human_notified = 1, human_response = ?
			WHERE id = ?;
		`, response, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("heartbeat %s: %w", id, ErrNotFound)
		}
		return nil
	})
	return err
}

// HeartbeatSpend sums heartbeat cost for a workspace since a point in time.
// The governor uses it for the daily LLM spend picture.
func (s *Store) HeartbeatSpend(ctx context.Context, workspaceID string, since time.Time) (float64, error) {
	var spend float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0) FROM heartbeats
		WHERE workspace_id = ? AND created_at >= ?;
	`, workspaceID, since.UTC()).Scan(&spend)
	if err != nil {
		return 0, fmt.Errorf("%w: heartbeat spend: %v", ErrStoreUnavailable, err)
	}
	return spend, nil
}
