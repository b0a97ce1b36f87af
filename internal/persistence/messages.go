package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/warroom/internal/bus"
	"github.com/google/uuid"
)

// Message kinds.
const (
	KindInsight = "INSIGHT"
	KindRequest = "REQUEST"
	KindAlert   = "ALERT"
	KindHandoff = "HANDOFF"
	KindDebate  = "DEBATE"
)

// Message priorities.
const (
	PriorityLow      = "LOW"
	PriorityMedium   = "MEDIUM"
	PriorityHigh     = "HIGH"
	PriorityCritical = "CRITICAL"
)

// Message statuses.
const (
	MessagePending   = "PENDING"
	MessageDelivered = "DELIVERED"
	MessageProcessed = "PROCESSED"
	MessageExpired   = "EXPIRED"
	MessageFailed    = "FAILED"
)

// messageTransitions is the legal status state machine. Terminal states
// have no outgoing edges.
var messageTransitions = map[string][]string{
	MessagePending:   {MessageDelivered, MessageProcessed, MessageFailed, MessageExpired},
	MessageDelivered: {MessageProcessed, MessageExpired},
}

// Message is a durable inter-agent message. ToAgent empty means broadcast
// to the whole workspace.
type Message struct {
	ID               string
	WorkspaceID      string
	Kind             string
	FromAgent        string
	ToAgent          string
	Topic            string
	Priority         string
	Payload          json.RawMessage
	ThreadID         string
	ParentID         string
	RequiresResponse bool
	ResponseReceived bool
	EscalatedToHuman bool
	ResponseDeadline *time.Time
	Status           string
	Resolution       json.RawMessage
	HumanDecision    string
	Error            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewMessageParams is the caller-supplied portion of a message.
type NewMessageParams struct {
	WorkspaceID      string
	Kind             string
	FromAgent        string
	ToAgent          string // empty = broadcast
	Topic            string
	Priority         string
	Payload          json.RawMessage
	ThreadID         string
	ParentID         string
	RequiresResponse bool
	ResponseDeadline *time.Time
}

func validKind(k string) bool {
	switch k {
	case KindInsight, KindRequest, KindAlert, KindHandoff, KindDebate:
		return true
	}
	return false
}

func validPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// CreateMessage persists a new message in PENDING status and returns it.
// A reply carries its parent's thread; a fresh message starts a thread
// rooted at its own ID.
func (s *Store) CreateMessage(ctx context.Context, p NewMessageParams) (*Message, error) {
	if p.WorkspaceID == "" {
		return nil, fmt.Errorf("workspace_id is required")
	}
	if p.FromAgent == "" {
		return nil, fmt.Errorf("from_agent is required")
	}
	if !validKind(p.Kind) {
		return nil, fmt.Errorf("invalid message kind %q", p.Kind)
	}
	if p.Priority == "" {
		p.Priority = PriorityMedium
	}
	if !validPriority(p.Priority) {
		return nil, fmt.Errorf("invalid priority %q", p.Priority)
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage("{}")
	} else if !json.Valid(p.Payload) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}

	id := uuid.NewString()
	threadID := p.ThreadID
	if threadID == "" {
		if p.ParentID != "" {
			// Inherit the parent's thread.
			parent, err := s.GetMessage(ctx, p.ParentID)
			if err != nil {
				return nil, fmt.Errorf("resolve parent thread: %w", err)
			}
			threadID = parent.ThreadID
		} else {
			threadID = id
		}
	}

	var deadline interface{}
	if p.ResponseDeadline != nil {
		deadline = p.ResponseDeadline.UTC()
	}
	var parentID interface{}
	if p.ParentID != "" {
		parentID = p.ParentID
	}
	var toAgent interface{}
	if p.ToAgent != "" {
		toAgent = p.ToAgent
	}

	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO messages (
				id, workspace_id, kind, from_agent, to_agent, topic, priority,
				payload, thread_id, parent_id, requires_response, response_deadline, status
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'PENDING');
		`, id, p.WorkspaceID, p.Kind, p.FromAgent, toAgent, p.Topic, p.Priority,
			string(p.Payload), threadID, parentID, boolToInt(p.RequiresResponse), deadline)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: insert message: %v", ErrStoreUnavailable, err)
	}

	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicMessagePublished, bus.MessageEvent{
		MessageID:   msg.ID,
		WorkspaceID: msg.WorkspaceID,
		Kind:        msg.Kind,
		Topic:       msg.Topic,
		FromAgent:   msg.FromAgent,
		ToAgent:     msg.ToAgent,
		Status:      msg.Status,
	})
	return msg, nil
}

const messageColumns = `
	id, workspace_id, kind, from_agent, to_agent, topic, priority, payload,
	thread_id, parent_id, requires_response, response_received,
	escalated_to_human, response_deadline, status, resolution,
	human_decision, error, created_at, updated_at
`

type scanFn func(dest ...interface{}) error

func scanMessage(scan scanFn) (*Message, error) {
	var m Message
	var toAgent, threadID, parentID, resolution, humanDecision, errText sql.NullString
	var requiresResponse, responseReceived, escalated int
	var deadline sql.NullTime
	var payload string

	err := scan(
		&m.ID, &m.WorkspaceID, &m.Kind, &m.FromAgent, &toAgent, &m.Topic,
		&m.Priority, &payload, &threadID, &parentID, &requiresResponse,
		&responseReceived, &escalated, &deadline, &m.Status, &resolution,
		&humanDecision, &errText, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.ToAgent = toAgent.String
	m.ThreadID = threadID.String
	m.ParentID = parentID.String
	m.Payload = json.RawMessage(payload)
	m.RequiresResponse = requiresResponse != 0
	m.ResponseReceived = responseReceived != 0
	m.EscalatedToHuman = escalated != 0
	if deadline.Valid {
		t := deadline.Time
		m.ResponseDeadline = &t
	}
	if resolution.Valid {
		m.Resolution = json.RawMessage(resolution.String)
	}
	m.HumanDecision = humanDecision.String
	m.Error = errText.String
	return &m, nil
}

// GetMessage fetches a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?;`, id)
	msg, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get message: %v", ErrStoreUnavailable, err)
	}
	return msg, nil
}

// MessageFilter narrows ListMessages results. Zero values mean "no filter".
type MessageFilter struct {
	WorkspaceID string
	Kind        string
	Status      string
	ToAgent     string
	ThreadID    string
	Limit       int
	Offset      int
}

// ListMessages returns messages newest-first, plus the total matching count
// for pagination.
func (s *Store) ListMessages(ctx context.Context, f MessageFilter) ([]*Message, int, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if f.WorkspaceID != "" {
		where += " AND workspace_id = ?"
		args = append(args, f.WorkspaceID)
	}
	if f.Kind != "" {
		where += " AND kind = ?"
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.ToAgent != "" {
		where += " AND (to_agent = ? OR to_agent IS NULL)"
		args = append(args, f.ToAgent)
	}
	if f.ThreadID != "" {
		where += " AND thread_id = ?"
		args = append(args, f.ThreadID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages "+where+";", args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count messages: %v", ErrStoreUnavailable, err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + messageColumns + " FROM messages " + where +
		" ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list messages: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: scan message: %v", ErrStoreUnavailable, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: iterate messages: %v", ErrStoreUnavailable, err)
	}
	return out, total, nil
}

// ListThread returns all messages in a thread in creation order.
func (s *Store) ListThread(ctx context.Context, workspaceID, threadID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE workspace_id = ? AND thread_id = ?
		ORDER BY created_at ASC, rowid ASC;
	`, workspaceID, threadID)
	if err != nil {
		return nil, fmt.Errorf("%w: list thread: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: scan thread message: %v", ErrStoreUnavailable, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PendingMessages returns a workspace's PENDING messages in creation order,
// oldest first. rowid breaks same-timestamp ties so sweep order is stable.
func (s *Store) PendingMessages(ctx context.Context, workspaceID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE workspace_id = ? AND status = 'PENDING'
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?;
	`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: pending messages: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: scan pending message: %v", ErrStoreUnavailable, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PendingWorkspaces returns the distinct workspaces that currently have
// PENDING messages, so the sweeper only visits workspaces with work.
func (s *Store) PendingWorkspaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT workspace_id FROM messages WHERE status = 'PENDING';
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: pending workspaces: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ws string
		if err := rows.Scan(&ws); err != nil {
			return nil, fmt.Errorf("%w: scan workspace: %v", ErrStoreUnavailable, err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// transitionMessage moves a message to a new status inside a transaction,
// verifying the move against the state machine. extra is appended to the
// UPDATE's SET clause (with matching extraArgs) for transition-specific
// columns.
func (s *Store) transitionMessage(ctx context.Context, id, to string, extra string, extraArgs ...interface{}) (*Message, error) {
	var updated *Message
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?;`, id).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("message %s: %w", id, ErrNotFound)
			}
			return err
		}
		if !transitionAllowed(messageTransitions, current, to) {
			return fmt.Errorf("message %s: %s -> %s: %w", id, current, to, ErrInvalidTransition)
		}

		set := "status = ?, updated_at = CURRENT_TIMESTAMP"
		args := []interface{}{to}
		if extra != "" {
			set += ", " + extra
			args = append(args, extraArgs...)
		}
		args = append(args, id, current)
		res, err := tx.ExecContext(ctx, `UPDATE messages SET `+set+` WHERE id = ? AND status = ?;`, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost a race with another writer.
			return fmt.Errorf("message %s: concurrent update: %w", id, ErrInvalidTransition)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?;`, id)
		updated, err = scanMessage(row.Scan)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func transitionAllowed(machine map[string][]string, from, to string) bool {
	for _, allowed := range machine[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// MarkDelivered records that the bus swept a broadcast that had no
// listeners. Handled messages skip DELIVERED and land in PROCESSED or
// FAILED once the handler returns.
func (s *Store) MarkDelivered(ctx context.Context, id string) (*Message, error) {
	return s.transitionMessage(ctx, id, MessageDelivered, "")
}

// MarkProcessed records successful handling and an optional resolution.
func (s *Store) MarkProcessed(ctx context.Context, id string, resolution json.RawMessage) (*Message, error) {
	var res interface{}
	if len(resolution) > 0 {
		if !json.Valid(resolution) {
			return nil, fmt.Errorf("resolution is not valid JSON")
		}
		res = string(resolution)
	}
	msg, err := s.transitionMessage(ctx, id, MessageProcessed, "resolution = ?, response_received = 1", res)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicMessageProcessed, bus.MessageEvent{
		MessageID:   msg.ID,
		WorkspaceID: msg.WorkspaceID,
		Kind:        msg.Kind,
		Topic:       msg.Topic,
		FromAgent:   msg.FromAgent,
		ToAgent:     msg.ToAgent,
		Status:      msg.Status,
	})
	return msg, nil
}

// MarkFailed records a handler failure. The error text is kept on the row
// for the founder to inspect; the message is terminal.
func (s *Store) MarkFailed(ctx context.Context, id, errText string) (*Message, error) {
	msg, err := s.transitionMessage(ctx, id, MessageFailed, "error = ?", errText)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicMessageFailed, bus.MessageEvent{
		MessageID:   msg.ID,
		WorkspaceID: msg.WorkspaceID,
		Kind:        msg.Kind,
		Topic:       msg.Topic,
		FromAgent:   msg.FromAgent,
		ToAgent:     msg.ToAgent,
		Status:      msg.Status,
	})
	return msg, nil
}

// MarkExpired retires a message whose response deadline passed unanswered.
func (s *Store) MarkExpired(ctx context.Context, id string) (*Message, error) {
	return s.transitionMessage(ctx, id, MessageExpired, "")
}

// MarkEscalatedToHuman flags an overdue message as escalated so it is not
// reported twice.
func (s *Store) MarkEscalatedToHuman(ctx context.Context, id string) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE messages SET escalated_to_human = 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: mark escalated: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// RecordHumanDecision stores the founder's verdict on an escalated message.
func (s *Store) RecordHumanDecision(ctx context.Context, id, decision string) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE messages SET human_decision = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, decision, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: record human decision: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// OverdueMessages returns messages that require a response, have no
// response yet, are past their deadline, and have not already been
// escalated to the founder. FAILED messages still count: a handler crash
// does not answer the question the sender asked.
func (s *Store) OverdueMessages(ctx context.Context, workspaceID string, now time.Time) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE workspace_id = ?
		  AND requires_response = 1
		  AND response_received = 0
		  AND escalated_to_human = 0
		  AND response_deadline IS NOT NULL
		  AND response_deadline < ?
		  AND status NOT IN ('PROCESSED', 'EXPIRED')
		ORDER BY response_deadline ASC;
	`, workspaceID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: overdue messages: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: scan overdue message: %v", ErrStoreUnavailable, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
