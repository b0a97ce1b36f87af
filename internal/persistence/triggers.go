package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trigger is a standing rule that wakes an agent: either on a cron
// schedule, on a named event, or both. CooldownSeconds and DailyCap bound
// how often it can fire.
type Trigger struct {
	ID               string
	WorkspaceID      string
	Name             string
	CronExpr         string
	Event            string
	AgentID          string
	Instructions     string
	RequiresApproval bool
	CooldownSeconds  int
	DailyCap         int
	Paused           bool
	LastFiredAt      *time.Time
	FireDay          string
	FireCount        int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewTriggerParams is the caller-supplied portion of a trigger rule.
type NewTriggerParams struct {
	WorkspaceID      string
	Name             string
	CronExpr         string
	Event            string
	AgentID          string
	Instructions     string
	RequiresApproval bool
	CooldownSeconds  int
	DailyCap         int
}

// InsertTrigger persists a new trigger rule. A rule needs at least one of
// a cron expression or an event to ever fire.
func (s *Store) InsertTrigger(ctx context.Context, p NewTriggerParams) (*Trigger, error) {
	if p.WorkspaceID == "" {
		return nil, fmt.Errorf("workspace_id is required")
	}
	if p.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if p.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	if p.CronExpr == "" && p.Event == "" {
		return nil, fmt.Errorf("trigger needs a cron expression or an event")
	}
	if p.CooldownSeconds < 0 {
		return nil, fmt.Errorf("cooldown must not be negative")
	}
	if p.DailyCap < 0 {
		return nil, fmt.Errorf("daily cap must not be negative")
	}

	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO triggers (
				id, workspace_id, name, cron_expr, event, agent_id,
				instructions, requires_approval, cooldown_seconds, daily_cap
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, p.WorkspaceID, p.Name, p.CronExpr, p.Event, p.AgentID,
			p.Instructions, boolToInt(p.RequiresApproval), p.CooldownSeconds, p.DailyCap)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: insert trigger: %v", ErrStoreUnavailable, err)
	}
	return s.GetTrigger(ctx, id)
}

const triggerColumns = `
	id, workspace_id, name, cron_expr, event, agent_id, instructions,
	requires_approval, cooldown_seconds, daily_cap, paused, last_fired_at,
	fire_day, fire_count, created_at, updated_at
`

func scanTrigger(scan scanFn) (*Trigger, error) {
	var t Trigger
	var requiresApproval, paused int
	var lastFiredAt sql.NullTime

	err := scan(
		&t.ID, &t.WorkspaceID, &t.Name, &t.CronExpr, &t.Event, &t.AgentID,
		&t.Instructions, &requiresApproval, &t.CooldownSeconds, &t.DailyCap,
		&paused, &lastFiredAt, &t.FireDay, &t.FireCount, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.RequiresApproval = requiresApproval != 0
	t.Paused = paused != 0
	if lastFiredAt.Valid {
		fired := lastFiredAt.Time
		t.LastFiredAt = &fired
	}
	return &t, nil
}

// GetTrigger fetches a trigger by ID.
func (s *Store) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = ?;`, id)
	t, err := scanTrigger(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trigger %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get trigger: %v", ErrStoreUnavailable, err)
	}
	return t, nil
}

// ListTriggers returns a workspace's triggers by name order.
func (s *Store) ListTriggers(ctx context.Context, workspaceID string) ([]*Trigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+triggerColumns+` FROM triggers
		WHERE workspace_id = ? ORDER BY name ASC;
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("%w: list triggers: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: scan trigger: %v", ErrStoreUnavailable, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListEnabledTriggers returns every unpaused trigger across all workspaces.
// The trigger engine evaluates these on each tick.
func (s *Store) ListEnabledTriggers(ctx context.Context) ([]*Trigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+triggerColumns+` FROM triggers
		WHERE paused = 0 ORDER BY workspace_id ASC, name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list enabled triggers: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: scan enabled trigger: %v", ErrStoreUnavailable, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetTriggerPaused pauses or resumes a trigger rule.
func (s *Store) SetTriggerPaused(ctx context.Context, id string, paused bool) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE triggers SET paused = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, boolToInt(paused), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("trigger %s: %w", id, ErrNotFound)
		}
		return nil
	})
	return err
}

// MarkTriggerFired records a fire, rolling the per-day counter over when
// the UTC day changed since the previous fire.
func (s *Store) MarkTriggerFired(ctx context.Context, id string, now time.Time) error {
	day := today(now)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var fireDay string
		var fireCount int
		if err := tx.QueryRowContext(ctx, `SELECT fire_day, fire_count FROM triggers WHERE id = ?;`, id).Scan(&fireDay, &fireCount); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("trigger %s: %w", id, ErrNotFound)
			}
			return err
		}
		if fireDay != day {
			fireCount = 0
		}
		fireCount++

		if _, err := tx.ExecContext(ctx, `
			UPDATE triggers SET last_fired_at = ?, fire_day = ?, fire_count = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, now.UTC(), day, fireCount, id); err != nil {
			return err
		}
		return tx.Commit()
	})
	return err
}
