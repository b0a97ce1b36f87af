package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/warroom/internal/bus"
)

// Autonomy levels. Level 0 is observe-only; level 3 is full autonomy.
const (
	LevelObserve = 0
	LevelSuggest = 1
	LevelAct     = 2
	LevelFull    = 3
)

// Notification preferences.
const (
	NotifyAll       = "all"
	NotifyImportant = "important"
	NotifyNone      = "none"
)

// AutonomySettings is a workspace's governance dial. Version supports
// optimistic concurrency on updates from the API.
type AutonomySettings struct {
	WorkspaceID        string
	GlobalLevel        int
	CategoryOverrides  map[string]int
	DailyActionLimit   int
	DailySpendLimitUSD float64
	Paused             bool
	PauseReason        string
	NotifyPref         string
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EffectiveLevel resolves the autonomy level for an action category,
// honoring per-category overrides.
func (a *AutonomySettings) EffectiveLevel(category string) int {
	if lvl, ok := a.CategoryOverrides[category]; ok {
		return lvl
	}
	return a.GlobalLevel
}

// DailyUsage is the running spend and action count for one UTC day.
type DailyUsage struct {
	WorkspaceID string
	Day         string
	Actions     int
	SpendUSD    float64
}

func defaultSettings(workspaceID string) *AutonomySettings {
	return &AutonomySettings{
		WorkspaceID:        workspaceID,
		GlobalLevel:        LevelSuggest,
		CategoryOverrides:  map[string]int{},
		DailyActionLimit:   10,
		DailySpendLimitUSD: 50.0,
		NotifyPref:         NotifyImportant,
		Version:            1,
	}
}

// GetAutonomySettings returns the workspace's settings, creating the
// default row on first access so every workspace always has a dial.
func (s *Store) GetAutonomySettings(ctx context.Context, workspaceID string) (*AutonomySettings, error) {
	settings, err := s.readSettings(ctx, workspaceID)
	if err == nil {
		return settings, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	def := defaultSettings(workspaceID)
	overrides, _ := json.Marshal(def.CategoryOverrides)
	insertErr := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO autonomy_settings (
				workspace_id, global_level, category_overrides,
				daily_action_limit, daily_spend_limit_usd, notify_pref, version
			) VALUES (?, ?, ?, ?, ?, ?, 1);
		`, workspaceID, def.GlobalLevel, string(overrides),
			def.DailyActionLimit, def.DailySpendLimitUSD, def.NotifyPref)
		return execErr
	})
	if insertErr != nil {
		return nil, fmt.Errorf("%w: create default settings: %v", ErrStoreUnavailable, insertErr)
	}
	return s.readSettings(ctx, workspaceID)
}

func (s *Store) readSettings(ctx context.Context, workspaceID string) (*AutonomySettings, error) {
	var a AutonomySettings
	var overridesJSON string
	var paused int
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, global_level, category_overrides,
		       daily_action_limit, daily_spend_limit_usd, paused, pause_reason,
		       notify_pref, version, created_at, updated_at
		FROM autonomy_settings WHERE workspace_id = ?;
	`, workspaceID).Scan(
		&a.WorkspaceID, &a.GlobalLevel, &overridesJSON, &a.DailyActionLimit,
		&a.DailySpendLimitUSD, &paused, &a.PauseReason, &a.NotifyPref,
		&a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("autonomy settings %s: %w", workspaceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read settings: %v", ErrStoreUnavailable, err)
	}
	a.Paused = paused != 0
	a.CategoryOverrides = map[string]int{}
	if overridesJSON != "" {
		if err := json.Unmarshal([]byte(overridesJSON), &a.CategoryOverrides); err != nil {
			return nil, fmt.Errorf("parse category overrides: %w", err)
		}
	}
	return &a, nil
}

// UpdateAutonomySettings writes new settings using compare-and-swap on the
// version column. ErrVersionConflict means the caller read stale settings
// and must re-read before retrying.
func (s *Store) UpdateAutonomySettings(ctx context.Context, a *AutonomySettings) (*AutonomySettings, error) {
	if a.GlobalLevel < LevelObserve || a.GlobalLevel > LevelFull {
		return nil, fmt.Errorf("global level %d out of range 0-3", a.GlobalLevel)
	}
	for category, lvl := range a.CategoryOverrides {
		if lvl < LevelObserve || lvl > LevelFull {
			return nil, fmt.Errorf("override for %q: level %d out of range 0-3", category, lvl)
		}
	}
	switch a.NotifyPref {
	case NotifyAll, NotifyImportant, NotifyNone:
	default:
		return nil, fmt.Errorf("invalid notify preference %q", a.NotifyPref)
	}

	overrides, err := json.Marshal(a.CategoryOverrides)
	if err != nil {
		return nil, fmt.Errorf("marshal overrides: %w", err)
	}

	// Ensure the row exists before the CAS update.
	if _, err := s.GetAutonomySettings(ctx, a.WorkspaceID); err != nil {
		return nil, err
	}

	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE autonomy_settings SET
				global_level = ?, category_overrides = ?,
				daily_action_limit = ?, daily_spend_limit_usd = ?,
				paused = ?, pause_reason = ?, notify_pref = ?,
				version = version + 1, updated_at = CURRENT_TIMESTAMP
			WHERE workspace_id = ? AND version = ?;
		`, a.GlobalLevel, string(overrides), a.DailyActionLimit,
			a.DailySpendLimitUSD, boolToInt(a.Paused), a.PauseReason,
			a.NotifyPref, a.WorkspaceID, a.Version)
		if execErr != nil {
			return execErr
		}
		n, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		if n == 0 {
			return fmt.Errorf("settings for %s at version %d: %w", a.WorkspaceID, a.Version, ErrVersionConflict)
		}
		return nil
	})
	if err != nil {
		if isVersionConflict(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: update settings: %v", ErrStoreUnavailable, err)
	}
	return s.readSettings(ctx, a.WorkspaceID)
}

// PauseWorkspace stops all autonomous activity for a workspace. The pause
// overrides levels and survives restarts; only an explicit settings update
// lifts it.
func (s *Store) PauseWorkspace(ctx context.Context, workspaceID, reason string, emergency bool) error {
	if _, err := s.GetAutonomySettings(ctx, workspaceID); err != nil {
		return err
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE autonomy_settings SET
				paused = 1, pause_reason = ?,
				version = version + 1, updated_at = CURRENT_TIMESTAMP
			WHERE workspace_id = ?;
		`, reason, workspaceID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("%w: pause workspace: %v", ErrStoreUnavailable, err)
	}
	s.publish(bus.TopicAutonomyPaused, bus.AutonomyPausedEvent{
		WorkspaceID: workspaceID,
		Reason:      reason,
		Emergency:   emergency,
	})
	return nil
}

// GetDailyUsage returns today's action count and spend for a workspace.
// A missing row means zero usage.
func (s *Store) GetDailyUsage(ctx context.Context, workspaceID string, now time.Time) (*DailyUsage, error) {
	day := today(now)
	usage := &DailyUsage{WorkspaceID: workspaceID, Day: day}
	err := s.db.QueryRowContext(ctx, `
		SELECT actions, spend_usd FROM autonomy_usage
		WHERE workspace_id = ? AND day = ?;
	`, workspaceID, day).Scan(&usage.Actions, &usage.SpendUSD)
	if err == sql.ErrNoRows {
		return usage, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: daily usage: %v", ErrStoreUnavailable, err)
	}
	return usage, nil
}

// AddUsage increments today's action count and spend in one upsert.
func (s *Store) AddUsage(ctx context.Context, workspaceID string, now time.Time, actions int, spendUSD float64) error {
	day := today(now)
	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO autonomy_usage (workspace_id, day, actions, spend_usd)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(workspace_id, day) DO UPDATE SET
				actions = actions + excluded.actions,
				spend_usd = spend_usd + excluded.spend_usd;
		`, workspaceID, day, actions, spendUSD)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("%w: add usage: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// FailedExecutionsToday counts proactive actions that reached FAILED today.
// The governor's emergency auto-pause watches this number.
func (s *Store) FailedExecutionsToday(ctx context.Context, workspaceID string, now time.Time) (int, error) {
	dayStart := now.UTC().Truncate(24 * time.Hour)
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM action_events
		WHERE workspace_id = ? AND state_to = 'FAILED' AND created_at >= ?;
	`, workspaceID, dayStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: failed executions: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func isVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
