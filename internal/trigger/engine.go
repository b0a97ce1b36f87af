// Package trigger fires standing rules that wake agents: cron schedules
// and named events, bounded by per-rule cooldowns and daily caps. A fired
// trigger becomes a REQUEST message to the target agent on the durable
// bus.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/warroom/internal/dispatch"
	"github.com/basket/warroom/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ValidateCronExpr checks a cron expression before a trigger is stored.
func ValidateCronExpr(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Topic is the message topic trigger firings are published on.
const Topic = "trigger.fired"

type Engine struct {
	store *persistence.Store
	bus   *dispatch.Bus
	now   func() time.Time
}

func NewEngine(store *persistence.Store, bus *dispatch.Bus) *Engine {
	return &Engine{store: store, bus: bus, now: time.Now}
}

// firingPayload is the REQUEST body sent to the woken agent.
type firingPayload struct {
	TriggerID        string `json:"trigger_id"`
	TriggerName      string `json:"trigger_name"`
	Instructions     string `json:"instructions"`
	RequiresApproval bool   `json:"requires_approval"`
	Cause            string `json:"cause"` // "schedule" or "event:<name>"
}

// EvaluateSchedules fires every enabled cron trigger whose schedule came
// due since it last fired. Cooldowns and daily caps are checked per rule;
// one bad rule never blocks the rest.
func (e *Engine) EvaluateSchedules(ctx context.Context) error {
	triggers, err := e.store.ListEnabledTriggers(ctx)
	if err != nil {
		return fmt.Errorf("list triggers: %w", err)
	}
	now := e.now()
	for _, t := range triggers {
		if t.CronExpr == "" {
			continue
		}
		due, err := scheduleDue(t, now)
		if err != nil {
			slog.Warn("trigger has unparseable schedule",
				"trigger_id", t.ID, "cron_expr", t.CronExpr, "error", err)
			continue
		}
		if !due {
			continue
		}
		if reason := e.blocked(t, now); reason != "" {
			slog.Debug("trigger suppressed", "trigger_id", t.ID, "reason", reason)
			continue
		}
		e.fire(ctx, t, "schedule", now)
	}
	return nil
}

// HandleEvent fires every enabled trigger listening for the named event
// in the workspace. Event matching is exact.
func (e *Engine) HandleEvent(ctx context.Context, workspaceID, event string) error {
	if event == "" {
		return fmt.Errorf("event name is required")
	}
	triggers, err := e.store.ListTriggers(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("list triggers: %w", err)
	}
	now := e.now()
	for _, t := range triggers {
		if t.Paused || t.Event != event {
			continue
		}
		if reason := e.blocked(t, now); reason != "" {
			slog.Debug("trigger suppressed", "trigger_id", t.ID, "reason", reason)
			continue
		}
		e.fire(ctx, t, "event:"+event, now)
	}
	return nil
}

// scheduleDue reports whether the cron schedule has a firing time after
// the last fire (or the trigger's creation, for never-fired rules) that is
// not in the future.
func scheduleDue(t *persistence.Trigger, now time.Time) (bool, error) {
	schedule, err := cronParser.Parse(t.CronExpr)
	if err != nil {
		return false, err
	}
	since := t.CreatedAt
	if t.LastFiredAt != nil {
		since = *t.LastFiredAt
	}
	next := schedule.Next(since)
	return !next.After(now), nil
}

// blocked returns a non-empty reason when cooldown or the daily cap
// suppresses a firing.
func (e *Engine) blocked(t *persistence.Trigger, now time.Time) string {
	if t.CooldownSeconds > 0 && t.LastFiredAt != nil {
		elapsed := now.Sub(*t.LastFiredAt)
		if elapsed < time.Duration(t.CooldownSeconds)*time.Second {
			return fmt.Sprintf("cooldown: %s of %ds elapsed", elapsed.Truncate(time.Second), t.CooldownSeconds)
		}
	}
	if t.DailyCap > 0 && t.FireDay == now.UTC().Format("2006-01-02") && t.FireCount >= t.DailyCap {
		return fmt.Sprintf("daily cap: %d of %d fires used", t.FireCount, t.DailyCap)
	}
	return ""
}

func (e *Engine) fire(ctx context.Context, t *persistence.Trigger, cause string, now time.Time) {
	payload, err := json.Marshal(firingPayload{
		TriggerID:        t.ID,
		TriggerName:      t.Name,
		Instructions:     t.Instructions,
		RequiresApproval: t.RequiresApproval,
		Cause:            cause,
	})
	if err != nil {
		slog.Error("encode trigger payload", "trigger_id", t.ID, "error", err)
		return
	}

	if _, err := e.bus.Publish(ctx, persistence.NewMessageParams{
		WorkspaceID: t.WorkspaceID,
		Kind:        persistence.KindRequest,
		FromAgent:   "trigger-engine",
		ToAgent:     t.AgentID,
		Topic:       Topic,
		Priority:    persistence.PriorityMedium,
		Payload:     payload,
	}); err != nil {
		slog.Error("publish trigger firing", "trigger_id", t.ID, "error", err)
		return
	}
	if err := e.store.MarkTriggerFired(ctx, t.ID, now); err != nil {
		slog.Error("mark trigger fired", "trigger_id", t.ID, "error", err)
		return
	}
	slog.Info("trigger fired",
		"trigger_id", t.ID, "trigger_name", t.Name,
		"workspace_id", t.WorkspaceID, "agent_id", t.AgentID, "cause", cause)
}
