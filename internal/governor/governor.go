// Package governor enforces the autonomy dial: per-workspace levels,
// daily action and spend caps, and the pause switch. Every denial is
// written to the audit trail so the founder can see why an agent was
// stopped.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/warroom/internal/audit"
	"github.com/basket/warroom/internal/persistence"
)

// EmergencyFailureThreshold is the number of FAILED executions in one UTC
// day that trips the automatic workspace pause.
const EmergencyFailureThreshold = 3

// Decision is the governor's verdict on a proposed action.
type Decision struct {
	Allowed          bool
	Reason           string // set when denied
	Level            int    // effective autonomy level for the category
	RequiresApproval bool   // human approval needed before execution
}

type Governor struct {
	store *persistence.Store
	now   func() time.Time
}

func New(store *persistence.Store) *Governor {
	return &Governor{store: store, now: time.Now}
}

// Authorize decides whether a workspace may take one more action of the
// given category at the estimated cost. Checks run in severity order:
// pause, spend cap, action cap. Low autonomy levels never deny here; they
// come back allowed with RequiresApproval set, so the proposal lands in
// the approval queue instead of vanishing. The estimated cost counts
// against the remaining budget in full, so a 10-dollar action against a
// 5-dollar remainder is denied rather than partially allowed.
func (g *Governor) Authorize(ctx context.Context, workspaceID, category string, estimatedCostUSD float64) (*Decision, error) {
	settings, err := g.store.GetAutonomySettings(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load autonomy settings: %w", err)
	}
	level := settings.EffectiveLevel(category)

	if settings.Paused {
		return g.deny(workspaceID, category, level,
			fmt.Sprintf("workspace paused: %s", settings.PauseReason)), nil
	}

	usage, err := g.store.GetDailyUsage(ctx, workspaceID, g.now())
	if err != nil {
		return nil, fmt.Errorf("load daily usage: %w", err)
	}
	if settings.DailySpendLimitUSD > 0 && usage.SpendUSD+estimatedCostUSD > settings.DailySpendLimitUSD {
		return g.deny(workspaceID, category, level,
			fmt.Sprintf("daily spend limit: %.2f spent + %.2f proposed exceeds %.2f",
				usage.SpendUSD, estimatedCostUSD, settings.DailySpendLimitUSD)), nil
	}
	if settings.DailyActionLimit > 0 && usage.Actions >= settings.DailyActionLimit {
		return g.deny(workspaceID, category, level,
			fmt.Sprintf("daily action limit: %d of %d used", usage.Actions, settings.DailyActionLimit)), nil
	}

	decision := &Decision{
		Allowed:          true,
		Level:            level,
		RequiresApproval: requiresApproval(level),
	}
	audit.Record("allow", "action."+category, "within autonomy limits", workspaceID, "")
	return decision, nil
}

// requiresApproval maps autonomy levels to the approval requirement.
// Levels 0-1 never execute without a human; level 2 executes gate-approved
// work (the lifecycle relaxes the flag when the gate auto-approves);
// level 3 is fully autonomous.
func requiresApproval(level int) bool {
	return level < persistence.LevelFull
}

func (g *Governor) deny(workspaceID, category string, level int, reason string) *Decision {
	slog.Info("governor denied action",
		"workspace_id", workspaceID, "category", category, "level", level, "reason", reason)
	audit.Record("deny", "action."+category, reason, workspaceID, "")
	return &Decision{Allowed: false, Reason: reason, Level: level, RequiresApproval: true}
}

// ConsumeBudget charges an allowed action against today's usage.
func (g *Governor) ConsumeBudget(ctx context.Context, workspaceID string, costUSD float64) error {
	return g.store.AddUsage(ctx, workspaceID, g.now(), 1, costUSD)
}

// RecordFailure is called after an action execution fails. When the
// workspace hits the daily failure threshold it is paused outright; the
// agents keep proposing but nothing runs until the founder clears it.
func (g *Governor) RecordFailure(ctx context.Context, workspaceID string) error {
	count, err := g.store.FailedExecutionsToday(ctx, workspaceID, g.now())
	if err != nil {
		return fmt.Errorf("count failed executions: %w", err)
	}
	if count < EmergencyFailureThreshold {
		return nil
	}

	settings, err := g.store.GetAutonomySettings(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("load autonomy settings: %w", err)
	}
	if settings.Paused {
		return nil
	}

	reason := fmt.Sprintf("emergency pause: %d failed executions today", count)
	if err := g.store.PauseWorkspace(ctx, workspaceID, reason, true); err != nil {
		return fmt.Errorf("emergency pause: %w", err)
	}
	slog.Warn("workspace auto-paused after repeated failures",
		"workspace_id", workspaceID, "failed_count", count)
	audit.Record("pause", "autonomy", reason, workspaceID, "")
	return nil
}
