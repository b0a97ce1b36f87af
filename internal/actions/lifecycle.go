// Package actions runs the proactive action lifecycle: agents propose,
// the governor and gate decide what needs a human, the founder approves
// or rejects, and approved work executes with an audit trail.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/warroom/internal/gate"
	"github.com/basket/warroom/internal/governor"
	warotel "github.com/basket/warroom/internal/otel"
	"github.com/basket/warroom/internal/persistence"
	"go.opentelemetry.io/otel"
)

var (
	// ErrNotExecutable is returned when Execute is called on an action the
	// governor denied at proposal time.
	ErrNotExecutable = errors.New("action not executable")
	// ErrNotReversible is returned when Undo is called on an action that
	// declared no rollback path.
	ErrNotReversible = errors.New("action not reversible")
	// ErrNoExecutor is returned when no executor is registered for the
	// action's type.
	ErrNoExecutor = errors.New("no executor for action type")
)

// Executor performs and rolls back one type of proactive action.
type Executor interface {
	Execute(ctx context.Context, action *persistence.ProactiveAction) (json.RawMessage, error)
	Undo(ctx context.Context, action *persistence.ProactiveAction) (string, error)
}

type Lifecycle struct {
	store    *persistence.Store
	governor *governor.Governor
	gate     *gate.Gate

	mu        sync.RWMutex
	executors map[string]Executor
}

func NewLifecycle(store *persistence.Store, gov *governor.Governor, qualityGate *gate.Gate) *Lifecycle {
	return &Lifecycle{
		store:     store,
		governor:  gov,
		gate:      qualityGate,
		executors: map[string]Executor{},
	}
}

// RegisterExecutor binds an executor to an action type.
func (l *Lifecycle) RegisterExecutor(actionType string, exec Executor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.executors[actionType] = exec
}

func (l *Lifecycle) executor(actionType string) Executor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.executors[actionType]
}

// ProposeParams describes an agent's proposed action. GateType and Content
// are optional; when set, the quality gate scores the content and a pass
// can waive human approval at autonomy level 2. Audience tells the gate
// who the content is for.
type ProposeParams struct {
	WorkspaceID      string
	AgentID          string
	ActionType       string
	Category         string
	Title            string
	Description      string
	Payload          json.RawMessage
	EstimatedCostUSD float64
	Reversible       bool
	GateType         string
	Audience         string
	Content          string
}

// Propose runs the governance checks and stores the action. A governor
// denial still produces a row, marked non-executable with the denial
// reason, so the founder sees what the agent wanted to do.
func (l *Lifecycle) Propose(ctx context.Context, p ProposeParams) (*persistence.ProactiveAction, error) {
	decision, err := l.governor.Authorize(ctx, p.WorkspaceID, p.Category, p.EstimatedCostUSD)
	if err != nil {
		return nil, fmt.Errorf("authorize: %w", err)
	}

	params := persistence.NewActionParams{
		WorkspaceID:   p.WorkspaceID,
		AgentID:       p.AgentID,
		ActionType:    p.ActionType,
		Category:      p.Category,
		Title:         p.Title,
		Description:   p.Description,
		Payload:       p.Payload,
		AutonomyLevel: decision.Level,
		CostUSD:       p.EstimatedCostUSD,
		Reversible:    p.Reversible,
	}

	if !decision.Allowed {
		params.Executable = false
		params.RequiresApproval = true
		params.DenialReason = decision.Reason
		return l.store.InsertAction(ctx, params)
	}

	requiresApproval := decision.RequiresApproval
	if p.GateType != "" && p.Content != "" && l.gate != nil {
		gateResult, gateErr := l.gate.Evaluate(ctx, p.WorkspaceID, p.GateType, p.Description, p.Audience, p.Content)
		if gateErr != nil {
			return nil, fmt.Errorf("gate evaluation: %w", gateErr)
		}
		// A gate pass at level 2 waives the approval queue. A gate fail
		// never blocks the proposal; it just keeps the human in the loop.
		if gateResult.Approved && decision.Level >= persistence.LevelAct {
			requiresApproval = false
		} else if !gateResult.Approved {
			requiresApproval = true
			params.Description = p.Description + "\n\n[gate] " + gateResult.Reasoning
		}
	}

	params.Executable = true
	params.RequiresApproval = requiresApproval

	action, err := l.store.InsertAction(ctx, params)
	if err != nil {
		return nil, err
	}
	if err := l.governor.ConsumeBudget(ctx, p.WorkspaceID, p.EstimatedCostUSD); err != nil {
		slog.Warn("failed to record action against budget",
			"workspace_id", p.WorkspaceID, "action_id", action.ID, "error", err)
	}
	return action, nil
}

// Decide records the founder's verdict. Approving or rejecting anything
// that already left PENDING_APPROVAL returns ErrInvalidTransition, which
// makes double-clicks harmless.
func (l *Lifecycle) Decide(ctx context.Context, actionID string, approve bool, decidedBy, reason string) (*persistence.ProactiveAction, error) {
	if approve {
		return l.store.ApproveAction(ctx, actionID, decidedBy)
	}
	return l.store.RejectAction(ctx, actionID, decidedBy, reason)
}

// Execute runs an approved action through its registered executor. Any
// failure, including a panicking executor, lands the action in FAILED and
// counts toward the workspace's emergency pause.
func (l *Lifecycle) Execute(ctx context.Context, actionID string) (*persistence.ProactiveAction, error) {
	ctx, span := warotel.StartSpan(ctx, otel.Tracer(warotel.TracerName), "action.execute",
		warotel.AttrActionID.String(actionID))
	defer span.End()

	action, err := l.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != persistence.ActionApproved {
		return nil, fmt.Errorf("action %s in status %s: %w", actionID, action.Status, persistence.ErrInvalidTransition)
	}
	if !action.Executable {
		return nil, fmt.Errorf("action %s: %s: %w", actionID, action.DenialReason, ErrNotExecutable)
	}

	exec := l.executor(action.ActionType)
	if exec == nil {
		failed, markErr := l.store.MarkActionFailed(ctx, actionID, fmt.Sprintf("no executor registered for type %q", action.ActionType))
		if markErr != nil {
			return nil, markErr
		}
		l.recordFailure(ctx, action.WorkspaceID)
		return failed, fmt.Errorf("%w: %s", ErrNoExecutor, action.ActionType)
	}

	result, execErr := runExecutor(ctx, exec, action)
	if execErr != nil {
		failed, markErr := l.store.MarkActionFailed(ctx, actionID, execErr.Error())
		if markErr != nil {
			return nil, markErr
		}
		l.recordFailure(ctx, action.WorkspaceID)
		return failed, nil
	}
	return l.store.MarkActionExecuted(ctx, actionID, result)
}

// runExecutor isolates executor panics so a bad integration cannot take
// down the sweep loop.
func runExecutor(ctx context.Context, exec Executor, action *persistence.ProactiveAction) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec.Execute(ctx, action)
}

func (l *Lifecycle) recordFailure(ctx context.Context, workspaceID string) {
	if err := l.governor.RecordFailure(ctx, workspaceID); err != nil {
		slog.Warn("failed to record execution failure", "workspace_id", workspaceID, "error", err)
	}
}

// Undo rolls back an executed, reversible action.
func (l *Lifecycle) Undo(ctx context.Context, actionID string) (*persistence.ProactiveAction, error) {
	action, err := l.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != persistence.ActionExecuted {
		return nil, fmt.Errorf("action %s in status %s: %w", actionID, action.Status, persistence.ErrInvalidTransition)
	}
	if !action.Reversible {
		return nil, fmt.Errorf("action %s: %w", actionID, ErrNotReversible)
	}

	exec := l.executor(action.ActionType)
	if exec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoExecutor, action.ActionType)
	}
	undoResult, err := exec.Undo(ctx, action)
	if err != nil {
		return nil, fmt.Errorf("undo: %w", err)
	}
	return l.store.MarkActionUndone(ctx, actionID, undoResult)
}
