package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/basket/warroom/internal/engine"
	"github.com/basket/warroom/internal/gate"
	"github.com/basket/warroom/internal/governor"
	"github.com/basket/warroom/internal/persistence"
)

type stubExecutor struct {
	executeResult json.RawMessage
	executeErr    error
	panics        bool
	undoResult    string
	undoErr       error
	executed      int
	undone        int
}

func (s *stubExecutor) Execute(ctx context.Context, action *persistence.ProactiveAction) (json.RawMessage, error) {
	s.executed++
	if s.panics {
		panic("executor exploded")
	}
	return s.executeResult, s.executeErr
}

func (s *stubExecutor) Undo(ctx context.Context, action *persistence.ProactiveAction) (string, error) {
	s.undone++
	return s.undoResult, s.undoErr
}

func newTestLifecycle(t *testing.T, scorer engine.Brain) (*Lifecycle, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "warroom.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if scorer == nil {
		scorer = engine.NewFakeBrain(`{"score": 80, "reasoning": "fine"}`)
	}
	qualityGate, err := gate.New(scorer)
	if err != nil {
		t.Fatalf("gate.New: %v", err)
	}
	return NewLifecycle(store, governor.New(store), qualityGate), store
}

func setWorkspaceLevel(t *testing.T, store *persistence.Store, workspaceID string, level int) {
	t.Helper()
	ctx := context.Background()
	settings, err := store.GetAutonomySettings(ctx, workspaceID)
	if err != nil {
		t.Fatalf("GetAutonomySettings: %v", err)
	}
	settings.GlobalLevel = level
	if _, err := store.UpdateAutonomySettings(ctx, settings); err != nil {
		t.Fatalf("UpdateAutonomySettings: %v", err)
	}
}

func proposeParams() ProposeParams {
	return ProposeParams{
		WorkspaceID: "ws-1",
		AgentID:     "growth",
		ActionType:  "send_email",
		Category:    "outreach",
		Title:       "Re-engage churned users",
		Description: "Send the win-back sequence to the 30-day churn segment",
		Payload:     json.RawMessage(`{"segment": "churned_30d"}`),
		Reversible:  true,
	}
}

func TestPropose_DefaultLevelRequiresApproval(t *testing.T) {
	l, _ := newTestLifecycle(t, nil)

	action, err := l.Propose(context.Background(), proposeParams())
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if action.Status != persistence.ActionPendingApproval {
		t.Fatalf("status = %q, want PENDING_APPROVAL", action.Status)
	}
	if !action.Executable {
		t.Fatal("allowed proposal should be executable")
	}
}

func TestPropose_GovernorDenialStoredNonExecutable(t *testing.T) {
	l, store := newTestLifecycle(t, nil)
	if err := store.PauseWorkspace(context.Background(), "ws-1", "founder reviewing incident", false); err != nil {
		t.Fatalf("PauseWorkspace: %v", err)
	}

	action, err := l.Propose(context.Background(), proposeParams())
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if action.Executable {
		t.Fatal("denied proposal must not be executable")
	}
	if action.DenialReason == "" {
		t.Fatal("denied proposal should carry the governor's reason")
	}

	// Even a founder approval cannot make it run.
	approved, err := l.Decide(context.Background(), action.ID, true, "founder", "")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if _, err := l.Execute(context.Background(), approved.ID); !errors.Is(err, ErrNotExecutable) {
		t.Fatalf("err = %v, want ErrNotExecutable", err)
	}
}

func TestPropose_ObserveLevelExecutesAfterApproval(t *testing.T) {
	l, store := newTestLifecycle(t, nil)
	setWorkspaceLevel(t, store, "ws-1", persistence.LevelObserve)
	exec := &stubExecutor{executeResult: json.RawMessage(`{"sent": 1}`)}
	l.RegisterExecutor("send_email", exec)

	action, err := l.Propose(context.Background(), proposeParams())
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if action.Status != persistence.ActionPendingApproval {
		t.Fatalf("status = %q, want PENDING_APPROVAL", action.Status)
	}
	if !action.Executable {
		t.Fatal("level-0 proposal must stay executable behind the approval queue")
	}

	approved, err := l.Decide(context.Background(), action.ID, true, "founder", "")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	executed, err := l.Execute(context.Background(), approved.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if executed.Status != persistence.ActionExecuted || exec.executed != 1 {
		t.Fatalf("status = %q, executor ran %d times", executed.Status, exec.executed)
	}
}

func TestPropose_Level2GatePassWaivesApproval(t *testing.T) {
	scorer := engine.NewFakeBrain(`{"score": 90, "reasoning": "strong copy"}`)
	l, store := newTestLifecycle(t, scorer)
	setWorkspaceLevel(t, store, "ws-1", persistence.LevelAct)

	p := proposeParams()
	p.GateType = gate.TypeOutreachEmail
	p.Content = "Hi there, we noticed you stopped using the weekly digest and built the features you asked for."
	action, err := l.Propose(context.Background(), p)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if action.Status != persistence.ActionApproved {
		t.Fatalf("status = %q, want auto-APPROVED on gate pass at level 2", action.Status)
	}
}

func TestPropose_Level2GateFailKeepsApproval(t *testing.T) {
	scorer := engine.NewFakeBrain(`{"score": 30, "reasoning": "spammy"}`)
	l, store := newTestLifecycle(t, scorer)
	setWorkspaceLevel(t, store, "ws-1", persistence.LevelAct)

	p := proposeParams()
	p.GateType = gate.TypeOutreachEmail
	p.Content = "Hi there, we noticed you stopped using the weekly digest and built the features you asked for."
	action, err := l.Propose(context.Background(), p)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if action.Status != persistence.ActionPendingApproval {
		t.Fatalf("status = %q, want PENDING_APPROVAL on gate fail", action.Status)
	}
}

func TestPropose_Level3SkipsApprovalEntirely(t *testing.T) {
	l, store := newTestLifecycle(t, nil)
	setWorkspaceLevel(t, store, "ws-1", persistence.LevelFull)

	action, err := l.Propose(context.Background(), proposeParams())
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if action.Status != persistence.ActionApproved {
		t.Fatalf("status = %q, want APPROVED at level 3", action.Status)
	}
}

func TestExecute_HappyPath(t *testing.T) {
	l, store := newTestLifecycle(t, nil)
	setWorkspaceLevel(t, store, "ws-1", persistence.LevelFull)
	exec := &stubExecutor{executeResult: json.RawMessage(`{"sent": 42}`)}
	l.RegisterExecutor("send_email", exec)

	action, err := l.Propose(context.Background(), proposeParams())
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	executed, err := l.Execute(context.Background(), action.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if executed.Status != persistence.ActionExecuted {
		t.Fatalf("status = %q", executed.Status)
	}
	if exec.executed != 1 {
		t.Fatalf("executor ran %d times", exec.executed)
	}
}

func TestExecute_FailureMarksFailed(t *testing.T) {
	l, store := newTestLifecycle(t, nil)
	setWorkspaceLevel(t, store, "ws-1", persistence.LevelFull)
	l.RegisterExecutor("send_email", &stubExecutor{executeErr: fmt.Errorf("smtp refused")})

	action, err := l.Propose(context.Background(), proposeParams())
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	failed, err := l.Execute(context.Background(), action.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if failed.Status != persistence.ActionFailed {
		t.Fatalf("status = %q", failed.Status)
	}
	if failed.Error != "smtp refused" {
		t.Fatalf("error = %q", failed.Error)
	}
}

func TestExecute_PanicIsContained(t *testing.T) {
	l, store := newTestLifecycle(t, nil)
	setWorkspaceLevel(t, store, "ws-1", persistence.LevelFull)
	l.RegisterExecutor("send_email", &stubExecutor{panics: true})

	action, err := l.Propose(context.Background(), proposeParams())
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	failed, err := l.Execute(context.Background(), action.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if failed.Status != persistence.ActionFailed {
		t.Fatalf("status = %q, want FAILED after panic", failed.Status)
	}
}

func TestExecute_RepeatedFailuresTripEmergencyPause(t *testing.T) {
	l, store := newTestLifecycle(t, nil)
	ctx := context.Background()
	setWorkspaceLevel(t, store, "ws-1", persistence.LevelFull)
	l.RegisterExecutor("send_email", &stubExecutor{executeErr: fmt.Errorf("smtp refused")})

	for i := 0; i < governor.EmergencyFailureThreshold; i++ {
		action, err := l.Propose(ctx, proposeParams())
		if err != nil {
			t.Fatalf("Propose %d: %v", i, err)
		}
		if _, err := l.Execute(ctx, action.ID); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
	}

	settings, err := store.GetAutonomySettings(ctx, "ws-1")
	if err != nil {
		t.Fatalf("GetAutonomySettings: %v", err)
	}
	if !settings.Paused {
		t.Fatal("workspace should be emergency-paused after repeated failures")
	}
}

func TestUndo_ReversibleAction(t *testing.T) {
	l, store := newTestLifecycle(t, nil)
	setWorkspaceLevel(t, store, "ws-1", persistence.LevelFull)
	exec := &stubExecutor{executeResult: json.RawMessage(`{"sent": 1}`), undoResult: "recalled"}
	l.RegisterExecutor("send_email", exec)

	action, err := l.Propose(context.Background(), proposeParams())
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := l.Execute(context.Background(), action.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	undone, err := l.Undo(context.Background(), action.ID)
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if undone.Status != persistence.ActionUndone || undone.UndoResult != "recalled" {
		t.Fatalf("undone = %+v", undone)
	}
}

func TestUndo_IrreversibleActionRefused(t *testing.T) {
	l, store := newTestLifecycle(t, nil)
	setWorkspaceLevel(t, store, "ws-1", persistence.LevelFull)
	l.RegisterExecutor("send_email", &stubExecutor{executeResult: json.RawMessage(`{}`)})

	p := proposeParams()
	p.Reversible = false
	action, err := l.Propose(context.Background(), p)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := l.Execute(context.Background(), action.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := l.Undo(context.Background(), action.ID); !errors.Is(err, ErrNotReversible) {
		t.Fatalf("err = %v, want ErrNotReversible", err)
	}
}

func TestDecide_DoubleDecisionIsInvalidTransition(t *testing.T) {
	l, _ := newTestLifecycle(t, nil)

	action, err := l.Propose(context.Background(), proposeParams())
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := l.Decide(context.Background(), action.ID, false, "founder", "not this week"); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if _, err := l.Decide(context.Background(), action.ID, true, "founder", ""); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestExecute_UnapprovedActionRefused(t *testing.T) {
	l, _ := newTestLifecycle(t, nil)

	action, err := l.Propose(context.Background(), proposeParams())
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := l.Execute(context.Background(), action.ID); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}
