package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func proposeTestAction(t *testing.T, store *Store, requiresApproval bool) *ProactiveAction {
	t.Helper()
	action, err := store.InsertAction(context.Background(), NewActionParams{
		WorkspaceID:      "ws-1",
		AgentID:          "growth",
		ActionType:       "send_email",
		Category:         "outreach",
		Title:            "Follow up with churned users",
		Payload:          json.RawMessage(`{"segment": "churned_30d"}`),
		AutonomyLevel:    LevelAct,
		RequiresApproval: requiresApproval,
		Executable:       true,
		Reversible:       true,
	})
	if err != nil {
		t.Fatalf("InsertAction: %v", err)
	}
	return action
}

func TestInsertAction_StartsPendingApproval(t *testing.T) {
	store := newTestStore(t)
	action := proposeTestAction(t, store, true)
	if action.Status != ActionPendingApproval {
		t.Fatalf("status = %q, want PENDING_APPROVAL", action.Status)
	}
}

func TestInsertAction_AutoApprovedWhenNoApprovalNeeded(t *testing.T) {
	store := newTestStore(t)
	action := proposeTestAction(t, store, false)
	if action.Status != ActionApproved {
		t.Fatalf("status = %q, want APPROVED", action.Status)
	}
}

func TestActionLifecycle_ApproveExecuteUndo(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	action := proposeTestAction(t, store, true)

	approved, err := store.ApproveAction(ctx, action.ID, "founder")
	if err != nil {
		t.Fatalf("ApproveAction: %v", err)
	}
	if approved.Status != ActionApproved || approved.ApprovedBy != "founder" {
		t.Fatalf("approved = %+v", approved)
	}
	if approved.ApprovedAt == nil {
		t.Fatal("approved_at should be set")
	}

	executed, err := store.MarkActionExecuted(ctx, action.ID, json.RawMessage(`{"sent": 12}`))
	if err != nil {
		t.Fatalf("MarkActionExecuted: %v", err)
	}
	if executed.Status != ActionExecuted {
		t.Fatalf("status = %q", executed.Status)
	}

	undone, err := store.MarkActionUndone(ctx, action.ID, "recalled emails")
	if err != nil {
		t.Fatalf("MarkActionUndone: %v", err)
	}
	if undone.Status != ActionUndone || undone.UndoneAt == nil {
		t.Fatalf("undone = %+v", undone)
	}

	// The full trail: proposed, approved, executed, undone.
	events, err := store.ListActionEvents(ctx, action.ID)
	if err != nil {
		t.Fatalf("ListActionEvents: %v", err)
	}
	wantTypes := []string{"proposed", "approved", "executed", "undone"}
	if len(events) != len(wantTypes) {
		t.Fatalf("events = %d, want %d", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].EventType != want {
			t.Fatalf("event %d = %q, want %q", i, events[i].EventType, want)
		}
	}
}

func TestActionLifecycle_RejectIsTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	action := proposeTestAction(t, store, true)

	rejected, err := store.RejectAction(ctx, action.ID, "founder", "too risky this week")
	if err != nil {
		t.Fatalf("RejectAction: %v", err)
	}
	if rejected.Status != ActionRejected {
		t.Fatalf("status = %q", rejected.Status)
	}
	if rejected.DenialReason != "too risky this week" {
		t.Fatalf("denial reason = %q", rejected.DenialReason)
	}

	if _, err := store.ApproveAction(ctx, action.ID, "founder"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("approve after reject: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := store.MarkActionExecuted(ctx, action.ID, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("execute after reject: err = %v, want ErrInvalidTransition", err)
	}
}

func TestActionLifecycle_IllegalMoves(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	action := proposeTestAction(t, store, true)

	// Cannot execute before approval.
	if _, err := store.MarkActionExecuted(ctx, action.ID, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	// Cannot undo before execution.
	if _, err := store.MarkActionUndone(ctx, action.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	// Double approval fails (idempotency guard for double-click).
	if _, err := store.ApproveAction(ctx, action.ID, "founder"); err != nil {
		t.Fatalf("ApproveAction: %v", err)
	}
	if _, err := store.ApproveAction(ctx, action.ID, "founder"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double approve: err = %v, want ErrInvalidTransition", err)
	}
}

func TestActionLifecycle_FailureCountsTowardAutoPause(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		action := proposeTestAction(t, store, false)
		if _, err := store.MarkActionFailed(ctx, action.ID, "provider 500"); err != nil {
			t.Fatalf("MarkActionFailed: %v", err)
		}
	}

	count, err := store.FailedExecutionsToday(ctx, "ws-1", time.Now())
	if err != nil {
		t.Fatalf("FailedExecutionsToday: %v", err)
	}
	if count != 3 {
		t.Fatalf("failed count = %d, want 3", count)
	}
}

func TestListActions_FilterByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pending := proposeTestAction(t, store, true)
	auto := proposeTestAction(t, store, false)
	_ = auto

	items, total, err := store.ListActions(ctx, ActionFilter{WorkspaceID: "ws-1", Status: ActionPendingApproval})
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].ID != pending.ID {
		t.Fatalf("items = %v total = %d", items, total)
	}
}
