package trigger

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/warroom/internal/dispatch"
	"github.com/basket/warroom/internal/persistence"
)

func newTestEngine(t *testing.T) (*Engine, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "warroom.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	bus := dispatch.New(store, dispatch.NewRegistry(), 25)
	return NewEngine(store, bus), store
}

func pendingCount(t *testing.T, store *persistence.Store, workspaceID string) int {
	t.Helper()
	pending, err := store.PendingMessages(context.Background(), workspaceID, 100)
	if err != nil {
		t.Fatalf("PendingMessages: %v", err)
	}
	return len(pending)
}

func TestValidateCronExpr(t *testing.T) {
	if err := ValidateCronExpr("0 9 * * 1-5"); err != nil {
		t.Fatalf("valid expression rejected: %v", err)
	}
	if err := ValidateCronExpr("every morning"); err == nil {
		t.Fatal("nonsense expression accepted")
	}
}

func TestEvaluateSchedules_FiresDueTrigger(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	trig, err := store.InsertTrigger(ctx, persistence.NewTriggerParams{
		WorkspaceID: "ws-1", Name: "every-minute", CronExpr: "* * * * *",
		AgentID: "growth", Instructions: "check the dashboard",
		RequiresApproval: true,
	})
	if err != nil {
		t.Fatalf("InsertTrigger: %v", err)
	}

	// Pretend a couple of minutes passed since creation.
	e.now = func() time.Time { return trig.CreatedAt.Add(2 * time.Minute) }
	if err := e.EvaluateSchedules(ctx); err != nil {
		t.Fatalf("EvaluateSchedules: %v", err)
	}

	pending, err := store.PendingMessages(ctx, "ws-1", 10)
	if err != nil {
		t.Fatalf("PendingMessages: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1 firing", len(pending))
	}
	msg := pending[0]
	if msg.Kind != persistence.KindRequest || msg.ToAgent != "growth" || msg.Topic != Topic {
		t.Fatalf("message = %+v", msg)
	}
	var fired firingPayload
	if err := json.Unmarshal(msg.Payload, &fired); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if fired.TriggerID != trig.ID || fired.Instructions != "check the dashboard" {
		t.Fatalf("payload = %+v", fired)
	}
	if !fired.RequiresApproval {
		t.Fatal("payload must carry the rule's requires-approval flag")
	}

	updated, err := store.GetTrigger(ctx, trig.ID)
	if err != nil {
		t.Fatalf("GetTrigger: %v", err)
	}
	if updated.LastFiredAt == nil || updated.FireCount != 1 {
		t.Fatalf("fired trigger = %+v", updated)
	}
}

func TestEvaluateSchedules_NotDueYet(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	trig, err := store.InsertTrigger(ctx, persistence.NewTriggerParams{
		WorkspaceID: "ws-1", Name: "daily-9am", CronExpr: "0 9 * * *", AgentID: "growth",
	})
	if err != nil {
		t.Fatalf("InsertTrigger: %v", err)
	}

	// Ten seconds after creation the 9am slot has not come around.
	e.now = func() time.Time { return trig.CreatedAt.Add(10 * time.Second) }
	if err := e.EvaluateSchedules(ctx); err != nil {
		t.Fatalf("EvaluateSchedules: %v", err)
	}
	if n := pendingCount(t, store, "ws-1"); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}

func TestEvaluateSchedules_CooldownSuppresses(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	trig, err := store.InsertTrigger(ctx, persistence.NewTriggerParams{
		WorkspaceID: "ws-1", Name: "cooldown", CronExpr: "* * * * *",
		AgentID: "growth", CooldownSeconds: 600,
	})
	if err != nil {
		t.Fatalf("InsertTrigger: %v", err)
	}

	base := trig.CreatedAt
	e.now = func() time.Time { return base.Add(2 * time.Minute) }
	if err := e.EvaluateSchedules(ctx); err != nil {
		t.Fatalf("EvaluateSchedules: %v", err)
	}
	if n := pendingCount(t, store, "ws-1"); n != 1 {
		t.Fatalf("pending = %d, want 1 after first fire", n)
	}

	// Two more minutes: due again by schedule, but inside the cooldown.
	e.now = func() time.Time { return base.Add(4 * time.Minute) }
	if err := e.EvaluateSchedules(ctx); err != nil {
		t.Fatalf("EvaluateSchedules: %v", err)
	}
	if n := pendingCount(t, store, "ws-1"); n != 1 {
		t.Fatalf("pending = %d, cooldown should suppress the second fire", n)
	}

	// Past the cooldown it fires again.
	e.now = func() time.Time { return base.Add(12 * time.Minute) }
	if err := e.EvaluateSchedules(ctx); err != nil {
		t.Fatalf("EvaluateSchedules: %v", err)
	}
	if n := pendingCount(t, store, "ws-1"); n != 2 {
		t.Fatalf("pending = %d, want 2 after cooldown expiry", n)
	}
}

func TestHandleEvent_ExactMatchAndDailyCap(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	if _, err := store.InsertTrigger(ctx, persistence.NewTriggerParams{
		WorkspaceID: "ws-1", Name: "on-signup", Event: "user.signup",
		AgentID: "growth", DailyCap: 2,
	}); err != nil {
		t.Fatalf("InsertTrigger: %v", err)
	}

	// Non-matching event fires nothing.
	if err := e.HandleEvent(ctx, "ws-1", "user.churn"); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if n := pendingCount(t, store, "ws-1"); n != 0 {
		t.Fatalf("pending = %d, want 0 on non-matching event", n)
	}

	for i := 0; i < 3; i++ {
		if err := e.HandleEvent(ctx, "ws-1", "user.signup"); err != nil {
			t.Fatalf("HandleEvent %d: %v", i, err)
		}
	}
	// Daily cap of 2 limits three events to two firings.
	if n := pendingCount(t, store, "ws-1"); n != 2 {
		t.Fatalf("pending = %d, want 2 (daily cap)", n)
	}
}

func TestHandleEvent_PausedTriggerSilent(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	trig, err := store.InsertTrigger(ctx, persistence.NewTriggerParams{
		WorkspaceID: "ws-1", Name: "on-signup", Event: "user.signup", AgentID: "growth",
	})
	if err != nil {
		t.Fatalf("InsertTrigger: %v", err)
	}
	if err := store.SetTriggerPaused(ctx, trig.ID, true); err != nil {
		t.Fatalf("SetTriggerPaused: %v", err)
	}

	if err := e.HandleEvent(ctx, "ws-1", "user.signup"); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if n := pendingCount(t, store, "ws-1"); n != 0 {
		t.Fatalf("pending = %d, paused trigger must not fire", n)
	}
}
