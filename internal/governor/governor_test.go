package governor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/warroom/internal/bus"
	"github.com/basket/warroom/internal/persistence"
)

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	return newTestStoreWithBus(t, nil)
}

func newTestStoreWithBus(t *testing.T, eventBus *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "warroom.db"), eventBus)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func setLevel(t *testing.T, store *persistence.Store, workspaceID string, level int) {
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

func TestAuthorize_AllowedAtDefaultLevel(t *testing.T) {
	store := newTestStore(t)
	g := New(store)

	decision, err := g.Authorize(context.Background(), "ws-1", "content", 1.0)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("denied: %s", decision.Reason)
	}
	if !decision.RequiresApproval {
		t.Fatal("level 1 should require approval")
	}
}

func TestAuthorize_ObserveOnlyAllowedWithApproval(t *testing.T) {
	store := newTestStore(t)
	setLevel(t, store, "ws-1", persistence.LevelObserve)
	g := New(store)

	decision, err := g.Authorize(context.Background(), "ws-1", "content", 0)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("level 0 must not deny, it gates on approval: %s", decision.Reason)
	}
	if !decision.RequiresApproval {
		t.Fatal("level 0 must require approval")
	}
	if decision.Level != persistence.LevelObserve {
		t.Fatalf("level = %d, want %d", decision.Level, persistence.LevelObserve)
	}
}

func TestAuthorize_FullAutonomySkipsApproval(t *testing.T) {
	store := newTestStore(t)
	setLevel(t, store, "ws-1", persistence.LevelFull)
	g := New(store)

	decision, err := g.Authorize(context.Background(), "ws-1", "content", 0)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !decision.Allowed || decision.RequiresApproval {
		t.Fatalf("decision = %+v, want allowed without approval", decision)
	}
}

func TestAuthorize_PausedWinsOverLevel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	setLevel(t, store, "ws-1", persistence.LevelFull)
	if err := store.PauseWorkspace(ctx, "ws-1", "founder on vacation", false); err != nil {
		t.Fatalf("PauseWorkspace: %v", err)
	}
	g := New(store)

	decision, err := g.Authorize(ctx, "ws-1", "content", 0)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if decision.Allowed {
		t.Fatal("paused workspace must deny even at level 3")
	}
}

func TestAuthorize_SpendCapCountsProposedCost(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := New(store)

	// Limit is 50 by default; spend 45, then propose a 10-dollar action.
	if err := store.AddUsage(ctx, "ws-1", g.now(), 5, 45.0); err != nil {
		t.Fatalf("AddUsage: %v", err)
	}
	decision, err := g.Authorize(ctx, "ws-1", "outreach", 10.0)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if decision.Allowed {
		t.Fatal("45 spent + 10 proposed must exceed the 50 limit")
	}

	// A 5-dollar action still fits exactly.
	decision, err = g.Authorize(ctx, "ws-1", "outreach", 5.0)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("5-dollar action should fit: %s", decision.Reason)
	}
}

func TestAuthorize_ActionCap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := New(store)

	// Default limit is 10 actions per day.
	if err := store.AddUsage(ctx, "ws-1", g.now(), 10, 0); err != nil {
		t.Fatalf("AddUsage: %v", err)
	}
	decision, err := g.Authorize(ctx, "ws-1", "content", 0)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if decision.Allowed {
		t.Fatal("action cap reached; must deny")
	}
}

func TestAuthorize_CategoryOverride(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	settings, err := store.GetAutonomySettings(ctx, "ws-1")
	if err != nil {
		t.Fatalf("GetAutonomySettings: %v", err)
	}
	settings.GlobalLevel = persistence.LevelFull
	settings.CategoryOverrides["spend"] = persistence.LevelObserve
	if _, err := store.UpdateAutonomySettings(ctx, settings); err != nil {
		t.Fatalf("UpdateAutonomySettings: %v", err)
	}
	g := New(store)

	decision, err := g.Authorize(ctx, "ws-1", "spend", 0)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !decision.Allowed || !decision.RequiresApproval {
		t.Fatalf("decision = %+v, want overridden category allowed behind approval", decision)
	}

	decision, err = g.Authorize(ctx, "ws-1", "content", 0)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !decision.Allowed || decision.RequiresApproval {
		t.Fatalf("decision = %+v, want non-overridden category to follow global level 3", decision)
	}
}

func TestRecordFailure_EmergencyPause(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := New(store)

	failOnce := func() {
		action, err := store.InsertAction(ctx, persistence.NewActionParams{
			WorkspaceID: "ws-1", AgentID: "growth", ActionType: "send_email",
			Category: "outreach", Executable: true,
		})
		if err != nil {
			t.Fatalf("InsertAction: %v", err)
		}
		if _, err := store.MarkActionFailed(ctx, action.ID, "provider 500"); err != nil {
			t.Fatalf("MarkActionFailed: %v", err)
		}
		if err := g.RecordFailure(ctx, "ws-1"); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	failOnce()
	failOnce()
	settings, err := store.GetAutonomySettings(ctx, "ws-1")
	if err != nil {
		t.Fatalf("GetAutonomySettings: %v", err)
	}
	if settings.Paused {
		t.Fatal("two failures should not pause yet")
	}

	failOnce()
	settings, err = store.GetAutonomySettings(ctx, "ws-1")
	if err != nil {
		t.Fatalf("GetAutonomySettings: %v", err)
	}
	if !settings.Paused {
		t.Fatal("third failure should trip the emergency pause")
	}
}
