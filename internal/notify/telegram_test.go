package notify

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/warroom/internal/bus"
	"github.com/basket/warroom/internal/persistence"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.mu.Lock()
		f.sent = append(f.sent, msg.Text)
		f.mu.Unlock()
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestNotifier(t *testing.T) (*Notifier, *fakeSender, *bus.Bus, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "warroom.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	eventBus := bus.New()
	n := New("test-token", []int64{42}, store, eventBus, nil)
	sender := &fakeSender{}
	n.bot = sender

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(n.Stop)
	return n, sender, eventBus, store
}

func waitForMessages(t *testing.T, sender *fakeSender, want int) []string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		msgs := sender.messages()
		if len(msgs) >= want {
			return msgs
		}
		select {
		case <-deadline:
			t.Fatalf("got %d messages, want %d: %v", len(msgs), want, msgs)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestNotifier_EscalationAlwaysImportant(t *testing.T) {
	_, sender, eventBus, _ := newTestNotifier(t)

	eventBus.Publish(bus.TopicEscalationAlert, bus.EscalationEvent{
		WorkspaceID: "ws-1", AgentID: "growth", MessageID: "m1", Failed: true,
	})

	msgs := waitForMessages(t, sender, 1)
	if !strings.Contains(msgs[0], "ws-1") || !strings.Contains(msgs[0], "growth") {
		t.Fatalf("message = %q", msgs[0])
	}
}

func TestNotifier_ImportantPrefSkipsRoutineEvents(t *testing.T) {
	_, sender, eventBus, _ := newTestNotifier(t)

	// Default pref is "important": an executed action is routine.
	eventBus.Publish(bus.TopicActionStateChanged, bus.ActionStateChangedEvent{
		WorkspaceID: "ws-1", Title: "routine", NewStatus: persistence.ActionExecuted,
	})
	// A pending approval is not.
	eventBus.Publish(bus.TopicActionStateChanged, bus.ActionStateChangedEvent{
		WorkspaceID: "ws-1", Title: "needs review", NewStatus: persistence.ActionPendingApproval,
	})

	msgs := waitForMessages(t, sender, 1)
	time.Sleep(50 * time.Millisecond)
	msgs = sender.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "needs review") {
		t.Fatalf("messages = %v, want only the approval request", msgs)
	}
}

func TestNotifier_NonePrefSilencesEverything(t *testing.T) {
	_, sender, eventBus, store := newTestNotifier(t)
	ctx := context.Background()

	settings, err := store.GetAutonomySettings(ctx, "ws-quiet")
	if err != nil {
		t.Fatalf("GetAutonomySettings: %v", err)
	}
	settings.NotifyPref = persistence.NotifyNone
	if _, err := store.UpdateAutonomySettings(ctx, settings); err != nil {
		t.Fatalf("UpdateAutonomySettings: %v", err)
	}

	eventBus.Publish(bus.TopicEscalationAlert, bus.EscalationEvent{
		WorkspaceID: "ws-quiet", AgentID: "growth", MessageID: "m1", Failed: true,
	})

	time.Sleep(100 * time.Millisecond)
	if msgs := sender.messages(); len(msgs) != 0 {
		t.Fatalf("messages = %v, want silence for notify=none", msgs)
	}
}

func TestNotifier_EmergencyPauseMessage(t *testing.T) {
	_, sender, eventBus, _ := newTestNotifier(t)

	eventBus.Publish(bus.TopicAutonomyPaused, bus.AutonomyPausedEvent{
		WorkspaceID: "ws-1", Reason: "3 failed executions today", Emergency: true,
	})

	msgs := waitForMessages(t, sender, 1)
	if !strings.Contains(msgs[0], "paused") || !strings.Contains(msgs[0], "3 failed executions") {
		t.Fatalf("message = %q", msgs[0])
	}
}
