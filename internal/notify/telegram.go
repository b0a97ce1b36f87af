// Package notify pushes governance events to the founder's Telegram. It
// consumes the in-process event bus and honors each workspace's
// notification preference, so "none" workspaces stay silent and
// "important" workspaces only surface what needs a human.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/warroom/internal/bus"
	"github.com/basket/warroom/internal/persistence"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// sender abstracts the Telegram API for tests.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Notifier struct {
	token    string
	chatIDs  []int64
	store    *persistence.Store
	eventBus *bus.Bus
	logger   *slog.Logger

	bot sender

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(token string, chatIDs []int64, store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		token:    token,
		chatIDs:  chatIDs,
		store:    store,
		eventBus: eventBus,
		logger:   logger,
	}
}

// Start connects the bot and consumes bus events until the context ends.
func (n *Notifier) Start(ctx context.Context) error {
	if n.bot == nil {
		bot, err := tgbotapi.NewBotAPI(n.token)
		if err != nil {
			return fmt.Errorf("telegram init failed: %w", err)
		}
		n.bot = bot
		n.logger.Info("telegram notifier started", "user", bot.Self.UserName)
	}

	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	// One catch-all subscription; handle filters to the topics worth a
	// founder's attention.
	sub := n.eventBus.Subscribe("")

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.eventBus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Ch():
				if !ok {
					return
				}
				n.handle(ctx, event)
			}
		}
	}()
	return nil
}

// Stop halts event consumption.
func (n *Notifier) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	n.wg.Wait()
}

// handle formats and sends one event, subject to the workspace preference.
func (n *Notifier) handle(ctx context.Context, event bus.Event) {
	var workspaceID, text string
	important := false

	switch ev := event.Payload.(type) {
	case bus.EscalationEvent:
		workspaceID = ev.WorkspaceID
		important = true
		if ev.Failed {
			text = fmt.Sprintf("🚨 %s: agent %s escalated a decision but the debate could not complete. Message %s needs you.", ev.WorkspaceID, ev.AgentID, ev.MessageID)
		} else {
			text = fmt.Sprintf("⚖️ %s: debate verdict ready from agent %s (message %s).", ev.WorkspaceID, ev.AgentID, ev.MessageID)
		}
	case bus.AutonomyPausedEvent:
		workspaceID = ev.WorkspaceID
		important = true
		prefix := "⏸️"
		if ev.Emergency {
			prefix = "🛑"
		}
		text = fmt.Sprintf("%s workspace %s paused: %s", prefix, ev.WorkspaceID, ev.Reason)
	case bus.ActionStateChangedEvent:
		workspaceID = ev.WorkspaceID
		switch ev.NewStatus {
		case persistence.ActionPendingApproval:
			important = true
			text = fmt.Sprintf("📝 %s: %q from agent %s awaits your approval.", ev.WorkspaceID, ev.Title, ev.AgentID)
		case persistence.ActionFailed:
			important = true
			text = fmt.Sprintf("❌ %s: action %q failed.", ev.WorkspaceID, ev.Title)
		case persistence.ActionExecuted:
			text = fmt.Sprintf("✅ %s: action %q executed.", ev.WorkspaceID, ev.Title)
		default:
			return
		}
	case bus.MessageEvent:
		if event.Topic != bus.TopicMessageFailed {
			return
		}
		workspaceID = ev.WorkspaceID
		text = fmt.Sprintf("⚠️ %s: message %s from %s failed in delivery.", ev.WorkspaceID, ev.MessageID, ev.FromAgent)
	default:
		return
	}

	if !n.shouldNotify(ctx, workspaceID, important) {
		return
	}
	n.send(text)
}

// shouldNotify applies the workspace notification preference: "all" sends
// everything, "important" sends what needs a human, "none" sends nothing.
func (n *Notifier) shouldNotify(ctx context.Context, workspaceID string, important bool) bool {
	settings, err := n.store.GetAutonomySettings(ctx, workspaceID)
	if err != nil {
		n.logger.Warn("notifier could not load settings; sending anyway",
			"workspace_id", workspaceID, "error", err)
		return true
	}
	switch settings.NotifyPref {
	case persistence.NotifyNone:
		return false
	case persistence.NotifyImportant:
		return important
	default:
		return true
	}
}

func (n *Notifier) send(text string) {
	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := n.bot.Send(msg); err != nil {
			n.logger.Warn("telegram send failed", "chat_id", chatID, "error", err)
		}
	}
}
