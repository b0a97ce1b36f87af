// Package dispatch is the durable inter-agent message bus. Delivery is
// poll-based: Publish writes a PENDING row, and the sweeper drains each
// workspace's queue in creation order through the registered handlers.
//
// Delivery is at-least-once. A message is marked PROCESSED only after its
// handler returns, so a crash between the handler's side effect and the
// mark can replay the message on the next sweep. Handlers for messages
// with external side effects should be idempotent.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	warotel "github.com/basket/warroom/internal/otel"
	"github.com/basket/warroom/internal/persistence"
	"github.com/basket/warroom/internal/shared"
	"go.opentelemetry.io/otel"
)

// Handler processes one delivered message for an agent. The returned JSON
// becomes the message's resolution.
type Handler func(ctx context.Context, msg *persistence.Message) (json.RawMessage, error)

// Registry maps workspace and agent to a message handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]map[string]Handler // workspace -> agent -> handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]map[string]Handler{}}
}

// Register binds a handler for an agent in a workspace, replacing any
// previous one.
func (r *Registry) Register(workspaceID, agentID string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers[workspaceID] == nil {
		r.handlers[workspaceID] = map[string]Handler{}
	}
	r.handlers[workspaceID][agentID] = h
}

// Unregister removes an agent's handler.
func (r *Registry) Unregister(workspaceID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers[workspaceID], agentID)
}

func (r *Registry) handler(workspaceID, agentID string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[workspaceID][agentID]
}

// broadcastHandlers returns every handler in a workspace except the
// sender's, with stable agent ordering left to the map; broadcast order
// across recipients is unspecified.
func (r *Registry) broadcastHandlers(workspaceID, fromAgent string) map[string]Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string]Handler{}
	for agentID, h := range r.handlers[workspaceID] {
		if agentID == fromAgent {
			continue
		}
		out[agentID] = h
	}
	return out
}

// Bus drains the message queue. One sweep per workspace runs at a time;
// concurrent SweepWorkspace calls for the same workspace serialize on a
// per-workspace mutex so queue order is preserved.
type Bus struct {
	store      *persistence.Store
	registry   *Registry
	batchLimit int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(store *persistence.Store, registry *Registry, batchLimit int) *Bus {
	if batchLimit <= 0 {
		batchLimit = 25
	}
	return &Bus{
		store:      store,
		registry:   registry,
		batchLimit: batchLimit,
		locks:      map[string]*sync.Mutex{},
	}
}

// Publish stores a new message for delivery on the next sweep.
func (b *Bus) Publish(ctx context.Context, p persistence.NewMessageParams) (*persistence.Message, error) {
	msg, err := b.store.CreateMessage(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	return msg, nil
}

func (b *Bus) workspaceLock(workspaceID string) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	lock, ok := b.locks[workspaceID]
	if !ok {
		lock = &sync.Mutex{}
		b.locks[workspaceID] = lock
	}
	return lock
}

// SweepWorkspace delivers one batch of a workspace's pending messages in
// creation order. Handler errors mark the message FAILED and never abort
// the batch. Returns how many messages left PENDING.
func (b *Bus) SweepWorkspace(ctx context.Context, workspaceID string) (int, error) {
	ctx, span := warotel.StartSpan(ctx, otel.Tracer(warotel.TracerName), "dispatch.sweep",
		warotel.AttrWorkspaceID.String(workspaceID))
	defer span.End()

	lock := b.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	pending, err := b.store.PendingMessages(ctx, workspaceID, b.batchLimit)
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", workspaceID, err)
	}

	swept := 0
	for _, msg := range pending {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		if b.deliver(ctx, msg) {
			swept++
		}
	}
	return swept, nil
}

// deliver routes one message. The row stays PENDING until its handler
// returns, so a crash mid-handler leaves it in the queue for the next
// sweep. Returns false only when the message stayed PENDING with no
// handler run (directed message whose recipient has no handler yet).
func (b *Bus) deliver(ctx context.Context, msg *persistence.Message) bool {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithWorkspaceID(ctx, msg.WorkspaceID)

	if msg.ToAgent != "" {
		handler := b.registry.handler(msg.WorkspaceID, msg.ToAgent)
		if handler == nil {
			// Recipient not registered yet; the message waits in the queue.
			return false
		}
		resolution, err := runHandler(ctx, handler, msg)
		if err != nil {
			slog.Warn("message handler failed",
				"message_id", msg.ID, "to_agent", msg.ToAgent, "error", err)
			if _, markErr := b.store.MarkFailed(ctx, msg.ID, err.Error()); markErr != nil {
				slog.Error("mark failed failed", "message_id", msg.ID, "error", markErr)
			}
			return true
		}
		if _, err := b.store.MarkProcessed(ctx, msg.ID, resolution); err != nil {
			slog.Error("mark processed failed", "message_id", msg.ID, "error", err)
		}
		return true
	}

	// Broadcast: everyone in the workspace except the sender.
	handlers := b.registry.broadcastHandlers(msg.WorkspaceID, msg.FromAgent)
	if len(handlers) == 0 {
		// Nobody is listening; DELIVERED records that the bus did its part.
		if _, err := b.store.MarkDelivered(ctx, msg.ID); err != nil {
			slog.Warn("mark delivered failed", "message_id", msg.ID, "error", err)
			return false
		}
		return true
	}

	failures := 0
	for agentID, handler := range handlers {
		if _, err := runHandler(ctx, handler, msg); err != nil {
			failures++
			slog.Warn("broadcast handler failed",
				"message_id", msg.ID, "agent_id", agentID, "error", err)
		}
	}
	if failures == len(handlers) {
		if _, err := b.store.MarkFailed(ctx, msg.ID, fmt.Sprintf("all %d broadcast handlers failed", failures)); err != nil {
			slog.Error("mark failed failed", "message_id", msg.ID, "error", err)
		}
		return true
	}
	if _, err := b.store.MarkProcessed(ctx, msg.ID, nil); err != nil {
		slog.Error("mark processed failed", "message_id", msg.ID, "error", err)
	}
	return true
}

// runHandler isolates handler panics from the sweep loop.
func runHandler(ctx context.Context, h Handler, msg *persistence.Message) (resolution json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

// Sweep drains every workspace that has pending messages.
func (b *Bus) Sweep(ctx context.Context) error {
	workspaces, err := b.store.PendingWorkspaces(ctx)
	if err != nil {
		return err
	}
	for _, ws := range workspaces {
		if _, err := b.SweepWorkspace(ctx, ws); err != nil {
			slog.Warn("workspace sweep failed", "workspace_id", ws, "error", err)
		}
	}
	return nil
}

// GetOverdue returns a workspace's overdue messages. With markEscalated
// set, each is flagged escalated_to_human so it is reported exactly once.
func (b *Bus) GetOverdue(ctx context.Context, workspaceID string, markEscalated bool) ([]*persistence.Message, error) {
	overdue, err := b.store.OverdueMessages(ctx, workspaceID, now())
	if err != nil {
		return nil, err
	}
	if markEscalated {
		for _, msg := range overdue {
			if err := b.store.MarkEscalatedToHuman(ctx, msg.ID); err != nil {
				slog.Warn("mark escalated failed", "message_id", msg.ID, "error", err)
			}
		}
	}
	return overdue, nil
}
