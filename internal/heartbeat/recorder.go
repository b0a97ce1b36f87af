// Package heartbeat records agent self-check cycles and routes the
// escalations. An ESCALATION heartbeat runs the debate synthesizer and
// publishes the verdict to the message bus; if the debate cannot complete,
// the founder gets a plain alert instead of silence.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/warroom/internal/bus"
	"github.com/basket/warroom/internal/debate"
	"github.com/basket/warroom/internal/persistence"
	"github.com/basket/warroom/internal/pricing"
)

// VerdictTopic is the message topic debate verdicts are published on.
const VerdictTopic = "war_room.verdict"

// AlertTopic is the message topic used when a debate could not complete.
const AlertTopic = "war_room.escalation"

type Recorder struct {
	store    *persistence.Store
	synth    *debate.Synthesizer
	eventBus *bus.Bus
}

// NewRecorder builds a Recorder. synth may be nil; escalations then go
// straight to an alert.
func NewRecorder(store *persistence.Store, synth *debate.Synthesizer, eventBus *bus.Bus) *Recorder {
	return &Recorder{store: store, synth: synth, eventBus: eventBus}
}

// RecordParams is one reported agent cycle. Question is only read for
// ESCALATION results; when empty, the checklist item stands in for it.
type RecordParams struct {
	WorkspaceID      string
	AgentID          string
	Result           string
	ChecklistItem    string
	Context          json.RawMessage
	ActionTaken      string
	ActionResult     string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Model            string
	LatencyMS        int
	Question         string
}

// Outcome is what Record produced: the stored heartbeat and, for
// escalations, the DEBATE or ALERT message that went out.
type Outcome struct {
	Heartbeat *persistence.Heartbeat
	Message   *persistence.Message
	Verdict   *debate.Verdict // nil when the debate failed or was skipped
}

// Record stores the heartbeat and handles escalation. Missing cost is
// filled from the pricing table when the model and token counts allow it.
func (r *Recorder) Record(ctx context.Context, p RecordParams) (*Outcome, error) {
	costUSD := p.CostUSD
	if costUSD == 0 && pricing.Known(p.Model) {
		costUSD = pricing.EstimateCost(p.Model, p.PromptTokens, p.CompletionTokens)
	}

	hb, err := r.store.InsertHeartbeat(ctx, persistence.Heartbeat{
		WorkspaceID:      p.WorkspaceID,
		AgentID:          p.AgentID,
		Result:           p.Result,
		ChecklistItem:    p.ChecklistItem,
		Context:          p.Context,
		ActionTaken:      p.ActionTaken,
		ActionResult:     p.ActionResult,
		PromptTokens:     p.PromptTokens,
		CompletionTokens: p.CompletionTokens,
		CostUSD:          costUSD,
		Model:            p.Model,
		LatencyMS:        p.LatencyMS,
	})
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Heartbeat: hb}
	if p.Result != persistence.HeartbeatEscalation {
		return outcome, nil
	}

	question := p.Question
	if question == "" {
		question = p.ChecklistItem
	}
	background := ""
	if len(p.Context) > 0 {
		background = string(p.Context)
	}

	msg, verdict, err := r.escalate(ctx, p.WorkspaceID, p.AgentID, question, background)
	if err != nil {
		return nil, err
	}
	outcome.Message = msg
	outcome.Verdict = verdict
	return outcome, nil
}

// escalate runs the debate and publishes the outcome. A synthesis failure
// downgrades to a CRITICAL alert; any other failure surfaces to the caller.
func (r *Recorder) escalate(ctx context.Context, workspaceID, agentID, question, background string) (*persistence.Message, *debate.Verdict, error) {
	var verdict *debate.Verdict
	var err error
	if r.synth != nil {
		verdict, err = r.synth.Debate(ctx, question, background)
	} else {
		err = fmt.Errorf("%w: no synthesizer configured", debate.ErrSynthesisFailed)
	}

	if err != nil {
		if !errors.Is(err, debate.ErrSynthesisFailed) {
			return nil, nil, err
		}
		slog.Warn("debate failed, publishing alert instead",
			"workspace_id", workspaceID, "agent_id", agentID, "error", err)

		payload, _ := json.Marshal(map[string]string{
			"question": question,
			"error":    err.Error(),
		})
		msg, pubErr := r.store.CreateMessage(ctx, persistence.NewMessageParams{
			WorkspaceID: workspaceID,
			Kind:        persistence.KindAlert,
			FromAgent:   agentID,
			Topic:       AlertTopic,
			Priority:    persistence.PriorityCritical,
			Payload:     payload,
		})
		if pubErr != nil {
			return nil, nil, fmt.Errorf("publish escalation alert: %w", pubErr)
		}
		r.publishEvent(bus.TopicEscalationAlert, workspaceID, agentID, msg.ID, true)
		return msg, nil, nil
	}

	payload, marshalErr := json.Marshal(verdict)
	if marshalErr != nil {
		return nil, nil, fmt.Errorf("encode verdict: %w", marshalErr)
	}
	msg, pubErr := r.store.CreateMessage(ctx, persistence.NewMessageParams{
		WorkspaceID: workspaceID,
		Kind:        persistence.KindDebate,
		FromAgent:   agentID,
		Topic:       VerdictTopic,
		Priority:    persistence.PriorityHigh,
		Payload:     payload,
	})
	if pubErr != nil {
		return nil, nil, fmt.Errorf("publish debate verdict: %w", pubErr)
	}
	r.publishEvent(bus.TopicEscalationVerdict, workspaceID, agentID, msg.ID, false)
	return msg, verdict, nil
}

func (r *Recorder) publishEvent(topic, workspaceID, agentID, messageID string, failed bool) {
	if r.eventBus == nil {
		return
	}
	r.eventBus.Publish(topic, bus.EscalationEvent{
		WorkspaceID: workspaceID,
		AgentID:     agentID,
		MessageID:   messageID,
		Topic:       topic,
		Failed:      failed,
	})
}
