package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/warroom/internal/debate"
	"github.com/basket/warroom/internal/engine"
	"github.com/basket/warroom/internal/persistence"
)

func newTestRecorder(t *testing.T, brain engine.Brain) (*Recorder, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "warroom.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var synth *debate.Synthesizer
	if brain != nil {
		synth, err = debate.NewSynthesizer(brain)
		if err != nil {
			t.Fatalf("NewSynthesizer: %v", err)
		}
	}
	return NewRecorder(store, synth, nil), store
}

func TestRecord_PlainCycle(t *testing.T) {
	r, _ := newTestRecorder(t, nil)

	outcome, err := r.Record(context.Background(), RecordParams{
		WorkspaceID:   "ws-1",
		AgentID:       "growth",
		Result:        persistence.HeartbeatOK,
		ChecklistItem: "check signup funnel",
		LatencyMS:     420,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if outcome.Heartbeat == nil || outcome.Message != nil {
		t.Fatalf("outcome = %+v, want heartbeat only", outcome)
	}
}

func TestRecord_FillsCostFromPricingTable(t *testing.T) {
	r, _ := newTestRecorder(t, nil)

	outcome, err := r.Record(context.Background(), RecordParams{
		WorkspaceID:      "ws-1",
		AgentID:          "growth",
		Result:           persistence.HeartbeatOK,
		Model:            "gemini-2.5-flash",
		PromptTokens:     1_000_000,
		CompletionTokens: 1_000_000,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	// 0.075 + 0.30 per 1M tokens.
	if got := outcome.Heartbeat.CostUSD; got < 0.37 || got > 0.38 {
		t.Fatalf("cost = %f, want ~0.375", got)
	}
}

func TestRecord_ReportedCostWins(t *testing.T) {
	r, _ := newTestRecorder(t, nil)

	outcome, err := r.Record(context.Background(), RecordParams{
		WorkspaceID: "ws-1", AgentID: "a", Result: persistence.HeartbeatOK,
		Model: "gemini-2.5-flash", PromptTokens: 1000, CompletionTokens: 1000,
		CostUSD: 9.99,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if outcome.Heartbeat.CostUSD != 9.99 {
		t.Fatalf("cost = %f, reported cost should not be overwritten", outcome.Heartbeat.CostUSD)
	}
}

func TestRecord_EscalationPublishesDebateVerdict(t *testing.T) {
	brain := engine.NewFakeBrain(
		"Hold the price.",
		"Raise the price.",
		`{"recommendation": "Raise for new signups only.", "confidence": "high"}`,
	)
	r, store := newTestRecorder(t, brain)
	ctx := context.Background()

	outcome, err := r.Record(ctx, RecordParams{
		WorkspaceID:   "ws-1",
		AgentID:       "growth",
		Result:        persistence.HeartbeatEscalation,
		ChecklistItem: "pricing review",
		Question:      "Should we raise prices 20%?",
		Context:       json.RawMessage(`{"mrr_trend": "flat"}`),
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if outcome.Message == nil {
		t.Fatal("escalation should publish a message")
	}
	if outcome.Message.Kind != persistence.KindDebate {
		t.Fatalf("kind = %q, want DEBATE", outcome.Message.Kind)
	}
	if outcome.Message.Topic != VerdictTopic {
		t.Fatalf("topic = %q, want %q", outcome.Message.Topic, VerdictTopic)
	}
	if outcome.Message.Priority != persistence.PriorityHigh {
		t.Fatalf("priority = %q, want HIGH", outcome.Message.Priority)
	}
	if outcome.Message.ToAgent != "" {
		t.Fatal("verdict should broadcast to the workspace")
	}
	if outcome.Verdict == nil || outcome.Verdict.Confidence != "high" {
		t.Fatalf("verdict = %+v", outcome.Verdict)
	}

	// The verdict payload must carry both stances.
	var stored debate.Verdict
	if err := json.Unmarshal(outcome.Message.Payload, &stored); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if stored.StanceA == "" || stored.StanceB == "" {
		t.Fatalf("payload missing stances: %+v", stored)
	}

	msg, err := store.GetMessage(ctx, outcome.Message.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.Status != persistence.MessagePending {
		t.Fatalf("published message status = %q", msg.Status)
	}
}

func TestRecord_SynthesisFailureDowngradesToAlert(t *testing.T) {
	brain := engine.NewFailingBrain(errors.New("provider down"))
	r, _ := newTestRecorder(t, brain)

	outcome, err := r.Record(context.Background(), RecordParams{
		WorkspaceID: "ws-1",
		AgentID:     "growth",
		Result:      persistence.HeartbeatEscalation,
		Question:    "Should we raise prices 20%?",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if outcome.Message == nil || outcome.Message.Kind != persistence.KindAlert {
		t.Fatalf("message = %+v, want ALERT on synthesis failure", outcome.Message)
	}
	if outcome.Message.Priority != persistence.PriorityCritical {
		t.Fatalf("priority = %q, want CRITICAL", outcome.Message.Priority)
	}
	if outcome.Verdict != nil {
		t.Fatal("no verdict should accompany a failed debate")
	}

	var payload map[string]string
	if err := json.Unmarshal(outcome.Message.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["question"] != "Should we raise prices 20%?" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestRecord_NoSynthesizerStillAlerts(t *testing.T) {
	r, _ := newTestRecorder(t, nil)

	outcome, err := r.Record(context.Background(), RecordParams{
		WorkspaceID: "ws-1", AgentID: "a",
		Result: persistence.HeartbeatEscalation, ChecklistItem: "weekly review",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if outcome.Message == nil || outcome.Message.Kind != persistence.KindAlert {
		t.Fatalf("message = %+v, want ALERT", outcome.Message)
	}
}
