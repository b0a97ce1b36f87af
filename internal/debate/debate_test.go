package debate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/basket/warroom/internal/engine"
)

func TestDebate_ProducesVerdict(t *testing.T) {
	brain := engine.NewFakeBrain(
		"Keep the current pricing; users chose us for predictability.",
		"Raise prices now; underpricing compounds against you.",
		`{"recommendation": "Raise prices for new signups only, grandfather existing users.", "confidence": "medium"}`,
	)
	s, err := NewSynthesizer(brain)
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}

	verdict, err := s.Debate(context.Background(), "Should we raise prices 20%?", "MRR flat for 3 months")
	if err != nil {
		t.Fatalf("Debate: %v", err)
	}
	if verdict.StanceA == "" || verdict.StanceB == "" {
		t.Fatalf("verdict missing stances: %+v", verdict)
	}
	if !strings.Contains(verdict.Recommendation, "grandfather") {
		t.Fatalf("recommendation = %q", verdict.Recommendation)
	}
	if verdict.Confidence != "medium" {
		t.Fatalf("confidence = %q", verdict.Confidence)
	}

	// Each pass must use its own system prompt.
	calls := brain.Calls()
	if len(calls) != 3 {
		t.Fatalf("brain calls = %d, want 3", len(calls))
	}
	if calls[0].System == calls[1].System {
		t.Fatal("the two stances should argue from different lenses")
	}
}

func TestDebate_StanceFailureIsSynthesisFailed(t *testing.T) {
	brain := engine.NewFailingBrain(errors.New("provider down"))
	s, err := NewSynthesizer(brain)
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}

	if _, err := s.Debate(context.Background(), "q", "bg"); !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("err = %v, want ErrSynthesisFailed", err)
	}
}

func TestDebate_MalformedSynthesisIsSynthesisFailed(t *testing.T) {
	brain := engine.NewFakeBrain(
		"Stance A argument.",
		"Stance B argument.",
		"On balance I would probably raise prices.",
	)
	s, err := NewSynthesizer(brain)
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}

	if _, err := s.Debate(context.Background(), "q", "bg"); !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("err = %v, want ErrSynthesisFailed", err)
	}
}

func TestDebate_BadConfidenceEnumFails(t *testing.T) {
	brain := engine.NewFakeBrain(
		"Stance A argument.",
		"Stance B argument.",
		`{"recommendation": "do it", "confidence": "certain"}`,
	)
	s, err := NewSynthesizer(brain)
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}

	if _, err := s.Debate(context.Background(), "q", "bg"); !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("err = %v, want ErrSynthesisFailed", err)
	}
}
