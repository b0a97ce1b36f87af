// Package debate turns an escalated question into a structured verdict:
// two opposing stances argued separately, then a synthesis pass that picks
// a recommendation. When any pass fails the caller falls back to a plain
// alert rather than shipping a half-argued verdict.
package debate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/warroom/internal/engine"
)

// ErrSynthesisFailed wraps any failure in the debate pipeline. Callers
// publish an ALERT instead of a DEBATE message when they see it.
var ErrSynthesisFailed = errors.New("synthesis failed")

// Verdict is the synthesized outcome of a debate.
type Verdict struct {
	Question       string `json:"question"`
	StanceA        string `json:"stance_a"`
	StanceB        string `json:"stance_b"`
	Recommendation string `json:"recommendation"`
	Confidence     string `json:"confidence"` // low, medium, high
}

var verdictSchema = json.RawMessage(`{
	"type": "object",
	"required": ["recommendation", "confidence"],
	"properties": {
		"recommendation": {"type": "string", "minLength": 1},
		"confidence": {"type": "string", "enum": ["low", "medium", "high"]}
	}
}`)

type verdictPayload struct {
	Recommendation string `json:"recommendation"`
	Confidence     string `json:"confidence"`
}

const stanceASystem = `You argue one side of a business decision for a solo founder.
Your lens: the user and the runway. Favor what existing users actually asked for
and what keeps spend low. Argue your side in at most 150 words. Plain text.`

const stanceBSystem = `You argue one side of a business decision for a solo founder.
Your lens: velocity and first principles. Favor the bold move that compounds,
even if it costs more now. Argue your side in at most 150 words. Plain text.`

const synthesisSystem = `You are the tiebreaker for a solo founder. Two advisors argued
opposite sides of a decision. Weigh both arguments and commit to one recommendation.
Respond with JSON only: {"recommendation": "<what to do and why, two or three sentences>",
"confidence": "low" | "medium" | "high"}.`

type Synthesizer struct {
	brain     engine.Brain
	validator *engine.StructuredValidator
}

func NewSynthesizer(brain engine.Brain) (*Synthesizer, error) {
	validator, err := engine.NewStructuredValidator(verdictSchema)
	if err != nil {
		return nil, fmt.Errorf("compile verdict schema: %w", err)
	}
	return &Synthesizer{brain: brain, validator: validator}, nil
}

// Debate argues both stances and synthesizes a verdict. Question is what
// the agent escalated; background is whatever context the heartbeat
// carried.
func (s *Synthesizer) Debate(ctx context.Context, question, background string) (*Verdict, error) {
	prompt := fmt.Sprintf("Decision: %s\n\nBackground:\n%s", question, background)

	stanceA, err := s.brain.Generate(ctx, engine.Request{
		System:      stanceASystem,
		Prompt:      prompt,
		Temperature: 0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: stance A: %v", ErrSynthesisFailed, err)
	}
	stanceB, err := s.brain.Generate(ctx, engine.Request{
		System:      stanceBSystem,
		Prompt:      prompt,
		Temperature: 0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: stance B: %v", ErrSynthesisFailed, err)
	}

	synthesisPrompt := fmt.Sprintf("Decision: %s\n\nAdvisor A argued:\n%s\n\nAdvisor B argued:\n%s",
		question, stanceA.Text, stanceB.Text)
	synthesis, err := s.brain.Generate(ctx, engine.Request{
		System:      synthesisSystem,
		Prompt:      synthesisPrompt,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: synthesis: %v", ErrSynthesisFailed, err)
	}

	var payload verdictPayload
	if err := s.validator.Validate(synthesis.Text, &payload); err != nil {
		slog.Warn("debate synthesis produced unusable output", "question", question, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}

	return &Verdict{
		Question:       question,
		StanceA:        stanceA.Text,
		StanceB:        stanceB.Text,
		Recommendation: payload.Recommendation,
		Confidence:     payload.Confidence,
	}, nil
}
