// Package gate scores agent work product before it ships. Each gate type
// carries a minimum score; anything below the bar, and anything the scorer
// cannot evaluate, is held back. The gate never errors open: a dead LLM
// means nothing passes.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/warroom/internal/audit"
	"github.com/basket/warroom/internal/engine"
)

// Gate types and their minimum passing scores.
const (
	TypeContentPost   = "content_post"
	TypeOutreachEmail = "outreach_email"
	TypeQAAudit       = "qa_audit"
)

var thresholds = map[string]int{
	TypeContentPost:   65,
	TypeOutreachEmail: 70,
	TypeQAAudit:       50,
}

// DefaultThreshold applies to gate types without an explicit bar.
const DefaultThreshold = 70

// Threshold returns the minimum passing score for a gate type.
func Threshold(gateType string) int {
	if t, ok := thresholds[gateType]; ok {
		return t
	}
	return DefaultThreshold
}

// Result is the gate's verdict on one piece of work.
type Result struct {
	Approved  bool   `json:"approved"`
	Score     int    `json:"score"`
	Threshold int    `json:"threshold"`
	Reasoning string `json:"reasoning"`
}

var scoreSchema = json.RawMessage(`{
	"type": "object",
	"required": ["score", "reasoning"],
	"properties": {
		"score": {"type": "integer", "minimum": 0, "maximum": 100},
		"reasoning": {"type": "string", "minLength": 1}
	}
}`)

type scorePayload struct {
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
}

type Gate struct {
	brain     engine.Brain
	validator *engine.StructuredValidator
}

func New(brain engine.Brain) (*Gate, error) {
	validator, err := engine.NewStructuredValidator(scoreSchema)
	if err != nil {
		return nil, fmt.Errorf("compile score schema: %w", err)
	}
	return &Gate{brain: brain, validator: validator}, nil
}

// placeholderMarkers are cheap tells that a draft is unfinished. QuickCheck
// rejects content containing any of them before spending LLM tokens.
var placeholderMarkers = []string{
	"TODO",
	"TBD",
	"FIXME",
	"[PLACEHOLDER]",
	"[INSERT",
	"{{",
	"lorem ipsum",
	"XXX",
}

const (
	minContentLength = 20
	maxContentLength = 50_000
)

// QuickCheck runs the deterministic pre-filter: length bounds and
// placeholder detection. An empty reason means the content may proceed to
// scoring.
func QuickCheck(content string) (ok bool, reason string) {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < minContentLength {
		return false, fmt.Sprintf("content too short: %d chars, minimum %d", len(trimmed), minContentLength)
	}
	if len(trimmed) > maxContentLength {
		return false, fmt.Sprintf("content too long: %d chars, maximum %d", len(trimmed), maxContentLength)
	}
	lower := strings.ToLower(trimmed)
	for _, marker := range placeholderMarkers {
		needle := strings.ToLower(marker)
		if strings.Contains(lower, needle) {
			return false, fmt.Sprintf("unfinished content: contains %q", marker)
		}
	}
	return true, ""
}

const scoringSystem = `You are a strict quality reviewer for a solo founder's agent team.
Score the work product from 0 to 100 against the stated purpose and audience.
Respond with JSON only: {"score": <int>, "reasoning": "<one or two sentences>"}.`

// Evaluate scores content for a gate type, judged against its purpose and
// intended audience. The deterministic quick check runs first; only
// content that passes it is sent to the model. A scorer failure returns
// Approved=false with a nil error so callers treat it the same as a low
// score.
func (g *Gate) Evaluate(ctx context.Context, workspaceID, gateType, purpose, audience, content string) (*Result, error) {
	threshold := Threshold(gateType)

	if ok, reason := QuickCheck(content); !ok {
		result := &Result{Approved: false, Score: 0, Threshold: threshold, Reasoning: reason}
		audit.Record("deny", "gate."+gateType, reason, workspaceID, "")
		return result, nil
	}

	if strings.TrimSpace(audience) == "" {
		audience = "general"
	}
	prompt := fmt.Sprintf("Gate type: %s\nPurpose: %s\nAudience: %s\n\nWork product:\n%s",
		gateType, purpose, audience, content)
	resp, err := g.brain.Generate(ctx, engine.Request{
		System:      scoringSystem,
		Prompt:      prompt,
		Temperature: 0.1,
	})
	if err != nil {
		// Fail closed: an unreachable scorer blocks everything.
		slog.Warn("gate scorer unavailable, failing closed",
			"workspace_id", workspaceID, "gate_type", gateType, "error", err)
		reason := "scorer unavailable; holding content for manual review"
		audit.Record("deny", "gate."+gateType, reason, workspaceID, "")
		return &Result{Approved: false, Score: 0, Threshold: threshold, Reasoning: reason}, nil
	}

	var payload scorePayload
	if err := g.validator.Validate(resp.Text, &payload); err != nil {
		slog.Warn("gate scorer returned malformed output, failing closed",
			"workspace_id", workspaceID, "gate_type", gateType, "error", err)
		reason := "scorer output unusable; holding content for manual review"
		audit.Record("deny", "gate."+gateType, reason, workspaceID, "")
		return &Result{Approved: false, Score: 0, Threshold: threshold, Reasoning: reason}, nil
	}

	result := &Result{
		Approved:  payload.Score >= threshold,
		Score:     payload.Score,
		Threshold: threshold,
		Reasoning: payload.Reasoning,
	}
	decision := "deny"
	if result.Approved {
		decision = "allow"
	}
	audit.Record(decision, "gate."+gateType,
		fmt.Sprintf("score %d against threshold %d", payload.Score, threshold), workspaceID, "")
	return result, nil
}
