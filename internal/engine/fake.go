package engine

import (
	"context"
	"fmt"
	"sync"
)

// FakeBrain is a scripted Brain for tests. Responses are returned in
// order; when the script runs out, the last entry repeats. A nil response
// slot (empty string with Err set) simulates a provider failure.
type FakeBrain struct {
	mu        sync.Mutex
	responses []FakeResponse
	calls     []Request
	next      int
	model     string
}

// FakeResponse is one scripted generation outcome.
type FakeResponse struct {
	Text string
	Err  error
}

// NewFakeBrain builds a FakeBrain that replies with the given texts.
func NewFakeBrain(texts ...string) *FakeBrain {
	fb := &FakeBrain{model: "fake-model"}
	for _, t := range texts {
		fb.responses = append(fb.responses, FakeResponse{Text: t})
	}
	return fb
}

// NewFailingBrain builds a FakeBrain whose every call fails with err.
func NewFailingBrain(err error) *FakeBrain {
	return &FakeBrain{model: "fake-model", responses: []FakeResponse{{Err: err}}}
}

// Script replaces the response sequence.
func (f *FakeBrain) Script(responses ...FakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = responses
	f.next = 0
}

// Model returns the fake model identifier.
func (f *FakeBrain) Model() string {
	return f.model
}

// Generate returns the next scripted response and records the request.
func (f *FakeBrain) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, req)
	if len(f.responses) == 0 {
		return nil, fmt.Errorf("fake brain has no scripted responses")
	}
	resp := f.responses[f.next]
	if f.next < len(f.responses)-1 {
		f.next++
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &Result{Text: resp.Text, PromptTokens: 100, CompletionTokens: 50}, nil
}

// Calls returns every request seen so far.
func (f *FakeBrain) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.calls))
	copy(out, f.calls)
	return out
}
