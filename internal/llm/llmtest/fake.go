// Package llmtest provides deterministic Generator and Embedder fakes.
package llmtest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"tagrouter/cli/internal/llm"
)

// Rule answers any prompt that contains Contains (and, when set, whose system
// prompt contains System).
type Rule struct {
	System   string
	Contains string
	Reply    string
	Err      error
}

// Generator replies from an ordered rule list and records every call.
type Generator struct {
	mu    sync.Mutex
	rules []Rule
	// Fallback is returned when no rule matches.
	Fallback string
	// Delay simulates upstream latency; it honours ctx.
	Delay time.Duration
	// Fail makes every call return this error.
	Fail  error
	calls []Call
}

// Call is one recorded Generate invocation.
type Call struct {
	Prompt      string
	Constraints llm.Constraints
}

// NewGenerator returns a fake with the given rules.
func NewGenerator(rules ...Rule) *Generator {
	return &Generator{rules: rules}
}

// On appends a rule.
func (g *Generator) On(contains, reply string) *Generator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, Rule{Contains: contains, Reply: reply})
	return g
}

// OnSystem appends a rule that also requires the system prompt to contain sys.
func (g *Generator) OnSystem(sys, contains, reply string) *Generator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, Rule{System: sys, Contains: contains, Reply: reply})
	return g
}

func (g *Generator) Generate(ctx context.Context, prompt string, c llm.Constraints) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, Call{Prompt: prompt, Constraints: c})
	rules := append([]Rule(nil), g.rules...)
	fail, delay, fallback := g.Fail, g.Delay, g.Fallback
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	if fail != nil {
		return "", fail
	}
	for _, r := range rules {
		if r.System != "" && !strings.Contains(c.System, r.System) {
			continue
		}
		if strings.Contains(prompt, r.Contains) {
			return r.Reply, r.Err
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", errors.New("llmtest: no rule for prompt")
}

// Calls returns a copy of the recorded calls.
func (g *Generator) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Call(nil), g.calls...)
}

// CallCount returns how many calls had a system prompt containing sys.
func (g *Generator) CallCount(sys string) int {
	n := 0
	for _, c := range g.Calls() {
		if strings.Contains(c.Constraints.System, sys) {
			n++
		}
	}
	return n
}

// Embedder wraps llm.Hashing and can be told to fail.
type Embedder struct {
	*llm.Hashing
	mu    sync.Mutex
	Fail  error
	calls int
}

// NewEmbedder returns a deterministic hashing embedder.
func NewEmbedder() *Embedder {
	return &Embedder{Hashing: llm.NewHashing(256)}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	fail := e.Fail
	e.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return e.Hashing.Embed(ctx, texts)
}

// Calls returns how many times Embed was called.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Fixed is an Embedder that returns preset vectors by exact text.
type Fixed map[string][]float32

func (f Fixed) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f[t]
		if !ok {
			return nil, errors.New("llmtest: no vector for " + t)
		}
		out[i] = v
	}
	return out, nil
}
