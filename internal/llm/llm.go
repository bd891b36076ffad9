// Package llm is the narrow boundary to the language model.
//
// Every component that needs generated text depends on Generator and every
// component that needs vectors depends on Embedder. Tests substitute the
// scripted fakes in llmtest.
package llm

import (
	"context"
	"strings"
)

// Constraints shape a single generation.
type Constraints struct {
	System      string
	MaxTokens   int
	Temperature float32
	// JSON asks the model for a single JSON object.
	JSON bool
	Stop []string
}

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, c Constraints) (string, error)
}

// Embedder maps texts to vectors of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, c Constraints) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, c Constraints) (string, error) {
	return f(ctx, prompt, c)
}

// ExtractJSON returns the first balanced {...} object in s, tolerating code
// fences and prose around it. It returns "" when none is found.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inStr, esc := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case esc:
			esc = false
		case c == '\\' && inStr:
			esc = true
		case c == '"':
			inStr = !inStr
		case inStr:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
