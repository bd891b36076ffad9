// Package prompt holds the text helpers shared by every component that
// talks to the language model.
package prompt

import (
	"fmt"
	"strings"

	"tagrouter/cli/internal/model"
)

// TurnChars caps how much of each prior query or answer is quoted back.
const TurnChars = 200

// History renders the last n turns, oldest first, each side truncated to
// TurnChars. It returns "" when there is nothing to show.
func History(cc model.ConversationContext, n int) string {
	turns := cc.Last(n)
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", clip(t.Query), clip(t.Answer))
	}
	return strings.TrimRight(b.String(), "\n")
}

// WithHistory prefixes question with a history block when one exists.
func WithHistory(question string, cc model.ConversationContext, n int) string {
	h := History(cc, n)
	if h == "" {
		return question
	}
	return "Conversation so far:\n" + h + "\n\nCurrent question: " + question
}

func clip(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= TurnChars {
		return s
	}
	return string(r[:TurnChars]) + "..."
}
