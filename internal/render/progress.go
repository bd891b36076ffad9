package render

import (
	"sync"

	"atomicgo.dev/cursor"
	"github.com/pterm/pterm"

	"tagrouter/cli/internal/model"
	"tagrouter/cli/internal/orchestrator"
)

// Progress shows one spinner line that follows a request through the
// pipeline states.
type Progress struct {
	mu      sync.Mutex
	spinner *pterm.SpinnerPrinter
}

// StartProgress hides the cursor and starts the spinner. A nil *Progress is
// returned when the spinner cannot start; all methods accept nil.
func StartProgress(text string) *Progress {
	cursor.Hide()
	sp, err := pterm.DefaultSpinner.WithRemoveWhenDone(true).Start(text)
	if err != nil {
		cursor.Show()
		return nil
	}
	return &Progress{spinner: sp}
}

// Observe is an orchestrator observer.
func (p *Progress) Observe(ev orchestrator.Event) {
	if p == nil {
		return
	}
	text := StateText(ev.State, ev.Intent)
	if text == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spinner != nil {
		p.spinner.UpdateText(text)
	}
}

// Stop removes the spinner and restores the cursor.
func (p *Progress) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spinner != nil {
		_ = p.spinner.Stop()
		p.spinner = nil
	}
	cursor.Show()
}

var sourceText = map[model.Intent]string{
	model.StructuredQuery:    "querying the database",
	model.KnowledgeRetrieval: "searching the knowledge base",
	model.GeneralChat:        "thinking",
}

// StateText describes what the router does after entering s. Terminal
// states have no text.
func StateText(s orchestrator.State, intent model.Intent) string {
	switch s {
	case orchestrator.Received, orchestrator.Sanitized:
		return "checking the answer cache"
	case orchestrator.CacheChecked:
		return "understanding the question"
	case orchestrator.Classified, orchestrator.Dispatched:
		if t, ok := sourceText[intent]; ok {
			return t
		}
		return "thinking"
	case orchestrator.Answered, orchestrator.Cached:
		return "finishing up"
	}
	return ""
}
