package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"

	"tagrouter/cli/internal/orchestrator"
	"tagrouter/cli/internal/render"
)

// errReported marks a failure that has already been shown to the user.
var errReported = errors.New("reported")

var spinnerFrames = []string{"-", "\\", "|", "/"}

// startInlineSpinner draws frames followed by text on the current line
// until the returned function is called, which clears the line.
func startInlineSpinner(w io.Writer, text string, frames []string, interval time.Duration) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		i := 0
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			line := fmt.Sprintf("%s %s", frames[i%len(frames)], text)
			select {
			case <-stop:
				fmt.Fprintf(w, "\r%*s\r", len(line), "")
				return
			case <-ticker.C:
				fmt.Fprintf(w, "\r%s", line)
				i++
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
		})
	}
}

// interactive reports whether stdout is a terminal.
func interactive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// progressRelay forwards orchestrator events to whichever spinner is
// currently running. The orchestrator's observer is fixed at build time
// while spinners come and go per question.
type progressRelay struct {
	mu sync.Mutex
	p  *render.Progress
}

func (r *progressRelay) Observe(ev orchestrator.Event) {
	r.mu.Lock()
	p := r.p
	r.mu.Unlock()
	p.Observe(ev)
}

func (r *progressRelay) Start(text string) {
	if !interactive() {
		return
	}
	p := render.StartProgress(text)
	r.mu.Lock()
	r.p = p
	r.mu.Unlock()
}

func (r *progressRelay) Stop() {
	r.mu.Lock()
	p := r.p
	r.p = nil
	r.mu.Unlock()
	p.Stop()
}
