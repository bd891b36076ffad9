// Package sanitize cleans raw user text before anything else reads it.
//
// Sanitizing never fails. It removes control characters, replaces personal
// data with <KIND> placeholders, neutralizes query-injection sequences and
// collapses whitespace. The steps are repeated until the text stops changing,
// so Sanitize(Sanitize(x)) == Sanitize(x).
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Pattern is one named redaction rule.
type Pattern struct {
	Name string
	Re   *regexp.Regexp
}

var (
	reEmail = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	rePhone = regexp.MustCompile(`(?:\+?\d{1,3}[-. ]?)?(?:\(\d{3}\)|\b\d{3})[-. ]?\d{3}[-. ]?\d{4}\b`)

	rePlaceholder = regexp.MustCompile(`<[A-Z][A-Z0-9_]*>`)

	reComment   = regexp.MustCompile(`--+|/\*|\*/`)
	reStacked   = regexp.MustCompile(`(?i);[;\s]*(drop|delete|insert|update|alter|truncate|create|grant|revoke|exec|execute|select|union|merge|call|copy)\b`)
	reTautology = regexp.MustCompile(`(?i)['"]\s*(or|and)\s+['"]?\w+['"]?\s*=\s*['"]?\w+['"]?`)
	reUnion     = regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`)
	reSpace     = regexp.MustCompile(`\s+`)
)

// DefaultPatterns are applied by every Sanitizer before configured ones.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "EMAIL", Re: reEmail},
		{Name: "PHONE", Re: rePhone},
	}
}

// Report describes what a sanitize call changed.
type Report struct {
	Text               string
	Redactions         map[string]int
	InjectionSuspected bool
}

// Sanitizer holds the redaction rules. It is safe for concurrent use.
type Sanitizer struct {
	patterns []Pattern
}

// New builds a Sanitizer with the default rules plus extra, given as name→regex.
func New(extra map[string]string) (*Sanitizer, error) {
	s := &Sanitizer{patterns: DefaultPatterns()}
	for name, expr := range extra {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("sanitize pattern %s: %w", name, err)
		}
		s.patterns = append(s.patterns, Pattern{Name: strings.ToUpper(name), Re: re})
	}
	return s, nil
}

// Default returns a Sanitizer with only the built-in rules.
func Default() *Sanitizer {
	return &Sanitizer{patterns: DefaultPatterns()}
}

// Sanitize returns the cleaned text.
func (s *Sanitizer) Sanitize(raw string) string {
	return s.Inspect(raw).Text
}

// Inspect sanitizes raw and reports what was redacted or neutralized.
func (s *Sanitizer) Inspect(raw string) Report {
	rep := Report{Redactions: map[string]int{}}
	cur := raw
	// A pass that changes the text removes characters outside placeholders or
	// removes a separator, so 2*len(raw)+1 passes always reach the fixpoint.
	for i := 0; i <= 2*len(raw)+1; i++ {
		next, injected := s.pass(cur, rep.Redactions)
		rep.InjectionSuspected = rep.InjectionSuspected || injected
		if next == cur {
			break
		}
		cur = next
	}
	rep.Text = cur
	return rep
}

func (s *Sanitizer) pass(in string, counts map[string]int) (string, bool) {
	out := stripControl(in)
	out = s.redact(out, counts)
	out, injected := neutralize(out)
	out = strings.TrimSpace(reSpace.ReplaceAllString(out, " "))
	return out, injected
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r), r == unicode.ReplacementChar:
			return -1
		}
		return r
	}, s)
}

// redact applies every pattern to the text between existing placeholders,
// so a placeholder is never rewritten by a later rule.
func (s *Sanitizer) redact(in string, counts map[string]int) string {
	for _, p := range s.patterns {
		token := "<" + p.Name + ">"
		in = mapOutsidePlaceholders(in, func(seg string) string {
			return p.Re.ReplaceAllStringFunc(seg, func(string) string {
				counts[p.Name]++
				return token
			})
		})
	}
	return in
}

func mapOutsidePlaceholders(in string, fn func(string) string) string {
	locs := rePlaceholder.FindAllStringIndex(in, -1)
	if len(locs) == 0 {
		return fn(in)
	}
	var b strings.Builder
	prev := 0
	for _, loc := range locs {
		b.WriteString(fn(in[prev:loc[0]]))
		b.WriteString(in[loc[0]:loc[1]])
		prev = loc[1]
	}
	b.WriteString(fn(in[prev:]))
	return b.String()
}

// neutralize removes comment markers and statement separators that introduce a
// second statement, and unquotes tautologies. It reports whether anything
// injection-like was present.
func neutralize(in string) (string, bool) {
	injected := reUnion.MatchString(in)

	if reComment.MatchString(in) {
		injected = true
		in = reComment.ReplaceAllString(in, " ")
	}
	if reStacked.MatchString(in) {
		injected = true
		in = reStacked.ReplaceAllString(in, " $1")
	}
	if reTautology.MatchString(in) {
		injected = true
		in = reTautology.ReplaceAllStringFunc(in, func(m string) string {
			return strings.NewReplacer(`'`, "", `"`, "").Replace(m)
		})
	}
	return in, injected
}

var std = Default()

// Sanitize cleans raw with the built-in rules.
func Sanitize(raw string) string { return std.Sanitize(raw) }
