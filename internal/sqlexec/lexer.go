// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package sqlexec

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokIdent       tokenKind = iota // bare identifier or keyword
	tokQuotedIdent                  // "Identifier"
	tokString                       // 'text', E'text', $tag$text$tag$
	tokNumber
	tokPunct // ( ) , . ; [ ]
	tokOp    // operators, including :: and *
	tokParam // $1
)

type token struct {
	kind tokenKind
	text string
	// upper is the upper-cased text of bare identifiers.
	upper string
}

func (t token) is(kind tokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

func (t token) keyword(kw string) bool {
	return t.kind == tokIdent && t.upper == kw
}

// identName returns the identifier text as it should be compared with schema
// names: quoted identifiers keep their case, bare ones are folded.
func (t token) identName() string {
	if t.kind == tokQuotedIdent {
		return t.text
	}
	return strings.ToLower(t.text)
}

func (t token) isIdent() bool {
	return t.kind == tokIdent || t.kind == tokQuotedIdent
}

// lex splits PostgreSQL text into tokens, dropping whitespace and comments.
// An unterminated string, quoted identifier or block comment yields ok=false.
func lex(src string) (toks []token, ok bool) {
	r := []rune(src)
	n := len(r)
	for i := 0; i < n; {
		c := r[i]
		switch {
		case unicode.IsSpace(c):
			i++

		case c == '-' && i+1 < n && r[i+1] == '-':
			for i < n && r[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < n && r[i+1] == '*':
			depth := 0
			closed := false
			for i < n {
				if r[i] == '/' && i+1 < n && r[i+1] == '*' {
					depth++
					i += 2
					continue
				}
				if r[i] == '*' && i+1 < n && r[i+1] == '/' {
					depth--
					i += 2
					if depth == 0 {
						closed = true
						break
					}
					continue
				}
				i++
			}
			if !closed {
				return nil, false
			}

		case c == '\'' || ((c == 'E' || c == 'e') && i+1 < n && r[i+1] == '\''):
			if c != '\'' {
				i++
			}
			j, closed := scanQuoted(r, i, '\'')
			if !closed {
				return nil, false
			}
			toks = append(toks, token{kind: tokString, text: string(r[i+1 : j-1])})
			i = j

		case c == '"':
			j, closed := scanQuoted(r, i, '"')
			if !closed {
				return nil, false
			}
			text := strings.ReplaceAll(string(r[i+1:j-1]), `""`, `"`)
			toks = append(toks, token{kind: tokQuotedIdent, text: text})
			i = j

		case c == '$' && i+1 < n && unicode.IsDigit(r[i+1]):
			j := i + 1
			for j < n && unicode.IsDigit(r[j]) {
				j++
			}
			toks = append(toks, token{kind: tokParam, text: string(r[i:j])})
			i = j

		case c == '$':
			// Dollar-quoted string: $tag$ ... $tag$
			j := i + 1
			for j < n && (unicode.IsLetter(r[j]) || unicode.IsDigit(r[j]) || r[j] == '_') {
				j++
			}
			if j >= n || r[j] != '$' {
				toks = append(toks, token{kind: tokOp, text: "$"})
				i++
				continue
			}
			tag := string(r[i : j+1])
			body := string(r[j+1:])
			end := strings.Index(body, tag)
			if end < 0 {
				return nil, false
			}
			toks = append(toks, token{kind: tokString, text: body[:end]})
			i = j + 1 + len([]rune(body[:end])) + len([]rune(tag))

		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < n && (unicode.IsLetter(r[j]) || unicode.IsDigit(r[j]) || r[j] == '_' || r[j] == '$') {
				j++
			}
			text := string(r[i:j])
			toks = append(toks, token{kind: tokIdent, text: text, upper: strings.ToUpper(text)})
			i = j

		case unicode.IsDigit(c) || (c == '.' && i+1 < n && unicode.IsDigit(r[i+1])):
			j := i
			for j < n && (unicode.IsDigit(r[j]) || r[j] == '.' || r[j] == 'e' || r[j] == 'E' ||
				((r[j] == '+' || r[j] == '-') && j > i && (r[j-1] == 'e' || r[j-1] == 'E'))) {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: string(r[i:j])})
			i = j

		case strings.ContainsRune("(),.;[]", c):
			toks = append(toks, token{kind: tokPunct, text: string(c)})
			i++

		default:
			j := i + 1
			for j < n && strings.ContainsRune("+-*/<>=~!@#%^&|`?:", r[j]) {
				// Stop before a comment opener glued to an operator.
				if (r[j] == '-' && j+1 < n && r[j+1] == '-') || (r[j] == '/' && j+1 < n && r[j+1] == '*') {
					break
				}
				j++
			}
			toks = append(toks, token{kind: tokOp, text: string(r[i:j])})
			i = j
		}
	}
	return toks, true
}

// scanQuoted returns the index just past the closing quote starting at
// r[start] == q. Doubled quotes are escapes. Backslashes are never treated as
// escapes: for E'' strings this ends the token early, which only makes the
// guard stricter.
func scanQuoted(r []rune, start int, q rune) (int, bool) {
	for j := start + 1; j < len(r); j++ {
		if r[j] == q {
			if j+1 < len(r) && r[j+1] == q {
				j++
				continue
			}
			return j + 1, true
		}
	}
	return 0, false
}
