package sqlagent

import (
	"sort"
	"strings"

	"tagrouter/cli/internal/llm"
	"tagrouter/cli/internal/model"
)

// SelectTables narrows snap to the tables a question is likely about.
//
// A table is selected when a question word matches its name (or a part of
// a snake_case name, singular or plural). Tables referenced by a selected
// table's foreign keys are added so joins stay possible. When no name
// matches, tables with a matching column are used; when nothing matches at
// all, every table is returned.
func SelectTables(question string, snap model.SchemaSnapshot) []string {
	words := map[string]bool{}
	for _, w := range llm.Tokens(question) {
		words[w] = true
		words[singular(w)] = true
	}

	var byName, byColumn []string
	for _, t := range snap.Tables {
		if nameMatches(t.Name, words) {
			byName = append(byName, t.QualifiedName())
			continue
		}
		for _, c := range t.Columns {
			if nameMatches(c.Name, words) && !genericColumn(c.Name) {
				byColumn = append(byColumn, t.QualifiedName())
				break
			}
		}
	}

	picked := byName
	if len(picked) == 0 {
		picked = byColumn
	}
	if len(picked) == 0 {
		all := make([]string, 0, len(snap.Tables))
		for _, t := range snap.Tables {
			all = append(all, t.QualifiedName())
		}
		return all
	}

	seen := map[string]bool{}
	for _, p := range picked {
		seen[p] = true
	}
	for _, p := range picked {
		t, ok := snap.Table(p)
		if !ok {
			continue
		}
		for _, fk := range t.ForeignKeys {
			if ref, ok := snap.Table(fk.RefTable); ok && !seen[ref.QualifiedName()] {
				seen[ref.QualifiedName()] = true
				picked = append(picked, ref.QualifiedName())
			}
		}
	}
	sort.Strings(picked)
	return picked
}

func nameMatches(name string, words map[string]bool) bool {
	name = strings.ToLower(name)
	if words[name] || words[singular(name)] {
		return true
	}
	parts := strings.Split(name, "_")
	if len(parts) == 1 {
		return false
	}
	for _, p := range parts {
		if len(p) > 2 && (words[p] || words[singular(p)]) {
			return true
		}
	}
	return false
}

// genericColumn names appear in most tables and say nothing about relevance.
func genericColumn(name string) bool {
	switch strings.ToLower(name) {
	case "id", "name", "created_at", "updated_at", "deleted_at", "created", "updated", "status", "type":
		return true
	}
	return false
}

func singular(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 4 && (strings.HasSuffix(w, "ses") || strings.HasSuffix(w, "xes") ||
		strings.HasSuffix(w, "ches") || strings.HasSuffix(w, "shes")):
		return w[:len(w)-2]
	case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:len(w)-1]
	}
	return w
}
