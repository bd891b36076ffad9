// Package render draws router answers and request progress in the terminal.
package render

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"

	"tagrouter/cli/internal/model"
	"tagrouter/cli/internal/sqlexec"
)

// Options controls what Answer includes besides the text.
type Options struct {
	ShowSQL  bool
	ShowRows bool
}

var (
	labelStyle = pterm.NewStyle(pterm.FgLightCyan)
	valueStyle = pterm.NewStyle(pterm.FgCyan, pterm.Bold)
	dimStyle   = pterm.NewStyle(pterm.FgGray)
)

// Answer renders a for the terminal.
func Answer(a model.Answer, opts Options) string {
	var b strings.Builder
	b.WriteString(a.Text)
	b.WriteString("\n")

	if len(a.Citations) > 0 {
		b.WriteString("\n")
		b.WriteString(labelStyle.Sprint("Sources"))
		b.WriteString("\n")
		b.WriteString(bullets(citationItems(a.Citations)))
	}

	if a.SQL != nil && a.SQL.Ran && (opts.ShowSQL || opts.ShowRows) {
		if opts.ShowSQL {
			b.WriteString("\n")
			b.WriteString(pterm.DefaultBox.
				WithTitle(valueStyle.Sprint("SQL")).
				WithPadding(1).
				Sprint(a.SQL.Query))
			b.WriteString("\n")
		}
		if opts.ShowRows && len(a.SQL.Columns) > 0 {
			b.WriteString("\n")
			b.WriteString(Rows(a.SQL.Columns, a.SQL.RowsPreview))
		}
	}

	b.WriteString("\n")
	b.WriteString(Footer(a))
	b.WriteString("\n")
	return b.String()
}

// Footer is the one-line metadata summary under an answer.
func Footer(a model.Answer) string {
	parts := []string{string(a.SourceKind), fmt.Sprintf("%dms", a.LatencyMs)}
	if a.Cached {
		parts = append(parts, fmt.Sprintf("cached, hit %d", a.HitCount))
	}
	if a.SQL != nil && a.SQL.Ran {
		if a.SQL.Truncated {
			parts = append(parts, fmt.Sprintf("more than %d rows", a.SQL.RowCount))
		} else {
			parts = append(parts, fmt.Sprintf("%d rows", a.SQL.RowCount))
		}
	}
	return dimStyle.Sprint("→ " + strings.Join(parts, " · "))
}

// Rows renders a result preview as a table.
func Rows(columns []string, rows [][]any) string {
	data := pterm.TableData{columns}
	for _, r := range rows {
		line := make([]string, len(r))
		for i, v := range r {
			line[i] = fmt.Sprint(sqlexec.Normalize(v))
		}
		data = append(data, line)
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Srender()
	if err != nil {
		return ""
	}
	return out + "\n"
}

// Tables renders a schema overview: one row per table.
func Tables(snap model.SchemaSnapshot) string {
	data := pterm.TableData{{"Table", "Columns", "Primary key", "References"}}
	for _, t := range snap.Tables {
		refs := make([]string, 0, len(t.ForeignKeys))
		for _, fk := range t.ForeignKeys {
			refs = append(refs, fk.RefTable)
		}
		data = append(data, []string{
			t.QualifiedName(),
			fmt.Sprint(len(t.Columns)),
			strings.Join(t.PrimaryKey, ", "),
			strings.Join(refs, ", "),
		})
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return ""
	}
	return out + "\n"
}

func citationItems(cs []model.Citation) []string {
	items := make([]string, 0, len(cs))
	for _, c := range cs {
		item := valueStyle.Sprint(c.DocID)
		if c.Title != "" && c.Title != c.DocID {
			item += " " + c.Title
		}
		if c.Score > 0 {
			item += dimStyle.Sprintf(" (%.2f)", c.Score)
		}
		items = append(items, item)
	}
	return items
}

func bullets(items []string) string {
	list := make([]pterm.BulletListItem, 0, len(items))
	for _, s := range items {
		list = append(list, pterm.BulletListItem{Level: 0, Text: s})
	}
	out, err := pterm.DefaultBulletList.WithItems(list).Srender()
	if err != nil {
		return strings.Join(items, "\n") + "\n"
	}
	return out
}
