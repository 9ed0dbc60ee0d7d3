package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
)

// Table outputs tabular data in text format. Widths are measured in
// terminal cells.
type Table struct {
	writer   io.Writer
	headers  []string
	rows     [][]string
	widths   []int
	maxWidth int
}

// NewTable creates a new table with headers
func NewTable(w io.Writer, headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	return &Table{writer: w, headers: headers, widths: widths}
}

// SetMaxWidth caps every column at n cells; longer cells are truncated.
func (t *Table) SetMaxWidth(n int) *Table {
	t.maxWidth = n
	return t
}

// AddRow adds a row to the table
func (t *Table) AddRow(cols ...string) {
	row := make([]string, len(t.headers))
	for i := range row {
		if i >= len(cols) {
			continue
		}
		c := cols[i]
		if t.maxWidth > 0 {
			c = Truncate(c, t.maxWidth)
		}
		row[i] = c
		if w := runewidth.StringWidth(c); w > t.widths[i] {
			t.widths[i] = w
		}
	}
	t.rows = append(t.rows, row)
}

// Render outputs the table
func (t *Table) Render() {
	t.renderRow(t.headers)
	seps := make([]string, len(t.widths))
	for i, w := range t.widths {
		seps[i] = strings.Repeat("-", w)
	}
	t.renderRow(seps)
	for _, row := range t.rows {
		t.renderRow(row)
	}
}

func (t *Table) renderRow(cols []string) {
	var sb strings.Builder
	sb.WriteString(" ")
	for i, c := range cols {
		sb.WriteString(" ")
		if i == len(cols)-1 {
			sb.WriteString(c)
			break
		}
		sb.WriteString(runewidth.FillRight(c, t.widths[i]))
		sb.WriteString(" ")
	}
	fmt.Fprintln(t.writer, strings.TrimRight(sb.String(), " "))
}

// Truncate shortens s to at most maxWidth cells, adding "..." if needed
func Truncate(s string, maxWidth int) string {
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	if maxWidth <= 3 {
		return runewidth.Truncate(s, maxWidth, "")
	}
	return runewidth.Truncate(s, maxWidth, "...")
}

// Pluralize returns singular or plural form based on count
func Pluralize(count int, singular, plural string) string {
	if count == 1 {
		return singular
	}
	return plural
}

// CountStr returns "N item(s)" string
func CountStr(count int, singular, plural string) string {
	return fmt.Sprintf("%d %s", count, Pluralize(count, singular, plural))
}
