package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/HanTheDev/orbit-gateway/internal/datasource"
)

const (
	DefaultMaxRows = 10
	maxCellWidth   = 40
)

// Format renders a result set as a plain text table showing at most
// maxRows rows.
func Format(rs *datasource.ResultSet, maxRows int) string {
	if rs.RowCount() == 0 {
		return "No results found."
	}

	cols := rs.Columns
	if len(cols) == 0 {
		for k := range rs.Rows[0] {
			cols = append(cols, k)
		}
		sort.Strings(cols)
	}

	shown := rs.Rows
	if maxRows > 0 && len(shown) > maxRows {
		shown = shown[:maxRows]
	}

	widths := make([]int, len(cols))
	cells := make([][]string, len(shown))
	for i, c := range cols {
		widths[i] = utf8.RuneCountInString(c)
	}
	for r, row := range shown {
		cells[r] = make([]string, len(cols))
		for i, c := range cols {
			s := cell(row[c])
			cells[r][i] = s
			if n := utf8.RuneCountInString(s); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var b strings.Builder
	writeRow(&b, cols, widths)
	sep := make([]string, len(cols))
	for i, w := range widths {
		sep[i] = strings.Repeat("-", w)
	}
	writeRow(&b, sep, widths)
	for _, row := range cells {
		writeRow(&b, row, widths)
	}

	total := rs.RowCount()
	if total > len(shown) {
		fmt.Fprintf(&b, "(showing %d of %d rows)\n", len(shown), total)
	} else if total == 1 {
		b.WriteString("(1 row)\n")
	} else {
		fmt.Fprintf(&b, "(%d rows)\n", total)
	}
	return b.String()
}

func writeRow(b *strings.Builder, vals []string, widths []int) {
	for i, v := range vals {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(v)
		if i < len(vals)-1 {
			b.WriteString(strings.Repeat(" ", widths[i]-utf8.RuneCountInString(v)))
		}
	}
	b.WriteString("\n")
}

func cell(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		s = "NULL"
	case time.Time:
		s = t.Format(time.RFC3339)
	case []byte:
		s = string(t)
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		s = fmt.Sprint(t)
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > maxCellWidth {
		s = string(r[:maxCellWidth-3]) + "..."
	}
	return s
}
