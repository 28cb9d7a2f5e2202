package generate

import (
	"fmt"
	"strings"

	"github.com/querywave/querywave/internal/schema"
)

// maxSummaryColumns caps how many columns a single table contributes to the
// prompt, keeping wide tables from drowning out the rest of the schema.
const maxSummaryColumns = 40

// SummarizeGraph renders a schema graph into the compact text format the
// translator prompt uses. Tables appear in upload order; foreign keys are
// listed once at the end.
func SummarizeGraph(g *schema.Graph) string {
	var b strings.Builder
	for i, table := range g.Tables() {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "TABLE %s\n", table.Name)
		cols := make([]string, 0, len(table.Columns))
		for _, c := range table.Columns {
			if len(cols) == maxSummaryColumns {
				cols = append(cols, fmt.Sprintf("(+%d more)", len(table.Columns)-maxSummaryColumns))
				break
			}
			cols = append(cols, describeColumn(c))
		}
		fmt.Fprintf(&b, "COLUMNS: %s\n", strings.Join(cols, ", "))
	}

	fks := g.ForeignKeys()
	if len(fks) > 0 {
		b.WriteString("\nFOREIGN KEYS:\n")
		for _, fk := range fks {
			fmt.Fprintf(&b, "%s.%s -> %s.%s\n", fk.Table, fk.Column, fk.RefTable, fk.RefColumn)
		}
	}
	return b.String()
}

func describeColumn(c schema.Column) string {
	desc := c.Name
	if c.Type != "" {
		desc += " " + c.Type
	}
	var flags []string
	if c.PrimaryKey {
		flags = append(flags, "PK")
	}
	if c.NotNull {
		flags = append(flags, "NOT NULL")
	}
	if len(flags) > 0 {
		desc += " [" + strings.Join(flags, ", ") + "]"
	}
	return desc
}
