// Package schema models uploaded relational schemas as an immutable graph of
// tables, columns, and foreign keys, and parses DDL text into that graph.
package schema

import (
	"fmt"
	"strings"
)

// Column is a single column definition. The declared type is recorded
// verbatim from the DDL; only nullability and primary-key-ness are derived.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"not_null"`
	PrimaryKey bool   `json:"primary_key"`
}

// ForeignKey is a directed edge from (Table, Column) to (RefTable, RefColumn).
// Names are stored as written; comparisons are case-insensitive.
type ForeignKey struct {
	Table     string `json:"table"`
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
}

// Table holds an ordered column list with case-insensitive lookup and the
// table's outgoing foreign keys.
type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`

	columnIndex map[string]int
}

// Column looks up a column by name, case-insensitively.
func (t *Table) Column(name string) (Column, bool) {
	idx, ok := t.columnIndex[strings.ToLower(name)]
	if !ok {
		return Column{}, false
	}
	return t.Columns[idx], true
}

// TableSpec is the builder input for one table. Parse produces these; the
// durable store rebuilds graphs from their JSON form.
type TableSpec struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`
}

type edgeKey struct {
	fromTable  string
	fromColumn string
	toTable    string
	toColumn   string
}

// Graph is the immutable schema model. All lookups are case-insensitive.
// Concurrent readers need no synchronization once the graph is built.
type Graph struct {
	tables map[string]*Table
	order  []string
	edges  map[edgeKey]struct{}

	columnCount int
}

// NewGraph builds a graph from table specs, validating the structural
// invariants: unique table names, unique column names per table, and every
// foreign key endpoint resolving to a column inside the graph.
func NewGraph(specs []TableSpec) (*Graph, error) {
	g := &Graph{
		tables: make(map[string]*Table, len(specs)),
		edges:  make(map[edgeKey]struct{}),
	}

	for _, spec := range specs {
		key := strings.ToLower(spec.Name)
		if _, exists := g.tables[key]; exists {
			return nil, fmt.Errorf("duplicate table %q", spec.Name)
		}
		table := &Table{
			Name:        spec.Name,
			Columns:     append([]Column(nil), spec.Columns...),
			columnIndex: make(map[string]int, len(spec.Columns)),
		}
		for i, col := range table.Columns {
			colKey := strings.ToLower(col.Name)
			if _, exists := table.columnIndex[colKey]; exists {
				return nil, fmt.Errorf("duplicate column %q in table %q", col.Name, spec.Name)
			}
			table.columnIndex[colKey] = i
		}
		g.tables[key] = table
		g.order = append(g.order, key)
		g.columnCount += len(table.Columns)
	}

	for _, spec := range specs {
		owner := g.tables[strings.ToLower(spec.Name)]
		for _, fk := range spec.ForeignKeys {
			if err := g.checkEndpoint(spec.Name, fk.Column); err != nil {
				return nil, err
			}
			if err := g.checkEndpoint(fk.RefTable, fk.RefColumn); err != nil {
				return nil, err
			}
			normalized := ForeignKey{
				Table:     spec.Name,
				Column:    fk.Column,
				RefTable:  fk.RefTable,
				RefColumn: fk.RefColumn,
			}
			owner.ForeignKeys = append(owner.ForeignKeys, normalized)
			g.edges[edgeKeyOf(spec.Name, fk.Column, fk.RefTable, fk.RefColumn)] = struct{}{}
		}
	}

	return g, nil
}

func (g *Graph) checkEndpoint(tableName, columnName string) error {
	table, ok := g.tables[strings.ToLower(tableName)]
	if !ok {
		return fmt.Errorf("foreign key references unknown table %q", tableName)
	}
	if _, ok := table.Column(columnName); !ok {
		return fmt.Errorf("foreign key references unknown column %q.%q", tableName, columnName)
	}
	return nil
}

func edgeKeyOf(t1, c1, t2, c2 string) edgeKey {
	return edgeKey{
		fromTable:  strings.ToLower(t1),
		fromColumn: strings.ToLower(c1),
		toTable:    strings.ToLower(t2),
		toColumn:   strings.ToLower(c2),
	}
}

// Table looks up a table by name, case-insensitively.
func (g *Graph) Table(name string) (*Table, bool) {
	table, ok := g.tables[strings.ToLower(name)]
	return table, ok
}

// Tables returns all tables in upload order.
func (g *Graph) Tables() []*Table {
	out := make([]*Table, 0, len(g.order))
	for _, key := range g.order {
		out = append(out, g.tables[key])
	}
	return out
}

// TableCount returns the number of tables in the graph.
func (g *Graph) TableCount() int { return len(g.order) }

// ColumnCount returns the total number of columns across all tables.
func (g *Graph) ColumnCount() int { return g.columnCount }

// ForeignKeys returns every foreign key in upload order.
func (g *Graph) ForeignKeys() []ForeignKey {
	var out []ForeignKey
	for _, key := range g.order {
		out = append(out, g.tables[key].ForeignKeys...)
	}
	return out
}

// HasForeignKeyEdge reports whether a declared foreign key connects
// (t1, c1) to (t2, c2) in either direction.
func (g *Graph) HasForeignKeyEdge(t1, c1, t2, c2 string) bool {
	if _, ok := g.edges[edgeKeyOf(t1, c1, t2, c2)]; ok {
		return true
	}
	_, ok := g.edges[edgeKeyOf(t2, c2, t1, c1)]
	return ok
}

// Specs exports the graph back into builder form for serialization.
func (g *Graph) Specs() []TableSpec {
	specs := make([]TableSpec, 0, len(g.order))
	for _, key := range g.order {
		table := g.tables[key]
		specs = append(specs, TableSpec{
			Name:        table.Name,
			Columns:     append([]Column(nil), table.Columns...),
			ForeignKeys: append([]ForeignKey(nil), table.ForeignKeys...),
		})
	}
	return specs
}
