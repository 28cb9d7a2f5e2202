package validate

import (
	"fmt"
	"strings"

	"github.com/querywave/querywave/internal/schema"
)

// forbiddenKeywords anywhere in the statement, at any nesting depth, fail
// classification immediately. Comments are stripped before this check so
// keywords cannot be smuggled past it.
var forbiddenKeywords = map[string]struct{}{
	"drop": {}, "delete": {}, "alter": {}, "truncate": {}, "insert": {},
	"update": {}, "grant": {}, "revoke": {}, "create": {}, "merge": {},
	"call": {}, "exec": {}, "execute": {}, "attach": {}, "copy": {},
	"vacuum": {}, "pragma": {},
}

// clauseStoppers are words that terminate the optional bare alias after a
// table reference.
var clauseStoppers = map[string]struct{}{
	"on": {}, "where": {}, "inner": {}, "left": {}, "right": {}, "full": {},
	"cross": {}, "natural": {}, "join": {}, "group": {}, "order": {},
	"having": {}, "limit": {}, "offset": {}, "union": {}, "intersect": {},
	"except": {}, "select": {}, "with": {}, "using": {}, "and": {}, "or": {},
	"as": {},
}

var sqlKeywords = map[string]struct{}{
	"select": {}, "from": {}, "join": {}, "inner": {}, "left": {}, "right": {},
	"outer": {}, "on": {}, "where": {}, "group": {}, "by": {}, "order": {},
	"having": {}, "limit": {}, "offset": {}, "as": {}, "and": {}, "or": {},
	"not": {}, "null": {}, "is": {}, "in": {}, "like": {}, "ilike": {},
	"between": {}, "case": {}, "when": {}, "then": {}, "else": {}, "end": {},
	"asc": {}, "desc": {}, "distinct": {}, "true": {}, "false": {},
	"with": {}, "exists": {}, "any": {}, "all": {}, "interval": {},
	"escape": {}, "over": {}, "partition": {}, "rows": {}, "range": {},
	"unbounded": {}, "preceding": {}, "following": {}, "current": {},
	"row": {}, "filter": {}, "nulls": {}, "first": {}, "last": {},
}

// keywordBearingFunctions take SQL keywords as arguments (EXTRACT(... FROM
// ...), CAST(... AS ...)); their argument lists are skipped wholesale so the
// clause scan does not misread them.
var keywordBearingFunctions = map[string]struct{}{
	"extract": {}, "cast": {}, "substring": {}, "trim": {}, "position": {},
	"overlay": {},
}

var aggregateFunctions = map[string]struct{}{
	"count": {}, "sum": {}, "avg": {}, "min": {}, "max": {},
	"string_agg": {}, "array_agg": {},
}

type tableRef struct {
	table string
	alias string
}

type run struct {
	graph  *schema.Graph
	limits Limits
	toks   []tok

	ctes       map[string]struct{}
	refs       []tableRef
	aliasTo    map[string]string // lower alias -> lower table (schema tables only)
	cteAliases map[string]struct{}
	outAliases map[string]struct{} // select-item aliases (SELECT x AS y)
	consumed   []bool

	report Report
}

// Validate statically analyzes candidate SQL against the schema graph. It is
// a pure function of its inputs: the same (sql, graph, limits) triple always
// yields an identical report.
func Validate(sqlText string, graph *schema.Graph, limits Limits) Report {
	defaults := DefaultLimits()
	if limits.MaxJoinedTables <= 0 {
		limits.MaxJoinedTables = defaults.MaxJoinedTables
	}
	if limits.MaxPredicates <= 0 {
		limits.MaxPredicates = defaults.MaxPredicates
	}

	r := &run{
		graph:      graph,
		limits:     limits,
		ctes:       map[string]struct{}{},
		aliasTo:    map[string]string{},
		cteAliases: map[string]struct{}{},
		outAliases: map[string]struct{}{},
		report: Report{
			Outcome:      OutcomeAccepted,
			Tables:       []string{},
			Aliases:      map[string]string{},
			JoinWarnings: []string{},
		},
	}

	if strings.TrimSpace(sqlText) == "" {
		return r.reject(ReasonUnsafeStatement, "empty statement")
	}

	toks, lexMsg := tokenize(sqlText)
	if lexMsg != "" {
		return r.reject(ReasonUnsupportedConstruct, "%s", lexMsg)
	}
	r.toks = toks
	r.consumed = make([]bool, len(toks))

	if rep, done := r.classify(); done {
		return rep
	}
	if rep, done := r.scanWith(); done {
		return rep
	}
	if rep, done := r.scanStructure(); done {
		return rep
	}
	if rep, done := r.buildAliases(); done {
		return rep
	}
	if rep, done := r.checkColumns(); done {
		return rep
	}
	r.joinDiagnostics()
	r.typeDiagnostics()
	if rep, done := r.checkComplexity(); done {
		return rep
	}
	return r.report
}

func (r *run) reject(reason Reason, format string, args ...any) Report {
	rep := r.report
	rep.Outcome = OutcomeRejected
	rep.Reason = reason
	rep.Message = fmt.Sprintf(format, args...)
	return rep
}

// classify is the statement-kind gate. It runs before any schema
// cross-referencing and never inspects table or column names.
func (r *run) classify() (Report, bool) {
	for _, t := range r.toks {
		if t.kind != tkWord {
			continue
		}
		if _, bad := forbiddenKeywords[t.lower]; bad {
			return r.reject(ReasonUnsafeStatement,
				"statement keyword %s is not permitted", strings.ToUpper(t.lower)), true
		}
	}
	for i, t := range r.toks {
		if t.kind == tkPunct && t.text == ";" && i != len(r.toks)-1 {
			return r.reject(ReasonUnsafeStatement, "multiple statements are not permitted"), true
		}
	}
	if last := len(r.toks) - 1; last >= 0 && r.toks[last].text == ";" {
		r.toks = r.toks[:last]
		r.consumed = r.consumed[:last]
	}
	if len(r.toks) == 0 {
		return r.reject(ReasonUnsafeStatement, "empty statement"), true
	}
	if first := r.toks[0]; first.lower != "select" && first.lower != "with" {
		return r.reject(ReasonUnsafeStatement, "only SELECT queries are permitted"), true
	}
	return Report{}, false
}

// scanWith consumes a single outer WITH clause, recording CTE names so later
// passes treat them as virtual tables.
func (r *run) scanWith() (Report, bool) {
	if r.toks[0].lower != "with" {
		return Report{}, false
	}
	i := 1
	if i < len(r.toks) && r.toks[i].lower == "recursive" {
		return r.reject(ReasonUnsupportedConstruct, "recursive common table expressions are not supported"), true
	}
	for {
		if i >= len(r.toks) || r.toks[i].kind != tkWord {
			return r.reject(ReasonUnsupportedConstruct, "malformed WITH clause"), true
		}
		r.ctes[r.toks[i].lower] = struct{}{}
		i++
		if i < len(r.toks) && r.toks[i].text == "(" {
			// optional column list
			end, ok := r.skipParens(i)
			if !ok {
				return r.reject(ReasonUnsupportedConstruct, "malformed WITH clause"), true
			}
			i = end
		}
		if i >= len(r.toks) || r.toks[i].lower != "as" {
			return r.reject(ReasonUnsupportedConstruct, "malformed WITH clause"), true
		}
		i++
		if i >= len(r.toks) || r.toks[i].text != "(" {
			return r.reject(ReasonUnsupportedConstruct, "malformed WITH clause"), true
		}
		if i+1 >= len(r.toks) || r.toks[i+1].lower != "select" {
			return r.reject(ReasonUnsupportedConstruct, "WITH clause bodies must be SELECT queries"), true
		}
		end, ok := r.skipParens(i)
		if !ok {
			return r.reject(ReasonUnsupportedConstruct, "malformed WITH clause"), true
		}
		i = end
		if i < len(r.toks) && r.toks[i].text == "," {
			i++
			continue
		}
		break
	}
	if i >= len(r.toks) || r.toks[i].lower != "select" {
		return r.reject(ReasonUnsupportedConstruct, "expected SELECT after WITH clause"), true
	}
	return Report{}, false
}

// scanStructure walks the token stream once, extracting FROM/JOIN table
// references and rejecting constructs outside the safe subset.
func (r *run) scanStructure() (Report, bool) {
	i := 0
	for i < len(r.toks) {
		t := r.toks[i]
		if t.kind != tkWord {
			i++
			continue
		}

		if _, skip := keywordBearingFunctions[t.lower]; skip && i+1 < len(r.toks) && r.toks[i+1].text == "(" {
			end, ok := r.skipParens(i + 1)
			if !ok {
				return r.reject(ReasonUnsupportedConstruct, "unbalanced function arguments"), true
			}
			for k := i; k < end; k++ {
				r.consumed[k] = true
			}
			i = end
			continue
		}

		switch t.lower {
		case "union", "intersect", "except":
			return r.reject(ReasonUnsupportedConstruct,
				"set operations (%s) are not supported", strings.ToUpper(t.lower)), true
		case "using":
			return r.reject(ReasonUnsupportedConstruct, "JOIN ... USING is not supported; use ON"), true
		case "full", "cross", "natural":
			j := i + 1
			if j < len(r.toks) && r.toks[j].lower == "outer" {
				j++
			}
			if j < len(r.toks) && r.toks[j].lower == "join" {
				return r.reject(ReasonUnsupportedConstruct,
					"%s joins are not supported", strings.ToUpper(t.lower)), true
			}
		case "over":
			r.report.JoinWarnings = append(r.report.JoinWarnings,
				"window function detected; it is outside the validated subset and was not checked")
		case "select":
			if t.depth >= 2 {
				return r.reject(ReasonUnsupportedConstruct, "subqueries nested beyond one level are not supported"), true
			}
		case "from", "join":
			next := i + 1
			if next >= len(r.toks) {
				return r.reject(ReasonUnsupportedConstruct, "missing table reference after %s", strings.ToUpper(t.lower)), true
			}
			if r.toks[next].text == "(" {
				return r.reject(ReasonUnsupportedConstruct, "derived tables in FROM are not supported"), true
			}
			if r.toks[next].kind != tkWord {
				return r.reject(ReasonUnsupportedConstruct, "missing table reference after %s", strings.ToUpper(t.lower)), true
			}
			ref := tableRef{table: r.toks[next].text}
			r.consumed[next] = true
			j := next + 1
			if j < len(r.toks) && r.toks[j].lower == "as" {
				j++
				if j >= len(r.toks) || r.toks[j].kind != tkWord {
					return r.reject(ReasonUnsupportedConstruct, "missing alias after AS"), true
				}
				ref.alias = r.toks[j].text
				r.consumed[j] = true
				j++
			} else if j < len(r.toks) && r.toks[j].kind == tkWord {
				if _, stop := clauseStoppers[r.toks[j].lower]; !stop {
					ref.alias = r.toks[j].text
					r.consumed[j] = true
					j++
				}
			}
			if ref.alias == "" {
				ref.alias = ref.table
			}
			r.refs = append(r.refs, ref)
			i = j
			continue
		}
		i++
	}
	return Report{}, false
}

func (r *run) buildAliases() (Report, bool) {
	tableToAlias := map[string]string{}
	for _, ref := range r.refs {
		aliasKey := strings.ToLower(ref.alias)
		tableKey := strings.ToLower(ref.table)

		if _, isCTE := r.ctes[tableKey]; isCTE {
			r.cteAliases[aliasKey] = struct{}{}
			continue
		}

		displayName := ref.table
		if table, ok := r.graph.Table(ref.table); ok {
			displayName = table.Name
		}
		if !containsString(r.report.Tables, displayName) {
			r.report.Tables = append(r.report.Tables, displayName)
		}

		if existing, bound := r.aliasTo[aliasKey]; bound {
			if existing != tableKey {
				return r.reject(ReasonAmbiguousAlias,
					"alias %q is bound to both %q and %q", ref.alias, existing, ref.table), true
			}
			return r.reject(ReasonAmbiguousAlias,
				"table %q is referenced more than once with alias %q", ref.table, ref.alias), true
		}
		if prior, bound := tableToAlias[tableKey]; bound && prior != aliasKey {
			return r.reject(ReasonAmbiguousAlias,
				"table %q is referenced through two aliases, %q and %q", ref.table, prior, ref.alias), true
		}

		r.aliasTo[aliasKey] = tableKey
		tableToAlias[tableKey] = aliasKey
		r.report.Aliases[aliasKey] = displayName
	}

	for _, ref := range r.refs {
		if _, isCTE := r.ctes[strings.ToLower(ref.table)]; isCTE {
			continue
		}
		if _, ok := r.graph.Table(ref.table); !ok {
			return r.reject(ReasonSchemaHallucination,
				"table %q does not exist in the uploaded schema", ref.table), true
		}
	}
	return Report{}, false
}

// checkColumns verifies every qualified and unqualified column reference
// against the schema. A reference that resolves to no known column is the
// hallucination case the validator exists to catch.
func (r *run) checkColumns() (Report, bool) {
	// qualified references: ident '.' ident
	for i := 0; i+2 < len(r.toks); i++ {
		if r.toks[i].kind != tkWord || r.toks[i+1].text != "." || r.toks[i+2].kind != tkWord {
			continue
		}
		qualifier := r.toks[i].lower
		column := r.toks[i+2].text
		r.consumed[i] = true
		r.consumed[i+1] = true
		r.consumed[i+2] = true

		if _, isCTE := r.cteAliases[qualifier]; isCTE {
			continue
		}
		if _, isCTE := r.ctes[qualifier]; isCTE {
			continue
		}

		tableKey, bound := r.aliasTo[qualifier]
		if !bound {
			if _, ok := r.graph.Table(qualifier); !ok {
				return r.reject(ReasonSchemaHallucination,
					"%q is neither a declared alias nor a table in the schema", r.toks[i].text), true
			}
			tableKey = qualifier
		}
		table, ok := r.graph.Table(tableKey)
		if !ok {
			// table existence was already rejected in buildAliases
			continue
		}
		if _, ok := table.Column(column); !ok {
			return r.reject(ReasonSchemaHallucination,
				"column %q does not exist on table %q", column, table.Name), true
		}
	}

	// unqualified references
	for i, t := range r.toks {
		if t.kind != tkWord || r.consumed[i] {
			continue
		}
		if _, kw := sqlKeywords[t.lower]; kw {
			continue
		}
		if i+1 < len(r.toks) && r.toks[i+1].text == "(" {
			continue // function call
		}
		if i > 0 {
			prev := r.toks[i-1]
			// Table AS aliases were consumed during the structural scan, so
			// a surviving word after AS names a select item.
			if prev.kind == tkWord && prev.lower == "as" {
				r.outAliases[t.lower] = struct{}{}
				continue
			}
			if prev.kind == tkNumber || prev.kind == tkString || prev.text == ")" {
				r.outAliases[t.lower] = struct{}{}
				continue // bare output alias (SELECT count(*) total)
			}
			if prev.kind == tkWord {
				if _, kw := sqlKeywords[prev.lower]; !kw {
					r.outAliases[t.lower] = struct{}{}
					continue // bare output alias (SELECT first_name fn)
				}
			}
		}
		if _, isOut := r.outAliases[t.lower]; isOut {
			continue // later reference to a select-item alias (ORDER BY fn)
		}
		if _, isAlias := r.aliasTo[t.lower]; isAlias {
			continue
		}
		if _, isCTE := r.ctes[t.lower]; isCTE {
			continue
		}
		if _, isCTEAlias := r.cteAliases[t.lower]; isCTEAlias {
			continue
		}
		if _, ok := r.graph.Table(t.lower); ok {
			continue
		}

		owners := r.columnOwners(t.text)
		switch len(owners) {
		case 0:
			// A CTE source can project columns the schema never declares;
			// without tracking CTE projections that is unverifiable, so
			// warn instead of rejecting.
			if len(r.cteAliases) > 0 {
				r.report.JoinWarnings = append(r.report.JoinWarnings, fmt.Sprintf(
					"column %q is not on any schema table; it may be projected by a common table expression",
					t.text))
				continue
			}
			return r.reject(ReasonSchemaHallucination,
				"column %q does not exist on any referenced table", t.text), true
		case 1:
		default:
			r.report.JoinWarnings = append(r.report.JoinWarnings, fmt.Sprintf(
				"column %q is ambiguous across %s; qualify it with an alias",
				t.text, strings.Join(owners, ", ")))
		}
	}
	return Report{}, false
}

func (r *run) columnOwners(column string) []string {
	var owners []string
	for _, name := range r.report.Tables {
		table, ok := r.graph.Table(name)
		if !ok {
			continue
		}
		if _, ok := table.Column(column); ok {
			owners = append(owners, table.Name)
		}
	}
	return owners
}

// joinDiagnostics checks every ON a.x = b.y condition against the declared
// foreign keys. A join with no matching edge is suspicious but legitimate ad
// hoc joins exist, so it is reported as a warning rather than a rejection.
// Join columns whose declared types fall in different groups also warn.
func (r *run) joinDiagnostics() {
	for i := 0; i < len(r.toks); i++ {
		if r.toks[i].kind != tkWord || r.toks[i].lower != "on" {
			continue
		}
		j := i + 1
		if j < len(r.toks) && r.toks[j].text == "(" {
			j++ // ON (a.x = b.y)
		}
		left, leftCol, ok := r.qualifiedAt(j)
		if !ok {
			continue
		}
		if j+3 >= len(r.toks) || r.toks[j+3].text != "=" {
			continue
		}
		right, rightCol, ok := r.qualifiedAt(j + 4)
		if !ok {
			continue
		}

		leftTable := r.resolveQualifier(left)
		rightTable := r.resolveQualifier(right)
		if leftTable == nil || rightTable == nil {
			continue
		}
		if !r.graph.HasForeignKeyEdge(leftTable.Name, leftCol, rightTable.Name, rightCol) {
			r.report.JoinWarnings = append(r.report.JoinWarnings, fmt.Sprintf(
				"join between %s and %s has no declared foreign key match on %s.%s = %s.%s",
				leftTable.Name, rightTable.Name, leftTable.Name, leftCol, rightTable.Name, rightCol))
		}

		leftGroup, lok := columnTypeGroup(leftTable, leftCol)
		rightGroup, rok := columnTypeGroup(rightTable, rightCol)
		if lok && rok && leftGroup != rightGroup && leftGroup != groupOther && rightGroup != groupOther {
			r.report.JoinWarnings = append(r.report.JoinWarnings, fmt.Sprintf(
				"join compares %s column %s.%s with %s column %s.%s",
				leftGroup, leftTable.Name, leftCol, rightGroup, rightTable.Name, rightCol))
		}
	}
}

// Coarse type groups for comparison diagnostics. Declared types are kept
// verbatim in the graph, so matching is by substring of the lowercased type.
const (
	groupNumeric  = "numeric"
	groupText     = "text"
	groupBoolean  = "boolean"
	groupDatetime = "datetime"
	groupOther    = "other"
)

func typeGroup(declared string) string {
	t := strings.ToLower(declared)
	switch {
	case strings.Contains(t, "int"), strings.Contains(t, "serial"),
		strings.Contains(t, "numeric"), strings.Contains(t, "decimal"),
		strings.Contains(t, "real"), strings.Contains(t, "double"),
		strings.Contains(t, "float"):
		return groupNumeric
	case strings.Contains(t, "text"), strings.Contains(t, "varchar"),
		strings.Contains(t, "char"), strings.Contains(t, "uuid"):
		return groupText
	case strings.Contains(t, "bool"):
		return groupBoolean
	case strings.Contains(t, "date"), strings.Contains(t, "time"):
		return groupDatetime
	default:
		return groupOther
	}
}

func columnTypeGroup(table *schema.Table, column string) (string, bool) {
	c, ok := table.Column(column)
	if !ok {
		return "", false
	}
	return typeGroup(c.Type), true
}

// typeDiagnostics inspects comparisons between a qualified column and a
// literal. Mismatched groups never block the query; the repair loop reads
// the warnings.
func (r *run) typeDiagnostics() {
	for i := 0; i+3 < len(r.toks); i++ {
		qualifier, column, ok := r.qualifiedAt(i)
		if !ok {
			continue
		}
		table := r.resolveQualifier(qualifier)
		if table == nil {
			continue
		}
		colGroup, ok := columnTypeGroup(table, column)
		if !ok {
			continue
		}

		op := r.toks[i+3]
		if op.kind == tkWord && (op.lower == "like" || op.lower == "ilike") {
			if colGroup != groupText && colGroup != groupOther {
				r.report.JoinWarnings = append(r.report.JoinWarnings, fmt.Sprintf(
					"%s on %s column %s.%s", strings.ToUpper(op.lower), colGroup, table.Name, column))
			}
			continue
		}
		if op.kind != tkPunct || i+4 >= len(r.toks) {
			continue
		}
		litGroup := literalGroup(r.toks[i+4])
		switch op.text {
		case ">", "<", ">=", "<=":
			if colGroup == groupText || colGroup == groupBoolean {
				r.report.JoinWarnings = append(r.report.JoinWarnings, fmt.Sprintf(
					"ordering comparison on %s column %s.%s", colGroup, table.Name, column))
			}
		case "=", "<>", "!=":
			if litGroup == "" || colGroup == groupOther || litGroup == colGroup {
				continue
			}
			// datetime values arrive as quoted literals
			if colGroup == groupDatetime && litGroup == groupText {
				continue
			}
			r.report.JoinWarnings = append(r.report.JoinWarnings, fmt.Sprintf(
				"%s column %s.%s compared with %s literal", colGroup, table.Name, column, litGroup))
		}
	}
}

func literalGroup(t tok) string {
	switch t.kind {
	case tkNumber:
		return groupNumeric
	case tkString:
		return groupText
	case tkWord:
		if t.lower == "true" || t.lower == "false" {
			return groupBoolean
		}
	}
	return ""
}

func (r *run) qualifiedAt(i int) (qualifier, column string, ok bool) {
	if i+2 >= len(r.toks) {
		return "", "", false
	}
	if r.toks[i].kind != tkWord || r.toks[i+1].text != "." || r.toks[i+2].kind != tkWord {
		return "", "", false
	}
	return r.toks[i].lower, r.toks[i+2].text, true
}

func (r *run) resolveQualifier(qualifier string) *schema.Table {
	if _, isCTE := r.cteAliases[qualifier]; isCTE {
		return nil
	}
	key, bound := r.aliasTo[qualifier]
	if !bound {
		key = qualifier
	}
	table, ok := r.graph.Table(key)
	if !ok {
		return nil
	}
	return table
}

func (r *run) checkComplexity() (Report, bool) {
	if len(r.report.Tables) > r.limits.MaxJoinedTables {
		return r.reject(ReasonScopeTooComplex,
			"query references %d tables, limit is %d", len(r.report.Tables), r.limits.MaxJoinedTables), true
	}

	hasWhere := false
	connectors := 0
	hasGroupBy := false
	hasLimit := false
	hasAggregate := false
	for i, t := range r.toks {
		if t.kind != tkWord {
			continue
		}
		switch t.lower {
		case "where":
			hasWhere = true
		case "and", "or":
			connectors++
		case "group":
			if i+1 < len(r.toks) && r.toks[i+1].lower == "by" {
				hasGroupBy = true
			}
		case "limit":
			hasLimit = true
		default:
			if _, agg := aggregateFunctions[t.lower]; agg && i+1 < len(r.toks) && r.toks[i+1].text == "(" {
				hasAggregate = true
			}
		}
	}

	predicates := 0
	if hasWhere {
		predicates = 1 + connectors
	}
	if predicates > r.limits.MaxPredicates {
		return r.reject(ReasonScopeTooComplex,
			"query has roughly %d predicates, limit is %d", predicates, r.limits.MaxPredicates), true
	}

	if r.limits.RequireLimit && !hasGroupBy && !hasAggregate && !hasLimit {
		return r.reject(ReasonScopeTooComplex,
			"query without aggregation must include a LIMIT clause"), true
	}
	return Report{}, false
}

func (r *run) skipParens(open int) (int, bool) {
	if r.toks[open].text != "(" {
		return 0, false
	}
	depth := 0
	for i := open; i < len(r.toks); i++ {
		switch r.toks[i].text {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
