package schema

import (
	"fmt"
	"strings"
)

// Limits caps the size of an upload. Exceeding any limit fails the whole
// parse with ErrTooLarge; nothing is partially accepted.
type Limits struct {
	MaxInputBytes      int
	MaxTables          int
	MaxColumnsPerTable int
	MaxTotalColumns    int
}

// DefaultLimits mirrors the service defaults; production values come from
// configuration.
func DefaultLimits() Limits {
	return Limits{
		MaxInputBytes:      1 << 20,
		MaxTables:          200,
		MaxColumnsPerTable: 300,
		MaxTotalColumns:    5000,
	}
}

type pendingFK struct {
	fk  ForeignKey
	tok token
}

type parser struct {
	tokens []token
	pos    int
	limits Limits

	specs   []*TableSpec
	byName  map[string]*TableSpec
	pending []pendingFK
}

// Parse turns DDL text into a schema graph. Only CREATE TABLE and
// ALTER TABLE ... ADD CONSTRAINT ... FOREIGN KEY statements are accepted.
// Foreign key constraints are applied after all tables are defined, so
// forward references within one upload resolve. The upload is atomic:
// any error means no graph.
func Parse(ddl string, limits Limits) (*Graph, error) {
	if limits.MaxInputBytes > 0 && len(ddl) > limits.MaxInputBytes {
		return nil, &ParseError{
			Kind:    ErrTooLarge,
			Message: fmt.Sprintf("input is %d bytes, limit is %d", len(ddl), limits.MaxInputBytes),
		}
	}

	tokens, lexErr := newLexer(ddl).tokens()
	if lexErr != nil {
		return nil, lexErr
	}

	p := &parser{
		tokens: tokens,
		limits: limits,
		byName: make(map[string]*TableSpec),
	}
	if err := p.parseStatements(); err != nil {
		return nil, err
	}
	if len(p.specs) == 0 {
		return nil, &ParseError{
			Kind:    ErrMalformed,
			Message: "no CREATE TABLE statements found",
		}
	}
	if err := p.resolvePending(); err != nil {
		return nil, err
	}

	specs := make([]TableSpec, 0, len(p.specs))
	total := 0
	for _, spec := range p.specs {
		total += len(spec.Columns)
		specs = append(specs, *spec)
	}
	if limits.MaxTotalColumns > 0 && total > limits.MaxTotalColumns {
		return nil, &ParseError{
			Kind:    ErrTooLarge,
			Message: fmt.Sprintf("schema has %d columns, limit is %d", total, limits.MaxTotalColumns),
		}
	}

	graph, err := NewGraph(specs)
	if err != nil {
		// Pending references were checked above; reaching this is a bug.
		return nil, fmt.Errorf("internal: build schema graph: %w", err)
	}
	return graph, nil
}

func (p *parser) cur() token { return p.tokens[p.pos] }

func (p *parser) advance() token {
	tok := p.tokens[p.pos]
	if tok.typ != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) parseStatements() *ParseError {
	for {
		tok := p.cur()
		switch {
		case tok.typ == tokenEOF:
			return nil
		case tok.typ == tokenSemicolon:
			p.advance()
		case tok.keywordIs("CREATE"):
			if err := p.parseCreateTable(); err != nil {
				return err
			}
		case tok.keywordIs("ALTER"):
			if err := p.parseAlterTable(); err != nil {
				return err
			}
		default:
			return errAt(ErrUnsupportedStatement, tok,
				"only CREATE TABLE and ALTER TABLE ... ADD CONSTRAINT statements are accepted, got %q", tok.lit)
		}
	}
}

func (p *parser) parseCreateTable() *ParseError {
	p.advance() // CREATE
	if err := p.expectKeyword("TABLE"); err != nil {
		return err
	}
	if p.cur().keywordIs("IF") {
		p.advance()
		if err := p.expectKeyword("NOT"); err != nil {
			return err
		}
		if err := p.expectKeyword("EXISTS"); err != nil {
			return err
		}
	}

	nameTok, name, err := p.parseObjectName()
	if err != nil {
		return err
	}
	if _, exists := p.byName[strings.ToLower(name)]; exists {
		return errAt(ErrDuplicateDefinition, nameTok, "table %q is defined more than once", name)
	}
	if p.limits.MaxTables > 0 && len(p.specs) >= p.limits.MaxTables {
		return errAt(ErrTooLarge, nameTok, "schema exceeds the table limit of %d", p.limits.MaxTables)
	}

	spec := &TableSpec{Name: name}
	p.specs = append(p.specs, spec)
	p.byName[strings.ToLower(name)] = spec

	if err := p.expectType(tokenLParen, "("); err != nil {
		return err
	}
	for {
		if err := p.parseTableItem(spec); err != nil {
			return err
		}
		tok := p.cur()
		switch tok.typ {
		case tokenComma:
			p.advance()
		case tokenRParen:
			p.advance()
			return p.expectStatementEnd()
		default:
			return errAt(ErrMalformed, tok, "expected %q or %q after table item, got %q", ",", ")", tok.lit)
		}
	}
}

func (p *parser) parseTableItem(spec *TableSpec) *ParseError {
	tok := p.cur()
	switch {
	case tok.keywordIs("PRIMARY"):
		p.advance()
		if err := p.expectKeyword("KEY"); err != nil {
			return err
		}
		cols, err := p.parseParenNameList()
		if err != nil {
			return err
		}
		for _, col := range cols {
			if perr := markPrimaryKey(spec, col.lit); perr != nil {
				return errAt(ErrUnknownReference, col, "%s", perr.Error())
			}
		}
		return nil
	case tok.keywordIs("FOREIGN"):
		return p.parseForeignKeyClause(spec.Name)
	case tok.keywordIs("CONSTRAINT"):
		p.advance()
		if _, err := p.expectIdent("constraint name"); err != nil {
			return err
		}
		next := p.cur()
		switch {
		case next.keywordIs("PRIMARY"), next.keywordIs("FOREIGN"):
			return p.parseTableItem(spec)
		case next.keywordIs("UNIQUE"), next.keywordIs("CHECK"):
			p.advance()
			return p.skipBalancedParens()
		default:
			return errAt(ErrUnsupportedStatement, next, "unsupported table constraint %q", next.lit)
		}
	case tok.keywordIs("UNIQUE"), tok.keywordIs("CHECK"):
		p.advance()
		return p.skipBalancedParens()
	default:
		return p.parseColumnDef(spec)
	}
}

func (p *parser) parseColumnDef(spec *TableSpec) *ParseError {
	nameTok, err := p.expectIdent("column name")
	if err != nil {
		return err
	}
	if p.limits.MaxColumnsPerTable > 0 && len(spec.Columns) >= p.limits.MaxColumnsPerTable {
		return errAt(ErrTooLarge, nameTok, "table %q exceeds the column limit of %d", spec.Name, p.limits.MaxColumnsPerTable)
	}
	for _, existing := range spec.Columns {
		if strings.EqualFold(existing.Name, nameTok.lit) {
			return errAt(ErrDuplicateDefinition, nameTok, "column %q is defined more than once in table %q", nameTok.lit, spec.Name)
		}
	}

	typeName, perr := p.parseTypeName()
	if perr != nil {
		return perr
	}

	col := Column{Name: nameTok.lit, Type: typeName}
	if isSerialType(typeName) {
		col.PrimaryKey = true
		col.NotNull = true
	}

	for {
		tok := p.cur()
		switch {
		case tok.typ == tokenComma || tok.typ == tokenRParen:
			spec.Columns = append(spec.Columns, col)
			return nil
		case tok.keywordIs("NOT"):
			p.advance()
			if err := p.expectKeyword("NULL"); err != nil {
				return err
			}
			col.NotNull = true
		case tok.keywordIs("NULL"):
			p.advance()
		case tok.keywordIs("PRIMARY"):
			p.advance()
			if err := p.expectKeyword("KEY"); err != nil {
				return err
			}
			col.PrimaryKey = true
			col.NotNull = true
		case tok.keywordIs("UNIQUE"):
			p.advance()
		case tok.keywordIs("DEFAULT"):
			p.advance()
			if err := p.skipDefaultValue(); err != nil {
				return err
			}
		case tok.keywordIs("CHECK"):
			p.advance()
			if err := p.skipBalancedParens(); err != nil {
				return err
			}
		case tok.keywordIs("REFERENCES"):
			p.advance()
			if err := p.parseReferencesTarget(spec.Name, nameTok.lit); err != nil {
				return err
			}
		default:
			return errAt(ErrMalformed, tok, "unexpected token %q in definition of column %q", tok.lit, nameTok.lit)
		}
	}
}

// parseTypeName records the declared type verbatim: one or more identifier
// words (DOUBLE PRECISION, TIMESTAMP WITH TIME ZONE) plus an optional
// parenthesized argument list (VARCHAR(100), NUMERIC(10,2)).
func (p *parser) parseTypeName() (string, *ParseError) {
	first, err := p.expectIdent("column type")
	if err != nil {
		return "", err
	}
	parts := []string{first.lit}
	for p.cur().typ == tokenIdent && !p.cur().quoted && !isColumnModifier(p.cur().lit) {
		parts = append(parts, p.advance().lit)
	}
	name := strings.Join(parts, " ")

	if p.cur().typ == tokenLParen {
		p.advance()
		var args []string
		for {
			tok := p.advance()
			switch tok.typ {
			case tokenRParen:
				return name + "(" + strings.Join(args, ",") + ")", nil
			case tokenComma:
				continue
			case tokenEOF:
				return "", errAt(ErrMalformed, tok, "unterminated type arguments for %q", name)
			default:
				args = append(args, tok.lit)
			}
		}
	}
	return name, nil
}

func (p *parser) parseForeignKeyClause(tableName string) *ParseError {
	p.advance() // FOREIGN
	if err := p.expectKeyword("KEY"); err != nil {
		return err
	}
	cols, err := p.parseParenNameList()
	if err != nil {
		return err
	}
	if len(cols) != 1 {
		return errAt(ErrUnsupportedStatement, cols[0], "composite foreign keys are not supported")
	}
	if err := p.expectKeyword("REFERENCES"); err != nil {
		return err
	}
	return p.parseReferencesTarget(tableName, cols[0].lit)
}

func (p *parser) parseReferencesTarget(tableName, columnName string) *ParseError {
	refTok, refTable, err := p.parseObjectName()
	if err != nil {
		return err
	}
	refCols, err := p.parseParenNameList()
	if err != nil {
		return err
	}
	if len(refCols) != 1 {
		return errAt(ErrUnsupportedStatement, refCols[0], "composite foreign keys are not supported")
	}
	p.pending = append(p.pending, pendingFK{
		fk: ForeignKey{
			Table:     tableName,
			Column:    columnName,
			RefTable:  refTable,
			RefColumn: refCols[0].lit,
		},
		tok: refTok,
	})
	return nil
}

func (p *parser) parseAlterTable() *ParseError {
	p.advance() // ALTER
	if err := p.expectKeyword("TABLE"); err != nil {
		return err
	}
	_, name, err := p.parseObjectName()
	if err != nil {
		return err
	}
	if err := p.expectKeyword("ADD"); err != nil {
		return err
	}
	if p.cur().keywordIs("CONSTRAINT") {
		p.advance()
		if _, err := p.expectIdent("constraint name"); err != nil {
			return err
		}
	}
	if !p.cur().keywordIs("FOREIGN") {
		return errAt(ErrUnsupportedStatement, p.cur(),
			"only ALTER TABLE ... ADD CONSTRAINT ... FOREIGN KEY is accepted")
	}
	// Resolution is deferred until all CREATE TABLE statements are seen, so
	// an ALTER may precede the tables it references within one upload.
	if err := p.parseForeignKeyClause(name); err != nil {
		return err
	}
	return p.expectStatementEnd()
}

func (p *parser) resolvePending() *ParseError {
	for _, pending := range p.pending {
		fk := pending.fk
		source, ok := p.byName[strings.ToLower(fk.Table)]
		if !ok {
			return errAt(ErrUnknownReference, pending.tok, "table %q is not defined in this upload", fk.Table)
		}
		if !specHasColumn(source, fk.Column) {
			return errAt(ErrUnknownReference, pending.tok, "column %q is not defined on table %q", fk.Column, fk.Table)
		}
		target, ok := p.byName[strings.ToLower(fk.RefTable)]
		if !ok {
			return errAt(ErrUnknownReference, pending.tok, "foreign key references unknown table %q", fk.RefTable)
		}
		if !specHasColumn(target, fk.RefColumn) {
			return errAt(ErrUnknownReference, pending.tok, "foreign key references unknown column %q.%q", fk.RefTable, fk.RefColumn)
		}
		source.ForeignKeys = append(source.ForeignKeys, fk)
	}
	return nil
}

func (p *parser) parseObjectName() (token, string, *ParseError) {
	tok, err := p.expectIdent("name")
	if err != nil {
		return token{}, "", err
	}
	name := tok.lit
	// schema-qualified names keep only the final part
	for p.cur().typ == tokenDot {
		p.advance()
		next, err := p.expectIdent("name")
		if err != nil {
			return token{}, "", err
		}
		name = next.lit
	}
	return tok, name, nil
}

func (p *parser) parseParenNameList() ([]token, *ParseError) {
	if err := p.expectType(tokenLParen, "("); err != nil {
		return nil, err
	}
	var names []token
	for {
		tok, err := p.expectIdent("column name")
		if err != nil {
			return nil, err
		}
		names = append(names, tok)
		sep := p.advance()
		switch sep.typ {
		case tokenComma:
			continue
		case tokenRParen:
			return names, nil
		default:
			return nil, errAt(ErrMalformed, sep, "expected %q or %q in column list, got %q", ",", ")", sep.lit)
		}
	}
}

func (p *parser) skipBalancedParens() *ParseError {
	if err := p.expectType(tokenLParen, "("); err != nil {
		return err
	}
	depth := 1
	for depth > 0 {
		tok := p.advance()
		switch tok.typ {
		case tokenLParen:
			depth++
		case tokenRParen:
			depth--
		case tokenEOF:
			return errAt(ErrMalformed, tok, "unbalanced parentheses")
		}
	}
	return nil
}

func (p *parser) skipDefaultValue() *ParseError {
	tok := p.advance()
	switch tok.typ {
	case tokenString, tokenNumber:
		return nil
	case tokenIdent:
		// now(), CURRENT_TIMESTAMP, true, ...
		if p.cur().typ == tokenLParen {
			return p.skipBalancedParens()
		}
		return nil
	case tokenSymbol:
		// signed numbers
		if next := p.advance(); next.typ == tokenNumber {
			return nil
		}
		return errAt(ErrMalformed, tok, "unsupported DEFAULT expression")
	default:
		return errAt(ErrMalformed, tok, "unsupported DEFAULT expression")
	}
}

func (p *parser) expectStatementEnd() *ParseError {
	tok := p.cur()
	switch tok.typ {
	case tokenSemicolon:
		p.advance()
		return nil
	case tokenEOF:
		return nil
	default:
		return errAt(ErrMalformed, tok, "expected %q after statement, got %q", ";", tok.lit)
	}
}

func (p *parser) expectKeyword(kw string) *ParseError {
	tok := p.advance()
	if !tok.keywordIs(kw) {
		return errAt(ErrMalformed, tok, "expected %q, got %q", kw, tok.lit)
	}
	return nil
}

func (p *parser) expectIdent(what string) (token, *ParseError) {
	tok := p.advance()
	if tok.typ != tokenIdent {
		return token{}, errAt(ErrMalformed, tok, "expected %s, got %q", what, tok.lit)
	}
	return tok, nil
}

func (p *parser) expectType(typ tokenType, display string) *ParseError {
	tok := p.advance()
	if tok.typ != typ {
		return errAt(ErrMalformed, tok, "expected %q, got %q", display, tok.lit)
	}
	return nil
}

func markPrimaryKey(spec *TableSpec, columnName string) error {
	for i := range spec.Columns {
		if strings.EqualFold(spec.Columns[i].Name, columnName) {
			spec.Columns[i].PrimaryKey = true
			spec.Columns[i].NotNull = true
			return nil
		}
	}
	return fmt.Errorf("primary key names unknown column %q on table %q", columnName, spec.Name)
}

func specHasColumn(spec *TableSpec, name string) bool {
	for _, col := range spec.Columns {
		if strings.EqualFold(col.Name, name) {
			return true
		}
	}
	return false
}

func isSerialType(typeName string) bool {
	switch strings.ToLower(typeName) {
	case "serial", "bigserial", "smallserial":
		return true
	default:
		return false
	}
}

var columnModifiers = map[string]struct{}{
	"not": {}, "null": {}, "primary": {}, "unique": {},
	"default": {}, "references": {}, "check": {}, "constraint": {},
}

func isColumnModifier(word string) bool {
	_, ok := columnModifiers[strings.ToLower(word)]
	return ok
}
