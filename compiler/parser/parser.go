// Package parser turns huntflow source into AST statements.  The whole
// block is scanned before any error is returned so that a hunt with
// several bad statements reports them all at once.
package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/princesaroj111/kestrel-lang/compiler/ast"
	kqe "github.com/princesaroj111/kestrel-lang/errors"
	"go.uber.org/multierr"
)

// Parse parses a huntflow block into its statements.
func Parse(src string) ([]ast.Stmt, error) {
	p := &parser{src: src, lexer: newLexer(src)}
	p.next()
	var stmts []ast.Stmt
	var errs error
	for p.tok.kind != tokenEOF {
		if p.tok.kind == tokenNewline {
			p.next()
			continue
		}
		stmt, err := p.parseStmt()
		if err == nil && p.tok.kind != tokenNewline && p.tok.kind != tokenEOF {
			err = p.unexpected("end of statement")
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			p.sync()
			continue
		}
		stmts = append(stmts, stmt)
	}
	if errs != nil {
		return nil, kqe.E(kqe.Parse, errs)
	}
	return stmts, nil
}

type parser struct {
	src     string
	lexer   *lexer
	tok     token
	lastEnd int
}

func (p *parser) next() {
	if p.tok.kind != tokenEOF && p.tok.text != "" {
		p.lastEnd = p.tok.pos + len(p.tok.text)
	}
	p.tok = p.lexer.next()
}

// sync skips to the start of the next statement after an error.
func (p *parser) sync() {
	for p.tok.kind != tokenNewline && p.tok.kind != tokenEOF {
		p.next()
	}
}

func (p *parser) errorAt(pos, end int, format string, args ...any) error {
	return newError(p.src, pos, end, fmt.Sprintf(format, args...))
}

func (p *parser) unexpected(want string) error {
	tok := p.tok
	if tok.kind == tokenError {
		return p.errorAt(tok.pos, tok.pos+len(tok.text), "%s", tok.err)
	}
	got := tok.kind.String()
	if tok.kind == tokenIdent || tok.kind == tokenURI || tok.kind == tokenNumber {
		got = fmt.Sprintf("%q", tok.text)
	}
	return p.errorAt(tok.pos, tok.pos+len(tok.text), "expected %s, found %s", want, got)
}

func (p *parser) at(keyword string) bool {
	return p.tok.kind == tokenIdent && strings.EqualFold(p.tok.text, keyword)
}

func (p *parser) eat(keyword string) bool {
	if p.at(keyword) {
		p.next()
		return true
	}
	return false
}

func (p *parser) expect(keyword string) error {
	if !p.eat(keyword) {
		return p.unexpected(keyword)
	}
	return nil
}

func (p *parser) ident() (*ast.ID, error) {
	if p.tok.kind != tokenIdent {
		return nil, p.unexpected("identifier")
	}
	id := &ast.ID{Name: p.tok.text, NamePos: p.tok.pos}
	p.next()
	return id, nil
}

// attrName parses a possibly dotted attribute path such as
// actor.process.name into a single ID.
func (p *parser) attrName() (*ast.ID, error) {
	id, err := p.ident()
	if err != nil {
		return nil, err
	}
	name := id.Name
	for p.tok.kind == tokenDot {
		p.next()
		part, err := p.ident()
		if err != nil {
			return nil, err
		}
		name += "." + part.Name
	}
	return &ast.ID{Name: name, NamePos: id.NamePos}, nil
}

func (p *parser) parseStmt() (ast.Stmt, error) {
	if p.tok.kind != tokenIdent {
		return nil, p.unexpected("statement")
	}
	switch strings.ToUpper(p.tok.text) {
	case "DISP":
		return p.parseDisp()
	case "INFO":
		return p.parseInfo()
	case "APPLY":
		return p.parseApply()
	case "EXPLAIN":
		return p.parseExplain()
	}
	binding, err := p.ident()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokenEq {
		return nil, p.unexpected("'='")
	}
	p.next()
	if p.tok.kind != tokenIdent {
		return nil, p.unexpected("NEW, GET, FIND, or a variable")
	}
	switch strings.ToUpper(p.tok.text) {
	case "NEW":
		return p.parseNew(binding)
	case "GET":
		return p.parseGet(binding)
	case "FIND":
		return p.parseFind(binding)
	}
	return p.parseAssign(binding)
}

func (p *parser) parseNew(binding *ast.ID) (ast.Stmt, error) {
	n := &ast.New{Binding: binding, KeywordPos: binding.NamePos}
	p.next()
	if p.tok.kind == tokenIdent {
		entity, err := p.ident()
		if err != nil {
			return nil, err
		}
		n.Entity = entity
	}
	if p.tok.kind != tokenJSON {
		return nil, p.unexpected("JSON rows")
	}
	rows, err := decodeRows(p.tok.text)
	if err != nil {
		return nil, p.errorAt(p.tok.pos, p.tok.pos+len(p.tok.text), "bad row literal: %s", err)
	}
	if len(rows) == 0 {
		return nil, p.errorAt(p.tok.pos, p.tok.pos+len(p.tok.text), "NEW needs at least one row")
	}
	n.Rows = rows
	n.EndPos = p.tok.pos + len(p.tok.text)
	p.next()
	return n, nil
}

// decodeRows decodes the JSON rows of a NEW statement, keeping
// integral numbers as int64.  A bare object is one row.
func decodeRows(text string) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	raw, ok := decoded.([]any)
	if !ok {
		raw = []any{decoded}
	}
	rows := make([]map[string]any, 0, len(raw))
	for _, elem := range raw {
		obj, ok := elem.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("each row must be a JSON object")
		}
		row := make(map[string]any, len(obj))
		for k, v := range obj {
			row[k] = decodeJSONValue(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func decodeJSONValue(v any) any {
	num, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := num.Int64(); err == nil {
		return i
	}
	if f, err := num.Float64(); err == nil {
		return f
	}
	return num.String()
}

func (p *parser) parseGet(binding *ast.ID) (ast.Stmt, error) {
	g := &ast.Get{Binding: binding, Limit: -1, Offset: -1, KeywordPos: binding.NamePos}
	p.next()
	entity, err := p.ident()
	if err != nil {
		return nil, err
	}
	g.Entity = entity
	if p.eat("FROM") {
		g.Source, err = p.parseSource(false)
		if err != nil {
			return nil, err
		}
	}
	if p.eat("WHERE") {
		g.Where, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	c, err := p.parseClauses(true, false)
	if err != nil {
		return nil, err
	}
	g.Span, g.Sort, g.Limit, g.Offset = c.span, c.sort, c.limit, c.offset
	g.EndPos = p.lastEnd
	return g, nil
}

func (p *parser) parseFind(binding *ast.ID) (ast.Stmt, error) {
	f := &ast.Find{Binding: binding, Limit: -1, Offset: -1, KeywordPos: binding.NamePos}
	p.next()
	entity, err := p.ident()
	if err != nil {
		return nil, err
	}
	f.Entity = entity
	relation, err := p.ident()
	if err != nil {
		return nil, err
	}
	f.Relation = strings.ToLower(relation.Name)
	f.Reverse = p.eat("BY")
	f.Input, err = p.ident()
	if err != nil {
		return nil, err
	}
	if p.eat("WHERE") {
		f.Where, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	c, err := p.parseClauses(true, false)
	if err != nil {
		return nil, err
	}
	f.Span, f.Sort, f.Limit, f.Offset = c.span, c.sort, c.limit, c.offset
	f.EndPos = p.lastEnd
	return f, nil
}

func (p *parser) parseAssign(binding *ast.ID) (ast.Stmt, error) {
	a := &ast.Assign{Binding: binding, Limit: -1, Offset: -1, KeywordPos: binding.NamePos}
	input, err := p.ident()
	if err != nil {
		return nil, err
	}
	a.Input = input
	if p.eat("WHERE") {
		a.Where, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	c, err := p.parseClauses(false, true)
	if err != nil {
		return nil, err
	}
	a.Attrs, a.Sort, a.Limit, a.Offset = c.attrs, c.sort, c.limit, c.offset
	a.EndPos = p.lastEnd
	return a, nil
}

func (p *parser) parseDisp() (ast.Stmt, error) {
	d := &ast.Disp{Limit: -1, Offset: -1, KeywordPos: p.tok.pos}
	p.next()
	input, err := p.ident()
	if err != nil {
		return nil, err
	}
	d.Input = input
	c, err := p.parseClauses(false, true)
	if err != nil {
		return nil, err
	}
	d.Attrs, d.Sort, d.Limit, d.Offset = c.attrs, c.sort, c.limit, c.offset
	d.EndPos = p.lastEnd
	return d, nil
}

func (p *parser) parseInfo() (ast.Stmt, error) {
	i := &ast.Info{KeywordPos: p.tok.pos}
	p.next()
	input, err := p.ident()
	if err != nil {
		return nil, err
	}
	i.Input = input
	i.EndPos = p.lastEnd
	return i, nil
}

func (p *parser) parseExplain() (ast.Stmt, error) {
	e := &ast.Explain{KeywordPos: p.tok.pos}
	p.next()
	input, err := p.ident()
	if err != nil {
		return nil, err
	}
	e.Input = input
	e.EndPos = p.lastEnd
	return e, nil
}

func (p *parser) parseApply() (ast.Stmt, error) {
	a := &ast.Apply{KeywordPos: p.tok.pos}
	p.next()
	analytic, err := p.parseSource(true)
	if err != nil {
		return nil, err
	}
	a.Analytic = analytic
	if err := p.expect("ON"); err != nil {
		return nil, err
	}
	for {
		input, err := p.ident()
		if err != nil {
			return nil, err
		}
		a.Inputs = append(a.Inputs, input)
		if p.tok.kind != tokenComma {
			break
		}
		p.next()
	}
	if p.eat("WITH") {
		a.Params = make(map[string]any)
		for {
			key, err := p.ident()
			if err != nil {
				return nil, err
			}
			if p.tok.kind != tokenEq {
				return nil, p.unexpected("'='")
			}
			p.next()
			value, err := p.parsePrimitive()
			if err != nil {
				return nil, err
			}
			a.Params[key.Name] = value.Value
			if p.tok.kind != tokenComma {
				break
			}
			p.next()
		}
	}
	a.EndPos = p.lastEnd
	return a, nil
}

// parseSource parses a FROM or APPLY target.  A scheme is required for
// analytics; datasources may be bare names resolved against the
// default interface.
func (p *parser) parseSource(schemeRequired bool) (*ast.Source, error) {
	switch p.tok.kind {
	case tokenURI:
		text := p.tok.text
		i := strings.Index(text, "://")
		src := &ast.Source{
			Scheme:    text[:i],
			Path:      text[i+3:],
			Text:      text,
			SourcePos: p.tok.pos,
		}
		if src.Path == "" {
			return nil, p.errorAt(p.tok.pos, p.tok.pos+len(text), "missing name after %q", text)
		}
		p.next()
		return src, nil
	case tokenIdent:
		if schemeRequired {
			return nil, p.errorAt(p.tok.pos, p.tok.pos+len(p.tok.text),
				"analytic must be scheme-qualified, like python://%s", p.tok.text)
		}
		src := &ast.Source{Path: p.tok.text, Text: p.tok.text, SourcePos: p.tok.pos}
		p.next()
		return src, nil
	}
	return nil, p.unexpected("a datasource")
}

type stmtClauses struct {
	span   *ast.TimeSpan
	sort   *ast.SortClause
	attrs  []*ast.ID
	limit  int
	offset int
}

func (p *parser) parseClauses(allowSpan, allowAttrs bool) (*stmtClauses, error) {
	c := &stmtClauses{limit: -1, offset: -1}
	for {
		switch {
		case allowSpan && (p.at("START") || p.at("LAST")):
			if c.span != nil {
				return nil, p.errorAt(p.tok.pos, p.tok.pos+len(p.tok.text), "duplicate time range")
			}
			span, err := p.parseTimeSpan()
			if err != nil {
				return nil, err
			}
			c.span = span
		case allowAttrs && p.at("ATTR"):
			if c.attrs != nil {
				return nil, p.errorAt(p.tok.pos, p.tok.pos+len(p.tok.text), "duplicate ATTR clause")
			}
			p.next()
			for {
				attr, err := p.attrName()
				if err != nil {
					return nil, err
				}
				c.attrs = append(c.attrs, attr)
				if p.tok.kind != tokenComma {
					break
				}
				p.next()
			}
		case p.at("SORT"):
			if c.sort != nil {
				return nil, p.errorAt(p.tok.pos, p.tok.pos+len(p.tok.text), "duplicate SORT clause")
			}
			sort, err := p.parseSortClause()
			if err != nil {
				return nil, err
			}
			c.sort = sort
		case p.at("LIMIT"):
			if c.limit >= 0 {
				return nil, p.errorAt(p.tok.pos, p.tok.pos+len(p.tok.text), "duplicate LIMIT clause")
			}
			p.next()
			n, err := p.parseCount()
			if err != nil {
				return nil, err
			}
			c.limit = n
		case p.at("OFFSET"):
			if c.offset >= 0 {
				return nil, p.errorAt(p.tok.pos, p.tok.pos+len(p.tok.text), "duplicate OFFSET clause")
			}
			p.next()
			n, err := p.parseCount()
			if err != nil {
				return nil, err
			}
			c.offset = n
		default:
			return c, nil
		}
	}
}

func (p *parser) parseCount() (int, error) {
	if p.tok.kind != tokenNumber || strings.ContainsAny(p.tok.text, ".-") {
		return 0, p.unexpected("a non-negative integer")
	}
	n, err := strconv.Atoi(p.tok.text)
	if err != nil {
		return 0, p.unexpected("a non-negative integer")
	}
	p.next()
	return n, nil
}

func (p *parser) parseSortClause() (*ast.SortClause, error) {
	s := &ast.SortClause{KeywordPos: p.tok.pos}
	p.next()
	if err := p.expect("BY"); err != nil {
		return nil, err
	}
	attr, err := p.attrName()
	if err != nil {
		return nil, err
	}
	s.Attr = attr
	switch {
	case p.eat("ASC"):
		s.Ascending = true
	case p.eat("DESC"):
	}
	s.EndPos = p.lastEnd
	return s, nil
}

func (p *parser) parseTimeSpan() (*ast.TimeSpan, error) {
	span := &ast.TimeSpan{KeywordPos: p.tok.pos}
	if p.eat("LAST") {
		if p.tok.kind != tokenNumber || strings.ContainsAny(p.tok.text, ".-") {
			return nil, p.unexpected("a positive integer")
		}
		n, err := strconv.Atoi(p.tok.text)
		if err != nil || n <= 0 {
			return nil, p.unexpected("a positive integer")
		}
		p.next()
		unit, err := p.parseTimeUnit()
		if err != nil {
			return nil, err
		}
		span.Last = time.Duration(n) * unit
		span.EndPos = p.lastEnd
		return span, nil
	}
	p.next()
	start, err := p.parseTimestamp()
	if err != nil {
		return nil, err
	}
	if err := p.expect("STOP"); err != nil {
		return nil, err
	}
	stop, err := p.parseTimestamp()
	if err != nil {
		return nil, err
	}
	if !stop.After(start) {
		return nil, p.errorAt(span.KeywordPos, p.lastEnd, "time range is empty: STOP is not after START")
	}
	span.Start, span.Stop = start, stop
	span.EndPos = p.lastEnd
	return span, nil
}

func (p *parser) parseTimeUnit() (time.Duration, error) {
	if p.tok.kind != tokenIdent {
		return 0, p.unexpected("a time unit")
	}
	var unit time.Duration
	switch strings.TrimSuffix(strings.ToUpper(p.tok.text), "S") {
	case "SECOND":
		unit = time.Second
	case "MINUTE":
		unit = time.Minute
	case "HOUR":
		unit = time.Hour
	case "DAY":
		unit = 24 * time.Hour
	default:
		return 0, p.unexpected("SECONDS, MINUTES, HOURS, or DAYS")
	}
	p.next()
	return unit, nil
}

func (p *parser) parseTimestamp() (time.Time, error) {
	switch p.tok.kind {
	case tokenTime, tokenString:
		text := p.tok.value
		ts, err := time.Parse(time.RFC3339, text)
		if err != nil {
			ts, err = dateparse.ParseAny(text)
		}
		if err != nil {
			return time.Time{}, p.errorAt(p.tok.pos, p.tok.pos+len(p.tok.text), "bad timestamp %q", text)
		}
		p.next()
		return ts.UTC(), nil
	}
	return time.Time{}, p.unexpected("a timestamp")
}

// Filter expressions: OR binds loosest, then AND, then NOT.

func (p *parser) parseExpr() (ast.Expr, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (ast.Expr, error) {
	lhs, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.eat("OR") {
		rhs, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lhs = &ast.BinaryExpr{Op: "OR", LHS: lhs, RHS: rhs}
	}
	return lhs, nil
}

func (p *parser) parseAnd() (ast.Expr, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.eat("AND") {
		rhs, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		lhs = &ast.BinaryExpr{Op: "AND", LHS: lhs, RHS: rhs}
	}
	return lhs, nil
}

func (p *parser) parseUnary() (ast.Expr, error) {
	if p.at("NOT") {
		pos := p.tok.pos
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryExpr{Op: "NOT", Operand: operand, KeywordPos: pos}, nil
	}
	if p.tok.kind == tokenLparen {
		p.next()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokenRparen {
			return nil, p.unexpected("')'")
		}
		p.next()
		return expr, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (ast.Expr, error) {
	attr, err := p.attrName()
	if err != nil {
		return nil, err
	}
	var op string
	switch {
	case p.tok.kind == tokenEq:
		op = ast.OpEqual
		p.next()
	case p.tok.kind == tokenNe:
		op = ast.OpNotEqual
		p.next()
	case p.tok.kind == tokenLt:
		op = ast.OpLess
		p.next()
	case p.tok.kind == tokenLe:
		op = ast.OpLessEq
		p.next()
	case p.tok.kind == tokenGt:
		op = ast.OpGreater
		p.next()
	case p.tok.kind == tokenGe:
		op = ast.OpGreaterEq
		p.next()
	case p.eat("LIKE"):
		op = ast.OpLike
	case p.eat("MATCHES"):
		op = ast.OpMatches
	case p.eat("IN"):
		op = ast.OpIn
	case p.at("NOT"):
		// Infix negation: NOT LIKE, NOT MATCHES, NOT IN.
		notPos := p.tok.pos
		p.next()
		switch {
		case p.eat("LIKE"):
			op = ast.OpLike
		case p.eat("MATCHES"):
			op = ast.OpMatches
		case p.eat("IN"):
			op = ast.OpIn
		default:
			return nil, p.unexpected("LIKE, MATCHES, or IN after NOT")
		}
		value, err := p.comparisonValue(op)
		if err != nil {
			return nil, err
		}
		cmp := &ast.Comparison{Attr: attr, Op: op, Value: value}
		return &ast.UnaryExpr{Op: "NOT", Operand: cmp, KeywordPos: notPos}, nil
	default:
		return nil, p.unexpected("a comparison operator")
	}
	value, err := p.comparisonValue(op)
	if err != nil {
		return nil, err
	}
	return &ast.Comparison{Attr: attr, Op: op, Value: value}, nil
}

func (p *parser) comparisonValue(op string) (ast.Expr, error) {
	if op == ast.OpIn && p.tok.kind == tokenLparen {
		return p.parseList()
	}
	return p.parseValue()
}

func (p *parser) parseList() (*ast.ListExpr, error) {
	list := &ast.ListExpr{Lparen: p.tok.pos}
	p.next()
	for {
		prim, err := p.parsePrimitive()
		if err != nil {
			return nil, err
		}
		list.Values = append(list.Values, prim)
		if p.tok.kind != tokenComma {
			break
		}
		p.next()
	}
	if p.tok.kind != tokenRparen {
		return nil, p.unexpected("')'")
	}
	list.Rparen = p.tok.pos
	p.next()
	return list, nil
}

// parseValue parses the right-hand side of a comparison: a literal, a
// var.attr reference to one column of a previously bound variable, or
// a bare variable name, which references the column matching the
// left-hand attribute.
func (p *parser) parseValue() (ast.Expr, error) {
	if p.tok.kind == tokenIdent {
		switch strings.ToUpper(p.tok.text) {
		case "TRUE", "FALSE", "NULL":
			return p.parsePrimitive()
		}
		variable, err := p.ident()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokenDot {
			return &ast.VarAttr{Variable: variable.Name, VarPos: variable.NamePos}, nil
		}
		p.next()
		attr, err := p.attrName()
		if err != nil {
			return nil, err
		}
		return &ast.VarAttr{Variable: variable.Name, Attr: attr.Name, VarPos: variable.NamePos}, nil
	}
	return p.parsePrimitive()
}

func (p *parser) parsePrimitive() (*ast.Primitive, error) {
	tok := p.tok
	switch tok.kind {
	case tokenString:
		p.next()
		return &ast.Primitive{Text: tok.text, Value: tok.value, TextPos: tok.pos}, nil
	case tokenNumber:
		p.next()
		if strings.ContainsRune(tok.text, '.') {
			f, err := strconv.ParseFloat(tok.text, 64)
			if err != nil {
				return nil, p.errorAt(tok.pos, tok.pos+len(tok.text), "bad number %q", tok.text)
			}
			return &ast.Primitive{Text: tok.text, Value: f, TextPos: tok.pos}, nil
		}
		i, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return nil, p.errorAt(tok.pos, tok.pos+len(tok.text), "bad number %q", tok.text)
		}
		return &ast.Primitive{Text: tok.text, Value: i, TextPos: tok.pos}, nil
	case tokenTime:
		ts, err := p.parseTimestamp()
		if err != nil {
			return nil, err
		}
		return &ast.Primitive{Text: tok.text, Value: ts, TextPos: tok.pos}, nil
	case tokenIdent:
		switch strings.ToUpper(tok.text) {
		case "TRUE":
			p.next()
			return &ast.Primitive{Text: tok.text, Value: true, TextPos: tok.pos}, nil
		case "FALSE":
			p.next()
			return &ast.Primitive{Text: tok.text, Value: false, TextPos: tok.pos}, nil
		case "NULL":
			p.next()
			return &ast.Primitive{Text: tok.text, Value: nil, TextPos: tok.pos}, nil
		}
	}
	return nil, p.unexpected("a literal value")
}
