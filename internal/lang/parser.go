package lang

import (
	"errors"
	"fmt"
)

// Limits on card sources. Checking and lowering recurse over the syntax
// tree, so its depth must stay bounded.
const (
	MaxSourceBytes = 1 << 20
	MaxNesting     = 512
)

// Parse parses a card source file. On failure the error is Diagnostics;
// parsing stops at the first syntax error but duplicate declarations are
// all reported.
func Parse(src string) (*Program, error) {
	if len(src) > MaxSourceBytes {
		return nil, Diagnostics{{
			Code:    ErrSourceTooLarge,
			Message: fmt.Sprintf("source is %d bytes, limit is %d", len(src), MaxSourceBytes),
		}}
	}
	toks, err := Lex(src)
	if err != nil {
		return nil, toDiagnostics(err)
	}
	p := &parser{toks: toks}
	prog, err := p.program()
	if err != nil {
		return nil, toDiagnostics(err)
	}
	if diags := checkDuplicates(prog); len(diags) > 0 {
		return nil, diags
	}
	return prog, nil
}

// ParseType parses a standalone type expression, as found in manifests.
func ParseType(src string) (TypeExpr, error) {
	toks, err := Lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	t, err := p.typeExpr()
	if err != nil {
		return nil, err
	}
	if !p.at(EOF) {
		return nil, p.unexpected("end of type")
	}
	return t, nil
}

// ParseExpr parses a standalone expression.
func ParseExpr(src string) (Expr, error) {
	toks, err := Lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	if !p.at(EOF) {
		return nil, p.unexpected("end of expression")
	}
	return e, nil
}

func toDiagnostics(err error) Diagnostics {
	var d Diagnostic
	if errors.As(err, &d) {
		return Diagnostics{d}
	}
	return Diagnostics{{Code: ErrUnexpectedToken, Message: err.Error()}}
}

func checkDuplicates(prog *Program) Diagnostics {
	var diags Diagnostics
	seen := make(map[string]Pos)
	for _, f := range prog.Funcs {
		if prev, ok := seen[f.Name]; ok {
			diags = append(diags, Diagnostic{
				Code:    ErrDuplicateDecl,
				Message: fmt.Sprintf("function %s already declared at %s", f.Name, prev),
				Pos:     f.At,
			})
			continue
		}
		seen[f.Name] = f.At
	}
	seenTypes := make(map[string]Pos)
	for _, t := range prog.Types {
		if prev, ok := seenTypes[t.Name]; ok {
			diags = append(diags, Diagnostic{
				Code:    ErrDuplicateDecl,
				Message: fmt.Sprintf("type %s already declared at %s", t.Name, prev),
				Pos:     t.At,
			})
			continue
		}
		seenTypes[t.Name] = t.At
	}
	return diags
}

type parser struct {
	toks  []Token
	i     int
	depth int
}

// nest enters one level of syntactic nesting. Callers pair it with unnest.
func (p *parser) nest() error {
	return p.deepen(1)
}

func (p *parser) unnest() { p.depth-- }

// deepen adds n levels, failing once the total passes MaxNesting.
func (p *parser) deepen(n int) error {
	p.depth += n
	if p.depth > MaxNesting {
		return Diagnostic{
			Code:    ErrNestingDepth,
			Message: fmt.Sprintf("nesting deeper than %d levels", MaxNesting),
			Pos:     p.peek().Pos,
		}
	}
	return nil
}

func (p *parser) peek() Token { return p.toks[p.i] }

func (p *parser) peekN(n int) Token {
	if p.i+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.i+n]
}

func (p *parser) at(k TokenKind) bool { return p.peek().Kind == k }

func (p *parser) advance() Token {
	t := p.toks[p.i]
	if t.Kind != EOF {
		p.i++
	}
	return t
}

func (p *parser) accept(k TokenKind) bool {
	if p.at(k) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expect(k TokenKind) (Token, error) {
	if !p.at(k) {
		return Token{}, p.unexpected(k.String())
	}
	return p.advance(), nil
}

func (p *parser) unexpected(want string) error {
	t := p.peek()
	return Diagnostic{
		Code:    ErrUnexpectedToken,
		Message: fmt.Sprintf("expected %s, found %s", want, t),
		Pos:     t.Pos,
	}
}

func (p *parser) program() (*Program, error) {
	prog := &Program{}
	for !p.at(EOF) {
		switch p.peek().Kind {
		case FN:
			f, err := p.funcDecl()
			if err != nil {
				return nil, err
			}
			prog.Funcs = append(prog.Funcs, f)
		case TYPE:
			t, err := p.typeDecl()
			if err != nil {
				return nil, err
			}
			prog.Types = append(prog.Types, t)
		default:
			return nil, p.unexpected("fn or type declaration")
		}
	}
	return prog, nil
}

func (p *parser) typeDecl() (*TypeDecl, error) {
	start := p.advance().Pos
	name, err := p.expect(IDENT)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(ASSIGN); err != nil {
		return nil, err
	}
	t, err := p.typeExpr()
	if err != nil {
		return nil, err
	}
	return &TypeDecl{At: start, Name: name.Text, Type: t}, nil
}

func (p *parser) funcDecl() (*FuncDecl, error) {
	start := p.advance().Pos
	name, err := p.expect(IDENT)
	if err != nil {
		return nil, err
	}
	params, err := p.params()
	if err != nil {
		return nil, err
	}
	f := &FuncDecl{At: start, Name: name.Text, Params: params}
	if p.accept(ARROW) {
		if f.Result, err = p.typeExpr(); err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(ASSIGN); err != nil {
		return nil, err
	}
	if f.Body, err = p.expr(); err != nil {
		return nil, err
	}
	return f, nil
}

func (p *parser) params() ([]Param, error) {
	if _, err := p.expect(LPAREN); err != nil {
		return nil, err
	}
	var params []Param
	for !p.at(RPAREN) {
		name, err := p.expect(IDENT)
		if err != nil {
			return nil, err
		}
		prm := Param{At: name.Pos, Name: name.Text}
		if p.accept(COLON) {
			if prm.Type, err = p.typeExpr(); err != nil {
				return nil, err
			}
		}
		params = append(params, prm)
		if !p.accept(COMMA) {
			break
		}
	}
	if _, err := p.expect(RPAREN); err != nil {
		return nil, err
	}
	return params, nil
}

func (p *parser) expr() (Expr, error) {
	if err := p.nest(); err != nil {
		return nil, err
	}
	defer p.unnest()
	switch p.peek().Kind {
	case LET:
		return p.letExpr()
	case IF:
		return p.ifExpr()
	case FN:
		return p.lambda()
	}
	return p.binary(1)
}

func (p *parser) letExpr() (Expr, error) {
	start := p.advance().Pos
	name, err := p.expect(IDENT)
	if err != nil {
		return nil, err
	}
	l := &Let{At: start, Name: name.Text}
	if p.accept(COLON) {
		if l.Type, err = p.typeExpr(); err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(ASSIGN); err != nil {
		return nil, err
	}
	if l.Bound, err = p.expr(); err != nil {
		return nil, err
	}
	if _, err := p.expect(IN); err != nil {
		return nil, err
	}
	if l.Body, err = p.expr(); err != nil {
		return nil, err
	}
	return l, nil
}

func (p *parser) ifExpr() (Expr, error) {
	start := p.advance().Pos
	cond, err := p.expr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(THEN); err != nil {
		return nil, err
	}
	then, err := p.expr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(ELSE); err != nil {
		return nil, err
	}
	els, err := p.expr()
	if err != nil {
		return nil, err
	}
	return &If{At: start, Cond: cond, Then: then, Else: els}, nil
}

func (p *parser) lambda() (Expr, error) {
	start := p.advance().Pos
	params, err := p.params()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(FATARROW); err != nil {
		return nil, err
	}
	body, err := p.expr()
	if err != nil {
		return nil, err
	}
	return &Lambda{At: start, Params: params, Body: body}, nil
}

// binding power of binary operators; higher binds tighter.
var precedence = map[TokenKind]int{
	OR:  1,
	AND: 2,
	EQ:  3, NEQ: 3,
	LT: 4, LE: 4, GT: 4, GE: 4,
	PLUS: 5, MINUS: 5,
	STAR: 6, SLASH: 6, PCT: 6,
}

func (p *parser) binary(minPrec int) (Expr, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	// Each operator wraps the tree built so far one level deeper.
	wraps := 0
	defer func() { p.depth -= wraps }()
	for {
		op := p.peek()
		prec, ok := precedence[op.Kind]
		if !ok || prec < minPrec {
			return left, nil
		}
		wraps++
		if err := p.deepen(1); err != nil {
			return nil, err
		}
		p.advance()
		var right Expr
		switch p.peek().Kind {
		case LET, IF, FN:
			right, err = p.expr()
		default:
			right, err = p.binary(prec + 1)
		}
		if err != nil {
			return nil, err
		}
		left = &Binary{At: op.Pos, Op: op.Kind, L: left, R: right}
	}
}

func (p *parser) unary() (Expr, error) {
	if t := p.peek(); t.Kind == MINUS || t.Kind == NOT {
		if err := p.nest(); err != nil {
			return nil, err
		}
		defer p.unnest()
		p.advance()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &Unary{At: t.Pos, Op: t.Kind, X: x}, nil
	}
	return p.postfix()
}

func (p *parser) postfix() (Expr, error) {
	x, err := p.primary()
	if err != nil {
		return nil, err
	}
	wraps := 0
	defer func() { p.depth -= wraps }()
	for {
		t := p.peek()
		if t.Kind == LPAREN || t.Kind == DOT {
			wraps++
			if err := p.deepen(1); err != nil {
				return nil, err
			}
		}
		switch t.Kind {
		case LPAREN:
			p.advance()
			args, err := p.exprList(RPAREN)
			if err != nil {
				return nil, err
			}
			x = &Call{At: t.Pos, Fn: x, Args: args}
		case DOT:
			p.advance()
			name, err := p.expect(IDENT)
			if err != nil {
				return nil, err
			}
			x = &FieldAccess{At: name.Pos, X: x, Name: name.Text}
		default:
			return x, nil
		}
	}
}

func (p *parser) exprList(closer TokenKind) ([]Expr, error) {
	var out []Expr
	for !p.at(closer) {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if !p.accept(COMMA) {
			break
		}
	}
	if _, err := p.expect(closer); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) primary() (Expr, error) {
	t := p.peek()
	switch t.Kind {
	case INT:
		p.advance()
		return &IntLit{At: t.Pos, Value: t.Int}, nil
	case STRING:
		p.advance()
		return &StrLit{At: t.Pos, Value: t.Text}, nil
	case TRUE, FALSE:
		p.advance()
		return &BoolLit{At: t.Pos, Value: t.Kind == TRUE}, nil
	case IDENT:
		p.advance()
		return &Ident{At: t.Pos, Name: t.Text}, nil
	case LPAREN:
		p.advance()
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(RPAREN); err != nil {
			return nil, err
		}
		return e, nil
	case LBRACK:
		p.advance()
		elems, err := p.exprList(RBRACK)
		if err != nil {
			return nil, err
		}
		return &ListLit{At: t.Pos, Elems: elems}, nil
	case LBRACE:
		return p.record()
	}
	return nil, p.unexpected("expression")
}

// record parses {}, {a: e, ...} or {base | a: e, ...}.
func (p *parser) record() (Expr, error) {
	start := p.advance().Pos
	if p.accept(RBRACE) {
		return &RecordLit{At: start}, nil
	}
	if p.at(IDENT) && p.peekN(1).Kind == COLON {
		fields, err := p.fields()
		if err != nil {
			return nil, err
		}
		return &RecordLit{At: start, Fields: fields}, nil
	}
	base, err := p.expr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(PIPE); err != nil {
		return nil, err
	}
	fields, err := p.fields()
	if err != nil {
		return nil, err
	}
	return &RecordUpdate{At: start, Base: base, Fields: fields}, nil
}

func (p *parser) fields() ([]Field, error) {
	var out []Field
	seen := make(map[string]bool)
	for !p.at(RBRACE) {
		name, err := p.expect(IDENT)
		if err != nil {
			return nil, err
		}
		if seen[name.Text] {
			return nil, Diagnostic{
				Code:    ErrDuplicateDecl,
				Message: fmt.Sprintf("field %s given twice", name.Text),
				Pos:     name.Pos,
			}
		}
		seen[name.Text] = true
		if _, err := p.expect(COLON); err != nil {
			return nil, err
		}
		v, err := p.expr()
		if err != nil {
			return nil, err
		}
		out = append(out, Field{At: name.Pos, Name: name.Text, Value: v})
		if !p.accept(COMMA) {
			break
		}
	}
	if _, err := p.expect(RBRACE); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) typeExpr() (TypeExpr, error) {
	if err := p.nest(); err != nil {
		return nil, err
	}
	defer p.unnest()
	t := p.peek()
	switch t.Kind {
	case IDENT:
		p.advance()
		return &NamedType{At: t.Pos, Name: t.Text}, nil
	case LBRACK:
		p.advance()
		elem, err := p.typeExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(RBRACK); err != nil {
			return nil, err
		}
		return &ListType{At: t.Pos, Elem: elem}, nil
	case LBRACE:
		return p.recordType()
	case LPAREN:
		p.advance()
		var params []TypeExpr
		for !p.at(RPAREN) {
			pt, err := p.typeExpr()
			if err != nil {
				return nil, err
			}
			params = append(params, pt)
			if !p.accept(COMMA) {
				break
			}
		}
		if _, err := p.expect(RPAREN); err != nil {
			return nil, err
		}
		if _, err := p.expect(ARROW); err != nil {
			return nil, err
		}
		res, err := p.typeExpr()
		if err != nil {
			return nil, err
		}
		return &FuncType{At: t.Pos, Params: params, Result: res}, nil
	}
	return nil, p.unexpected("type")
}

func (p *parser) recordType() (TypeExpr, error) {
	rt := &RecordType{At: p.advance().Pos}
	seen := make(map[string]bool)
	for !p.at(RBRACE) {
		if p.accept(ELLIPSIS) {
			rt.Open = true
			if p.at(IDENT) {
				rt.RowVar = p.advance().Text
			}
			break
		}
		// {at, dur: Int} shares the annotation across names
		var names []Token
		for {
			name, err := p.expect(IDENT)
			if err != nil {
				return nil, err
			}
			if seen[name.Text] {
				return nil, Diagnostic{
					Code:    ErrDuplicateDecl,
					Message: fmt.Sprintf("field %s given twice", name.Text),
					Pos:     name.Pos,
				}
			}
			seen[name.Text] = true
			names = append(names, name)
			if p.at(COLON) {
				break
			}
			if _, err := p.expect(COMMA); err != nil {
				return nil, err
			}
		}
		if _, err := p.expect(COLON); err != nil {
			return nil, err
		}
		ft, err := p.typeExpr()
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			rt.Fields = append(rt.Fields, TypeField{At: n.Pos, Name: n.Text, Type: ft})
		}
		if !p.accept(COMMA) {
			break
		}
	}
	if _, err := p.expect(RBRACE); err != nil {
		return nil, err
	}
	return rt, nil
}
