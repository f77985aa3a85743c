package lang

// Expr is any expression node.
type Expr interface {
	Pos() Pos
	exprNode()
}

// TypeExpr is a type annotation as written in source.
type TypeExpr interface {
	Pos() Pos
	typeNode()
}

type (
	IntLit struct {
		At    Pos
		Value int64
	}

	StrLit struct {
		At    Pos
		Value string
	}

	BoolLit struct {
		At    Pos
		Value bool
	}

	Ident struct {
		At   Pos
		Name string
	}

	Let struct {
		At    Pos
		Name  string
		Type  TypeExpr // optional
		Bound Expr
		Body  Expr
	}

	If struct {
		At               Pos
		Cond, Then, Else Expr
	}

	Unary struct {
		At Pos
		Op TokenKind
		X  Expr
	}

	Binary struct {
		At   Pos
		Op   TokenKind
		L, R Expr
	}

	ListLit struct {
		At    Pos
		Elems []Expr
	}

	RecordLit struct {
		At     Pos
		Fields []Field
	}

	// RecordUpdate is {base | a: v}. It may only replace existing fields.
	RecordUpdate struct {
		At     Pos
		Base   Expr
		Fields []Field
	}

	FieldAccess struct {
		At   Pos
		X    Expr
		Name string
	}

	Call struct {
		At   Pos
		Fn   Expr
		Args []Expr
	}

	Lambda struct {
		At     Pos
		Params []Param
		Body   Expr
	}
)

// Field is one name: value entry of a record literal or update.
type Field struct {
	At    Pos
	Name  string
	Value Expr
}

// Param is a function or lambda parameter with an optional annotation.
type Param struct {
	At   Pos
	Name string
	Type TypeExpr
}

func (e *IntLit) Pos() Pos       { return e.At }
func (e *StrLit) Pos() Pos       { return e.At }
func (e *BoolLit) Pos() Pos      { return e.At }
func (e *Ident) Pos() Pos        { return e.At }
func (e *Let) Pos() Pos          { return e.At }
func (e *If) Pos() Pos           { return e.At }
func (e *Unary) Pos() Pos        { return e.At }
func (e *Binary) Pos() Pos       { return e.At }
func (e *ListLit) Pos() Pos      { return e.At }
func (e *RecordLit) Pos() Pos    { return e.At }
func (e *RecordUpdate) Pos() Pos { return e.At }
func (e *FieldAccess) Pos() Pos  { return e.At }
func (e *Call) Pos() Pos         { return e.At }
func (e *Lambda) Pos() Pos       { return e.At }

func (*IntLit) exprNode()       {}
func (*StrLit) exprNode()       {}
func (*BoolLit) exprNode()      {}
func (*Ident) exprNode()        {}
func (*Let) exprNode()          {}
func (*If) exprNode()           {}
func (*Unary) exprNode()        {}
func (*Binary) exprNode()       {}
func (*ListLit) exprNode()      {}
func (*RecordLit) exprNode()    {}
func (*RecordUpdate) exprNode() {}
func (*FieldAccess) exprNode()  {}
func (*Call) exprNode()         {}
func (*Lambda) exprNode()       {}

type (
	// NamedType is a base type (Int, Str, ...) or an alias (Event, Hit).
	NamedType struct {
		At   Pos
		Name string
	}

	ListType struct {
		At   Pos
		Elem TypeExpr
	}

	// RecordType is {a: T, b: U} or, when Open, {a: T, ..}. RowVar names
	// the row in builtin signatures ({at: Int, ..r}).
	RecordType struct {
		At     Pos
		Fields []TypeField
		Open   bool
		RowVar string
	}

	FuncType struct {
		At     Pos
		Params []TypeExpr
		Result TypeExpr
	}
)

// TypeField is one field of a record type.
type TypeField struct {
	At   Pos
	Name string
	Type TypeExpr
}

func (t *NamedType) Pos() Pos  { return t.At }
func (t *ListType) Pos() Pos   { return t.At }
func (t *RecordType) Pos() Pos { return t.At }
func (t *FuncType) Pos() Pos   { return t.At }

func (*NamedType) typeNode()  {}
func (*ListType) typeNode()   {}
func (*RecordType) typeNode() {}
func (*FuncType) typeNode()   {}

// FuncDecl is a top-level named function.
type FuncDecl struct {
	At     Pos
	Name   string
	Params []Param
	Result TypeExpr // optional
	Body   Expr
}

// TypeDecl is a top-level type alias.
type TypeDecl struct {
	At   Pos
	Name string
	Type TypeExpr
}

// Program is a parsed source file. Declarations keep source order.
type Program struct {
	Types []*TypeDecl
	Funcs []*FuncDecl
}

// Func returns the named function declaration, or nil.
func (p *Program) Func(name string) *FuncDecl {
	for _, f := range p.Funcs {
		if f.Name == name {
			return f
		}
	}
	return nil
}
