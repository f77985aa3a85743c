package lang

import "fmt"

// Pos is a 1-based source position.
type Pos struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Col)
}

// IsValid reports whether the position points into source text.
func (p Pos) IsValid() bool {
	return p.Line > 0
}

// TokenKind classifies a lexical token.
type TokenKind int

const (
	EOF TokenKind = iota
	IDENT
	INT
	STRING

	// Keywords
	FN
	LET
	IN
	IF
	THEN
	ELSE
	TRUE
	FALSE
	TYPE

	// Punctuation
	LPAREN   // (
	RPAREN   // )
	LBRACK   // [
	RBRACK   // ]
	LBRACE   // {
	RBRACE   // }
	COMMA    // ,
	COLON    // :
	DOT      // .
	ELLIPSIS // ..
	PIPE     // |
	ARROW    // ->
	FATARROW // =>
	ASSIGN   // =

	// Operators
	PLUS  // +
	MINUS // -
	STAR  // *
	SLASH // /
	PCT   // %
	EQ    // ==
	NEQ   // !=
	LT    // <
	LE    // <=
	GT    // >
	GE    // >=
	AND   // &&
	OR    // ||
	NOT   // !
)

var kindNames = map[TokenKind]string{
	EOF: "end of input", IDENT: "identifier", INT: "integer", STRING: "string",
	FN: "fn", LET: "let", IN: "in", IF: "if", THEN: "then", ELSE: "else",
	TRUE: "true", FALSE: "false", TYPE: "type",
	LPAREN: "(", RPAREN: ")", LBRACK: "[", RBRACK: "]", LBRACE: "{", RBRACE: "}",
	COMMA: ",", COLON: ":", DOT: ".", ELLIPSIS: "..", PIPE: "|", ARROW: "->",
	FATARROW: "=>", ASSIGN: "=",
	PLUS: "+", MINUS: "-", STAR: "*", SLASH: "/", PCT: "%",
	EQ: "==", NEQ: "!=", LT: "<", LE: "<=", GT: ">", GE: ">=",
	AND: "&&", OR: "||", NOT: "!",
}

func (k TokenKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(k))
}

var keywords = map[string]TokenKind{
	"fn":    FN,
	"let":   LET,
	"in":    IN,
	"if":    IF,
	"then":  THEN,
	"else":  ELSE,
	"true":  TRUE,
	"false": FALSE,
	"type":  TYPE,
}

// Token is one lexeme. Text holds the identifier name or the decoded string
// literal; Int holds the integer literal value.
type Token struct {
	Kind TokenKind
	Text string
	Int  int64
	Pos  Pos
}

func (t Token) String() string {
	switch t.Kind {
	case IDENT:
		return t.Text
	case INT:
		return fmt.Sprintf("%d", t.Int)
	case STRING:
		return fmt.Sprintf("%q", t.Text)
	}
	return t.Kind.String()
}
