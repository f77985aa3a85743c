package lang

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Lex splits src into tokens. The returned slice always ends with EOF.
// Lexing stops at the first error.
func Lex(src string) ([]Token, error) {
	lx := &lexer{src: src, line: 1, col: 1}
	var toks []Token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.Kind == EOF {
			return toks, nil
		}
	}
}

type lexer struct {
	src  string
	off  int
	line int
	col  int
}

func (lx *lexer) peek() rune {
	if lx.off >= len(lx.src) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(lx.src[lx.off:])
	return r
}

func (lx *lexer) peekAt(n int) rune {
	off := lx.off
	for i := 0; i < n && off < len(lx.src); i++ {
		_, w := utf8.DecodeRuneInString(lx.src[off:])
		off += w
	}
	if off >= len(lx.src) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(lx.src[off:])
	return r
}

func (lx *lexer) advance() rune {
	r, w := utf8.DecodeRuneInString(lx.src[lx.off:])
	lx.off += w
	if r == '\n' {
		lx.line++
		lx.col = 1
	} else {
		lx.col++
	}
	return r
}

func (lx *lexer) pos() Pos {
	return Pos{Line: lx.line, Col: lx.col}
}

func (lx *lexer) skipSpaceAndComments() {
	for lx.off < len(lx.src) {
		r := lx.peek()
		switch {
		case r == '#':
			for lx.off < len(lx.src) && lx.peek() != '\n' {
				lx.advance()
			}
		case unicode.IsSpace(r):
			lx.advance()
		default:
			return
		}
	}
}

var twoCharOps = map[string]TokenKind{
	"->": ARROW, "=>": FATARROW, "==": EQ, "!=": NEQ, "<=": LE, ">=": GE,
	"&&": AND, "||": OR, "..": ELLIPSIS,
}

var oneCharOps = map[rune]TokenKind{
	'(': LPAREN, ')': RPAREN, '[': LBRACK, ']': RBRACK, '{': LBRACE, '}': RBRACE,
	',': COMMA, ':': COLON, '.': DOT, '|': PIPE, '=': ASSIGN,
	'+': PLUS, '-': MINUS, '*': STAR, '/': SLASH, '%': PCT,
	'<': LT, '>': GT, '!': NOT,
}

func (lx *lexer) next() (Token, error) {
	lx.skipSpaceAndComments()
	start := lx.pos()
	if lx.off >= len(lx.src) {
		return Token{Kind: EOF, Pos: start}, nil
	}

	r := lx.peek()
	switch {
	case r == '_' || unicode.IsLetter(r):
		return lx.ident(start), nil
	case r >= '0' && r <= '9':
		return lx.number(start)
	case r == '"':
		return lx.str(start)
	}

	if op, ok := twoCharOps[string([]rune{r, lx.peekAt(1)})]; ok {
		lx.advance()
		lx.advance()
		return Token{Kind: op, Pos: start}, nil
	}
	if op, ok := oneCharOps[r]; ok {
		lx.advance()
		return Token{Kind: op, Pos: start}, nil
	}
	return Token{}, Diagnostic{
		Code:    ErrInvalidToken,
		Message: "unexpected character " + strconv.QuoteRune(r),
		Pos:     start,
	}
}

func (lx *lexer) ident(start Pos) Token {
	begin := lx.off
	for lx.off < len(lx.src) {
		r := lx.peek()
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		lx.advance()
	}
	text := lx.src[begin:lx.off]
	if kw, ok := keywords[text]; ok {
		return Token{Kind: kw, Text: text, Pos: start}
	}
	return Token{Kind: IDENT, Text: text, Pos: start}
}

func (lx *lexer) number(start Pos) (Token, error) {
	begin := lx.off
	for lx.off < len(lx.src) {
		r := lx.peek()
		if (r < '0' || r > '9') && r != '_' {
			break
		}
		lx.advance()
	}
	if r := lx.peek(); r == '.' && lx.peekAt(1) >= '0' && lx.peekAt(1) <= '9' {
		return Token{}, Diagnostic{
			Code:    ErrInvalidToken,
			Message: "fractional numbers are not supported; use integer ticks",
			Pos:     start,
		}
	}
	text := strings.ReplaceAll(lx.src[begin:lx.off], "_", "")
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return Token{}, Diagnostic{
			Code:    ErrIntegerRange,
			Message: "integer literal " + text + " does not fit in 64 bits",
			Pos:     start,
		}
	}
	return Token{Kind: INT, Int: n, Pos: start}, nil
}

func (lx *lexer) str(start Pos) (Token, error) {
	lx.advance() // opening quote
	var b strings.Builder
	for {
		if lx.off >= len(lx.src) || lx.peek() == '\n' {
			return Token{}, Diagnostic{
				Code:    ErrUnterminatedText,
				Message: "string literal not terminated",
				Pos:     start,
			}
		}
		r := lx.advance()
		switch r {
		case '"':
			return Token{Kind: STRING, Text: b.String(), Pos: start}, nil
		case '\\':
			escPos := lx.pos()
			if lx.off >= len(lx.src) {
				continue
			}
			switch e := lx.advance(); e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			default:
				return Token{}, Diagnostic{
					Code:    ErrInvalidToken,
					Message: "unknown escape sequence \\" + string(e),
					Pos:     escPos,
				}
			}
		default:
			b.WriteRune(r)
		}
	}
}
