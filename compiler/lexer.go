package compiler

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokKeyword
	tokOp
)

type token struct {
	kind  tokenKind
	text  string
	value int
	pos   Position
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of file"
	case tokNumber:
		return strconv.Itoa(t.value)
	default:
		return strconv.Quote(t.text)
	}
}

var keywords = map[string]bool{
	"var": true, "onevent": true, "sub": true, "callsub": true, "call": true,
	"emit": true, "if": true, "then": true, "elseif": true, "else": true,
	"end": true, "while": true, "do": true, "for": true, "in": true,
	"step": true, "return": true, "and": true, "or": true, "not": true, "abs": true,
}

// operators, longest first.
var operators = []string{
	"<<=", ">>=",
	"==", "!=", "<=", ">=", "<<", ">>", "+=", "-=", "*=", "/=", "%=", "|=", "^=", "&=", "++", "--",
	"=", "<", ">", "+", "-", "*", "/", "%", "|", "^", "&", "~", "(", ")", "[", "]", ",", ":",
}

type lexer struct {
	src  []rune
	off  int
	line int
	col  int
}

func tokenize(source string) ([]token, error) {
	lx := &lexer{src: []rune(source), line: 1, col: 1}
	var out []token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
		if tok.kind == tokEOF {
			return out, nil
		}
	}
}

func (lx *lexer) peek(n int) rune {
	if lx.off+n >= len(lx.src) {
		return 0
	}
	return lx.src[lx.off+n]
}

func (lx *lexer) advance() rune {
	r := lx.src[lx.off]
	lx.off++
	if r == '\n' {
		lx.line++
		lx.col = 1
	} else {
		lx.col++
	}
	return r
}

func (lx *lexer) pos() Position { return Position{Line: lx.line, Column: lx.col} }

func (lx *lexer) skipSpaceAndComments() error {
	for lx.off < len(lx.src) {
		r := lx.peek(0)
		switch {
		case unicode.IsSpace(r):
			lx.advance()
		case r == '#' && lx.peek(1) == '*':
			start := lx.pos()
			lx.advance()
			lx.advance()
			for {
				if lx.off >= len(lx.src) {
					return errorAt(start, "unterminated block comment")
				}
				if lx.peek(0) == '*' && lx.peek(1) == '#' {
					lx.advance()
					lx.advance()
					break
				}
				lx.advance()
			}
		case r == '#':
			for lx.off < len(lx.src) && lx.peek(0) != '\n' {
				lx.advance()
			}
		default:
			return nil
		}
	}
	return nil
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }
func isIdentPart(r rune) bool  { return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r) }

func (lx *lexer) next() (token, error) {
	if err := lx.skipSpaceAndComments(); err != nil {
		return token{}, err
	}
	start := lx.pos()
	if lx.off >= len(lx.src) {
		return token{kind: tokEOF, pos: start}, nil
	}

	r := lx.peek(0)
	switch {
	case isIdentStart(r):
		var b strings.Builder
		for lx.off < len(lx.src) && isIdentPart(lx.peek(0)) {
			b.WriteRune(lx.advance())
		}
		text := b.String()
		if keywords[text] {
			return token{kind: tokKeyword, text: text, pos: start}, nil
		}
		return token{kind: tokIdent, text: text, pos: start}, nil

	case unicode.IsDigit(r):
		var b strings.Builder
		for lx.off < len(lx.src) && (unicode.IsDigit(lx.peek(0)) || unicode.IsLetter(lx.peek(0))) {
			b.WriteRune(lx.advance())
		}
		text := b.String()
		v, err := parseNumber(text)
		if err != nil {
			return token{}, errorAt(start, "invalid number %q", text)
		}
		return token{kind: tokNumber, text: text, value: v, pos: start}, nil
	}

	for _, op := range operators {
		if lx.hasPrefix(op) {
			for range op {
				lx.advance()
			}
			return token{kind: tokOp, text: op, pos: start}, nil
		}
	}
	return token{}, errorAt(start, "unexpected character %q", r)
}

func (lx *lexer) hasPrefix(s string) bool {
	i := 0
	for _, r := range s {
		if lx.peek(i) != r {
			return false
		}
		i++
	}
	return true
}

func parseNumber(text string) (int, error) {
	base := 10
	digits := text
	switch {
	case strings.HasPrefix(text, "0x"), strings.HasPrefix(text, "0X"):
		base, digits = 16, text[2:]
	case strings.HasPrefix(text, "0b"), strings.HasPrefix(text, "0B"):
		base, digits = 2, text[2:]
	}
	v, err := strconv.ParseUint(digits, base, 16)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", text, err)
	}
	if base != 10 {
		// hex and binary literals are bit patterns.
		return int(int16(v)), nil
	}
	// 32768 is only valid as the operand of a unary minus.
	if v > 32768 {
		return 0, fmt.Errorf("%q out of range", text)
	}
	return int(v), nil
}
