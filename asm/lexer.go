package asm

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Lexer tokenizes assembler source. Newlines are significant; ';' starts
// a comment that runs to the end of the line.
type Lexer struct {
	input   string
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      rune // current character
	eof     bool // input exhausted; ch is meaningless
	line    int
	col     int
}

// NewLexer creates a lexer over input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input, line: 1}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
		l.col = 0
	}
	if l.readPos >= len(l.input) {
		l.ch = 0
		l.eof = true
		l.pos = l.readPos
		return
	}
	r, size := utf8.DecodeRuneInString(l.input[l.readPos:])
	l.ch = r
	l.pos = l.readPos
	l.readPos += size
	l.col++
}

func (l *Lexer) peekChar() rune {
	if l.readPos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.readPos:])
	return r
}

func (l *Lexer) position() Position {
	return Position{Line: l.line, Column: l.col}
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	l.skipBlanks()
	pos := l.position()

	switch {
	case l.eof:
		return Token{Type: TokenEOF, Pos: pos}
	case l.ch == '\n':
		l.readChar()
		return Token{Type: TokenNewline, Pos: pos}
	case l.ch == ':':
		l.readChar()
		return Token{Type: TokenColon, Literal: ":", Pos: pos}
	case l.ch == '.':
		l.readChar()
		return Token{Type: TokenDot, Literal: ".", Pos: pos}
	case l.ch == '=':
		l.readChar()
		return Token{Type: TokenEqual, Literal: "=", Pos: pos}
	case l.ch == '"':
		return l.readString(pos)
	case l.ch == '$':
		l.readChar()
		name := l.readWord()
		if name == "" {
			return Token{Type: TokenError, Literal: "register name expected after '$'", Pos: pos}
		}
		return Token{Type: TokenRegister, Literal: name, Pos: pos}
	case isDigit(l.ch) || ((l.ch == '-' || l.ch == '+') && isDigit(l.peekChar())):
		return l.readNumber(pos)
	case isIdentStart(l.ch):
		return Token{Type: TokenIdent, Literal: l.readWord(), Pos: pos}
	}

	ch := l.ch
	l.readChar()
	return Token{Type: TokenError, Literal: "unexpected character " + strconv.QuoteRune(ch), Pos: pos}
}

// skipBlanks skips spaces, tabs, carriage returns and comments, but not
// newlines.
func (l *Lexer) skipBlanks() {
	for {
		switch {
		case l.ch == ';':
			for l.ch != '\n' && !l.eof {
				l.readChar()
			}
		case l.ch != '\n' && !l.eof && unicode.IsSpace(l.ch):
			l.readChar()
		default:
			return
		}
	}
}

// readWord reads an identifier. Hyphens are allowed after the first
// character so section names like frame-back lex as one word.
func (l *Lexer) readWord() string {
	start := l.pos
	for isIdentPart(l.ch) {
		l.readChar()
	}
	return l.input[start:l.pos]
}

func (l *Lexer) readNumber(pos Position) Token {
	start := l.pos
	if l.ch == '-' || l.ch == '+' {
		l.readChar()
	}
	for isDigit(l.ch) || unicode.IsLetter(l.ch) || l.ch == '_' || l.ch == '.' ||
		((l.ch == '-' || l.ch == '+') && (l.input[l.pos-1] == 'e' || l.input[l.pos-1] == 'E')) {
		l.readChar()
	}
	return Token{Type: TokenNumber, Literal: l.input[start:l.pos], Pos: pos}
}

func (l *Lexer) readString(pos Position) Token {
	start := l.pos
	l.readChar() // opening quote
	for l.ch != '"' {
		if l.eof || l.ch == '\n' {
			return Token{Type: TokenError, Literal: "unterminated string", Pos: pos}
		}
		if l.ch == '\\' {
			l.readChar()
		}
		l.readChar()
	}
	l.readChar() // closing quote
	s, err := strconv.Unquote(l.input[start:l.pos])
	if err != nil {
		return Token{Type: TokenError, Literal: "bad string literal: " + err.Error(), Pos: pos}
	}
	return Token{Type: TokenString, Literal: s, Pos: pos}
}

func isDigit(ch rune) bool { return ch >= '0' && ch <= '9' }

func isIdentStart(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch)
}

func isIdentPart(ch rune) bool {
	return isIdentStart(ch) || isDigit(ch) || ch == '-'
}

// isFloatLiteral reports whether a number literal is written as a float.
func isFloatLiteral(lit string) bool {
	lower := strings.ToLower(strings.TrimLeft(lit, "+-"))
	if strings.HasPrefix(lower, "0x") {
		return strings.ContainsAny(lower, ".p")
	}
	return strings.ContainsAny(lower, ".e")
}
