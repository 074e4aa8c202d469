package asm

import "fmt"

// ---------------------------------------------------------------------------
// Tokens of the assembler
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenError
	TokenNewline

	TokenIdent    // push, loop, frame-back
	TokenNumber   // 42, -7, 0x1F, 2.5, 1e-3
	TokenString   // "text"
	TokenRegister // $ra

	TokenColon // :
	TokenDot   // .
	TokenEqual // =
)

var tokenNames = map[TokenType]string{
	TokenEOF:      "EOF",
	TokenError:    "ERROR",
	TokenNewline:  "NEWLINE",
	TokenIdent:    "IDENT",
	TokenNumber:   "NUMBER",
	TokenString:   "STRING",
	TokenRegister: "REGISTER",
	TokenColon:    ":",
	TokenDot:      ".",
	TokenEqual:    "=",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TokenType(%d)", int(t))
}

// Position is a location in the source.
type Position struct {
	Line   int
	Column int
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Token is a lexical token. String literals carry their unquoted text.
type Token struct {
	Type    TokenType
	Literal string
	Pos     Position
}

func (t Token) String() string {
	switch t.Type {
	case TokenEOF, TokenNewline:
		return t.Type.String()
	}
	return fmt.Sprintf("%s(%q)", t.Type, t.Literal)
}
