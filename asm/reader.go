package asm

import (
	"fmt"
	"io"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/procvm/vm"
)

// Reader is a streaming vm.Reader for assembler source. Each statement
// that produces symbols or records becomes one DecodeResult.
//
// Grammar, one statement per line:
//
//	[label:]* mnemonic[.t] [argument]
//	decl[.t] name [= literal | : reference]
//	str name "text"
//
// References are c:N, d:N, b:N, f:N, p:N or r:N (long section names are
// accepted too), $ra..$rf, or a symbol name.
type Reader struct {
	cs  *vm.CommandSet
	lex *Lexer
	tok Token
	log commonlog.Logger
}

// NewReader creates a reader that decodes mnemonics through cs.
func NewReader(cs *vm.CommandSet) *Reader {
	return &Reader{cs: cs, log: commonlog.GetLogger("procvm.asm")}
}

// Setup reads the whole source.
func (r *Reader) Setup(src io.Reader) (vm.FileKind, error) {
	text, err := io.ReadAll(src)
	if err != nil {
		return vm.FileUnknown, fmt.Errorf("asm: reading source: %w", err)
	}
	r.lex = NewLexer(string(text))
	r.next()
	return vm.FileStream, nil
}

// NextSection is not used by stream input.
func (r *Reader) NextSection() (vm.Section, int, error) { return 0, 0, io.EOF }

// ReadSymbols is not used by stream input.
func (r *Reader) ReadSymbols() (vm.SymbolMap, error) { return nil, io.EOF }

// ReadSectionImage is not used by stream input.
func (r *Reader) ReadSectionImage() (any, error) { return nil, io.EOF }

// Reset drops the source.
func (r *Reader) Reset() {
	r.lex = nil
	r.tok = Token{}
}

// ReadStream parses up to the next statement that produces output and
// returns its unit. It returns io.EOF at the end of the source.
func (r *Reader) ReadStream() (*vm.DecodeResult, error) {
	if r.lex == nil {
		return nil, io.EOF
	}
	for {
		switch r.tok.Type {
		case TokenEOF:
			return nil, io.EOF
		case TokenNewline:
			r.next()
			continue
		}
		u, err := r.statement()
		if err != nil {
			return nil, err
		}
		if err := r.endOfLine(); err != nil {
			return nil, err
		}
		if len(u.Symbols) > 0 || len(u.Code) > 0 || len(u.Data) > 0 || len(u.Bytepool) > 0 {
			return u, nil
		}
	}
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

func (r *Reader) next() {
	r.tok = r.lex.NextToken()
}

func (r *Reader) errorf(format string, args ...any) error {
	return &vm.DecodeError{
		Op:  "asm",
		Msg: fmt.Sprintf("%s: %s", r.tok.Pos, fmt.Sprintf(format, args...)),
	}
}

func (r *Reader) expect(t TokenType) (Token, error) {
	tok := r.tok
	if tok.Type == TokenError {
		return tok, r.errorf("%s", tok.Literal)
	}
	if tok.Type != t {
		return tok, r.errorf("expected %s, found %s", t, tok)
	}
	r.next()
	return tok, nil
}

func (r *Reader) endOfLine() error {
	switch r.tok.Type {
	case TokenNewline:
		r.next()
		return nil
	case TokenEOF:
		return nil
	case TokenError:
		return r.errorf("%s", r.tok.Literal)
	}
	return r.errorf("unexpected %s at end of statement", r.tok)
}

func (r *Reader) statement() (*vm.DecodeResult, error) {
	u := &vm.DecodeResult{}

	// Leading labels bind to the next CODE address.
	for r.tok.Type == TokenIdent {
		ident := r.tok
		r.next()
		if r.tok.Type != TokenColon {
			return r.instruction(u, ident)
		}
		r.next()
		u.Symbols = append(u.Symbols, vm.Define(ident.Literal, vm.DirectRef(vm.SectionCode, vm.AutoAddress)))
		r.log.Debugf("label %s", ident.Literal)
	}
	if r.tok.Type == TokenNewline || r.tok.Type == TokenEOF {
		return u, nil
	}
	if r.tok.Type == TokenError {
		return nil, r.errorf("%s", r.tok.Literal)
	}
	return nil, r.errorf("expected a mnemonic, found %s", r.tok)
}

func (r *Reader) typeSuffix() (vm.ValueType, error) {
	if r.tok.Type != TokenDot {
		return vm.TypeNone, nil
	}
	r.next()
	spec, err := r.expect(TokenIdent)
	if err != nil {
		return vm.TypeNone, err
	}
	return vm.ParseType(spec.Literal)
}

func (r *Reader) instruction(u *vm.DecodeResult, mnemonic Token) (*vm.DecodeResult, error) {
	typ, err := r.typeSuffix()
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(mnemonic.Literal) {
	case "decl":
		return u, r.decl(u, typ)
	case "str":
		return u, r.str(u)
	}

	t, err := r.cs.DecodeMnemonic(mnemonic.Literal)
	if err != nil {
		return nil, err
	}
	switch {
	case t.Service && typ != vm.TypeNone:
		return nil, r.errorf("%s takes no type specifier", t.Mnemonic)
	case !t.Service && typ == vm.TypeNone:
		return nil, r.errorf("%s needs a type specifier", t.Mnemonic)
	}

	cmd := vm.Command{Opcode: t.ID, Type: typ}
	switch t.Arg {
	case vm.ArgValue:
		lit, err := r.expect(TokenNumber)
		if err != nil {
			return nil, err
		}
		vt := typ
		if vt == vm.TypeNone {
			vt = vm.TypeInteger
		}
		if cmd.Value, err = vm.ParseValue(vt, lit.Literal); err != nil {
			return nil, err
		}
	case vm.ArgReference:
		ref, mention, err := r.reference()
		if err != nil {
			return nil, err
		}
		cmd.Ref = ref
		if mention != "" {
			u.Symbols = append(u.Symbols, vm.Mention(mention))
		}
	}
	u.Code = append(u.Code, cmd)
	return u, nil
}

// decl declares a DATA cell, optionally initialized, or an alias.
func (r *Reader) decl(u *vm.DecodeResult, typ vm.ValueType) error {
	name, err := r.expect(TokenIdent)
	if err != nil {
		return err
	}
	switch r.tok.Type {
	case TokenColon:
		r.next()
		ref, mention, err := r.reference()
		if err != nil {
			return err
		}
		if mention != "" {
			u.Symbols = append(u.Symbols, vm.Mention(mention))
		}
		u.Symbols = append(u.Symbols, vm.Define(name.Literal, ref))
		return nil

	case TokenEqual:
		r.next()
		lit, err := r.expect(TokenNumber)
		if err != nil {
			return err
		}
		if typ == vm.TypeNone {
			typ = vm.TypeInteger
			if isFloatLiteral(lit.Literal) {
				typ = vm.TypeFloat
			}
		}
		v, err := vm.ParseValue(typ, lit.Literal)
		if err != nil {
			return err
		}
		u.Data = append(u.Data, v)

	default:
		u.Data = append(u.Data, vm.Value{Type: typ})
	}
	u.Symbols = append(u.Symbols, vm.Define(name.Literal, vm.DirectRef(vm.SectionData, vm.AutoAddress)))
	return nil
}

// str places a NUL-terminated string in the bytepool.
func (r *Reader) str(u *vm.DecodeResult) error {
	name, err := r.expect(TokenIdent)
	if err != nil {
		return err
	}
	text, err := r.expect(TokenString)
	if err != nil {
		return err
	}
	if strings.IndexByte(text.Literal, 0) >= 0 {
		return r.errorf("string %s contains a NUL byte", name.Literal)
	}
	u.Bytepool = append(append(u.Bytepool, text.Literal...), 0)
	u.Symbols = append(u.Symbols, vm.Define(name.Literal, vm.DirectRef(vm.SectionBytepool, vm.AutoAddress)))
	return nil
}

var sectionPrefixes = map[string]vm.Section{
	"c": vm.SectionCode, "code": vm.SectionCode,
	"d": vm.SectionData, "data": vm.SectionData,
	"b": vm.SectionBytepool, "bytepool": vm.SectionBytepool,
	"f": vm.SectionFrame, "frame": vm.SectionFrame,
	"p": vm.SectionFrameBack, "frame-back": vm.SectionFrameBack,
	"r": vm.SectionRegister, "register": vm.SectionRegister,
}

// reference parses an operand. For a symbol name it also returns the name
// so the caller can mention it.
func (r *Reader) reference() (vm.Reference, string, error) {
	switch r.tok.Type {
	case TokenRegister:
		reg, err := vm.DecodeRegister(r.tok.Literal)
		if err != nil {
			return vm.Reference{}, "", err
		}
		r.next()
		return vm.DirectRef(vm.SectionRegister, uint64(reg)), "", nil

	case TokenIdent:
		ident := r.tok
		r.next()
		if r.tok.Type != TokenColon {
			return vm.SymbolRef(vm.HashSymbol(ident.Literal)), ident.Literal, nil
		}
		s, ok := sectionPrefixes[strings.ToLower(ident.Literal)]
		if !ok {
			return vm.Reference{}, "", r.errorf("unknown section %q", ident.Literal)
		}
		r.next()
		addr, err := r.expect(TokenNumber)
		if err != nil {
			return vm.Reference{}, "", err
		}
		v, err := vm.ParseValue(vm.TypeInteger, addr.Literal)
		if err != nil {
			return vm.Reference{}, "", err
		}
		if v.Int < 0 {
			return vm.Reference{}, "", r.errorf("negative address %d", v.Int)
		}
		return vm.DirectRef(s, uint64(v.Int)), "", nil
	}
	if r.tok.Type == TokenError {
		return vm.Reference{}, "", r.errorf("%s", r.tok.Literal)
	}
	return vm.Reference{}, "", r.errorf("expected a reference, found %s", r.tok)
}
