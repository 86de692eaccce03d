package parser

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenNewline
	tokenIdent
	tokenNumber
	tokenString
	tokenTime
	tokenURI
	tokenJSON
	tokenComma
	tokenDot
	tokenLparen
	tokenRparen
	tokenEq
	tokenNe
	tokenLt
	tokenLe
	tokenGt
	tokenGe
	tokenError
)

func (k tokenKind) String() string {
	switch k {
	case tokenEOF:
		return "end of input"
	case tokenNewline:
		return "end of statement"
	case tokenIdent:
		return "identifier"
	case tokenNumber:
		return "number"
	case tokenString:
		return "string"
	case tokenTime:
		return "timestamp"
	case tokenURI:
		return "uri"
	case tokenJSON:
		return "json"
	case tokenComma:
		return "','"
	case tokenDot:
		return "'.'"
	case tokenLparen:
		return "'('"
	case tokenRparen:
		return "')'"
	case tokenEq:
		return "'='"
	case tokenNe:
		return "'!='"
	case tokenLt:
		return "'<'"
	case tokenLe:
		return "'<='"
	case tokenGt:
		return "'>'"
	case tokenGe:
		return "'>='"
	}
	return "unknown token"
}

type token struct {
	kind tokenKind
	text string
	pos  int
	// value carries the decoded form for strings (unquoted) and
	// timestamps (inner text of t'...').
	value string
	err   string
}

// lexer scans huntflow source one token at a time.  Newlines at paren
// depth zero terminate statements; inside parentheses and JSON arrays
// they are whitespace.
type lexer struct {
	src   string
	off   int
	depth int
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

func (l *lexer) errorToken(pos int, format string, args ...any) token {
	return token{kind: tokenError, pos: pos, text: l.src[pos:l.off], err: fmt.Sprintf(format, args...)}
}

func (l *lexer) next() token {
	for {
		l.skipSpaceAndComments()
		if l.off >= len(l.src) {
			return token{kind: tokenEOF, pos: len(l.src)}
		}
		pos := l.off
		c := l.src[l.off]
		if c == '\n' {
			l.off++
			if l.depth > 0 {
				continue
			}
			return token{kind: tokenNewline, pos: pos, text: "\n"}
		}
		switch c {
		case ',':
			l.off++
			return token{kind: tokenComma, pos: pos, text: ","}
		case '.':
			l.off++
			return token{kind: tokenDot, pos: pos, text: "."}
		case '(':
			l.off++
			l.depth++
			return token{kind: tokenLparen, pos: pos, text: "("}
		case ')':
			l.off++
			if l.depth > 0 {
				l.depth--
			}
			return token{kind: tokenRparen, pos: pos, text: ")"}
		case '=':
			l.off++
			return token{kind: tokenEq, pos: pos, text: "="}
		case '!':
			if l.peekAt(1) == '=' {
				l.off += 2
				return token{kind: tokenNe, pos: pos, text: "!="}
			}
			l.off++
			return l.errorToken(pos, "unexpected character %q", c)
		case '<':
			if l.peekAt(1) == '=' {
				l.off += 2
				return token{kind: tokenLe, pos: pos, text: "<="}
			}
			l.off++
			return token{kind: tokenLt, pos: pos, text: "<"}
		case '>':
			if l.peekAt(1) == '=' {
				l.off += 2
				return token{kind: tokenGe, pos: pos, text: ">="}
			}
			l.off++
			return token{kind: tokenGt, pos: pos, text: ">"}
		case '[', '{':
			return l.scanJSON()
		case '\'', '"':
			return l.scanString(c)
		}
		if c == 't' && l.peekAt(1) == '\'' {
			return l.scanTimeLiteral()
		}
		if c == '-' || c >= '0' && c <= '9' {
			return l.scanNumber()
		}
		if isIdentStart(rune(c)) {
			return l.scanIdentOrURI()
		}
		l.off++
		return l.errorToken(pos, "unexpected character %q", c)
	}
}

func (l *lexer) peekAt(n int) byte {
	if l.off+n < len(l.src) {
		return l.src[l.off+n]
	}
	return 0
}

func (l *lexer) skipSpaceAndComments() {
	for l.off < len(l.src) {
		c := l.src[l.off]
		if c == ' ' || c == '\t' || c == '\r' {
			l.off++
			continue
		}
		if c == '#' {
			for l.off < len(l.src) && l.src[l.off] != '\n' {
				l.off++
			}
			continue
		}
		return
	}
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (l *lexer) scanIdentOrURI() token {
	pos := l.off
	for l.off < len(l.src) {
		r, n := utf8.DecodeRuneInString(l.src[l.off:])
		if !isIdentRune(r) {
			break
		}
		l.off += n
	}
	if strings.HasPrefix(l.src[l.off:], "://") {
		l.off += 3
		for l.off < len(l.src) && isURIRune(l.src[l.off]) {
			l.off++
		}
		return token{kind: tokenURI, pos: pos, text: l.src[pos:l.off]}
	}
	return token{kind: tokenIdent, pos: pos, text: l.src[pos:l.off]}
}

func isURIRune(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == '-', c == '.', c == '/', c == ':':
		return true
	}
	return false
}

func (l *lexer) scanNumber() token {
	pos := l.off
	if l.src[l.off] == '-' {
		l.off++
		if l.off >= len(l.src) || l.src[l.off] < '0' || l.src[l.off] > '9' {
			return l.errorToken(pos, "malformed number")
		}
	}
	for l.off < len(l.src) && l.src[l.off] >= '0' && l.src[l.off] <= '9' {
		l.off++
	}
	if l.off < len(l.src) && l.src[l.off] == '.' && l.peekAt(1) >= '0' && l.peekAt(1) <= '9' {
		l.off++
		for l.off < len(l.src) && l.src[l.off] >= '0' && l.src[l.off] <= '9' {
			l.off++
		}
	}
	return token{kind: tokenNumber, pos: pos, text: l.src[pos:l.off]}
}

// scanString handles both quote styles: single quotes escape an
// embedded quote by doubling it, double quotes use backslash escapes.
func (l *lexer) scanString(quote byte) token {
	pos := l.off
	l.off++
	var b strings.Builder
	for l.off < len(l.src) {
		c := l.src[l.off]
		if c == '\n' {
			break
		}
		if c == quote {
			if quote == '\'' && l.peekAt(1) == '\'' {
				b.WriteByte('\'')
				l.off += 2
				continue
			}
			l.off++
			return token{kind: tokenString, pos: pos, text: l.src[pos:l.off], value: b.String()}
		}
		if quote == '"' && c == '\\' && l.off+1 < len(l.src) {
			l.off++
			switch e := l.src[l.off]; e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\\', '"', '\'':
				b.WriteByte(e)
			default:
				b.WriteByte('\\')
				b.WriteByte(e)
			}
			l.off++
			continue
		}
		b.WriteByte(c)
		l.off++
	}
	return l.errorToken(pos, "unterminated string")
}

func (l *lexer) scanTimeLiteral() token {
	pos := l.off
	l.off += 2
	start := l.off
	for l.off < len(l.src) && l.src[l.off] != '\'' && l.src[l.off] != '\n' {
		l.off++
	}
	if l.off >= len(l.src) || l.src[l.off] != '\'' {
		return l.errorToken(pos, "unterminated timestamp literal")
	}
	inner := l.src[start:l.off]
	l.off++
	return token{kind: tokenTime, pos: pos, text: l.src[pos:l.off], value: inner}
}

// scanJSON consumes a balanced JSON array or object so literal rows in
// a NEW statement can span lines and contain arbitrary punctuation.
func (l *lexer) scanJSON() token {
	pos := l.off
	depth := 0
	inString := false
	var quote byte
	for l.off < len(l.src) {
		c := l.src[l.off]
		if inString {
			if c == '\\' {
				l.off += 2
				continue
			}
			if c == quote {
				inString = false
			}
			l.off++
			continue
		}
		switch c {
		case '"':
			inString = true
			quote = c
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				l.off++
				return token{kind: tokenJSON, pos: pos, text: l.src[pos:l.off]}
			}
		}
		l.off++
	}
	return l.errorToken(pos, "unterminated JSON literal")
}
