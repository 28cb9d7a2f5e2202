package schema

import (
	"strings"
)

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenLParen
	tokenRParen
	tokenComma
	tokenSemicolon
	tokenDot
	tokenSymbol
)

type token struct {
	typ    tokenType
	lit    string
	quoted bool
	line   int
	col    int
}

// keywordIs compares an identifier token against a keyword,
// case-insensitively. Quoted identifiers never match keywords.
func (t token) keywordIs(kw string) bool {
	return t.typ == tokenIdent && !t.quoted && strings.EqualFold(t.lit, kw)
}

// lexer tokenizes DDL input byte by byte, tracking line and column for
// positional errors.
type lexer struct {
	input   string
	pos     int
	readPos int
	ch      byte
	line    int
	col     int
}

func newLexer(input string) *lexer {
	l := &lexer{input: input, line: 1}
	l.readChar()
	return l
}

func (l *lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
	if l.ch == '\n' {
		l.line++
		l.col = 0
	} else {
		l.col++
	}
}

func (l *lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

// tokens lexes the whole input. It fails on unterminated quoted identifiers,
// string literals, and block comments.
func (l *lexer) tokens() ([]token, *ParseError) {
	var out []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
		if tok.typ == tokenEOF {
			return out, nil
		}
	}
}

func (l *lexer) next() (token, *ParseError) {
	if err := l.skipWhitespaceAndComments(); err != nil {
		return token{}, err
	}

	line, col := l.line, l.col

	switch {
	case l.ch == 0:
		return token{typ: tokenEOF, line: line, col: col}, nil
	case l.ch == '(':
		l.readChar()
		return token{typ: tokenLParen, lit: "(", line: line, col: col}, nil
	case l.ch == ')':
		l.readChar()
		return token{typ: tokenRParen, lit: ")", line: line, col: col}, nil
	case l.ch == ',':
		l.readChar()
		return token{typ: tokenComma, lit: ",", line: line, col: col}, nil
	case l.ch == ';':
		l.readChar()
		return token{typ: tokenSemicolon, lit: ";", line: line, col: col}, nil
	case l.ch == '.':
		l.readChar()
		return token{typ: tokenDot, lit: ".", line: line, col: col}, nil
	case l.ch == '"':
		return l.readQuotedIdent(line, col)
	case l.ch == '\'':
		return l.readString(line, col)
	case isIdentStart(l.ch):
		return l.readIdent(line, col), nil
	case isDigit(l.ch):
		return l.readNumber(line, col), nil
	default:
		ch := l.ch
		l.readChar()
		return token{typ: tokenSymbol, lit: string(ch), line: line, col: col}, nil
	}
}

func (l *lexer) skipWhitespaceAndComments() *ParseError {
	for {
		switch {
		case l.ch == ' ' || l.ch == '\t' || l.ch == '\r' || l.ch == '\n':
			l.readChar()
		case l.ch == '-' && l.peekChar() == '-':
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
		case l.ch == '/' && l.peekChar() == '*':
			line, col := l.line, l.col
			l.readChar()
			l.readChar()
			for {
				if l.ch == 0 {
					return &ParseError{
						Kind:    ErrMalformed,
						Message: "unterminated block comment",
						Line:    line,
						Column:  col,
					}
				}
				if l.ch == '*' && l.peekChar() == '/' {
					l.readChar()
					l.readChar()
					break
				}
				l.readChar()
			}
		default:
			return nil
		}
	}
}

func (l *lexer) readQuotedIdent(line, col int) (token, *ParseError) {
	l.readChar() // opening quote
	start := l.pos
	for l.ch != '"' {
		if l.ch == 0 {
			return token{}, &ParseError{
				Kind:    ErrMalformed,
				Message: "unterminated quoted identifier",
				Line:    line,
				Column:  col,
			}
		}
		l.readChar()
	}
	lit := l.input[start:l.pos]
	l.readChar() // closing quote
	return token{typ: tokenIdent, lit: lit, quoted: true, line: line, col: col}, nil
}

func (l *lexer) readString(line, col int) (token, *ParseError) {
	l.readChar() // opening quote
	start := l.pos
	for {
		if l.ch == 0 {
			return token{}, &ParseError{
				Kind:    ErrMalformed,
				Message: "unterminated string literal",
				Line:    line,
				Column:  col,
			}
		}
		if l.ch == '\'' {
			// '' is an escaped quote inside the literal
			if l.peekChar() == '\'' {
				l.readChar()
				l.readChar()
				continue
			}
			break
		}
		l.readChar()
	}
	lit := l.input[start:l.pos]
	l.readChar() // closing quote
	return token{typ: tokenString, lit: lit, line: line, col: col}, nil
}

func (l *lexer) readIdent(line, col int) token {
	start := l.pos
	for isIdentStart(l.ch) || isDigit(l.ch) {
		l.readChar()
	}
	return token{typ: tokenIdent, lit: l.input[start:l.pos], line: line, col: col}
}

func (l *lexer) readNumber(line, col int) token {
	start := l.pos
	for isDigit(l.ch) || l.ch == '.' {
		l.readChar()
	}
	return token{typ: tokenNumber, lit: l.input[start:l.pos], line: line, col: col}
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
