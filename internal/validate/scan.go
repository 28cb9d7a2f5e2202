package validate

import "strings"

type tokKind int

const (
	tkWord tokKind = iota
	tkNumber
	tkString
	tkPunct
)

// tok is one lexical unit of the candidate SQL after comments are stripped
// and string literals are masked. depth is the parenthesis nesting level at
// the token's position.
type tok struct {
	kind  tokKind
	text  string
	lower string
	depth int
}

// tokenize strips comments, masks string literal contents, and splits the
// SQL into word/number/punct tokens with paren depth tracking. It fails on
// unterminated strings, unterminated block comments, and unbalanced
// parentheses, since classification is unreliable past any of those.
func tokenize(sqlText string) ([]tok, string) {
	var out []tok
	depth := 0
	i := 0
	n := len(sqlText)

	for i < n {
		ch := sqlText[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\r' || ch == '\n':
			i++
		case ch == '-' && i+1 < n && sqlText[i+1] == '-':
			for i < n && sqlText[i] != '\n' {
				i++
			}
		case ch == '/' && i+1 < n && sqlText[i+1] == '*':
			i += 2
			closed := false
			for i+1 < n {
				if sqlText[i] == '*' && sqlText[i+1] == '/' {
					i += 2
					closed = true
					break
				}
				i++
			}
			if !closed {
				return nil, "unterminated block comment"
			}
		case ch == '\'':
			i++
			closed := false
			for i < n {
				if sqlText[i] == '\'' {
					if i+1 < n && sqlText[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				i++
			}
			if !closed {
				return nil, "unterminated string literal"
			}
			out = append(out, tok{kind: tkString, text: "''", lower: "''", depth: depth})
		case ch == '(':
			out = append(out, tok{kind: tkPunct, text: "(", lower: "(", depth: depth})
			depth++
			i++
		case ch == ')':
			depth--
			if depth < 0 {
				return nil, "unbalanced parentheses"
			}
			out = append(out, tok{kind: tkPunct, text: ")", lower: ")", depth: depth})
			i++
		case isWordStart(ch):
			start := i
			for i < n && isWordPart(sqlText[i]) {
				i++
			}
			text := sqlText[start:i]
			out = append(out, tok{kind: tkWord, text: text, lower: strings.ToLower(text), depth: depth})
		case ch == '"':
			i++
			start := i
			for i < n && sqlText[i] != '"' {
				i++
			}
			if i >= n {
				return nil, "unterminated quoted identifier"
			}
			text := sqlText[start:i]
			i++
			out = append(out, tok{kind: tkWord, text: text, lower: strings.ToLower(text), depth: depth})
		case ch >= '0' && ch <= '9':
			start := i
			for i < n && (sqlText[i] >= '0' && sqlText[i] <= '9' || sqlText[i] == '.') {
				i++
			}
			out = append(out, tok{kind: tkNumber, text: sqlText[start:i], lower: sqlText[start:i], depth: depth})
		default:
			// multi-char comparison operators stay one token
			two := ""
			if i+1 < n {
				two = sqlText[i : i+2]
			}
			switch two {
			case ">=", "<=", "<>", "!=":
				out = append(out, tok{kind: tkPunct, text: two, lower: two, depth: depth})
				i += 2
			default:
				out = append(out, tok{kind: tkPunct, text: string(ch), lower: string(ch), depth: depth})
				i++
			}
		}
	}

	if depth != 0 {
		return nil, "unbalanced parentheses"
	}
	return out, ""
}

func isWordStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isWordPart(ch byte) bool {
	return isWordStart(ch) || (ch >= '0' && ch <= '9')
}
