package expressions

import (
	"fmt"
	"strconv"
	"strings"
)

// tokenKind enumerates the lexical tokens of the expression language.
type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenPath           // dotted reference: input.projectId, step.field.nested
	tokenString         // quoted literal, single or double quotes
	tokenNumber
	tokenAnd    // &&
	tokenOr     // ||
	tokenNot    // !
	tokenEq     // ==
	tokenNeq    // !=
	tokenLt     // <
	tokenLte    // <=
	tokenGt     // >
	tokenGte    // >=
	tokenLParen // (
	tokenRParen // )
)

// token is one lexical unit with its source position for error reporting.
type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// lexError reports a malformed expression at scan time.
type lexError struct {
	expr string
	pos  int
	msg  string
}

func (e *lexError) Error() string {
	return fmt.Sprintf("invalid expression %q: %s at offset %d", e.expr, e.msg, e.pos)
}

// scan tokenizes an expression string. Malformed input fails here so broken
// workflows are rejected at definition-validation time, before any provider
// is invoked.
func scan(expr string) ([]token, error) {
	var tokens []token
	i := 0

	for i < len(expr) {
		ch := expr[i]

		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++

		case ch == '(':
			tokens = append(tokens, token{kind: tokenLParen, text: "(", pos: i})
			i++

		case ch == ')':
			tokens = append(tokens, token{kind: tokenRParen, text: ")", pos: i})
			i++

		case ch == '&':
			if i+1 >= len(expr) || expr[i+1] != '&' {
				return nil, &lexError{expr: expr, pos: i, msg: "expected '&&'"}
			}
			tokens = append(tokens, token{kind: tokenAnd, text: "&&", pos: i})
			i += 2

		case ch == '|':
			if i+1 >= len(expr) || expr[i+1] != '|' {
				return nil, &lexError{expr: expr, pos: i, msg: "expected '||'"}
			}
			tokens = append(tokens, token{kind: tokenOr, text: "||", pos: i})
			i += 2

		case ch == '=':
			if i+1 >= len(expr) || expr[i+1] != '=' {
				return nil, &lexError{expr: expr, pos: i, msg: "expected '==' (assignment is not supported)"}
			}
			tokens = append(tokens, token{kind: tokenEq, text: "==", pos: i})
			i += 2

		case ch == '!':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{kind: tokenNeq, text: "!=", pos: i})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokenNot, text: "!", pos: i})
				i++
			}

		case ch == '<':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{kind: tokenLte, text: "<=", pos: i})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokenLt, text: "<", pos: i})
				i++
			}

		case ch == '>':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{kind: tokenGte, text: ">=", pos: i})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokenGt, text: ">", pos: i})
				i++
			}

		case ch == '\'' || ch == '"':
			lit, next, err := scanString(expr, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokenString, text: lit, pos: i})
			i = next

		case ch >= '0' && ch <= '9', ch == '-' && i+1 < len(expr) && expr[i+1] >= '0' && expr[i+1] <= '9':
			start := i
			i++
			for i < len(expr) && (expr[i] >= '0' && expr[i] <= '9' || expr[i] == '.') {
				i++
			}
			text := expr[start:i]
			n, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, &lexError{expr: expr, pos: start, msg: fmt.Sprintf("invalid number %q", text)}
			}
			tokens = append(tokens, token{kind: tokenNumber, text: text, num: n, pos: start})

		case isIdentStart(ch):
			start := i
			for i < len(expr) && (isIdentPart(expr[i]) || expr[i] == '.') {
				i++
			}
			text := expr[start:i]
			if strings.HasSuffix(text, ".") || strings.Contains(text, "..") {
				return nil, &lexError{expr: expr, pos: start, msg: fmt.Sprintf("malformed path %q", text)}
			}
			tokens = append(tokens, token{kind: tokenPath, text: text, pos: start})

		default:
			return nil, &lexError{expr: expr, pos: i, msg: fmt.Sprintf("unexpected character %q", ch)}
		}
	}

	tokens = append(tokens, token{kind: tokenEOF, pos: len(expr)})
	return tokens, nil
}

// scanString consumes a quoted literal starting at expr[start], supporting
// backslash escapes for the quote character and backslash itself.
func scanString(expr string, start int) (lit string, next int, err error) {
	quote := expr[start]
	var sb strings.Builder
	i := start + 1

	for i < len(expr) {
		ch := expr[i]
		if ch == '\\' && i+1 < len(expr) && (expr[i+1] == quote || expr[i+1] == '\\') {
			sb.WriteByte(expr[i+1])
			i += 2
			continue
		}
		if ch == quote {
			return sb.String(), i + 1, nil
		}
		sb.WriteByte(ch)
		i++
	}
	return "", 0, &lexError{expr: expr, pos: start, msg: "unterminated string literal"}
}

func isIdentStart(ch byte) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch == '_'
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || ch >= '0' && ch <= '9'
}
