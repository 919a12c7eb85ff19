package condition

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rendis/chainflow/pkg/schema"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokStrictEq    // ===
	tokStrictNotEq // !==
	tokEq          // ==
	tokNotEq       // !=
	tokGte         // >=
	tokLte         // <=
	tokGt          // >
	tokLt          // <
	tokAnd         // &&
	tokOr          // ||
	tokNot         // !
	tokMinus       // -
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokDot
	tokComma
)

var tokenText = map[tokenKind]string{
	tokEOF:         "end of expression",
	tokStrictEq:    "===",
	tokStrictNotEq: "!==",
	tokEq:          "==",
	tokNotEq:       "!=",
	tokGte:         ">=",
	tokLte:         "<=",
	tokGt:          ">",
	tokLt:          "<",
	tokAnd:         "&&",
	tokOr:          "||",
	tokNot:         "!",
	tokMinus:       "-",
	tokLParen:      "(",
	tokRParen:      ")",
	tokLBracket:    "[",
	tokRBracket:    "]",
	tokDot:         ".",
	tokComma:       ",",
}

func (k tokenKind) String() string {
	if s, ok := tokenText[k]; ok {
		return s
	}
	switch k {
	case tokNumber:
		return "number"
	case tokString:
		return "string"
	case tokIdent:
		return "identifier"
	}
	return fmt.Sprintf("token(%d)", int(k))
}

type token struct {
	kind tokenKind
	text string
	pos  int
	num  float64
	str  string
}

// Operators are matched longest first.
var operators = []struct {
	text string
	kind tokenKind
}{
	{"===", tokStrictEq},
	{"!==", tokStrictNotEq},
	{"==", tokEq},
	{"!=", tokNotEq},
	{">=", tokGte},
	{"<=", tokLte},
	{"&&", tokAnd},
	{"||", tokOr},
	{">", tokGt},
	{"<", tokLt},
	{"!", tokNot},
	{"-", tokMinus},
	{"(", tokLParen},
	{")", tokRParen},
	{"[", tokLBracket},
	{"]", tokRBracket},
	{".", tokDot},
	{",", tokComma},
}

// rejected maps characters that never appear in a valid condition to the
// reason reported back to the author.
var rejected = map[byte]string{
	';': "statement separators are not allowed",
	'`': "template literals are not allowed",
	'=': "assignment is not allowed",
	'{': "object literals are not allowed",
	'}': "object literals are not allowed",
	'+': "arithmetic operators are not supported",
	'*': "arithmetic operators are not supported",
	'/': "arithmetic operators and regular expressions are not supported",
	'%': "arithmetic operators are not supported",
	'?': "conditional and nullish operators are not supported",
	':': "conditional operators are not supported",
	'&': "bitwise operators are not supported",
	'|': "bitwise operators are not supported",
	'^': "bitwise operators are not supported",
	'~': "bitwise operators are not supported",
	'$': "identifiers must be template references",
	'#': "private names are not allowed",
	'@': "unexpected '@' outside a template reference",
}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
			continue
		case c >= '0' && c <= '9':
			tok, n, err := lexNumber(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i += n
			continue
		case c == '\'' || c == '"':
			tok, n, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i += n
			continue
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], pos: i})
			i = j
			continue
		}

		matched := false
		for _, op := range operators {
			if strings.HasPrefix(src[i:], op.text) {
				toks = append(toks, token{kind: op.kind, text: op.text, pos: i})
				i += len(op.text)
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		if reason, ok := rejected[c]; ok {
			// Catch compound assignment like "+=" or "||=" with a clearer message.
			if i+1 < len(src) && src[i+1] == '=' && c != '=' {
				reason = "assignment is not allowed"
			}
			return nil, validationErr(i, "%s (found %q)", reason, string(c))
		}
		r, _ := utf8.DecodeRuneInString(src[i:])
		return nil, validationErr(i, "unexpected character %q", r)
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func lexNumber(src string, start int) (token, int, error) {
	i := start
	digits := func() {
		for i < len(src) && src[i] >= '0' && src[i] <= '9' {
			i++
		}
	}
	digits()
	if i < len(src) && src[i] == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9' {
		i++
		digits()
	}
	if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
		j := i + 1
		if j < len(src) && (src[j] == '+' || src[j] == '-') {
			j++
		}
		if j < len(src) && src[j] >= '0' && src[j] <= '9' {
			i = j
			digits()
		}
	}
	if i < len(src) && isIdentPart(src[i]) {
		return token{}, 0, validationErr(start, "invalid number literal %q", src[start:i+1])
	}
	text := src[start:i]
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, 0, validationErr(start, "invalid number literal %q", text)
	}
	return token{kind: tokNumber, text: text, pos: start, num: n}, i - start, nil
}

func lexString(src string, start int) (token, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch {
		case c == quote:
			return token{kind: tokString, text: src[start : i+1], pos: start, str: b.String()}, i + 1 - start, nil
		case c == '\n':
			return token{}, 0, validationErr(start, "unterminated string literal")
		case c == '\\':
			if i+1 >= len(src) {
				return token{}, 0, validationErr(start, "unterminated string literal")
			}
			i++
			switch esc := src[i]; esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '0':
				b.WriteByte(0)
			case 'u':
				if i+4 >= len(src) {
					return token{}, 0, validationErr(i, "invalid unicode escape")
				}
				code, err := strconv.ParseUint(src[i+1:i+5], 16, 32)
				if err != nil {
					return token{}, 0, validationErr(i, "invalid unicode escape")
				}
				b.WriteRune(rune(code))
				i += 4
			default:
				b.WriteByte(esc)
			}
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	return token{}, 0, validationErr(start, "unterminated string literal")
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func validationErr(pos int, format string, args ...any) *schema.ChainflowError {
	return schema.NewErrorf(schema.ErrCodeValidation, format, args...).
		WithDetails(map[string]any{"position": pos})
}
