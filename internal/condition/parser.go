package condition

// node is an AST node of a condition expression.
type node interface {
	position() int
}

type literalNode struct {
	at    int
	value any // nil, undefined, bool, float64 or string
}

type varNode struct {
	at   int
	name string
}

type unaryNode struct {
	at      int
	op      tokenKind
	operand node
}

type binaryNode struct {
	at          int
	op          tokenKind
	left, right node
}

// memberNode is a property read; only "length" is allowed.
type memberNode struct {
	at     int
	target node
	name   string
}

type callNode struct {
	at     int
	target node
	method string
	args   []node
}

// indexNode reads target[key] where key is a literal string or number.
type indexNode struct {
	at     int
	target node
	key    any
}

func (n *literalNode) position() int { return n.at }
func (n *varNode) position() int     { return n.at }
func (n *unaryNode) position() int   { return n.at }
func (n *binaryNode) position() int  { return n.at }
func (n *memberNode) position() int  { return n.at }
func (n *callNode) position() int    { return n.at }
func (n *indexNode) position() int   { return n.at }

// methodArity lists the allowed method calls and their argument counts.
var methodArity = map[string]int{
	"includes":    1,
	"startsWith":  1,
	"endsWith":    1,
	"toLowerCase": 0,
	"toUpperCase": 0,
	"toString":    0,
}

// forbiddenKeywords are reserved words that signal statements or object
// access rather than a boolean expression.
var forbiddenKeywords = map[string]bool{
	"if": true, "else": true, "for": true, "while": true, "do": true,
	"switch": true, "case": true, "default": true, "break": true, "continue": true,
	"return": true, "throw": true, "try": true, "catch": true, "finally": true,
	"function": true, "class": true, "var": true, "let": true, "const": true,
	"new": true, "delete": true, "typeof": true, "instanceof": true, "in": true,
	"void": true, "this": true, "import": true, "export": true, "yield": true,
	"await": true, "async": true, "with": true, "debugger": true, "super": true,
}

type parser struct {
	toks []token
	pos  int
	vars map[string]bool
}

func parse(toks []token, vars map[string]bool) (node, error) {
	p := &parser{toks: toks, vars: vars}
	if p.peek().kind == tokEOF {
		return nil, validationErr(0, "expression is empty")
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		if tok.kind == tokRParen {
			return nil, validationErr(tok.pos, "unbalanced parentheses: unexpected ')'")
		}
		return nil, validationErr(tok.pos, "unexpected %s after complete expression", describe(tok))
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) parseOr() (node, error) {
	return p.parseBinary(p.parseAnd, tokOr)
}

func (p *parser) parseAnd() (node, error) {
	return p.parseBinary(p.parseEquality, tokAnd)
}

func (p *parser) parseEquality() (node, error) {
	return p.parseBinary(p.parseRelational, tokStrictEq, tokStrictNotEq, tokEq, tokNotEq)
}

func (p *parser) parseRelational() (node, error) {
	return p.parseBinary(p.parseUnary, tokGt, tokGte, tokLt, tokLte)
}

// parseBinary parses a left-associative chain of the given operators.
func (p *parser) parseBinary(operand func() (node, error), ops ...tokenKind) (node, error) {
	if isBinaryOp(p.peek().kind) {
		tok := p.peek()
		return nil, validationErr(tok.pos, "operator %q is missing its left operand", tok.text)
	}
	left, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if !oneOf(tok.kind, ops) {
			return left, nil
		}
		p.next()
		if end := p.peek(); end.kind == tokEOF || end.kind == tokRParen || end.kind == tokComma || isBinaryOp(end.kind) {
			return nil, validationErr(tok.pos, "operator %q is missing its right operand", tok.text)
		}
		right, err := operand()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{at: tok.pos, op: tok.kind, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	tok := p.peek()
	if tok.kind == tokNot || tok.kind == tokMinus {
		p.next()
		if end := p.peek(); end.kind == tokEOF || end.kind == tokRParen {
			return nil, validationErr(tok.pos, "operator %q is missing its operand", tok.text)
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{at: tok.pos, op: tok.kind, operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	_, rootIsVar := n.(*varNode)

	for {
		tok := p.peek()
		switch tok.kind {
		case tokDot:
			p.next()
			name := p.next()
			if name.kind != tokIdent {
				return nil, validationErr(name.pos, "expected a property name after '.', found %s", describe(name))
			}
			if name.text == "length" {
				if p.peek().kind == tokLParen {
					return nil, validationErr(name.pos, "length is a property, not a method")
				}
				n = &memberNode{at: name.pos, target: n, name: name.text}
				continue
			}
			arity, ok := methodArity[name.text]
			if !ok {
				return nil, validationErr(name.pos, "property or method %q is not allowed", name.text)
			}
			if p.peek().kind != tokLParen {
				return nil, validationErr(name.pos, "method %q must be called", name.text)
			}
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			if len(args) != arity {
				return nil, validationErr(name.pos, "method %q takes %d argument(s), got %d", name.text, arity, len(args))
			}
			n = &callNode{at: name.pos, target: n, method: name.text, args: args}
		case tokLBracket:
			if !rootIsVar {
				return nil, validationErr(tok.pos, "bracket indexing is only allowed on template references")
			}
			p.next()
			key := p.next()
			var k any
			switch key.kind {
			case tokString:
				k = key.str
			case tokNumber:
				k = key.num
			default:
				return nil, validationErr(key.pos, "bracket index must be a string or number literal, found %s", describe(key))
			}
			if rb := p.next(); rb.kind != tokRBracket {
				return nil, validationErr(rb.pos, "bracket index must be a single literal, found %s", describe(rb))
			}
			n = &indexNode{at: tok.pos, target: n, key: k}
		case tokLParen:
			return nil, validationErr(tok.pos, "only allowed methods may be called")
		default:
			return n, nil
		}
	}
}

func (p *parser) parseArgs() ([]node, error) {
	open := p.next()
	var args []node
	if p.peek().kind == tokRParen {
		p.next()
		return args, nil
	}
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		switch tok := p.next(); tok.kind {
		case tokComma:
			continue
		case tokRParen:
			return args, nil
		case tokEOF:
			return nil, validationErr(open.pos, "unbalanced parentheses: missing ')'")
		default:
			return nil, validationErr(tok.pos, "unexpected %s in argument list", describe(tok))
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		return &literalNode{at: tok.pos, value: tok.num}, nil
	case tokString:
		return &literalNode{at: tok.pos, value: tok.str}, nil
	case tokIdent:
		switch tok.text {
		case "true":
			return &literalNode{at: tok.pos, value: true}, nil
		case "false":
			return &literalNode{at: tok.pos, value: false}, nil
		case "null":
			return &literalNode{at: tok.pos, value: nil}, nil
		case "undefined":
			return &literalNode{at: tok.pos, value: undefined}, nil
		}
		if forbiddenKeywords[tok.text] {
			return nil, validationErr(tok.pos, "keyword %q is not allowed", tok.text)
		}
		if !p.vars[tok.text] {
			return nil, validationErr(tok.pos, "unknown identifier %q; reference step data with {{@stepId:Label.path}}", tok.text)
		}
		return &varNode{at: tok.pos, name: tok.text}, nil
	case tokLParen:
		if p.peek().kind == tokRParen {
			return nil, validationErr(tok.pos, "empty parentheses")
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if rp := p.next(); rp.kind != tokRParen {
			return nil, validationErr(tok.pos, "unbalanced parentheses: missing ')'")
		}
		return inner, nil
	case tokLBracket:
		return nil, validationErr(tok.pos, "array literals are not allowed")
	case tokEOF:
		return nil, validationErr(tok.pos, "unexpected end of expression")
	case tokRParen:
		return nil, validationErr(tok.pos, "unbalanced parentheses: unexpected ')'")
	default:
		if isBinaryOp(tok.kind) {
			return nil, validationErr(tok.pos, "operator %q is missing its left operand", tok.text)
		}
		return nil, validationErr(tok.pos, "unexpected %s", describe(tok))
	}
}

func isBinaryOp(k tokenKind) bool {
	switch k {
	case tokStrictEq, tokStrictNotEq, tokEq, tokNotEq, tokGte, tokLte, tokGt, tokLt, tokAnd, tokOr:
		return true
	}
	return false
}

func oneOf(k tokenKind, set []tokenKind) bool {
	for _, s := range set {
		if k == s {
			return true
		}
	}
	return false
}

func describe(tok token) string {
	switch tok.kind {
	case tokEOF:
		return "end of expression"
	case tokNumber, tokString, tokIdent:
		return tok.kind.String() + " " + tok.text
	}
	return "'" + tok.text + "'"
}
