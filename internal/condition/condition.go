// Package condition evaluates the restricted boolean expressions used by
// Condition steps. Expressions are tokenized, parsed into a small AST and
// evaluated by a tree walker; nothing is handed to a general-purpose evaluator.
package condition

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// denylist is checked against the raw expression before any substitution.
var denylist = regexp.MustCompile(`\b(eval|Function|process|global|window|document|prototype|constructor)\b|__proto__`)

const varPrefix = "__ref"

// Result is the outcome of evaluating a condition.
type Result struct {
	Value bool `json:"value"`
	// Resolved maps each placeholder text to the value it resolved to.
	Resolved map[string]any `json:"resolved"`
}

// Evaluate runs expression against the recorded step outputs.
//
// Errors are ConfigurationError for an empty expression, ValidationError for
// denylisted text or grammar violations, and DataResolutionError when a
// template reference cannot be resolved.
func Evaluate(expression string, outputs schema.StepOutputs) (*Result, error) {
	src, refs, err := substitute(expression)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(refs))
	resolved := make(map[string]any, len(refs))
	// Resolve in order of first appearance so the reported failure is stable.
	for i := 0; i < len(refs); i++ {
		name := varPrefix + strconv.Itoa(i)
		ref := refs[name]
		v, err := expressions.Resolve(ref, outputs)
		if err != nil {
			return nil, err
		}
		v = normalize(v)
		vars[name] = v
		resolved[ref.Raw] = v
	}

	root, err := compile(src, refs)
	if err != nil {
		return nil, err
	}

	ev := &evaluator{vars: vars}
	v, err := ev.eval(root)
	if err != nil {
		return nil, err
	}
	return &Result{Value: truthy(v), Resolved: resolved}, nil
}

// Validate checks an expression's safety and grammar without resolving any
// data. Workflow definitions are validated with it before they are stored.
func Validate(expression string) error {
	src, refs, err := substitute(expression)
	if err != nil {
		return err
	}
	_, err = compile(src, refs)
	return err
}

// substitute runs the denylist pre-check and replaces every placeholder with
// an internal variable. Identical placeholders share one variable.
func substitute(expression string) (string, map[string]expressions.Reference, error) {
	if strings.TrimSpace(expression) == "" {
		return "", nil, schema.NewError(schema.ErrCodeConfiguration, "condition expression is empty")
	}
	if m := denylist.FindString(expression); m != "" {
		return "", nil, schema.NewErrorf(schema.ErrCodeValidation, "expression contains forbidden keyword %q", m).
			WithDetails(map[string]any{"keyword": m})
	}

	found, err := expressions.FindReferences(expression)
	if err != nil {
		return "", nil, err
	}

	refs := make(map[string]expressions.Reference, len(found))
	byRaw := make(map[string]string, len(found))
	var b strings.Builder
	var q quoteState
	last := 0
	for _, ref := range found {
		q.scan(expression[last:ref.Start])
		if q.open != 0 {
			return "", nil, validationErr(ref.Start,
				"placeholder %s is inside a string literal; compare it against the literal instead", ref.Raw).
				WithDetails(map[string]any{"position": ref.Start, "reference": ref.Raw})
		}
		name, ok := byRaw[ref.Raw]
		if !ok {
			name = varPrefix + strconv.Itoa(len(byRaw))
			byRaw[ref.Raw] = name
			refs[name] = ref
		}
		b.WriteString(expression[last:ref.Start])
		b.WriteByte(' ')
		b.WriteString(name)
		b.WriteByte(' ')
		last = ref.End
	}
	b.WriteString(expression[last:])
	return b.String(), refs, nil
}

// quoteState follows string literal boundaries across chunks of an
// expression, using the same quote and escape rules as the lexer.
type quoteState struct {
	open    byte
	escaped bool
}

func (q *quoteState) scan(chunk string) {
	for i := 0; i < len(chunk); i++ {
		c := chunk[i]
		switch {
		case q.open == 0:
			if c == '\'' || c == '"' {
				q.open = c
			}
		case q.escaped:
			q.escaped = false
		case c == '\\':
			q.escaped = true
		case c == q.open:
			q.open = 0
		}
	}
}

func compile(src string, refs map[string]expressions.Reference) (node, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(refs))
	for name := range refs {
		names[name] = true
	}
	return parse(toks, names)
}
