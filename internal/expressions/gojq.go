package expressions

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq programs for the jq.transform action and ForEach
// mapExpression extraction. Programs see an empty environment.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs expression with data as the input object.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	return e.Query(ctx, expression, data)
}

// Query runs expression against an arbitrary JSON-shaped input.
//
// jq expressions can produce multiple outputs. When there is exactly one output,
// it is returned directly. When there are multiple outputs, they are collected
// into a slice and returned as []any.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any) (any, error) {
	results, err := e.QueryAll(ctx, expression, input)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// QueryAll is like Query but always returns every output.
func (e *GoJQEngine) QueryAll(ctx context.Context, expression string, input any) ([]any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	code, err := e.programs.load(expression, e.compile)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, normalizeForJQ(input))
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if err, failed := v.(error); failed {
			return nil, runtimeError(e.Name(), expression, err)
		}
		results = append(results, v)
	}
	return results, nil
}

func (e *GoJQEngine) compile(src string) (*gojq.Code, error) {
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, compileError(e.Name(), src, err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError(e.Name(), src, err)
	}
	return code, nil
}

// PathQuery converts a dot path such as "user.tags[0]" into the equivalent
// jq program `.["user"]["tags"][0]`. Keys are JSON-quoted so any key text is
// safe to embed.
func PathQuery(dotPath string) (string, error) {
	segs, err := ParsePath(strings.TrimSpace(dotPath))
	if err != nil {
		return "", err
	}
	if len(segs) == 0 {
		return ".", nil
	}
	var b strings.Builder
	b.WriteByte('.')
	for _, seg := range segs {
		b.WriteByte('[')
		if seg.IsIndex {
			b.WriteString(strconv.Itoa(seg.Index))
		} else {
			quoted, _ := json.Marshal(seg.Key)
			b.Write(quoted)
		}
		b.WriteByte(']')
	}
	return b.String(), nil
}

// normalizeForJQ converts Go native types to jq-compatible types.
// gojq accepts int and float64 but rejects other numeric kinds.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
