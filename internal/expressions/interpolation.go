package expressions

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rendis/chainflow/pkg/schema"
)

// Interpolator resolves {{@stepId:Label.path}} references in step
// configuration against the outputs recorded so far in an execution.
//
// A string that is exactly one placeholder is replaced by the referenced
// value with its type intact. Placeholders embedded in longer strings are
// stringified in place. Object keys are never interpolated.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// ResolveJSON interpolates raw JSON params and returns the re-encoded result.
func (interp *Interpolator) ResolveJSON(raw json.RawMessage, outputs schema.StepOutputs) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !bytes.Contains(trimmed, []byte(refOpen)) {
		return raw, nil
	}

	var tree any
	if err := json.Unmarshal(trimmed, &tree); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "params are not valid JSON: %v", err).WithCause(err)
	}

	resolved, err := interp.ResolveValue(tree, outputs)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDataResolution, "re-encode params: %v", err).WithCause(err)
	}
	return out, nil
}

// ResolveValue walks a decoded JSON tree and interpolates every string.
func (interp *Interpolator) ResolveValue(v any, outputs schema.StepOutputs) (any, error) {
	switch val := v.(type) {
	case string:
		return interp.resolveString(val, outputs)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := interp.ResolveValue(item, outputs)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := interp.ResolveValue(item, outputs)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString interpolates s and always returns a string.
func (interp *Interpolator) ResolveString(s string, outputs schema.StepOutputs) (string, error) {
	v, err := interp.resolveString(s, outputs)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

func (interp *Interpolator) resolveString(s string, outputs schema.StepOutputs) (any, error) {
	if !HasReferences(s) {
		return s, nil
	}
	refs, err := FindReferences(s)
	if err != nil {
		return nil, err
	}
	if len(refs) == 1 && refs[0].Start == 0 && refs[0].End == len(s) {
		return Resolve(refs[0], outputs)
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, ref := range refs {
		val, err := Resolve(ref, outputs)
		if err != nil {
			return nil, err
		}
		b.WriteString(s[last:ref.Start])
		b.WriteString(Stringify(val))
		last = ref.End
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// ReferencedSteps returns the distinct step ids referenced anywhere in raw,
// in order of first appearance. Malformed placeholders are skipped.
func ReferencedSteps(raw string) []string {
	var ids []string
	seen := make(map[string]bool)
	i := 0
	for i < len(raw) {
		idx := strings.Index(raw[i:], refOpen)
		if idx == -1 {
			break
		}
		start := i + idx
		end := strings.Index(raw[start:], refClose)
		if end == -1 {
			break
		}
		end += start + len(refClose)
		if ref, err := ParseReference(raw[start:end]); err == nil && !seen[ref.StepID] {
			seen[ref.StepID] = true
			ids = append(ids, ref.StepID)
		}
		i = end
	}
	return ids
}
