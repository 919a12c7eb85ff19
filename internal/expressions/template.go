package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/chainflow/pkg/schema"
)

const (
	refOpen  = "{{@"
	refClose = "}}"
)

// PathSegment is one hop into a step output: an object key or an array index.
type PathSegment struct {
	Key     string
	Index   int
	IsIndex bool
}

func (s PathSegment) String() string {
	if s.IsIndex {
		return fmt.Sprintf("[%d]", s.Index)
	}
	return s.Key
}

// Reference is a parsed {{@<stepId>:<Label>.<path>}} placeholder.
// Start and End are byte offsets of the placeholder in the scanned text.
type Reference struct {
	Raw    string
	StepID string
	Label  string
	Path   []PathSegment
	Start  int
	End    int
}

// PathString renders the path in dot/bracket form.
func (r Reference) PathString() string {
	var b strings.Builder
	for i, seg := range r.Path {
		if !seg.IsIndex && i > 0 {
			b.WriteByte('.')
		}
		if seg.IsIndex {
			b.WriteString(seg.String())
			continue
		}
		b.WriteString(seg.Key)
	}
	return b.String()
}

// HasReferences reports whether s contains a placeholder opener.
func HasReferences(s string) bool {
	return strings.Contains(s, refOpen)
}

// FindReferences returns every placeholder in s in order of appearance.
// A malformed placeholder is a validation error.
func FindReferences(s string) ([]Reference, error) {
	var refs []Reference
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], refOpen)
		if idx == -1 {
			break
		}
		start := i + idx
		end := strings.Index(s[start+len(refOpen):], refClose)
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unclosed template reference at offset %d", start)
		}
		end += start + len(refOpen) + len(refClose)

		ref, err := ParseReference(s[start:end])
		if err != nil {
			return nil, err
		}
		ref.Start, ref.End = start, end
		refs = append(refs, ref)
		i = end
	}
	return refs, nil
}

// ParseReference parses a single placeholder including its braces.
func ParseReference(raw string) (Reference, error) {
	ref := Reference{Raw: raw}
	if !strings.HasPrefix(raw, refOpen) || !strings.HasSuffix(raw, refClose) {
		return ref, malformed(raw, "expected {{@<stepId>:<Label>.<path>}}")
	}
	body := strings.TrimSpace(raw[len(refOpen) : len(raw)-len(refClose)])

	colon := strings.IndexByte(body, ':')
	if colon <= 0 {
		return ref, malformed(raw, "missing step id or ':' separator")
	}
	ref.StepID = strings.TrimSpace(body[:colon])
	if strings.ContainsAny(ref.StepID, "{}[]. ") {
		return ref, malformed(raw, "invalid step id")
	}

	rest := body[colon+1:]
	cut := strings.IndexAny(rest, ".[")
	if cut == -1 {
		ref.Label = rest
		return ref, nil
	}
	ref.Label = rest[:cut]
	path, err := parsePath(rest[cut:], raw)
	if err != nil {
		return ref, err
	}
	ref.Path = path
	return ref, nil
}

// ParsePath parses a dot path with optional bracket indexes, e.g.
// "data.items[0].id" or "meta[\"content-type\"]".
func ParsePath(p string) ([]PathSegment, error) {
	if p == "" {
		return nil, nil
	}
	if p[0] != '[' && p[0] != '.' {
		p = "." + p
	}
	return parsePath(p, p)
}

func parsePath(p, raw string) ([]PathSegment, error) {
	var segs []PathSegment
	i := 0
	for i < len(p) {
		switch p[i] {
		case '.':
			i++
			j := i
			for j < len(p) && p[j] != '.' && p[j] != '[' {
				j++
			}
			key := p[i:j]
			if key == "" {
				return nil, malformed(raw, "empty path segment")
			}
			segs = append(segs, PathSegment{Key: key})
			i = j
		case '[':
			rb := strings.IndexByte(p[i:], ']')
			if rb == -1 {
				return nil, malformed(raw, "unclosed '['")
			}
			inner := strings.TrimSpace(p[i+1 : i+rb])
			seg, err := parseBracket(inner, raw)
			if err != nil {
				return nil, err
			}
			segs = append(segs, seg)
			i += rb + 1
		default:
			return nil, malformed(raw, fmt.Sprintf("unexpected %q in path", p[i]))
		}
	}
	return segs, nil
}

func parseBracket(inner, raw string) (PathSegment, error) {
	if inner == "" {
		return PathSegment{}, malformed(raw, "empty brackets")
	}
	if q := inner[0]; q == '"' || q == '\'' {
		if len(inner) < 2 || inner[len(inner)-1] != q {
			return PathSegment{}, malformed(raw, "unterminated quoted key")
		}
		return PathSegment{Key: inner[1 : len(inner)-1]}, nil
	}
	n, err := strconv.Atoi(inner)
	if err != nil || n < 0 {
		return PathSegment{}, malformed(raw, fmt.Sprintf("invalid index %q", inner))
	}
	return PathSegment{Index: n, IsIndex: true}, nil
}

func malformed(raw, why string) *schema.ChainflowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "malformed template reference %s: %s", raw, why).
		WithDetails(map[string]any{"reference": raw})
}

// Resolve looks the reference up in outputs. The label is informational and is
// not checked against the recorded label; lookup is by step id.
func Resolve(ref Reference, outputs schema.StepOutputs) (any, error) {
	out, ok := outputs[ref.StepID]
	if !ok {
		return nil, resolutionError(ref, schema.ReasonMissingStep, "step %q has no recorded output", ref.StepID)
	}
	if out.Absent {
		return nil, resolutionError(ref, schema.ReasonUndefinedData, "step %q output is undefined", ref.StepID)
	}
	if out.Data == nil {
		return nil, resolutionError(ref, schema.ReasonNullData, "step %q output is null", ref.StepID)
	}
	return Walk(out.Data, ref.Path, ref)
}

// Walk follows path into v. ref is used for error reporting.
func Walk(v any, path []PathSegment, ref Reference) (any, error) {
	current := v
	for i, seg := range path {
		at := Reference{StepID: ref.StepID, Path: path[:i+1]}
		switch node := current.(type) {
		case map[string]any:
			if seg.IsIndex {
				val, ok := node[strconv.Itoa(seg.Index)]
				if !ok {
					return nil, resolutionError(ref, schema.ReasonMissingField, "field %q not found", at.PathString())
				}
				current = val
				continue
			}
			val, ok := node[seg.Key]
			if !ok {
				return nil, resolutionError(ref, schema.ReasonMissingField, "field %q not found; available: [%s]",
					at.PathString(), strings.Join(mapKeys(node), ", "))
			}
			current = val
		case []any:
			idx := seg.Index
			if !seg.IsIndex {
				n, err := strconv.Atoi(seg.Key)
				if err != nil {
					return nil, resolutionError(ref, schema.ReasonMissingField, "cannot read %q of an array", at.PathString())
				}
				idx = n
			}
			if idx < 0 || idx >= len(node) {
				return nil, resolutionError(ref, schema.ReasonMissingField, "index %d out of range at %q (length %d)",
					idx, at.PathString(), len(node))
			}
			current = node[idx]
		default:
			return nil, resolutionError(ref, schema.ReasonMissingField, "cannot traverse into %s at %q",
				typeName(current), at.PathString())
		}
	}
	return current, nil
}

func resolutionError(ref Reference, reason, format string, args ...any) *schema.ChainflowError {
	details := map[string]any{"reason": reason, "step_id": ref.StepID}
	if ref.Raw != "" {
		details["reference"] = ref.Raw
	}
	return schema.NewErrorf(schema.ErrCodeDataResolution, format, args...).WithDetails(details)
}

// Stringify renders a resolved value for embedding inside a larger string.
// Strings are embedded raw; everything else uses its JSON form.
func Stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort for small slices.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}
