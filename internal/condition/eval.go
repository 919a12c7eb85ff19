package condition

import (
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf16"
)

// undefinedType is the JavaScript-style "no value" marker, distinct from null.
type undefinedType struct{}

var undefined = undefinedType{}

type evaluator struct {
	vars map[string]any
}

func (ev *evaluator) eval(n node) (any, error) {
	switch n := n.(type) {
	case *literalNode:
		return n.value, nil
	case *varNode:
		v, ok := ev.vars[n.name]
		if !ok {
			return undefined, nil
		}
		return v, nil
	case *unaryNode:
		v, err := ev.eval(n.operand)
		if err != nil {
			return nil, err
		}
		if n.op == tokNot {
			return !truthy(v), nil
		}
		return -toNumber(v), nil
	case *binaryNode:
		return ev.evalBinary(n)
	case *memberNode:
		target, err := ev.eval(n.target)
		if err != nil {
			return nil, err
		}
		return lengthOf(target, n.at)
	case *indexNode:
		target, err := ev.eval(n.target)
		if err != nil {
			return nil, err
		}
		return index(target, n.key, n.at)
	case *callNode:
		return ev.evalCall(n)
	}
	return nil, validationErr(n.position(), "unsupported expression node %T", n)
}

func (ev *evaluator) evalBinary(n *binaryNode) (any, error) {
	left, err := ev.eval(n.left)
	if err != nil {
		return nil, err
	}
	// && and || short-circuit and yield an operand, as in JavaScript.
	switch n.op {
	case tokAnd:
		if !truthy(left) {
			return left, nil
		}
		return ev.eval(n.right)
	case tokOr:
		if truthy(left) {
			return left, nil
		}
		return ev.eval(n.right)
	}

	right, err := ev.eval(n.right)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokStrictEq:
		return strictEquals(left, right), nil
	case tokStrictNotEq:
		return !strictEquals(left, right), nil
	case tokEq:
		return looseEquals(left, right), nil
	case tokNotEq:
		return !looseEquals(left, right), nil
	case tokGt, tokGte, tokLt, tokLte:
		return compare(n.op, left, right), nil
	}
	return nil, validationErr(n.at, "unsupported operator %s", n.op)
}

func (ev *evaluator) evalCall(n *callNode) (any, error) {
	target, err := ev.eval(n.target)
	if err != nil {
		return nil, err
	}
	args := make([]any, len(n.args))
	for i, a := range n.args {
		if args[i], err = ev.eval(a); err != nil {
			return nil, err
		}
	}

	if target == nil || target == undefined {
		return nil, validationErr(n.at, "cannot call %s() on %s", n.method, toString(target))
	}

	switch n.method {
	case "toString":
		return toString(target), nil
	case "includes":
		switch t := target.(type) {
		case string:
			return strings.Contains(t, toString(args[0])), nil
		case []any:
			for _, item := range t {
				if sameValueZero(item, args[0]) {
					return true, nil
				}
			}
			return false, nil
		}
	case "startsWith", "endsWith", "toLowerCase", "toUpperCase":
		s, ok := target.(string)
		if !ok {
			break
		}
		switch n.method {
		case "startsWith":
			return strings.HasPrefix(s, toString(args[0])), nil
		case "endsWith":
			return strings.HasSuffix(s, toString(args[0])), nil
		case "toLowerCase":
			return strings.ToLower(s), nil
		default:
			return strings.ToUpper(s), nil
		}
	}
	return nil, validationErr(n.at, "%s() is not supported on %s values", n.method, typeOf(target))
}

func lengthOf(v any, at int) (any, error) {
	switch t := v.(type) {
	case string:
		return float64(len(utf16.Encode([]rune(t)))), nil
	case []any:
		return float64(len(t)), nil
	case nil, undefinedType:
		return nil, validationErr(at, "cannot read length of %s", toString(v))
	}
	return undefined, nil
}

func index(v any, key any, at int) (any, error) {
	switch t := v.(type) {
	case nil, undefinedType:
		return nil, validationErr(at, "cannot index %s", toString(v))
	case []any:
		if f, ok := key.(float64); ok {
			if f >= 0 && f == math.Trunc(f) && int(f) < len(t) {
				return t[int(f)], nil
			}
			return undefined, nil
		}
		if key == "length" {
			return float64(len(t)), nil
		}
		if i, err := strconv.Atoi(key.(string)); err == nil && i >= 0 && i < len(t) {
			return t[i], nil
		}
	case map[string]any:
		if val, ok := t[toString(key)]; ok {
			return val, nil
		}
	case string:
		units := utf16.Encode([]rune(t))
		if f, ok := key.(float64); ok && f >= 0 && f == math.Trunc(f) && int(f) < len(units) {
			return string(utf16.Decode(units[int(f) : int(f)+1])), nil
		}
	}
	return undefined, nil
}

// truthy implements JavaScript ToBoolean.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil, undefinedType:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case string:
		return t != ""
	}
	return true
}

// toNumber implements JavaScript ToNumber for the value kinds that reach the
// evaluator.
func toNumber(v any) float64 {
	switch t := v.(type) {
	case nil:
		return 0
	case undefinedType:
		return math.NaN()
	case bool:
		if t {
			return 1
		}
		return 0
	case float64:
		return t
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0
		}
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			if n, err := strconv.ParseInt(s[2:], 16, 64); err == nil {
				return float64(n)
			}
			return math.NaN()
		}
		switch s {
		case "Infinity", "+Infinity":
			return math.Inf(1)
		case "-Infinity":
			return math.Inf(-1)
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil || strings.ContainsAny(s, "_nN") {
			return math.NaN()
		}
		return n
	case []any:
		return toNumber(toString(t))
	}
	return math.NaN()
}

// toString implements JavaScript ToString.
func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case undefinedType:
		return "undefined"
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return formatNumber(t)
	case string:
		return t
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			if item == nil || item == undefined {
				continue
			}
			parts[i] = toString(item)
		}
		return strings.Join(parts, ",")
	case map[string]any:
		return "[object Object]"
	}
	return "undefined"
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		// Go pads the exponent to two digits; JavaScript does not.
		return strings.Replace(strings.Replace(s, "e+0", "e+", 1), "e-0", "e-", 1)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func typeOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case undefinedType:
		return "undefined"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	}
	return "object"
}

func strictEquals(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case undefinedType:
		return b == undefined
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case []any, map[string]any:
		return sameReference(a, b)
	}
	return false
}

// sameReference reports object identity for arrays and objects.
func sameReference(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() != vb.Kind() {
		return false
	}
	if va.Kind() == reflect.Slice && va.Len() != vb.Len() {
		return false
	}
	return va.Pointer() == vb.Pointer()
}

func sameValueZero(a, b any) bool {
	x, ok1 := a.(float64)
	y, ok2 := b.(float64)
	if ok1 && ok2 && math.IsNaN(x) && math.IsNaN(y) {
		return true
	}
	return strictEquals(a, b)
}

// looseEquals implements the JavaScript == algorithm.
func looseEquals(a, b any) bool {
	if typeOf(a) == typeOf(b) || isObject(a) && isObject(b) {
		return strictEquals(a, b)
	}
	if isNullish(a) || isNullish(b) {
		return isNullish(a) && isNullish(b)
	}
	if _, ok := a.(bool); ok {
		return looseEquals(toNumber(a), b)
	}
	if _, ok := b.(bool); ok {
		return looseEquals(a, toNumber(b))
	}
	_, aNum := a.(float64)
	_, bNum := b.(float64)
	_, aStr := a.(string)
	_, bStr := b.(string)
	switch {
	case aNum && bStr:
		return a.(float64) == toNumber(b)
	case aStr && bNum:
		return toNumber(a) == b.(float64)
	case isObject(a):
		return looseEquals(toString(a), b)
	case isObject(b):
		return looseEquals(a, toString(b))
	}
	return false
}

func isNullish(v any) bool {
	return v == nil || v == undefined
}

func isObject(v any) bool {
	switch v.(type) {
	case []any, map[string]any:
		return true
	}
	return false
}

// compare implements the relational operators. Two strings compare by UTF-16
// code units; anything else compares numerically and NaN is never ordered.
func compare(op tokenKind, a, b any) bool {
	if isObject(a) {
		a = toString(a)
	}
	if isObject(b) {
		b = toString(b)
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			c := compareUTF16(sa, sb)
			switch op {
			case tokGt:
				return c > 0
			case tokGte:
				return c >= 0
			case tokLt:
				return c < 0
			default:
				return c <= 0
			}
		}
	}
	x, y := toNumber(a), toNumber(b)
	if math.IsNaN(x) || math.IsNaN(y) {
		return false
	}
	switch op {
	case tokGt:
		return x > y
	case tokGte:
		return x >= y
	case tokLt:
		return x < y
	default:
		return x <= y
	}
}

func compareUTF16(a, b string) int {
	ua, ub := utf16.Encode([]rune(a)), utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return int(ua[i]) - int(ub[i])
		}
	}
	return len(ua) - len(ub)
}

// normalize converts decoded step data into the value kinds the evaluator
// understands: numbers become float64 and typed collections become []any or
// map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, float64, string:
		return t
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	}
	return v
}
