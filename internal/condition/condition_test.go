package condition

import (
	"testing"

	"github.com/rendis/chainflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture() schema.StepOutputs {
	return schema.StepOutputs{
		"n1": {Label: "API", Data: map[string]any{
			"value":   150.0,
			"name":    "Alice Smith",
			"tags":    []any{"vip", "beta"},
			"status":  "Active",
			"meta":    map[string]any{"content-type": "json"},
			"count":   "150",
			"flag":    true,
			"empty":   "",
			"nothing": nil,
			"n":       int64(7),
		}},
		"nul":  {Label: "Null", Data: nil},
		"void": {Label: "Void", Absent: true},
	}
}

func TestEvaluate_ValueAboveThreshold(t *testing.T) {
	res, err := Evaluate("{{@n1:API.value}} > 100", schema.StepOutputs{
		"n1": {Label: "API", Data: map[string]any{"value": 150.0}},
	})
	require.NoError(t, err)
	assert.True(t, res.Value)
	assert.Equal(t, map[string]any{"{{@n1:API.value}}": 150.0}, res.Resolved)
}

func TestEvaluate_Deterministic(t *testing.T) {
	expr := "{{@n1:API.tags}}.includes('vip') && {{@n1:API.value}} >= 150 || {{@n1:API.flag}}"
	first, err := Evaluate(expr, fixture())
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		res, err := Evaluate(expr, fixture())
		require.NoError(t, err)
		assert.Equal(t, first, res)
	}
}

func TestEvaluate_Expressions(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{"{{@n1:API.name}}.toLowerCase().startsWith('alice')", true},
		{"{{@n1:API.name}}.endsWith(\"Smith\")", true},
		{"{{@n1:API.status}}.toUpperCase() === \"ACTIVE\"", true},
		{"{{@n1:API.tags}}.includes('vip') && {{@n1:API.tags}}.length === 2", true},
		{"{{@n1:API.tags}}.includes('gold')", false},
		{"{{@n1:API.tags}}[1] === 'beta'", true},
		{"{{@n1:API.tags}}[5] === undefined", true},
		{"{{@n1:API.meta}}['content-type'] == 'json'", true},
		{"{{@n1:API.count}} == 150", true},
		{"{{@n1:API.count}} === 150", false},
		{"{{@n1:API.count}} !== 150", true},
		{"{{@n1:API.nothing}} == undefined", true},
		{"{{@n1:API.nothing}} === null", true},
		{"{{@n1:API.nothing}} === undefined", false},
		{"!{{@n1:API.empty}}", true},
		{"-{{@n1:API.value}} < -100", true},
		{"({{@n1:API.value}} > 200 || {{@n1:API.flag}}) && !false", true},
		{"{{@n1:API.value}} > 200 || {{@n1:API.flag}} && false", false},
		{"'b' > 'a'", true},
		{"'10' < '9'", true},
		{"'10' < 9", false},
		{"{{@n1:API.value}}.toString() === '150'", true},
		{"1e3 >= 1000", true},
		{"{{@n1:API.tags}} == 'vip,beta'", true},
		{"{{@n1:API.tags}} === {{@n1:API.tags}}", true},
		{"{{@n1:API.value}}", true},
		{"{{@n1:API.empty}}", false},
		{"{{@n1:API.n}} === 7", true},
		{"{{@n1:API.name}}.length <= 11", true},
		{"true != false", true},
		{"null == false", false},
		{"'abc' >= 'abd'", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			res, err := Evaluate(tt.expr, fixture())
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Value)
		})
	}
}

func TestEvaluate_DataResolutionErrors(t *testing.T) {
	tests := []struct {
		expr   string
		reason string
	}{
		{"{{@ghost:API.value}} > 100", schema.ReasonMissingStep},
		{"{{@nul:Null.value}} > 100", schema.ReasonNullData},
		{"{{@void:Void.value}} > 100", schema.ReasonUndefinedData},
		{"{{@n1:API.missing}} === false", schema.ReasonMissingField},
		{"{{@n1:API.tags[9]}} === 'x'", schema.ReasonMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			res, err := Evaluate(tt.expr, fixture())
			require.Error(t, err)
			assert.Nil(t, res)

			var cfErr *schema.ChainflowError
			require.ErrorAs(t, err, &cfErr)
			assert.Equal(t, schema.ErrCodeDataResolution, cfErr.Code)
			assert.Equal(t, tt.reason, cfErr.Details["reason"])
		})
	}
}

func TestEvaluate_EmptyIsConfigurationError(t *testing.T) {
	for _, expr := range []string{"", "   "} {
		_, err := Evaluate(expr, fixture())
		assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
	}
}

func TestEvaluate_Denylist(t *testing.T) {
	for _, expr := range []string{
		"eval('1') === 1",
		"Function('return 1')",
		"process.env.HOME === 'x'",
		"global === 1",
		"window === 1",
		"document === 1",
		"{{@n1:API.name}}.constructor === 1",
		"{{@n1:API.meta}}.__proto__ === 1",
		"{{@n1:API.meta}}['prototype'] === 1",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := Evaluate(expr, fixture())
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), err.Error())
			assert.Contains(t, err.Error(), "forbidden keyword")
		})
	}
}

func TestEvaluate_GrammarViolations(t *testing.T) {
	for _, expr := range []string{
		"{{@n1:API.value}} = 1",
		"{{@n1:API.value}} > 1; true",
		"`${1}` === '1'",
		"{{@n1:API.value}} + 1 > 2",
		"{{@n1:API.value}} += 1",
		"[1, 2].includes(1)",
		"{a: 1} === 1",
		"({{@n1:API.value}} > 1",
		"{{@n1:API.value}} > 1)",
		"{{@n1:API.value}} >",
		"> 1",
		"{{@n1:API.value}} !",
		"!",
		"{{@n1:API.name}}.foo === 1",
		"{{@n1:API.name}}.toLowerCase === 1",
		"{{@n1:API.tags}}.length() === 2",
		"{{@n1:API.name}}.startsWith() === 1",
		"{{@n1:API.tags}}[{{@n1:API.value}}] === 1",
		"{{@n1:API.tags}}[0 ] === 'vip' && {{@n1:API.tags}}[0, 1]",
		"'abc'[0] === 'a'",
		"if (true) true",
		"typeof {{@n1:API.value}} === 'number'",
		"unknownName === 1",
		"{{@n1:API.value}} > 1 ? true : false",
		"{{@n1:API.value}} & 1",
		"{{@n1:API.value}}()",
		"{{@n1:API.value}} > 1 {{@n1:API.value}}",
		"'unterminated",
		"12abc > 1",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := Evaluate(expr, fixture())
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), err.Error())
		})
	}
}

func TestEvaluate_RuntimeTypeErrors(t *testing.T) {
	_, err := Evaluate("{{@n1:API.nothing}}.length > 0", fixture())
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = Evaluate("{{@n1:API.value}}.startsWith('1')", fixture())
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestEvaluate_MalformedPlaceholder(t *testing.T) {
	_, err := Evaluate("{{@n1 > 1", fixture())
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestEvaluate_PlaceholderInsideStringLiteral(t *testing.T) {
	for _, expr := range []string{
		`"{{@n1:API.status}}" === "Active"`,
		`'{{@n1:API.status}}' === 'Active'`,
		`{{@n1:API.value}} > 1 && 'prefix {{@n1:API.status}}'.length > 0`,
		`"it's {{@n1:API.status}}" === 'x'`,
		`'say \'{{@n1:API.status}}' === 'x'`,
	} {
		t.Run(expr, func(t *testing.T) {
			res, err := Evaluate(expr, fixture())
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), err.Error())
			assert.Contains(t, err.Error(), "inside a string literal")
			assert.Error(t, Validate(expr))
		})
	}
}

func TestEvaluate_PlaceholderAfterClosedLiteral(t *testing.T) {
	for _, expr := range []string{
		`'Active' === {{@n1:API.status}}`,
		`"a\"b" !== {{@n1:API.status}} && {{@n1:API.status}} === "Active"`,
		`'it\'s' !== {{@n1:API.name}}`,
	} {
		t.Run(expr, func(t *testing.T) {
			res, err := Evaluate(expr, fixture())
			require.NoError(t, err)
			assert.True(t, res.Value)
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("{{@n1:API.value}} > 100 && {{@n2:Other.tags}}.includes('x')"))
	assert.NoError(t, Validate("true"))
	assert.True(t, schema.HasCode(Validate(""), schema.ErrCodeConfiguration))
	assert.True(t, schema.HasCode(Validate("{{@n1:API.value}} >"), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(Validate("eval('x')"), schema.ErrCodeValidation))
}
