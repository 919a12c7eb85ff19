package expressions

import (
	"encoding/json"
	"testing"

	"github.com/rendis/chainflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpolator_NoReferences(t *testing.T) {
	interp := NewInterpolator()
	raw := json.RawMessage(`{"url":"https://example.com","count":42}`)

	out, err := interp.ResolveJSON(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(out))

	out, err = interp.ResolveJSON(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestInterpolator_WholeValueKeepsType(t *testing.T) {
	interp := NewInterpolator()
	raw := json.RawMessage(`{"amount":"{{@n1:API.value}}","items":"{{@n1:API.data.items}}","first":"{{@arr:List[0]}}"}`)

	out, err := interp.ResolveJSON(raw, outputs())
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":150,"items":[{"id":"a1"},{"id":"a2"}],"first":10}`, string(out))
}

func TestInterpolator_EmbeddedIsStringified(t *testing.T) {
	interp := NewInterpolator()
	raw := json.RawMessage(`{"msg":"value={{@n1:API.value}} id={{@n1:API.data.items[0].id}}","nested":["x {{@arr:List}}"]}`)

	out, err := interp.ResolveJSON(raw, outputs())
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"value=150 id=a1","nested":["x [10,20]"]}`, string(out))
}

func TestInterpolator_KeysAreNotInterpolated(t *testing.T) {
	interp := NewInterpolator()
	v, err := interp.ResolveValue(map[string]any{"{{@n1:API.value}}": "{{@n1:API.value}}"}, outputs())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"{{@n1:API.value}}": 150.0}, v)
}

func TestInterpolator_FailsLoudly(t *testing.T) {
	interp := NewInterpolator()

	_, err := interp.ResolveJSON(json.RawMessage(`{"x":"{{@ghost:API.value}}"}`), outputs())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDataResolution))

	_, err = interp.ResolveString("prefix {{@n1:API.missing}}", outputs())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDataResolution))

	_, err = interp.ResolveJSON(json.RawMessage(`{"x":"{{@n1"`), outputs())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
}

func TestInterpolator_ResolveString(t *testing.T) {
	interp := NewInterpolator()
	s, err := interp.ResolveString("{{@n1:API.value}}", outputs())
	require.NoError(t, err)
	assert.Equal(t, "150", s)
}

func TestReferencedSteps(t *testing.T) {
	ids := ReferencedSteps(`{"a":"{{@n1:API.x}}","b":"{{@n2:B}} {{@n1:API.y}}","c":"{{@bad}}"}`)
	assert.Equal(t, []string{"n1", "n2"}, ids)
}
