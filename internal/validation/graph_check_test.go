package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/pkg/schema"
)

func TestGraph_LinearReferencesClean(t *testing.T) {
	def := mustDef(t, `{"id":"wf",
		"steps":[
			{"id":"t","kind":"trigger","label":"Start"},
			{"id":"fetch","kind":"action","label":"Fetch","config":{"action":"http.request","params":{"url":"{{@t:Start.url}}"}}},
			{"id":"notify","kind":"action","config":{"action":"notify.send","params":{"text":"{{@fetch:Fetch.body}}"}}}
		],
		"edges":[{"source":"t","target":"fetch"},{"source":"fetch","target":"notify"}]}`)

	result := validateGraph(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestGraph_ParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		path string
		code string
	}{
		{
			name: "cycle",
			doc: `{"id":"wf","steps":[{"id":"t","kind":"trigger"},{"id":"a","kind":"action","config":{"action":"x"}},{"id":"b","kind":"action","config":{"action":"x"}}],
				"edges":[{"source":"t","target":"a"},{"source":"a","target":"b"},{"source":"b","target":"a"}]}`,
			path: "edges",
			code: schema.ErrCodeCycleDetected,
		},
		{
			name: "no trigger",
			doc:  `{"id":"wf","steps":[{"id":"a","kind":"action","config":{"action":"x"}}]}`,
			path: "edges",
			code: schema.ErrCodeValidation,
		},
		{
			name: "unlabeled condition edge",
			doc: `{"id":"wf","steps":[{"id":"t","kind":"trigger"},{"id":"c","kind":"condition","config":{"expression":"1 > 0"}},{"id":"a","kind":"action","config":{"action":"x"}}],
				"edges":[{"source":"t","target":"c"},{"source":"c","target":"a"}]}`,
			path: "edges",
			code: schema.ErrCodeValidation,
		},
		{
			name: "orphan collect",
			doc: `{"id":"wf","steps":[{"id":"t","kind":"trigger"},{"id":"done","kind":"collect"}],
				"edges":[{"source":"t","target":"done"}]}`,
			path: "steps[done]",
			code: schema.ErrCodeValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := validateGraph(mustDef(t, tt.doc))
			require.Len(t, result.Errors, 1)
			assert.Equal(t, tt.path, result.Errors[0].Path)
			assert.Equal(t, tt.code, result.Errors[0].Code)
		})
	}
}

func TestGraph_UnreachableStepWarns(t *testing.T) {
	def := mustDef(t, `{"id":"wf","steps":[{"id":"t","kind":"trigger"},{"id":"a","kind":"action","config":{"action":"x"}},{"id":"island","kind":"action","config":{"action":"x"}}],
		"edges":[{"source":"t","target":"a"}]}`)

	result := validateGraph(def)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "steps[island]", result.Warnings[0].Path)
	assert.Contains(t, result.Warnings[0].Message, "unreachable")
}

func TestGraph_ReferenceAvailability(t *testing.T) {
	t.Run("sibling branch", func(t *testing.T) {
		def := mustDef(t, `{"id":"wf","steps":[
				{"id":"t","kind":"trigger"},
				{"id":"c","kind":"condition","config":{"expression":"{{@t:t.ok}} == true"}},
				{"id":"yes","kind":"action","label":"Yes","config":{"action":"x"}},
				{"id":"no","kind":"action","config":{"action":"x","params":{"v":"{{@yes:Yes.v}}"}}}
			],
			"edges":[{"source":"t","target":"c"},{"source":"c","target":"yes","label":"true"},{"source":"c","target":"no","label":"false"}]}`)

		result := validateGraph(def)
		assert.True(t, result.Valid())
		require.Len(t, result.Warnings, 1)
		assert.Equal(t, schema.ErrCodeDataResolution, result.Warnings[0].Code)
		assert.Contains(t, result.Warnings[0].Message, "does not run before it")
	})

	t.Run("self", func(t *testing.T) {
		def := mustDef(t, `{"id":"wf","steps":[
				{"id":"t","kind":"trigger"},
				{"id":"a","kind":"action","label":"A","config":{"action":"x","params":{"v":"{{@a:A.v}}"}}}
			],
			"edges":[{"source":"t","target":"a"}]}`)

		result := validateGraph(def)
		require.Len(t, result.Warnings, 1)
		assert.Contains(t, result.Warnings[0].Message, "is the step itself")
	})

	t.Run("loop body from outside", func(t *testing.T) {
		def := mustDef(t, `{"id":"wf","steps":[
				{"id":"t","kind":"trigger"},
				{"id":"loop","kind":"forEach","config":{"arraySource":"{{@t:t.items}}"}},
				{"id":"body","kind":"action","label":"Body","config":{"action":"x"}},
				{"id":"done","kind":"collect"},
				{"id":"after","kind":"action","config":{"action":"x","params":{"v":"{{@body:Body.v}}"}}}
			],
			"edges":[{"source":"t","target":"loop"},{"source":"loop","target":"body"},{"source":"body","target":"done"},{"source":"done","target":"after"}]}`)

		result := validateGraph(def)
		assert.True(t, result.Valid())
		require.Len(t, result.Warnings, 1)
		assert.Equal(t, "steps[after]", result.Warnings[0].Path)
		assert.Contains(t, result.Warnings[0].Message, `loop "loop"`)
	})

	t.Run("collect output after loop", func(t *testing.T) {
		def := mustDef(t, `{"id":"wf","steps":[
				{"id":"t","kind":"trigger"},
				{"id":"loop","kind":"forEach","config":{"arraySource":"{{@t:t.items}}"}},
				{"id":"body","kind":"action","config":{"action":"x","params":{"item":"{{@loop:loop.item}}"}}},
				{"id":"done","kind":"collect","label":"Done"},
				{"id":"after","kind":"action","config":{"action":"x","params":{"n":"{{@done:Done.count}}"}}}
			],
			"edges":[{"source":"t","target":"loop"},{"source":"loop","target":"body"},{"source":"body","target":"done"},{"source":"done","target":"after"}]}`)

		result := validateGraph(def)
		assert.True(t, result.Valid())
		assert.Empty(t, result.Warnings)
	})
}
