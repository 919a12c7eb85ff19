package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

func assertPNG(t *testing.T, img []byte) {
	t.Helper()
	require.Greater(t, len(img), 8, "PNG should be larger than header")
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, img[:4])
}

func TestRenderImageLinear(t *testing.T) {
	model, err := Build(linearWorkflow(t), nil)
	require.NoError(t, err)

	img, err := RenderImage(context.Background(), model, FormatPNG)
	require.NoError(t, err)
	assertPNG(t, img)
}

func TestRenderImageCondition(t *testing.T) {
	model, err := Build(conditionWorkflow(t), nil)
	require.NoError(t, err)

	img, err := RenderImage(context.Background(), model, FormatPNG)
	require.NoError(t, err)
	assertPNG(t, img)
}

func TestRenderImageNestedLoops(t *testing.T) {
	model, err := Build(nestedLoopWorkflow(t), nil)
	require.NoError(t, err)

	img, err := RenderImage(context.Background(), model, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(img), "<svg")
	assert.Contains(t, string(img), "cluster_lines")
}

func TestRenderImageWithStatus(t *testing.T) {
	states := map[string]*store.StepState{
		"fetch":     {StepID: "fetch", Status: schema.StepStatusCompleted, DurationMs: 100},
		"transform": {StepID: "transform", Status: schema.StepStatusRunning},
		"store":     {StepID: "store", Status: schema.StepStatusFailed},
	}

	model, err := Build(linearWorkflow(t), states)
	require.NoError(t, err)

	img, err := RenderImage(context.Background(), model, FormatPNG)
	require.NoError(t, err)
	assertPNG(t, img)
}

func TestRenderImageUnsupportedFormat(t *testing.T) {
	model, err := Build(linearWorkflow(t), nil)
	require.NoError(t, err)

	_, err = RenderImage(context.Background(), model, ImageFormat("gif"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
}

func TestImageFormatContentType(t *testing.T) {
	assert.Equal(t, "image/png", FormatPNG.ContentType())
	assert.Equal(t, "image/svg+xml", FormatSVG.ContentType())
}
