package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_WarningsDoNotBlock(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("edges[0]", ErrCodeValidation, "label ignored on unconditional edge")
	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_AddErrKeepsCode(t *testing.T) {
	r := &ValidationResult{}
	r.AddErr("steps[2]", NewError(ErrCodeCycleDetected, "workflow contains a cycle"))
	r.AddErr("steps[3]", errors.New("plain failure"))
	r.AddErr("steps[4]", nil)

	require.Len(t, r.Errors, 2)
	assert.Equal(t, ErrCodeCycleDetected, r.Errors[0].Code)
	assert.Equal(t, "workflow contains a cycle", r.Errors[0].Message)
	assert.Equal(t, ErrCodeValidation, r.Errors[1].Code)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].config", ErrCodeConfiguration, "condition step has an empty expression")
	r.AddError("edges[1]", ErrCodeValidation, "unknown target")
	r.AddWarning("/", ErrCodeValidation, "unused step")

	err := r.ToError()
	require.Error(t, err)
	var cfErr *ChainflowError
	require.ErrorAs(t, err, &cfErr)
	assert.Equal(t, ErrCodeValidation, cfErr.Code)
	assert.Contains(t, cfErr.Message, "2 errors")
	assert.Contains(t, cfErr.Message, "steps[0].config")
	assert.Equal(t, 2, cfErr.Details["error_count"])
	assert.Equal(t, 1, cfErr.Details["warning_count"])
}

func TestValidationResult_Merge(t *testing.T) {
	a := &ValidationResult{}
	a.AddError("/", ErrCodeValidation, "a")
	b := &ValidationResult{}
	b.AddError("/", ErrCodeValidation, "b")
	b.AddWarning("/", ErrCodeValidation, "w")

	a.Merge(b)
	a.Merge(nil)
	assert.Len(t, a.Errors, 2)
	assert.Len(t, a.Warnings, 1)
}
