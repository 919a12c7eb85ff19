// Package logging carries execution correlation fields through a context and
// attaches them to slog records.
package logging

import (
	"context"
	"log/slog"
)

type correlationKey struct{}

// correlation is stored by value; each With* call stores an updated copy.
type correlation struct {
	executionID    string
	organizationID string
	stepID         string
	loopID         string
	iteration      int
	inLoop         bool
}

func fromContext(ctx context.Context) correlation {
	c, _ := ctx.Value(correlationKey{}).(correlation)
	return c
}

func update(ctx context.Context, fn func(*correlation)) context.Context {
	c := fromContext(ctx)
	fn(&c)
	return context.WithValue(ctx, correlationKey{}, c)
}

func (c correlation) attrs() []slog.Attr {
	var out []slog.Attr
	if c.executionID != "" {
		out = append(out, slog.String("execution_id", c.executionID))
	}
	if c.stepID != "" {
		out = append(out, slog.String("step_id", c.stepID))
	}
	if c.organizationID != "" {
		out = append(out, slog.String("organization_id", c.organizationID))
	}
	if c.inLoop {
		out = append(out, slog.String("loop_id", c.loopID), slog.Int("iteration", c.iteration))
	}
	return out
}

func WithExecutionID(ctx context.Context, id string) context.Context {
	return update(ctx, func(c *correlation) { c.executionID = id })
}

func WithStepID(ctx context.Context, id string) context.Context {
	return update(ctx, func(c *correlation) { c.stepID = id })
}

func WithOrganizationID(ctx context.Context, id string) context.Context {
	return update(ctx, func(c *correlation) { c.organizationID = id })
}

// WithExecution tags ctx with the execution and its owning organization.
func WithExecution(ctx context.Context, executionID, organizationID string) context.Context {
	return update(ctx, func(c *correlation) {
		c.executionID = executionID
		c.organizationID = organizationID
	})
}

// WithIteration marks ctx as running iteration index of the ForEach loopID.
// Nested loops overwrite the outer iteration.
func WithIteration(ctx context.Context, loopID string, index int) context.Context {
	return update(ctx, func(c *correlation) {
		c.loopID, c.iteration, c.inLoop = loopID, index, true
	})
}

func ExecutionID(ctx context.Context) string    { return fromContext(ctx).executionID }
func StepID(ctx context.Context) string         { return fromContext(ctx).stepID }
func OrganizationID(ctx context.Context) string { return fromContext(ctx).organizationID }

// Iteration returns the innermost loop iteration recorded on ctx.
func Iteration(ctx context.Context) (loopID string, index int, ok bool) {
	c := fromContext(ctx)
	return c.loopID, c.iteration, c.inLoop
}

// LogWith returns logger with the non-empty correlation fields of ctx attached.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := fromContext(ctx).attrs()
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// CorrelationHandler adds the correlation fields of the record's context to
// every record, so plain logger.InfoContext(ctx, ...) calls are tagged.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(fromContext(ctx).attrs()...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewCorrelationHandler(h.inner.WithAttrs(attrs))
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return NewCorrelationHandler(h.inner.WithGroup(name))
}
