package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/pkg/schema"
)

type collectResult struct {
	step *schema.Step
	data map[string]any
}

// runForEach drives one ForEach region. It returns the ForEach step's own
// output and, when a Collect closes the region, the aggregated Collect output.
//
// Without a Collect the loop is fire-and-forget: iteration outputs are
// dropped, but the ForEach still completes only after every iteration has.
func (r *run) runForEach(ctx context.Context, step *schema.Step, cfg *schema.ForEachConfig, sc *scope) (any, *collectResult, error) {
	region, ok := r.g.Regions[step.ID]
	if !ok {
		return nil, nil, schema.NewErrorf(schema.ErrCodeConfiguration, "forEach %s has no loop region", step.ID)
	}

	items, err := r.loopItems(ctx, step, cfg, sc)
	if err != nil {
		return nil, nil, err
	}
	total := len(items)
	results := make([]any, total)
	pool := NewWorkerPool(poolSize(cfg, total))

	concurrency := cfg.Concurrency
	if concurrency == "" {
		concurrency = schema.ConcurrencySequential
	}
	r.event(ctx, step.ID, schema.EventLoopStarted, sc, map[string]any{
		"total":       total,
		"concurrency": concurrency,
		"workers":     poolSize(cfg, total),
	})
	logger := logging.LogWith(ctx, r.e.logger)
	logger.Debug("loop started", slog.Int("total", total), slog.String("concurrency", concurrency))

	err = pool.Run(ctx, total, func(ctx context.Context, i int) error {
		ctx = logging.WithIteration(ctx, step.ID, i)
		isc := sc.iterationScope(step, items[i], i, total)
		r.event(ctx, step.ID, schema.EventLoopIterStarted, sc, map[string]any{"index": i})
		if err := r.walk(ctx, region.Body, isc); err != nil {
			return err
		}
		// results[i] is owned by iteration i alone.
		if isc.hasLast {
			results[i] = isc.last
		} else {
			results[i] = items[i]
		}
		r.event(ctx, step.ID, schema.EventLoopIterCompleted, sc, map[string]any{"index": i})
		return nil
	})

	m := pool.Metrics()
	summary := map[string]any{
		"total":     total,
		"completed": m.Completed,
		"failed":    m.Failed,
		"peak":      m.Peak,
	}
	if err != nil {
		summary["error"] = err.Error()
	}
	r.event(ctx, step.ID, schema.EventLoopCompleted, sc, summary)
	if err != nil {
		return nil, nil, err
	}

	for _, id := range region.Body {
		sc.consumed[id] = true
	}
	out := map[string]any{"total": total}
	if region.CollectID == "" {
		return out, nil, nil
	}
	sc.consumed[region.CollectID] = true
	return out, &collectResult{
		step: r.g.Steps[region.CollectID],
		data: map[string]any{"results": results, "count": int(m.Completed)},
	}, nil
}

// completeCollect runs the Collect step closing a finished loop.
func (r *run) completeCollect(ctx context.Context, c *collectResult, sc *scope) error {
	ctx = logging.WithStepID(ctx, c.step.ID)
	st := &stepState{id: c.step.ID, status: schema.StepStatusPending}
	if err := r.to(ctx, st, sc, schema.StepStatusRunning, map[string]any{"kind": string(c.step.Kind)}); err != nil {
		return err
	}
	return r.complete(ctx, st, c.step, c.data, sc)
}

// loopItems resolves arraySource, applies the iteration cap and the optional
// per-element mapExpression.
func (r *run) loopItems(ctx context.Context, step *schema.Step, cfg *schema.ForEachConfig, sc *scope) ([]any, error) {
	resolved, err := r.e.interp.ResolveValue(cfg.ArraySource, sc.outputs)
	if err != nil {
		return nil, err
	}
	items, ok := resolved.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDataResolution,
			"arraySource %s resolved to %s, not an array", cfg.ArraySource, describeType(resolved)).
			WithDetails(map[string]any{
				"reason":    schema.ReasonNotArray,
				"step_id":   step.ID,
				"reference": cfg.ArraySource,
			})
	}

	if limit := cfg.IterationCap(); limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	if cfg.MapExpression == "" {
		return items, nil
	}

	query, err := expressions.PathQuery(cfg.MapExpression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "invalid mapExpression %q: %s", cfg.MapExpression, err.Error()).WithCause(err)
	}
	mapped := make([]any, len(items))
	for i, item := range items {
		v, err := r.e.jq.Query(ctx, query, item)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeDataResolution,
				"mapExpression %q failed on element %d: %s", cfg.MapExpression, i, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{
					"reason":    schema.ReasonMissingField,
					"step_id":   step.ID,
					"reference": cfg.MapExpression,
					"index":     i,
				})
		}
		mapped[i] = v
	}
	return mapped, nil
}

// iterationScope builds the isolated scope of one iteration: the pre-loop
// outputs plus the ForEach output {item, index, total}.
func (sc *scope) iterationScope(forEach *schema.Step, item any, index, total int) *scope {
	outputs := sc.outputs.Clone()
	outputs[forEach.ID] = schema.StepOutput{
		Label: forEach.Label,
		Data:  map[string]any{"item": item, "index": index, "total": total},
	}
	return &scope{
		outputs:   outputs,
		executed:  map[string]bool{forEach.ID: true},
		branch:    make(map[string]string),
		consumed:  make(map[string]bool),
		iteration: index,
	}
}

func describeType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "an object"
	case string:
		return "a string"
	case bool:
		return "a boolean"
	case float64, int, int64:
		return "a number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
