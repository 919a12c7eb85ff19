package credits

import (
	"math"

	"github.com/rendis/chainflow/internal/actions"
	"github.com/rendis/chainflow/pkg/schema"
)

// Pricing holds the unit prices used to estimate an execution.
type Pricing struct {
	BaseCostPerStep    int64   `mapstructure:"base_cost_per_step"`
	FunctionCallCost   int64   `mapstructure:"function_call_cost"`
	PlatformFeePercent float64 `mapstructure:"platform_fee_percent"`
}

// DefaultPricing returns the pricing used when none is configured.
func DefaultPricing() Pricing {
	return Pricing{
		BaseCostPerStep:    1,
		FunctionCallCost:   2,
		PlatformFeePercent: 5,
	}
}

// ActionLookup resolves action names to their cost profile.
type ActionLookup interface {
	Get(name string) (actions.Action, error)
}

// Estimator prices a workflow definition before it runs.
type Estimator struct {
	pricing Pricing
	actions ActionLookup
}

// NewEstimator creates an Estimator. Negative prices are treated as zero.
func NewEstimator(pricing Pricing, lookup ActionLookup) *Estimator {
	pricing.BaseCostPerStep = max(pricing.BaseCostPerStep, 0)
	pricing.FunctionCallCost = max(pricing.FunctionCallCost, 0)
	pricing.PlatformFeePercent = max(pricing.PlatformFeePercent, 0)
	return &Estimator{pricing: pricing, actions: lookup}
}

// Estimate returns the itemized cost of one execution of def: a base cost
// per step, a cost per action function call, the on-chain gas estimate of
// each action, and a platform fee percentage rounded up to whole credits.
//
// Loop bodies are priced once. Unknown actions fail the estimate.
func (e *Estimator) Estimate(def *schema.WorkflowDefinition) (*schema.CostBreakdown, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is required")
	}

	b := &schema.CostBreakdown{StepCount: len(def.Steps)}
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Kind != schema.StepKindAction {
			continue
		}
		cfg, err := step.ParseConfig()
		if err != nil {
			return nil, err
		}
		action, err := e.actions.Get(cfg.(*schema.ActionConfig).Action)
		if err != nil {
			return nil, err
		}
		profile := action.Schema()
		b.FunctionCalls += profile.FunctionCalls
		b.GasEstimate += profile.GasEstimate
	}

	b.BaseCost = int64(b.StepCount) * e.pricing.BaseCostPerStep
	b.FunctionCallCost = int64(b.FunctionCalls) * e.pricing.FunctionCallCost
	subtotal := b.BaseCost + b.FunctionCallCost + b.GasEstimate
	b.PlatformFee = platformFee(subtotal, e.pricing.PlatformFeePercent)
	b.Total = subtotal + b.PlatformFee
	return b, nil
}

// platformFee is ceil(subtotal * percent / 100), computed in basis points so
// whole-percent fees are exact.
func platformFee(subtotal int64, percent float64) int64 {
	bps := int64(math.Round(percent * 100))
	if subtotal <= 0 || bps <= 0 {
		return 0
	}
	return (subtotal*bps + 9999) / 10000
}
