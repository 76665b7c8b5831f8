package escrow

import (
	"fmt"

	"freight-controlplane/pkg/celengine"
	"freight-controlplane/pkg/config"

	"github.com/google/cel-go/cel"
)

const DefaultFeeBPS int64 = 1000

// FeeInput describes one payee's gross share. Expressions see the same
// fields as variables: gross, depth, kind, billing_cycle.
type FeeInput struct {
	Gross        int64
	Depth        int
	Kind         PayoutKind
	BillingCycle string
}

func (in FeeInput) attrs() map[string]interface{} {
	return map[string]interface{}{
		"gross":         in.Gross,
		"depth":         int64(in.Depth),
		"kind":          string(in.Kind),
		"billing_cycle": in.BillingCycle,
	}
}

// FeePolicy computes the platform fee withheld from a payee's gross share.
type FeePolicy interface {
	Fee(in FeeInput) (int64, error)
	Name() string
}

// PercentagePolicy withholds BPS basis points, rounded down.
type PercentagePolicy struct {
	BPS int64
}

func (p PercentagePolicy) Name() string { return fmt.Sprintf("percentage:%d", p.BPS) }

func (p PercentagePolicy) Fee(in FeeInput) (int64, error) {
	// Split the product so gross*bps cannot overflow int64.
	fee := in.Gross/10000*p.BPS + in.Gross%10000*p.BPS/10000
	return clampFee(fee, in.Gross), nil
}

// ExpressionPolicy evaluates a CEL expression returning the fee in minor
// units, e.g. `depth == 0 ? gross / 10 : gross / 20`.
type ExpressionPolicy struct {
	expr string
	prg  cel.Program
}

func NewExpressionPolicy(expr string) (*ExpressionPolicy, error) {
	env, err := celengine.GetOrBuildEnv(FeeInput{}.attrs())
	if err != nil {
		return nil, err
	}
	prg, err := celengine.Compile(env, expr)
	if err != nil {
		return nil, fmt.Errorf("compile fee expression: %w", err)
	}
	return &ExpressionPolicy{expr: expr, prg: prg}, nil
}

func (p *ExpressionPolicy) Name() string { return "expression:" + p.expr }

func (p *ExpressionPolicy) Fee(in FeeInput) (int64, error) {
	fee, err := celengine.EvaluateInt(p.prg, in.attrs())
	if err != nil {
		return 0, fmt.Errorf("evaluate fee expression: %w", err)
	}
	return clampFee(fee, in.Gross), nil
}

func clampFee(fee, gross int64) int64 {
	if fee < 0 {
		return 0
	}
	if fee > gross {
		return gross
	}
	return fee
}

// NewFeePolicy prefers ESCROW.FEE_EXPRESSION and falls back to
// ESCROW.FEE_BPS.
func NewFeePolicy(cfg *config.Config) (FeePolicy, error) {
	if cfg == nil {
		return PercentagePolicy{BPS: DefaultFeeBPS}, nil
	}
	if cfg.Escrow.FeeExpression != "" {
		return NewExpressionPolicy(cfg.Escrow.FeeExpression)
	}
	if cfg.Escrow.FeeBPS < 0 || cfg.Escrow.FeeBPS > 10000 {
		return nil, fmt.Errorf("ESCROW.FEE_BPS must be within [0, 10000], got %d", cfg.Escrow.FeeBPS)
	}
	return PercentagePolicy{BPS: cfg.Escrow.FeeBPS}, nil
}
