package escrow

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"freight-controlplane/pkg/config"
)

func TestPercentagePolicy(t *testing.T) {
	p := PercentagePolicy{BPS: 1000}

	fee, err := p.Fee(FeeInput{Gross: 6000})
	require.NoError(t, err)
	require.Equal(t, int64(600), fee)

	fee, err = p.Fee(FeeInput{Gross: 9})
	require.NoError(t, err)
	require.Zero(t, fee)

	fee, err = PercentagePolicy{BPS: 10000}.Fee(FeeInput{Gross: 250})
	require.NoError(t, err)
	require.Equal(t, int64(250), fee)
}

func TestPercentagePolicyLargeGross(t *testing.T) {
	fee, err := PercentagePolicy{BPS: 250}.Fee(FeeInput{Gross: 1234567})
	require.NoError(t, err)
	require.Equal(t, int64(30864), fee)

	fee, err = PercentagePolicy{BPS: 1000}.Fee(FeeInput{Gross: math.MaxInt64})
	require.NoError(t, err)
	require.Equal(t, int64(922337203685477580), fee)
}

func TestExpressionPolicy(t *testing.T) {
	p, err := NewExpressionPolicy(`depth == 0 ? gross / 10 : gross / 20`)
	require.NoError(t, err)

	fee, err := p.Fee(FeeInput{Gross: 1000, Depth: 0, Kind: KindEarning})
	require.NoError(t, err)
	require.Equal(t, int64(100), fee)

	fee, err = p.Fee(FeeInput{Gross: 1000, Depth: 1, Kind: KindEarning})
	require.NoError(t, err)
	require.Equal(t, int64(50), fee)

	greedy, err := NewExpressionPolicy(`gross * 2`)
	require.NoError(t, err)
	fee, err = greedy.Fee(FeeInput{Gross: 300})
	require.NoError(t, err)
	require.Equal(t, int64(300), fee)

	negative, err := NewExpressionPolicy(`billing_cycle == "weekly" ? -1 : 0`)
	require.NoError(t, err)
	fee, err = negative.Fee(FeeInput{Gross: 300, BillingCycle: "weekly"})
	require.NoError(t, err)
	require.Zero(t, fee)

	_, err = NewExpressionPolicy(`gross +`)
	require.Error(t, err)
}

func TestNewFeePolicy(t *testing.T) {
	p, err := NewFeePolicy(nil)
	require.NoError(t, err)
	require.Equal(t, PercentagePolicy{BPS: DefaultFeeBPS}, p)

	cfg := &config.Config{}
	cfg.Escrow.FeeBPS = 250
	p, err = NewFeePolicy(cfg)
	require.NoError(t, err)
	require.Equal(t, "percentage:250", p.Name())

	cfg.Escrow.FeeBPS = 20000
	_, err = NewFeePolicy(cfg)
	require.Error(t, err)

	cfg.Escrow.FeeExpression = `kind == "earning" ? gross / 100 : 0`
	p, err = NewFeePolicy(cfg)
	require.NoError(t, err)
	require.Equal(t, "expression:"+cfg.Escrow.FeeExpression, p.Name())
}
