package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"

	"freight-controlplane/pkg/errutil"
)

func TestStubProviderIdempotent(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	p := NewStubProvider(node)

	ctx := context.Background()
	a, err := p.CreatePaymentIntent(ctx, IntentRequest{Amount: 100, Currency: "USD", IdempotencyKey: "k1"})
	require.NoError(t, err)
	b, err := p.CreatePaymentIntent(ctx, IntentRequest{Amount: 100, Currency: "USD", IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)
	require.Equal(t, IntentSucceeded, a.Status)

	_, err = p.CreatePaymentIntent(ctx, IntentRequest{Amount: 0, IdempotencyKey: "k2"})
	require.Error(t, err)
	require.False(t, IsRetryable(err))

	_, err = p.CreateTransfer(ctx, TransferRequest{Amount: 10})
	require.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	require.False(t, IsRetryable(nil))
	require.True(t, IsRetryable(Transient("rate_limited", "slow down")))
	require.False(t, IsRetryable(Terminal("card_declined", "declined")))
	require.True(t, IsRetryable(errors.New("connection reset")))
}

func TestClassify(t *testing.T) {
	require.NoError(t, Classify(nil))

	transient := Classify(Transient("timeout", "upstream timeout"))
	require.True(t, errutil.IsProviderTransient(transient))

	declined := Terminal("card_declined", "declined")
	terminal := Classify(declined)
	require.Equal(t, errutil.StatusProviderTerminal, errutil.StatusOf(terminal))

	var pe *Error
	require.True(t, errors.As(terminal, &pe))
	require.Equal(t, "card_declined", pe.Code)
}

func TestSignature(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	sig := Sign("secret", body)
	require.True(t, VerifySignature("secret", body, sig))
	require.False(t, VerifySignature("secret", body, "deadbeef"))
	require.True(t, VerifySignature("", body, ""))
}
