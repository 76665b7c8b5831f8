package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"freight-controlplane/services/testutil"
)

func TestMigrateCreatesEveryTable(t *testing.T) {
	db := testutil.NewTestDB(t)
	require.NoError(t, Migrate(context.Background(), db))

	for _, table := range []string{
		"contracts",
		"contract_participants",
		"wallets",
		"wallet_transactions",
		"wallet_hold_logs",
		"provider_payment_intents",
		"contract_payment_failures",
		"contract_transactions",
		"webhook_events",
		"payout_accounts",
		"ratings",
		"user_rating_summaries",
	} {
		require.True(t, db.Migrator().HasTable(table), table)
	}

	// Idempotent on an existing schema.
	require.NoError(t, Migrate(context.Background(), db))
}
