package task

import (
	"testing"

	"freight-controlplane/pkg/taskname"

	"github.com/stretchr/testify/require"
)

func TestQueueFor(t *testing.T) {
	require.Equal(t, QueueCritical, QueueFor(taskname.ContractPaymentRetry))
	require.Equal(t, QueueCritical, QueueFor(taskname.ContractBillingRun))
	require.Equal(t, QueueLow, QueueFor(taskname.WalletChainVerify))
	require.Equal(t, QueueDefault, QueueFor("unknown:task"))
}
