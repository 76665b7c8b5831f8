package taskname

const (
	// Contract payment tasks
	ContractPaymentRetry = "contract:payment:retry"
	ContractBillingRun   = "contract:billing:run"

	// Wallet tasks
	WalletChainVerify = "wallet:chain:verify"
)
