package retry

import (
	"freight-controlplane/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("retry.service",
	fx.Provide(NewService),
)

// Worker needs a Driver in the graph; the escrow module provides it.
var Worker = fx.Module("retry.worker",
	fx.Provide(
		NewSweeper,
		NewPaymentRetryHandler,
		NewBillingRunHandler,
	),
	fx.Invoke(
		RegisterSweeper,
		registerTaskHandlers,
	),
)

func registerTaskHandlers(mux *asynq.ServeMux, retry *PaymentRetryHandler, billing *BillingRunHandler) {
	mux.Handle(taskname.ContractPaymentRetry, retry)
	mux.Handle(taskname.ContractBillingRun, billing)
}
