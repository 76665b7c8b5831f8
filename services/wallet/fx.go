package wallet

import (
	"freight-controlplane/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("wallet.service",
	fx.Provide(NewService),
)

var Gateway = fx.Module("wallet.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

var Worker = fx.Module("wallet.worker",
	fx.Provide(NewChainVerifyHandler),
	fx.Invoke(registerTaskHandlers, RegisterAuditSchedule),
)

func registerTaskHandlers(mux *asynq.ServeMux, h *ChainVerifyHandler) {
	mux.Handle(taskname.WalletChainVerify, h)
}
