package contract

import "go.uber.org/fx"

var Module = fx.Module("contract.service",
	fx.Provide(NewService),
)

var Gateway = fx.Module("contract.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
