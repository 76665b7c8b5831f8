package participant

import "go.uber.org/fx"

var Module = fx.Module("participant.service",
	fx.Provide(NewService),
)

var Gateway = fx.Module("participant.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
