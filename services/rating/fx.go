package rating

import "go.uber.org/fx"

var Module = fx.Module("rating.service",
	fx.Provide(NewService),
)

var Gateway = fx.Module("rating.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
