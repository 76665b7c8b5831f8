package escrow

import (
	"freight-controlplane/services/retry"

	"go.uber.org/fx"
)

var Module = fx.Module("escrow.service",
	fx.Provide(
		NewFeePolicy,
		NewService,
		asDriver,
	),
)

var Gateway = fx.Module("escrow.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

func asDriver(s *Service) retry.Driver { return s }
