package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"freight-controlplane/pkg/config"
	"freight-controlplane/pkg/db"
	"freight-controlplane/pkg/gen"
	"freight-controlplane/pkg/health"
	"freight-controlplane/pkg/httpapi"
	"freight-controlplane/pkg/logger"
	"freight-controlplane/pkg/otelcol"
	"freight-controlplane/pkg/payment"
	"freight-controlplane/pkg/redis"
	"freight-controlplane/pkg/server"
	"freight-controlplane/services/contract"
	"freight-controlplane/services/escrow"
	"freight-controlplane/services/participant"
	"freight-controlplane/services/rating"
	"freight-controlplane/services/retry"
	"freight-controlplane/services/schema"
	"freight-controlplane/services/wallet"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		health.Module,
		payment.Module,
		otelcol.Module,
		gen.Module,
		schema.Module,
		httpapi.Module,
		contract.Module,
		contract.Gateway,
		participant.Module,
		participant.Gateway,
		wallet.Module,
		wallet.Gateway,
		retry.Module,
		escrow.Module,
		escrow.Gateway,
		rating.Module,
		rating.Gateway,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger.Named("fx")}
})
