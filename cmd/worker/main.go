package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"freight-controlplane/pkg/config"
	"freight-controlplane/pkg/db"
	"freight-controlplane/pkg/gen"
	"freight-controlplane/pkg/lock"
	"freight-controlplane/pkg/logger"
	"freight-controlplane/pkg/otelcol"
	"freight-controlplane/pkg/payment"
	"freight-controlplane/pkg/redis"
	"freight-controlplane/pkg/task"
	"freight-controlplane/services/contract"
	"freight-controlplane/services/escrow"
	"freight-controlplane/services/participant"
	"freight-controlplane/services/retry"
	"freight-controlplane/services/wallet"
)

// The worker runs the retry sweeper on cron and executes the payment retry,
// billing and chain verification tasks it enqueues.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		lock.Module,
		payment.Module,
		task.Client,
		task.Server,
		otelcol.Module,
		gen.Module,
		fx.Decorate(workerNodeID),
		contract.Module,
		participant.Module,
		wallet.Module,
		wallet.Worker,
		retry.Module,
		retry.Worker,
		escrow.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

// Worker ids live in the upper half of the snowflake node space so they
// never collide with the API's.
func workerNodeID(cfg *config.Config) *config.Config {
	out := *cfg
	out.Snowflake.NodeID = cfg.Snowflake.NodeID%512 + 512
	return &out
}
