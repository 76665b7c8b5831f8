package schema

import (
	"context"

	"freight-controlplane/pkg/config"
	"freight-controlplane/services/contract"
	"freight-controlplane/services/escrow"
	"freight-controlplane/services/participant"
	"freight-controlplane/services/rating"
	"freight-controlplane/services/retry"
	"freight-controlplane/services/wallet"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("schema",
	fx.Invoke(Register),
)

// Models lists every persisted table of the escrow subsystem.
func Models() []any {
	var out []any
	out = append(out, contract.Models()...)
	out = append(out, participant.Models()...)
	out = append(out, wallet.Models()...)
	out = append(out, retry.Models()...)
	out = append(out, escrow.Models()...)
	out = append(out, rating.Models()...)
	return out
}

func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(Models()...)
}

// Register migrates on start when DATABASE.AUTO_MIGRATE is set.
func Register(lc fx.Lifecycle, cfg *config.Config, db *gorm.DB) {
	if !cfg.Database.AutoMigrate {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := Migrate(ctx, db); err != nil {
				zap.L().Error("[DB] auto migration failed", zap.Error(err))
				return err
			}
			zap.L().Info("[DB] schema migrated", zap.Int("tables", len(Models())))
			return nil
		},
	})
}
