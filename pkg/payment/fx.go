package payment

import (
	"fmt"

	"freight-controlplane/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment",
	fx.Provide(NewProvider),
)

// NewProvider selects the provider named by PAYMENT.PROVIDER.
func NewProvider(cfg *config.Config, node *snowflake.Node) (Provider, error) {
	switch cfg.Payment.Provider {
	case "", "stub":
		zap.L().Warn("[Payment] using stub provider")
		return NewStubProvider(node), nil
	default:
		return nil, fmt.Errorf("unsupported payment provider %q", cfg.Payment.Provider)
	}
}
