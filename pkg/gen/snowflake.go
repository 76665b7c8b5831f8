package gen

import (
	"fmt"

	"freight-controlplane/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

// Module provides the process-wide id generator. Every running process
// needs its own SNOWFLAKE.NODE_ID.
var Module = fx.Module("gen",
	fx.Provide(NewSnowflakeNode),
)

func NewSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.Snowflake.NodeID)
	if err != nil {
		return nil, fmt.Errorf("init snowflake node %d: %w", cfg.Snowflake.NodeID, err)
	}
	return node, nil
}
