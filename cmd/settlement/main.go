package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/migration"
	"github.com/smallbiznis/settlement/internal/observability"
	"github.com/smallbiznis/settlement/internal/server"
	"github.com/smallbiznis/settlement/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Schema must be in place before the server takes traffic.
		migration.Module,

		// HTTP surface plus the settlement domain modules it serves.
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) *snowflake.Node {
	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		panic(err)
	}
	return node
}
