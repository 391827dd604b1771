package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/fanhive/fanhive/internal/clock"
	"github.com/fanhive/fanhive/internal/config"
	"github.com/fanhive/fanhive/internal/observability"
	"github.com/fanhive/fanhive/internal/server"
	"github.com/fanhive/fanhive/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
