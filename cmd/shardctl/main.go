package main

import (
	"fmt"
	"os"

	"github.com/danmuck/shardmesh/internal/config"
	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/danmuck/shardmesh/internal/shard"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", config.DefaultPath("shard"), "shard config file")
	district := pflag.String("district", "", "override the district name")
	pflag.Parse()
	observability.InitLogger("shard")

	cfg := shard.DefaultServiceConfig()
	if config.Present(*configPath) || pflag.CommandLine.Changed("config") {
		loaded, err := config.LoadShardService(*configPath)
		if err != nil {
			fail(err)
		}
		cfg = loaded
		log.Info().Msgf("shardctl.main config=%s", *configPath)
	}
	if pflag.CommandLine.Changed("district") {
		cfg.District = *district
	}

	svc, err := shard.NewService(cfg)
	if err != nil {
		fail(err)
	}
	if err := svc.Run(); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "shardctl: %v\n", err)
	os.Exit(1)
}
