package main

import (
	"fmt"
	"os"

	"github.com/danmuck/shardmesh/internal/config"
	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/danmuck/shardmesh/internal/stateserver"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", config.DefaultPath("stateserver"), "state server config file")
	pflag.Parse()
	observability.InitLogger("stateserver")

	cfg := stateserver.DefaultServiceConfig()
	if config.Present(*configPath) || pflag.CommandLine.Changed("config") {
		loaded, err := config.LoadStateServerService(*configPath)
		if err != nil {
			fail(err)
		}
		cfg = loaded
		log.Info().Msgf("statectl.main config=%s", *configPath)
	}

	svc, err := stateserver.NewService(cfg)
	if err != nil {
		fail(err)
	}
	if err := svc.Run(); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "statectl: %v\n", err)
	os.Exit(1)
}
