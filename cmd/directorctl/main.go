package main

import (
	"fmt"
	"os"

	"github.com/danmuck/shardmesh/internal/config"
	"github.com/danmuck/shardmesh/internal/director"
	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", config.DefaultPath("director"), "director config file")
	pflag.Parse()
	observability.InitLogger("director")

	cfg := director.DefaultServiceConfig()
	if config.Present(*configPath) || pflag.CommandLine.Changed("config") {
		loaded, err := config.LoadDirectorService(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "directorctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
		log.Info().Msgf("directorctl.main config=%s", *configPath)
	}

	svc := director.NewServiceWithConfig(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "directorctl: %v\n", err)
		os.Exit(1)
	}
}
