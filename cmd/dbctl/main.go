package main

import (
	"fmt"
	"os"

	"github.com/danmuck/shardmesh/internal/config"
	"github.com/danmuck/shardmesh/internal/database"
	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", config.DefaultPath("database"), "database config file")
	backend := pflag.String("backend", "", "override the store backend (memory|bolt|sqlite|redis|postgres)")
	pflag.Parse()
	observability.InitLogger("database")

	cfg := database.DefaultServiceConfig()
	if config.Present(*configPath) || pflag.CommandLine.Changed("config") {
		loaded, err := config.LoadDatabaseService(*configPath)
		if err != nil {
			fail(err)
		}
		cfg = loaded
		log.Info().Msgf("dbctl.main config=%s", *configPath)
	}
	if *backend != "" {
		cfg.Store.Backend = *backend
	}

	svc, err := database.NewService(cfg)
	if err != nil {
		fail(err)
	}
	if err := svc.Run(); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "dbctl: %v\n", err)
	os.Exit(1)
}
