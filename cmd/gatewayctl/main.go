package main

import (
	"fmt"
	"os"
	"time"

	"github.com/danmuck/shardmesh/internal/config"
	"github.com/danmuck/shardmesh/internal/gateway"
	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

// gatewayctl runs the client gateway. `gatewayctl token <subject>` prints a
// signed play token using the configured token secret instead.
func main() {
	configPath := pflag.StringP("config", "c", config.DefaultPath("gateway"), "gateway config file")
	ttl := pflag.Duration("ttl", 24*time.Hour, "lifetime of tokens printed by the token command")
	pflag.Parse()

	cfg, err := loadConfig(*configPath, pflag.CommandLine.Changed("config"))
	if err != nil {
		fail(err)
	}

	if args := pflag.Args(); len(args) > 0 {
		if args[0] != "token" || len(args) != 2 {
			fail(fmt.Errorf("usage: gatewayctl [--config path] [token <subject>]"))
		}
		token, err := gateway.NewTokenVerifier(cfg.Gateway.TokenSecret, cfg.Gateway.TokenIssuer).Issue(args[1], *ttl)
		if err != nil {
			fail(err)
		}
		fmt.Println(token)
		return
	}

	observability.InitLogger("gateway")
	svc, err := gateway.NewService(cfg)
	if err != nil {
		fail(err)
	}
	if err := svc.Run(); err != nil {
		fail(err)
	}
}

func loadConfig(path string, explicit bool) (gateway.ServiceConfig, error) {
	if !config.Present(path) && !explicit {
		return gateway.DefaultServiceConfig(), nil
	}
	cfg, err := config.LoadGatewayService(path)
	if err != nil {
		return gateway.ServiceConfig{}, err
	}
	log.Debug().Msgf("gatewayctl.loadConfig config=%s", path)
	return cfg, nil
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "gatewayctl: %v\n", err)
	os.Exit(1)
}
