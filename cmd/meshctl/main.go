package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/danmuck/shardmesh/internal/config"
	"github.com/danmuck/shardmesh/internal/database"
	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/director"
	"github.com/danmuck/shardmesh/internal/gateway"
	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/danmuck/shardmesh/internal/shard"
	"github.com/danmuck/shardmesh/internal/stateserver"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// meshctl runs a whole deployment in one process from a mesh config.
func main() {
	configPath := pflag.StringP("config", "c", config.DefaultPath("mesh"), "mesh config file")
	skip := pflag.StringSlice("skip", nil, "processes to leave out (director, stateserver, database, gateway, shards)")
	pflag.Parse()
	observability.InitLogger("mesh")

	cfg, err := config.LoadMeshConfig(*configPath)
	if err != nil {
		fail(err)
	}
	runners, closers, err := build(cfg, *skip)
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		log.Info().Msgf("meshctl.main starting process=%s", r.name)
		g.Go(func() error {
			if err := r.run(gctx); err != nil {
				return fmt.Errorf("%s: %w", r.name, err)
			}
			return nil
		})
	}
	err = g.Wait()
	for _, c := range closers {
		if cerr := c.Close(); cerr != nil {
			log.Warn().Msgf("meshctl.main close err=%v", cerr)
		}
	}
	if err != nil {
		fail(err)
	}
}

type runner struct {
	name string
	run  func(ctx context.Context) error
}

// build loads the schema once and wires every process the mesh config
// describes, minus the skipped ones. The closers are the account indexes
// the gateways share; they outlive every runner.
func build(cfg config.MeshConfig, skip []string) ([]runner, []io.Closer, error) {
	reg, err := dclass.Load(cfg.Schema)
	if err != nil {
		return nil, nil, err
	}
	var out []runner
	var closers []io.Closer
	if !slices.Contains(skip, "director") {
		svc := director.NewServiceWithConfig(cfg.DirectorService())
		out = append(out, runner{"director", svc.RunContext})
	}
	if !slices.Contains(skip, "stateserver") {
		svc := stateserver.NewServiceWithRegistry(cfg.StateServerService(), reg)
		out = append(out, runner{"stateserver", svc.RunContext})
	}
	if !slices.Contains(skip, "database") {
		dbCfg, err := cfg.DatabaseService()
		if err != nil {
			return nil, nil, err
		}
		svc := database.NewServiceWithRegistry(dbCfg, reg)
		out = append(out, runner{"database", svc.RunContext})
	}
	if !slices.Contains(skip, "gateway") {
		gwCfgs, err := cfg.GatewayServices()
		if err != nil {
			return nil, nil, err
		}
		for _, gwCfg := range gwCfgs {
			svc := gateway.NewServiceWithRegistry(gwCfg, reg)
			out = append(out, runner{gwCfg.Bus.Name, svc.RunContext})
			if !slices.Contains(closers, io.Closer(gwCfg.Accounts)) {
				closers = append(closers, gwCfg.Accounts)
			}
		}
	}
	if !slices.Contains(skip, "shards") {
		for _, shCfg := range cfg.ShardServices() {
			svc := shard.NewServiceWithRegistry(shCfg, reg)
			out = append(out, runner{"shard " + shCfg.Name, svc.RunContext})
		}
	}
	return out, closers, nil
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "meshctl: %v\n", err)
	os.Exit(1)
}
