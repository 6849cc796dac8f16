package database

import (
	"context"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/shardmesh/internal/busclient"
	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ServiceConfig is the persistence process configuration.
type ServiceConfig struct {
	Bus             busclient.Config
	SchemaPath      string
	Store           Options
	StoreTimeout    time.Duration
	AdminListenAddr string
	CORSOrigins     []string
}

func DefaultServiceConfig() ServiceConfig {
	bus := busclient.DefaultConfig()
	bus.Address = "127.0.0.1:7100"
	bus.Name = "database"
	return ServiceConfig{
		Bus:        bus,
		SchemaPath: "configs/toon.toml",
		Store: Options{
			Backend: "bolt",
			Path:    "data/shardmesh.db",
			IDs:     DefaultIDRange(),
		},
		StoreTimeout: DefaultServerConfig().StoreTimeout,
	}
}

type Service struct {
	cfg ServiceConfig
	reg *dclass.Registry
}

func NewService(cfg ServiceConfig) (*Service, error) {
	reg, err := dclass.Load(cfg.SchemaPath)
	if err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, reg: reg}, nil
}

func NewServiceWithRegistry(cfg ServiceConfig, reg *dclass.Registry) *Service {
	return &Service{cfg: cfg, reg: reg}
}

// Run blocks until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

func (s *Service) RunContext(ctx context.Context) error {
	store, err := Open(ctx, s.cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info().Msgf("database.Service.Run backend=%s ids=[%d,%d]", s.cfg.Store.Backend, s.cfg.Store.IDs.Min, s.cfg.Store.IDs.Max)

	client, err := busclient.Dial(ctx, s.cfg.Bus)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Subscribe(protocol.DatabaseChannel); err != nil {
		return err
	}
	srv := NewServer(s.reg, store, client, ServerConfig{
		Backend:      s.cfg.Store.Backend,
		StoreTimeout: s.cfg.StoreTimeout,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return client.Run(ctx, srv) })
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		admin := observability.NewAdmin("database", s.cfg.CORSOrigins)
		MountAdmin(admin.Router(), s.cfg.Store)
		g.Go(func() error { return admin.Serve(ctx, addr) })
	}
	return g.Wait()
}

// MountAdmin exposes the store selection; record contents stay private.
func MountAdmin(r *gin.Engine, opts Options) {
	r.GET("/store", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"backend": opts.Backend,
			"min_id":  opts.IDs.Min,
			"max_id":  opts.IDs.Max,
		})
	})
}
