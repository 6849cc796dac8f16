package stateserver

import (
	"context"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/danmuck/shardmesh/internal/busclient"
	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ServiceConfig is the state server process configuration.
type ServiceConfig struct {
	Bus             busclient.Config
	SchemaPath      string
	AdminListenAddr string
	CORSOrigins     []string
	InboxSize       int
}

func DefaultServiceConfig() ServiceConfig {
	bus := busclient.DefaultConfig()
	bus.Address = "127.0.0.1:7100"
	bus.Name = "stateserver"
	return ServiceConfig{
		Bus:        bus,
		SchemaPath: "configs/toon.toml",
		InboxSize:  DefaultConfig().InboxSize,
	}
}

type Service struct {
	cfg ServiceConfig
	reg *dclass.Registry
}

// NewService loads the schema; the bus connection is made by Run.
func NewService(cfg ServiceConfig) (*Service, error) {
	reg, err := dclass.Load(cfg.SchemaPath)
	if err != nil {
		return nil, err
	}
	log.Info().Msgf("stateserver.NewService schema=%q classes=%d hash=%08x", cfg.SchemaPath, len(reg.Classes()), reg.Hash())
	return &Service{cfg: cfg, reg: reg}, nil
}

// NewServiceWithRegistry is NewService for an already loaded schema.
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
	client, err := busclient.Dial(ctx, s.cfg.Bus)
	if err != nil {
		return err
	}
	defer client.Close()
	srv := New(s.reg, client, Config{InboxSize: s.cfg.InboxSize})
	return s.serve(ctx, client, srv)
}

func (s *Service) serve(ctx context.Context, client *busclient.Client, srv *Server) error {
	if err := client.Subscribe(protocol.StateServerChannel); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return client.Run(ctx, srv) })
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		admin := observability.NewAdmin("stateserver", s.cfg.CORSOrigins)
		MountAdmin(admin.Router(), srv)
		g.Go(func() error { return admin.Serve(ctx, addr) })
	}
	log.Info().Msgf("stateserver.Service.Run bus=%q channel=%d", s.cfg.Bus.Address, protocol.StateServerChannel)
	return g.Wait()
}

// MountAdmin adds read-only registry routes.
func MountAdmin(r *gin.Engine, srv *Server) {
	r.GET("/shards", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"shards": srv.Shards()})
	})
	r.GET("/objects", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"objects": srv.Objects()})
	})
	r.GET("/objects/:id", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid object id"})
			return
		}
		obj, ok := srv.Object(protocol.Channel(id))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"object":  obj,
			"visible": srv.VisibleTo(protocol.Channel(id)),
		})
	})
}
