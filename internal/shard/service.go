package shard

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
	"github.com/danmuck/shardmesh/internal/stateserver"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DistrictClass is generated in the uber zone of every shard that has a
// district name, so clients under the shard always see it.
const DistrictClass = "DistributedDistrict"

const UberZone = stateserver.UberZone

// ServiceConfig is the shard process configuration.
type ServiceConfig struct {
	Bus             busclient.Config
	SchemaPath      string
	Shard           Config
	Name            string
	Population      uint32
	District        string
	AdminListenAddr string
	CORSOrigins     []string
}

func DefaultServiceConfig() ServiceConfig {
	bus := busclient.DefaultConfig()
	bus.Address = "127.0.0.1:7100"
	bus.Name = "shard"
	return ServiceConfig{
		Bus:        bus,
		SchemaPath: "configs/toon.toml",
		Shard:      DefaultConfig(),
		Name:       "shard-1",
		District:   "Toontown Central",
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
	client, err := busclient.Dial(ctx, s.cfg.Bus)
	if err != nil {
		return err
	}
	defer client.Close()

	repo, err := New(s.reg, client, s.cfg.Shard)
	if err != nil {
		return err
	}
	if err := Start(repo, s.cfg); err != nil {
		return err
	}

	// The bus stays up past ctx so the shard can retire itself; the
	// post-remove covers the case where it never gets the chance.
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return client.Run(gctx, repo) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-ctx.Done():
		}
		if err := repo.Retire(); err != nil {
			log.Warn().Msgf("shard.Service.Run retire err=%v", err)
		}
		cancel()
		return nil
	})
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		admin := observability.NewAdmin("shard", s.cfg.CORSOrigins)
		MountAdmin(admin.Router(), repo)
		g.Go(func() error { return admin.Serve(gctx, addr) })
	}
	log.Info().Msgf("shard.Service.Run bus=%q channel=%d name=%q", s.cfg.Bus.Address, s.cfg.Shard.Channel, s.cfg.Name)
	return g.Wait()
}

// Start announces the shard, generates its district and logs chat heard
// from objects under it.
func Start(repo *Repository, cfg ServiceConfig) error {
	if err := repo.Announce(cfg.Name, cfg.Population); err != nil {
		return err
	}
	repo.Watch("setTalk", func(doID protocol.Channel, args []any) {
		log.Info().Msgf("shard.talk do_id=%d text=%q", doID, args[0])
	})
	if cfg.District == "" {
		return nil
	}
	id, err := repo.Generate(DistrictClass, UberZone, map[string][]any{
		"setName":      {cfg.District},
		"setAvailable": {uint8(1)},
	})
	if err != nil {
		return err
	}
	log.Info().Msgf("shard.Start district=%q do_id=%d", cfg.District, id)
	return nil
}

// MountAdmin adds the shard's object view.
func MountAdmin(r *gin.Engine, repo *Repository) {
	r.GET("/objects", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"channel": repo.Channel(), "objects": repo.Objects()})
	})
	r.GET("/objects/:id", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid object id"})
			return
		}
		o, ok := repo.Object(protocol.Channel(id))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"object": o.info()})
	})
	r.GET("/pending", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pending": repo.Pending()})
	})
}
