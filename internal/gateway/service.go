package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strconv"
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

// ServiceConfig is the gateway process configuration.
type ServiceConfig struct {
	Bus             busclient.Config
	SchemaPath      string
	ListenAddr      string
	AccountsPath    string
	Gateway         Config
	AdminListenAddr string
	CORSOrigins     []string

	// Accounts, when set, is used instead of opening AccountsPath and is
	// left open on return. Gateways sharing one process share it.
	Accounts AccountIndex
}

func DefaultServiceConfig() ServiceConfig {
	bus := busclient.DefaultConfig()
	bus.Address = "127.0.0.1:7100"
	bus.Name = "gateway"
	return ServiceConfig{
		Bus:          bus,
		SchemaPath:   "configs/toon.toml",
		ListenAddr:   "127.0.0.1:7200",
		AccountsPath: "data/accounts.db",
		Gateway:      DefaultConfig(),
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
	accounts := s.cfg.Accounts
	if accounts == nil {
		opened, err := OpenAccountIndex(s.cfg.AccountsPath)
		if err != nil {
			return err
		}
		defer opened.Close()
		accounts = opened
	}

	client, err := busclient.Dial(ctx, s.cfg.Bus)
	if err != nil {
		return err
	}
	defer client.Close()
	gw, err := New(s.reg, client, accounts, s.cfg.Gateway)
	if err != nil {
		return err
	}
	if err := client.Subscribe(gw.Channel()); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(ctx, gw) })
	g.Go(func() error { return gw.Serve(ctx, ln) })
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		admin := observability.NewAdmin("gateway", s.cfg.CORSOrigins)
		MountAdmin(admin.Router(), gw)
		g.Go(func() error { return admin.Serve(ctx, addr) })
	}
	log.Info().Msgf("gateway.Service.Run listen=%q bus=%q channel=%d version=%q", ln.Addr().String(), s.cfg.Bus.Address, gw.Channel(), s.cfg.Gateway.Version)
	return g.Wait()
}

// Serve accepts websocket clients on ln until ctx ends, then ejects every
// session.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           g.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		g.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// MountAdmin adds read-only session routes.
func MountAdmin(r *gin.Engine, gw *Gateway) {
	r.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": gw.Sessions()})
	})
	r.GET("/sessions/:channel", func(c *gin.Context) {
		ch, err := strconv.ParseUint(c.Param("channel"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel"})
			return
		}
		info, ok := gw.Session(protocol.Channel(ch))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": info})
	})
	r.GET("/pending", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pending": gw.db.Pending()})
	})
}
