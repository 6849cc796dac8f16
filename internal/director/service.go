package director

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/danmuck/shardmesh/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ServiceConfig is the director process configuration.
type ServiceConfig struct {
	ListenAddr      string
	AdminListenAddr string
	CORSOrigins     []string
	EnforceSender   bool
	Session         session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:    ":7100",
		EnforceSender: true,
		Session:       session.DefaultConfig(),
	}
}

// Service accepts bus participants over TCP or TLS.
type Service struct {
	cfg ServiceConfig
	dir *Director

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	cfg.Session = cfg.Session.WithDefaults()
	dcfg := DefaultConfig()
	dcfg.EnforceSender = cfg.EnforceSender
	dcfg.Session = cfg.Session
	return &Service{
		cfg:   cfg,
		dir:   New(dcfg),
		conns: make(map[net.Conn]struct{}),
	}
}

func (s *Service) Director() *Director {
	return s.dir
}

// Run blocks until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

func (s *Service) RunContext(ctx context.Context) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	ln, err := s.listen()
	if err != nil {
		return err
	}
	log.Info().Msgf("director.Service.Run listening addr=%q tls=%t", ln.Addr().String(), s.cfg.Session.TLS.Enabled)

	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		admin := observability.NewAdmin("director", s.cfg.CORSOrigins)
		s.MountAdmin(admin.Router())
		go func() {
			adminErr <- admin.Serve(ctx, addr)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			return err
		}
		return <-serveErr
	}
}

// MountAdmin adds the participant snapshot route.
func (s *Service) MountAdmin(r *gin.Engine) {
	r.GET("/participants", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"participants": s.dir.Snapshot()})
	})
}

func (s *Service) listen() (net.Listener, error) {
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve accepts participants on ln until ctx is cancelled.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(conn)
	}
}

func (s *Service) handleConn(conn net.Conn) {
	name, err := s.authenticateConn(conn)
	if err != nil {
		log.Warn().Msgf("director.handleConn transport auth remote=%q err=%v", conn.RemoteAddr().String(), err)
		_ = conn.Close()
		s.untrackConn(conn)
		return
	}
	p := s.dir.Attach(conn, name)
	<-p.Done()
	s.untrackConn(conn)
}

// authenticateConn completes the TLS handshake when enabled and returns the
// participant's display name: the peer certificate identity if present,
// the remote address otherwise.
func (s *Service) authenticateConn(conn net.Conn) (string, error) {
	remote := conn.RemoteAddr().String()
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return remote, nil
	}
	_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return "", err
	}
	_ = tlsConn.SetDeadline(time.Time{})
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		if s.cfg.Session.TLS.Mutual {
			return "", session.ErrMTLSRequired
		}
		return remote, nil
	}
	id := session.PeerIdentity(state.PeerCertificates[0])
	if id == "" {
		return "", fmt.Errorf("director: empty peer identity from certificate")
	}
	return id, nil
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
