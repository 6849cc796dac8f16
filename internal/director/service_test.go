package director

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/shardmesh/internal/busclient"
	"github.com/danmuck/shardmesh/internal/protocol/session"
	"github.com/danmuck/shardmesh/internal/testutil/testlog"
	"github.com/danmuck/shardmesh/internal/testutil/tlstest"
	"github.com/gin-gonic/gin"
)

func TestServiceMutualTLSNamesParticipantByCertificate(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "shardmesh-test-ca")

	cfg := DefaultServiceConfig()
	cfg.Session.TLS = ca.Director(t)
	svc := NewServiceWithConfig(cfg)
	tlsCfg, err := svc.cfg.Session.ServerTLSConfig()
	if err != nil {
		t.Fatalf("server tls config: %v", err)
	}
	raw, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln := tls.NewListener(raw, tlsCfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	ccfg := busclient.DefaultConfig()
	ccfg.Address = raw.Addr().String()
	ccfg.Name = "stateserver"
	ccfg.MaxConnectAttempts = 1
	ccfg.Session.TLS = ca.Participant(t, "stateserver-1")
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer dialCancel()
	c, err := busclient.Dial(dialCtx, ccfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	waitFor(t, "tls participant", func() bool {
		for _, p := range svc.Director().Snapshot() {
			if p.Name == "stateserver-1" {
				return true
			}
		}
		return false
	})
}

func TestServiceRejectsInvalidTransportConfig(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.Session.SecurityMode = session.SecurityModeProduction
	svc := NewServiceWithConfig(cfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if err := svc.Serve(context.Background(), ln); err == nil {
		t.Fatalf("production mode without tls must be rejected")
	}
}

func TestMountAdminListsParticipants(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	svc, addr := startService(t)
	a := connect(t, addr, "a")
	subscribe(t, svc, a, 4002)

	r := gin.New()
	svc.MountAdmin(r)
	req := httptest.NewRequest(http.MethodGet, "/participants", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "4002") {
		t.Fatalf("snapshot missing channel: %s", rec.Body.String())
	}
}
