package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/shardmesh/internal/testutil/testlog"
)

func TestAdminServesHealthAndMetrics(t *testing.T) {
	testlog.Start(t)
	t.Setenv("SHARDMESH_ADMIN_TOKEN", "")
	a := NewAdmin("test", nil)
	for _, path := range []string{"/healthz", "/metrics"} {
		rr := httptest.NewRecorder()
		a.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: unexpected status %d", path, rr.Code)
		}
	}
}

func TestAdminTokenGuardsRoutes(t *testing.T) {
	testlog.Start(t)
	t.Setenv("SHARDMESH_ADMIN_TOKEN", "s3cret")
	a := NewAdmin("test", []string{"http://localhost:3000"})

	get := func(path, token string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		a.Router().ServeHTTP(rr, req)
		return rr.Code
	}
	if code := get("/healthz", ""); code != http.StatusOK {
		t.Fatalf("healthz should stay open: %d", code)
	}
	if code := get("/metrics", ""); code != http.StatusUnauthorized {
		t.Fatalf("metrics without token: %d", code)
	}
	if code := get("/metrics", "s3cret"); code != http.StatusOK {
		t.Fatalf("metrics with token: %d", code)
	}
}
