package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/shardmesh/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("director", "GET", "/healthz", 200, 12*time.Millisecond)
	SetDirectorParticipants(3)
	SetDirectorChannels(7)
	RecordDirectorMessage("routed")
	RecordDirectorTeardown("eof")
	RecordStateMessage("SET_ZONE", "ok")
	SetStateCounts(10, 2)
	RecordDatabaseRequest("memory", "get", time.Millisecond, errors.New("boom"))
	AddGatewaySessions(1)
	RecordGatewayMessage("LOGIN", "ok")
	SetShardObjects("400000001", 5)
	RecordShardMessage("DELETE_RAM", "ok")
}

func TestAdminServesHealthMetricsAndMountedRoutes(t *testing.T) {
	testlog.Start(t)
	admin := NewAdmin("stateserver", []string{" http://localhost:3000 ", ""})
	admin.Router().GET("/shards", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"shards": []string{"alpha"}})
	})
	SetStateCounts(4, 1)

	for path, want := range map[string]string{
		"/healthz": `"node":"stateserver"`,
		"/metrics": "shardmesh_stateserver_objects 4",
		"/shards":  `"alpha"`,
	} {
		rec := httptest.NewRecorder()
		admin.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("%s body missing %q: %s", path, want, rec.Body.String())
		}
	}
}
