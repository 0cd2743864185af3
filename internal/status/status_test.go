package status

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"detectorctl/pkg/wire"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	hp    wire.HealthPacket
	ok    bool
	alive bool
}

func (f fakeSource) LastHealth() (wire.HealthPacket, bool) { return f.hp, f.ok }
func (f fakeSource) Alive() bool                           { return f.alive }

func newTestServer(src HealthSource) *gin.Engine {
	gin.SetMode(gin.TestMode)
	s := New(":0", src)
	router := gin.New()
	api := router.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/metrics", s.handleMetrics)
	return router
}

func TestHandleHealthAwaitingFirstHealth(t *testing.T) {
	router := newTestServer(fakeSource{alive: true, ok: false})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "awaiting-first-health")
}

func TestHandleHealthAsleep(t *testing.T) {
	router := newTestServer(fakeSource{alive: false, ok: false})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "asleep")
}

func TestHandleMetricsNoDataYet(t *testing.T) {
	router := newTestServer(fakeSource{alive: true, ok: false})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleMetricsReportsChannelHealth(t *testing.T) {
	hp := wire.HealthPacket{
		Timestamp: 42,
		C1:        wire.HafxHealth{SipmTemp: 29815, Counts: 1000},
	}
	router := newTestServer(fakeSource{alive: true, ok: true, hp: hp})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"counts":1000`)
}
