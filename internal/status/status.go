// Package status exposes a read-only HTTP introspection endpoint for
// operator dashboards: the coordinator's current health snapshot and
// host CPU/memory utilization.
//
// Grounded on the teacher's REST API surface
// (cmd/driver/hasher-host/main.go's runAPIServer/handleHealth/
// handleMetrics), generalized from gin.H ad hoc maps to typed response
// structs.
package status

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"detectorctl/pkg/wire"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HealthSource supplies the latest assembled health packet. cmd/detectord's
// healthTracker implements this by remembering the last packet the
// coordinator assembled (handed to it through the coordinator's OnHealth
// hook).
type HealthSource interface {
	LastHealth() (wire.HealthPacket, bool)
	Alive() bool
}

// Server is the status HTTP server.
type Server struct {
	addr   string
	source HealthSource
	srv    *http.Server
	start  time.Time
}

// New constructs a status server bound to addr (e.g. ":8090").
func New(addr string, source HealthSource) *Server {
	return &Server{addr: addr, source: source, start: time.Now()}
}

// healthResponse mirrors the teacher's HealthResponse shape, adapted
// to detector-connectivity fields instead of ASIC-chip ones.
type healthResponse struct {
	Status  string `json:"status"`
	Alive   bool   `json:"alive"`
	Uptime  string `json:"uptime"`
	HasData bool   `json:"has_health_data"`
}

type channelHealthResponse struct {
	Channel          string  `json:"channel"`
	SipmTempKelvin   float64 `json:"sipm_temperature_kelvin"`
	OperatingVoltage float64 `json:"sipm_operating_voltage"`
	Counts           uint32  `json:"counts"`
}

type metricsResponse struct {
	Timestamp        uint32                  `json:"timestamp"`
	Channels         []channelHealthResponse `json:"channels"`
	X123BoardTempC   int8                    `json:"x123_board_temp_c"`
	X123FastCounts   uint32                  `json:"x123_fast_counts"`
	HostCPUPct       float64                 `json:"host_cpu_percent"`
	HostMemPct       float64                 `json:"host_mem_percent"`
}

func (s *Server) handleHealth(c *gin.Context) {
	_, ok := s.source.LastHealth()
	status := "healthy"
	if !s.source.Alive() {
		status = "asleep"
	} else if !ok {
		status = "awaiting-first-health"
	}
	c.JSON(http.StatusOK, healthResponse{
		Status:  status,
		Alive:   s.source.Alive(),
		Uptime:  time.Since(s.start).String(),
		HasData: ok,
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	hp, ok := s.source.LastHealth()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no health data collected yet"})
		return
	}

	channel := func(name string, h wire.HafxHealth) channelHealthResponse {
		return channelHealthResponse{
			Channel:          name,
			SipmTempKelvin:   float64(h.SipmTemp) / 100,
			OperatingVoltage: float64(h.SipmOperatingVoltage) / 100,
			Counts:           h.Counts,
		}
	}
	channels := []channelHealthResponse{
		channel("c1", hp.C1),
		channel("m1", hp.M1),
		channel("m5", hp.M5),
		channel("x1", hp.X1),
	}

	cpuPct := 0.0
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	memPct := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}

	c.JSON(http.StatusOK, metricsResponse{
		Timestamp:      hp.Timestamp,
		Channels:       channels,
		X123BoardTempC: hp.X123.BoardTemp,
		X123FastCounts: hp.X123.FastCounts,
		HostCPUPct:     cpuPct,
		HostMemPct:     memPct,
	})
}

// Run builds the router and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/metrics", s.handleMetrics)
	}

	s.srv = &http.Server{Addr: s.addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("status: listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("status: serve: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("status: shutdown: %v", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
