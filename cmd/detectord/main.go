// detectord is the flight-controller process: it owns the UDP control
// socket, the four HaFX channel controllers and the X123 spectrometer
// controller, and runs the coordinator's event loop until told to
// terminate.
//
// Grounded on the teacher's cmd/driver/hasher-server/main.go bootstrap
// idiom (flag vars, log.Printf, signal.Notify-driven graceful
// shutdown) and the original's det-controller/main.cc wiring (serial
// numbers and per-channel/per-X123 science/debug UDP destination
// ports, there read from environment variables; here taken as flags
// per the teacher's own configuration style).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"detectorctl/internal/coordinator"
	"detectorctl/internal/emit"
	"detectorctl/internal/listener"
	"detectorctl/internal/queue"
	"detectorctl/internal/status"
	"detectorctl/pkg/wire"
)

var (
	controlPort = flag.Int("control-port", 9000, "UDP port the control socket listens/replies on")
	statusAddr  = flag.String("status-addr", ":8090", "HTTP address for the read-only status endpoint")
	settingsDir = flag.String("settings-dir", filepath.Join(os.Getenv("HOME"), "detector-config"), "directory holding per-detector settings blobs")
	ppsPin      = flag.String("pps-pin", "GPIO6", "GPIO pin name the PPS line is wired to")

	c1Serial = flag.String("c1-serial", "", "C1 HaFX ARM serial number")
	m1Serial = flag.String("m1-serial", "", "M1 HaFX ARM serial number")
	m5Serial = flag.String("m5-serial", "", "M5 HaFX ARM serial number")
	x1Serial = flag.String("x1-serial", "", "X1 HaFX ARM serial number")

	c1SciPort = flag.Int("c1-sci-port", 12000, "C1 science+NRL UDP destination port")
	c1DbgPort = flag.Int("c1-dbg-port", 12001, "C1 debug UDP destination port")
	m1SciPort = flag.Int("m1-sci-port", 12010, "M1 science+NRL UDP destination port")
	m1DbgPort = flag.Int("m1-dbg-port", 12011, "M1 debug UDP destination port")
	m5SciPort = flag.Int("m5-sci-port", 12020, "M5 science+NRL UDP destination port")
	m5DbgPort = flag.Int("m5-dbg-port", 12021, "M5 debug UDP destination port")
	x1SciPort = flag.Int("x1-sci-port", 12030, "X1 science+NRL UDP destination port")
	x1DbgPort = flag.Int("x1-dbg-port", 12031, "X1 debug UDP destination port")

	x123AckRetries = flag.Int("x123-ack-retries", 3, "ack-error retry count for the X123 driver")
	x123SciPort    = flag.Int("x123-sci-port", 12040, "X123 science UDP destination port")
	x123DbgPort    = flag.Int("x123-dbg-port", 12041, "X123 debug UDP destination port")

	destHost = flag.String("dest-host", "127.0.0.1", "host the science/NRL/debug UDP emitters dial")
)

func localAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(*destHost), Port: port}
}

func dial(port int) *emit.Emitter {
	em, err := emit.Dial(localAddr(port))
	if err != nil {
		log.Fatalf("detectord: dial emitter on port %d: %v", port, err)
	}
	return em
}

// healthTracker satisfies both coordinator's health broadcast and
// status's HealthSource by remembering the last assembled packet.
type healthTracker struct {
	mu     sync.Mutex
	last   wire.HealthPacket
	have   bool
	coord  *coordinator.Coordinator
}

func (h *healthTracker) record(hp wire.HealthPacket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = hp
	h.have = true
}

func (h *healthTracker) LastHealth() (wire.HealthPacket, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last, h.have
}

func (h *healthTracker) Alive() bool { return h.coord.Alive() }

func main() {
	flag.Parse()

	log.Printf("detectord starting: control port %d, status %s", *controlPort, *statusAddr)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: *controlPort})
	if err != nil {
		log.Fatalf("detectord: listen UDP :%d: %v", *controlPort, err)
	}

	cfg := coordinator.Config{
		SettingsDir: *settingsDir,
		PPSPinName:  *ppsPin,
		HafxPins: []coordinator.HafxEndpoint{
			{Channel: wire.ChannelC1, SerialNumber: *c1Serial, Science: dial(*c1SciPort), Nrl: dial(*c1SciPort), Debug: dial(*c1DbgPort)},
			{Channel: wire.ChannelM1, SerialNumber: *m1Serial, Science: dial(*m1SciPort), Nrl: dial(*m1SciPort), Debug: dial(*m1DbgPort)},
			{Channel: wire.ChannelM5, SerialNumber: *m5Serial, Science: dial(*m5SciPort), Nrl: dial(*m5SciPort), Debug: dial(*m5DbgPort)},
			{Channel: wire.ChannelX1, SerialNumber: *x1Serial, Science: dial(*x1SciPort), Nrl: dial(*x1SciPort), Debug: dial(*x1DbgPort)},
		},
		X123AckRetries: *x123AckRetries,
		X123Science:    dial(*x123SciPort),
		X123Debug:      dial(*x123DbgPort),
	}

	tracker := &healthTracker{}
	cfg.OnHealth = tracker.record

	q := queue.New()
	coord, err := coordinator.New(conn, q, cfg)
	if err != nil {
		log.Fatalf("detectord: building coordinator: %v", err)
	}
	tracker.coord = coord

	statusSrv := status.New(*statusAddr, tracker)

	ctrl := listener.New(conn, q, coord)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		coord.Run(stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("detectord: listener stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := statusSrv.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("detectord: status server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("detectord: shutting down")
	cancel()
	close(stop)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Println("detectord: shutdown timed out waiting for goroutines")
	}

	fmt.Println("detectord: stopped")
}
