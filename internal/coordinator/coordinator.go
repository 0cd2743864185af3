// Package coordinator implements the single-threaded event loop that
// owns every detector, the delayed-work queue, and the set of live
// periodic timers. It dispatches commands popped from the queue,
// enforces nominal/debug/NRL mode exclusion, and drives the
// PPS-synchronized nominal-acquisition startup sequence.
//
// Grounded on the original's DetectorService.cc/.hh.
package coordinator

import (
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"detectorctl/internal/amptek"
	"detectorctl/internal/command"
	"detectorctl/internal/emit"
	"detectorctl/internal/gpio"
	"detectorctl/internal/hafx"
	"detectorctl/internal/health"
	"detectorctl/internal/queue"
	"detectorctl/internal/regbank"
	"detectorctl/internal/sipm3k"
	"detectorctl/internal/x123"
	"detectorctl/pkg/wire"

	"github.com/google/gousb"
)

// timeSliceDelay is the re-arm cadence for CollectNominal ticks.
const timeSliceDelay = 2 * time.Second

// nrlCheckDelay is the re-arm cadence for StartNrlList ticks.
const nrlCheckDelay = 250 * time.Millisecond

// traceSettleDelay bounds how long start_nominal waits after the PPS
// edge for the first Bridgeport buffer to become available.
const traceSettleDelay = 256 * time.Millisecond

// traceQueryTimeLimit bounds how long QueryTraceAcquisition polls
// check_trace_done before giving up.
const traceQueryTimeLimit = 5 * time.Second

// traceQueryPollInterval is how often QueryTraceAcquisition re-checks
// check_trace_done while polling.
const traceQueryPollInterval = 100 * time.Millisecond

// ppsTimeout bounds how long start_nominal/start_nrl_list_mode block on
// the PPS GPIO edge before proceeding anyway.
const ppsTimeout = 2 * time.Second

// HafxEndpoint is the static per-channel wiring the coordinator needs to
// (re)build a Controller on connect/reconnect: which USB serial this
// channel is expected at, and where its three emitters are dialed to.
type HafxEndpoint struct {
	Channel      wire.HafxChannel
	SerialNumber string
	Science      *emit.Emitter
	Nrl          *emit.Emitter
	Debug        *emit.Emitter
}

// Config is the coordinator's static wiring, fixed for the process
// lifetime: settings directories, emitter destinations, retry counts,
// and the PPS pin. None of this changes across a reconnect.
type Config struct {
	SettingsDir string
	HafxPins    []HafxEndpoint

	X123AckRetries int
	X123Science    *emit.Emitter
	X123Debug      *emit.Emitter

	PPSPinName string

	// OnHealth, if set, is called with every assembled health packet
	// (an ambient hook for the status endpoint; the original has no
	// equivalent since it has no separate introspection surface).
	OnHealth func(wire.HealthPacket)
}

// Coordinator owns the queue, the live detector controllers, and every
// periodic TimerHandle. One Coordinator runs on exactly one goroutine
// (Run); the listener goroutine only ever calls Queue.Push/PushAfter
// wrapped commands onto the shared queue.
type Coordinator struct {
	conn  *net.UDPConn
	queue *queue.Queue
	cfg   Config
	pps   *gpio.PPSWaiter

	alive bool

	hafx    map[wire.HafxChannel]*hafx.Controller
	hafxCtx *gousb.Context
	x123    *x123.Controller
	x123Ctx *gousb.Context

	nominalTimer     *queue.TimerHandle
	healthTimer      *queue.TimerHandle
	hafxDebugTraceT  *queue.TimerHandle
	hafxDebugHistT   *queue.TimerHandle
	hafxDebugListT   *queue.TimerHandle
	x123DebugHistT   *queue.TimerHandle
	hafxNrlListTimer *queue.TimerHandle
}

// New constructs an idle Coordinator. Call Run to start the event loop;
// the detectors are not opened until the first Initialize ("wake")
// command is dispatched.
func New(conn *net.UDPConn, q *queue.Queue, cfg Config) (*Coordinator, error) {
	pps, err := gpio.Open(cfg.PPSPinName)
	if err != nil {
		log.Printf("coordinator: PPS GPIO unavailable, start_nominal will not wait for it: %v", err)
		pps = nil
	}
	return &Coordinator{
		conn:  conn,
		queue: q,
		cfg:   cfg,
		pps:   pps,
		hafx:  make(map[wire.HafxChannel]*hafx.Controller),
	}, nil
}

// Alive reports whether the coordinator has live detectors, gating the
// listener's not-alive command filter.
func (c *Coordinator) Alive() bool { return c.alive }

// Run drains the queue until stop is closed, dispatching one command at
// a time. It never returns an error on its own; fatal per-command
// failures are handled internally by shutting the detectors down and
// continuing the loop, matching the original's while(true) evt_loop_step.
func (c *Coordinator) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		v, ok := c.queue.PopUntil(500 * time.Millisecond)
		if !ok {
			continue
		}
		c.dispatch(v)
	}
}

// dispatch is evt_loop_step's cmd_visitor: a PromiseWrap resolves its
// own reply channel and never triggers reconnect-and-continue (any error
// inside one, including a reconnect-classified one, is delivered back to
// the caller as an error reply instead); every other command's error
// is classified into reconnect-and-continue or log-and-shutdown. A panic
// in any handler is recovered, logged, and followed by Shutdown.
func (c *Coordinator) dispatch(v any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("coordinator: panic in handler, shutting down: %v", r)
			c.handle(command.Shutdown{})
		}
	}()
	if pw, ok := v.(command.PromiseWrap); ok {
		c.handlePromiseWrap(pw)
		return
	}
	cmd, ok := v.(command.Command)
	if !ok {
		log.Printf("coordinator: unexpected queue item type %T", v)
		return
	}
	if err := c.handle(cmd); err != nil {
		if errors.Is(err, command.ErrReconnect) {
			log.Printf("coordinator: reconnecting detectors: %v", err)
			wasNominal := c.takingNominalData()
			if err := c.reconnectDetectors(); err != nil {
				log.Printf("coordinator: reconnect failed: %v", err)
			}
			if wasNominal {
				c.queue.Push(command.StopNominal{})
				c.queue.Push(command.CollectNominal{Started: false})
			}
			return
		}
		log.Printf("coordinator: uncaught error, shutting down: %v", err)
		c.handle(command.Shutdown{})
	}
}

func (c *Coordinator) handlePromiseWrap(pw command.PromiseWrap) {
	err := c.handle(pw.Inner)
	if err != nil {
		pw.Reply <- command.Result{Err: err}
		return
	}
	pw.Reply <- command.Result{Payload: "promise-fulfilled"}
}

// handle is the per-command-type dispatch, one case per handle_command
// overload in the original.
func (c *Coordinator) handle(cmd command.Command) error {
	switch m := cmd.(type) {
	case command.Initialize:
		return c.initialize()
	case command.Shutdown:
		return c.shutdown()
	case command.HafxSettings:
		return c.handleHafxSettings(m)
	case command.X123Settings:
		return c.handleX123Settings(m)
	case command.HafxDebug:
		return c.handleHafxDebug(m)
	case command.X123Debug:
		return c.handleX123Debug(m)
	case command.QueryTraceAcquisition:
		return c.handleQueryTraceAcquisition(m)
	case command.QueryLegacyHistogram:
		ctrl, err := c.channel(m.Channel)
		if err != nil {
			return err
		}
		return ctrl.ReadSaveDebug(regbank.NewFpgaHistogram())
	case command.QueryListMode:
		ctrl, err := c.channel(m.Channel)
		if err != nil {
			return err
		}
		return ctrl.ReadSaveDebug(regbank.NewFpgaListMode())
	case command.QueryX123DebugHistogram:
		if c.x123 == nil {
			return command.Recoverablef("x123 not connected")
		}
		return c.x123.ReadSaveDebugHistogram()
	case command.StartPeriodicHealth:
		return c.handleStartPeriodicHealth(m)
	case command.StopPeriodicHealth:
		c.healthTimer.Cancel()
		c.healthTimer = nil
		return nil
	case command.CollectNominal:
		return c.handleCollectNominal(m)
	case command.StopNominal:
		return c.handleStopNominal()
	case command.StartNrlList:
		return c.handleStartNrlList(m)
	case command.StopNrlList:
		c.hafxNrlListTimer.Cancel()
		c.hafxNrlListTimer = nil
		return nil
	default:
		return fmt.Errorf("coordinator: unhandled command %T", cmd)
	}
}

func (c *Coordinator) channel(ch wire.HafxChannel) (*hafx.Controller, error) {
	ctrl, ok := c.hafx[ch]
	if !ok {
		return nil, command.Validationf(fmt.Sprintf("channel %s not valid: detector not connected", ch))
	}
	return ctrl, nil
}

func (c *Coordinator) takingNominalData() bool { return c.nominalTimer != nil }

// initialize tears everything down, rebuilds every detector controller,
// and pushes each channel's on-disk settings back to its device.
func (c *Coordinator) initialize() error {
	if err := c.shutdown(); err != nil {
		return err
	}
	if err := c.reconnectDetectors(); err != nil {
		return err
	}

	for ch, ctrl := range c.hafx {
		if err := ctrl.ReapplySettings(); err != nil {
			log.Printf("coordinator: hafx %s settings load: %v", ch, err)
		}
	}
	if c.x123 != nil {
		if err := c.x123.ReapplySettings(); err != nil {
			log.Printf("coordinator: x123 settings load: %v", err)
		}
	}

	c.alive = true
	return nil
}

// reconnectDetectors closes every existing controller and re-opens
// whatever HaFX/X123 USB devices are currently present on the bus.
func (c *Coordinator) reconnectDetectors() error {
	for _, ctrl := range c.hafx {
		ctrl.Close()
	}
	c.hafx = make(map[wire.HafxChannel]*hafx.Controller)
	if c.hafxCtx != nil {
		c.hafxCtx.Close()
		c.hafxCtx = nil
	}

	hafxCtx, devices, err := sipm3k.OpenAll()
	if err != nil {
		return fmt.Errorf("coordinator: enumerate HaFX devices: %w", err)
	}
	c.hafxCtx = hafxCtx
	for _, ep := range c.cfg.HafxPins {
		dev, ok := devices[ep.SerialNumber]
		if !ok {
			continue
		}
		ctrl, err := hafx.New(ep.Channel, dev, c.cfg.SettingsDir, ep.Science, ep.Nrl, ep.Debug)
		if err != nil {
			return fmt.Errorf("coordinator: making hafx control: %w", err)
		}
		c.hafx[ep.Channel] = ctrl
	}

	if c.x123 != nil {
		c.x123.Close()
		c.x123 = nil
	}
	if c.x123Ctx != nil {
		c.x123Ctx.Close()
		c.x123Ctx = nil
	}
	x123Ctx := gousb.NewContext()
	amptekDev, err := amptek.Open(x123Ctx)
	if err != nil {
		x123Ctx.Close()
		log.Printf("coordinator: x123 unavailable: %v", err)
		return nil
	}
	c.x123Ctx = x123Ctx
	x123Ctrl, err := x123.New(amptekDev, c.cfg.X123AckRetries, c.cfg.SettingsDir, c.cfg.X123Science, c.cfg.X123Debug)
	if err != nil {
		return fmt.Errorf("coordinator: making x123 control: %w", err)
	}
	c.x123 = x123Ctrl
	return nil
}

// shutdown cancels every periodic timer and releases every detector,
// matching handle_command(Shutdown).
func (c *Coordinator) shutdown() error {
	c.nominalTimer.Cancel()
	c.healthTimer.Cancel()
	c.hafxDebugHistT.Cancel()
	c.hafxDebugListT.Cancel()
	c.hafxDebugTraceT.Cancel()
	c.x123DebugHistT.Cancel()
	c.hafxNrlListTimer.Cancel()
	c.nominalTimer = nil
	c.healthTimer = nil
	c.hafxDebugHistT = nil
	c.hafxDebugListT = nil
	c.hafxDebugTraceT = nil
	c.x123DebugHistT = nil
	c.hafxNrlListTimer = nil

	if c.x123 != nil {
		c.x123.Close()
		c.x123 = nil
	}
	if c.x123Ctx != nil {
		c.x123Ctx.Close()
		c.x123Ctx = nil
	}
	for _, ctrl := range c.hafx {
		ctrl.Close()
	}
	c.hafx = make(map[wire.HafxChannel]*hafx.Controller)
	if c.hafxCtx != nil {
		c.hafxCtx.Close()
		c.hafxCtx = nil
	}

	c.alive = false
	log.Printf("coordinator: detector sleep")
	return nil
}

func (c *Coordinator) handleHafxSettings(m command.HafxSettings) error {
	ctrl, err := c.channel(m.Channel)
	if err != nil {
		return command.Validationf("channel not valid for settings modification (detector not connected)")
	}
	return ctrl.UpdateSettings(m)
}

func (c *Coordinator) handleX123Settings(m command.X123Settings) error {
	if c.x123 == nil {
		return command.Recoverablef("x123 issue: not connected")
	}
	return c.x123.UpdateSettings(m)
}

func (c *Coordinator) handleHafxDebug(m command.HafxDebug) error {
	if c.takingNominalData() {
		return command.Validationf("cannot take debug data during nominal data collection")
	}
	ctrl, err := c.channel(m.Channel)
	if err != nil {
		return err
	}

	delay := time.Duration(m.WaitBetween) * time.Second

	switch m.Type {
	case command.HafxDebugArmCtrl:
		return ctrl.ReadSaveDebug(regbank.NewArmCtrl())
	case command.HafxDebugArmCal:
		return ctrl.ReadSaveDebug(regbank.NewArmCal())
	case command.HafxDebugArmStatus:
		return ctrl.ReadSaveDebug(regbank.NewArmStatus())
	case command.HafxDebugFpgaCtrl:
		return ctrl.ReadSaveDebug(regbank.NewFpgaCtrl())
	case command.HafxDebugFpgaStatistics:
		return ctrl.ReadSaveDebug(regbank.NewFpgaStatistics())
	case command.HafxDebugFpgaWeights:
		return ctrl.ReadSaveDebug(regbank.NewFpgaWeights())
	case command.HafxDebugFpgaOscilloscopeTrace:
		if err := ctrl.RestartTrace(); err != nil {
			return err
		}
		c.hafxDebugTraceT = c.queue.PushAfter(command.QueryTraceAcquisition{Channel: m.Channel}, delay)
	case command.HafxDebugHistogram:
		if err := ctrl.RestartHistogram(); err != nil {
			return err
		}
		c.hafxDebugHistT = c.queue.PushAfter(command.QueryLegacyHistogram{Channel: m.Channel}, delay)
	case command.HafxDebugListMode:
		if err := ctrl.RestartListMode(); err != nil {
			return err
		}
		c.hafxDebugListT = c.queue.PushAfter(command.QueryListMode{Channel: m.Channel}, delay)
	default:
		return fmt.Errorf("coordinator: unhandled hafx debug type %v", m.Type)
	}
	return nil
}

func (c *Coordinator) handleX123Debug(m command.X123Debug) error {
	if c.takingNominalData() {
		return command.Validationf("cannot take debug data during nominal data collection")
	}
	if c.x123 == nil {
		return command.Validationf("x123 not connected")
	}

	var err error
	switch m.Type {
	case command.X123DebugDiagnostic:
		err = c.x123.ReadSaveDebugDiagnostic()
	case command.X123DebugHistogram:
		if err = c.x123.InitDebugHistogram(); err == nil {
			delay := time.Duration(m.HistogramWaitSecond) * time.Second
			c.x123DebugHistT = c.queue.PushAfter(command.QueryX123DebugHistogram{}, delay)
		}
	case command.X123DebugAsciiSettings:
		err = c.x123.ReadSaveDebugAscii(m.AsciiSettingsQuery)
	default:
		err = fmt.Errorf("coordinator: unhandled x123 debug type %v", m.Type)
	}
	if err != nil {
		log.Printf("coordinator: x123 debug: %v", err)
	}
	return nil
}

// handleQueryTraceAcquisition polls check_trace_done for up to 5s,
// reading and emitting the trace as soon as it's ready.
func (c *Coordinator) handleQueryTraceAcquisition(m command.QueryTraceAcquisition) error {
	ctrl, err := c.channel(m.Channel)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(traceQueryTimeLimit)
	for time.Now().Before(deadline) {
		done, err := ctrl.CheckTraceDone()
		if err != nil {
			return err
		}
		if done {
			return ctrl.ReadSaveDebug(regbank.NewFpgaOscilloscopeTrace())
		}
		time.Sleep(traceQueryPollInterval)
	}
	return command.Recoverablef("can't get trace after the time limit (5s)")
}

func (c *Coordinator) sendHealth(dest *net.UDPAddr, hp wire.HealthPacket) error {
	_, err := c.conn.WriteToUDP(hp.Encode(), dest)
	if err != nil {
		return fmt.Errorf("coordinator: send health packet: %w", err)
	}
	return nil
}

func (c *Coordinator) generateHealth() wire.HealthPacket {
	hafxHealth := make(map[wire.HafxChannel]wire.HafxHealth, len(c.hafx))
	for ch, ctrl := range c.hafx {
		h, err := ctrl.GenerateHealth()
		if err != nil {
			log.Printf("coordinator: hafx %s health: %v", ch, err)
			continue
		}
		hafxHealth[ch] = h
	}
	var x123Health *wire.X123Health
	if c.x123 != nil {
		h, err := c.x123.GenerateHealth()
		if err != nil {
			log.Printf("coordinator: x123 health: %v", err)
		} else {
			x123Health = &h
		}
	}
	return health.Assemble(uint32(time.Now().Unix()), hafxHealth, x123Health)
}

func (c *Coordinator) handleStartPeriodicHealth(m command.StartPeriodicHealth) error {
	hp := c.generateHealth()
	if c.cfg.OnHealth != nil {
		c.cfg.OnHealth(hp)
	}
	for _, dest := range m.Destinations {
		if err := c.sendHealth(dest, hp); err != nil {
			log.Printf("coordinator: %v", err)
		}
	}
	c.healthTimer = c.queue.PushAfter(m, time.Duration(m.SecondsBetween)*time.Second)
	return nil
}

func (c *Coordinator) readAllTimeSlices() error {
	for ch, ctrl := range c.hafx {
		if err := ctrl.PollSaveTimeSlice(); err != nil {
			return command.Reconnectf(fmt.Sprintf("hafx %s issue", ch), err)
		}
	}
	return nil
}

func (c *Coordinator) handleCollectNominal(m command.CollectNominal) error {
	finish := func(next command.CollectNominal) {
		c.nominalTimer = c.queue.PushAfter(next, timeSliceDelay)
	}

	if !m.Started {
		c.startNominal()
		m.Started = true
		finish(m)
		return nil
	}

	// a tick that was already queued when its timer was cleared is stale
	if !c.takingNominalData() {
		return nil
	}

	if c.x123 != nil {
		if err := c.x123.ReadSaveSequentialBuffer(); err != nil {
			log.Printf("coordinator: x123 disconnected: %v", err)
		}
	}

	if err := c.readAllTimeSlices(); err != nil {
		return err
	}
	finish(m)
	return nil
}

// startNominal blocks on the PPS edge, anchors every detector to the
// next second boundary, restarts acquisition on all of them, waits for
// the first buffer to settle, discards the garbage initial read, then
// sets the real anchor time, matching DetectorService::start_nominal.
func (c *Coordinator) startNominal() {
	c.awaitPPSEdge()

	for _, ctrl := range c.hafx {
		ctrl.SetDataTimeAnchor(nil)
	}

	afterPPS := time.Now()
	anchor := uint32(afterPPS.Add(time.Second).Unix())

	if c.x123 != nil {
		c.x123.SetDataTimeAnchor(anchor)
		if err := c.x123.RestartHardwareControlledSequentialBuffering(); err != nil {
			log.Printf("coordinator: x123 issue: %v", err)
		}
	}

	for _, ctrl := range c.hafx {
		if err := ctrl.RestartHistogram(); err != nil {
			log.Printf("coordinator: hafx restart: %v", err)
		}
	}

	if remaining := traceSettleDelay - time.Since(afterPPS); remaining > 0 {
		time.Sleep(remaining)
	}

	if err := c.readAllTimeSlices(); err != nil {
		log.Printf("coordinator: discarding initial buffers: %v", err)
	}

	for _, ctrl := range c.hafx {
		ctrl.SetDataTimeAnchor(&anchor)
	}
}

func (c *Coordinator) awaitPPSEdge() {
	if c.pps == nil {
		return
	}
	if !c.pps.WaitForRisingEdge(ppsTimeout) {
		log.Printf("coordinator: cannot obtain PPS detect after %s", ppsTimeout)
	}
}

func (c *Coordinator) handleStopNominal() error {
	if c.x123 != nil {
		if err := c.x123.StopSequentialBuffering(); err != nil {
			log.Printf("coordinator: x123 issue: %v", err)
		}
	}
	c.nominalTimer.Cancel()
	c.nominalTimer = nil
	return nil
}

func (c *Coordinator) checkSaveNrlBuffers() error {
	for ch, ctrl := range c.hafx {
		if err := ctrl.PollSaveNrlList(); err != nil {
			return command.Reconnectf(fmt.Sprintf("hafx %s issue", ch), err)
		}
	}
	return nil
}

func (c *Coordinator) startNrlListMode(fullSize bool) {
	c.awaitPPSEdge()
	for _, ctrl := range c.hafx {
		ctrl.SetFullSize(fullSize)

		if err := ctrl.SwapNrlBuffer(0); err != nil {
			log.Printf("coordinator: nrl buffer 0 swap: %v", err)
		}
		if err := ctrl.RestartListMode(); err != nil {
			log.Printf("coordinator: nrl restart: %v", err)
		}

		if err := ctrl.SwapNrlBuffer(1); err != nil {
			log.Printf("coordinator: nrl buffer 1 swap: %v", err)
		}
		if err := ctrl.RestartListMode(); err != nil {
			log.Printf("coordinator: nrl restart: %v", err)
		}
	}
}

func (c *Coordinator) handleStartNrlList(m command.StartNrlList) error {
	finish := func(next command.StartNrlList) {
		c.hafxNrlListTimer = c.queue.PushAfter(next, nrlCheckDelay)
	}

	if !m.Started {
		c.startNrlListMode(m.FullSize)
		m.Started = true
		finish(m)
		return nil
	}

	// a tick that was already queued when its timer was cleared is stale
	if c.hafxNrlListTimer == nil {
		return nil
	}

	if err := c.checkSaveNrlBuffers(); err != nil {
		return err
	}
	finish(m)
	return nil
}
