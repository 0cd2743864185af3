// Package x123 implements the Amptek X-123 spectrometer controller:
// health generation, hardware-controlled sequential-buffering restart
// and catch-up read, spectrum rebinning, settings RMW, and debug
// (diagnostic/histogram/ascii) dispatch.
//
// Grounded on the original's X123Control.cc/.hh and X123DriverWrap.cc's
// ack-retry/reconnect classification.
package x123

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"detectorctl/internal/amptek"
	"detectorctl/internal/command"
	"detectorctl/internal/emit"
	"detectorctl/internal/settings"
	"detectorctl/pkg/wire"
)

// maxCatchUpBuffers bounds how many hardware-filled buffers one
// ReadSaveSequentialBuffer call will drain in a single tick. The
// original recurses through increment_reset_buffering/
// read_save_sequential_buffer without a bound; this caps it instead
// (spec.md §9 Open Question decision, see DESIGN.md).
const maxCatchUpBuffers = 32

// bufferSettings configures the AUX2 general-purpose counter for
// hardware-controlled sequential buffering, matching
// X123Control::restart_hardware_controlled_sequential_buffering.
const bufferSettings = "GPED=RISING;GPGA=OFF;GPIN=AUX2;GPMC=OFF;GPME=OFF"

// Settings is the on-disk settings blob for the X123, matching
// DetectorMessages::X123Settings.
type Settings struct {
	AckErrRetriesPresent bool
	AckErrRetries        uint32

	AsciiSettingsLength uint16
	AsciiSettings       [512]byte

	AdcRebinEdgesLength uint16
	AdcRebinEdges       [128]uint32
}

// driverWrap wraps an amptek.Device with the ack-retry loop:
// AckError is retried up to numRetries times and logged; a USB
// transport failure is surfaced as command.ErrReconnect; retries
// exhausted on a persistent ack error surfaces command.ErrRecoverable.
// This mirrors X123DriverWrap's send_recv, which amptek (pure
// transport) intentionally has no knowledge of.
type driverWrap struct {
	dev        *amptek.Device
	numRetries int
}

func (d *driverWrap) sendAndReceive(req amptek.Packet) (amptek.Packet, error) {
	var lastErr error
	for attempt := 0; attempt < d.numRetries; attempt++ {
		resp, err := d.dev.SendAndReceive(req)
		if err == nil {
			return resp, nil
		}
		var ackErr *amptek.AckError
		if errors.As(err, &ackErr) {
			log.Printf("x123: ack error (attempt %d/%d): %v", attempt+1, d.numRetries, ackErr)
			lastErr = ackErr
			continue
		}
		return amptek.Packet{}, command.Reconnectf("x123: usb transport failure", err)
	}
	return amptek.Packet{}, command.Recoverablef(fmt.Sprintf("x123: ack error persisted after %d retries: %v", d.numRetries, lastErr))
}

// Controller owns the X123's USB handle, the local sequential-buffer
// counter, the science time anchor, the cached settings (for
// rebinning), and the science/debug emitters.
type Controller struct {
	driver *driverWrap

	localNextBufferNum uint16
	timeAnchor         uint32
	numHistogramBins   uint16

	settingsStore  *settings.Store[Settings]
	settingsFile   string
	cachedSettings Settings

	scienceSaver *emit.Emitter
	debugSaver   *emit.Emitter
}

// New wires dev to a fresh Controller with the given ack-retry count
// (must be >= 1). On construction it attempts to read the current MCA
// bin count from the device; if the device is unreachable it falls
// back to 1024 bins, matching X123Control's constructor.
func New(dev *amptek.Device, numRetries int, settingsDir string, science, debug *emit.Emitter) (*Controller, error) {
	store, err := settings.NewStore[Settings](settingsDir)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		driver:       &driverWrap{dev: dev, numRetries: numRetries},
		settingsStore: store,
		settingsFile:  "x123-settings.bin",
		scienceSaver:  science,
		debugSaver:    debug,
	}
	if cached, err := c.FetchSettings(); err == nil {
		c.cachedSettings = cached
	}
	if err := c.refreshHistogramBinsFromRAM(); err != nil {
		log.Printf("x123: disconnected; using 1024 bins as default: %v", err)
		c.numHistogramBins = 1024
	}
	return c, nil
}

// Close releases the emitters' sockets and the USB handle.
func (c *Controller) Close() error {
	c.scienceSaver.Close()
	c.debugSaver.Close()
	return c.driver.dev.Close()
}

// DataTimeAnchor reports the current science time anchor.
func (c *Controller) DataTimeAnchor() uint32 { return c.timeAnchor }

// SetDataTimeAnchor sets the science time anchor, matching start_nominal
// step 3 (t0 = now()+1).
func (c *Controller) SetDataTimeAnchor(anchor uint32) { c.timeAnchor = anchor }

func bytesToU32LE(buf []byte, a, b, c, d int) uint32 {
	return uint32(buf[a]) | uint32(buf[b])<<8 | uint32(buf[c])<<16 | uint32(buf[d])<<24
}

// GenerateHealth issues a Status request and decodes board/detector
// temperature, detector high voltage, fast/slow counts, accumulation
// time, and real time out of the fixed status layout (Amptek DP5
// programmer's guide indices), matching X123Control::generate_health.
func (c *Controller) GenerateHealth() (wire.X123Health, error) {
	resp, err := c.driver.sendAndReceive(amptek.Packet{PID: amptek.Status})
	if err != nil {
		return wire.X123Health{}, err
	}
	buf := resp.Payload
	if len(buf) < 35 {
		return wire.X123Health{}, fmt.Errorf("x123: status payload too short: %d bytes", len(buf))
	}

	boardTemp := int8(buf[34])
	detTemp := uint16(buf[32]&0xf)<<8 | uint16(buf[33])
	detHighVoltage := int16(uint16(buf[30])<<8 | uint16(buf[31]))

	fastCounts := bytesToU32LE(buf, 0, 1, 2, 3)
	slowCounts := bytesToU32LE(buf, 4, 5, 6, 7)

	accBig := bytesToU32LE(buf, 12, 13, 14, 15) >> 8
	accSmall := uint32(buf[12])
	accumulationTime := accSmall + accBig*100

	realTime := bytesToU32LE(buf, 20, 21, 22, 23)

	return wire.X123Health{
		BoardTemp:        boardTemp,
		DetHighVoltage:   detHighVoltage,
		DetTemp:          detTemp,
		FastCounts:       fastCounts,
		SlowCounts:       slowCounts,
		AccumulationTime: accumulationTime,
		RealTime:         realTime,
	}, nil
}

// RestartHardwareControlledSequentialBuffering configures the AUX2
// general-purpose counter, clears it, and restarts sequential
// buffering, resetting the local buffer counter to 0.
func (c *Controller) RestartHardwareControlledSequentialBuffering() error {
	c.localNextBufferNum = 0
	if _, err := c.driver.sendAndReceive(amptek.TextConfigurationRequest(amptek.TextConfigurationToRam, bufferSettings)); err != nil {
		return err
	}
	if _, err := c.driver.sendAndReceive(amptek.Packet{PID: amptek.ClearGeneralPurposeCounter}); err != nil {
		return err
	}
	if _, err := c.driver.sendAndReceive(amptek.Packet{PID: amptek.RestartSequentialBuffering}); err != nil {
		return err
	}
	return nil
}

// StopSequentialBuffering cancels hardware-controlled sequential
// buffering.
func (c *Controller) StopSequentialBuffering() error {
	_, err := c.driver.sendAndReceive(amptek.Packet{PID: amptek.CancelSequentialBuffering})
	return err
}

// assembleSpectrum reassembles little-endian 3-byte-per-bin spectrum
// counts into u32 bins.
func assembleSpectrum(buf []byte) []uint32 {
	out := make([]uint32, len(buf)/3)
	for i := range out {
		off := i * 3
		out[i] = uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16
	}
	return out
}

// rebinSpectrum sums consecutive edge-bounded runs of orig into wider
// bins, matching X123Control::rebin_spectrum; an empty edge table
// leaves the spectrum untouched.
func (c *Controller) rebinSpectrum(orig []uint32) ([]uint32, error) {
	if c.cachedSettings.AdcRebinEdgesLength == 0 {
		return orig, nil
	}
	edges := c.cachedSettings.AdcRebinEdges
	limit := int(c.cachedSettings.AdcRebinEdgesLength) - 1

	out := make([]uint32, 0, limit)
	for i := 0; i < limit; i++ {
		start, stop := edges[i], edges[i+1]
		if int(stop) > len(orig) {
			return nil, fmt.Errorf("x123: rebin edge %d exceeds %d-bin spectrum", stop, len(orig))
		}
		var sum uint32
		for j := start; j < stop; j++ {
			sum += orig[j]
		}
		out = append(out, sum)
	}
	return out, nil
}

func appendU16(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// readRebinEmitBuffer reads the hardware-controlled sequential buffer
// at local_next_buffer_num-1, rebins it, and emits a framed record
// <u32 time_before_read><64B status><u16 rebinned_len><rebinned u32[…]>.
func (c *Controller) readRebinEmitBuffer() error {
	preReadTime := c.timeAnchor

	req := amptek.SequentialBufferRequest(amptek.RequestSeqBuffer, c.localNextBufferNum-1)
	resp, err := c.driver.sendAndReceive(req)
	if err != nil {
		return err
	}
	if len(resp.Payload) < amptek.StatusSize {
		return fmt.Errorf("x123: sequential buffer payload shorter than status block: %d bytes", len(resp.Payload))
	}
	spectrumBytes := resp.Payload[:len(resp.Payload)-amptek.StatusSize]
	statusBytes := resp.Payload[len(resp.Payload)-amptek.StatusSize:]

	rebinned, err := c.rebinSpectrum(assembleSpectrum(spectrumBytes))
	if err != nil {
		return err
	}

	blob := make([]byte, 0, 4+amptek.StatusSize+2+4*len(rebinned))
	blob = appendU32(blob, preReadTime)
	blob = append(blob, statusBytes...)
	blob = appendU16(blob, uint16(len(rebinned)))
	for _, v := range rebinned {
		blob = appendU32(blob, v)
	}
	return c.scienceSaver.Add(blob)
}

// advanceLocalBufferCount reads the hardware's next-buffer-number out
// of a fresh status reply (bytes 46-47, a 9-bit big-endian value) and
// advances local_next_buffer_num/time_anchor if the hardware is at or
// ahead of it, restarting sequential buffering if it reports stopped.
// Reports true once local has caught up to (or is ahead of) remote.
func (c *Controller) advanceLocalBufferCount(statusBytes []byte) (caughtUp bool, err error) {
	if len(statusBytes) < 48 {
		return false, fmt.Errorf("x123: status payload too short for buffer-num field: %d bytes", len(statusBytes))
	}
	remoteNext := uint16(statusBytes[46]&0x1)<<8 | uint16(statusBytes[47])

	if remoteNext < c.localNextBufferNum {
		return true, nil
	}
	c.localNextBufferNum++
	c.timeAnchor++

	if remoteNext > c.localNextBufferNum {
		return false, nil
	}
	bufferingStopped := statusBytes[46]&0x2 == 0
	if bufferingStopped {
		if err := c.RestartHardwareControlledSequentialBuffering(); err != nil {
			return true, err
		}
	}
	return true, nil
}

// ReadSaveSequentialBuffer is the per-tick nominal read. The first call
// after a restart (local_next == 0) only arms the counter, waiting for
// hardware buffer #0 to complete; every subsequent call reads, rebins,
// and emits a buffer, then catches up on any further buffers the
// hardware has already filled, capped at maxCatchUpBuffers per tick.
func (c *Controller) ReadSaveSequentialBuffer() error {
	if c.localNextBufferNum == 0 {
		c.localNextBufferNum++
		return nil
	}

	for i := 0; i < maxCatchUpBuffers; i++ {
		if err := c.readRebinEmitBuffer(); err != nil {
			return err
		}
		statusResp, err := c.driver.sendAndReceive(amptek.Packet{PID: amptek.Status})
		if err != nil {
			return err
		}
		caughtUp, err := c.advanceLocalBufferCount(statusResp.Payload)
		if err != nil {
			return err
		}
		if caughtUp {
			return nil
		}
	}
	log.Printf("x123: hit catch-up cap of %d buffers this tick, still behind hardware", maxCatchUpBuffers)
	return nil
}

// FetchSettings reads the on-disk settings blob, returning the zero
// value on failure (no NVRAM fallback for the X123, unlike hafx).
func (c *Controller) FetchSettings() (Settings, error) {
	s, err := c.settingsStore.Read(c.settingsFile)
	if err != nil {
		return Settings{}, nil
	}
	return s, nil
}

// UpdateSettings applies new (read-modify-write against the on-disk
// blob), persists it, applies the retry count live, re-uploads the
// ASCII configuration string to NVRAM, and refreshes the cached bin
// count, matching X123Control::update_settings.
func (c *Controller) UpdateSettings(newSettings command.X123Settings) error {
	merged, err := settings.ReadModifyWrite(c.settingsStore, c.settingsFile, Settings{}, func(current Settings) Settings {
		if newSettings.AdcRebinEdgesLength != 0 {
			current.AdcRebinEdgesLength = newSettings.AdcRebinEdgesLength
			current.AdcRebinEdges = newSettings.AdcRebinEdges
		}
		if newSettings.AckErrRetriesPresent {
			current.AckErrRetriesPresent = true
			current.AckErrRetries = newSettings.AckErrRetries
		}
		if newSettings.AsciiSettingsLength != 0 {
			current.AsciiSettingsLength = newSettings.AsciiSettingsLength
			current.AsciiSettings = newSettings.AsciiSettings
		}
		return current
	})
	if err != nil {
		return err
	}
	c.cachedSettings = merged

	if merged.AckErrRetriesPresent {
		c.driver.numRetries = int(merged.AckErrRetries)
	}

	if err := c.uploadAsciiSettings(string(merged.AsciiSettings[:merged.AsciiSettingsLength])); err != nil {
		return err
	}
	return c.refreshHistogramBinsFromRAM()
}

// ReapplySettings re-sends the current on-disk settings blob to the
// device (retry count, ASCII configuration, bin count refresh), matching
// the initialize sequence's update_settings(fetch_settings()) call.
func (c *Controller) ReapplySettings() error {
	current, err := c.FetchSettings()
	if err != nil {
		return err
	}
	c.cachedSettings = current
	if current.AckErrRetriesPresent {
		c.driver.numRetries = int(current.AckErrRetries)
	}
	if err := c.uploadAsciiSettings(string(current.AsciiSettings[:current.AsciiSettingsLength])); err != nil {
		return err
	}
	return c.refreshHistogramBinsFromRAM()
}

func (c *Controller) uploadAsciiSettings(ascii string) error {
	_, err := c.driver.sendAndReceive(amptek.TextConfigurationRequest(amptek.TextConfigurationToNvram, ascii))
	return err
}

// parseMCACResponse extracts the bin count out of an "MCAC=N;" ASCII
// configuration readback, matching num_histogram_bins_from_ram's
// extract_bins lambda.
func parseMCACResponse(s string) (uint16, error) {
	const token = "MCAC="
	idx := strings.Index(s, token)
	if idx < 0 {
		return 0, fmt.Errorf("x123: MCAC token not found in response %q", s)
	}
	start := idx + len(token)
	end := strings.Index(s[start:], ";")
	if end < 0 {
		return 0, fmt.Errorf("x123: unterminated MCAC response %q", s)
	}
	bins, err := strconv.Atoi(s[start : start+end])
	if err != nil {
		return 0, fmt.Errorf("x123: parse MCAC bin count: %w", err)
	}
	return uint16(bins), nil
}

func (c *Controller) refreshHistogramBinsFromRAM() error {
	resp, err := c.driver.sendAndReceive(amptek.TextConfigurationRequest(amptek.TextConfigurationReadback, "MCAC=;"))
	if err != nil {
		return err
	}
	bins, err := parseMCACResponse(string(resp.Payload))
	if err != nil {
		return err
	}
	c.numHistogramBins = bins
	return nil
}

func (c *Controller) saveDebug(t command.X123DebugType, payload []byte) error {
	blob := make([]byte, 0, 1+4+len(payload))
	blob = append(blob, byte(t))
	blob = appendU32(blob, uint32(len(payload)))
	blob = append(blob, payload...)
	return c.debugSaver.Add(blob)
}

// ReadSaveDebugDiagnostic issues a diagnostic-data request and emits it
// to the debug destination.
func (c *Controller) ReadSaveDebugDiagnostic() error {
	resp, err := c.driver.sendAndReceive(amptek.Packet{PID: amptek.DiagnosticDataRequest})
	if err != nil {
		return err
	}
	return c.saveDebug(command.X123DebugDiagnostic, resp.Payload)
}

// InitDebugHistogram cancels sequential buffering, disables and clears
// the MCA, then re-enables it, preparing for a fresh debug histogram
// acquisition.
func (c *Controller) InitDebugHistogram() error {
	for _, pid := range []amptek.PID{amptek.CancelSequentialBuffering, amptek.MCADisable, amptek.ClearSpectrum, amptek.MCAEnable} {
		if _, err := c.driver.sendAndReceive(amptek.Packet{PID: pid}); err != nil {
			return err
		}
	}
	return nil
}

// ReadSaveDebugHistogram reads the current spectrum-plus-status and
// emits it to the debug destination.
func (c *Controller) ReadSaveDebugHistogram() error {
	resp, err := c.driver.sendAndReceive(amptek.Packet{PID: amptek.SpectrumPlusStatus})
	if err != nil {
		return err
	}
	return c.saveDebug(command.X123DebugHistogram, resp.Payload)
}

// ReadSaveDebugAscii issues an ASCII configuration readback query and
// emits the reply to the debug destination.
func (c *Controller) ReadSaveDebugAscii(query string) error {
	resp, err := c.driver.sendAndReceive(amptek.TextConfigurationRequest(amptek.TextConfigurationReadback, query))
	if err != nil {
		return err
	}
	return c.saveDebug(command.X123DebugAsciiSettings, resp.Payload)
}
