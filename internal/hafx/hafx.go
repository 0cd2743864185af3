// Package hafx implements the per-channel scintillator controller: one
// instance per HaFX device (C1/M1/M5/X1), owning the USB handle, the
// on-disk settings blob, the current science time anchor, and the
// queued nominal/NRL/debug emitters.
//
// Grounded on the original's HafxControl.hh/.cc.
package hafx

import (
	"fmt"
	"log"
	"time"

	"detectorctl/internal/command"
	"detectorctl/internal/emit"
	"detectorctl/internal/regbank"
	"detectorctl/internal/settings"
	"detectorctl/internal/sipm3k"
	"detectorctl/pkg/wire"
)

// slicesPerSecond is the nominal time-slice rate; the queued emitter
// batches one second's worth of slices per flush.
const slicesPerSecond = 32

// Settings is the on-disk settings blob for one HaFX channel, matching
// DetectorMessages::HafxSettings: an ADC rebin-edge table plus four
// optional register banks, each tagged present when the last update
// touched it.
type Settings struct {
	AdcRebinEdgesLength uint16
	AdcRebinEdges       [2048]uint16

	FpgaCtrlPresent bool
	FpgaCtrl        [16]uint16

	ArmCtrlPresent bool
	ArmCtrl        [64]float32

	ArmCalPresent bool
	ArmCal        [64]float32

	FpgaWeightsPresent bool
	FpgaWeights        [16]uint16
}

// Controller owns one HaFX channel's USB handle and all persistent,
// per-channel state: the settings store, the science time anchor, and
// the three emitters (queued nominal, NRL list, debug).
type Controller struct {
	Channel wire.HafxChannel
	driver  *sipm3k.Device

	settingsStore *settings.Store[Settings]
	settingsFile  string

	scienceTimeAnchor *uint32

	scienceSaver *emit.QueuedEmitter
	nrlSaver     *emit.Emitter
	debugSaver   *emit.Emitter

	fullSize bool
}

// New wires driver to a fresh Controller. settingsDir is the directory
// holding one settings file per channel, named by the device's ARM
// serial number; science/nrl/debug are the already-dialed per-channel
// emitter destinations (spec.md §6's port layout).
func New(channel wire.HafxChannel, driver *sipm3k.Device, settingsDir string, science, nrl, debug *emit.Emitter) (*Controller, error) {
	store, err := settings.NewStore[Settings](settingsDir)
	if err != nil {
		return nil, err
	}
	return &Controller{
		Channel:       channel,
		driver:        driver,
		settingsStore: store,
		settingsFile:  driver.ArmSerial() + ".bin",
		scienceSaver:  emit.NewQueuedEmitter(science, slicesPerSecond),
		nrlSaver:      nrl,
		debugSaver:    debug,
	}, nil
}

// Close releases the emitters' sockets and the USB handle.
func (c *Controller) Close() error {
	c.scienceSaver.Close()
	c.nrlSaver.Close()
	c.debugSaver.Close()
	return c.driver.Close()
}

// celsiusToKelvinHundredths converts a Celsius float to 0.01K ticks,
// matching HafxControl::generate_health's float_to_uint16 lambda.
func celsiusToKelvinHundredths(celsius float32) uint16 {
	const celsiusToKelvin = 273.15
	return uint16((celsius + celsiusToKelvin) * 100)
}

func voltsToHundredths(v float32) uint16 {
	return uint16(v * 100)
}

// GenerateHealth reads ARM status and FPGA statistics registers and
// converts them into the packed health record.
func (c *Controller) GenerateHealth() (wire.HafxHealth, error) {
	asc := regbank.NewArmStatus()
	fsc := regbank.NewFpgaStatistics()
	if err := c.driver.Read(fsc, sipm3k.MemoryRAM); err != nil {
		return wire.HafxHealth{}, err
	}
	if err := c.driver.Read(asc, sipm3k.MemoryRAM); err != nil {
		return wire.HafxHealth{}, err
	}

	return wire.HafxHealth{
		ArmTemp:              celsiusToKelvinHundredths(asc.Registers[3]),
		SipmTemp:             celsiusToKelvinHundredths(asc.Registers[4]),
		SipmOperatingVoltage: voltsToHundredths(asc.Registers[0]),
		SipmTargetVoltage:    voltsToHundredths(asc.Registers[1]),
		Counts:               fsc.Registers[1],
		DeadTime:             fsc.Registers[3],
		RealTime:             fsc.Registers[0],
	}, nil
}

// RestartHistogram starts a fresh legacy histogram acquisition.
func (c *Controller) RestartHistogram() error {
	return c.driver.Write(&regbank.FpgaActionStartNewHistogramAcquisition, sipm3k.MemoryRAM)
}

// RestartListMode starts a fresh NRL/legacy list-mode acquisition.
func (c *Controller) RestartListMode() error {
	return c.driver.Write(&regbank.FpgaActionStartNewListAcquisition, sipm3k.MemoryRAM)
}

// RestartTrace starts a fresh oscilloscope-trace acquisition.
func (c *Controller) RestartTrace() error {
	return c.driver.Write(&regbank.FpgaActionStartNewTraceAcquisition, sipm3k.MemoryRAM)
}

// CheckTraceDone reports whether the current trace acquisition has
// completed.
func (c *Controller) CheckTraceDone() (bool, error) {
	res := regbank.NewFpgaResults()
	if err := c.driver.Read(res, sipm3k.MemoryRAM); err != nil {
		return false, err
	}
	return res.TraceDone(), nil
}

// DataTimeAnchor reports the current science time anchor, or nil if
// unset (the channel hasn't synchronised to PPS yet).
func (c *Controller) DataTimeAnchor() *uint32 {
	return c.scienceTimeAnchor
}

// SetDataTimeAnchor sets or clears the science time anchor.
func (c *Controller) SetDataTimeAnchor(anchor *uint32) {
	c.scienceTimeAnchor = anchor
}

// PollSaveTimeSlice reads however many 32Hz nominal slices are
// available and hands each to the queued science emitter.
func (c *Controller) PollSaveTimeSlice() error {
	res := regbank.NewFpgaResults()
	if err := c.driver.Read(res, sipm3k.MemoryRAM); err != nil {
		return err
	}
	avail := res.NumAvailTimeSlices()

	for i := uint16(0); i < avail; i++ {
		if c.scienceTimeAnchor == nil {
			log.Printf("hafx %s: anchor invalid, dropping time slice", c.Channel)
			continue
		}
		nominal, err := c.readTimeSlice()
		if err != nil {
			return err
		}
		if _, err := c.scienceSaver.Add(nominal); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) readTimeSlice() (wire.HafxNominalSpectrumStatus, error) {
	slice := regbank.NewFpgaTimeSlice()
	if err := c.driver.Read(slice, sipm3k.MemoryRAM); err != nil {
		return wire.HafxNominalSpectrumStatus{}, err
	}
	decoded := slice.Decode()

	ret := wire.HafxNominalSpectrumStatus{
		Channel:      uint8(c.Channel),
		BufferNumber: decoded.BufferNumber,
		NumEvts:      uint32(decoded.NumEvts),
		NumTriggers:  uint32(decoded.NumTriggers),
		DeadTime:     uint32(decoded.DeadTime),
		AnodeCurrent: uint32(decoded.AnodeCurrent),
		MissedPPS:    decoded.BufferNumber > 31,
	}
	for i, bin := range decoded.Histogram {
		ret.Histogram[i] = uint32(bin)
	}

	// start of a new 32-slice chunk: stamp and advance the anchor;
	// every other slice in the chunk leaves time_anchor zero.
	if decoded.BufferNumber%32 == 0 {
		ret.TimeAnchor = *c.scienceTimeAnchor
		*c.scienceTimeAnchor++
	}
	return ret, nil
}

// nrlBufferSelectBit is bit 2 of FpgaCtrl register 15, selecting which
// of the two double-buffered NRL banks is read out (the FPGA fills the
// other one).
const nrlBufferSelectBit = 0x4

// SetFullSize records whether this channel's NRL list acquisition runs
// in "full-size" mode, per StartNrlList{full_size}.
func (c *Controller) SetFullSize(full bool) {
	c.fullSize = full
}

// SwapNrlBuffer writes the FpgaCtrl buffer-select bit so NRL bank n
// (0 or 1) is the one read out while the FPGA fills the other.
func (c *Controller) SwapNrlBuffer(n int) error {
	return c.swapToBuffer(n)
}

// swapToBuffer writes the FpgaCtrl buffer-select bit so the FPGA
// switches to filling the other NRL bank while this one is read out.
func (c *Controller) swapToBuffer(n int) error {
	ctrl := regbank.NewFpgaCtrl()
	if err := c.driver.Read(ctrl, sipm3k.MemoryNVRAM); err != nil {
		return err
	}
	inBuffer1 := ctrl.Registers[15]&nrlBufferSelectBit != 0
	if n == 0 {
		if !inBuffer1 {
			log.Printf("hafx %s: already in NRL buffer 0", c.Channel)
			return nil
		}
		ctrl.Registers[15] &^= nrlBufferSelectBit
	} else {
		if inBuffer1 {
			log.Printf("hafx %s: already in NRL buffer 1", c.Channel)
			return nil
		}
		ctrl.Registers[15] |= nrlBufferSelectBit
	}
	return c.driver.Write(ctrl, sipm3k.MemoryNVRAM)
}

func (c *Controller) readNrlBuffer() ([]regbank.NrlListDataPoint, error) {
	buf := regbank.NewFpgaLmNrl1()
	if err := c.driver.Read(buf, sipm3k.MemoryRAM); err != nil {
		return nil, err
	}
	return buf.Decode(), nil
}

// PollSaveNrlList reads FPGA results and, for each NRL buffer that has
// filled, swaps to it, decodes the list of events, and emits a framed
// blob of StrippedNrlDataPoint projections — unless none of the decoded
// points carries the was_pps flag, in which case the whole batch is
// discarded (spec.md §9 Open Question: preserved as specified).
func (c *Controller) PollSaveNrlList() error {
	res := regbank.NewFpgaResults()
	if err := c.driver.Read(res, sipm3k.MemoryRAM); err != nil {
		return err
	}
	if res.NrlBufferFull(0) {
		if err := c.drainNrlBuffer(0); err != nil {
			return err
		}
	}
	if res.NrlBufferFull(1) {
		if err := c.drainNrlBuffer(1); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) drainNrlBuffer(bufNum int) error {
	if err := c.swapToBuffer(bufNum); err != nil {
		return err
	}
	events, err := c.readNrlBuffer()
	if err != nil {
		return err
	}

	points := projectNrlEvents(events)
	hasPPS := false
	for _, p := range points {
		if p.WasPPS {
			hasPPS = true
			break
		}
	}
	if !hasPPS {
		log.Printf("hafx %s: discarding NRL batch from buffer %d, no PPS point", c.Channel, bufNum)
		return nil
	}

	blob := make([]byte, 0, 2+4*len(points)+4)
	blob = append(blob, byte(len(points)), byte(len(points)>>8))
	for _, p := range points {
		v := p.Pack()
		blob = append(blob, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	timestampAfterRead := uint32(time.Now().Unix())
	blob = append(blob, byte(timestampAfterRead), byte(timestampAfterRead>>8), byte(timestampAfterRead>>16), byte(timestampAfterRead>>24))

	return c.nrlSaver.Add(blob)
}

// projectNrlEvents maps decoded NRL list-mode events onto the packed
// wire projection; was_pps and piled_up ride on WC3AF's low two bits,
// matching the firmware's PPS-tag convention for this buffer.
func projectNrlEvents(events []regbank.NrlListDataPoint) []wire.StrippedNrlDataPoint {
	out := make([]wire.StrippedNrlDataPoint, len(events))
	for i, e := range events {
		out[i] = wire.StrippedNrlDataPoint{
			WallClock: uint32(e.WC0) | uint32(e.WC1)<<16,
			Energy:    uint8(e.Energy & 0xf),
			WasPPS:    e.WC3AF&0x1 != 0,
			PiledUp:   e.WC3AF&0x2 != 0,
			OutOfRange: e.PSD == 0xffff,
		}
	}
	return out
}

// constructDefaultSettings synthesises a settings blob by reading the
// device's current NVRAM banks directly, matching
// HafxControl::construct_default_settings.
func (c *Controller) constructDefaultSettings() (Settings, error) {
	var ret Settings

	fpgaMap := regbank.NewFpgaMap()
	if err := c.driver.Read(fpgaMap, sipm3k.MemoryNVRAM); err != nil {
		return Settings{}, err
	}
	ret.AdcRebinEdges = fpgaMap.Registers
	ret.AdcRebinEdgesLength = uint16(len(fpgaMap.Registers))

	fpgaCtrl := regbank.NewFpgaCtrl()
	if err := c.driver.Read(fpgaCtrl, sipm3k.MemoryNVRAM); err != nil {
		return Settings{}, err
	}
	ret.FpgaCtrl = fpgaCtrl.Registers
	ret.FpgaCtrlPresent = true

	armCtrl := regbank.NewArmCtrl()
	if err := c.driver.Read(armCtrl, sipm3k.MemoryNVRAM); err != nil {
		return Settings{}, err
	}
	ret.ArmCtrl = armCtrl.Registers
	ret.ArmCtrlPresent = true

	armCal := regbank.NewArmCal()
	if err := c.driver.Read(armCal, sipm3k.MemoryNVRAM); err != nil {
		return Settings{}, err
	}
	ret.ArmCal = armCal.Registers
	ret.ArmCalPresent = true

	fpgaWeights := regbank.NewFpgaWeights()
	if err := c.driver.Read(fpgaWeights, sipm3k.MemoryNVRAM); err != nil {
		return Settings{}, err
	}
	ret.FpgaWeights = fpgaWeights.Registers
	ret.FpgaWeightsPresent = true

	return ret, nil
}

// FetchSettings reads the on-disk settings blob; on failure it
// synthesises one from the device's current NVRAM banks (the "factory"
// fallback), matching HafxControl::fetch_settings.
func (c *Controller) FetchSettings() (Settings, error) {
	s, err := c.settingsStore.Read(c.settingsFile)
	if err != nil {
		log.Printf("hafx %s: %v; using NVRAM settings", c.Channel, err)
		return c.constructDefaultSettings()
	}
	return s, nil
}

// UpdateSettings applies new (read-modify-write against the on-disk
// blob, only present-tagged fields overwrite), then pushes every
// present field to the device's non-volatile memory, matching
// HafxControl::update_settings (save_settings + send_off_settings).
func (c *Controller) UpdateSettings(newSettings command.HafxSettings) error {
	current, err := c.FetchSettings()
	if err != nil {
		return err
	}

	merged := current
	if newSettings.AdcRebinEdgesLength != 0 {
		merged.AdcRebinEdgesLength = newSettings.AdcRebinEdgesLength
		merged.AdcRebinEdges = newSettings.AdcRebinEdges
	}
	if newSettings.FpgaCtrlPresent {
		merged.FpgaCtrlPresent = true
		merged.FpgaCtrl = newSettings.FpgaCtrl
	}
	if newSettings.ArmCtrlPresent {
		merged.ArmCtrlPresent = true
		merged.ArmCtrl = newSettings.ArmCtrl
	}
	if newSettings.ArmCalPresent {
		merged.ArmCalPresent = true
		merged.ArmCal = newSettings.ArmCal
	}
	if newSettings.FpgaWeightsPresent {
		merged.FpgaWeightsPresent = true
		merged.FpgaWeights = newSettings.FpgaWeights
	}

	if err := c.settingsStore.Write(c.settingsFile, merged); err != nil {
		return err
	}
	return c.sendOffSettings(merged)
}

// ReapplySettings re-sends the current on-disk (or NVRAM-fallback)
// settings blob to the device, matching the initialize sequence's
// update_settings(fetch_settings()) call that pushes settings from disk
// to detector RAM on every reconnect.
func (c *Controller) ReapplySettings() error {
	current, err := c.FetchSettings()
	if err != nil {
		return err
	}
	return c.sendOffSettings(current)
}

func (c *Controller) sendOffSettings(s Settings) error {
	if s.AdcRebinEdgesLength != 0 {
		fpgaMap := regbank.NewFpgaMap()
		fpgaMap.Registers = s.AdcRebinEdges
		if err := c.driver.Write(fpgaMap, sipm3k.MemoryNVRAM); err != nil {
			return err
		}
	}
	if s.FpgaCtrlPresent {
		fpgaCtrl := regbank.NewFpgaCtrl()
		fpgaCtrl.Registers = s.FpgaCtrl
		if err := c.driver.Write(fpgaCtrl, sipm3k.MemoryNVRAM); err != nil {
			return err
		}
	}
	if s.ArmCtrlPresent {
		armCtrl := regbank.NewArmCtrl()
		armCtrl.Registers = s.ArmCtrl
		if err := c.driver.Write(armCtrl, sipm3k.MemoryNVRAM); err != nil {
			return err
		}
	}
	if s.ArmCalPresent {
		armCal := regbank.NewArmCal()
		armCal.Registers = s.ArmCal
		if err := c.driver.Write(armCal, sipm3k.MemoryNVRAM); err != nil {
			return err
		}
	}
	if s.FpgaWeightsPresent {
		fpgaWeights := regbank.NewFpgaWeights()
		fpgaWeights.Registers = s.FpgaWeights
		if err := c.driver.Write(fpgaWeights, sipm3k.MemoryNVRAM); err != nil {
			return err
		}
	}
	return nil
}

// debugTag maps a register-bank type to the one-byte tag the debug
// emitter prefixes each blob with, matching HafxControl's compile-time
// container-to-HafxDebug::Type map.
func debugTag(b regbank.Bank) (command.HafxDebugType, error) {
	switch b.(type) {
	case *regbank.FpgaListMode:
		return command.HafxDebugListMode, nil
	case *regbank.FpgaHistogram:
		return command.HafxDebugHistogram, nil
	case *regbank.FpgaWeights:
		return command.HafxDebugFpgaWeights, nil
	case *regbank.FpgaStatistics:
		return command.HafxDebugFpgaStatistics, nil
	case *regbank.FpgaOscilloscopeTrace:
		return command.HafxDebugFpgaOscilloscopeTrace, nil
	case *regbank.FpgaCtrl:
		return command.HafxDebugFpgaCtrl, nil
	case *regbank.ArmStatus:
		return command.HafxDebugArmStatus, nil
	case *regbank.ArmCal:
		return command.HafxDebugArmCal, nil
	case *regbank.ArmCtrl:
		return command.HafxDebugArmCtrl, nil
	default:
		return 0, fmt.Errorf("hafx: no debug tag for %T", b)
	}
}

// ReadSaveDebug reads b from RAM and emits it as a tag-prefixed blob to
// the debug emitter, matching HafxControl::read_save_debug<ConT>.
func (c *Controller) ReadSaveDebug(b regbank.Bank) error {
	tag, err := debugTag(b)
	if err != nil {
		return err
	}
	if err := c.driver.Read(b, sipm3k.MemoryRAM); err != nil {
		return err
	}
	blob := append([]byte{byte(tag)}, b.Bytes()...)
	return c.debugSaver.Add(blob)
}
