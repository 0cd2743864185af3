// Package regbank defines the SiPM3K register-bank "containers": one Go
// struct per Bridgeport ARM/FPGA register block, tagged with the
// command id, access class (ARM/FPGA), and register width the SiPM3K
// USB transport needs to build a command-buffer header. This replaces
// the original's template-parameterized container hierarchy
// (IoContainer<RegT, NumRegs> / ArmIoContainer / FpgaIoContainer) with a
// single interface plus a type-keyed lookup table, per spec.md design
// note §9.
package regbank

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// AccessClass distinguishes the two Bridgeport sub-devices a bank lives
// on: the ARM microcontroller or the FPGA.
type AccessClass uint8

const (
	AccessARM AccessClass = iota
	AccessFPGA
)

// Bank is implemented by every register-bank container. Width reports
// the register width in bytes (1, 2, or 4); Len reports the register
// count. Together they give the SiPM3K transport the exact byte count
// to transfer.
type Bank interface {
	CommandIdent() uint8
	Class() AccessClass
	Width() int
	Len() int
	Bytes() []byte
	SetBytes(data []byte) error
}

// encodeSlice packs a fixed-size register slice into its little-endian
// wire bytes; every Bridgeport register width
// (uint8/int16/uint16/uint32/float32) round-trips through
// encoding/binary without a hand-written codec per container.
func encodeSlice[T any](regs []T) []byte {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, regs); err != nil {
		panic(fmt.Sprintf("regbank: encode: %v", err))
	}
	return buf.Bytes()
}

func decodeSlice[T any](data []byte, regs []T) error {
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, regs)
}

// descriptor captures the fixed facts about a bank type, mirroring
// IoContainer.hh's ArmIoContainer/FpgaIoContainer template parameters.
type descriptor struct {
	ident byte
	class AccessClass
	width int
}

func (d descriptor) CommandIdent() uint8   { return d.ident }
func (d descriptor) Class() AccessClass    { return d.class }
func (d descriptor) Width() int            { return d.width }

// ArmVersion holds the ARM firmware version block; bytes 8-23 contain
// the ASCII-hex serial number (ArmVersion.decode_serial_number in
// IoContainer.cc).
type ArmVersion struct {
	descriptor
	Registers [64]uint8
}

func NewArmVersion() *ArmVersion {
	return &ArmVersion{descriptor: descriptor{0, AccessARM, 1}}
}
func (a *ArmVersion) Len() int       { return len(a.Registers) }
func (a *ArmVersion) Bytes() []byte  { return encodeSlice(a.Registers[:]) }
func (a *ArmVersion) SetBytes(data []byte) error { return decodeSlice(data, a.Registers[:]) }

// SerialNumber decodes the ASCII-hex serial number out of the version
// block, matching decode_serial_number's indices 8..23.
func (a *ArmVersion) SerialNumber() string {
	return fmt.Sprintf("%X", a.Registers[8:24])
}

// ArmStatus reports live ARM telemetry (temperatures, voltages).
type ArmStatus struct {
	descriptor
	Registers [7]float32
}

func NewArmStatus() *ArmStatus { return &ArmStatus{descriptor: descriptor{1, AccessARM, 4}} }
func (a *ArmStatus) Len() int             { return len(a.Registers) }
func (a *ArmStatus) Bytes() []byte        { return encodeSlice(a.Registers[:]) }
func (a *ArmStatus) SetBytes(data []byte) error { return decodeSlice(data, a.Registers[:]) }

// ArmCtrl holds ARM control registers (operating-point settings).
type ArmCtrl struct {
	descriptor
	Registers [64]float32
}

func NewArmCtrl() *ArmCtrl { return &ArmCtrl{descriptor: descriptor{2, AccessARM, 4}} }
func (a *ArmCtrl) Len() int             { return len(a.Registers) }
func (a *ArmCtrl) Bytes() []byte        { return encodeSlice(a.Registers[:]) }
func (a *ArmCtrl) SetBytes(data []byte) error { return decodeSlice(data, a.Registers[:]) }

// ArmCal holds ARM calibration registers.
type ArmCal struct {
	descriptor
	Registers [64]float32
}

func NewArmCal() *ArmCal { return &ArmCal{descriptor: descriptor{3, AccessARM, 4}} }
func (a *ArmCal) Len() int             { return len(a.Registers) }
func (a *ArmCal) Bytes() []byte        { return encodeSlice(a.Registers[:]) }
func (a *ArmCal) SetBytes(data []byte) error { return decodeSlice(data, a.Registers[:]) }

// FpgaCtrl holds FPGA control registers (acquisition mode, buffer
// selection bit 2 of register 15).
type FpgaCtrl struct {
	descriptor
	Registers [16]uint16
}

func NewFpgaCtrl() *FpgaCtrl { return &FpgaCtrl{descriptor: descriptor{0, AccessFPGA, 2}} }
func (f *FpgaCtrl) Len() int             { return len(f.Registers) }
func (f *FpgaCtrl) Bytes() []byte        { return encodeSlice(f.Registers[:]) }
func (f *FpgaCtrl) SetBytes(data []byte) error { return decodeSlice(data, f.Registers[:]) }

// FpgaStatistics holds live counters: RealTime=0, Counts=1, DeadTime=3.
type FpgaStatistics struct {
	descriptor
	Registers [16]uint32
}

func NewFpgaStatistics() *FpgaStatistics {
	return &FpgaStatistics{descriptor: descriptor{1, AccessFPGA, 4}}
}
func (f *FpgaStatistics) Len() int             { return len(f.Registers) }
func (f *FpgaStatistics) Bytes() []byte        { return encodeSlice(f.Registers[:]) }
func (f *FpgaStatistics) SetBytes(data []byte) error { return decodeSlice(data, f.Registers[:]) }

// FpgaResults reports acquisition-completion flags: register 2 bit 2
// is trace-done, bits 9-15 are the available time-slice count, bit 1 is
// NRL buffer 0 full, bit 3 is NRL buffer 1 full.
type FpgaResults struct {
	descriptor
	Registers [16]uint16
}

func NewFpgaResults() *FpgaResults { return &FpgaResults{descriptor: descriptor{2, AccessFPGA, 2}} }
func (f *FpgaResults) Len() int             { return len(f.Registers) }
func (f *FpgaResults) Bytes() []byte        { return encodeSlice(f.Registers[:]) }
func (f *FpgaResults) SetBytes(data []byte) error { return decodeSlice(data, f.Registers[:]) }

func (f *FpgaResults) TraceDone() bool {
	return f.Registers[2]&0x4 != 0
}

func (f *FpgaResults) NumAvailTimeSlices() uint16 {
	return (f.Registers[2] >> 9) & 0x7f
}

func (f *FpgaResults) NrlBufferFull(bufNum int) bool {
	mask := uint16(2)
	if bufNum != 0 {
		mask = 8
	}
	return f.Registers[2]&mask != 0
}

// FpgaHistogram is the legacy 4096-bin debug histogram.
type FpgaHistogram struct {
	descriptor
	Registers [4096]uint32
}

func NewFpgaHistogram() *FpgaHistogram {
	return &FpgaHistogram{descriptor: descriptor{3, AccessFPGA, 4}}
}
func (f *FpgaHistogram) Len() int             { return len(f.Registers) }
func (f *FpgaHistogram) Bytes() []byte        { return encodeSlice(f.Registers[:]) }
func (f *FpgaHistogram) SetBytes(data []byte) error { return decodeSlice(data, f.Registers[:]) }

// FpgaOscilloscopeTrace is the debug scope-trace buffer.
type FpgaOscilloscopeTrace struct {
	descriptor
	Registers [1024]int16
}

func NewFpgaOscilloscopeTrace() *FpgaOscilloscopeTrace {
	return &FpgaOscilloscopeTrace{descriptor: descriptor{4, AccessFPGA, 2}}
}
func (f *FpgaOscilloscopeTrace) Len() int             { return len(f.Registers) }
func (f *FpgaOscilloscopeTrace) Bytes() []byte        { return encodeSlice(f.Registers[:]) }
func (f *FpgaOscilloscopeTrace) SetBytes(data []byte) error { return decodeSlice(data, f.Registers[:]) }

// ListModeDataPoint is one decoded legacy list-mode event.
type ListModeDataPoint struct {
	RelTimestampClockCycles uint32
	EnergyBin               uint16
}

// ListModeClockHz is the Bridgeport list-mode timestamp clock rate.
const ListModeClockHz = 40e6

// FpgaListMode is the legacy debug list-mode buffer.
type FpgaListMode struct {
	descriptor
	Registers [1024]uint16
}

func NewFpgaListMode() *FpgaListMode {
	return &FpgaListMode{descriptor: descriptor{5, AccessFPGA, 2}}
}
func (f *FpgaListMode) Len() int             { return len(f.Registers) }
func (f *FpgaListMode) Bytes() []byte        { return encodeSlice(f.Registers[:]) }
func (f *FpgaListMode) SetBytes(data []byte) error { return decodeSlice(data, f.Registers[:]) }

// ParseListBuffer decodes the packed list-mode events, matching
// FpgaListMode::parse_list_buffer: register 0's low 12 bits are the
// event count, events start at register 4 and are 3 registers wide.
func (f *FpgaListMode) ParseListBuffer() []ListModeDataPoint {
	numEvents := int(f.Registers[0] & 0xfff)
	maxIdx := 4 + 3*numEvents
	if maxIdx > len(f.Registers) {
		maxIdx = len(f.Registers)
	}
	var out []ListModeDataPoint
	for i := 4; i+2 < maxIdx; i += 3 {
		ts := uint32(f.Registers[i+1]) | (uint32(f.Registers[i+2]) << 16)
		energy := f.Registers[i] / 16
		out = append(out, ListModeDataPoint{RelTimestampClockCycles: ts, EnergyBin: energy})
	}
	return out
}

// FpgaWeights holds PSD/energy-weighting registers.
type FpgaWeights struct {
	descriptor
	Registers [16]uint16
}

func NewFpgaWeights() *FpgaWeights { return &FpgaWeights{descriptor: descriptor{6, AccessFPGA, 2}} }
func (f *FpgaWeights) Len() int             { return len(f.Registers) }
func (f *FpgaWeights) Bytes() []byte        { return encodeSlice(f.Registers[:]) }
func (f *FpgaWeights) SetBytes(data []byte) error { return decodeSlice(data, f.Registers[:]) }

// FpgaAction issues acquisition start/clear commands.
type FpgaAction struct {
	descriptor
	Registers [4]uint16
}

func NewFpgaAction() *FpgaAction { return &FpgaAction{descriptor: descriptor{7, AccessFPGA, 2}} }
func (f *FpgaAction) Len() int             { return len(f.Registers) }
func (f *FpgaAction) Bytes() []byte        { return encodeSlice(f.Registers[:]) }
func (f *FpgaAction) SetBytes(data []byte) error { return decodeSlice(data, f.Registers[:]) }

// Predefined FpgaAction payloads, matching IoContainer.hh's
// FPGA_ACTION_START_NEW_* constants.
var (
	FpgaActionStartNewListAcquisition = FpgaAction{
		descriptor: descriptor{7, AccessFPGA, 2},
		Registers:  [4]uint16{0b1111, 0, 0b0100, 0},
	}
	FpgaActionStartNewHistogramAcquisition = FpgaAction{
		descriptor: descriptor{7, AccessFPGA, 2},
		Registers:  [4]uint16{0b1111, 0, 0b0001, 0},
	}
	FpgaActionStartNewTraceAcquisition = FpgaAction{
		descriptor: descriptor{7, AccessFPGA, 2},
		Registers:  [4]uint16{0b0100, 0, 0b0010, 0},
	}
)

// DecodedTimeSlice is one decoded 32Hz nominal time slice.
type DecodedTimeSlice struct {
	BufferNumber uint16
	NumEvts      uint16
	NumTriggers  uint16
	DeadTime     uint16 // 800ns ticks
	AnodeCurrent uint16 // 25nA ticks
	Histogram    [123]uint16
}

// FpgaTimeSlice is the nominal 32Hz time-slice buffer.
type FpgaTimeSlice struct {
	descriptor
	Registers [128]uint16
}

func NewFpgaTimeSlice() *FpgaTimeSlice {
	return &FpgaTimeSlice{descriptor: descriptor{8, AccessFPGA, 2}}
}
func (f *FpgaTimeSlice) Len() int             { return len(f.Registers) }
func (f *FpgaTimeSlice) Bytes() []byte        { return encodeSlice(f.Registers[:]) }
func (f *FpgaTimeSlice) SetBytes(data []byte) error { return decodeSlice(data, f.Registers[:]) }

// Decode unpacks the time-slice buffer, matching FpgaTimeSlice::decode.
func (f *FpgaTimeSlice) Decode() DecodedTimeSlice {
	d := DecodedTimeSlice{
		BufferNumber: f.Registers[0],
		NumEvts:      f.Registers[1],
		NumTriggers:  f.Registers[2],
		DeadTime:     f.Registers[3],
		AnodeCurrent: f.Registers[4],
	}
	for i := range d.Histogram {
		d.Histogram[i] = f.Registers[i+5]
	}
	return d
}

// FpgaMap holds the ADC rebin-edge map, shared over the same command
// ident as FpgaTimeSlice but addressed in NVRAM rather than RAM.
type FpgaMap struct {
	descriptor
	Registers [2048]uint16
}

func NewFpgaMap() *FpgaMap { return &FpgaMap{descriptor: descriptor{8, AccessFPGA, 2}} }
func (f *FpgaMap) Len() int             { return len(f.Registers) }
func (f *FpgaMap) Bytes() []byte        { return encodeSlice(f.Registers[:]) }
func (f *FpgaMap) SetBytes(data []byte) error { return decodeSlice(data, f.Registers[:]) }

const nrlEventWords = 6

// NrlListDataPoint is one decoded NRL list-mode event (a wider, more
// detailed record than the legacy ListModeDataPoint).
type NrlListDataPoint struct {
	PSD        uint16
	Energy     uint16
	WC0        uint16
	WC1        uint16
	WC2        uint16
	WC3AF      uint16
}

// FpgaLmNrl1 is the NRL list-mode buffer (one of two double-buffered
// banks selected via FpgaCtrl register 15 bit 2).
type FpgaLmNrl1 struct {
	descriptor
	Registers [2048]uint16
}

func NewFpgaLmNrl1() *FpgaLmNrl1 {
	return &FpgaLmNrl1{descriptor: descriptor{9, AccessFPGA, 2}}
}
func (f *FpgaLmNrl1) Len() int             { return len(f.Registers) }
func (f *FpgaLmNrl1) Bytes() []byte        { return encodeSlice(f.Registers[:]) }
func (f *FpgaLmNrl1) SetBytes(data []byte) error { return decodeSlice(data, f.Registers[:]) }

// Decode unpacks the NRL buffer into individual events. Register 0's
// low 12 bits give the event count; each event occupies 6 registers
// starting at index 6 (the first event, at index 0, is a header and is
// skipped), matching IoContainer.cc's FpgaLmNrl1::decode.
func (f *FpgaLmNrl1) Decode() []NrlListDataPoint {
	numEvents := int(f.Registers[0] & 0xfff)
	var out []NrlListDataPoint
	for i := nrlEventWords; i < nrlEventWords*numEvents && i+nrlEventWords <= len(f.Registers); i += nrlEventWords {
		out = append(out, NrlListDataPoint{
			PSD:   f.Registers[i],
			Energy: f.Registers[i+1],
			WC0:   f.Registers[i+2],
			WC1:   f.Registers[i+3],
			WC2:   f.Registers[i+4],
			WC3AF: f.Registers[i+5],
		})
	}
	return out
}
