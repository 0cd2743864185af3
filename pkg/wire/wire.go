// Package wire defines the fixed-layout binary records exchanged with
// downstream capture processes and, for HafxNominalSpectrumStatus and
// StrippedNrlDataPoint, mirrors bit-for-bit layouts the firmware itself
// produces. Every type here is encoded/decoded with encoding/binary in
// little-endian byte order — not a general-purpose serialization
// library — because the byte layout is the contract, not merely this
// program's internal representation of it. See DESIGN.md.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// HafxChannel identifies one of the four scintillator channels.
type HafxChannel uint8

const (
	ChannelC1 HafxChannel = iota
	ChannelM1
	ChannelM5
	ChannelX1
)

func (c HafxChannel) String() string {
	switch c {
	case ChannelC1:
		return "c1"
	case ChannelM1:
		return "m1"
	case ChannelM5:
		return "m5"
	case ChannelX1:
		return "x1"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// HafxHealth is the packed per-channel scintillator health record.
type HafxHealth struct {
	ArmTemp              uint16 // 0.01K / tick
	SipmTemp             uint16 // 0.01K / tick
	SipmOperatingVoltage uint16 // 0.01V / tick
	SipmTargetVoltage    uint16
	Counts               uint32
	DeadTime             uint32 // clock cycles
	RealTime             uint32 // clock cycles
}

const hafxHealthSize = 2 + 2 + 2 + 2 + 4 + 4 + 4

func (h HafxHealth) encode(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, h.ArmTemp)
	binary.Write(buf, binary.LittleEndian, h.SipmTemp)
	binary.Write(buf, binary.LittleEndian, h.SipmOperatingVoltage)
	binary.Write(buf, binary.LittleEndian, h.SipmTargetVoltage)
	binary.Write(buf, binary.LittleEndian, h.Counts)
	binary.Write(buf, binary.LittleEndian, h.DeadTime)
	binary.Write(buf, binary.LittleEndian, h.RealTime)
}

func decodeHafxHealth(r *bytes.Reader) (HafxHealth, error) {
	var h HafxHealth
	for _, f := range []any{&h.ArmTemp, &h.SipmTemp, &h.SipmOperatingVoltage, &h.SipmTargetVoltage, &h.Counts, &h.DeadTime, &h.RealTime} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return HafxHealth{}, err
		}
	}
	return h, nil
}

// X123Health is the packed X-123 spectrometer health record.
type X123Health struct {
	BoardTemp         int8   // 1 degC / tick
	DetHighVoltage    int16  // 0.5V / tick
	DetTemp           uint16 // 0.1K / tick
	FastCounts        uint32
	SlowCounts        uint32
	AccumulationTime  uint32 // 1ms / tick
	RealTime          uint32 // 1ms / tick
}

const x123HealthSize = 1 + 2 + 2 + 4 + 4 + 4 + 4

func (h X123Health) encode(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, h.BoardTemp)
	binary.Write(buf, binary.LittleEndian, h.DetHighVoltage)
	binary.Write(buf, binary.LittleEndian, h.DetTemp)
	binary.Write(buf, binary.LittleEndian, h.FastCounts)
	binary.Write(buf, binary.LittleEndian, h.SlowCounts)
	binary.Write(buf, binary.LittleEndian, h.AccumulationTime)
	binary.Write(buf, binary.LittleEndian, h.RealTime)
}

func decodeX123Health(r *bytes.Reader) (X123Health, error) {
	var h X123Health
	for _, f := range []any{&h.BoardTemp, &h.DetHighVoltage, &h.DetTemp, &h.FastCounts, &h.SlowCounts, &h.AccumulationTime, &h.RealTime} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return X123Health{}, err
		}
	}
	return h, nil
}

// HealthPacket is the periodic health datagram forwarded to the
// destinations given in a "start-periodic-health" command.
type HealthPacket struct {
	Timestamp uint32
	C1, M1, M5, X1 HafxHealth
	X123 X123Health
}

// HealthPacketSize is the exact on-wire size in bytes.
const HealthPacketSize = 4 + 4*hafxHealthSize + x123HealthSize

// Encode serializes p into its fixed-layout wire representation.
func (p HealthPacket) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, HealthPacketSize))
	binary.Write(buf, binary.LittleEndian, p.Timestamp)
	p.C1.encode(buf)
	p.M1.encode(buf)
	p.M5.encode(buf)
	p.X1.encode(buf)
	p.X123.encode(buf)
	return buf.Bytes()
}

// DecodeHealthPacket parses a HealthPacket from its wire representation.
func DecodeHealthPacket(data []byte) (HealthPacket, error) {
	if len(data) != HealthPacketSize {
		return HealthPacket{}, fmt.Errorf("wire: health packet is %d bytes, want %d", len(data), HealthPacketSize)
	}
	r := bytes.NewReader(data)
	var p HealthPacket
	if err := binary.Read(r, binary.LittleEndian, &p.Timestamp); err != nil {
		return HealthPacket{}, err
	}
	var err error
	if p.C1, err = decodeHafxHealth(r); err != nil {
		return HealthPacket{}, err
	}
	if p.M1, err = decodeHafxHealth(r); err != nil {
		return HealthPacket{}, err
	}
	if p.M5, err = decodeHafxHealth(r); err != nil {
		return HealthPacket{}, err
	}
	if p.X1, err = decodeHafxHealth(r); err != nil {
		return HealthPacket{}, err
	}
	if p.X123, err = decodeX123Health(r); err != nil {
		return HealthPacket{}, err
	}
	return p, nil
}

// HistogramBins is the fixed per-slice histogram width (123 32-bit
// counters per 32Hz time slice, per the Bridgeport FPGA time-slice
// container).
const HistogramBins = 123

// HafxNominalSpectrumStatus is one 32Hz nominal science record for a
// single channel.
type HafxNominalSpectrumStatus struct {
	Channel      uint8
	BufferNumber uint16
	NumEvts      uint32
	NumTriggers  uint32
	DeadTime     uint32
	AnodeCurrent uint32
	Histogram    [HistogramBins]uint32
	TimeAnchor   uint32
	MissedPPS    bool
}

// HafxNominalSpectrumStatusSize is the exact on-wire size in bytes.
const HafxNominalSpectrumStatusSize = 1 + 2 + 4 + 4 + 4 + 4 + HistogramBins*4 + 4 + 1

// Encode serializes s into its fixed-layout wire representation.
func (s HafxNominalSpectrumStatus) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, HafxNominalSpectrumStatusSize))
	binary.Write(buf, binary.LittleEndian, s.Channel)
	binary.Write(buf, binary.LittleEndian, s.BufferNumber)
	binary.Write(buf, binary.LittleEndian, s.NumEvts)
	binary.Write(buf, binary.LittleEndian, s.NumTriggers)
	binary.Write(buf, binary.LittleEndian, s.DeadTime)
	binary.Write(buf, binary.LittleEndian, s.AnodeCurrent)
	binary.Write(buf, binary.LittleEndian, s.Histogram)
	binary.Write(buf, binary.LittleEndian, s.TimeAnchor)
	missed := byte(0)
	if s.MissedPPS {
		missed = 1
	}
	buf.WriteByte(missed)
	return buf.Bytes()
}

// Anchor reports the record's time-anchor field so emit.QueuedEmitter
// can apply the pre-anchor skip rule without depending on this package.
func (s HafxNominalSpectrumStatus) Anchor() uint32 { return s.TimeAnchor }

// DecodeHafxNominalSpectrumStatus parses s from its wire representation;
// used by cmd/detector-capture and by tests that round-trip the codec.
func DecodeHafxNominalSpectrumStatus(data []byte) (HafxNominalSpectrumStatus, error) {
	if len(data) != HafxNominalSpectrumStatusSize {
		return HafxNominalSpectrumStatus{}, fmt.Errorf("wire: nominal spectrum status is %d bytes, want %d", len(data), HafxNominalSpectrumStatusSize)
	}
	r := bytes.NewReader(data)
	var s HafxNominalSpectrumStatus
	binary.Read(r, binary.LittleEndian, &s.Channel)
	binary.Read(r, binary.LittleEndian, &s.BufferNumber)
	binary.Read(r, binary.LittleEndian, &s.NumEvts)
	binary.Read(r, binary.LittleEndian, &s.NumTriggers)
	binary.Read(r, binary.LittleEndian, &s.DeadTime)
	binary.Read(r, binary.LittleEndian, &s.AnodeCurrent)
	binary.Read(r, binary.LittleEndian, &s.Histogram)
	binary.Read(r, binary.LittleEndian, &s.TimeAnchor)
	var missed uint8
	if err := binary.Read(r, binary.LittleEndian, &missed); err != nil {
		return HafxNominalSpectrumStatus{}, err
	}
	s.MissedPPS = missed != 0
	return s, nil
}

// StrippedNrlDataPoint packs one NRL list-mode event into a single
// uint32, matching the original's packed bitfield bit-for-bit:
// bits 0-24 wall clock, 25-28 energy, 29 was_pps, 30 piled_up,
// 31 out_of_range.
type StrippedNrlDataPoint struct {
	WallClock   uint32 // 25 bits
	Energy      uint8  // 4 bits
	WasPPS      bool
	PiledUp     bool
	OutOfRange  bool
}

const (
	wallClockBits = 25
	energyBits    = 4
	wallClockMask = (1 << wallClockBits) - 1
	energyMask    = (1 << energyBits) - 1
)

// Pack folds the point into its on-wire uint32.
func (p StrippedNrlDataPoint) Pack() uint32 {
	v := p.WallClock & wallClockMask
	v |= (uint32(p.Energy) & energyMask) << wallClockBits
	if p.WasPPS {
		v |= 1 << (wallClockBits + energyBits)
	}
	if p.PiledUp {
		v |= 1 << (wallClockBits + energyBits + 1)
	}
	if p.OutOfRange {
		v |= 1 << (wallClockBits + energyBits + 2)
	}
	return v
}

// UnpackStrippedNrlDataPoint reverses Pack.
func UnpackStrippedNrlDataPoint(v uint32) StrippedNrlDataPoint {
	return StrippedNrlDataPoint{
		WallClock:  v & wallClockMask,
		Energy:     uint8((v >> wallClockBits) & energyMask),
		WasPPS:     v&(1<<(wallClockBits+energyBits)) != 0,
		PiledUp:    v&(1<<(wallClockBits+energyBits+1)) != 0,
		OutOfRange: v&(1<<(wallClockBits+energyBits+2)) != 0,
	}
}
