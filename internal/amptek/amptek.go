//go:build !mips && !mipsle
// +build !mips,!mipsle

// Package amptek implements the USB transport and packet framing for an
// Amptek DP5-protocol X-123 spectrometer: a 6-byte header (two sync
// bytes, a 2-byte packet ID, a 2-byte big-endian length) followed by
// the payload and a 2-byte checksum.
//
// Grounded on the original's packets/BasePacket.hh/.cc (sync/PID/
// length/checksum framing, the PID1==0xFF ack-error convention) and
// UsbConnectionManager.hh/.cc (VID/PID, bulk endpoints, 5-second
// transfer timeout, 32800-byte receive buffer).
package amptek

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

const (
	vendorID  gousb.ID = 0x10c4
	productID gousb.ID = 0x842a

	detectorInterfaceNum = 0
	bulkOutEndpoint       = 0x02
	bulkInEndpoint        = 0x81

	transferTimeout = 5000 * time.Millisecond
	maxReceiveBytes = 32800

	sync1 = 0xF5
	sync2 = 0xFA

	headerSize   = 6
	checksumSize = 2

	ackPID1 = 0xFF
)

// PID identifies an Amptek request or response packet type.
type PID struct {
	PID1 byte
	PID2 byte
}

// Status is the plain status-query request/response PID pair.
var (
	Status                     = PID{0x01, 0x01}
	StatusResponse             = PID{0x81, 0x01}
	SpectrumPlusStatus         = PID{0x02, 0x03}
	SpectrumPlusStatusClear    = PID{0x02, 0x04}
	RequestSeqBuffer           = PID{0x02, 0x07}
	BufferSpectrum             = PID{0x02, 0x05}
	BufferAndClearSpectrum     = PID{0x02, 0x06}
	RestartSequentialBuffering = PID{0xf0, 0x1e}
	CancelSequentialBuffering  = PID{0xf0, 0x1f}
	ClearGeneralPurposeCounter = PID{0xf0, 0x10}
	ClearSpectrum              = PID{0xf0, 0x01}
	MCAEnable                  = PID{0xf0, 0x02}
	MCADisable                 = PID{0xf0, 0x03}
	DiagnosticDataRequest      = PID{0x03, 0x05}
	DiagnosticDataResponse     = PID{0x82, 0x05}
	TextConfigurationToNvram   = PID{0x20, 0x02}
	TextConfigurationToRam     = PID{0x20, 0x04}
	TextConfigurationReadback  = PID{0x20, 0x03}
	TextConfigurationResponse  = PID{0x82, 0x07}
)

// Spectrum response PIDs, keyed by channel count, matching Spectrum.hh.
var SpectrumResponsePID = map[int]PID{
	256:  {0x81, 0x02},
	512:  {0x81, 0x04},
	1024: {0x81, 0x06},
	2048: {0x81, 0x08},
	4096: {0x81, 0x0a},
	8192: {0x81, 0x0c},
}

// BytesPerBin is the spectrum channel width Amptek uses on the wire.
const BytesPerBin = 3

// StatusSize is the fixed byte size of the status block prefixed to
// every spectrum-plus-status response.
const StatusSize = 64

// Packet is one framed Amptek request or response.
type Packet struct {
	PID     PID
	Payload []byte
}

// Encode serializes p into its full transfer-wire representation:
// sync bytes, PID, big-endian length, payload, then a two's-complement
// checksum over everything preceding it.
func (p Packet) Encode() []byte {
	buf := make([]byte, headerSize+len(p.Payload)+checksumSize)
	buf[0] = sync1
	buf[1] = sync2
	buf[2] = p.PID.PID1
	buf[3] = p.PID.PID2
	buf[4] = byte(len(p.Payload) >> 8)
	buf[5] = byte(len(p.Payload))
	copy(buf[headerSize:], p.Payload)

	var sum uint32
	for _, b := range buf[:len(buf)-checksumSize] {
		sum += uint32(b)
	}
	checksum := (0xffff ^ sum) + 1
	buf[len(buf)-2] = byte((checksum >> 8) & 0xff)
	buf[len(buf)-1] = byte(checksum & 0xff)
	return buf
}

// AckError is returned when the detector replies with a PID1==0xFF ack
// packet instead of the expected response, matching the original's
// AckError/Ack::issue.
type AckError struct {
	PID2    byte
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("amptek: ack error (pid2=0x%02x): %s", e.PID2, e.Message)
}

// ackMessages indexes by PID2 value, matching Ack::DECODE_PID2.
var ackMessages = [18]string{
	"OK",
	"Sync error",
	"PID error",
	"LEN error",
	"Checksum error",
	"Bad parameter",
	"Bad hex record (structure/chksum)",
	"Unrecognized command",
	"FPGA error (not initialized)",
	"CP2201 not found",
	"Scope data not available (not triggered)",
	"PC5 not present",
	"OK + Interface sharing request",
	"Busy - another interface is in use",
	"I2C error",
	"DO NOT USE OK + FPGA upload address",
	"Feature not supported by this FPGA version",
	"Calibration data not present",
}

func ackMessage(pid2 byte) string {
	if int(pid2) < len(ackMessages) {
		return ackMessages[pid2]
	}
	return "unknown ack code"
}

// Decode parses a received transfer buffer, verifying sync, checksum,
// and the ack-error convention, and returns the PID and payload.
func Decode(transfer []byte) (Packet, error) {
	if len(transfer) < headerSize+checksumSize {
		return Packet{}, fmt.Errorf("amptek: transfer too short: %d bytes", len(transfer))
	}
	if transfer[0] != sync1 || transfer[1] != sync2 {
		return Packet{}, fmt.Errorf("amptek: sync error in raw packet")
	}

	var sum uint32
	for _, b := range transfer[:len(transfer)-checksumSize] {
		sum += uint32(b)
	}
	want := ((0xffff ^ sum) + 1) & 0xffff
	got := uint32(transfer[len(transfer)-2])<<8 | uint32(transfer[len(transfer)-1])
	if got != want {
		return Packet{}, fmt.Errorf("amptek: checksum error in raw packet")
	}

	pid1, pid2 := transfer[2], transfer[3]
	if pid1 == ackPID1 {
		return Packet{}, &AckError{PID2: pid2, Message: ackMessage(pid2)}
	}

	dataLen := int(transfer[4])<<8 | int(transfer[5])
	end := headerSize + dataLen
	if end+checksumSize > len(transfer) {
		return Packet{}, fmt.Errorf("amptek: declared length %d exceeds transfer size %d", dataLen, len(transfer))
	}
	return Packet{PID: PID{pid1, pid2}, Payload: transfer[headerSize:end]}, nil
}

// Device is one open Amptek X-123 USB handle.
type Device struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	out  *gousb.OutEndpoint
	in   *gousb.InEndpoint
}

// Open locates and claims the Amptek X-123 on the USB bus.
func Open(ctx *gousb.Context) (*Device, error) {
	dev, err := ctx.OpenDeviceWithVIDPID(vendorID, productID)
	if err != nil {
		return nil, fmt.Errorf("amptek: open device: %w", err)
	}
	if dev == nil {
		return nil, fmt.Errorf("amptek: device not found (VID:0x%04x PID:0x%04x)", vendorID, productID)
	}
	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("amptek: set config: %w", err)
	}
	intf, err := cfg.Interface(detectorInterfaceNum, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, fmt.Errorf("amptek: claim interface: %w", err)
	}
	out, err := intf.OutEndpoint(bulkOutEndpoint)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		return nil, fmt.Errorf("amptek: out endpoint: %w", err)
	}
	in, err := intf.InEndpoint(bulkInEndpoint)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		return nil, fmt.Errorf("amptek: in endpoint: %w", err)
	}
	return &Device{dev: dev, cfg: cfg, intf: intf, out: out, in: in}, nil
}

// Close releases the claimed interface and underlying device handle.
func (d *Device) Close() error {
	if d.intf != nil {
		d.intf.Close()
	}
	if d.cfg != nil {
		d.cfg.Close()
	}
	if d.dev != nil {
		return d.dev.Close()
	}
	return nil
}

// SendAndReceive writes req and reads back one response packet,
// matching UsbConnectionManager::sendAndReceive.
func (d *Device) SendAndReceive(req Packet) (Packet, error) {
	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()

	wire := req.Encode()
	if _, err := d.out.WriteContext(ctx, wire); err != nil {
		return Packet{}, fmt.Errorf("amptek: write: %w", err)
	}

	buf := make([]byte, maxReceiveBytes)
	n, err := d.in.ReadContext(ctx, buf)
	if err != nil {
		return Packet{}, fmt.Errorf("amptek: read: %w", err)
	}
	return Decode(buf[:n])
}

// SequentialBufferRequest builds the 2-byte-payload request packets
// (RequestSeqBuffer/BufferSpectrum/BufferAndClearSpectrum) that name a
// hardware-controlled sequential buffer number.
func SequentialBufferRequest(pid PID, bufferNumber uint16) Packet {
	return Packet{PID: pid, Payload: []byte{byte(bufferNumber >> 8), byte(bufferNumber)}}
}

// TextConfigurationRequest builds a settings-string request packet,
// matching TextConfigurationBase::transferFromParsed.
func TextConfigurationRequest(pid PID, settings string) Packet {
	return Packet{PID: pid, Payload: []byte(settings)}
}

// DecodeSpectrum splits a spectrum-plus-status payload into its
// leading status block and its 3-byte-per-bin channel counts,
// matching BaseSpectrum::num_bins.
func DecodeSpectrum(payload []byte) (status []byte, bins []uint32, err error) {
	if len(payload) < StatusSize {
		return nil, nil, fmt.Errorf("amptek: spectrum payload shorter than status block: %d bytes", len(payload))
	}
	status = payload[:StatusSize]
	rest := payload[StatusSize:]
	if len(rest)%BytesPerBin != 0 {
		return nil, nil, fmt.Errorf("amptek: spectrum payload not a multiple of %d bytes", BytesPerBin)
	}
	bins = make([]uint32, len(rest)/BytesPerBin)
	for i := range bins {
		off := i * BytesPerBin
		bins[i] = uint32(rest[off]) | uint32(rest[off+1])<<8 | uint32(rest[off+2])<<16
	}
	return status, bins, nil
}
