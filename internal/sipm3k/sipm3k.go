//go:build !mips && !mipsle
// +build !mips,!mipsle

// Package sipm3k implements the USB transport to a Bridgeport SiPM3K
// detector head: a 64-byte command buffer describing the register
// bank to read or write, transferred in 256-byte chunks because the
// ARM microcontroller inside the detector only has a 256-byte buffer.
//
// Grounded on the original's UsbManager.hh/.cc (command-buffer header
// packing, chunked bulk transfer, short-write optimization,
// BridgeportDeviceManager enumeration) and, for the gousb idiom
// itself, the teacher's internal/driver/device/usb_device.go.
package sipm3k

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"

	"detectorctl/internal/regbank"
)

const (
	bridgeportVID       gousb.ID = 0x1fa4
	detectorInterfaceNum        = 1

	cmdOutEndpoint  = 0x01
	cmdInEndpoint   = 0x81
	dataOutEndpoint = 0x02
	dataInEndpoint  = 0x82

	transferTimeout = 1000 * time.Millisecond
	chunkSize       = 256
	commandBufferSz = 64

	shortWriteFlag = 0x800

	armReadType   = 4
	armWriteType  = 3
	fpgaReadType  = 2
	fpgaWriteType = 1
)

// MemoryType selects the RAM-resident or NVRAM-resident copy of a
// register bank, matching the original's MemoryType enum.
type MemoryType uint32

const (
	MemoryRAM   MemoryType = 0
	MemoryNVRAM MemoryType = 1
)

// Device is one open SiPM3K USB handle, claimed on the Bridgeport
// detector interface.
type Device struct {
	ctx        *gousb.Context
	dev        *gousb.Device
	cfg        *gousb.Config
	intf       *gousb.Interface
	cmdOut     *gousb.OutEndpoint
	cmdIn      *gousb.InEndpoint
	dataOut    *gousb.OutEndpoint
	dataIn     *gousb.InEndpoint
	armSerial  string
}

// Open claims the Bridgeport detector interface on an already-located
// gousb device and reads back its ARM serial number.
func Open(dev *gousb.Device) (*Device, error) {
	cfg, err := dev.Config(1)
	if err != nil {
		return nil, fmt.Errorf("sipm3k: set config: %w", err)
	}
	intf, err := cfg.Interface(detectorInterfaceNum, 0)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("sipm3k: claim interface: %w", err)
	}
	cmdOut, err := intf.OutEndpoint(cmdOutEndpoint)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, fmt.Errorf("sipm3k: cmd out endpoint: %w", err)
	}
	cmdIn, err := intf.InEndpoint(cmdInEndpoint)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, fmt.Errorf("sipm3k: cmd in endpoint: %w", err)
	}
	dataOut, err := intf.OutEndpoint(dataOutEndpoint)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, fmt.Errorf("sipm3k: data out endpoint: %w", err)
	}
	dataIn, err := intf.InEndpoint(dataInEndpoint)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, fmt.Errorf("sipm3k: data in endpoint: %w", err)
	}

	d := &Device{dev: dev, cfg: cfg, intf: intf, cmdOut: cmdOut, cmdIn: cmdIn, dataOut: dataOut, dataIn: dataIn}

	armvc := regbank.NewArmVersion()
	if err := d.Read(armvc, MemoryRAM); err != nil {
		d.Close()
		return nil, fmt.Errorf("sipm3k: read arm version: %w", err)
	}
	d.armSerial = armvc.SerialNumber()
	return d, nil
}

// OpenAll enumerates every Bridgeport VID device on the USB bus,
// claims the detector interface on each, and returns them keyed by ARM
// serial number, mirroring BridgeportDeviceManager's constructor.
func OpenAll() (*gousb.Context, map[string]*Device, error) {
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == bridgeportVID
	})
	if err != nil {
		ctx.Close()
		return nil, nil, fmt.Errorf("sipm3k: enumerate devices: %w", err)
	}

	out := make(map[string]*Device, len(devs))
	for _, raw := range devs {
		d, err := Open(raw)
		if err != nil {
			raw.Close()
			continue
		}
		out[d.ArmSerial()] = d
	}
	return ctx, out, nil
}

// ArmSerial reports the ASCII-hex serial number read at open time.
func (d *Device) ArmSerial() string { return d.armSerial }

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

func commandBufferHeader(nbytes, memoryType uint32, commandIdent uint8, transferFlags uint32) uint32 {
	return (nbytes << 16) + (memoryType << 12) + (uint32(commandIdent) << 4) + transferFlags
}

func bankByteLen(b regbank.Bank) int { return b.Len() * b.Width() }

// Write sends a register bank's contents to the detector, using the
// short-write optimization when the bank plus a 4-byte header fits in
// one 64-byte command buffer.
func (d *Device) Write(b regbank.Bank, memoryType MemoryType) error {
	data := b.Bytes()
	n := bankByteLen(b)
	writeType := uint32(armWriteType)
	if b.Class() == regbank.AccessFPGA {
		writeType = fpgaWriteType
	}

	shortWritePossible := 4+n <= commandBufferSz
	nbytes := uint32(n)
	flags := writeType
	if shortWritePossible {
		nbytes = commandBufferSz
		flags += shortWriteFlag
	}
	header := commandBufferHeader(nbytes, uint32(memoryType), b.CommandIdent(), flags)

	cmdBuf := make([]byte, commandBufferSz)
	cmdBuf[0] = byte(header)
	cmdBuf[1] = byte(header >> 8)
	cmdBuf[2] = byte(header >> 16)
	cmdBuf[3] = byte(header >> 24)
	if shortWritePossible {
		copy(cmdBuf[4:], data)
	}

	if err := d.xferInChunks(d.cmdOut, cmdBuf); err != nil {
		return fmt.Errorf("sipm3k: write cmd to %s: %w", d.armSerial, err)
	}
	if !shortWritePossible {
		if err := d.xferInChunks(d.dataOut, data); err != nil {
			return fmt.Errorf("sipm3k: write data to %s: %w", d.armSerial, err)
		}
	}
	return nil
}

// Read fetches a register bank's contents from the detector and
// unmarshals them back into b via SetBytes.
func (d *Device) Read(b regbank.Bank, memoryType MemoryType) error {
	n := bankByteLen(b)
	data := make([]byte, n)
	readType := uint32(armReadType)
	if b.Class() == regbank.AccessFPGA {
		readType = fpgaReadType
	}
	header := commandBufferHeader(uint32(n), uint32(memoryType), b.CommandIdent(), readType)

	cmdBuf := make([]byte, commandBufferSz)
	cmdBuf[0] = byte(header)
	cmdBuf[1] = byte(header >> 8)
	cmdBuf[2] = byte(header >> 16)
	cmdBuf[3] = byte(header >> 24)

	if err := d.xferInChunks(d.cmdOut, cmdBuf); err != nil {
		return fmt.Errorf("sipm3k: write cmd to %s: %w", d.armSerial, err)
	}
	if err := d.readInChunks(data); err != nil {
		return fmt.Errorf("sipm3k: read data from %s: %w", d.armSerial, err)
	}
	return b.SetBytes(data)
}

// xferInChunks writes buffer to endpoint in chunkSize pieces, matching
// UsbManager::xfer_in_chunks (the ARM's own receive buffer is only 256
// bytes wide).
func (d *Device) xferInChunks(ep *gousb.OutEndpoint, buffer []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()

	for off := 0; off < len(buffer); off += chunkSize {
		end := off + chunkSize
		if end > len(buffer) {
			end = len(buffer)
		}
		n, err := ep.WriteContext(ctx, buffer[off:end])
		if err != nil {
			return err
		}
		if n != end-off {
			return fmt.Errorf("short write: %d vs %d", n, end-off)
		}
	}
	return nil
}

func (d *Device) readInChunks(buffer []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()

	for off := 0; off < len(buffer); off += chunkSize {
		end := off + chunkSize
		if end > len(buffer) {
			end = len(buffer)
		}
		n, err := d.dataIn.ReadContext(ctx, buffer[off:end])
		if err != nil {
			return err
		}
		if n != end-off {
			return fmt.Errorf("short read: %d vs %d", n, end-off)
		}
	}
	return nil
}
