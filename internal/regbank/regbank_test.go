package regbank

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArmVersionSerialNumberDecodesHexRange(t *testing.T) {
	v := NewArmVersion()
	want := []byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	copy(v.Registers[8:24], want)
	assert.Equal(t, fmt.Sprintf("%X", want), v.SerialNumber())
}

func TestArmCtrlBytesRoundTrip(t *testing.T) {
	c := NewArmCtrl()
	c.Registers[0] = 1.5
	c.Registers[63] = -2.25

	data := c.Bytes()
	require.Len(t, data, 64*4)

	decoded := NewArmCtrl()
	require.NoError(t, decoded.SetBytes(data))
	assert.Equal(t, c.Registers, decoded.Registers)
}

func TestFpgaResultsFlags(t *testing.T) {
	f := NewFpgaResults()
	f.Registers[2] = 0x4 | (12 << 9) | 0x2
	assert.True(t, f.TraceDone())
	assert.Equal(t, uint16(12), f.NumAvailTimeSlices())
	assert.True(t, f.NrlBufferFull(0))
	assert.False(t, f.NrlBufferFull(1))
}

func TestFpgaTimeSliceDecode(t *testing.T) {
	f := NewFpgaTimeSlice()
	f.Registers[0] = 7   // buffer number
	f.Registers[1] = 100 // num evts
	f.Registers[2] = 90  // num triggers
	f.Registers[3] = 5   // dead time
	f.Registers[4] = 33  // anode current
	f.Registers[5] = 42  // first histogram bin

	d := f.Decode()
	assert.Equal(t, uint16(7), d.BufferNumber)
	assert.Equal(t, uint16(100), d.NumEvts)
	assert.Equal(t, uint16(42), d.Histogram[0])
}

func TestFpgaListModeParseListBuffer(t *testing.T) {
	f := NewFpgaListMode()
	f.Registers[0] = 2 // two events
	// event 0 at index 4: energy<<4 | 0, ts_lo, ts_hi
	f.Registers[4] = 16 * 5
	f.Registers[5] = 100
	f.Registers[6] = 0
	// event 1 at index 7
	f.Registers[7] = 16 * 9
	f.Registers[8] = 200
	f.Registers[9] = 1

	events := f.ParseListBuffer()
	require.Len(t, events, 2)
	assert.Equal(t, uint16(5), events[0].EnergyBin)
	assert.Equal(t, uint32(100), events[0].RelTimestampClockCycles)
	assert.Equal(t, uint16(9), events[1].EnergyBin)
	assert.Equal(t, uint32(1)<<16|200, events[1].RelTimestampClockCycles)
}

func TestFpgaLmNrl1Decode(t *testing.T) {
	f := NewFpgaLmNrl1()
	f.Registers[0] = 2 // two events (header at index 0 skipped)
	f.Registers[6] = 1 // event 0 PSD
	f.Registers[7] = 2
	f.Registers[8] = 3
	f.Registers[9] = 4
	f.Registers[10] = 5
	f.Registers[11] = 6

	events := f.Decode()
	require.Len(t, events, 1)
	assert.Equal(t, NrlListDataPoint{PSD: 1, Energy: 2, WC0: 3, WC1: 4, WC2: 5, WC3AF: 6}, events[0])
}

func TestFpgaActionPredefinedPayloads(t *testing.T) {
	assert.Equal(t, [4]uint16{0b1111, 0, 0b0100, 0}, FpgaActionStartNewListAcquisition.Registers)
	assert.Equal(t, [4]uint16{0b1111, 0, 0b0001, 0}, FpgaActionStartNewHistogramAcquisition.Registers)
	assert.Equal(t, [4]uint16{0b0100, 0, 0b0010, 0}, FpgaActionStartNewTraceAcquisition.Registers)
}
