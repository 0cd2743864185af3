package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthPacketRoundTrip(t *testing.T) {
	p := HealthPacket{
		Timestamp: 1700000000,
		C1:        HafxHealth{ArmTemp: 29415, SipmTemp: 29420, SipmOperatingVoltage: 5500, SipmTargetVoltage: 5500, Counts: 100, DeadTime: 10, RealTime: 3200},
		M1:        HafxHealth{ArmTemp: 29000, SipmTemp: 29100},
		M5:        HafxHealth{ArmTemp: 28900},
		X1:        HafxHealth{ArmTemp: 28800},
		X123:      X123Health{BoardTemp: 22, DetHighVoltage: -200, DetTemp: 2731, FastCounts: 5000, SlowCounts: 4000, AccumulationTime: 1000, RealTime: 1000},
	}

	encoded := p.Encode()
	assert.Len(t, encoded, HealthPacketSize)

	got, err := DecodeHealthPacket(encoded)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestDecodeHealthPacketWrongSize(t *testing.T) {
	_, err := DecodeHealthPacket([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestHafxNominalSpectrumStatusRoundTrip(t *testing.T) {
	s := HafxNominalSpectrumStatus{
		Channel:      uint8(ChannelM1),
		BufferNumber: 7,
		NumEvts:      42,
		NumTriggers:  50,
		DeadTime:     12,
		AnodeCurrent: 99,
		TimeAnchor:   123456,
		MissedPPS:    true,
	}
	for i := range s.Histogram {
		s.Histogram[i] = uint32(i * 2)
	}

	encoded := s.Encode()
	assert.Len(t, encoded, HafxNominalSpectrumStatusSize)

	got, err := DecodeHafxNominalSpectrumStatus(encoded)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestStrippedNrlDataPointPackUnpack(t *testing.T) {
	cases := []StrippedNrlDataPoint{
		{WallClock: 0, Energy: 0},
		{WallClock: (1 << 25) - 1, Energy: 15, WasPPS: true, PiledUp: true, OutOfRange: true},
		{WallClock: 12345, Energy: 7, WasPPS: true},
		{WallClock: 99999, Energy: 3, PiledUp: true},
	}
	for _, c := range cases {
		packed := c.Pack()
		assert.Equal(t, c, UnpackStrippedNrlDataPoint(packed))
	}
}

func TestStrippedNrlDataPointBitLayout(t *testing.T) {
	p := StrippedNrlDataPoint{WallClock: 1, Energy: 0, WasPPS: true}
	packed := p.Pack()
	assert.Equal(t, uint32(1)|uint32(1<<29), packed)
}

func TestHafxChannelString(t *testing.T) {
	assert.Equal(t, "c1", ChannelC1.String())
	assert.Equal(t, "x1", ChannelX1.String())
}
