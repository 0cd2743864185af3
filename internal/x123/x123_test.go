package x123

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesToU32LE(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03, 0x04}
	assert.Equal(t, uint32(0x04030201), bytesToU32LE(buf, 0, 1, 2, 3))
}

func TestAssembleSpectrum(t *testing.T) {
	buf := []byte{0x01, 0x00, 0x00, 0x02, 0x01, 0x00}
	bins := assembleSpectrum(buf)
	require.Len(t, bins, 2)
	assert.Equal(t, uint32(1), bins[0])
	assert.Equal(t, uint32(0x102), bins[1])
}

func TestRebinSpectrumPassesThroughWithNoEdgeTable(t *testing.T) {
	c := &Controller{}
	orig := []uint32{1, 2, 3}
	out, err := c.rebinSpectrum(orig)
	require.NoError(t, err)
	assert.Equal(t, orig, out)
}

func TestRebinSpectrumSumsConsecutiveEdgePairs(t *testing.T) {
	c := &Controller{cachedSettings: Settings{AdcRebinEdgesLength: 3}}
	c.cachedSettings.AdcRebinEdges[0] = 0
	c.cachedSettings.AdcRebinEdges[1] = 2
	c.cachedSettings.AdcRebinEdges[2] = 4

	orig := []uint32{10, 20, 30, 40}
	out, err := c.rebinSpectrum(orig)
	require.NoError(t, err)
	assert.Equal(t, []uint32{30, 70}, out)
}

func TestRebinSpectrumRejectsOutOfBoundsEdge(t *testing.T) {
	c := &Controller{cachedSettings: Settings{AdcRebinEdgesLength: 2}}
	c.cachedSettings.AdcRebinEdges[0] = 0
	c.cachedSettings.AdcRebinEdges[1] = 99

	_, err := c.rebinSpectrum([]uint32{1, 2})
	require.Error(t, err)
}

func TestParseMCACResponse(t *testing.T) {
	bins, err := parseMCACResponse("MCAC=1024;")
	require.NoError(t, err)
	assert.Equal(t, uint16(1024), bins)
}

func TestParseMCACResponseRejectsMissingToken(t *testing.T) {
	_, err := parseMCACResponse("garbage")
	require.Error(t, err)
}

func TestAdvanceLocalBufferCountAheadOfHardwareNoOps(t *testing.T) {
	c := &Controller{localNextBufferNum: 5}
	status := make([]byte, 48)
	status[46] = 0x0
	status[47] = 0x02 // remote = 2, behind local = 5

	caughtUp, err := c.advanceLocalBufferCount(status)
	require.NoError(t, err)
	assert.True(t, caughtUp)
	assert.Equal(t, uint16(5), c.localNextBufferNum)
}

func TestAdvanceLocalBufferCountCatchesUpWhenHardwareAhead(t *testing.T) {
	c := &Controller{localNextBufferNum: 1}
	status := make([]byte, 48)
	status[46] = 0x0
	status[47] = 0x05 // remote = 5, local will become 2, still behind

	caughtUp, err := c.advanceLocalBufferCount(status)
	require.NoError(t, err)
	assert.False(t, caughtUp)
	assert.Equal(t, uint16(2), c.localNextBufferNum)
}

func TestAdvanceLocalBufferCountSettlesWithoutRestartWhenBufferingContinues(t *testing.T) {
	c := &Controller{localNextBufferNum: 4}
	status := make([]byte, 48)
	status[46] = 0x2 // bit 1 set: buffering still running
	status[47] = 0x05 // remote = 5, local becomes 5: caught up

	caughtUp, err := c.advanceLocalBufferCount(status)
	require.NoError(t, err)
	assert.True(t, caughtUp)
	assert.Equal(t, uint16(5), c.localNextBufferNum)
}

func TestAdvanceLocalBufferCountRejectsShortStatus(t *testing.T) {
	c := &Controller{}
	_, err := c.advanceLocalBufferCount(make([]byte, 10))
	require.Error(t, err)
}
