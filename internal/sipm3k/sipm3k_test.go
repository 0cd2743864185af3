package sipm3k

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"detectorctl/internal/regbank"
)

func TestCommandBufferHeaderArmRead(t *testing.T) {
	// arm_ctrl: 64 float32 registers, read, RAM
	got := commandBufferHeader(64*4, uint32(MemoryRAM), 2, armReadType)
	want := uint32(256<<16) + (0 << 12) + (2 << 4) + armReadType
	assert.Equal(t, want, got)
}

func TestCommandBufferHeaderFpgaWriteShort(t *testing.T) {
	// fpga_action: 4 uint16 registers, short write
	got := commandBufferHeader(commandBufferSz, uint32(MemoryRAM), 7, fpgaWriteType+shortWriteFlag)
	want := uint32(64<<16) + (0 << 12) + (7 << 4) + fpgaWriteType + shortWriteFlag
	assert.Equal(t, want, got)
}

func TestBankByteLenMatchesLenTimesWidth(t *testing.T) {
	assert.Equal(t, 64*4, bankByteLen(regbank.NewArmCtrl()))
	assert.Equal(t, 4096*4, bankByteLen(regbank.NewFpgaHistogram()))
	assert.Equal(t, 4*2, bankByteLen(regbank.NewFpgaAction()))
}

func TestShortWritePossibleThreshold(t *testing.T) {
	// FpgaAction (4*2=8 bytes) fits a short write; FpgaHistogram doesn't.
	assert.True(t, 4+bankByteLen(regbank.NewFpgaAction()) <= commandBufferSz)
	assert.False(t, 4+bankByteLen(regbank.NewFpgaHistogram()) <= commandBufferSz)
}
