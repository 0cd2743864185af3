package hafx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detectorctl/internal/command"
	"detectorctl/internal/regbank"
)

func TestCelsiusToKelvinHundredths(t *testing.T) {
	assert.Equal(t, uint16(27315), celsiusToKelvinHundredths(0))
	assert.Equal(t, uint16(29815), celsiusToKelvinHundredths(25))
}

func TestVoltsToHundredths(t *testing.T) {
	assert.Equal(t, uint16(350), voltsToHundredths(3.5))
}

func TestDebugTagMapsEveryRegisterBank(t *testing.T) {
	cases := []struct {
		bank regbank.Bank
		want command.HafxDebugType
	}{
		{regbank.NewFpgaListMode(), command.HafxDebugListMode},
		{regbank.NewFpgaHistogram(), command.HafxDebugHistogram},
		{regbank.NewFpgaWeights(), command.HafxDebugFpgaWeights},
		{regbank.NewFpgaStatistics(), command.HafxDebugFpgaStatistics},
		{regbank.NewFpgaOscilloscopeTrace(), command.HafxDebugFpgaOscilloscopeTrace},
		{regbank.NewFpgaCtrl(), command.HafxDebugFpgaCtrl},
		{regbank.NewArmStatus(), command.HafxDebugArmStatus},
		{regbank.NewArmCal(), command.HafxDebugArmCal},
		{regbank.NewArmCtrl(), command.HafxDebugArmCtrl},
	}
	for _, tc := range cases {
		got, err := debugTag(tc.bank)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestDebugTagRejectsUnmappedBank(t *testing.T) {
	_, err := debugTag(regbank.NewArmVersion())
	require.Error(t, err)
}

func TestProjectNrlEventsMapsPPSAndPiledUpBits(t *testing.T) {
	events := []regbank.NrlListDataPoint{
		{PSD: 1, Energy: 5, WC0: 0x1111, WC1: 0x2222, WC2: 9, WC3AF: 0x3},
		{PSD: 0xffff, Energy: 2, WC0: 1, WC1: 0, WC2: 0, WC3AF: 0},
	}
	out := projectNrlEvents(events)
	require.Len(t, out, 2)
	assert.Equal(t, uint32(0x22221111), out[0].WallClock)
	assert.Equal(t, uint8(5), out[0].Energy)
	assert.True(t, out[0].WasPPS)
	assert.True(t, out[0].PiledUp)
	assert.False(t, out[0].OutOfRange)

	assert.False(t, out[1].WasPPS)
	assert.True(t, out[1].OutOfRange)
}
