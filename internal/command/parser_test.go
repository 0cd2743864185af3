package command

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detectorctl/pkg/wire"
)

func TestParseSimpleCommands(t *testing.T) {
	cases := map[string]Command{
		"terminate":                 terminate{},
		"wake":                      Initialize{},
		"sleep":                     Shutdown{},
		"start-nominal":             CollectNominal{Started: false},
		"stop-nominal":              StopNominal{},
		"start-nrl-list":            StartNrlList{Started: false, FullSize: false},
		"start-nrl-full-size-list":  StartNrlList{Started: false, FullSize: true},
		"stop-nrl-list":             StopNrlList{},
		"stop-periodic-health":      StopPeriodicHealth{},
	}
	for line, want := range cases {
		got, err := Parse(line, false)
		require.NoError(t, err, line)
		assert.Equal(t, want, got, line)
	}
}

func TestParseUnknownCommand(t *testing.T) {
	_, err := Parse("frobnicate", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestParseNotAliveRestrictsToStopAndSleep(t *testing.T) {
	_, err := Parse("start-nominal", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	cmd, err := Parse("stop-nominal", true)
	require.NoError(t, err)
	assert.Nil(t, cmd)

	cmd, err = Parse("sleep", true)
	require.NoError(t, err)
	assert.Nil(t, cmd)

	cmd, err = Parse("wake", true)
	require.NoError(t, err)
	assert.Equal(t, Initialize{}, cmd)
}

func TestParseHafxSettingsAdcRebinEdges(t *testing.T) {
	cmd, err := Parse("settings-update hafx c1 adc_rebin_edges 0 10 20 30 123", false)
	require.NoError(t, err)
	hs, ok := cmd.(HafxSettings)
	require.True(t, ok)
	assert.Equal(t, wire.ChannelC1, hs.Channel)
	assert.Equal(t, uint16(5), hs.AdcRebinEdgesLength)
	assert.Equal(t, [5]uint16{0, 10, 20, 30, 123}, [5]uint16(hs.AdcRebinEdges[:5]))
}

func TestParseHafxSettingsFpgaCtrlCapsAt16(t *testing.T) {
	line := "settings-update hafx m1 fpga_ctrl 1 2 3 4 5 6 7 8 9 10 11 12 13 14 15 16 17 18"
	cmd, err := Parse(line, false)
	require.NoError(t, err)
	hs := cmd.(HafxSettings)
	assert.True(t, hs.FpgaCtrlPresent)
	assert.Equal(t, uint16(16), hs.FpgaCtrl[15])
}

func TestParseHafxSettingsBadChannel(t *testing.T) {
	_, err := Parse("settings-update hafx zz fpga_ctrl 1", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestParseX123SettingsAckErrRetries(t *testing.T) {
	cmd, err := Parse("settings-update x123 ack_err_retries 5", false)
	require.NoError(t, err)
	xs := cmd.(X123Settings)
	assert.True(t, xs.AckErrRetriesPresent)
	assert.Equal(t, uint32(5), xs.AckErrRetries)
}

func TestParseDebugHafxHistogramRequiresInBoundsWait(t *testing.T) {
	_, err := Parse("debug hafx c1 histogram 0", false)
	require.Error(t, err)

	_, err = Parse("debug hafx c1 histogram 3601", false)
	require.Error(t, err)

	cmd, err := Parse("debug hafx c1 histogram 10", false)
	require.NoError(t, err)
	hd := cmd.(HafxDebug)
	assert.Equal(t, HafxDebugHistogram, hd.Type)
	assert.Equal(t, uint32(10), hd.WaitBetween)
}

func TestParseDebugHafxArmStatusNoWait(t *testing.T) {
	cmd, err := Parse("debug hafx x1 arm_status", false)
	require.NoError(t, err)
	hd := cmd.(HafxDebug)
	assert.Equal(t, HafxDebugArmStatus, hd.Type)
}

func TestParseDebugX123AsciiSettings(t *testing.T) {
	cmd, err := Parse("debug x123 ascii_settings MCAC=;", false)
	require.NoError(t, err)
	xd := cmd.(X123Debug)
	assert.Equal(t, X123DebugAsciiSettings, xd.Type)
	assert.Equal(t, "MCAC=;", xd.AsciiSettingsQuery)
}

func TestParseStartPeriodicHealth(t *testing.T) {
	cmd, err := Parse("start-periodic-health 1 127.0.0.1:40000 localhost:40001", false)
	require.NoError(t, err)
	ph := cmd.(StartPeriodicHealth)
	assert.Equal(t, uint32(1), ph.SecondsBetween)
	require.Len(t, ph.Destinations, 2)
	assert.Equal(t, 40000, ph.Destinations[0].Port)
	assert.Equal(t, "127.0.0.1", ph.Destinations[1].IP.String())
}

func TestParseStartPeriodicHealthRequiresDestination(t *testing.T) {
	_, err := Parse("start-periodic-health 1", false)
	require.Error(t, err)
}
