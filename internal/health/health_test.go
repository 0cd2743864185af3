package health

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"detectorctl/pkg/wire"
)

func TestAssembleZeroFillsMissingHafxChannelsAndAbsentX123(t *testing.T) {
	hafx := map[wire.HafxChannel]wire.HafxHealth{
		wire.ChannelC1: {Counts: 42},
	}
	p := Assemble(1000, hafx, nil)

	assert.Equal(t, uint32(1000), p.Timestamp)
	assert.Equal(t, uint32(42), p.C1.Counts)
	assert.Equal(t, wire.HafxHealth{}, p.M1)
	assert.Equal(t, wire.HafxHealth{}, p.M5)
	assert.Equal(t, wire.HafxHealth{}, p.X1)
	assert.Equal(t, wire.X123Health{}, p.X123)
}

func TestAssembleIncludesX123WhenPresent(t *testing.T) {
	x123 := wire.X123Health{FastCounts: 7}
	p := Assemble(1000, nil, &x123)
	assert.Equal(t, x123, p.X123)
}
