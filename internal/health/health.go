// Package health assembles the periodic HealthPacket datagram from
// each detector controller's per-channel health snapshot, zero-filling
// any channel the coordinator has no live controller for (or whose
// read failed), matching DetectorService::generate_health.
package health

import "detectorctl/pkg/wire"

// Assemble builds a HealthPacket from up to four HaFX snapshots keyed
// by channel and an optional X123 snapshot. A channel absent from hafx,
// or a nil x123, zero-fills that section of the packet — the Go map's
// zero-value-on-miss lookup does the "only add health from connected
// detectors" filtering without an explicit presence flag per channel.
func Assemble(timestamp uint32, hafx map[wire.HafxChannel]wire.HafxHealth, x123 *wire.X123Health) wire.HealthPacket {
	p := wire.HealthPacket{
		Timestamp: timestamp,
		C1:        hafx[wire.ChannelC1],
		M1:        hafx[wire.ChannelM1],
		M5:        hafx[wire.ChannelM5],
		X1:        hafx[wire.ChannelX1],
	}
	if x123 != nil {
		p.X123 = *x123
	}
	return p
}
