package main

import "detectorctl/pkg/wire"

// healthMsg carries one decoded periodic health packet.
type healthMsg struct {
	packet wire.HealthPacket
}

// scienceMsg carries one decoded nominal time-slice record.
type scienceMsg struct {
	channel string
	status  wire.HafxNominalSpectrumStatus
}

// nrlMsg carries one decoded NRL list-mode event.
type nrlMsg struct {
	channel string
	point   wire.StrippedNrlDataPoint
}

// debugMsg carries a raw, undecoded debug-port datagram (register
// banks vary in shape; the dashboard only tracks size and arrival).
type debugMsg struct {
	channel string
	bytes   int
}

// logMsg appends one line to the scrolling event log.
type logMsg string

// tickMsg drives the periodic host-stats refresh.
type tickMsg struct{}
