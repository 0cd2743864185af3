// Package gpio waits on the PPS (pulse-per-second) GPIO line that the
// coordinator synchronizes nominal data collection startup to, following
// the periph.io host.Init/pin.In/pin.WaitForEdge idiom.
package gpio

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// PPSWaiter blocks on a rising edge of the PPS GPIO line.
type PPSWaiter struct {
	pin gpio.PinIn
}

// Open initializes the periph.io host drivers and configures the named
// BCM283x GPIO pin as the PPS input, pulled down so a floating line reads
// low between pulses rather than chattering.
func Open(pinName string) (*PPSWaiter, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("gpio: host init: %w", err)
	}
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, fmt.Errorf("gpio: unknown pin %q", pinName)
	}
	in, ok := pin.(gpio.PinIn)
	if !ok {
		return nil, fmt.Errorf("gpio: pin %q is not an input", pinName)
	}
	if err := in.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return nil, fmt.Errorf("gpio: configure %q: %w", pinName, err)
	}
	return &PPSWaiter{pin: in}, nil
}

// WaitForRisingEdge blocks until the PPS line rises or timeout elapses,
// reporting whether a pulse was observed. This backs start_nominal's
// requirement to block up to 2s on the PPS GPIO rising edge before
// anchoring detector clocks to the next second boundary.
func (w *PPSWaiter) WaitForRisingEdge(timeout time.Duration) bool {
	if !w.pin.WaitForEdge(timeout) {
		return false
	}
	return w.pin.Read() == gpio.High
}
