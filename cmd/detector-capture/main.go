// detector-capture is a downstream diagnostic tool: it listens on the
// same UDP ports detectord emits science, NRL, debug, and health
// traffic to, decodes each datagram by its size, and renders a live
// terminal dashboard.
//
// Grounded on the original's utilities/hafx_spectrum.cc (a narrower
// single-shot debug-datagram reader) broadened into a standing
// dashboard in the teacher's style: cmd/cli/main.go's
// tea.NewProgram(tea.WithAltScreen())/p.Send bootstrap and
// internal/cli/ui.go's Model/Update/View idiom.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"

	"detectorctl/pkg/wire"

	tea "github.com/charmbracelet/bubbletea"
)

var (
	healthPort = flag.Int("health-port", 12050, "UDP port to listen for health packets on")

	c1SciPort = flag.Int("c1-sci-port", 12000, "C1 science+NRL UDP listen port")
	c1DbgPort = flag.Int("c1-dbg-port", 12001, "C1 debug UDP listen port")
	m1SciPort = flag.Int("m1-sci-port", 12010, "M1 science+NRL UDP listen port")
	m1DbgPort = flag.Int("m1-dbg-port", 12011, "M1 debug UDP listen port")
	m5SciPort = flag.Int("m5-sci-port", 12020, "M5 science+NRL UDP listen port")
	m5DbgPort = flag.Int("m5-dbg-port", 12021, "M5 debug UDP listen port")
	x1SciPort = flag.Int("x1-sci-port", 12030, "X1 science+NRL UDP listen port")
	x1DbgPort = flag.Int("x1-dbg-port", 12031, "X1 debug UDP listen port")
)

const maxDatagramBytes = 65535

// listenUDP opens a UDP socket on port, logging and exiting on failure.
func listenUDP(port int) *net.UDPConn {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		log.Fatalf("detector-capture: listen UDP :%d: %v", port, err)
	}
	return conn
}

// readHealth forwards decoded health packets to the program.
func readHealth(conn *net.UDPConn, p *tea.Program) {
	buf := make([]byte, maxDatagramBytes)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			p.Send(logMsg(fmt.Sprintf("health: read: %v", err)))
			return
		}
		hp, err := wire.DecodeHealthPacket(buf[:n])
		if err != nil {
			p.Send(logMsg(fmt.Sprintf("health: decode: %v", err)))
			continue
		}
		p.Send(healthMsg{packet: hp})
	}
}

// readScience decodes whichever of the two shapes shares this port:
// a batch of whole HafxNominalSpectrumStatus records from the queued
// time-slice saver, or a framed NRL blob (<u16 count><count packed
// points><u32 timestamp>, little-endian) from the NRL list saver.
func readScience(conn *net.UDPConn, channel string, p *tea.Program) {
	buf := make([]byte, maxDatagramBytes)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			p.Send(logMsg(fmt.Sprintf("%s science: read: %v", channel, err)))
			return
		}
		switch {
		case n >= 6 && n == 6+4*(int(buf[0])|int(buf[1])<<8):
			for off := 2; off < n-4; off += 4 {
				v := uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
				p.Send(nrlMsg{channel: channel, point: wire.UnpackStrippedNrlDataPoint(v)})
			}
		case n > 0 && n%wire.HafxNominalSpectrumStatusSize == 0:
			for off := 0; off < n; off += wire.HafxNominalSpectrumStatusSize {
				status, err := wire.DecodeHafxNominalSpectrumStatus(buf[off : off+wire.HafxNominalSpectrumStatusSize])
				if err != nil {
					p.Send(logMsg(fmt.Sprintf("%s science: decode: %v", channel, err)))
					break
				}
				p.Send(scienceMsg{channel: channel, status: status})
			}
		default:
			p.Send(logMsg(fmt.Sprintf("%s science: unrecognized datagram (%d bytes)", channel, n)))
		}
	}
}

// readDebug just tracks arrival and size: register-bank layouts vary
// per debug type and decoding all of them buys the dashboard nothing.
func readDebug(conn *net.UDPConn, channel string, p *tea.Program) {
	buf := make([]byte, maxDatagramBytes)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			p.Send(logMsg(fmt.Sprintf("%s debug: read: %v", channel, err)))
			return
		}
		p.Send(debugMsg{channel: channel, bytes: n})
	}
}

func main() {
	flag.Parse()

	channels := []string{"c1", "m1", "m5", "x1"}
	sciPorts := map[string]int{"c1": *c1SciPort, "m1": *m1SciPort, "m5": *m5SciPort, "x1": *x1SciPort}
	dbgPorts := map[string]int{"c1": *c1DbgPort, "m1": *m1DbgPort, "m5": *m5DbgPort, "x1": *x1DbgPort}

	m := newModel(channels)
	program := tea.NewProgram(m, tea.WithAltScreen())

	healthConn := listenUDP(*healthPort)
	go readHealth(healthConn, program)

	for _, ch := range channels {
		sciConn := listenUDP(sciPorts[ch])
		dbgConn := listenUDP(dbgPorts[ch])
		go readScience(sciConn, ch, program)
		go readDebug(dbgConn, ch, program)
	}

	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "detector-capture: %v\n", err)
		os.Exit(1)
	}
}
