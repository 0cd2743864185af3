// Package listener implements the UDP control socket: it reads one
// command line per datagram, pushes it onto the shared queue wrapped
// in a promise, and replies to the sender with the result once the
// coordinator has processed it.
//
// Grounded on the original's Listener.cc/.hh.
package listener

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"detectorctl/internal/command"
	"detectorctl/internal/queue"
)

// replyTimeout bounds how long listen_step waits for the coordinator to
// resolve a promise-wrapped command before reporting a timeout error.
const replyTimeout = 30 * time.Second

// maxDatagramBytes matches the original's fixed 65535-byte recv buffer.
const maxDatagramBytes = 65535

// Coordinator is the subset of *coordinator.Coordinator the listener
// needs: whether it is alive, which selects the not-alive command
// filter. Promise-wrapped commands go onto the queue passed to New.
type Coordinator interface {
	Alive() bool
}

// Listener owns the UDP control socket and the queue commands are
// pushed onto for the coordinator to process.
type Listener struct {
	conn  *net.UDPConn
	queue *queue.Queue
	coord Coordinator
}

// New wraps an already-bound UDP socket as a control listener. The
// socket is also shared with the coordinator so health replies can be
// sent from the same local address commands are received on.
func New(conn *net.UDPConn, q *queue.Queue, coord Coordinator) *Listener {
	return &Listener{conn: conn, queue: q, coord: coord}
}

// Run reads and answers control datagrams until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()
	for {
		if err := l.step(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("listener: %v", err)
		}
	}
}

// step receives one datagram, decodes it, and replies. Decode/parse
// errors are reported back to the sender as an error reply rather than
// propagated, mirroring listen_loop's catch(DetectorException).
func (l *Listener) step() error {
	buf := make([]byte, maxDatagramBytes)
	n, from, err := l.conn.ReadFromUDP(buf)
	if err != nil {
		return fmt.Errorf("listener: read: %w", err)
	}
	line := string(buf[:n])

	cmd, err := command.Parse(line, !l.coord.Alive())
	if err != nil {
		l.errorReply(from, err.Error())
		return nil
	}
	if cmd == nil {
		l.reply(from, "ack-ok\ngiven command is a no-op; no change.")
		return nil
	}
	if command.IsTerminate(cmd) {
		l.reply(from, "ack-ok\nterminated")
		os.Exit(0)
		return nil
	}

	reply := make(chan command.Result, 1)
	l.queue.Push(command.PromiseWrap{Inner: cmd, Reply: reply})

	select {
	case res := <-reply:
		if res.Err != nil {
			l.errorReply(from, fmt.Sprintf("(in promise, listener) %v", res.Err))
			return nil
		}
		l.reply(from, "ack-ok\n"+res.Payload)
	case <-time.After(replyTimeout):
		l.errorReply(from, "command execution timed out")
	}
	return nil
}

func (l *Listener) reply(to *net.UDPAddr, msg string) {
	if _, err := l.conn.WriteToUDP([]byte(msg), to); err != nil {
		log.Printf("listener: reply to %s: %v", to, err)
	}
}

func (l *Listener) errorReply(to *net.UDPAddr, msg string) {
	l.reply(to, "error\n"+msg)
}
