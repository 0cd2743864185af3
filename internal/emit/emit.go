// Package emit implements the UDP record emitters shared by the HaFX and
// X123 controllers (health packets are not sent through it; the
// coordinator writes them on the control socket): one dialed socket per
// destination, one datagram per framed record, size-guarded against the
// 65535-byte UDP payload ceiling.
//
// Grounded on the original's DataSaver (one fixed destination, raw
// byte-span add) and QueuedDataSaver<T> (buffers a fixed count of
// fixed-layout records and flushes once full, skipping records before
// the first with a valid time anchor so replayed files start on a
// second boundary).
package emit

import (
	"fmt"
	"net"
)

// MaxDatagramBytes is the largest payload emit will send in one
// datagram, matching spec.md §6.
const MaxDatagramBytes = 65535

// Emitter sends pre-framed byte blobs to one fixed UDP destination.
type Emitter struct {
	conn *net.UDPConn
}

// Dial opens a UDP socket pre-connected to addr, matching DataSaver's
// constructor (one destination per instance, no per-send address).
func Dial(addr *net.UDPAddr) (*Emitter, error) {
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("emit: dial %s: %w", addr, err)
	}
	return &Emitter{conn: conn}, nil
}

// Close releases the underlying socket.
func (e *Emitter) Close() error {
	if e == nil || e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

// Add sends data as one UDP datagram.
func (e *Emitter) Add(data []byte) error {
	if len(data) > MaxDatagramBytes {
		return fmt.Errorf("emit: blob of %d bytes exceeds max datagram size %d", len(data), MaxDatagramBytes)
	}
	if _, err := e.conn.Write(data); err != nil {
		return fmt.Errorf("emit: write: %w", err)
	}
	return nil
}

// Record is any fixed-layout science record QueuedEmitter can batch:
// Encode returns its wire bytes and Anchor reports the field the
// buffering logic checks for a valid second-boundary start.
type Record interface {
	Encode() []byte
	Anchor() uint32
}

// QueuedEmitter buffers NumBeforeSave records before flushing them as
// one datagram, skipping records ahead of the first one with a nonzero
// time anchor so that files downstream always start on a clean second
// boundary (spec.md §4.3). Add reports false when a record was
// dropped pre-anchor, matching the original's bool return.
type QueuedEmitter struct {
	emitter       *Emitter
	numBeforeSave int
	buffered      []Record
}

// NewQueuedEmitter wraps an Emitter with the batch-of-N time-slice
// discipline.
func NewQueuedEmitter(e *Emitter, numBeforeSave int) *QueuedEmitter {
	return &QueuedEmitter{emitter: e, numBeforeSave: numBeforeSave}
}

// Add appends r to the pending batch, flushing once numBeforeSave
// records have accumulated.
func (q *QueuedEmitter) Add(r Record) (bool, error) {
	if len(q.buffered) == 0 && r.Anchor() < 1 {
		return false, nil
	}
	q.buffered = append(q.buffered, r)
	if len(q.buffered) >= q.numBeforeSave {
		if err := q.flush(); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (q *QueuedEmitter) flush() error {
	batch := q.buffered[:q.numBeforeSave]
	var out []byte
	for _, r := range batch {
		out = append(out, r.Encode()...)
	}
	// retain any overflow records at the head of the next batch
	q.buffered = append([]Record{}, q.buffered[q.numBeforeSave:]...)
	return q.emitter.Add(out)
}

// Close releases the underlying socket.
func (q *QueuedEmitter) Close() error { return q.emitter.Close() }
