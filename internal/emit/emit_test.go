package emit

import (
	"encoding/binary"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecord struct {
	anchor uint32
	value  uint32
}

func (r fakeRecord) Anchor() uint32 { return r.anchor }

func (r fakeRecord) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, r.value)
	return buf
}

func listenLoopback(t *testing.T) (*net.UDPConn, *net.UDPAddr) {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr)
}

func TestEmitterRejectsOversizedBlob(t *testing.T) {
	_, addr := listenLoopback(t)
	e, err := Dial(addr)
	require.NoError(t, err)
	defer e.Close()

	err = e.Add(make([]byte, MaxDatagramBytes+1))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "exceeds max datagram size"))
}

func TestEmitterSendsOneDatagramPerAdd(t *testing.T) {
	listener, addr := listenLoopback(t)
	e, err := Dial(addr)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Add([]byte("hello")))

	buf := make([]byte, 64)
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestQueuedEmitterSkipsRecordsBeforeAnchorWhenBufferEmpty(t *testing.T) {
	_, addr := listenLoopback(t)
	e, err := Dial(addr)
	require.NoError(t, err)
	defer e.Close()

	q := NewQueuedEmitter(e, 4)
	added, err := q.Add(fakeRecord{anchor: 0, value: 1})
	require.NoError(t, err)
	assert.False(t, added)
	assert.Empty(t, q.buffered)
}

func TestQueuedEmitterFlushesAtNumBeforeSave(t *testing.T) {
	listener, addr := listenLoopback(t)
	e, err := Dial(addr)
	require.NoError(t, err)
	defer e.Close()

	q := NewQueuedEmitter(e, 2)

	added, err := q.Add(fakeRecord{anchor: 1, value: 10})
	require.NoError(t, err)
	assert.True(t, added)
	assert.Len(t, q.buffered, 1)

	added, err = q.Add(fakeRecord{anchor: 2, value: 20})
	require.NoError(t, err)
	assert.True(t, added)
	assert.Empty(t, q.buffered)

	buf := make([]byte, 64)
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	assert.Equal(t, uint32(10), binary.BigEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint32(20), binary.BigEndian.Uint32(buf[4:8]))
}

func TestQueuedEmitterRetainsOverflowAtHeadOfNextBatch(t *testing.T) {
	listener, addr := listenLoopback(t)
	e, err := Dial(addr)
	require.NoError(t, err)
	defer e.Close()

	q := NewQueuedEmitter(e, 2)
	for i, v := range []uint32{1, 2, 3} {
		anchor := uint32(1)
		_, err := q.Add(fakeRecord{anchor: anchor, value: v})
		require.NoError(t, err, strconv.Itoa(i))
	}

	// first flush happened at the second add; the third record is
	// retained as the sole overflow entry for the next batch
	require.Len(t, q.buffered, 1)
	assert.Equal(t, uint32(3), q.buffered[0].(fakeRecord).value)

	buf := make([]byte, 64)
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(buf[4:8]))
}
