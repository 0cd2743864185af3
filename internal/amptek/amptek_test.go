package amptek

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripStatusResponse(t *testing.T) {
	p := Packet{PID: StatusResponse, Payload: make([]byte, StatusSize)}
	wire := p.Encode()

	decoded, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, StatusResponse, decoded.PID)
	assert.Len(t, decoded.Payload, StatusSize)
}

func TestEncodeProducesVerifiableChecksum(t *testing.T) {
	p := Packet{PID: PID{0x20, 0x04}, Payload: []byte("MCAC=1;")}
	wire := p.Encode()
	decoded, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, p.PID, decoded.PID)
	assert.Equal(t, p.Payload, decoded.Payload)
}

func TestDecodeRejectsBadSync(t *testing.T) {
	p := Packet{PID: Status}
	wire := p.Encode()
	wire[0] = 0x00
	_, err := Decode(wire)
	require.Error(t, err)
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	p := Packet{PID: Status}
	wire := p.Encode()
	wire[len(wire)-1] ^= 0xff
	_, err := Decode(wire)
	require.Error(t, err)
}

func TestDecodeSurfacesAckError(t *testing.T) {
	p := Packet{PID: PID{ackPID1, 0x03}}
	wire := p.Encode()
	_, err := Decode(wire)
	require.Error(t, err)
	var ackErr *AckError
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, byte(0x03), ackErr.PID2)
	assert.Equal(t, "LEN error", ackErr.Message)
}

func TestDecodeSpectrumSplitsStatusAndBins(t *testing.T) {
	payload := make([]byte, StatusSize+2*BytesPerBin)
	payload[StatusSize] = 0x01   // bin 0 low byte
	payload[StatusSize+3] = 0x02 // bin 1 low byte
	payload[StatusSize+4] = 0x01 // bin 1 mid byte -> 0x100 + 0x02 = 258

	status, bins, err := DecodeSpectrum(payload)
	require.NoError(t, err)
	assert.Len(t, status, StatusSize)
	require.Len(t, bins, 2)
	assert.Equal(t, uint32(1), bins[0])
	assert.Equal(t, uint32(0x102), bins[1])
}

func TestDecodeSpectrumRejectsShortPayload(t *testing.T) {
	_, _, err := DecodeSpectrum(make([]byte, StatusSize-1))
	require.Error(t, err)
}

func TestSequentialBufferRequestEncodesBigEndianBufferNumber(t *testing.T) {
	p := SequentialBufferRequest(RequestSeqBuffer, 0x0102)
	assert.Equal(t, []byte{0x01, 0x02}, p.Payload)
}
