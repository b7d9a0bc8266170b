package protocol

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFrameRoundTrip verifies a message written to one end of a connection
// arrives intact at the other.
func TestFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	env, err := NewEnvelope(MessageTypePing, PeerID("peer-1"), PingPayload{Seq: 7})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- WriteFrame(client, env)
	}()

	got, err := ReadFrame(server)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.Equal(t, ProtocolVersion, got.Version)
	assert.Equal(t, MessageTypePing, got.Type)
	assert.Equal(t, PeerID("peer-1"), got.From)

	var ping PingPayload
	require.NoError(t, got.Decode(&ping))
	assert.Equal(t, uint64(7), ping.Seq)
}

// TestReadFrame_RejectsOversized verifies the frame size cap.
func TestReadFrame_RejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, MaxFrameSize+1)
	buf.Write(header)

	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

// TestReadFrame_TruncatedBody verifies a short read surfaces as an error
// rather than a partial message.
func TestReadFrame_TruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, 100)
	buf.Write(header)
	buf.Write([]byte("short"))

	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

// TestEnvelopeMarshalUnmarshal verifies the JSON envelope shape survives a
// round trip with its raw payload untouched.
func TestEnvelopeMarshalUnmarshal(t *testing.T) {
	env, err := NewEnvelope(MessageTypeTransferRequest, PeerID("peer-2"), TransferRequestPayload{
		TransferID:      "t-1",
		SenderWallet:    "wallet-a",
		RecipientWallet: "wallet-b",
		Asset:           "GEM",
		Amount:          250,
	})
	require.NoError(t, err)

	raw, err := env.Marshal()
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, got.Unmarshal(raw))
	assert.Equal(t, env.Type, got.Type)
	assert.Equal(t, env.From, got.From)

	var payload TransferRequestPayload
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, uint64(250), payload.Amount)
	assert.Equal(t, "t-1", payload.TransferID)
}
