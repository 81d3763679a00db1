package serverproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := MessageHeader{Command: CommandOpen, Length: 40, ID: 0xdeadbeef, Response: 1, Requester: 99}
	var got MessageHeader
	require.NoError(t, got.Unmarshal(h.Marshal()))
	require.Equal(t, h, got)
}

func TestHeaderUnmarshalShortBuffer(t *testing.T) {
	var h MessageHeader
	err := h.Unmarshal(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestReplyEchoesID(t *testing.T) {
	r := Reply(42, 7)
	require.Equal(t, uint64(42), r.ID)
	require.EqualValues(t, 1, r.Response)
	require.Equal(t, uint64(7), r.Requester)
}

func TestOpenRequestRoundTrip(t *testing.T) {
	req := OpenRequest{Flags: 1, Mode: 0o644, Path: "/tmp/example"}
	var got OpenRequest
	require.NoError(t, got.Unmarshal(req.Marshal()))
	require.Equal(t, req, got)
}

func TestWriteRequestRoundTrip(t *testing.T) {
	req := WriteRequest{Handle: 5, Offset: 100, Data: []byte("payload")}
	var got WriteRequest
	require.NoError(t, got.Unmarshal(req.Marshal()))
	require.Equal(t, req.Handle, got.Handle)
	require.Equal(t, req.Offset, got.Offset)
	require.Equal(t, string(req.Data), string(got.Data))
}

func TestStatReplyRoundTrip(t *testing.T) {
	want := StatReply{Size: 4096, Mode: 0o755, UID: 1, GID: 2, MTime: 123456}
	var got StatReply
	require.NoError(t, got.Unmarshal(want.Marshal()))
	require.Equal(t, want, got)
}
