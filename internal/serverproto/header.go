// Package serverproto is the wire format for messages exchanged between
// the kernel and the lumen user-space router over the server gateway
// socket (spec.md §4.6, §6 "Server message framing").
package serverproto

import (
	"encoding/binary"
	"errors"
)

// ErrInsufficientData is returned by Unmarshal when the buffer is shorter
// than the fixed header.
var ErrInsufficientData = errors.New("serverproto: insufficient data")

// Command identifies the operation a message carries.
type Command uint16

const (
	CommandMount Command = iota + 1
	CommandStat
	CommandOpen
	CommandRead
	CommandWrite
	CommandChown
	CommandChmod
)

// HeaderSize is the fixed wire size of MessageHeader, in bytes:
// command(2) + length(2) + id(8) + response(1) + requester(8).
const HeaderSize = 21

// MessageHeader is the fixed header every server-gateway message begins
// with (spec.md §6): `{command:u16, length:u16, id:u64, response:u8,
// requester:u64}`. Length is the total message size including header.
// Replies reuse `id` with `response=1`.
type MessageHeader struct {
	Command   Command
	Length    uint16
	ID        uint64
	Response  uint8
	Requester uint64
}

// Marshal writes h in wire format. The caller appends any command-specific
// payload after the returned bytes.
func (h *MessageHeader) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(h.Command))
	binary.LittleEndian.PutUint16(buf[2:4], h.Length)
	binary.LittleEndian.PutUint64(buf[4:12], h.ID)
	buf[12] = h.Response
	binary.LittleEndian.PutUint64(buf[13:21], h.Requester)
	return buf
}

// Unmarshal reads a MessageHeader from the front of data.
func (h *MessageHeader) Unmarshal(data []byte) error {
	if len(data) < HeaderSize {
		return ErrInsufficientData
	}
	h.Command = Command(binary.LittleEndian.Uint16(data[0:2]))
	h.Length = binary.LittleEndian.Uint16(data[2:4])
	h.ID = binary.LittleEndian.Uint64(data[4:12])
	h.Response = data[12]
	h.Requester = binary.LittleEndian.Uint64(data[13:21])
	return nil
}

// Reply builds the header for a server reply to request id: same id,
// response=1.
func Reply(id uint64, requester uint64) MessageHeader {
	return MessageHeader{ID: id, Response: 1, Requester: requester}
}
