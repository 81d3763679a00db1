package serverproto

import "encoding/binary"

// MountRequest asks lumen to mount a filesystem at path.
type MountRequest struct {
	Path string
}

func (m *MountRequest) Marshal() []byte {
	return marshalString(m.Path)
}

func (m *MountRequest) Unmarshal(data []byte) error {
	s, err := unmarshalString(data)
	if err != nil {
		return err
	}
	m.Path = s
	return nil
}

// StatRequest asks for metadata about path.
type StatRequest struct {
	Path string
}

func (s *StatRequest) Marshal() []byte { return marshalString(s.Path) }
func (s *StatRequest) Unmarshal(data []byte) error {
	v, err := unmarshalString(data)
	if err != nil {
		return err
	}
	s.Path = v
	return nil
}

// StatReply carries back file metadata.
type StatReply struct {
	Size  uint64
	Mode  uint32
	UID   uint32
	GID   uint32
	MTime uint64
}

const statReplySize = 8 + 4 + 4 + 4 + 8

func (s *StatReply) Marshal() []byte {
	buf := make([]byte, statReplySize)
	binary.LittleEndian.PutUint64(buf[0:8], s.Size)
	binary.LittleEndian.PutUint32(buf[8:12], s.Mode)
	binary.LittleEndian.PutUint32(buf[12:16], s.UID)
	binary.LittleEndian.PutUint32(buf[16:20], s.GID)
	binary.LittleEndian.PutUint64(buf[20:28], s.MTime)
	return buf
}

func (s *StatReply) Unmarshal(data []byte) error {
	if len(data) < statReplySize {
		return ErrInsufficientData
	}
	s.Size = binary.LittleEndian.Uint64(data[0:8])
	s.Mode = binary.LittleEndian.Uint32(data[8:12])
	s.UID = binary.LittleEndian.Uint32(data[12:16])
	s.GID = binary.LittleEndian.Uint32(data[16:20])
	s.MTime = binary.LittleEndian.Uint64(data[20:28])
	return nil
}

// OpenRequest asks lumen to open path with the given flags/mode.
type OpenRequest struct {
	Flags uint32
	Mode  uint32
	Path  string
}

func (o *OpenRequest) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], o.Flags)
	binary.LittleEndian.PutUint32(buf[4:8], o.Mode)
	return append(buf, marshalString(o.Path)...)
}

func (o *OpenRequest) Unmarshal(data []byte) error {
	if len(data) < 8 {
		return ErrInsufficientData
	}
	o.Flags = binary.LittleEndian.Uint32(data[0:4])
	o.Mode = binary.LittleEndian.Uint32(data[4:8])
	path, err := unmarshalString(data[8:])
	if err != nil {
		return err
	}
	o.Path = path
	return nil
}

// OpenReply carries back the server-side file handle.
type OpenReply struct {
	Handle uint64
}

func (o *OpenReply) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf[0:8], o.Handle)
	return buf
}

func (o *OpenReply) Unmarshal(data []byte) error {
	if len(data) < 8 {
		return ErrInsufficientData
	}
	o.Handle = binary.LittleEndian.Uint64(data[0:8])
	return nil
}

// ReadRequest asks lumen to read Len bytes from Handle at Offset.
type ReadRequest struct {
	Handle uint64
	Offset uint64
	Len    uint32
}

const readRequestSize = 8 + 8 + 4

func (r *ReadRequest) Marshal() []byte {
	buf := make([]byte, readRequestSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.Handle)
	binary.LittleEndian.PutUint64(buf[8:16], r.Offset)
	binary.LittleEndian.PutUint32(buf[16:20], r.Len)
	return buf
}

func (r *ReadRequest) Unmarshal(data []byte) error {
	if len(data) < readRequestSize {
		return ErrInsufficientData
	}
	r.Handle = binary.LittleEndian.Uint64(data[0:8])
	r.Offset = binary.LittleEndian.Uint64(data[8:16])
	r.Len = binary.LittleEndian.Uint32(data[16:20])
	return nil
}

// ReadReply carries back the bytes read.
type ReadReply struct {
	Data []byte
}

func (r *ReadReply) Marshal() []byte { return append([]byte(nil), r.Data...) }
func (r *ReadReply) Unmarshal(data []byte) error {
	r.Data = append([]byte(nil), data...)
	return nil
}

// WriteRequest asks lumen to write Data to Handle at Offset.
type WriteRequest struct {
	Handle uint64
	Offset uint64
	Data   []byte
}

func (w *WriteRequest) Marshal() []byte {
	buf := make([]byte, 16, 16+len(w.Data))
	binary.LittleEndian.PutUint64(buf[0:8], w.Handle)
	binary.LittleEndian.PutUint64(buf[8:16], w.Offset)
	return append(buf, w.Data...)
}

func (w *WriteRequest) Unmarshal(data []byte) error {
	if len(data) < 16 {
		return ErrInsufficientData
	}
	w.Handle = binary.LittleEndian.Uint64(data[0:8])
	w.Offset = binary.LittleEndian.Uint64(data[8:16])
	w.Data = append([]byte(nil), data[16:]...)
	return nil
}

// ChownRequest asks lumen to change ownership of Handle.
type ChownRequest struct {
	Handle uint64
	UID    uint32
	GID    uint32
}

const chownRequestSize = 8 + 4 + 4

func (c *ChownRequest) Marshal() []byte {
	buf := make([]byte, chownRequestSize)
	binary.LittleEndian.PutUint64(buf[0:8], c.Handle)
	binary.LittleEndian.PutUint32(buf[8:12], c.UID)
	binary.LittleEndian.PutUint32(buf[12:16], c.GID)
	return buf
}

func (c *ChownRequest) Unmarshal(data []byte) error {
	if len(data) < chownRequestSize {
		return ErrInsufficientData
	}
	c.Handle = binary.LittleEndian.Uint64(data[0:8])
	c.UID = binary.LittleEndian.Uint32(data[8:12])
	c.GID = binary.LittleEndian.Uint32(data[12:16])
	return nil
}

// ChmodRequest asks lumen to change the mode bits of Handle.
type ChmodRequest struct {
	Handle uint64
	Mode   uint32
}

const chmodRequestSize = 8 + 4

func (c *ChmodRequest) Marshal() []byte {
	buf := make([]byte, chmodRequestSize)
	binary.LittleEndian.PutUint64(buf[0:8], c.Handle)
	binary.LittleEndian.PutUint32(buf[8:12], c.Mode)
	return buf
}

func (c *ChmodRequest) Unmarshal(data []byte) error {
	if len(data) < chmodRequestSize {
		return ErrInsufficientData
	}
	c.Handle = binary.LittleEndian.Uint64(data[0:8])
	c.Mode = binary.LittleEndian.Uint32(data[8:12])
	return nil
}

// StatusReply is the generic ack/error reply for commands with no richer
// payload (CHOWN, CHMOD, WRITE).
type StatusReply struct {
	Status int32
	N      uint32 // bytes written, for WRITE
}

func (s *StatusReply) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(s.Status))
	binary.LittleEndian.PutUint32(buf[4:8], s.N)
	return buf
}

func (s *StatusReply) Unmarshal(data []byte) error {
	if len(data) < 8 {
		return ErrInsufficientData
	}
	s.Status = int32(binary.LittleEndian.Uint32(data[0:4]))
	s.N = binary.LittleEndian.Uint32(data[4:8])
	return nil
}

func marshalString(s string) []byte {
	buf := make([]byte, 2, 2+len(s))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(s)))
	return append(buf, s...)
}

func unmarshalString(data []byte) (string, error) {
	if len(data) < 2 {
		return "", ErrInsufficientData
	}
	n := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) < 2+n {
		return "", ErrInsufficientData
	}
	return string(data[2 : 2+n]), nil
}
