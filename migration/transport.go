package migration

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MsgType tags a frame of a snapshot stream.
type MsgType uint32

const (
	MsgSnapshot MsgType = 1 // gob-encoded HypervisorState
	MsgMemory   MsgType = 2 // one chunk of a RAM region
	MsgDone     MsgType = 4 // end of stream
)

// frameHeader precedes every payload, big-endian on the wire.
type frameHeader struct {
	Type   MsgType
	Length uint64
}

// maxPayload bounds a single frame.
const maxPayload = 1 << 30

// MemoryChunkSize is how much guest memory one MsgMemory frame carries.
const MemoryChunkSize = 4 << 20

var (
	errPayloadTooLarge = errors.New("payload too large")
	errMemoryShort     = errors.New("memory payload too short")
	errUnexpectedMsg   = errors.New("unexpected message")
)

// Sender frames snapshot data onto a file or socket.
type Sender struct {
	w io.Writer
}

func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

func (s *Sender) send(t MsgType, parts ...[]byte) error {
	h := frameHeader{Type: t}
	for _, p := range parts {
		h.Length += uint64(len(p))
	}

	if err := binary.Write(s.w, binary.BigEndian, h); err != nil {
		return fmt.Errorf("write %d frame header: %w", t, err)
	}

	for _, p := range parts {
		if len(p) == 0 {
			continue
		}

		if _, err := s.w.Write(p); err != nil {
			return fmt.Errorf("write %d frame body: %w", t, err)
		}
	}

	return nil
}

// SendSnapshot encodes st and sends it as a MsgSnapshot.
func (s *Sender) SendSnapshot(st *HypervisorState) error {
	payload, err := Marshal(st)
	if err != nil {
		return err
	}

	return s.send(MsgSnapshot, payload)
}

// SendMemory sends data found at offset of the RAM region regionID.
//
// Payload layout: [2-byte id length][id][8-byte offset][data].
func (s *Sender) SendMemory(regionID string, offset uint64, data []byte) error {
	hdr := make([]byte, 2+len(regionID)+8)
	binary.BigEndian.PutUint16(hdr[0:2], uint16(len(regionID)))
	copy(hdr[2:], regionID)
	binary.BigEndian.PutUint64(hdr[2+len(regionID):], offset)

	return s.send(MsgMemory, hdr, data)
}

// SendRegion streams a whole RAM region in MemoryChunkSize frames.
func (s *Sender) SendRegion(regionID string, host []byte) error {
	for off := 0; off < len(host); off += MemoryChunkSize {
		end := off + MemoryChunkSize
		if end > len(host) {
			end = len(host)
		}

		if err := s.SendMemory(regionID, uint64(off), host[off:end]); err != nil {
			return err
		}
	}

	return nil
}

// SendDone signals the end of the stream.
func (s *Sender) SendDone() error { return s.send(MsgDone) }

// Receiver reads the frames written by a Sender.
type Receiver struct {
	r io.Reader
}

func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next returns the type and body of the following frame.
func (r *Receiver) Next() (MsgType, []byte, error) {
	var h frameHeader
	if err := binary.Read(r.r, binary.BigEndian, &h); err != nil {
		return 0, nil, fmt.Errorf("read frame header: %w", err)
	}

	switch {
	case h.Length == 0:
		return h.Type, nil, nil
	case h.Length > maxPayload:
		return 0, nil, fmt.Errorf("%w: frame %d carries %d bytes", errPayloadTooLarge, h.Type, h.Length)
	}

	body := make([]byte, h.Length)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return 0, nil, fmt.Errorf("read %d byte body of frame %d: %w", h.Length, h.Type, err)
	}

	return h.Type, body, nil
}

// ReceiveSnapshot reads a frame that must be a MsgSnapshot.
func (r *Receiver) ReceiveSnapshot() (*HypervisorState, error) {
	t, payload, err := r.Next()
	if err != nil {
		return nil, err
	}

	if t != MsgSnapshot {
		return nil, fmt.Errorf("%w: got %d, want snapshot", errUnexpectedMsg, t)
	}

	return Unmarshal(payload)
}

// DecodeMemory splits a MsgMemory payload.
func DecodeMemory(payload []byte) (string, uint64, []byte, error) {
	if len(payload) < 2 {
		return "", 0, nil, fmt.Errorf("%w: %d bytes", errMemoryShort, len(payload))
	}

	n := int(binary.BigEndian.Uint16(payload[0:2]))
	if len(payload) < 2+n+8 {
		return "", 0, nil, fmt.Errorf("%w: %d bytes", errMemoryShort, len(payload))
	}

	id := string(payload[2 : 2+n])
	offset := binary.BigEndian.Uint64(payload[2+n:])

	return id, offset, payload[2+n+8:], nil
}
