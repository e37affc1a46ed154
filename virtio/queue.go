package virtio

import (
	"encoding/binary"
	"fmt"
)

// Descriptor is one entry of a descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (d Descriptor) writable() bool {
	return d.Flags&descFWrite != 0
}

// VirtQueue is a split virtqueue living in guest memory.
type VirtQueue struct {
	Size          uint16
	MaxSize       uint16
	Ready         bool
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64

	lastAvailIdx uint16
	usedIdx      uint16
}

func NewVirtQueue(maxSize uint16) *VirtQueue {
	return &VirtQueue{Size: maxSize, MaxSize: maxSize}
}

// Reset returns the queue to its power-on state.
func (q *VirtQueue) Reset() {
	*q = VirtQueue{Size: q.MaxSize, MaxSize: q.MaxSize}
}

// SetSize sets the number of descriptors the driver uses.
func (q *VirtQueue) SetSize(size uint16) error {
	if size == 0 || size > q.MaxSize || size&(size-1) != 0 {
		return fmt.Errorf("%w: size %d (max %d)", errInvalidQueue, size, q.MaxSize)
	}

	q.Size = size

	return nil
}

func readGuest(mem GuestMemory, addr uint64, buf []byte) error {
	n, err := mem.ReadAt(buf, int64(addr))
	if err != nil {
		return err
	}

	if n != len(buf) {
		return fmt.Errorf("%w: read %d of %d bytes at %#x", errShortAccess, n, len(buf), addr)
	}

	return nil
}

func writeGuest(mem GuestMemory, addr uint64, buf []byte) error {
	n, err := mem.WriteAt(buf, int64(addr))
	if err != nil {
		return err
	}

	if n != len(buf) {
		return fmt.Errorf("%w: wrote %d of %d bytes at %#x", errShortAccess, n, len(buf), addr)
	}

	return nil
}

// Pop returns the head of the next available chain.
func (q *VirtQueue) Pop(mem GuestMemory) (uint16, bool, error) {
	if !q.Ready {
		return 0, false, errQueueNotReady
	}

	var idx [2]byte
	if err := readGuest(mem, q.AvailRingAddr+2, idx[:]); err != nil {
		return 0, false, err
	}

	if q.lastAvailIdx == binary.LittleEndian.Uint16(idx[:]) {
		return 0, false, nil
	}

	var head [2]byte

	off := q.AvailRingAddr + 4 + uint64(q.lastAvailIdx%q.Size)*2
	if err := readGuest(mem, off, head[:]); err != nil {
		return 0, false, err
	}

	q.lastAvailIdx++

	return binary.LittleEndian.Uint16(head[:]), true, nil
}

func (q *VirtQueue) descriptor(mem GuestMemory, index uint16) (Descriptor, error) {
	if index >= q.Size {
		return Descriptor{}, fmt.Errorf("%w: descriptor %d out of %d", errBadChain, index, q.Size)
	}

	var buf [16]byte
	if err := readGuest(mem, q.DescTableAddr+uint64(index)*16, buf[:]); err != nil {
		return Descriptor{}, err
	}

	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:]),
		Len:   binary.LittleEndian.Uint32(buf[8:]),
		Flags: binary.LittleEndian.Uint16(buf[12:]),
		Next:  binary.LittleEndian.Uint16(buf[14:]),
	}, nil
}

// Chain walks the descriptor chain starting at head.
func (q *VirtQueue) Chain(mem GuestMemory, head uint16) ([]Descriptor, error) {
	var out []Descriptor

	index := head

	for i := uint16(0); i < q.Size; i++ {
		d, err := q.descriptor(mem, index)
		if err != nil {
			return nil, err
		}

		out = append(out, d)

		if d.Flags&descFNext == 0 {
			return out, nil
		}

		index = d.Next
	}

	return nil, fmt.Errorf("%w: chain from %d does not terminate", errBadChain, head)
}

// Push places head on the used ring with the number of bytes written.
func (q *VirtQueue) Push(mem GuestMemory, head uint16, length uint32) error {
	var elem [8]byte

	binary.LittleEndian.PutUint32(elem[0:], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:], length)

	off := q.UsedRingAddr + 4 + uint64(q.usedIdx%q.Size)*8
	if err := writeGuest(mem, off, elem[:]); err != nil {
		return err
	}

	q.usedIdx++

	var idx [2]byte

	binary.LittleEndian.PutUint16(idx[:], q.usedIdx)

	return writeGuest(mem, q.UsedRingAddr+2, idx[:])
}

// QueueState is the saved form of a VirtQueue.
type QueueState struct {
	Size          uint16
	Ready         bool
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	LastAvailIdx  uint16
	UsedIdx       uint16
}

func (q *VirtQueue) State() QueueState {
	return QueueState{
		Size:          q.Size,
		Ready:         q.Ready,
		DescTableAddr: q.DescTableAddr,
		AvailRingAddr: q.AvailRingAddr,
		UsedRingAddr:  q.UsedRingAddr,
		LastAvailIdx:  q.lastAvailIdx,
		UsedIdx:       q.usedIdx,
	}
}

func (q *VirtQueue) SetState(s QueueState) {
	q.Size = s.Size
	q.Ready = s.Ready
	q.DescTableAddr = s.DescTableAddr
	q.AvailRingAddr = s.AvailRingAddr
	q.UsedRingAddr = s.UsedRingAddr
	q.lastAvailIdx = s.LastAvailIdx
	q.usedIdx = s.UsedIdx
}
