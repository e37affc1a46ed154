package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/kvmbox/kvmbox/pci"
	"github.com/sirupsen/logrus"
)

const (
	SectorSize = 512

	blkTIn    = 0
	blkTOut   = 1
	blkTFlush = 4
	blkTGetID = 8

	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2

	blkFSegMax  = 1 << 2
	blkFRO      = 1 << 5
	blkFBlkSize = 1 << 6
	blkFFlush   = 1 << 9

	blkIDLen  = 20
	blkReqLen = 16
	blkCfgLen = 24
)

var (
	errHeaderInvalid = errors.New("invalid block request header")
	errStateMismatch = errors.New("saved state does not match the device")
)

// BlkReq is the header of every block request.
type BlkReq struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

// Blk is a virtio-blk PCI function backed by a host file or block device.
// It is both a pci.Device and the MMIO handler of its BAR.
type Blk struct {
	*transport

	ID       string
	path     string
	file     *os.File
	readOnly bool
	capacity uint64

	Mem GuestMemory

	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewBlk opens path and builds the function. irq is the legacy line the
// function asserts through inj.
func NewBlk(id, path string, readOnly bool, irq uint32, inj IRQInjector, mem GuestMemory) (*Blk, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, err
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()

		return nil, err
	}

	v := &Blk{
		ID:       id,
		path:     path,
		file:     f,
		readOnly: readOnly,
		capacity: uint64(size) / SectorSize,
		Mem:      mem,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	features := uint64(blkFSegMax | blkFBlkSize | blkFFlush)
	if readOnly {
		features |= blkFRO
	}

	v.transport, err = newTransport(pci.DeviceHeader{
		VendorID:          VendorID,
		DeviceID:          DeviceIDBlk,
		RevisionID:        1,
		ClassCode:         [3]uint8{0x00, 0x80, 0x01},
		SubsystemVendorID: VendorID,
		SubsystemID:       0x40,
	}, features, 1, irq, inj, v)
	if err != nil {
		f.Close()

		return nil, err
	}

	return v, nil
}

func (v *Blk) Logger() *logrus.Entry {
	return virtioLog.WithFields(logrus.Fields{"device": v.ID, "path": v.path})
}

// Config returns the PCI configuration space of the function.
func (v *Blk) Config() *pci.ConfigSpace {
	return v.cfg
}

// Capacity returns the disk size in sectors.
func (v *Blk) Capacity() uint64 {
	return v.capacity
}

func (v *Blk) ReadOnly() bool {
	return v.readOnly
}

func (v *Blk) IRQ() uint32 {
	return v.irq
}

// Read services a guest read of the BAR at offset.
func (v *Blk) Read(offset uint64, data []byte) error {
	return v.readBAR(offset, data)
}

// Write services a guest write of the BAR at offset.
func (v *Blk) Write(offset uint64, data []byte) error {
	return v.writeBAR(offset, data)
}

func (v *Blk) readConfig(offset uint64, data []byte) {
	var buf [blkCfgLen]byte

	binary.LittleEndian.PutUint64(buf[0:], v.capacity)
	binary.LittleEndian.PutUint32(buf[12:], MaxQueueSize-2)
	binary.LittleEndian.PutUint32(buf[20:], SectorSize)

	if offset < blkCfgLen {
		copy(data, buf[offset:])
	}
}

func (v *Blk) writeConfig(offset uint64, data []byte) {}

func (v *Blk) notify(queue int) {
	select {
	case <-v.done:
	case v.kick <- struct{}{}:
	default:
	}
}

func (v *Blk) reset() {}

// IOThreadEntry serves kicks until Close is called.
func (v *Blk) IOThreadEntry() {
	for {
		select {
		case <-v.done:
			return
		case <-v.kick:
			if err := v.IO(); err != nil && !errors.Is(err, ErrNoTxPacket) {
				v.Logger().WithError(err).Warn("serve queue")
			}
		}
	}
}

// IO serves every available request on the request queue.
func (v *Blk) IO() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	q := v.queues[0]
	served := 0

	for {
		head, ok, err := q.Pop(v.Mem)
		if err != nil {
			return err
		}

		if !ok {
			break
		}

		n, err := v.serve(q, head)
		if err != nil {
			v.status |= statusNeedsReset

			return err
		}

		if err := q.Push(v.Mem, head, n); err != nil {
			return err
		}

		served++
	}

	if served == 0 {
		return ErrNoTxPacket
	}

	v.raiseLocked(1)

	return nil
}

// serve handles one chain: a device-readable header, data buffers and a
// device-writable status byte. It returns the bytes written to the guest.
//
// refs https://wiki.osdev.org/Virtio#Block_Device_Packets
func (v *Blk) serve(q *VirtQueue, head uint16) (uint32, error) {
	chain, err := q.Chain(v.Mem, head)
	if err != nil {
		return 0, err
	}

	if len(chain) < 2 {
		return 0, fmt.Errorf("%w: %d descriptors", errBadChain, len(chain))
	}

	hdr, status := chain[0], chain[len(chain)-1]
	if hdr.writable() || hdr.Len < blkReqLen || !status.writable() || status.Len < 1 {
		return 0, fmt.Errorf("%w: header %+v status %+v", errHeaderInvalid, hdr, status)
	}

	var raw [blkReqLen]byte
	if err := readGuest(v.Mem, hdr.Addr, raw[:]); err != nil {
		return 0, err
	}

	req := BlkReq{
		Type:     binary.LittleEndian.Uint32(raw[0:]),
		Reserved: binary.LittleEndian.Uint32(raw[4:]),
		Sector:   binary.LittleEndian.Uint64(raw[8:]),
	}

	st, written := v.execute(req, chain[1:len(chain)-1])

	if err := writeGuest(v.Mem, status.Addr, []byte{st}); err != nil {
		return 0, err
	}

	v.Logger().WithFields(logrus.Fields{
		"type":   req.Type,
		"sector": req.Sector,
		"status": st,
	}).Trace("block request")

	return written + 1, nil
}

func (v *Blk) inBounds(sector uint64, data []Descriptor) bool {
	var total uint64
	for _, d := range data {
		total += uint64(d.Len)
	}

	end := sector*SectorSize + total

	return sector <= v.capacity && end <= v.capacity*SectorSize
}

func (v *Blk) execute(req BlkReq, data []Descriptor) (uint8, uint32) {
	var written uint32

	off := int64(req.Sector * SectorSize)

	switch req.Type {
	case blkTIn:
		if !v.inBounds(req.Sector, data) {
			return blkSIOErr, 0
		}

		for _, d := range data {
			if !d.writable() {
				return blkSIOErr, written
			}

			buf := make([]byte, d.Len)
			if _, err := v.file.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
				return blkSIOErr, written
			}

			if err := writeGuest(v.Mem, d.Addr, buf); err != nil {
				return blkSIOErr, written
			}

			off += int64(d.Len)
			written += d.Len
		}

		return blkSOK, written
	case blkTOut:
		if v.readOnly || !v.inBounds(req.Sector, data) {
			return blkSIOErr, 0
		}

		for _, d := range data {
			if d.writable() {
				return blkSIOErr, 0
			}

			buf := make([]byte, d.Len)
			if err := readGuest(v.Mem, d.Addr, buf); err != nil {
				return blkSIOErr, 0
			}

			if _, err := v.file.WriteAt(buf, off); err != nil {
				return blkSIOErr, 0
			}

			off += int64(d.Len)
		}

		return blkSOK, 0
	case blkTFlush:
		if v.readOnly {
			return blkSOK, 0
		}

		if err := v.file.Sync(); err != nil {
			return blkSIOErr, 0
		}

		return blkSOK, 0
	case blkTGetID:
		if len(data) == 0 || !data[0].writable() {
			return blkSIOErr, 0
		}

		id := make([]byte, blkIDLen)
		copy(id, v.ID)

		if data[0].Len < blkIDLen {
			id = id[:data[0].Len]
		}

		if err := writeGuest(v.Mem, data[0].Addr, id); err != nil {
			return blkSIOErr, 0
		}

		return blkSOK, uint32(len(id))
	}

	return blkSUnsupp, 0
}

// Close stops the I/O thread and closes the backing file.
func (v *Blk) Close() error {
	v.closeOnce.Do(func() { close(v.done) })

	return v.file.Close()
}

// BlkState is the saved state of a Blk.
type BlkState struct {
	ID        string
	Path      string
	ReadOnly  bool
	Capacity  uint64
	Transport TransportState
}

func (v *Blk) State() BlkState {
	return BlkState{
		ID:        v.ID,
		Path:      v.path,
		ReadOnly:  v.readOnly,
		Capacity:  v.capacity,
		Transport: v.state(),
	}
}

// SetState loads a state taken from a Blk over the same image.
func (v *Blk) SetState(s BlkState) error {
	if s.Capacity != v.capacity || s.ReadOnly != v.readOnly {
		return fmt.Errorf("%w: saved %d sectors ro=%v, have %d sectors ro=%v",
			errStateMismatch, s.Capacity, s.ReadOnly, v.capacity, v.readOnly)
	}

	return v.setState(s.Transport)
}
