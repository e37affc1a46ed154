// Package virtio implements a modern virtio-pci block device.
//
// refs
// https://docs.oasis-open.org/virtio/virtio/v1.2/virtio-v1.2.html
package virtio

import (
	"errors"
	"io"

	"github.com/sirupsen/logrus"
)

var (
	ErrNoTxPacket = errors.New("no packet for tx")

	errQueueNotReady = errors.New("queue not ready")
	errShortAccess   = errors.New("short guest memory access")
	errBadChain      = errors.New("malformed descriptor chain")
	errInvalidQueue  = errors.New("invalid queue")
)

var virtioLog = logrus.WithField("subsystem", "virtio")

const (
	VendorID = 0x1af4

	// Modern devices use 0x1040 + virtio device id.
	DeviceIDBlk = 0x1040 + 2

	MaxQueueSize = 256

	featureVersion1 = uint64(1) << 32

	statusAcknowledge = 1
	statusDriver      = 2
	statusDriverOK    = 4
	statusFeaturesOK  = 8
	statusNeedsReset  = 0x40
	statusFailed      = 0x80

	descFNext  = 1
	descFWrite = 2
)

// GuestMemory provides access to guest physical memory.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// IRQInjector drives the legacy interrupt line of a device.
type IRQInjector interface {
	SetIRQLine(irq, level uint32) error
}
