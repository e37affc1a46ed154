// Package device implements the device attach protocol and the manager that
// deduplicates and reference counts devices shared by several consumers.
package device

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

var (
	// ErrAttachCountUnderflow is returned when detaching a device that was
	// never attached.
	ErrAttachCountUnderflow = errors.New("detaching a device that wasn't attached")

	// ErrUnsupportedDevice is returned for device kinds the VMM cannot plug.
	ErrUnsupportedDevice = errors.New("unsupported device")

	// ErrDeviceNotFound is returned for unknown device ids.
	ErrDeviceNotFound = errors.New("device not found")

	errAttachCountOverflow = errors.New("device was attached too many times")
	errBootDeviceAttached  = errors.New("boot device is already attached")
	errDuplicateID         = errors.New("device id is used by another device")
	errEmptyPath           = errors.New("empty path provided for device")
	errIndexNotSupported   = errors.New("index not supported")
	errNoDevName           = errors.New("uevent has no DEVNAME")
	errNotBlockDevice      = errors.New("neither a block device nor a disk image")
	errUnknownDriver       = errors.New("unknown block device driver")
)

var deviceLog = logrus.WithField("subsystem", "device")

// Linux device types as they appear in an OCI spec.
const (
	TypeBlock = "b"
	TypeChar  = "c"
	TypeUChar = "u"
	TypeFIFO  = "p"
)

// Block device drivers.
const (
	VirtioBlockPCI  = "virtio-blk-pci"
	VirtioBlockMMIO = "virtio-blk-mmio"

	// Device types understood by the guest agent.
	AgentBlkDevType     = "blk"
	AgentMMIOBlkDevType = "mmioblk"
)

// Config is the hypervisor-facing description of a device.
type Config interface {
	DeviceID() string
}

// Hypervisor is the part of the VMM a device needs to plug itself in. A
// successful AddDevice may fill guest-visible fields of cfg such as the PCI
// address.
type Hypervisor interface {
	AddDevice(ctx context.Context, cfg Config) error
	RemoveDevice(ctx context.Context, cfg Config) error
}

// Argument carries what the manager decided for a cold attach.
type Argument struct {
	Index     *uint64
	DriveName string
}

// Device is a host device that can be plugged into a guest.
type Device interface {
	// Attach plugs the device into h. Only the first attach reaches the
	// hypervisor; later ones only count.
	Attach(ctx context.Context, h Hypervisor, arg Argument) error

	// Detach undoes one Attach. When the last reference goes away the device
	// is unplugged and the block index it held is returned.
	Detach(ctx context.Context, h Hypervisor) (*uint64, error)

	DeviceID() string
	HostPath() string
	BDF() string
	MajorMinor() (int64, int64)
	AttachCount() uint64
	IncreaseAttachCount() (bool, error)
	DecreaseAttachCount() (bool, error)
	Config() Config
}
