package device

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// BlockConfig describes a block device plugged as a virtio disk.
type BlockConfig struct {
	// ID is the unique identifier of the drive.
	ID string

	// PathOnHost is the image or block device backing the drive.
	PathOnHost string

	// ReadOnly opens the drive read-only.
	ReadOnly bool

	// Index is the drive index; it determines the guest name.
	Index uint64

	// DriverOption is the guest agent device type.
	DriverOption string

	// VirtPath is the device path in the guest, e.g. /dev/vdb.
	VirtPath string

	Major int64
	Minor int64

	// PCIAddr is the bus/device/function assigned by the hypervisor.
	PCIAddr string
}

func (c *BlockConfig) DeviceID() string {
	return c.ID
}

// BlockDevice is a virtio block device.
type BlockDevice struct {
	AttachCounter

	config        BlockConfig
	containerPath string
}

func NewBlockDevice(cfg BlockConfig, containerPath string) *BlockDevice {
	return &BlockDevice{config: cfg, containerPath: containerPath}
}

func (d *BlockDevice) Logger() *logrus.Entry {
	return deviceLog.WithFields(logrus.Fields{
		"device": d.config.ID,
		"path":   d.config.PathOnHost,
	})
}

func (d *BlockDevice) Attach(ctx context.Context, h Hypervisor, arg Argument) error {
	skip, err := d.IncreaseAttachCount()
	if err != nil {
		return err
	}

	if skip {
		return nil
	}

	if arg.Index != nil {
		d.config.Index = *arg.Index
		d.config.VirtPath = "/dev/" + arg.DriveName
	}

	if err := h.AddDevice(ctx, &d.config); err != nil {
		if _, derr := d.DecreaseAttachCount(); derr != nil {
			d.Logger().WithError(derr).Warn("undo attach count")
		}

		return fmt.Errorf("attach block device %s: %w", d.config.ID, err)
	}

	d.Logger().WithFields(logrus.Fields{
		"virt-path": d.config.VirtPath,
		"bdf":       d.config.PCIAddr,
	}).Info("block device attached")

	return nil
}

func (d *BlockDevice) Detach(ctx context.Context, h Hypervisor) (*uint64, error) {
	skip, err := d.DecreaseAttachCount()
	if err != nil {
		return nil, err
	}

	if skip {
		return nil, nil
	}

	if err := h.RemoveDevice(ctx, &d.config); err != nil {
		if _, ierr := d.IncreaseAttachCount(); ierr != nil {
			d.Logger().WithError(ierr).Warn("undo detach count")
		}

		return nil, fmt.Errorf("detach block device %s: %w", d.config.ID, err)
	}

	d.Logger().Info("block device detached")

	index := d.config.Index
	d.config.PCIAddr = ""

	return &index, nil
}

func (d *BlockDevice) DeviceID() string {
	return d.config.ID
}

func (d *BlockDevice) HostPath() string {
	return d.config.PathOnHost
}

func (d *BlockDevice) BDF() string {
	return d.config.PCIAddr
}

func (d *BlockDevice) MajorMinor() (int64, int64) {
	return d.config.Major, d.config.Minor
}

// Config returns a copy of the block configuration.
func (d *BlockDevice) Config() Config {
	c := d.config

	return &c
}

// ContainerPath is the path the consumer asked for the device under.
func (d *BlockDevice) ContainerPath() string {
	return d.containerPath
}
