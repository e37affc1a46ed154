package hypervisor

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/kvmbox/kvmbox/device"
	"github.com/kvmbox/kvmbox/ebda"
	"github.com/kvmbox/kvmbox/memory"
)

const (
	// DefaultKernelParams is the command line used when none is given.
	DefaultKernelParams = "console=ttyS0 tty0 reboot=k debug panic=1 pci=off root=/dev/vda1"

	DefaultBackend    = "kvm"
	DefaultKVMPath    = "/dev/kvm"
	DefaultMemorySize = ByteSize(2 << 30)

	// MaxVCPUs is the most processors the boot MP tables can describe.
	MaxVCPUs = ebda.MaxCPUs

	// MinMemorySize leaves room for the boot structures below 1MiB and a
	// kernel above it.
	MinMemorySize = ByteSize(32 << 20)
)

// ByteSize is a memory size that reads and writes human units such as
// 512MiB or 2G.
type ByteSize uint64

func (s ByteSize) String() string {
	return units.BytesSize(float64(s))
}

func (s ByteSize) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ByteSize) UnmarshalText(text []byte) error {
	n, err := units.RAMInBytes(string(text))
	if err != nil {
		return err
	}

	if n < 0 {
		return fmt.Errorf("%w: negative size %q", errInvalidConfig, text)
	}

	*s = ByteSize(n)

	return nil
}

// Config is everything needed to build and boot a VM.
type Config struct {
	// Backend names the Registry entry to build, e.g. kvm or mock.
	Backend string `yaml:"backend"`

	// KVMPath is the device node of the kvm backend.
	KVMPath string `yaml:"kvm_path"`

	// KernelPath is an uncompressed kernel image with a PVH entry point.
	KernelPath string `yaml:"kernel"`

	// RootfsPath is the image attached as the boot disk.
	RootfsPath string `yaml:"rootfs"`

	// InitrdPath is an optional initial ramdisk.
	InitrdPath string `yaml:"initrd,omitempty"`

	KernelParams string `yaml:"kernel_params"`

	NumVCPUs uint32 `yaml:"vcpus"`
	MaxVCPUs uint32 `yaml:"max_vcpus"`

	// PMLevel is handed to the backend untouched.
	PMLevel uint32 `yaml:"cpu_pm_level"`

	ThreadsPerCore uint32 `yaml:"threads_per_core"`
	CoresPerDie    uint32 `yaml:"cores_per_die"`
	DiesPerSocket  uint32 `yaml:"dies_per_socket"`
	Sockets        uint32 `yaml:"sockets"`

	MemorySize    ByteSize           `yaml:"memory_size"`
	MemoryBacking memory.BackingType `yaml:"memory_backing"`

	// MemoryPath is the hugetlbfs mount or file backing guest memory.
	MemoryPath string `yaml:"memory_path,omitempty"`

	BlockDeviceDriver string `yaml:"block_device_driver"`

	Debug bool `yaml:"debug"`
}

// Default returns a Config with every optional field set. KernelPath and
// RootfsPath are left empty.
func Default() Config {
	return Config{
		Backend:           DefaultBackend,
		KVMPath:           DefaultKVMPath,
		KernelParams:      DefaultKernelParams,
		NumVCPUs:          1,
		MaxVCPUs:          1,
		ThreadsPerCore:    1,
		CoresPerDie:       1,
		DiesPerSocket:     1,
		Sockets:           1,
		MemorySize:        DefaultMemorySize,
		MemoryBacking:     memory.Shmem,
		BlockDeviceDriver: device.VirtioBlockPCI,
	}
}

// Validate checks cfg for values no backend can boot with.
func (c Config) Validate() error {
	switch {
	case c.Backend == "":
		return fmt.Errorf("%w: no backend", errInvalidConfig)
	case c.KernelPath == "":
		return fmt.Errorf("%w: kernel path is required", errInvalidConfig)
	case c.RootfsPath == "":
		return fmt.Errorf("%w: rootfs path is required", errInvalidConfig)
	case c.NumVCPUs == 0:
		return fmt.Errorf("%w: at least one vcpu is required", errInvalidConfig)
	case c.NumVCPUs > MaxVCPUs:
		return fmt.Errorf("%w: %d vcpus above %d", errInvalidConfig, c.NumVCPUs, MaxVCPUs)
	case c.MaxVCPUs < c.NumVCPUs:
		return fmt.Errorf("%w: max vcpus %d below vcpus %d", errInvalidConfig, c.MaxVCPUs, c.NumVCPUs)
	case c.ThreadsPerCore == 0 || c.CoresPerDie == 0 || c.DiesPerSocket == 0 || c.Sockets == 0:
		return fmt.Errorf("%w: topology %d/%d/%d/%d has a zero level", errInvalidConfig,
			c.ThreadsPerCore, c.CoresPerDie, c.DiesPerSocket, c.Sockets)
	case c.MemorySize < MinMemorySize:
		return fmt.Errorf("%w: memory size %s below %s", errInvalidConfig, c.MemorySize, MinMemorySize)
	case c.MemoryBacking == memory.Hugetlbfs && c.MemoryPath == "":
		return fmt.Errorf("%w: hugetlbfs backing needs a memory path", errInvalidConfig)
	case c.BlockDeviceDriver != device.VirtioBlockPCI:
		return fmt.Errorf("%w: block device driver %q", device.ErrUnsupportedDevice, c.BlockDeviceDriver)
	}

	return nil
}
