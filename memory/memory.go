// Package memory keeps the guest-physical address space: RAM regions backed
// by host memory and MMIO regions dispatched to device handlers.
package memory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kvmbox/kvmbox/resource"
	"github.com/sirupsen/logrus"
)

var (
	// ErrOverlappingRegion is returned when a region intersects a registered one.
	ErrOverlappingRegion = errors.New("overlapping region")

	// ErrAddressNotMapped is returned for addresses outside every region.
	ErrAddressNotMapped = errors.New("address not mapped")

	errRegionNotFound   = errors.New("region not found")
	errDuplicateRegion  = errors.New("duplicate region id")
	errInvalidRegion    = errors.New("invalid region")
	errNotMMIO          = errors.New("region does not dispatch mmio")
	errUnknownBacking   = errors.New("unknown memory backing type")
	errHostSizeMismatch = errors.New("host mapping does not match region size")
)

var memLog = logrus.WithField("subsystem", "memory")

type RegionType uint8

const (
	RAM RegionType = iota
	MMIO
)

func (t RegionType) String() string {
	switch t {
	case RAM:
		return "ram"
	case MMIO:
		return "mmio"
	}

	return fmt.Sprintf("RegionType(%d)", t)
}

// BackingType selects how RAM regions are backed on the host.
type BackingType uint8

const (
	Shmem BackingType = iota
	Hugetlbfs
	Anon
)

func (b BackingType) String() string {
	switch b {
	case Shmem:
		return "shmem"
	case Hugetlbfs:
		return "hugetlbfs"
	case Anon:
		return "anon"
	}

	return fmt.Sprintf("BackingType(%d)", b)
}

// ParseBackingType accepts shmem, hugetlbfs and anon.
func ParseBackingType(s string) (BackingType, error) {
	switch strings.ToLower(s) {
	case "", "shmem", "shared-memory":
		return Shmem, nil
	case "hugetlbfs":
		return Hugetlbfs, nil
	case "anon", "anonymous":
		return Anon, nil
	}

	return 0, fmt.Errorf("%w: %q", errUnknownBacking, s)
}

func (b BackingType) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *BackingType) UnmarshalText(text []byte) error {
	v, err := ParseBackingType(string(text))
	if err != nil {
		return err
	}

	*b = v

	return nil
}

// MMIOHandler serves guest accesses to an MMIO region. offset is relative to
// the region start. Handlers run on vCPU threads and must not block.
type MMIOHandler interface {
	Read(offset uint64, data []byte) error
	Write(offset uint64, data []byte) error
}

// SlotBinder installs RAM regions into the virtualization facility.
type SlotBinder interface {
	SetMemoryRegion(slot uint32, gpa uint64, host []byte) error
	RemoveMemoryRegion(slot uint32) error
}

// Region is one guest-physical range.
type Region struct {
	ID    string
	Start uint64
	Size  uint64
	Type  RegionType

	// RAM only.
	Backing  BackingType
	FilePath string
	Slot     uint32
	Host     []byte

	// MMIO only.
	Handler MMIOHandler

	ownsHost bool
	memRange resource.Range
}

func (r *Region) Last() uint64 {
	return r.Start + r.Size - 1
}

func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr <= r.Last()
}

func (r *Region) String() string {
	return fmt.Sprintf("%s %s [%#x-%#x]", r.ID, r.Type, r.Start, r.Last())
}

// RegionDescriptor is the serializable view of a Region.
type RegionDescriptor struct {
	ID       string
	Start    uint64
	Size     uint64
	Type     RegionType
	Backing  BackingType
	FilePath string
	Slot     uint32
}

func (r *Region) Descriptor() RegionDescriptor {
	return RegionDescriptor{
		ID:       r.ID,
		Start:    r.Start,
		Size:     r.Size,
		Type:     r.Type,
		Backing:  r.Backing,
		FilePath: r.FilePath,
		Slot:     r.Slot,
	}
}
