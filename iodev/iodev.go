// Package iodev dispatches guest port I/O to emulated legacy devices.
package iodev

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

var (
	// ErrPortOccupied is returned when a device overlaps a registered one.
	ErrPortOccupied = errors.New("io port range occupied")

	// ErrPortNotMapped is returned for accesses no device decodes.
	ErrPortNotMapped = errors.New("io port not mapped")

	errDataLenInvalid = errors.New("invalid data size on port")
	errEmptyRange     = errors.New("io device has an empty port range")
)

var iodevLog = logrus.WithField("subsystem", "iodev")

// Device describes the interface an I/O port device must implement. port is
// the absolute port of the access.
type Device interface {
	Read(port uint64, data []byte) error
	Write(port uint64, data []byte) error
	IOPort() uint64
	Size() uint64
}

type entry struct {
	base uint64
	size uint64
	dev  Device
}

func (e entry) last() uint64 {
	return e.base + e.size - 1
}

// Manager routes port accesses to the device whose range contains them.
type Manager struct {
	mu   sync.RWMutex
	devs *btree.BTreeG[entry]
}

func NewManager() *Manager {
	return &Manager{
		devs: btree.NewG(2, func(a, b entry) bool { return a.base < b.base }),
	}
}

func (m *Manager) Logger() *logrus.Entry {
	return iodevLog
}

// Register adds dev at the range it reports.
func (m *Manager) Register(dev Device) error {
	e := entry{base: dev.IOPort(), size: dev.Size(), dev: dev}
	if e.size == 0 {
		return fmt.Errorf("%w: %#x", errEmptyRange, e.base)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.lookupLocked(e.base); ok {
		return fmt.Errorf("%w: %#x-%#x", ErrPortOccupied, o.base, o.last())
	}

	var conflict *entry

	m.devs.AscendGreaterOrEqual(entry{base: e.base}, func(o entry) bool {
		if o.base <= e.last() {
			conflict = &o
		}

		return false
	})

	if conflict != nil {
		return fmt.Errorf("%w: %#x-%#x", ErrPortOccupied, conflict.base, conflict.last())
	}

	m.devs.ReplaceOrInsert(e)

	m.Logger().WithFields(logrus.Fields{
		"port": fmt.Sprintf("%#x", e.base),
		"size": e.size,
		"dev":  fmt.Sprintf("%T", dev),
	}).Debug("io device registered")

	return nil
}

// Unregister removes the device registered at base.
func (m *Manager) Unregister(base uint64) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.devs.Delete(entry{base: base})
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrPortNotMapped, base)
	}

	return e.dev, nil
}

func (m *Manager) lookupLocked(port uint64) (entry, bool) {
	var (
		found entry
		ok    bool
	)

	m.devs.DescendLessOrEqual(entry{base: port}, func(e entry) bool {
		if port <= e.last() {
			found, ok = e, true
		}

		return false
	})

	return found, ok
}

func (m *Manager) lookup(port uint64) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.lookupLocked(port)
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrPortNotMapped, port)
	}

	return e.dev, nil
}

// In services a guest read of len(data) bytes from port.
func (m *Manager) In(port uint64, data []byte) error {
	dev, err := m.lookup(port)
	if err != nil {
		return err
	}

	return dev.Read(port, data)
}

// Out services a guest write of data to port.
func (m *Manager) Out(port uint64, data []byte) error {
	dev, err := m.lookup(port)
	if err != nil {
		return err
	}

	return dev.Write(port, data)
}

// Devices returns the registered devices in port order.
func (m *Manager) Devices() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Device, 0, m.devs.Len())

	m.devs.Ascend(func(e entry) bool {
		out = append(out, e.dev)

		return true
	})

	return out
}
