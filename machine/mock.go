package machine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"

	"github.com/kvmbox/kvmbox/pvh"
	"github.com/sirupsen/logrus"
)

// MockMemSlots is the slot count reported by the mock facility.
const MockMemSlots = 32

// Mock is an in-process Facility. Its vCPUs execute nothing: Run blocks
// until an exit is injected, the vCPU is kicked or the facility closes.
type Mock struct {
	opts Options

	mu     sync.Mutex
	slots  map[uint32]MockSlot
	irqs   map[uint32]uint32
	vcpus  map[int]*MockVCPU
	closed bool
}

// MockSlot is a memory slot installed in a Mock.
type MockSlot struct {
	GPA  uint64
	Size uint64
}

func NewMock(opts Options) (*Mock, error) {
	m := &Mock{
		opts:  opts,
		slots: make(map[uint32]MockSlot),
		irqs:  make(map[uint32]uint32),
		vcpus: make(map[int]*MockVCPU),
	}

	m.Logger().WithField("pm-level", opts.PMLevel).Debug("vm created")

	return m, nil
}

func (m *Mock) Logger() *logrus.Entry {
	return machineLog.WithField("backend", "mock")
}

func (m *Mock) Name() string {
	return "mock"
}

func (m *Mock) MaxMemSlots() uint32 {
	return MockMemSlots
}

func (m *Mock) SetMemoryRegion(slot uint32, gpa uint64, host []byte) error {
	if len(host) == 0 {
		return errEmptyRegion
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.slots[slot] = MockSlot{GPA: gpa, Size: uint64(len(host))}

	return nil
}

func (m *Mock) RemoveMemoryRegion(slot uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.slots, slot)

	return nil
}

// Slots returns the installed memory slots.
func (m *Mock) Slots() map[uint32]MockSlot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[uint32]MockSlot, len(m.slots))
	for k, v := range m.slots {
		out[k] = v
	}

	return out
}

func (m *Mock) SetIRQLine(irq, level uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.irqs[irq] = level

	return nil
}

// IRQLevel returns the last level driven on irq.
func (m *Mock) IRQLevel(irq uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.irqs[irq]
}

func (m *Mock) CreateVCPU(id int) (VCPU, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	if _, ok := m.vcpus[id]; ok {
		return nil, fmt.Errorf("%w: %d", errVCPUExists, id)
	}

	v := &MockVCPU{
		id:    id,
		exits: make(chan Exit, 16),
		kick:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	m.vcpus[id] = v

	return v, nil
}

// VCPU returns the vCPU created with id.
func (m *Mock) VCPU(id int) (*MockVCPU, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.vcpus[id]

	return v, ok
}

// VCPUs returns the created vCPUs ordered by id.
func (m *Mock) VCPUs() []*MockVCPU {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*MockVCPU, 0, len(m.vcpus))
	for _, v := range m.vcpus {
		out = append(out, v)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })

	return out
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true

	for _, v := range m.vcpus {
		v.shutdown()
	}

	return nil
}

// MockVCPU is a vCPU of a Mock facility.
type MockVCPU struct {
	id    int
	exits chan Exit
	kick  chan struct{}
	done  chan struct{}
	once  sync.Once

	mu   sync.Mutex
	boot pvh.BootState
	runs uint64
}

func (v *MockVCPU) ID() int {
	return v.id
}

func (v *MockVCPU) Run() (Exit, error) {
	select {
	case <-v.done:
		return Exit{Reason: ExitShutdown}, nil
	default:
	}

	select {
	case <-v.done:
		return Exit{Reason: ExitShutdown}, nil
	case <-v.kick:
		return Exit{Reason: ExitIntr}, nil
	case e := <-v.exits:
		v.mu.Lock()
		v.runs++
		v.mu.Unlock()

		return e, nil
	}
}

func (v *MockVCPU) Kick() error {
	select {
	case v.kick <- struct{}{}:
	default:
	}

	return nil
}

// Inject queues an exit for Run to return.
func (v *MockVCPU) Inject(e Exit) {
	v.exits <- e
}

// Exits returns how many injected exits Run has returned.
func (v *MockVCPU) Exits() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.runs
}

func (v *MockVCPU) PC() (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.boot.Entry, nil
}

func (v *MockVCPU) SetupBoot(bs pvh.BootState) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.boot = bs

	return nil
}

// Boot returns what SetupBoot last installed.
func (v *MockVCPU) Boot() pvh.BootState {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.boot
}

type mockState struct {
	Backend string
	ID      int
	Boot    pvh.BootState
}

func (v *MockVCPU) SaveState() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(mockState{Backend: "mock", ID: v.id, Boot: v.boot}); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (v *MockVCPU) RestoreState(b []byte) error {
	var s mockState
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&s); err != nil {
		return err
	}

	if s.Backend != "mock" {
		return fmt.Errorf("%w: %q", errStateVersion, s.Backend)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.boot = s.Boot

	return nil
}

func (v *MockVCPU) shutdown() {
	v.once.Do(func() { close(v.done) })
}

func (v *MockVCPU) Close() error {
	v.shutdown()

	return nil
}
