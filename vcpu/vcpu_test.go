package vcpu_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kvmbox/kvmbox/hypervisor"
	"github.com/kvmbox/kvmbox/iodev"
	"github.com/kvmbox/kvmbox/machine"
	"github.com/kvmbox/kvmbox/vcpu"
)

var errNoDevice = errors.New("no device")

type portRecorder struct {
	mu     sync.Mutex
	writes [][]byte
	seen   chan struct{}
}

func newPortRecorder() *portRecorder {
	return &portRecorder{seen: make(chan struct{}, 64)}
}

func (p *portRecorder) In(port uint64, data []byte) error {
	defer func() { p.seen <- struct{}{} }()

	if port != 0x3f8 {
		return iodev.ErrPortNotMapped
	}

	for i := range data {
		data[i] = 0x42
	}

	return nil
}

func (p *portRecorder) Out(port uint64, data []byte) error {
	defer func() { p.seen <- struct{}{} }()

	p.mu.Lock()
	p.writes = append(p.writes, append([]byte{}, data...))
	p.mu.Unlock()

	return nil
}

type mmioRecorder struct {
	seen chan uint64
}

func (m *mmioRecorder) MMIORead(addr uint64, data []byte) error {
	m.seen <- addr

	return errNoDevice
}

func (m *mmioRecorder) MMIOWrite(addr uint64, data []byte) error {
	m.seen <- addr

	return nil
}

func wait(t *testing.T, c <-chan struct{}) {
	t.Helper()

	select {
	case <-c:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func newMockVCPUs(t *testing.T, n int) (*machine.Mock, []machine.VCPU) {
	t.Helper()

	m, err := machine.NewMock(machine.Options{VCPUs: n})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { m.Close() })

	var vcpus []machine.VCPU

	for i := 0; i < n; i++ {
		v, err := m.CreateVCPU(i)
		if err != nil {
			t.Fatal(err)
		}

		vcpus = append(vcpus, v)
	}

	return m, vcpus
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	_, vcpus := newMockVCPUs(t, 2)
	mgr := vcpu.NewManager(vcpus, newPortRecorder(), &mmioRecorder{}, nil)

	if err := mgr.Start(context.Background(), 5*time.Second); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Start(context.Background(), 5*time.Second); err == nil {
		t.Fatal("expected an error for a second start")
	}

	if !mgr.Alive() {
		t.Fatal("expected live vcpus")
	}

	tids := mgr.ThreadIDs()
	if len(tids) != 2 || tids[0] == 0 || tids[1] == 0 {
		t.Fatalf("unexpected thread ids %v", tids)
	}

	if n := len(mgr.SortedThreadIDs()); n != 2 {
		t.Fatalf("expected: 2, actual: %d", n)
	}

	if err := mgr.Stop(); err != nil {
		t.Fatal(err)
	}

	if mgr.Alive() {
		t.Fatal("expected no live vcpus after stop")
	}

	if n := len(mgr.ThreadIDs()); n != 0 {
		t.Fatalf("expected: 0, actual: %d", n)
	}
}

func TestIODispatch(t *testing.T) {
	t.Parallel()

	m, vcpus := newMockVCPUs(t, 1)
	pio := newPortRecorder()
	mmio := &mmioRecorder{seen: make(chan uint64, 4)}
	mgr := vcpu.NewManager(vcpus, pio, mmio, nil)

	if err := mgr.Start(context.Background(), 5*time.Second); err != nil {
		t.Fatal(err)
	}
	defer mgr.Stop()

	v, _ := m.VCPU(0)

	// rep outsb of two bytes
	v.Inject(machine.Exit{Reason: machine.ExitIO, Port: 0x3f8, Size: 1, Data: []byte{'o', 'k'}, Write: true})
	wait(t, pio.seen)
	wait(t, pio.seen)

	pio.mu.Lock()
	if len(pio.writes) != 2 || !bytes.Equal(pio.writes[0], []byte{'o'}) || !bytes.Equal(pio.writes[1], []byte{'k'}) {
		t.Fatalf("unexpected writes %q", pio.writes)
	}
	pio.mu.Unlock()

	in := make([]byte, 2)
	v.Inject(machine.Exit{Reason: machine.ExitIO, Port: 0x3f8, Size: 2, Data: in})
	wait(t, pio.seen)

	unmapped := make([]byte, 1)
	v.Inject(machine.Exit{Reason: machine.ExitIO, Port: 0x80, Size: 1, Data: unmapped})
	wait(t, pio.seen)

	mm := []byte{0, 0, 0, 0}
	v.Inject(machine.Exit{Reason: machine.ExitMMIO, Addr: 0xc0000000, Size: 4, Data: mm})

	select {
	case addr := <-mmio.seen:
		if addr != 0xc0000000 {
			t.Fatalf("expected: %#x, actual: %#x", 0xc0000000, addr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	// Stop waits for the thread, after which every write is visible.
	if err := mgr.Stop(); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(in, []byte{0x42, 0x42}) {
		t.Fatalf("expected: 4242, actual: %x", in)
	}

	if unmapped[0] != 0xff {
		t.Fatalf("expected: 0xff, actual: %#x", unmapped[0])
	}

	if !bytes.Equal(mm, []byte{0xff, 0xff, 0xff, 0xff}) {
		t.Fatalf("expected: ffffffff, actual: %x", mm)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	m, vcpus := newMockVCPUs(t, 2)
	pio := newPortRecorder()
	mgr := vcpu.NewManager(vcpus, pio, &mmioRecorder{}, nil)

	if err := mgr.Pause(context.Background()); err == nil {
		t.Fatal("expected an error pausing before start")
	}

	if err := mgr.Start(context.Background(), 5*time.Second); err != nil {
		t.Fatal(err)
	}
	defer mgr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := mgr.Pause(ctx); err != nil {
		t.Fatal(err)
	}

	if !mgr.Paused() {
		t.Fatal("expected paused vcpus")
	}

	v, _ := m.VCPU(1)
	v.Inject(machine.Exit{Reason: machine.ExitIO, Port: 0x3f8, Size: 1, Data: []byte{'p'}, Write: true})

	if n := v.Exits(); n != 0 {
		t.Fatalf("paused vcpu ran %d exits", n)
	}

	if err := mgr.Resume(); err != nil {
		t.Fatal(err)
	}

	wait(t, pio.seen)

	if mgr.Paused() {
		t.Fatal("expected running vcpus")
	}

	// A second round trip must work as well.
	if err := mgr.Pause(ctx); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Resume(); err != nil {
		t.Fatal(err)
	}
}

func TestGuestExit(t *testing.T) {
	t.Parallel()

	m, vcpus := newMockVCPUs(t, 1)
	mgr := vcpu.NewManager(vcpus, newPortRecorder(), &mmioRecorder{}, nil)

	exited := make(chan machine.ExitReason, 1)
	mgr.OnGuestExit = func(id int, reason machine.ExitReason) {
		exited <- reason
	}

	if err := mgr.Start(context.Background(), 5*time.Second); err != nil {
		t.Fatal(err)
	}

	v, _ := m.VCPU(0)
	v.Inject(machine.Exit{Reason: machine.ExitShutdown})

	select {
	case r := <-exited:
		if r != machine.ExitShutdown {
			t.Fatalf("expected: %s, actual: %s", machine.ExitShutdown, r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	if err := mgr.Stop(); err != nil {
		t.Fatal(err)
	}

	if mgr.Alive() {
		t.Fatal("expected no live vcpus")
	}
}

// slowVCPU does not report its id until released.
type slowVCPU struct {
	machine.VCPU
	release chan struct{}
}

func (s *slowVCPU) ID() int {
	<-s.release

	return s.VCPU.ID()
}

func TestStartTimeout(t *testing.T) {
	t.Parallel()

	_, vcpus := newMockVCPUs(t, 1)
	slow := &slowVCPU{VCPU: vcpus[0], release: make(chan struct{})}
	time.AfterFunc(200*time.Millisecond, func() { close(slow.release) })

	mgr := vcpu.NewManager([]machine.VCPU{slow}, newPortRecorder(), &mmioRecorder{}, nil)

	err := mgr.Start(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, hypervisor.ErrStartTimeout) {
		t.Fatalf("expected: %v, actual: %v", hypervisor.ErrStartTimeout, err)
	}

	if mgr.Alive() {
		t.Fatal("expected no live vcpus after a failed start")
	}
}
