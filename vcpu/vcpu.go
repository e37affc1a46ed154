// Package vcpu runs the vCPUs of a VM, one locked OS thread each, and
// routes their exits to the port and MMIO buses.
package vcpu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/kvmbox/kvmbox/hypervisor"
	"github.com/kvmbox/kvmbox/machine"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var (
	errRunning    = errors.New("vcpus already started")
	errNotRunning = errors.New("vcpus not running")
)

var vcpuLog = logrus.WithField("subsystem", "vcpu")

// PortBus serves port I/O exits.
type PortBus interface {
	In(port uint64, data []byte) error
	Out(port uint64, data []byte) error
}

// MMIOBus serves MMIO exits.
type MMIOBus interface {
	MMIORead(addr uint64, data []byte) error
	MMIOWrite(addr uint64, data []byte) error
}

// Manager owns the execution threads of a set of vCPUs.
type Manager struct {
	vcpus []machine.VCPU
	pio   PortBus
	mmio  MMIOBus
	mem   io.ReaderAt

	// OnGuestExit is called from the vCPU thread when the guest halts or
	// shuts down.
	OnGuestExit func(id int, reason machine.ExitReason)

	mu       sync.Mutex
	cond     *sync.Cond
	started  bool
	stopping bool
	paused   bool
	parked   int
	alive    int
	tids     map[int]int
	group    *errgroup.Group
}

// NewManager builds a manager for vcpus. mem is used to decode the guest
// instruction behind unhandled accesses and may be nil.
func NewManager(vcpus []machine.VCPU, pio PortBus, mmio MMIOBus, mem io.ReaderAt) *Manager {
	m := &Manager{
		vcpus: vcpus,
		pio:   pio,
		mmio:  mmio,
		mem:   mem,
		tids:  make(map[int]int),
	}
	m.cond = sync.NewCond(&m.mu)

	return m
}

func (m *Manager) Logger() *logrus.Entry {
	return vcpuLog
}

// Start launches one thread per vCPU and waits until each has reported its
// thread id. On timeout the threads are stopped and a wrapped
// hypervisor.ErrStartTimeout is returned.
func (m *Manager) Start(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()

		return errRunning
	}

	m.started = true
	m.stopping = false
	m.group = &errgroup.Group{}
	m.mu.Unlock()

	ready := make(chan int, len(m.vcpus))

	for _, v := range m.vcpus {
		v := v
		m.group.Go(func() error {
			return m.loop(v, ready)
		})
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for n := 0; n < len(m.vcpus); n++ {
		select {
		case <-ready:
		case <-timer.C:
			m.abort()

			return fmt.Errorf("%w: %d of %d ready after %s", hypervisor.ErrStartTimeout, n, len(m.vcpus), timeout)
		case <-ctx.Done():
			m.abort()

			return ctx.Err()
		}
	}

	m.Logger().WithField("vcpus", len(m.vcpus)).Info("vcpus started")

	return nil
}

func (m *Manager) abort() {
	if err := m.Stop(); err != nil {
		m.Logger().WithError(err).Warn("stop after failed start")
	}
}

func (m *Manager) loop(v machine.VCPU, ready chan<- int) error {
	// vcpu ioctls should be issued from the thread that created the vcpu;
	// the first ioctl after switching threads pays for it.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	m.mu.Lock()
	m.alive++
	m.tids[v.ID()] = unix.Gettid()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.alive--
		delete(m.tids, v.ID())
		m.cond.Broadcast()
		m.mu.Unlock()
	}()

	ready <- v.ID()

	log := m.Logger().WithField("vcpu", v.ID())

	for {
		if !m.park() {
			return nil
		}

		exit, err := v.Run()
		if err != nil {
			log.WithError(err).Error("run failed")

			return fmt.Errorf("vcpu %d: %w", v.ID(), err)
		}

		switch exit.Reason {
		case machine.ExitIntr:
		case machine.ExitIO:
			m.handleIO(v, exit)
		case machine.ExitMMIO:
			m.handleMMIO(v, exit)
		case machine.ExitHalt, machine.ExitShutdown:
			m.mu.Lock()
			stopping := m.stopping
			m.mu.Unlock()

			if !stopping {
				log.WithField("reason", exit.Reason).Info("guest exited")

				if m.OnGuestExit != nil {
					m.OnGuestExit(v.ID(), exit.Reason)
				}
			}

			return nil
		default:
			log.WithField("reason", exit.Reason).Debug("ignoring exit")
		}
	}
}

// park blocks while the manager is paused. It returns false once the
// thread must exit.
func (m *Manager) park() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused && !m.stopping {
		m.parked++
		m.cond.Broadcast()

		for m.paused && !m.stopping {
			m.cond.Wait()
		}

		m.parked--
	}

	return !m.stopping
}

func (m *Manager) handleIO(v machine.VCPU, e machine.Exit) {
	if e.Size <= 0 {
		return
	}

	for off := 0; off+e.Size <= len(e.Data); off += e.Size {
		chunk := e.Data[off : off+e.Size]

		var err error
		if e.Write {
			err = m.pio.Out(e.Port, chunk)
		} else {
			err = m.pio.In(e.Port, chunk)
		}

		if err != nil {
			if !e.Write {
				fill(chunk, 0xff)
			}

			m.unhandled(v, logrus.Fields{"port": fmt.Sprintf("%#x", e.Port), "write": e.Write}, err)

			return
		}
	}
}

func (m *Manager) handleMMIO(v machine.VCPU, e machine.Exit) {
	var err error
	if e.Write {
		err = m.mmio.MMIOWrite(e.Addr, e.Data)
	} else {
		err = m.mmio.MMIORead(e.Addr, e.Data)
	}

	if err != nil {
		if !e.Write {
			fill(e.Data, 0xff)
		}

		m.unhandled(v, logrus.Fields{"addr": fmt.Sprintf("%#x", e.Addr), "write": e.Write}, err)
	}
}

// unhandled logs an access no device claimed. The guest keeps running, as
// it would on hardware where nothing decodes the address.
func (m *Manager) unhandled(v machine.VCPU, fields logrus.Fields, err error) {
	log := m.Logger().WithFields(fields).WithField("vcpu", v.ID()).WithError(err)

	if m.mem != nil && log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		if inst, derr := machine.DescribeAt(v, m.mem, 32); derr == nil {
			log = log.WithField("inst", inst)
		}
	}

	log.Debug("unhandled access")
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func (m *Manager) kickAll() {
	for _, v := range m.vcpus {
		if err := v.Kick(); err != nil {
			m.Logger().WithError(err).WithField("vcpu", v.ID()).Warn("kick")
		}
	}
}

// Pause parks every vCPU thread outside the guest.
func (m *Manager) Pause(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopping {
		m.mu.Unlock()

		return errNotRunning
	}

	m.paused = true
	m.mu.Unlock()

	m.kickAll()

	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	for m.parked < m.alive {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.cond.Wait()
	}

	return nil
}

// Resume releases the threads parked by Pause.
func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.stopping {
		return errNotRunning
	}

	m.paused = false
	m.cond.Broadcast()

	return nil
}

// Stop makes every thread return and waits for them.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()

		return nil
	}

	m.stopping = true
	m.paused = false
	m.cond.Broadcast()
	group := m.group
	m.mu.Unlock()

	m.kickAll()

	err := group.Wait()

	m.mu.Lock()
	m.started = false
	m.mu.Unlock()

	return err
}

// Alive reports whether any vCPU thread is still running.
func (m *Manager) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.alive > 0
}

// Paused reports whether every live thread is parked.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.paused && m.parked == m.alive
}

// ThreadIDs maps each live vCPU to its thread id.
func (m *Manager) ThreadIDs() map[int]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int]int, len(m.tids))
	for k, v := range m.tids {
		out[k] = v
	}

	return out
}

// SortedThreadIDs returns the thread ids ordered by vCPU.
func (m *Manager) SortedThreadIDs() []int {
	tids := m.ThreadIDs()

	ids := make([]int, 0, len(tids))
	for id := range tids {
		ids = append(ids, id)
	}

	sort.Ints(ids)

	out := make([]int, 0, len(ids))
	for _, id := range ids {
		out = append(out, tids[id])
	}

	return out
}
