package machine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/kvmbox/kvmbox/kvm"
	"github.com/kvmbox/kvmbox/pvh"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"
)

const (
	// DefaultKVMPath is the KVM device node.
	DefaultKVMPath = "/dev/kvm"

	// Older kernels do not report KVM_CAP_NR_MEMSLOTS.
	defaultKVMMemSlots = 32

	cr0PE = 1

	segCode = 1
	segData = 2
	segTSS  = 3
)

// KVM is a Facility backed by /dev/kvm.
type KVM struct {
	opts     Options
	dev      *os.File
	kvmFd    uintptr
	vmFd     uintptr
	mmapSize int
	memSlots uint32
	cpuid    *kvm.CPUID

	mu     sync.Mutex
	vcpus  map[int]*kvmVCPU
	closed bool
}

// NewKVM opens the KVM device and creates a VM with an in-kernel interrupt
// controller and PIT.
func NewKVM(opts Options) (*KVM, error) {
	if opts.Path == "" {
		opts.Path = DefaultKVMPath
	}

	dev, err := os.OpenFile(opts.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	cu := cleanup.Make(func() { dev.Close() })
	defer cu.Clean()

	m := &KVM{
		opts:  opts,
		dev:   dev,
		kvmFd: dev.Fd(),
		vcpus: make(map[int]*kvmVCPU),
	}

	ver, err := kvm.GetAPIVersion(m.kvmFd)
	if err != nil {
		return nil, err
	}

	if ver != kvm.APIVersion {
		return nil, fmt.Errorf("%w: %d", errAPIVersion, ver)
	}

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return nil, fmt.Errorf("CreateVM: %w", err)
	}

	cu.Add(func() { unix.Close(int(m.vmFd)) })

	if err := kvm.SetTSSAddr(m.vmFd); err != nil {
		return nil, fmt.Errorf("SetTSSAddr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd); err != nil {
		return nil, fmt.Errorf("SetIdentityMapAddr: %w", err)
	}

	if err := kvm.CreateIRQChip(m.vmFd); err != nil {
		return nil, fmt.Errorf("CreateIRQChip: %w", err)
	}

	if err := kvm.CreatePIT2(m.vmFd); err != nil {
		return nil, fmt.Errorf("CreatePIT2: %w", err)
	}

	size, err := kvm.GetVCPUMMmapSize(m.kvmFd)
	if err != nil {
		return nil, fmt.Errorf("GetVCPUMMmapSize: %w", err)
	}

	m.mmapSize = int(size)

	m.memSlots = defaultKVMMemSlots
	if n, err := kvm.CheckExtension(m.kvmFd, kvm.CapNRMemSlots); err == nil && n > 0 {
		m.memSlots = uint32(n)
	}

	if m.cpuid, err = kvm.GuestCPUID(m.kvmFd); err != nil {
		return nil, fmt.Errorf("GetSupportedCPUID: %w", err)
	}

	cu.Release()

	m.Logger().WithFields(logrus.Fields{
		"memslots": m.memSlots,
		"pm-level": opts.PMLevel,
	}).Debug("vm created")

	return m, nil
}

func (m *KVM) Logger() *logrus.Entry {
	return machineLog.WithField("backend", "kvm")
}

func (m *KVM) Name() string {
	return "kvm"
}

func (m *KVM) MaxMemSlots() uint32 {
	return m.memSlots
}

func (m *KVM) SetMemoryRegion(slot uint32, gpa uint64, host []byte) error {
	if len(host) == 0 {
		return errEmptyRegion
	}

	return kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    uint64(len(host)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&host[0]))),
	})
}

func (m *KVM) RemoveMemoryRegion(slot uint32) error {
	return kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{Slot: slot})
}

func (m *KVM) SetIRQLine(irq, level uint32) error {
	return kvm.IRQLine(m.vmFd, irq, level)
}

func (m *KVM) CreateVCPU(id int) (VCPU, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	if _, ok := m.vcpus[id]; ok {
		return nil, fmt.Errorf("%w: %d", errVCPUExists, id)
	}

	fd, err := kvm.CreateVCPU(m.vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("CreateVCPU %d: %w", id, err)
	}

	cu := cleanup.Make(func() { unix.Close(int(fd)) })
	defer cu.Clean()

	if err := kvm.SetCPUID2(fd, m.cpuid); err != nil {
		return nil, fmt.Errorf("SetCPUID2 %d: %w", id, err)
	}

	r, err := unix.Mmap(int(fd), 0, m.mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap run data %d: %w", id, err)
	}

	cu.Release()

	v := &kvmVCPU{
		m:    m,
		id:   id,
		fd:   fd,
		mmap: r,
		run:  (*kvm.RunData)(unsafe.Pointer(&r[0])),
	}
	m.vcpus[id] = v

	return v, nil
}

func (m *KVM) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return nil
	}

	m.closed = true
	vcpus := m.vcpus
	m.vcpus = nil
	m.mu.Unlock()

	for _, v := range vcpus {
		if err := v.release(); err != nil {
			m.Logger().WithError(err).WithField("vcpu", v.id).Warn("close vcpu")
		}
	}

	if err := unix.Close(int(m.vmFd)); err != nil {
		return err
	}

	return m.dev.Close()
}

type kvmVCPU struct {
	m    *KVM
	id   int
	fd   uintptr
	mmap []byte
	run  *kvm.RunData

	// tid is the thread last seen entering the guest.
	tid  atomic.Int32
	once sync.Once
}

func (v *kvmVCPU) ID() int {
	return v.id
}

func (v *kvmVCPU) Run() (Exit, error) {
	v.tid.Store(int32(unix.Gettid()))

	err := kvm.Run(v.fd)
	if kvm.IsInterrupted(err) {
		v.run.ImmediateExit = 0

		return Exit{Reason: ExitIntr}, nil
	}

	if err != nil {
		return Exit{Reason: ExitFail}, err
	}

	switch t := kvm.ExitType(v.run.ExitReason); t {
	case kvm.EXITIO:
		direction, size, port, _, _ := v.run.IO()

		return Exit{
			Reason: ExitIO,
			Port:   port,
			Size:   int(size),
			Data:   v.run.IOData(),
			Write:  direction == kvm.EXITIOOUT,
		}, nil
	case kvm.EXITMMIO:
		addr, data, isWrite := v.run.MMIO()

		return Exit{Reason: ExitMMIO, Addr: addr, Size: len(data), Data: data, Write: isWrite}, nil
	case kvm.EXITHLT:
		return Exit{Reason: ExitHalt}, nil
	case kvm.EXITSHUTDOWN:
		return Exit{Reason: ExitShutdown}, nil
	case kvm.EXITINTR:
		return Exit{Reason: ExitIntr}, nil
	case kvm.EXITFAILENTRY, kvm.EXITINTERNALERROR:
		return Exit{Reason: ExitFail}, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, t)
	default:
		return Exit{Reason: ExitUnknown}, nil
	}
}

// Kick forces a running vCPU out of the guest. ImmediateExit covers the
// window before the thread enters KVM_RUN; the signal covers the rest.
func (v *kvmVCPU) Kick() error {
	v.run.ImmediateExit = 1

	tid := v.tid.Load()
	if tid == 0 {
		return nil
	}

	return unix.Tgkill(unix.Getpid(), int(tid), unix.SIGURG)
}

func (v *kvmVCPU) PC() (uint64, error) {
	regs, err := kvm.GetRegs(v.fd)
	if err != nil {
		return 0, err
	}

	return regs.RIP, nil
}

// SetupBoot puts the vCPU in 32-bit protected mode at the PVH entry point
// with the start info pointer in RBX.
func (v *kvmVCPU) SetupBoot(bs pvh.BootState) error {
	regs, err := kvm.GetRegs(v.fd)
	if err != nil {
		return fmt.Errorf("GetRegs: %w", err)
	}

	regs.RFLAGS = 2
	regs.RIP = bs.Entry
	regs.RBX = bs.StartInfo

	if err := kvm.SetRegs(v.fd, regs); err != nil {
		return fmt.Errorf("SetRegs: %w", err)
	}

	sregs, err := kvm.GetSregs(v.fd)
	if err != nil {
		return fmt.Errorf("GetSregs: %w", err)
	}

	code := pvh.SegmentFromGDT(bs.GDT[segCode], segCode)
	data := pvh.SegmentFromGDT(bs.GDT[segData], segData)

	sregs.CS = code
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data
	sregs.TR = pvh.SegmentFromGDT(bs.GDT[segTSS], segTSS)

	sregs.GDT.Base = bs.GDTAddr
	sregs.GDT.Limit = uint16(len(bs.GDT)*8 - 1)
	sregs.IDT.Base = bs.IDTAddr
	sregs.IDT.Limit = 7

	sregs.CR0 |= cr0PE
	sregs.CR4 = 0
	sregs.EFER = 0

	if err := kvm.SetSregs(v.fd, sregs); err != nil {
		return fmt.Errorf("SetSregs: %w", err)
	}

	return nil
}

type kvmState struct {
	Backend string
	Regs    []byte
	Sregs   []byte
}

func (v *kvmVCPU) SaveState() ([]byte, error) {
	regs, err := kvm.GetRegs(v.fd)
	if err != nil {
		return nil, fmt.Errorf("GetRegs cpu%d: %w", v.id, err)
	}

	sregs, err := kvm.GetSregs(v.fd)
	if err != nil {
		return nil, fmt.Errorf("GetSregs cpu%d: %w", v.id, err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(kvmState{
		Backend: "kvm",
		Regs:    cloneBytes(structBytes(regs)),
		Sregs:   cloneBytes(structBytes(sregs)),
	}); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (v *kvmVCPU) RestoreState(b []byte) error {
	var s kvmState
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&s); err != nil {
		return err
	}

	if s.Backend != "kvm" {
		return fmt.Errorf("%w: %q", errStateVersion, s.Backend)
	}

	var (
		regs  kvm.Regs
		sregs kvm.Sregs
	)

	if err := copyStruct(&regs, s.Regs); err != nil {
		return err
	}

	if err := copyStruct(&sregs, s.Sregs); err != nil {
		return err
	}

	if err := kvm.SetSregs(v.fd, &sregs); err != nil {
		return fmt.Errorf("SetSregs cpu%d: %w", v.id, err)
	}

	if err := kvm.SetRegs(v.fd, &regs); err != nil {
		return fmt.Errorf("SetRegs cpu%d: %w", v.id, err)
	}

	return nil
}

func (v *kvmVCPU) release() error {
	var err error

	v.once.Do(func() {
		if merr := unix.Munmap(v.mmap); merr != nil {
			err = merr
		}

		if cerr := unix.Close(int(v.fd)); cerr != nil && err == nil {
			err = cerr
		}
	})

	return err
}

func (v *kvmVCPU) Close() error {
	v.m.mu.Lock()
	if v.m.vcpus != nil {
		delete(v.m.vcpus, v.id)
	}
	v.m.mu.Unlock()

	return v.release()
}
