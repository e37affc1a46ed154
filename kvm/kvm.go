// Package kvm wraps the /dev/kvm ioctl interface.
//
// refs
// https://www.kernel.org/doc/Documentation/virtual/kvm/api.txt
package kvm

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// APIVersion is the only KVM_GET_API_VERSION value the kernel has ever
// returned.
const APIVersion = 12

const (
	kvmio = 0xAE

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	kvmGetAPIVersion                 = 0x00
	kvmCreateVM                      = 0x01
	kvmGetMSRIndexList               = 0x02
	kvmCheckExtension                = 0x03
	kvmGetVCPUMMapSize               = 0x04
	kvmGetSupportedCPUID             = 0x05
	kvmGetMSRFeatureIndexList        = 0x0a
	kvmCreateVCPU                    = 0x41
	kvmSetUserMemoryRegion           = 0x46
	kvmSetTSSAddr                    = 0x47
	kvmSetIdentityMapAddr            = 0x48
	kvmCreateIRQChip                 = 0x60
	kvmIRQLine                       = 0x61
	kvmCreatePIT2                    = 0x77
	kvmRun                           = 0x80
	kvmGetRegs                       = 0x81
	kvmSetRegs                       = 0x82
	kvmGetSregs                      = 0x83
	kvmSetSregs                      = 0x84
	kvmSetCPUID2                     = 0x90
	numInterrupts                    = 0x100
	tssAddr                          = 0xfffbd000
	identityMapAddr           uint64 = 0xfffbc000
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | kvmio<<8 | nr
}

// IIO returns the request number of an ioctl without argument.
func IIO(nr uintptr) uintptr {
	return ioc(iocNone, nr, 0)
}

// IIOR returns the request number of an ioctl reading size bytes.
func IIOR(nr, size uintptr) uintptr {
	return ioc(iocRead, nr, size)
}

// IIOW returns the request number of an ioctl writing size bytes.
func IIOW(nr, size uintptr) uintptr {
	return ioc(iocWrite, nr, size)
}

// IIOWR returns the request number of an ioctl both reading and writing.
func IIOWR(nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, nr, size)
}

// Ioctl issues an ioctl, retrying when a signal interrupts it.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}

func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

func CreateVCPU(vmFd uintptr, vcpuID int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(vcpuID))
}

// Run enters the guest. Unlike other calls it does not retry on EINTR, which
// is how a kicked vCPU gets back to its caller.
func Run(vcpuFd uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpuFd, IIO(kvmRun), 0)
	if errno != 0 {
		return errno
	}

	return nil
}

// IsInterrupted reports whether err came from a KVM_RUN cut short by a
// signal or by ImmediateExit.
func IsInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)
}

func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// CheckExtension returns the value the kernel reports for c; zero means
// unsupported.
func CheckExtension(kvmFd uintptr, c Capability) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCheckExtension), uintptr(c))
}

// SetTSSAddr places the three-page TSS region Intel VMX needs below 4GiB.
func SetTSSAddr(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), tssAddr)

	return err
}

// SetIdentityMapAddr places the identity map page right below the TSS.
func SetIdentityMapAddr(vmFd uintptr) error {
	addr := identityMapAddr
	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&addr)))

	return err
}

// RunData is the kvm_run structure shared with the kernel through the vCPU
// mmap.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes a KVM_EXIT_IO exit.
func (r *RunData) IO() (uint64, uint64, uint64, uint64, uint64) {
	direction := r.Data[0] & 0xFF
	size := (r.Data[0] >> 8) & 0xFF
	port := (r.Data[0] >> 16) & 0xFFFF
	count := (r.Data[0] >> 32) & 0xFFFFFFFF
	offset := r.Data[1]

	return direction, size, port, count, offset
}

// IOData returns the data area of an IO exit. It aliases the mapped page, so
// reads must be completed by writing into it before the next Run.
func (r *RunData) IOData() []byte {
	_, size, _, count, offset := r.IO()

	return unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(r), offset)), size*count)
}

// MMIO decodes a KVM_EXIT_MMIO exit. data aliases the mapped page.
func (r *RunData) MMIO() (uint64, []byte, bool) {
	addr := r.Data[0]

	n := r.Data[2] & 0xFFFFFFFF
	if n > 8 {
		n = 8
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(&r.Data[1])), 8)[:n]
	isWrite := (r.Data[2]>>32)&0xFF != 0

	return addr, data, isWrite
}
