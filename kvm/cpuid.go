package kvm

import "unsafe"

const (
	// CPUIDSignature is the leaf carrying the hypervisor signature.
	CPUIDSignature = 0x40000000
	// CPUIDFeatures is the leaf carrying the KVM paravirtual features.
	CPUIDFeatures = 0x40000001
	// CPUIDFuncPerMon is the architectural performance monitoring leaf.
	CPUIDFuncPerMon = 0x0A

	maxCPUIDEntries = 100
)

// CPUID is a kvm_cpuid2 with room for maxCPUIDEntries entries.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// CPUIDEntry2 is one kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// kvm_cpuid2 without its flexible array.
const cpuidHeaderSize = 8

// GetSupportedCPUID fills c with the CPUID entries KVM can expose.
func GetSupportedCPUID(kvmFd uintptr, c *CPUID) error {
	c.Nent = maxCPUIDEntries
	_, err := Ioctl(kvmFd, IIOWR(kvmGetSupportedCPUID, cpuidHeaderSize), uintptr(unsafe.Pointer(c)))

	return err
}

// SetCPUID2 sets the CPUID entries of a vCPU.
func SetCPUID2(vcpuFd uintptr, c *CPUID) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetCPUID2, cpuidHeaderSize), uintptr(unsafe.Pointer(c)))

	return err
}

// GuestCPUID returns the supported entries with the KVM signature set and
// performance monitoring hidden.
func GuestCPUID(kvmFd uintptr) (*CPUID, error) {
	c := &CPUID{}
	if err := GetSupportedCPUID(kvmFd, c); err != nil {
		return nil, err
	}

	// https://www.kernel.org/doc/html/latest/virt/kvm/cpuid.html
	for i := 0; i < int(c.Nent); i++ {
		switch c.Entries[i].Function {
		case CPUIDFuncPerMon:
			c.Entries[i].Eax = 0
		case CPUIDSignature:
			c.Entries[i].Eax = CPUIDFeatures
			c.Entries[i].Ebx = 0x4b4d564b // KVMK
			c.Entries[i].Ecx = 0x564b4d56 // VMKV
			c.Entries[i].Edx = 0x4d       // M
		}
	}

	return c, nil
}
