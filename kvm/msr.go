package kvm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const maxMSRs = 1024

// MSRList is a kvm_msr_list with room for maxMSRs indices.
type MSRList struct {
	NMSRs    uint32
	Indicies [maxMSRs]uint32
}

// GetMSRIndexList returns the MSRs KVM saves and restores for a guest. The
// list varies by kvm version and host processor, but does not change
// otherwise.
func GetMSRIndexList(kvmFd uintptr) ([]uint32, error) {
	list := &MSRList{NMSRs: maxMSRs}

	_, err := Ioctl(kvmFd, IIOWR(kvmGetMSRIndexList, 4), uintptr(unsafe.Pointer(list)))
	if errors.Is(err, unix.E2BIG) {
		return nil, fmt.Errorf("more than %d msrs: %w", maxMSRs, err)
	}

	if err != nil {
		return nil, err
	}

	out := make([]uint32, list.NMSRs)
	copy(out, list.Indicies[:list.NMSRs])

	return out, nil
}

// GetMSRFeatureIndexList returns the MSRs describing host features that can
// be read with the system KVM_GET_MSRS.
func GetMSRFeatureIndexList(kvmFd uintptr) ([]uint32, error) {
	list := &MSRList{NMSRs: maxMSRs}

	if _, err := Ioctl(kvmFd, IIOWR(kvmGetMSRFeatureIndexList, 4), uintptr(unsafe.Pointer(list))); err != nil {
		return nil, err
	}

	out := make([]uint32, list.NMSRs)
	copy(out, list.Indicies[:list.NMSRs])

	return out, nil
}
