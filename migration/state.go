// Package migration defines the saved state of a VM and the framed stream
// it travels in.
package migration

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/kvmbox/kvmbox/memory"
	"github.com/kvmbox/kvmbox/serial"
	"github.com/kvmbox/kvmbox/virtio"
)

// Version is bumped whenever HypervisorState changes incompatibly.
const Version = 1

// ErrVersionMismatch is returned when decoding state of another version.
var ErrVersionMismatch = errors.New("saved state version mismatch")

// VCPUState is the backend-specific state blob of one vCPU.
type VCPUState struct {
	ID   int
	Data []byte
}

// DeviceState is one attached device. Index and PCIAddr fix the guest view
// of the device so the agent sees identical descriptors after a restore.
type DeviceState struct {
	ID          string
	HostPath    string
	ReadOnly    bool
	Index       uint64
	VirtPath    string
	PCIAddr     string
	Slot        int
	IRQ         uint32
	AttachCount uint64
	Blk         virtio.BlkState
}

// HypervisorState is a snapshot of a VM. Guest memory contents are not part
// of it; they travel as MsgMemory frames next to the MsgSnapshot frame.
type HypervisorState struct {
	Version    int
	InstanceID string
	Backend    string
	VCPUs      []VCPUState
	Devices    []DeviceState
	Regions    []memory.RegionDescriptor
	Serial     serial.State
}

// NewHypervisorState returns an empty state of the current version.
func NewHypervisorState(instanceID, backend string) *HypervisorState {
	return &HypervisorState{Version: Version, InstanceID: instanceID, Backend: backend}
}

// Encode writes s with gob.
func Encode(w io.Writer, s *HypervisorState) error {
	if err := gob.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	return nil
}

// Decode reads a state written by Encode and checks its version.
func Decode(r io.Reader) (*HypervisorState, error) {
	s := &HypervisorState{}
	if err := gob.NewDecoder(r).Decode(s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}

	if s.Version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, s.Version, Version)
	}

	return s, nil
}

// Marshal is Encode into a byte slice.
func Marshal(s *HypervisorState) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, s); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal is Decode from a byte slice.
func Unmarshal(b []byte) (*HypervisorState, error) {
	return Decode(bytes.NewReader(b))
}
