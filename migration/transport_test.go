package migration_test

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/kvmbox/kvmbox/memory"
	"github.com/kvmbox/kvmbox/migration"
	"github.com/kvmbox/kvmbox/serial"
	"github.com/kvmbox/kvmbox/virtio"
)

// pipe returns a connected (Sender, Receiver) pair backed by an in-memory pipe.
func pipe() (*migration.Sender, *migration.Receiver) {
	pr, pw := io.Pipe()

	return migration.NewSender(pw), migration.NewReceiver(pr)
}

// mustNext calls recv.Next and fails the test on error.
func mustNext(t *testing.T, recv *migration.Receiver) (migration.MsgType, []byte) {
	t.Helper()

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Receiver.Next: %v", err)
	}

	return msgType, payload
}

func sampleState() *migration.HypervisorState {
	s := migration.NewHypervisorState("0b5d1c9e-7a8e-4f4c-9d57-3e1f3c5a1f00", "mock")
	s.VCPUs = []migration.VCPUState{{ID: 0, Data: []byte{1, 2, 3}}}
	s.Devices = []migration.DeviceState{{
		ID:          "rootfs",
		HostPath:    "/var/lib/images/rootfs.img",
		Index:       0,
		VirtPath:    "/dev/vda",
		PCIAddr:     "00:01.0",
		Slot:        1,
		IRQ:         6,
		AttachCount: 1,
		Blk:         virtio.BlkState{ID: "rootfs", Capacity: 2048},
	}}
	s.Regions = []memory.RegionDescriptor{
		{ID: "ram0", Start: 0, Size: 0x4000000, Type: memory.RAM, Backing: memory.Shmem, Slot: 0},
	}
	s.Serial = serial.State{IER: 1, LCR: 3}

	return s
}

func TestSendReceiveDone(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendDone(); err != nil {
			t.Errorf("SendDone: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgDone {
		t.Fatalf("expected: %d, actual: %d", migration.MsgDone, msgType)
	}

	if len(payload) != 0 {
		t.Fatalf("MsgDone should carry no payload, got %d bytes", len(payload))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()
	want := sampleState()

	go func() {
		if err := sender.SendSnapshot(want); err != nil {
			t.Errorf("SendSnapshot: %v", err)
		}
	}()

	got, err := recv.ReceiveSnapshot()
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected: %+v, actual: %+v", want, got)
	}
}

func TestSendRegion(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	sender := migration.NewSender(&buf)
	mem := bytes.Repeat([]byte{0xa5}, migration.MemoryChunkSize+0x1000)

	if err := sender.SendRegion("ram1", mem); err != nil {
		t.Fatal(err)
	}

	recv := migration.NewReceiver(&buf)

	for i, expected := range []struct {
		offset uint64
		size   int
	}{
		{0, migration.MemoryChunkSize},
		{migration.MemoryChunkSize, 0x1000},
	} {
		typ, payload := mustNext(t, recv)
		if typ != migration.MsgMemory {
			t.Fatalf("frame %d: expected: %d, actual: %d", i, migration.MsgMemory, typ)
		}

		id, off, data, err := migration.DecodeMemory(payload)
		if err != nil {
			t.Fatal(err)
		}

		if id != "ram1" || off != expected.offset || len(data) != expected.size {
			t.Fatalf("frame %d: unexpected chunk %s %#x %#x", i, id, off, len(data))
		}
	}
}

func TestDecodeMemoryShort(t *testing.T) {
	t.Parallel()

	for _, payload := range [][]byte{nil, {0}, {0, 4, 'r', 'a', 'm'}} {
		if _, _, _, err := migration.DecodeMemory(payload); err == nil {
			t.Fatalf("expected an error for %x", payload)
		}
	}
}

func TestReceiveSnapshotWrongType(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := migration.NewSender(&buf).SendDone(); err != nil {
		t.Fatal(err)
	}

	if _, err := migration.NewReceiver(&buf).ReceiveSnapshot(); err == nil {
		t.Fatal("expected an error for a non-snapshot frame")
	}
}

func TestVersionMismatch(t *testing.T) {
	t.Parallel()

	s := sampleState()
	s.Version = migration.Version + 1

	b, err := migration.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := migration.Unmarshal(b); !errors.Is(err, migration.ErrVersionMismatch) {
		t.Fatalf("expected: %v, actual: %v", migration.ErrVersionMismatch, err)
	}
}

func TestTruncatedPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := migration.NewSender(&buf).SendMemory("ram0", 0, make([]byte, 64)); err != nil {
		t.Fatal(err)
	}

	truncated := buf.Bytes()[:buf.Len()-10]

	if _, _, err := migration.NewReceiver(bytes.NewReader(truncated)).Next(); err == nil {
		t.Fatal("expected an error for a truncated frame")
	}
}
