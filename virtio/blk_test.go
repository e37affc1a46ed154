package virtio_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kvmbox/kvmbox/virtio"
)

type sliceMem []byte

func (m sliceMem) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m[off:]), nil
}

func (m sliceMem) WriteAt(p []byte, off int64) (int, error) {
	return copy(m[off:], p), nil
}

type mockInjector struct {
	mu     sync.Mutex
	levels []uint32
}

func (m *mockInjector) SetIRQLine(irq, level uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.levels = append(m.levels, level)

	return nil
}

func (m *mockInjector) last() (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.levels) == 0 {
		return 0, false
	}

	return m.levels[len(m.levels)-1], true
}

const (
	descTable = 0x1000
	availRing = 0x2000
	usedRing  = 0x3000
	queueSize = 8
)

func newImage(t *testing.T, size int) string {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i & 0xff)
	}

	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	return path
}

func newTestBlk(t *testing.T, readOnly bool) (*virtio.Blk, sliceMem, *mockInjector) {
	t.Helper()

	mem := make(sliceMem, 0x100000)
	inj := &mockInjector{}

	v, err := virtio.NewBlk("vda-serial", newImage(t, 4096), readOnly, 10, inj, mem)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { _ = v.Close() })

	return v, mem, inj
}

func writeReg(t *testing.T, v *virtio.Blk, off uint64, size int, val uint64) {
	t.Helper()

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, val)

	if err := v.Write(off, buf[:size]); err != nil {
		t.Fatal(err)
	}
}

func readReg(t *testing.T, v *virtio.Blk, off uint64, size int) uint64 {
	t.Helper()

	buf := make([]byte, 8)
	if err := v.Read(off, buf[:size]); err != nil {
		t.Fatal(err)
	}

	return binary.LittleEndian.Uint64(buf)
}

func setupQueue(t *testing.T, v *virtio.Blk) {
	t.Helper()

	writeReg(t, v, 0x14, 1, 1|2|8)
	writeReg(t, v, 0x16, 2, 0)
	writeReg(t, v, 0x18, 2, queueSize)
	writeReg(t, v, 0x20, 8, descTable)
	writeReg(t, v, 0x28, 4, availRing)
	writeReg(t, v, 0x2c, 4, 0)
	writeReg(t, v, 0x30, 8, usedRing)
	writeReg(t, v, 0x1c, 2, 1)
	writeReg(t, v, 0x14, 1, 1|2|4|8)
}

func putDesc(mem sliceMem, idx int, addr uint64, length uint32, flags, next uint16) {
	off := descTable + idx*16
	binary.LittleEndian.PutUint64(mem[off:], addr)
	binary.LittleEndian.PutUint32(mem[off+8:], length)
	binary.LittleEndian.PutUint16(mem[off+12:], flags)
	binary.LittleEndian.PutUint16(mem[off+14:], next)
}

// submit places a three-descriptor request at head 0 of the avail ring.
func submit(mem sliceMem, typ uint32, sector uint64, dataLen uint32, dataWritable bool) {
	binary.LittleEndian.PutUint32(mem[0x4000:], typ)
	binary.LittleEndian.PutUint64(mem[0x4008:], sector)

	var dflags uint16 = 1
	if dataWritable {
		dflags |= 2
	}

	putDesc(mem, 0, 0x4000, 16, 1, 1)
	putDesc(mem, 1, 0x5000, dataLen, dflags, 2)
	putDesc(mem, 2, 0x6000, 1, 2, 0)

	mem[0x6000] = 0xff

	idx := binary.LittleEndian.Uint16(mem[availRing+2:])
	binary.LittleEndian.PutUint16(mem[availRing+4+int(idx%queueSize)*2:], 0)
	binary.LittleEndian.PutUint16(mem[availRing+2:], idx+1)
}

func TestBlkConfigSpace(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestBlk(t, false)
	cfg := v.Config()

	if cfg.VendorID() != 0x1af4 || cfg.DeviceID() != 0x1042 {
		t.Fatalf("unexpected ids %#x:%#x", cfg.VendorID(), cfg.DeviceID())
	}

	if err := cfg.Write(0x10, 4, 0xffffffff); err != nil {
		t.Fatal(err)
	}

	lo, _ := cfg.Read(0x10, 4)
	if expected := uint32(0xffffc004); lo != expected {
		t.Fatalf("expected: %#x, actual: %#x", expected, lo)
	}

	// Walk the capability list and collect the virtio cfg types.
	var types []uint32

	ptr, _ := cfg.Read(0x34, 1)
	for ptr != 0 {
		id, _ := cfg.Read(int(ptr), 1)
		if id != 0x09 {
			t.Fatalf("expected vendor capability at %#x, actual: %#x", ptr, id)
		}

		typ, _ := cfg.Read(int(ptr)+3, 1)
		types = append(types, typ)

		ptr, _ = cfg.Read(int(ptr)+1, 1)
	}

	if len(types) != 4 {
		t.Fatalf("expected 4 capabilities, actual: %v", types)
	}

	if pin, _ := cfg.Read(0x3d, 1); pin != 1 {
		t.Fatalf("expected: 1, actual: %d", pin)
	}

	if line, _ := cfg.Read(0x3c, 1); line != 10 {
		t.Fatalf("expected: 10, actual: %d", line)
	}
}

func TestBlkFeaturesAndConfig(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestBlk(t, true)

	writeReg(t, v, 0x00, 4, 1)
	if hi := readReg(t, v, 0x04, 4); hi&1 == 0 {
		t.Fatalf("VERSION_1 not offered: %#x", hi)
	}

	writeReg(t, v, 0x00, 4, 0)
	if lo := readReg(t, v, 0x04, 4); lo&(1<<5) == 0 {
		t.Fatalf("RO not offered: %#x", lo)
	}

	if n := readReg(t, v, 0x12, 2); n != 1 {
		t.Fatalf("expected: 1, actual: %d", n)
	}

	if c := readReg(t, v, 0x2000, 8); c != 8 {
		t.Fatalf("expected capacity 8, actual: %d", c)
	}

	// Drivers cannot accept features the device does not offer.
	writeReg(t, v, 0x08, 4, 0)
	writeReg(t, v, 0x0c, 4, 0xffffffff)

	if gf := readReg(t, v, 0x0c, 4); gf != (1<<2 | 1<<5 | 1<<6 | 1<<9) {
		t.Fatalf("unexpected driver features %#x", gf)
	}
}

func TestBlkIORead(t *testing.T) {
	t.Parallel()

	v, mem, inj := newTestBlk(t, false)
	setupQueue(t, v)
	submit(mem, 0, 1, 512, true)

	if err := v.IO(); err != nil {
		t.Fatal(err)
	}

	if mem[0x6000] != 0 {
		t.Fatalf("status: expected 0, actual: %d", mem[0x6000])
	}

	expected := make([]byte, 512)
	for i := range expected {
		expected[i] = byte((512 + i) & 0xff)
	}

	if !bytes.Equal(mem[0x5000:0x5200], expected) {
		t.Fatal("data mismatch")
	}

	if idx := binary.LittleEndian.Uint16(mem[usedRing+2:]); idx != 1 {
		t.Fatalf("used idx: expected 1, actual: %d", idx)
	}

	if l := binary.LittleEndian.Uint32(mem[usedRing+8:]); l != 513 {
		t.Fatalf("used len: expected 513, actual: %d", l)
	}

	if level, ok := inj.last(); !ok || level != 1 {
		t.Fatalf("irq not raised: %v", inj.levels)
	}

	if isr := readReg(t, v, 0x1000, 1); isr != 1 {
		t.Fatalf("isr: expected 1, actual: %d", isr)
	}

	if level, _ := inj.last(); level != 0 {
		t.Fatal("irq not lowered after isr read")
	}

	if isr := readReg(t, v, 0x1000, 1); isr != 0 {
		t.Fatalf("isr: expected 0, actual: %d", isr)
	}

	if err := v.IO(); err == nil {
		t.Fatal("expected no work on an empty queue")
	}
}

func TestBlkIOWrite(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		readOnly bool
		status   byte
	}{
		{false, 0},
		{true, 1},
	} {
		v, mem, _ := newTestBlk(t, tt.readOnly)
		setupQueue(t, v)

		copy(mem[0x5000:], bytes.Repeat([]byte{0xaa}, 512))
		submit(mem, 1, 2, 512, false)

		if err := v.IO(); err != nil {
			t.Fatal(err)
		}

		if mem[0x6000] != tt.status {
			t.Fatalf("ro=%v: expected: %d, actual: %d", tt.readOnly, tt.status, mem[0x6000])
		}

		// Read the sector back.
		submit(mem, 0, 2, 512, true)

		if err := v.IO(); err != nil {
			t.Fatal(err)
		}

		written := mem[0x5000] == 0xaa && mem[0x51ff] == 0xaa
		if written == tt.readOnly {
			t.Fatalf("ro=%v: unexpected sector content %#x", tt.readOnly, mem[0x5000:0x5004])
		}
	}
}

func TestBlkOutOfRange(t *testing.T) {
	t.Parallel()

	v, mem, _ := newTestBlk(t, false)
	setupQueue(t, v)
	submit(mem, 0, 8, 512, true)

	if err := v.IO(); err != nil {
		t.Fatal(err)
	}

	if mem[0x6000] != 1 {
		t.Fatalf("status: expected 1, actual: %d", mem[0x6000])
	}
}

func TestBlkGetID(t *testing.T) {
	t.Parallel()

	v, mem, _ := newTestBlk(t, false)
	setupQueue(t, v)
	submit(mem, 8, 0, 20, true)

	if err := v.IO(); err != nil {
		t.Fatal(err)
	}

	if mem[0x6000] != 0 {
		t.Fatalf("status: expected 0, actual: %d", mem[0x6000])
	}

	if id := string(bytes.TrimRight(mem[0x5000:0x5014], "\x00")); id != "vda-serial" {
		t.Fatalf("expected: vda-serial, actual: %q", id)
	}
}

func TestBlkUnsupported(t *testing.T) {
	t.Parallel()

	v, mem, _ := newTestBlk(t, false)
	setupQueue(t, v)
	submit(mem, 11, 0, 16, false)

	if err := v.IO(); err != nil {
		t.Fatal(err)
	}

	if mem[0x6000] != 2 {
		t.Fatalf("status: expected 2, actual: %d", mem[0x6000])
	}
}

func TestBlkIOThread(t *testing.T) {
	t.Parallel()

	v, mem, _ := newTestBlk(t, false)
	setupQueue(t, v)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		v.IOThreadEntry()
	}()

	submit(mem, 4, 0, 0, false)

	// Notify twice; a kick must never block the vCPU.
	for i := 0; i < 2; i++ {
		writeReg(t, v, 0x3000, 2, 0)
	}

	deadline := time.Now().Add(3 * time.Second)
	for readReg(t, v, 0x1000, 1) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request not served by the io thread")
		}

		time.Sleep(10 * time.Millisecond)
	}

	if err := v.Close(); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("IOThreadEntry did not exit after Close")
	}

	// Kicks after Close are dropped.
	writeReg(t, v, 0x3000, 2, 0)

	if err := v.Close(); err == nil {
		t.Fatal("second Close: got nil, want error")
	}
}

func TestBlkReset(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestBlk(t, false)
	setupQueue(t, v)

	writeReg(t, v, 0x14, 1, 0)

	if s := readReg(t, v, 0x14, 1); s != 0 {
		t.Fatalf("status: expected 0, actual: %d", s)
	}

	if e := readReg(t, v, 0x1c, 2); e != 0 {
		t.Fatalf("queue still enabled after reset")
	}

	if d := readReg(t, v, 0x20, 8); d != 0 {
		t.Fatalf("queue desc: expected 0, actual: %#x", d)
	}
}

func TestBlkState(t *testing.T) {
	t.Parallel()

	src, mem, _ := newTestBlk(t, false)
	setupQueue(t, src)
	submit(mem, 4, 0, 0, false)

	if err := src.IO(); err != nil {
		t.Fatal(err)
	}

	if err := src.Config().SetBARAddress(0, 0xc000_0000); err != nil {
		t.Fatal(err)
	}

	dst, err := virtio.NewBlk("vda-serial", newImage(t, 4096), false, 10, &mockInjector{}, mem)
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()

	if err := dst.SetState(src.State()); err != nil {
		t.Fatal(err)
	}

	for _, off := range []uint64{0x14, 0x18, 0x1c, 0x20, 0x28, 0x30} {
		if a, b := readReg(t, src, off, 2), readReg(t, dst, off, 2); a != b {
			t.Fatalf("register %#x: expected: %#x, actual: %#x", off, a, b)
		}
	}

	if addr, _ := dst.Config().BARAddress(0); addr != 0xc000_0000 {
		t.Fatalf("expected: 0xc0000000, actual: %#x", addr)
	}

	// The restored queue continues after the served request.
	submit(mem, 4, 0, 0, false)

	if err := dst.IO(); err != nil {
		t.Fatal(err)
	}

	if idx := binary.LittleEndian.Uint16(mem[usedRing+2:]); idx != 2 {
		t.Fatalf("used idx: expected 2, actual: %d", idx)
	}

	small, err := virtio.NewBlk("x", newImage(t, 1024), false, 10, nil, mem)
	if err != nil {
		t.Fatal(err)
	}
	defer small.Close()

	if err := small.SetState(src.State()); err == nil {
		t.Fatal("expected an error for a different capacity")
	}
}
