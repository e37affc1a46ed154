package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/kvmbox/kvmbox/pci"
)

// Layout of the single memory BAR.
const (
	BARSize = 0x4000

	commonOffset = 0x0000
	isrOffset    = 0x1000
	deviceOffset = 0x2000
	notifyOffset = 0x3000
	windowSize   = 0x1000

	notifyOffMultiplier = 4
)

// Common configuration registers.
const (
	commonDFSelect   = 0x00
	commonDF         = 0x04
	commonGFSelect   = 0x08
	commonGF         = 0x0c
	commonMSIX       = 0x10
	commonNumQ       = 0x12
	commonStatus     = 0x14
	commonCfgGen     = 0x15
	commonQSelect    = 0x16
	commonQSize      = 0x18
	commonQMSIX      = 0x1a
	commonQEnable    = 0x1c
	commonQNotifyOff = 0x1e
	commonQDesc      = 0x20
	commonQAvail     = 0x28
	commonQUsed      = 0x30
	commonSize       = 0x38

	noVector = 0xffff
)

// virtio_pci_cap cfg_type values.
const (
	capCommonCfg = 1
	capNotifyCfg = 2
	capISRCfg    = 3
	capDeviceCfg = 4

	pciCapVendor = 0x09
)

// deviceHandler is the device-type specific half of a virtio-pci function.
type deviceHandler interface {
	readConfig(offset uint64, data []byte)
	writeConfig(offset uint64, data []byte)
	notify(queue int)
	reset()
}

// transport implements the virtio-pci modern register interface on top of
// a pci.ConfigSpace and one 64-bit memory BAR. Registers are guarded by mu.
type transport struct {
	mu sync.Mutex

	cfg     *pci.ConfigSpace
	handler deviceHandler

	deviceFeatures uint64
	driverFeatures uint64
	dfSelect       uint32
	gfSelect       uint32
	msixConfig     uint16
	status         uint8
	generation     uint8
	queueSel       uint16
	queues         []*VirtQueue
	queueMSIX      []uint16
	isr            uint8

	irq      uint32
	injector IRQInjector
}

func vendorCap(cfgType, bar uint8, offset, length uint32, extra ...byte) []byte {
	body := make([]byte, 14, 14+len(extra))
	body[0] = uint8(2 + 14 + len(extra))
	body[1] = cfgType
	body[2] = bar
	binary.LittleEndian.PutUint32(body[6:], offset)
	binary.LittleEndian.PutUint32(body[10:], length)

	return append(body, extra...)
}

func newTransport(h pci.DeviceHeader, features uint64, nq int, irq uint32, inj IRQInjector, handler deviceHandler) (*transport, error) {
	h.InterruptPin = 1
	h.InterruptLine = uint8(irq)

	cfg, err := pci.NewConfigSpace(h, pci.BAR{Index: 0, Size: BARSize, Is64: true})
	if err != nil {
		return nil, err
	}

	caps := [][]byte{
		vendorCap(capCommonCfg, 0, commonOffset, commonSize),
		vendorCap(capISRCfg, 0, isrOffset, 1),
		vendorCap(capDeviceCfg, 0, deviceOffset, windowSize),
		vendorCap(capNotifyCfg, 0, notifyOffset, windowSize, pci.NumToBytes(uint32(notifyOffMultiplier))...),
	}

	for _, c := range caps {
		if _, err := cfg.AddCapability(pciCapVendor, c); err != nil {
			return nil, err
		}
	}

	cfg.SetInterruptLine(uint8(irq))

	t := &transport{
		cfg:            cfg,
		handler:        handler,
		deviceFeatures: features | featureVersion1,
		irq:            irq,
		injector:       inj,
	}

	for i := 0; i < nq; i++ {
		t.queues = append(t.queues, NewVirtQueue(MaxQueueSize))
		t.queueMSIX = append(t.queueMSIX, noVector)
	}

	t.msixConfig = noVector

	return t, nil
}

func (t *transport) selected() (*VirtQueue, int) {
	if int(t.queueSel) >= len(t.queues) {
		return nil, -1
	}

	return t.queues[t.queueSel], int(t.queueSel)
}

func featureWord(f uint64, sel uint32) uint32 {
	if sel > 1 {
		return 0
	}

	return uint32(f >> (32 * sel))
}

func (t *transport) commonBytes() []byte {
	buf := make([]byte, commonSize)
	le := binary.LittleEndian

	le.PutUint32(buf[commonDFSelect:], t.dfSelect)
	le.PutUint32(buf[commonDF:], featureWord(t.deviceFeatures, t.dfSelect))
	le.PutUint32(buf[commonGFSelect:], t.gfSelect)
	le.PutUint32(buf[commonGF:], featureWord(t.driverFeatures, t.gfSelect))
	le.PutUint16(buf[commonMSIX:], t.msixConfig)
	le.PutUint16(buf[commonNumQ:], uint16(len(t.queues)))
	buf[commonStatus] = t.status
	buf[commonCfgGen] = t.generation
	le.PutUint16(buf[commonQSelect:], t.queueSel)

	if q, i := t.selected(); q != nil {
		le.PutUint16(buf[commonQSize:], q.Size)
		le.PutUint16(buf[commonQMSIX:], t.queueMSIX[i])

		if q.Ready {
			le.PutUint16(buf[commonQEnable:], 1)
		}

		le.PutUint16(buf[commonQNotifyOff:], uint16(i))
		le.PutUint64(buf[commonQDesc:], q.DescTableAddr)
		le.PutUint64(buf[commonQAvail:], q.AvailRingAddr)
		le.PutUint64(buf[commonQUsed:], q.UsedRingAddr)
	}

	return buf
}

func setHalf(p *uint64, off uint64, data []byte) {
	v := pci.BytesToNum(data)

	switch {
	case len(data) == 8:
		*p = v
	case off%8 == 0:
		*p = *p&^0xffffffff | v&0xffffffff
	default:
		*p = *p&0xffffffff | v<<32
	}
}

func (t *transport) writeCommon(off uint64, data []byte) {
	v := pci.BytesToNum(data)
	q, i := t.selected()

	switch {
	case off == commonDFSelect:
		t.dfSelect = uint32(v)
	case off == commonGFSelect:
		t.gfSelect = uint32(v)
	case off == commonGF:
		if t.gfSelect > 1 {
			return
		}

		shift := 32 * uint64(t.gfSelect)
		t.driverFeatures = t.driverFeatures&^(0xffffffff<<shift) | (v&0xffffffff)<<shift
		t.driverFeatures &= t.deviceFeatures
	case off == commonMSIX:
		t.msixConfig = uint16(v)
	case off == commonStatus:
		t.setStatus(uint8(v))
	case off == commonQSelect:
		t.queueSel = uint16(v)
	case q == nil:
		return
	case off == commonQSize:
		if err := q.SetSize(uint16(v)); err != nil {
			virtioLog.WithError(err).Debug("queue size rejected")
		}
	case off == commonQMSIX:
		t.queueMSIX[i] = uint16(v)
	case off == commonQEnable:
		q.Ready = v == 1
	case off >= commonQDesc && off < commonQAvail:
		setHalf(&q.DescTableAddr, off, data)
	case off >= commonQAvail && off < commonQUsed:
		setHalf(&q.AvailRingAddr, off, data)
	case off >= commonQUsed && off < commonSize:
		setHalf(&q.UsedRingAddr, off, data)
	}
}

func (t *transport) setStatus(s uint8) {
	if s == 0 {
		t.resetLocked()

		return
	}

	if s&statusFailed != 0 {
		virtioLog.WithField("status", s).Warn("driver reported failure")
	}

	t.status = s
}

func (t *transport) resetLocked() {
	t.status = 0
	t.driverFeatures = 0
	t.dfSelect = 0
	t.gfSelect = 0
	t.queueSel = 0
	t.isr = 0
	t.msixConfig = noVector

	for i, q := range t.queues {
		q.Reset()
		t.queueMSIX[i] = noVector
	}

	t.handler.reset()
	t.lowerLocked()
}

// raiseLocked sets the used-buffer bit of the ISR and asserts INTx.
func (t *transport) raiseLocked(bit uint8) {
	t.isr |= bit

	if t.injector == nil {
		return
	}

	if err := t.injector.SetIRQLine(t.irq, 1); err != nil {
		virtioLog.WithError(err).Warn("raise irq")
	}
}

func (t *transport) lowerLocked() {
	if t.injector == nil {
		return
	}

	if err := t.injector.SetIRQLine(t.irq, 0); err != nil {
		virtioLog.WithError(err).Warn("lower irq")
	}
}

// readBAR services a guest read of the memory BAR at offset.
func (t *transport) readBAR(offset uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range data {
		data[i] = 0
	}

	switch {
	case offset < commonOffset+commonSize:
		copy(data, t.commonBytes()[offset-commonOffset:])
	case offset == isrOffset:
		data[0] = t.isr
		t.isr = 0
		t.lowerLocked()
	case offset >= deviceOffset && offset < deviceOffset+windowSize:
		t.handler.readConfig(offset-deviceOffset, data)
	case offset >= BARSize:
		return fmt.Errorf("%w: bar offset %#x", pci.ErrInvalidAccess, offset)
	}

	return nil
}

// writeBAR services a guest write of the memory BAR at offset.
func (t *transport) writeBAR(offset uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case offset < commonOffset+commonSize:
		t.writeCommon(offset-commonOffset, data)
	case offset >= deviceOffset && offset < deviceOffset+windowSize:
		t.handler.writeConfig(offset-deviceOffset, data)
		t.generation++
	case offset >= notifyOffset && offset < notifyOffset+windowSize:
		q := int((offset - notifyOffset) / notifyOffMultiplier)
		if q < len(t.queues) {
			t.handler.notify(q)
		}
	case offset >= BARSize:
		return fmt.Errorf("%w: bar offset %#x", pci.ErrInvalidAccess, offset)
	}

	return nil
}

// TransportState is the saved register file of a virtio-pci function.
type TransportState struct {
	DeviceFeatureSel uint32
	DriverFeatureSel uint32
	DriverFeatures   uint64
	MSIXConfig       uint16
	Status           uint8
	Generation       uint8
	QueueSel         uint16
	ISR              uint8
	Queues           []QueueState
	QueueMSIX        []uint16
	Config           []byte
}

func (t *transport) state() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := TransportState{
		DeviceFeatureSel: t.dfSelect,
		DriverFeatureSel: t.gfSelect,
		DriverFeatures:   t.driverFeatures,
		MSIXConfig:       t.msixConfig,
		Status:           t.status,
		Generation:       t.generation,
		QueueSel:         t.queueSel,
		ISR:              t.isr,
		QueueMSIX:        append([]uint16{}, t.queueMSIX...),
		Config:           t.cfg.Bytes(),
	}

	for _, q := range t.queues {
		s.Queues = append(s.Queues, q.State())
	}

	return s
}

func (t *transport) setState(s TransportState) error {
	if len(s.Queues) != len(t.queues) || len(s.QueueMSIX) != len(t.queues) {
		return fmt.Errorf("%w: state has %d queues, device has %d", errInvalidQueue, len(s.Queues), len(t.queues))
	}

	if err := t.cfg.Restore(s.Config); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.dfSelect = s.DeviceFeatureSel
	t.gfSelect = s.DriverFeatureSel
	t.driverFeatures = s.DriverFeatures & t.deviceFeatures
	t.msixConfig = s.MSIXConfig
	t.status = s.Status
	t.generation = s.Generation
	t.queueSel = s.QueueSel
	t.isr = s.ISR

	for i, q := range t.queues {
		q.SetState(s.Queues[i])
		t.queueMSIX[i] = s.QueueMSIX[i]
	}

	return nil
}
