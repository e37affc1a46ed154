package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// deviceNamespace seeds name-based device ids so the same host device gets
// the same id in every sandbox.
var deviceNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("kvmbox.device"))

// AgentDevice is the descriptor handed to the guest agent.
type AgentDevice struct {
	ID            string
	Type          string
	VMPath        string
	ContainerPath string
	Options       []string
}

type entry struct {
	mu       sync.Mutex
	identity string
	dev      Device
	removed  bool
}

// Manager tracks the devices of one sandbox. Calls for the same device are
// serialized; calls for different devices run concurrently.
type Manager struct {
	hv     Hypervisor
	driver string
	sysDev string

	mu         sync.Mutex
	devices    map[string]*entry
	byIdentity map[string]*entry
	index      *indexPool
}

// NewManager returns a manager plugging devices into h with the given block
// driver.
func NewManager(h Hypervisor, driver string) (*Manager, error) {
	if _, err := agentDevType(driver); err != nil {
		return nil, err
	}

	return &Manager{
		hv:         h,
		driver:     driver,
		sysDev:     sysDevPrefix,
		devices:    make(map[string]*entry),
		byIdentity: make(map[string]*entry),
		index:      newIndexPool(),
	}, nil
}

// SetSysDevPrefix points host path resolution at another sysfs tree.
func (m *Manager) SetSysDevPrefix(p string) {
	m.sysDev = p
}

func (m *Manager) Logger() *logrus.Entry {
	return deviceLog.WithField("driver", m.driver)
}

func agentDevType(driver string) (string, error) {
	switch driver {
	case VirtioBlockPCI:
		return AgentBlkDevType, nil
	case VirtioBlockMMIO:
		return AgentMMIOBlkDevType, nil
	}

	return "", fmt.Errorf("%w: %q", errUnknownDriver, driver)
}

// DeviceIDFor returns the id a device with the given kind and host path gets
// when the caller supplies none.
func DeviceIDFor(devType, hostPath string) string {
	return uuid.NewSHA1(deviceNamespace, []byte(devType+":"+hostPath)).String()
}

// lockIdentity returns the locked entry for identity, creating an empty one
// when none exists. created reports whether the caller owns a new entry.
func (m *Manager) lockIdentity(identity, id string) (*entry, bool, error) {
	for {
		m.mu.Lock()

		if e, ok := m.byIdentity[identity]; ok {
			m.mu.Unlock()
			e.mu.Lock()

			if e.removed {
				e.mu.Unlock()

				continue
			}

			return e, false, nil
		}

		if _, ok := m.devices[id]; ok {
			m.mu.Unlock()

			return nil, false, fmt.Errorf("%w: %s", errDuplicateID, id)
		}

		e := &entry{identity: identity}
		e.mu.Lock()
		m.byIdentity[identity] = e
		m.devices[id] = e
		m.mu.Unlock()

		return e, true, nil
	}
}

// forget drops a locked entry from the maps.
func (m *Manager) forget(e *entry, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.removed = true

	delete(m.byIdentity, e.identity)
	delete(m.devices, id)
}

func (m *Manager) declareIndex() (uint64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.index.declare()

	name, err := DriveName(int(i))
	if err != nil {
		m.index.release(i)

		return 0, "", err
	}

	return i, name, nil
}

func (m *Manager) releaseIndex(i uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.index.release(i)
}

// TryAddDevice attaches the device described by cfg, or takes another
// reference on it when the same host device is already attached. It returns
// the device id.
func (m *Manager) TryAddDevice(ctx context.Context, cfg GenericConfig) (string, error) {
	if cfg.DevType != TypeBlock {
		return "", fmt.Errorf("%w: type %q", ErrUnsupportedDevice, cfg.DevType)
	}

	path, err := hostPath(m.sysDev, cfg)
	if err != nil {
		return "", err
	}

	identity := cfg.DevType + ":" + path

	id := cfg.ID
	if id == "" {
		id = DeviceIDFor(cfg.DevType, path)
	}

	e, created, err := m.lockIdentity(identity, id)
	if err != nil {
		return "", err
	}
	defer e.mu.Unlock()

	if !created {
		if _, err := e.dev.IncreaseAttachCount(); err != nil {
			return "", err
		}

		m.Logger().WithFields(logrus.Fields{
			"device": e.dev.DeviceID(),
			"count":  e.dev.AttachCount(),
		}).Debug("device already attached")

		return e.dev.DeviceID(), nil
	}

	index, name, err := m.declareIndex()
	if err != nil {
		m.forget(e, id)

		return "", err
	}

	driverOption, _ := agentDevType(m.driver)

	dev := NewBlockDevice(BlockConfig{
		ID:           id,
		PathOnHost:   path,
		ReadOnly:     cfg.ReadOnly,
		DriverOption: driverOption,
		Major:        cfg.Major,
		Minor:        cfg.Minor,
	}, cfg.ContainerPath)

	if err := dev.Attach(ctx, m.hv, Argument{Index: &index, DriveName: name}); err != nil {
		m.releaseIndex(index)
		m.forget(e, id)

		return "", err
	}

	e.dev = dev

	return id, nil
}

// AddBootDevice attaches the root disk at index 0, which the guest sees as
// /dev/vda.
func (m *Manager) AddBootDevice(ctx context.Context, cfg BlockConfig) (string, error) {
	if cfg.PathOnHost == "" {
		return "", errEmptyPath
	}

	if cfg.ID == "" {
		cfg.ID = DeviceIDFor(TypeBlock, cfg.PathOnHost)
	}

	if cfg.DriverOption == "" {
		cfg.DriverOption, _ = agentDevType(m.driver)
	}

	e, created, err := m.lockIdentity(TypeBlock+":"+cfg.PathOnHost, cfg.ID)
	if err != nil {
		return "", err
	}
	defer e.mu.Unlock()

	if !created {
		return "", fmt.Errorf("%w: %s as %s", errBootDeviceAttached, cfg.PathOnHost, e.dev.DeviceID())
	}

	name, _ := DriveName(0)
	index := uint64(0)

	dev := NewBlockDevice(cfg, "")
	if err := dev.Attach(ctx, m.hv, Argument{Index: &index, DriveName: name}); err != nil {
		m.forget(e, cfg.ID)

		return "", err
	}

	e.dev = dev

	return cfg.ID, nil
}

func (m *Manager) lockID(id string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.devices[id]
	m.mu.Unlock()

	if !ok || e == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	e.mu.Lock()

	if e.removed || e.dev == nil {
		e.mu.Unlock()

		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	return e, nil
}

// TryRemoveDevice drops one reference on the device. The device is detached
// and forgotten when the last reference goes away, in which case removed is
// true.
func (m *Manager) TryRemoveDevice(ctx context.Context, id string) (uint64, bool, error) {
	e, err := m.lockID(id)
	if err != nil {
		return 0, false, err
	}
	defer e.mu.Unlock()

	return m.detachLocked(ctx, e, id)
}

func (m *Manager) detachLocked(ctx context.Context, e *entry, id string) (uint64, bool, error) {
	index, err := e.dev.Detach(ctx, m.hv)
	if err != nil {
		return e.dev.AttachCount(), false, err
	}

	if index == nil {
		return e.dev.AttachCount(), false, nil
	}

	m.releaseIndex(*index)
	m.forget(e, id)

	return 0, true, nil
}

// GenerateAgentDevice describes the device for the guest agent.
func (m *Manager) GenerateAgentDevice(id string) (AgentDevice, error) {
	e, err := m.lockID(id)
	if err != nil {
		return AgentDevice{}, err
	}
	defer e.mu.Unlock()

	cfg, ok := e.dev.Config().(*BlockConfig)
	if !ok {
		return AgentDevice{}, fmt.Errorf("%w: %T", ErrUnsupportedDevice, e.dev.Config())
	}

	ad := AgentDevice{
		ID:   cfg.ID,
		Type: cfg.DriverOption,
	}

	if bd, ok := e.dev.(*BlockDevice); ok {
		ad.ContainerPath = bd.ContainerPath()
	}

	switch cfg.DriverOption {
	case AgentBlkDevType:
		ad.VMPath = cfg.PCIAddr
	default:
		ad.VMPath = cfg.VirtPath
	}

	return ad, nil
}

// GetDeviceGuestPath returns the path of the device inside the guest.
func (m *Manager) GetDeviceGuestPath(id string) (string, bool) {
	e, err := m.lockID(id)
	if err != nil {
		return "", false
	}
	defer e.mu.Unlock()

	cfg, ok := e.dev.Config().(*BlockConfig)
	if !ok || cfg.VirtPath == "" {
		return "", false
	}

	return cfg.VirtPath, true
}

// GetDriverOptions returns the agent device type of block devices.
func (m *Manager) GetDriverOptions() (string, error) {
	return agentDevType(m.driver)
}

// FindDevice returns the id of the attached device backed by hostPath.
func (m *Manager) FindDevice(hostPath string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, e := range m.devices {
		if e.identity == TypeBlock+":"+hostPath && !e.removed {
			return id, true
		}
	}

	return "", false
}

// Device returns the device with the given id.
func (m *Manager) Device(id string) (Device, error) {
	e, err := m.lockID(id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	return e.dev, nil
}

// Devices returns the attached devices ordered by id.
func (m *Manager) Devices() []Device {
	m.mu.Lock()

	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)

	var out []Device

	for _, id := range ids {
		if d, err := m.Device(id); err == nil {
			out = append(out, d)
		}
	}

	return out
}

// DetachAll drops every reference on every device.
func (m *Manager) DetachAll(ctx context.Context) error {
	var errs []error

	for _, d := range m.Devices() {
		id := d.DeviceID()

		e, err := m.lockID(id)
		if err != nil {
			continue
		}

		for {
			_, removed, err := m.detachLocked(ctx, e, id)
			if err != nil {
				errs = append(errs, err)

				break
			}

			if removed {
				break
			}
		}

		e.mu.Unlock()
	}

	return errors.Join(errs...)
}
