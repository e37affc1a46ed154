package pci

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"
)

// Configuration Space Access Mechanism #1.
const (
	ConfigAddressPort = 0xcf8
	ConfigDataPort    = 0xcfc
)

type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return uint32(a)>>31 == 1
}

func (a address) toAddress() Address {
	return Address{
		Bus:      uint8(a.getBusNumber()),
		Device:   uint8(a.getDeviceNumber()),
		Function: uint8(a.getFunctionNumber()),
	}
}

// ConfigIO exposes a Bus through the 0xCF8/0xCFC port pair.
type ConfigIO struct {
	bus *Bus

	mu   sync.Mutex
	addr address
}

func NewConfigIO(bus *Bus) *ConfigIO {
	return &ConfigIO{bus: bus}
}

func (c *ConfigIO) IOPort() uint64 {
	return ConfigAddressPort
}

func (c *ConfigIO) Size() uint64 {
	return 8
}

// dataTarget returns the function and register selected for an access at
// port. offset can be obtained as below:
//
//	(address from IO port 0xcf8) & 0xfc + (IO port address for Data) - 0xCFC
//
// see pci_conf1_read in linux/arch/x86/pci/direct.c for more detail.
func (c *ConfigIO) dataTarget(port uint64) (Address, int, bool) {
	c.mu.Lock()
	a := c.addr
	c.mu.Unlock()

	if !a.isEnable() {
		return Address{}, 0, false
	}

	return a.toAddress(), int(a.getRegisterOffset() + uint32(port-ConfigDataPort)), true
}

func (c *ConfigIO) Read(port uint64, data []byte) error {
	if port < ConfigDataPort {
		if len(data) != 4 {
			for i := range data {
				data[i] = 0xff
			}

			return nil
		}

		c.mu.Lock()
		binary.LittleEndian.PutUint32(data, uint32(c.addr))
		c.mu.Unlock()

		return nil
	}

	addr, offset, ok := c.dataTarget(port)
	if !ok {
		for i := range data {
			data[i] = 0xff
		}

		return nil
	}

	v, err := c.bus.ReadConfig(addr, offset, len(data))
	if err != nil {
		return err
	}

	copy(data, NumToBytes(v))

	return nil
}

func (c *ConfigIO) Write(port uint64, data []byte) error {
	if port < ConfigDataPort {
		// Byte writes to 0xcf8 are not configuration cycles.
		if len(data) != 4 {
			return nil
		}

		c.mu.Lock()
		c.addr = address(binary.LittleEndian.Uint32(data))
		c.mu.Unlock()

		return nil
	}

	addr, offset, ok := c.dataTarget(port)
	if !ok {
		return nil
	}

	if err := c.bus.WriteConfig(addr, offset, len(data), uint32(BytesToNum(data))); err != nil {
		return err
	}

	c.bus.Logger().WithFields(logrus.Fields{
		"addr":   addr.String(),
		"offset": offset,
		"value":  BytesToNum(data),
	}).Trace("config write")

	return nil
}
