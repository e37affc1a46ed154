package iodev

// NoopDevice swallows writes and reads back zeros. It stands in for legacy
// hardware the guest probes but never needs (VGA, PS/2, CMOS).
type NoopDevice struct {
	Port  uint64
	Psize uint64

	// Value is returned for every byte read when non-zero.
	Value byte
}

func (n *NoopDevice) Read(port uint64, data []byte) error {
	for i := range data {
		data[i] = n.Value
	}

	return nil
}

func (n *NoopDevice) Write(port uint64, data []byte) error {
	return nil
}

func (n *NoopDevice) IOPort() uint64 {
	return n.Port
}

func (n *NoopDevice) Size() uint64 {
	return n.Psize
}
