package iodev

// This device is used by EDK2/CloudHv to let the host know about a shutdown.
// See: https://github.com/cloud-hypervisor/edk2/blob/ch/OvmfPkg/Include/IndustryStandard/CloudHv.h

const (
	ACPIShutDownDevPort = uint64(0x600)
)

// ACPIShutDownDevice reports guest reboot and S5 requests to the VMM.
type ACPIShutDownDevice struct {
	Port uint64

	OnReset    func()
	OnShutdown func()
}

func NewACPIShutDownEvent(onReset, onShutdown func()) *ACPIShutDownDevice {
	return &ACPIShutDownDevice{
		Port:       ACPIShutDownDevPort,
		OnReset:    onReset,
		OnShutdown: onShutdown,
	}
}

func (a *ACPIShutDownDevice) Read(port uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	return nil
}

func (a *ACPIShutDownDevice) Write(port uint64, data []byte) error {
	if len(data) == 0 {
		return errDataLenInvalid
	}

	if data[0] == 1 {
		iodevLog.Info("ACPI reboot signalled")

		if a.OnReset != nil {
			a.OnReset()
		}

		return nil
	}

	// The ACPI DSDT table specifies the S5 sleep state (shutdown) as value 5
	S5SleepVal := uint8(5)
	SleepStatusENBit := uint8(5)
	SleepValBit := uint8(2)

	if data[0] == (S5SleepVal<<SleepValBit)|(1<<SleepStatusENBit) {
		iodevLog.Info("ACPI shutdown signalled")

		if a.OnShutdown != nil {
			a.OnShutdown()
		}
	}

	return nil
}

func (a *ACPIShutDownDevice) IOPort() uint64 {
	return a.Port
}

func (a *ACPIShutDownDevice) Size() uint64 {
	return 0x8
}
