package kvm

import "fmt"

// Capability is a KVM_CAP_* extension number.
type Capability uint

const (
	CapIRQChip         Capability = 0
	CapHLT             Capability = 1
	CapUserMemory      Capability = 3
	CapSetTSSAddr      Capability = 4
	CapEXTCPUID        Capability = 7
	CapNRVCPUs         Capability = 9
	CapNRMemSlots      Capability = 10
	CapMPState         Capability = 14
	CapCoalescedMMIO   Capability = 15
	CapIOMMU           Capability = 18
	CapUserNMI         Capability = 22
	CapSetGuestDebug   Capability = 23
	CapReinjectControl Capability = 24
	CapIRQRouting      Capability = 25
	CapMCE             Capability = 31
	CapIRQFD           Capability = 32
	CapPIT2            Capability = 33
	CapSetBootCPUID    Capability = 34
	CapPITState2       Capability = 35
	CapIOEventFD       Capability = 36
	CapSetIdentityMap  Capability = 37
	CapAdjustClock     Capability = 39
	CapVCPUEvents      Capability = 41
	CapINTRShadow      Capability = 49
	CapDebugRegs       Capability = 50
	CapEnableCap       Capability = 54
	CapXSave           Capability = 55
	CapXCRS            Capability = 56
	CapTSCControl      Capability = 60
	CapMaxVCPUs        Capability = 66
	CapONEREG          Capability = 70
	CapKVMClockCtrl    Capability = 76
	CapSignalMSI       Capability = 77
	CapDeviceCtrl      Capability = 89
	CapImmediateExit   Capability = 136
	CapX86DisableExits Capability = 143
	CapCoalescedPIO    Capability = 162
	CapMaxVCPUID       Capability = 128
	CapX86UserSpaceMSR Capability = 188
	CapBinaryStatsFD   Capability = 203
	CapX86NotifyVMExit Capability = 219
	CapX86BusLockExit  Capability = 193
	CapVMTSCControl    Capability = 214
	CapSysAttributes   Capability = 209
	CapX86TripleFault  Capability = 218
	CapManualDirtyLog  Capability = 168
	CapPMUEventFilter  Capability = 173
	CapX86MSRFilter    Capability = 189
	CapGETMSRFeatures  Capability = 153
	CapNestedState     Capability = 157
	CapXSave2          Capability = 208
	CapX86SMM          Capability = 117
	CapVMAttributes    Capability = 140
	CapEXTEmulCPUID    Capability = 95
	CapSREGS2          Capability = 200
)

var capNames = map[Capability]string{
	CapIRQChip:         "CapIRQChip",
	CapHLT:             "CapHLT",
	CapUserMemory:      "CapUserMemory",
	CapSetTSSAddr:      "CapSetTSSAddr",
	CapEXTCPUID:        "CapEXTCPUID",
	CapNRVCPUs:         "CapNRVCPUs",
	CapNRMemSlots:      "CapNRMemSlots",
	CapMPState:         "CapMPState",
	CapCoalescedMMIO:   "CapCoalescedMMIO",
	CapIOMMU:           "CapIOMMU",
	CapUserNMI:         "CapUserNMI",
	CapSetGuestDebug:   "CapSetGuestDebug",
	CapReinjectControl: "CapReinjectControl",
	CapIRQRouting:      "CapIRQRouting",
	CapMCE:             "CapMCE",
	CapIRQFD:           "CapIRQFD",
	CapPIT2:            "CapPIT2",
	CapSetBootCPUID:    "CapSetBootCPUID",
	CapPITState2:       "CapPITState2",
	CapIOEventFD:       "CapIOEventFD",
	CapSetIdentityMap:  "CapSetIdentityMap",
	CapAdjustClock:     "CapAdjustClock",
	CapVCPUEvents:      "CapVCPUEvents",
	CapINTRShadow:      "CapINTRShadow",
	CapDebugRegs:       "CapDebugRegs",
	CapEnableCap:       "CapEnableCap",
	CapXSave:           "CapXSave",
	CapXCRS:            "CapXCRS",
	CapTSCControl:      "CapTSCControl",
	CapMaxVCPUs:        "CapMaxVCPUs",
	CapONEREG:          "CapONEREG",
	CapKVMClockCtrl:    "CapKVMClockCtrl",
	CapSignalMSI:       "CapSignalMSI",
	CapDeviceCtrl:      "CapDeviceCtrl",
	CapImmediateExit:   "CapImmediateExit",
	CapX86DisableExits: "CapX86DisableExits",
	CapCoalescedPIO:    "CapCoalescedPIO",
	CapMaxVCPUID:       "CapMaxVCPUID",
	CapX86UserSpaceMSR: "CapX86UserSpaceMSR",
	CapBinaryStatsFD:   "CapBinaryStatsFD",
	CapX86NotifyVMExit: "CapX86NotifyVMExit",
	CapX86BusLockExit:  "CapX86BusLockExit",
	CapVMTSCControl:    "CapVMTSCControl",
	CapSysAttributes:   "CapSysAttributes",
	CapX86TripleFault:  "CapX86TripleFault",
	CapManualDirtyLog:  "CapManualDirtyLog",
	CapPMUEventFilter:  "CapPMUEventFilter",
	CapX86MSRFilter:    "CapX86MSRFilter",
	CapGETMSRFeatures:  "CapGETMSRFeatures",
	CapNestedState:     "CapNestedState",
	CapXSave2:          "CapXSave2",
	CapX86SMM:          "CapX86SMM",
	CapVMAttributes:    "CapVMAttributes",
	CapEXTEmulCPUID:    "CapEXTEmulCPUID",
	CapSREGS2:          "CapSREGS2",
}

func (c Capability) String() string {
	if s, ok := capNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Capability(%d)", uint(c))
}

// ProbeCapabilities are the extensions a probe reports on x86.
var ProbeCapabilities = []Capability{
	CapIRQChip,
	CapHLT,
	CapUserMemory,
	CapSetTSSAddr,
	CapEXTCPUID,
	CapNRVCPUs,
	CapMaxVCPUs,
	CapNRMemSlots,
	CapMPState,
	CapCoalescedMMIO,
	CapIRQRouting,
	CapIRQFD,
	CapPIT2,
	CapIOEventFD,
	CapSetIdentityMap,
	CapVCPUEvents,
	CapDebugRegs,
	CapXSave,
	CapXCRS,
	CapSignalMSI,
	CapImmediateExit,
	CapCoalescedPIO,
}
