package hypervisor

import (
	"slices"
	"strings"

	"github.com/kvmbox/kvmbox/device"
)

const (
	kernelKVDelimiter    = "="
	kernelParamDelimiter = " "
)

// Param is one kernel command line parameter. Either half may be empty.
type Param struct {
	Key   string
	Value string
}

// KernelParams is an ordered kernel command line. Keys may repeat.
type KernelParams []Param

// ParseKernelParams splits s on spaces and each parameter on its first '='.
func ParseKernelParams(s string) KernelParams {
	var params KernelParams

	for _, p := range strings.Split(s, kernelParamDelimiter) {
		if p == "" {
			continue
		}

		k, v, _ := strings.Cut(p, kernelKVDelimiter)
		params = append(params, Param{Key: k, Value: v})
	}

	return params
}

// RootfsKernelParams returns the parameters that mount the boot disk as
// root for driver.
func RootfsKernelParams(driver string) KernelParams {
	if driver != device.VirtioBlockPCI && driver != device.VirtioBlockMMIO {
		return nil
	}

	return KernelParams{
		{Key: "root", Value: "/dev/vda1"},
		{Key: "rootflags", Value: "data=ordered,errors=remount-ro ro"},
		{Key: "rootfstype", Value: "ext4"},
	}
}

// BootKernelParams builds the command line the guest boots with: cmdline
// plus the root parameters of driver. A PCI boot disk needs PCI
// enumeration, so pci=off is dropped for it.
func BootKernelParams(cmdline, driver string) KernelParams {
	p := ParseKernelParams(cmdline)

	if driver == device.VirtioBlockPCI {
		p = p.Remove("pci", "off")
	}

	return p.Merge(RootfsKernelParams(driver))
}

// Remove drops every parameter named key whose value is one of values, or
// every parameter named key when no value is given.
func (p KernelParams) Remove(key string, values ...string) KernelParams {
	out := make(KernelParams, 0, len(p))

	for _, q := range p {
		if q.Key == key && (len(values) == 0 || slices.Contains(values, q.Value)) {
			continue
		}

		out = append(out, q)
	}

	return out
}

// Get returns the value of the last parameter named key.
func (p KernelParams) Get(key string) (string, bool) {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i].Key == key {
			return p[i].Value, true
		}
	}

	return "", false
}

// Merge appends the parameters of o whose key p does not set yet.
func (p KernelParams) Merge(o KernelParams) KernelParams {
	out := append(KernelParams{}, p...)

	for _, q := range o {
		if _, ok := p.Get(q.Key); !ok {
			out = append(out, q)
		}
	}

	return out
}

func (p KernelParams) String() string {
	parts := make([]string, 0, len(p))

	for _, q := range p {
		switch {
		case q.Key == "" && q.Value == "":
			continue
		case q.Key == "":
			parts = append(parts, q.Value)
		case q.Value == "":
			parts = append(parts, q.Key)
		default:
			parts = append(parts, q.Key+kernelKVDelimiter+q.Value)
		}
	}

	return strings.Join(parts, kernelParamDelimiter)
}
