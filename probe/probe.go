// Package probe reports what the host KVM supports.
package probe

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kvmbox/kvmbox/kvm"
	"github.com/sirupsen/logrus"
)

var probeLog = logrus.WithField("subsystem", "probe")

// CapabilityValue is the KVM_CHECK_EXTENSION result of one capability.
type CapabilityValue struct {
	Cap   kvm.Capability
	Value uintptr
}

// Report is everything Run learned about the host.
type Report struct {
	Path         string
	APIVersion   uintptr
	Capabilities []CapabilityValue
	MSRs         []uint32
	FeatureMSRs  []uint32
	CPUID        []FeatureSet
}

// Run opens the kvm device at path and queries it. Only the API version is
// required; the other queries are logged and skipped when they fail.
func Run(path string) (*Report, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fd := f.Fd()
	r := &Report{Path: path}

	if r.APIVersion, err = kvm.GetAPIVersion(fd); err != nil {
		return nil, fmt.Errorf("api version: %w", err)
	}

	for _, c := range kvm.ProbeCapabilities {
		v, err := kvm.CheckExtension(fd, c)
		if err != nil {
			probeLog.WithError(err).WithField("cap", c.String()).Warn("check extension")

			continue
		}

		r.Capabilities = append(r.Capabilities, CapabilityValue{Cap: c, Value: v})
	}

	if r.MSRs, err = kvm.GetMSRIndexList(fd); err != nil {
		probeLog.WithError(err).Warn("msr index list")
	}

	if r.FeatureMSRs, err = kvm.GetMSRFeatureIndexList(fd); err != nil {
		probeLog.WithError(err).Warn("msr feature index list")
	}

	cpuid := &kvm.CPUID{}
	if err := kvm.GetSupportedCPUID(fd, cpuid); err != nil {
		probeLog.WithError(err).Warn("supported cpuid")
	} else {
		r.CPUID = Features(cpuid)
	}

	return r, nil
}

// Print writes r in a human readable form.
func (r *Report) Print(w io.Writer) error {
	var b strings.Builder

	fmt.Fprintf(&b, "%s: api version %d\n\n", r.Path, r.APIVersion)

	b.WriteString("Capabilities:\n")

	for _, c := range r.Capabilities {
		fmt.Fprintf(&b, "  %-24s %d\n", c.Cap.String(), c.Value)
	}

	fmt.Fprintf(&b, "\nMSRs (%d):%s\n", len(r.MSRs), hexList(r.MSRs))
	fmt.Fprintf(&b, "Feature MSRs (%d):%s\n", len(r.FeatureMSRs), hexList(r.FeatureMSRs))

	for _, fs := range r.CPUID {
		fmt.Fprintf(&b, "\n%s.\n* Enabled: %s\n* Disabled: %s\n",
			fs.Leaf, strings.Join(fs.Enabled, " "), strings.Join(fs.Disabled, " "))
	}

	_, err := io.WriteString(w, b.String())

	return err
}

func hexList(v []uint32) string {
	var b strings.Builder

	for _, x := range v {
		fmt.Fprintf(&b, " %#x", x)
	}

	return b.String()
}
