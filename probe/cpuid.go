package probe

import (
	"github.com/kvmbox/kvmbox/kvm"
)

// feature is one CPUID bit. Names follow arch/x86/include/asm/cpufeatures.h
// in Linux.
type feature struct {
	bit  uint
	name string
}

// leaf selects one register of one CPUID function.
type leaf struct {
	name     string
	function uint32
	index    uint32
	reg      func(e *kvm.CPUIDEntry2) uint32
	features []feature
}

var leaves = []leaf{
	{
		name:     "F_1_Edx",
		function: 1,
		reg:      func(e *kvm.CPUIDEntry2) uint32 { return e.Edx },
		features: []feature{
			{0, "fpu"}, {1, "vme"}, {2, "de"}, {3, "pse"}, {4, "tsc"}, {5, "msr"},
			{6, "pae"}, {7, "mce"}, {8, "cx8"}, {9, "apic"}, {11, "sep"}, {12, "mtrr"},
			{13, "pge"}, {14, "mca"}, {15, "cmov"}, {16, "pat"}, {17, "pse36"}, {18, "pn"},
			{19, "clflush"}, {21, "dts"}, {22, "acpi"}, {23, "mmx"}, {24, "fxsr"},
			{25, "sse"}, {26, "sse2"}, {27, "ss"}, {28, "ht"}, {29, "tm"}, {30, "ia64"},
			{31, "pbe"},
		},
	},
	{
		name:     "F_1_Ecx",
		function: 1,
		reg:      func(e *kvm.CPUIDEntry2) uint32 { return e.Ecx },
		features: []feature{
			{0, "pni"}, {1, "pclmulqdq"}, {3, "monitor"}, {5, "vmx"}, {9, "ssse3"},
			{12, "fma"}, {13, "cx16"}, {19, "sse4_1"}, {20, "sse4_2"}, {21, "x2apic"},
			{22, "movbe"}, {23, "popcnt"}, {24, "tsc_deadline_timer"}, {25, "aes"},
			{26, "xsave"}, {28, "avx"}, {29, "f16c"}, {30, "rdrand"}, {31, "hypervisor"},
		},
	},
	{
		name:     "F_7_0_Edx",
		function: 7,
		reg:      func(e *kvm.CPUIDEntry2) uint32 { return e.Edx },
		features: []feature{
			{2, "avx512_4vnniw"}, {3, "avx512_4fmaps"}, {4, "fsrm"}, {8, "avx512_vp2intersect"},
			{9, "srbds_ctrl"}, {10, "md_clear"}, {11, "rtm_always_abort"}, {13, "tsx_force_abort"},
			{14, "serialize"}, {15, "hybrid_cpu"}, {16, "tsxldtrk"}, {18, "pconfig"},
			{19, "arch_lbr"}, {20, "ibt"}, {22, "amx_bf16"}, {23, "avx512_fp16"},
			{24, "amx_tile"}, {25, "amx_int8"}, {26, "spec_ctrl"}, {27, "intel_stibp"},
			{28, "flush_l1d"}, {29, "arch_capabilities"}, {30, "core_capabilities"},
			{31, "spec_ctrl_ssbd"},
		},
	},
}

// FeatureSet splits the known bits of one CPUID register.
type FeatureSet struct {
	Leaf     string
	Enabled  []string
	Disabled []string
}

// Features decodes the known feature bits of c. Leaves missing from c are
// skipped.
func Features(c *kvm.CPUID) []FeatureSet {
	var out []FeatureSet

	for _, l := range leaves {
		for i := 0; i < int(c.Nent) && i < len(c.Entries); i++ {
			e := &c.Entries[i]
			if e.Function != l.function || e.Index != l.index {
				continue
			}

			reg := l.reg(e)
			fs := FeatureSet{Leaf: l.name}

			for _, f := range l.features {
				if reg&(1<<f.bit) != 0 {
					fs.Enabled = append(fs.Enabled, f.name)
				} else {
					fs.Disabled = append(fs.Disabled, f.name)
				}
			}

			out = append(out, fs)

			break
		}
	}

	return out
}
