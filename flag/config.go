package flag

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kvmbox/kvmbox/hypervisor"
	"github.com/kvmbox/kvmbox/memory"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML file on top of hypervisor.Default. Unknown keys
// are rejected.
func LoadConfig(path string) (hypervisor.Config, error) {
	cfg := hypervisor.Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// WriteConfig writes cfg as YAML.
func WriteConfig(w io.Writer, cfg hypervisor.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(cfg); err != nil {
		return err
	}

	return enc.Close()
}

// VMFlags are the machine settings shared by boot and config. Flags left at
// their zero value keep the value from the file or the default.
type VMFlags struct {
	ConfigFile string              `name:"config" short:"f" type:"existingfile" help:"YAML configuration file."`
	Backend    string              `help:"Hypervisor backend (kvm or mock)."`
	Dev        string              `short:"D" help:"Path of the kvm device."`
	Kernel     string              `short:"k" type:"path" help:"Kernel image with a PVH entry point."`
	Initrd     string              `short:"i" type:"path" help:"Initial ramdisk."`
	Params     string              `short:"p" help:"Kernel command-line parameters."`
	Rootfs     string              `short:"d" type:"path" help:"Image attached as /dev/vda."`
	NCPUs      uint32              `name:"ncpus" short:"c" help:"Number of vCPUs."`
	MemSize    hypervisor.ByteSize `name:"memory" short:"m" help:"Guest memory size, e.g. 512MiB or 2G."`
	Backing    string              `help:"Guest memory backing (shmem, hugetlbfs or anon)."`
	MemoryPath string              `type:"path" help:"hugetlbfs mount or file backing guest memory."`
	PMLevel    uint32              `name:"cpu-pm" help:"Power management level passed to the backend."`
	Debug      bool                `help:"Enable hypervisor debug output."`
}

// Resolve builds the effective configuration.
func (f *VMFlags) Resolve() (hypervisor.Config, error) {
	cfg := hypervisor.Default()

	if f.ConfigFile != "" {
		var err error
		if cfg, err = LoadConfig(f.ConfigFile); err != nil {
			return cfg, err
		}
	}

	setString(&cfg.Backend, f.Backend)
	setString(&cfg.KVMPath, f.Dev)
	setString(&cfg.KernelPath, f.Kernel)
	setString(&cfg.InitrdPath, f.Initrd)
	setString(&cfg.KernelParams, f.Params)
	setString(&cfg.RootfsPath, f.Rootfs)
	setString(&cfg.MemoryPath, f.MemoryPath)

	if f.NCPUs != 0 {
		cfg.NumVCPUs = f.NCPUs
		if cfg.MaxVCPUs < f.NCPUs {
			cfg.MaxVCPUs = f.NCPUs
		}
	}

	if f.MemSize != 0 {
		cfg.MemorySize = f.MemSize
	}

	if f.Backing != "" {
		b, err := memory.ParseBackingType(f.Backing)
		if err != nil {
			return cfg, err
		}

		cfg.MemoryBacking = b
	}

	if f.PMLevel != 0 {
		cfg.PMLevel = f.PMLevel
	}

	cfg.Debug = cfg.Debug || f.Debug

	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
