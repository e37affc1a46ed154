// Package flag is the kvmbox command line.
package flag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"github.com/kvmbox/kvmbox/device"
	"github.com/kvmbox/kvmbox/hypervisor"
	"github.com/kvmbox/kvmbox/probe"
	"github.com/kvmbox/kvmbox/term"
	"github.com/kvmbox/kvmbox/vmm"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var errNotVMM = errors.New("backend does not support the boot command")

var cliLog = logrus.WithField("subsystem", "cli")

// CLI is the kvmbox command line.
type CLI struct {
	LogLevel  string `default:"info" enum:"trace,debug,info,warn,error" help:"Log level."`
	LogFormat string `default:"text" enum:"text,json" help:"Log format."`

	Boot   BootCMD   `cmd:"" help:"Boot a guest."`
	Probe  ProbeCMD  `cmd:"" help:"Report what the host kvm supports."`
	Config ConfigCMD `cmd:"" help:"Print the effective configuration as YAML."`
}

// BootCMD boots a guest and runs it until it shuts down or kvmbox is
// interrupted.
type BootCMD struct {
	VMFlags `embed:""`

	Disks        []string      `name:"disk" type:"path" help:"Extra disk image hot-plugged after start. Repeatable."`
	Snapshot     string        `type:"path" help:"Write a snapshot to this file before stopping."`
	Restore      string        `type:"existingfile" help:"Restore a snapshot before starting."`
	StartTimeout time.Duration `default:"10s" help:"How long to wait for the vCPUs to start."`
	Interactive  bool          `short:"I" help:"Forward stdin to the guest console. Ctrl-A x quits."`
}

// ProbeCMD prints the host kvm capabilities.
type ProbeCMD struct {
	Dev string `short:"D" default:"/dev/kvm" help:"Path of the kvm device."`
}

// ConfigCMD prints the configuration boot would use.
type ConfigCMD struct {
	VMFlags `embed:""`
}

func Parse() error {
	c := CLI{}

	programName := "kvmbox"
	programDesc := "kvmbox is a small KVM hypervisor that boots PVH kernels with virtio-blk disks"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if err := setupLogging(c.LogLevel, c.LogFormat); err != nil {
		return err
	}

	return ctx.Run()
}

func (p *ProbeCMD) Run() error {
	r, err := probe.Run(p.Dev)
	if err != nil {
		return err
	}

	return r.Print(os.Stdout)
}

func (c *ConfigCMD) Run() error {
	cfg, err := c.Resolve()
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		cliLog.WithError(err).Warn("configuration cannot boot")
	}

	return WriteConfig(os.Stdout, cfg)
}

func (b *BootCMD) Run() error {
	cfg, err := b.Resolve()
	if err != nil {
		return err
	}

	reg, err := vmm.Registry(vmm.WithConsole(os.Stdout))
	if err != nil {
		return err
	}

	h, err := reg.New(cfg)
	if err != nil {
		return err
	}

	v, ok := h.(*vmm.VMM)
	if !ok {
		return fmt.Errorf("%w: %s", errNotVMM, cfg.Backend)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	return b.boot(ctx, v, os.Stdin)
}

// boot drives v from prepare to cleanup. in is read only in interactive
// mode.
func (b *BootCMD) boot(ctx context.Context, v *vmm.VMM, in *os.File) (err error) {
	if err := v.PrepareVM(ctx); err != nil {
		return err
	}

	defer func() {
		if v.State() != hypervisor.Stopped {
			if serr := v.StopVM(context.Background()); serr != nil {
				err = errors.Join(err, serr)
			}
		}

		if cerr := v.Cleanup(context.Background()); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	if b.Restore != "" {
		if err := restoreFile(ctx, v, b.Restore); err != nil {
			return err
		}
	}

	if err := v.StartVM(ctx, b.StartTimeout); err != nil {
		return err
	}

	for _, d := range b.Disks {
		ld, err := device.LinuxDeviceFor(d)
		if err != nil {
			return fmt.Errorf("disk %s: %w", d, err)
		}

		id, err := v.Devices().TryAddDevice(ctx, device.FromLinuxDevice(ld))
		if err != nil {
			return fmt.Errorf("disk %s: %w", d, err)
		}

		path, _ := v.Devices().GetDeviceGuestPath(id)
		cliLog.WithFields(logrus.Fields{"id": id, "host": d, "guest": path}).Info("disk attached")
	}

	quit := make(chan struct{})

	if b.Interactive {
		if err := startConsole(in, v.SendConsoleInput, quit); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		cliLog.Info("interrupted")
	case <-v.Exited():
		cliLog.Info("guest exited")
	case <-quit:
		cliLog.Info("console closed")
	}

	if b.Snapshot != "" && v.State() != hypervisor.Stopped {
		if err := saveFile(context.Background(), v, b.Snapshot); err != nil {
			return err
		}
	}

	return nil
}

func restoreFile(ctx context.Context, v *vmm.VMM, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return v.RestoreFrom(ctx, f)
}

func saveFile(ctx context.Context, v *vmm.VMM, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := v.SaveTo(ctx, f); err != nil {
		f.Close()

		return err
	}

	cliLog.WithField("path", path).Info("snapshot written")

	return f.Close()
}

// startConsole forwards in to send until Ctrl-A x or EOF, then closes quit.
// A terminal is switched to raw mode for the duration.
func startConsole(in *os.File, send func([]byte), quit chan<- struct{}) error {
	restore := func() {}

	if fd := int(in.Fd()); term.IsTerminal(fd) {
		var err error
		if restore, err = term.SetRawMode(fd); err != nil {
			return err
		}
	} else {
		cliLog.Warn("stdin is not a terminal; forwarding it line buffered")
	}

	go func() {
		defer close(quit)
		defer restore()

		if err := forwardConsole(in, send); err != nil {
			cliLog.WithError(err).Warn("console input")
		}
	}()

	return nil
}

// forwardConsole copies r to send byte by byte. It returns nil on EOF or
// when Ctrl-A is followed by x.
func forwardConsole(r io.Reader, send func([]byte)) error {
	var before byte

	buf := make([]byte, 1)

	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		b := buf[0]
		if before == 0x1 && b == 'x' {
			return nil
		}

		send([]byte{b})

		before = b
	}
}
