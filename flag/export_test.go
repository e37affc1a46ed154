package flag

import (
	"context"
	"os"

	"github.com/kvmbox/kvmbox/vmm"
)

var ForwardConsole = forwardConsole

func (b *BootCMD) BootVM(ctx context.Context, v *vmm.VMM, in *os.File) error {
	return b.boot(ctx, v, in)
}
