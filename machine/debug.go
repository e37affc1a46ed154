package machine

import (
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"
)

// maxInstLen is the longest x86 instruction.
const maxInstLen = 15

// Describe decodes the first instruction of code, fetched at pc, in GNU
// syntax. mode is 16, 32 or 64.
func Describe(code []byte, pc uint64, mode int) (string, error) {
	d, err := x86asm.Decode(code, mode)
	if err != nil {
		return "", fmt.Errorf("decoding %#02x: %w", code, err)
	}

	return x86asm.GNUSyntax(d, pc, nil), nil
}

// DescribeAt reads the instruction v is stopped at from mem. Guests boot
// without paging, so the instruction pointer is a guest-physical address.
func DescribeAt(v VCPU, mem io.ReaderAt, mode int) (string, error) {
	pc, err := v.PC()
	if err != nil {
		return "", err
	}

	code := make([]byte, maxInstLen)

	n, err := mem.ReadAt(code, int64(pc))
	if n == 0 {
		return "", fmt.Errorf("reading PC at %#x: %w", pc, err)
	}

	s, err := Describe(code[:n], pc, mode)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%#x: %s", pc, s), nil
}
