package iodev

import (
	"fmt"
	"io"
)

// PostCodeDevice prints the bytes firmware and early boot code write to
// port 0x80.
type PostCodeDevice struct {
	Out io.Writer
}

func (p *PostCodeDevice) Read(port uint64, data []byte) error {
	return nil
}

func (p *PostCodeDevice) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	if p.Out == nil {
		return nil
	}

	if data[0] == '\000' {
		fmt.Fprintf(p.Out, "\r\n")
	} else {
		fmt.Fprintf(p.Out, "%c", data[0])
	}

	return nil
}

func (p *PostCodeDevice) IOPort() uint64 {
	return 0x80
}

func (p *PostCodeDevice) Size() uint64 {
	return 0x1
}
