// Package serial emulates the 8250 UART behind COM1.
package serial

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	COM1Addr = 0x03f8
	COM1IRQ  = 4
)

var serialLog = logrus.WithField("subsystem", "serial")

type Serial struct {
	mu  sync.Mutex
	IER byte
	LCR byte
	MCR byte
	SCR byte

	out       io.Writer
	inputChan chan byte

	// This callback is called when serial request IRQ.
	irqCallback func(irq, level uint32) error
}

func New(out io.Writer, irqCallBack func(irq, level uint32) error) *Serial {
	return &Serial{
		out:         out,
		inputChan:   make(chan byte, 10000),
		irqCallback: irqCallBack,
	}
}

func (s *Serial) GetInputChan() chan<- byte {
	return s.inputChan
}

func (s *Serial) dlab() bool {
	return s.LCR&0x80 != 0
}

func (s *Serial) InjectIRQ(level uint32) {
	if s.irqCallback == nil {
		return
	}

	if err := s.irqCallback(COM1IRQ, level); err != nil {
		serialLog.WithError(err).Warn("inject irq")
	}
}

// Pulse raises and lowers the UART interrupt, e.g. after queueing input.
func (s *Serial) Pulse() {
	s.InjectIRQ(0)
	s.InjectIRQ(1)
}

func (s *Serial) IOPort() uint64 {
	return COM1Addr
}

func (s *Serial) Size() uint64 {
	return 0x8
}

func (s *Serial) Read(port uint64, values []byte) error {
	if len(values) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	port -= COM1Addr

	switch {
	case port == 0 && !s.dlab():
		// RBR
		select {
		case values[0] = <-s.inputChan:
		default:
		}
	case port == 0 && s.dlab():
		// DLL
		values[0] = 0xc // baud rate 9600
	case port == 1 && !s.dlab():
		// IER
		values[0] = s.IER
	case port == 1 && s.dlab():
		// DLM
		values[0] = 0x0 // baud rate 9600
	case port == 2:
		// IIR: no interrupt pending
		values[0] = 0x1
	case port == 3:
		values[0] = s.LCR
	case port == 4:
		values[0] = s.MCR
	case port == 5:
		// LSR
		values[0] = 0x60 // THR is empty
		if len(s.inputChan) > 0 {
			values[0] |= 0x1 // Data available
		}
	case port == 6:
		// MSR: carrier detect, data set ready, clear to send
		values[0] = 0xb0
	case port == 7:
		values[0] = s.SCR
	}

	return nil
}

func (s *Serial) Write(port uint64, values []byte) error {
	if len(values) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	port -= COM1Addr

	switch {
	case port == 0 && !s.dlab():
		// THR
		if s.out != nil {
			if _, err := s.out.Write(values[:1]); err != nil {
				return err
			}
		}
	case port == 0 && s.dlab():
		// DLL
		serialLog.WithField("value", values[0]).Trace("divisor latch low")
	case port == 1 && !s.dlab():
		// IER
		s.IER = values[0]
		if s.IER != 0 {
			s.Pulse()
		}
	case port == 1 && s.dlab():
		// DLM
		serialLog.WithField("value", values[0]).Trace("divisor latch high")
	case port == 2:
		// FCR
	case port == 3:
		s.LCR = values[0]
	case port == 4:
		s.MCR = values[0]
	case port == 7:
		s.SCR = values[0]
	default:
		serialLog.WithField("port", port).Trace("factory test or not used")
	}

	return nil
}

// State is the saved register file of the UART.
type State struct {
	IER byte
	LCR byte
	MCR byte
	SCR byte
}

func (s *Serial) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return State{IER: s.IER, LCR: s.LCR, MCR: s.MCR, SCR: s.SCR}
}

func (s *Serial) SetState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.IER, s.LCR, s.MCR, s.SCR = st.IER, st.LCR, st.MCR, st.SCR
}
