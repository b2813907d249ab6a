package comm

import (
	"fmt"
	"sync/atomic"

	"go.bug.st/serial"

	"octavo/emu/log"
)

// Serial is the Transport over a real serial port. Fast mode reprograms the
// port's baud rate after draining the transmit buffer, matching what the
// device's UART does.
type Serial struct {
	port serial.Port

	baud     int
	fastBaud int

	in     chan byte
	rerr   error
	closed atomic.Bool
}

// OpenSerial opens the port at the normal baud rate. fastBaud is the rate
// SetFast(true) switches to.
func OpenSerial(device string, baud, fastBaud int) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", device, err)
	}

	s := &Serial{
		port:     port,
		baud:     baud,
		fastBaud: fastBaud,
		in:       make(chan byte, pipeDepth),
	}
	go s.pump()

	log.ModComm.InfoZ("serial port open").
		String("device", device).
		Int("baud", baud).
		End()
	return s, nil
}

func (s *Serial) pump() {
	buf := make([]byte, 256)
	for {
		n, err := s.port.Read(buf)
		for _, b := range buf[:n] {
			s.in <- b
		}
		if err != nil {
			s.rerr = err
			s.closed.Store(true)
			close(s.in)
			return
		}
	}
}

// Available reports at least 1 once the port has failed, so the engine
// observes the error instead of polling forever.
func (s *Serial) Available() int {
	if n := len(s.in); n > 0 {
		return n
	}
	if s.closed.Load() {
		return 1
	}
	return 0
}

func (s *Serial) ReadByte() (byte, error) {
	b, ok := <-s.in
	if !ok {
		if s.rerr != nil {
			return 0, s.rerr
		}
		return 0, fmt.Errorf("serial port closed")
	}
	return b, nil
}

func (s *Serial) Write(p []byte) error {
	for len(p) > 0 {
		n, err := s.port.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (s *Serial) Flush() error {
	return s.port.Drain()
}

func (s *Serial) SetFast(on bool) error {
	baud := s.baud
	if on {
		baud = s.fastBaud
	}
	log.ModComm.InfoZ("switching baud rate").Int("baud", baud).End()
	return s.port.SetMode(&serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

func (s *Serial) Close() error {
	return s.port.Close()
}
