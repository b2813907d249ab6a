package comm

import (
	"fmt"
	"io"
	"sync"
)

// Transport is the byte channel the engine reads packets from. It mirrors a
// UART: received bytes are counted by Available, ReadByte blocks until one
// arrives, writes go out in order.
type Transport interface {
	// Available returns the number of bytes that can be read without
	// blocking.
	Available() int
	ReadByte() (byte, error)
	Write(p []byte) error
	// Flush blocks until everything written has left the transmit buffer.
	Flush() error
	// SetFast switches between the normal and the fast signalling rate.
	SetFast(on bool) error
}

// Pipe is an in-memory transport. NewPipe returns two ends wired crosswise,
// one for the device engine and one for a host client, which makes full
// protocol round-trips testable in-process.
type Pipe struct {
	in   chan byte
	out  chan byte
	once sync.Once
	fast bool
}

// pipeDepth is larger than any packet burst a test sends, so writers never
// block.
const pipeDepth = 1 << 14

func NewPipe() (*Pipe, *Pipe) {
	ab := make(chan byte, pipeDepth)
	ba := make(chan byte, pipeDepth)
	return &Pipe{in: ba, out: ab}, &Pipe{in: ab, out: ba}
}

func (p *Pipe) Available() int {
	return len(p.in)
}

func (p *Pipe) ReadByte() (byte, error) {
	b, ok := <-p.in
	if !ok {
		return 0, io.EOF
	}
	return b, nil
}

func (p *Pipe) Write(buf []byte) error {
	for _, b := range buf {
		select {
		case p.out <- b:
		default:
			return fmt.Errorf("pipe full")
		}
	}
	return nil
}

func (p *Pipe) Flush() error { return nil }

func (p *Pipe) SetFast(on bool) error {
	p.fast = on
	return nil
}

// Fast reports whether the pipe was switched to the fast rate.
func (p *Pipe) Fast() bool { return p.fast }

// Close ends this side's write direction; the peer's reads drain then return
// io.EOF.
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.out) })
	return nil
}
