package comm

import (
	"io"
	"net"
	"sync/atomic"

	"octavo/emu/log"
)

// Conn adapts a net.Conn to the Transport interface. A reader pump keeps
// Available meaningful; rate switching is a no-op since TCP has no baud.
type Conn struct {
	c      net.Conn
	in     chan byte
	rerr   error
	closed atomic.Bool
}

func NewConn(c net.Conn) *Conn {
	t := &Conn{c: c, in: make(chan byte, pipeDepth)}
	go t.pump()
	return t
}

func (t *Conn) pump() {
	buf := make([]byte, 512)
	for {
		n, err := t.c.Read(buf)
		for _, b := range buf[:n] {
			t.in <- b
		}
		if err != nil {
			if err != io.EOF {
				log.ModComm.DebugZ("connection read ended").Error("err", err).End()
			}
			t.rerr = err
			t.closed.Store(true)
			close(t.in)
			return
		}
	}
}

// Available reports at least 1 once the connection has failed, so the engine
// observes the error on its next read instead of polling forever.
func (t *Conn) Available() int {
	if n := len(t.in); n > 0 {
		return n
	}
	if t.closed.Load() {
		return 1
	}
	return 0
}

func (t *Conn) ReadByte() (byte, error) {
	b, ok := <-t.in
	if !ok {
		if t.rerr != nil {
			return 0, t.rerr
		}
		return 0, io.EOF
	}
	return b, nil
}

func (t *Conn) Write(p []byte) error {
	_, err := t.c.Write(p)
	return err
}

func (t *Conn) Flush() error { return nil }

func (t *Conn) SetFast(on bool) error {
	log.ModComm.DebugZ("fast mode over tcp is a no-op").Bool("on", on).End()
	return nil
}

func (t *Conn) Close() error {
	return t.c.Close()
}
