package comm

import (
	"errors"
	"fmt"
	"time"

	"octavo/emu/log"
)

// ErrTimeout is returned by Poll when a sender stops mid-packet and the
// per-byte timeout is configured. The engine has already resynchronized:
// polling again resumes signature scanning.
var ErrTimeout = errors.New("timed out waiting for packet byte")

// Handler processes one received packet. The payload's n bytes are at the
// front of the engine buffer; responses are built in the same buffer and
// sent with Transmit.
type Handler func(e *Engine, n int)

// pollInterval paces the wait loops that cannot block on the transport.
const pollInterval = 200 * time.Microsecond

// lockBlinkPeriod is the LED blink half-period while locked, the liveness
// signal for the operator of the external tool.
const lockBlinkPeriod = 250 * time.Millisecond

// Engine decodes frames from a transport and dispatches them through the
// opcode table. It is single-owner: Poll is never invoked concurrently, and
// handlers run on the polling flow, free to mutate shared device state.
type Engine struct {
	tr  Transport
	sig byte

	handlers  [256]Handler
	unhandled func(e *Engine, op Opcode, n int)

	// Payload decode and response encode share this buffer. A handler owns
	// it only for the duration of its call; the engine is never re-entered.
	buf [256]byte

	locked  bool
	fast    bool
	stopped bool

	timeout time.Duration

	blink     func()
	lastBlink time.Time
}

func NewEngine(tr Transport) *Engine {
	e := &Engine{tr: tr, sig: Signature}
	e.unhandled = func(_ *Engine, op Opcode, n int) {
		log.ModComm.WarnZ("unhandled packet").Stringer("op", op).Int("len", n).End()
	}
	return e
}

// SetSignature switches the frame start byte, for gen-2 hosts.
func (e *Engine) SetSignature(sig byte) { e.sig = sig }

// SetTransport rebinds the engine to tr, or detaches it when tr is nil. The
// served device swaps clients this way, between Poll calls; the engine is
// single-owner, so there is no polling in flight during the swap.
func (e *Engine) SetTransport(tr Transport) { e.tr = tr }

// SetTimeout bounds the wait for each mid-packet byte. Zero keeps the
// original behavior: once a signature is seen, the sender is trusted to
// finish the frame, however long it takes.
func (e *Engine) SetTimeout(d time.Duration) { e.timeout = d }

// SetBlink installs the callback toggling the lock-mode liveness LED.
func (e *Engine) SetBlink(fn func()) { e.blink = fn }

// SetUnhandled overrides the unknown-opcode hook. Unknown opcodes are an
// extension point, never an error.
func (e *Engine) SetUnhandled(fn func(e *Engine, op Opcode, n int)) { e.unhandled = fn }

// Handle registers the handler for op, replacing any previous one.
func (e *Engine) Handle(op Opcode, h Handler) { e.handlers[op] = h }

// Buffer returns the shared payload buffer. Handlers decode their payload in
// place and build their response in place.
func (e *Engine) Buffer() []byte { return e.buf[:] }

// Transmit frames and writes op with the first n buffer bytes as payload.
func (e *Engine) Transmit(op Opcode, n int) error {
	if e.tr == nil {
		return fmt.Errorf("no transport attached")
	}
	if n > MaxPayload {
		return fmt.Errorf("payload too long: %d > %d", n, MaxPayload)
	}
	hdr := [HeaderSize]byte{e.sig, byte(op), byte(n)}
	if err := e.tr.Write(hdr[:]); err != nil {
		return err
	}
	if n > 0 {
		return e.tr.Write(e.buf[:n])
	}
	return nil
}

func (e *Engine) Locked() bool { return e.locked }
func (e *Engine) Fast() bool   { return e.fast }

// SetLocked enters or leaves lock mode. While locked, Poll drains the
// transport continuously; only the unlock payload (or Stop) releases it.
func (e *Engine) SetLocked(on bool) {
	if on == e.locked {
		return
	}
	e.locked = on
	if on {
		e.lastBlink = time.Now()
		log.ModComm.InfoZ("lock mode entered").End()
	} else {
		log.ModComm.InfoZ("lock mode left").End()
	}
}

// SetFast flushes pending output, then switches the transport rate. The
// handler must transmit its response before calling this, so the host reads
// the acknowledgment at the old rate.
func (e *Engine) SetFast(on bool) error {
	if on == e.fast {
		return nil
	}
	if err := e.tr.Flush(); err != nil {
		return err
	}
	if err := e.tr.SetFast(on); err != nil {
		return err
	}
	e.fast = on
	return nil
}

// Stop makes Poll return after the current dispatch, whatever the mode. The
// reset handler uses it: a device reset is the one escape from lock mode.
func (e *Engine) Stop() { e.stopped = true }

// Reset restores the engine to idle, as a device reset does: unlocked, fast
// mode off, no pending stop.
func (e *Engine) Reset() error {
	e.locked = false
	e.stopped = false
	if e.fast {
		e.fast = false
		if e.tr != nil {
			return e.tr.SetFast(false)
		}
	}
	return nil
}

// Poll processes pending packets. Idle, it handles at most one packet and
// returns immediately when none has arrived. While locked or in fast mode it
// keeps draining the transport, returning only on unlock, Stop, or transport
// failure. The transport's receive buffer is assumed bounded and the caller
// slow, which is the whole reason lock mode exists.
func (e *Engine) Poll() error {
	if e.tr == nil {
		return nil
	}
	e.stopped = false
	for {
		if !e.locked && !e.fast {
			if e.tr.Available() == 0 {
				return nil
			}
			if err := e.step(); err != nil {
				return err
			}
			if e.stopped || (!e.locked && !e.fast) {
				return nil
			}
			continue
		}

		// Continuous receive. The lock blink is the only thing that runs
		// between packets.
		if e.tr.Available() == 0 {
			e.maybeBlink()
			time.Sleep(pollInterval)
			continue
		}
		if err := e.step(); err != nil {
			if errors.Is(err, ErrTimeout) {
				// Stay locked: only the unlock payload releases the engine.
				continue
			}
			return err
		}
		if e.stopped {
			return nil
		}
	}
}

// step decodes and dispatches one frame, or drops one stray byte.
func (e *Engine) step() error {
	b, err := e.tr.ReadByte()
	if err != nil {
		return err
	}
	if b != e.sig {
		// Resynchronization by scanning.
		log.ModComm.DebugZ("stray byte dropped").Hex8("byte", b).End()
		return nil
	}

	op, err := e.readByte()
	if err != nil {
		return err
	}
	length, err := e.readByte()
	if err != nil {
		return err
	}
	n := int(length)
	for i := 0; i < n; i++ {
		e.buf[i], err = e.readByte()
		if err != nil {
			return err
		}
	}

	log.ModComm.DebugZ("packet").Stringer("op", Opcode(op)).Int("len", n).End()
	h := e.handlers[op]
	if h == nil {
		e.unhandled(e, Opcode(op), n)
		return nil
	}
	h(e, n)
	return nil
}

// readByte reads one committed mid-packet byte, waiting up to the configured
// timeout if there is one.
func (e *Engine) readByte() (byte, error) {
	if e.timeout <= 0 {
		return e.tr.ReadByte()
	}
	deadline := time.Now().Add(e.timeout)
	for e.tr.Available() == 0 {
		if time.Now().After(deadline) {
			log.ModComm.WarnZ("sender stopped mid-packet, resyncing").End()
			return 0, ErrTimeout
		}
		time.Sleep(pollInterval)
	}
	return e.tr.ReadByte()
}

func (e *Engine) maybeBlink() {
	if !e.locked || e.blink == nil {
		return
	}
	if now := time.Now(); now.Sub(e.lastBlink) >= lockBlinkPeriod {
		e.lastBlink = now
		e.blink()
	}
}
