// Package prog is the host side of the device protocol: a packet client
// over a comm transport, the chip command sequences driven through remote
// SPI windows, and the install/remove operations the programming tool is
// built from.
package prog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"octavo/comm"
	"octavo/emu/log"
)

// ErrBadResponse reports a response frame that does not answer the request.
// The transport delivers bytes in order, so the two ends disagree about the
// exchange; the caller should reset the device rather than push on.
var ErrBadResponse = errors.New("bad response")

// pollInterval paces the wait for response bytes, like the engine's receive
// side.
const pollInterval = 200 * time.Microsecond

// DefaultTimeout is the per-byte response deadline. Generous: a locked
// device answers between packets, and erase commands stall the slower parts
// for tens of milliseconds.
const DefaultTimeout = 2 * time.Second

// Client speaks the host end of the packet protocol. The protocol is
// half-duplex and so is the client: one goroutine, one exchange at a time.
type Client struct {
	tr         comm.Transport
	sig        byte
	timeout    time.Duration
	fastXfers  bool
	onProgress func(done, total int)

	buf [comm.MaxPayload]byte
}

func NewClient(tr comm.Transport) *Client {
	return &Client{tr: tr, sig: comm.Signature, timeout: DefaultTimeout}
}

// SetSignature switches the frame start byte, for gen-2 devices.
func (c *Client) SetSignature(sig byte) { c.sig = sig }

// SetTimeout sets the per-byte response deadline. Zero waits forever.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// SetFastTransfers makes the bulk operations raise the signalling rate for
// the duration of their lock window.
func (c *Client) SetFastTransfers(on bool) { c.fastXfers = on }

// SetProgress installs a callback for bulk transfer progress, called after
// every programmed page.
func (c *Client) SetProgress(fn func(done, total int)) { c.onProgress = fn }

func (c *Client) progress(done, total int) {
	if c.onProgress != nil {
		c.onProgress(done, total)
	}
}

// send transmits one request frame. A few opcodes never get a response
// (LED, IO, reset); everything else goes through call.
func (c *Client) send(op comm.Opcode, payload []byte) error {
	if len(payload) > comm.MaxPayload {
		return fmt.Errorf("payload too long: %d bytes", len(payload))
	}
	hdr := [comm.HeaderSize]byte{c.sig, byte(op), byte(len(payload))}
	if err := c.tr.Write(hdr[:]); err != nil {
		return fmt.Errorf("send %v: %w", op, err)
	}
	if len(payload) > 0 {
		if err := c.tr.Write(payload); err != nil {
			return fmt.Errorf("send %v: %w", op, err)
		}
	}
	return c.tr.Flush()
}

// call transmits a request and blocks for the matching response frame. The
// returned payload aliases the client's buffer, valid until the next call.
func (c *Client) call(op comm.Opcode, payload []byte) ([]byte, error) {
	if err := c.send(op, payload); err != nil {
		return nil, err
	}
	return c.recv(op)
}

// recv reads the next response frame, scanning past stray bytes the same
// way the device side resynchronizes.
func (c *Client) recv(op comm.Opcode) ([]byte, error) {
	for {
		b, err := c.readByte()
		if err != nil {
			return nil, fmt.Errorf("recv %v: %w", op, err)
		}
		if b == c.sig {
			break
		}
		log.ModProg.DebugZ("stray byte dropped").Hex8("byte", b).End()
	}
	got, err := c.readByte()
	if err != nil {
		return nil, fmt.Errorf("recv %v: %w", op, err)
	}
	length, err := c.readByte()
	if err != nil {
		return nil, fmt.Errorf("recv %v: %w", op, err)
	}
	// Drain the whole frame even if it turns out to answer something else.
	n := int(length)
	for i := 0; i < n; i++ {
		if c.buf[i], err = c.readByte(); err != nil {
			return nil, fmt.Errorf("recv %v: %w", op, err)
		}
	}
	if comm.Opcode(got) != op {
		return nil, fmt.Errorf("sent %v, device answered %v: %w", op, comm.Opcode(got), ErrBadResponse)
	}
	return c.buf[:n], nil
}

// readByte reads one response byte, waiting up to the configured deadline.
func (c *Client) readByte() (byte, error) {
	if c.timeout <= 0 {
		return c.tr.ReadByte()
	}
	deadline := time.Now().Add(c.timeout)
	for c.tr.Available() == 0 {
		if time.Now().After(deadline) {
			return 0, comm.ErrTimeout
		}
		time.Sleep(pollInterval)
	}
	return c.tr.ReadByte()
}

func onOff(on bool) []byte {
	if on {
		return []byte{comm.PayloadOn}
	}
	return []byte{comm.PayloadOff}
}

// VersionInfo is the OpVersion response.
type VersionInfo struct {
	App     uint16
	Boot    uint16
	MinBoot uint16
}

func (c *Client) Version() (VersionInfo, error) {
	resp, err := c.call(comm.OpVersion, nil)
	if err != nil {
		return VersionInfo{}, err
	}
	if len(resp) < 6 {
		return VersionInfo{}, fmt.Errorf("version response is %d bytes: %w", len(resp), ErrBadResponse)
	}
	return VersionInfo{
		App:     binary.LittleEndian.Uint16(resp[0:]),
		Boot:    binary.LittleEndian.Uint16(resp[2:]),
		MinBoot: binary.LittleEndian.Uint16(resp[4:]),
	}, nil
}

// Lock switches the device into or out of continuous receive. Bulk SPI work
// happens locked, so packets are serviced back to back instead of once per
// device tick.
func (c *Client) Lock(on bool) error {
	_, err := c.call(comm.OpLock, onOff(on))
	return err
}

// Sleep grants or revokes the device's permission to power down between
// exchanges.
func (c *Client) Sleep(on bool) error {
	_, err := c.call(comm.OpSleep, onOff(on))
	return err
}

// BatteryInfo is the OpBattInfo response.
type BatteryInfo struct {
	Status     uint8
	Percent    uint8
	MilliVolts uint16
	Raw        uint16
}

func (c *Client) BattInfo() (BatteryInfo, error) {
	resp, err := c.call(comm.OpBattInfo, nil)
	if err != nil {
		return BatteryInfo{}, err
	}
	if len(resp) < 6 {
		return BatteryInfo{}, fmt.Errorf("battery response is %d bytes: %w", len(resp), ErrBadResponse)
	}
	return BatteryInfo{
		Status:     resp[0],
		Percent:    resp[1],
		MilliVolts: binary.LittleEndian.Uint16(resp[2:]),
		Raw:        binary.LittleEndian.Uint16(resp[4:]),
	}, nil
}

// BattCalib starts or stops battery calibration. Starting resets the
// display drive to its defaults on the device.
func (c *Client) BattCalib(on bool) error {
	_, err := c.call(comm.OpBattCalib, onOff(on))
	return err
}

// BattLoad applies a display drive point. Only honoured while calibrating.
func (c *Client) BattLoad(contrast, color uint8) error {
	_, err := c.call(comm.OpBattLoad, []byte{contrast, color})
	return err
}

// LED sets the status LED. No response comes back.
func (c *Client) LED(on bool) error {
	v := byte(0)
	if on {
		v = 1
	}
	return c.send(comm.OpLED, []byte{v})
}

// Input reads the button states.
func (c *Client) Input() (uint8, error) {
	resp, err := c.call(comm.OpInput, nil)
	if err != nil {
		return 0, err
	}
	if len(resp) < 1 {
		return 0, fmt.Errorf("empty input response: %w", ErrBadResponse)
	}
	return resp[0], nil
}

// IO drives the display control lines. No response comes back.
func (c *Client) IO(dataCmd, reset bool) error {
	var v byte
	if dataCmd {
		v |= 0x01
	}
	if reset {
		v |= 0x02
	}
	return c.send(comm.OpIO, []byte{v})
}

// Time reads the device's 24-bit tick counter.
func (c *Client) Time() (uint32, error) {
	resp, err := c.call(comm.OpTime, nil)
	if err != nil {
		return 0, err
	}
	if len(resp) < 3 {
		return 0, fmt.Errorf("time response is %d bytes: %w", len(resp), ErrBadResponse)
	}
	return uint32(resp[0]) | uint32(resp[1])<<8 | uint32(resp[2])<<16, nil
}

// FastMode switches the signalling rate on both ends. The device
// acknowledges at the old rate before switching, so the ack is read first
// and the client's transport follows.
func (c *Client) FastMode(on bool) error {
	if _, err := c.call(comm.OpFastMode, onOff(on)); err != nil {
		return err
	}
	return c.tr.SetFast(on)
}

// Reset reboots the device. No response comes back; the device wakes
// unlocked at the normal rate, so the client's transport drops back too.
func (c *Client) Reset() error {
	if err := c.send(comm.OpReset, nil); err != nil {
		return err
	}
	return c.tr.SetFast(false)
}
