package hw

import (
	"fmt"

	"octavo/emu/log"
)

// Peripheral identifies one of the slaves sharing the SPI bus.
type Peripheral uint8

const (
	PeriphFlash Peripheral = iota
	PeriphEEPROM
	PeriphDisplay

	numPeripherals
)

func (p Peripheral) String() string {
	switch p {
	case PeriphFlash:
		return "flash"
	case PeriphEEPROM:
		return "eeprom"
	case PeriphDisplay:
		return "display"
	}
	return fmt.Sprintf("peripheral(%d)", uint8(p))
}

// Bus is a full-duplex SPI data path with chip-select control. Exactly one
// peripheral may be selected at a time; implementations are not required to
// enforce that, the Mux is.
type Bus interface {
	// Select asserts the chip-select line of p.
	Select(p Peripheral) error
	// Release deasserts whatever chip-select line is asserted.
	Release() error
	// Transceive shifts bytes on the bus. tx and rx may be the same slice,
	// and either may be nil: a nil tx shifts out 0xFF fill bytes, a nil rx
	// discards the input.
	Transceive(tx, rx []byte) error
}

// Mux wraps a Bus with the chip-select discipline the board wiring imposes:
// at most one line asserted at any time. Selecting a peripheral while another
// is held releases the held one first. It also remembers the asserted line,
// which the hardware cannot report back.
type Mux struct {
	bus  Bus
	cur  Peripheral
	held bool
}

func NewMux(bus Bus) *Mux {
	return &Mux{bus: bus}
}

// Asserted reports which chip-select line is currently held, if any.
func (m *Mux) Asserted() (Peripheral, bool) {
	return m.cur, m.held
}

func (m *Mux) Select(p Peripheral) error {
	if m.held {
		if m.cur == p {
			return nil
		}
		log.ModHw.WarnZ("implicit chip-select switch").
			Stringer("held", m.cur).
			Stringer("next", p).
			End()
		if err := m.bus.Release(); err != nil {
			return err
		}
		m.held = false
	}
	if err := m.bus.Select(p); err != nil {
		return err
	}
	m.cur, m.held = p, true
	return nil
}

func (m *Mux) Release() error {
	if !m.held {
		return nil
	}
	if err := m.bus.Release(); err != nil {
		return err
	}
	m.held = false
	return nil
}

func (m *Mux) Transceive(tx, rx []byte) error {
	return m.bus.Transceive(tx, rx)
}

// Chip models a single SPI slave for the in-memory bus.
type Chip interface {
	// Begin is called when the chip-select line is asserted.
	Begin()
	// Transfer shifts one byte into the chip and returns the byte shifted out.
	Transfer(b byte) byte
	// End is called when the chip-select line is released. Commands that
	// latch on the rising edge of chip select take effect here.
	End()
}

// MemBus is an in-memory SPI bus connecting chip models. It is the bus the
// simulated device runs on, and the one tests use.
type MemBus struct {
	chips [numPeripherals]Chip
	sel   Chip
}

func NewMemBus() *MemBus {
	return &MemBus{}
}

// Attach wires a chip model to a chip-select line.
func (b *MemBus) Attach(p Peripheral, c Chip) {
	b.chips[p] = c
}

func (b *MemBus) Select(p Peripheral) error {
	if b.sel != nil {
		b.sel.End()
	}
	b.sel = b.chips[p]
	if b.sel != nil {
		b.sel.Begin()
	}
	return nil
}

func (b *MemBus) Release() error {
	if b.sel != nil {
		b.sel.End()
		b.sel = nil
	}
	return nil
}

func (b *MemBus) Transceive(tx, rx []byte) error {
	n := len(tx)
	if len(rx) > n {
		n = len(rx)
	}
	for i := 0; i < n; i++ {
		out := byte(0xFF)
		if i < len(tx) {
			out = tx[i]
		}
		// With no chip selected MISO floats high.
		in := byte(0xFF)
		if b.sel != nil {
			in = b.sel.Transfer(out)
		}
		if i < len(rx) {
			rx[i] = in
		}
	}
	return nil
}
