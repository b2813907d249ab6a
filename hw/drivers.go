package hw

import (
	"fmt"

	"octavo/emu/log"
)

// maxIdlePolls bounds the status polling loop so a wedged part cannot hang
// the device forever. Both chip models complete instantly; real parts take a
// few milliseconds.
const maxIdlePolls = 100000

func put24(p []byte, v uint32) {
	p[0] = byte(v >> 16)
	p[1] = byte(v >> 8)
	p[2] = byte(v)
}

// Flash is the firmware driver for the external flash part. It issues the
// chip command set through the shared bus, so loader traffic follows the
// same chip-select discipline as remotely driven SPI packets.
type Flash struct {
	bus Bus

	// Addressing window configured for the running app.
	winBase uint32
	winSize uint32
}

func NewFlash(bus Bus) *Flash {
	return &Flash{bus: bus}
}

// SetWindow restricts the app-visible address window to [base, base+size).
// The driver itself keeps absolute addressing; the window is published state
// the app runtime reads back.
func (f *Flash) SetWindow(base, size uint32) {
	f.winBase, f.winSize = base, size
}

func (f *Flash) Window() (base, size uint32) {
	return f.winBase, f.winSize
}

// txn runs one select/transfer/release cycle.
func (f *Flash) txn(tx, rx []byte) error {
	if err := f.bus.Select(PeriphFlash); err != nil {
		return err
	}
	err := f.bus.Transceive(tx, rx)
	if rerr := f.bus.Release(); err == nil {
		err = rerr
	}
	return err
}

func (f *Flash) Read(addr uint32, p []byte) error {
	tx := make([]byte, 4+len(p))
	tx[0] = flashCmdRead
	put24(tx[1:], addr)
	rx := make([]byte, len(tx))
	if err := f.txn(tx, rx); err != nil {
		return fmt.Errorf("flash read failed: %w", err)
	}
	copy(p, rx[4:])
	return nil
}

func (f *Flash) writeEnable() error {
	return f.txn([]byte{flashCmdWriteEnable}, nil)
}

// ProgramPage programs up to one page starting at addr. The data must not
// cross a page boundary; the chip would wrap it around.
func (f *Flash) ProgramPage(addr uint32, p []byte) error {
	if len(p) > FlashPageSize-int(addr)%FlashPageSize {
		return fmt.Errorf("flash program crosses page boundary: addr %#06x len %d", addr, len(p))
	}
	if err := f.writeEnable(); err != nil {
		return err
	}
	tx := make([]byte, 4+len(p))
	tx[0] = flashCmdPageProgram
	put24(tx[1:], addr)
	copy(tx[4:], p)
	if err := f.txn(tx, nil); err != nil {
		return fmt.Errorf("flash program failed: %w", err)
	}
	return f.waitIdle()
}

// Program writes an arbitrary span, splitting it on page boundaries.
func (f *Flash) Program(addr uint32, p []byte) error {
	for len(p) > 0 {
		n := FlashPageSize - int(addr)%FlashPageSize
		if n > len(p) {
			n = len(p)
		}
		if err := f.ProgramPage(addr, p[:n]); err != nil {
			return err
		}
		addr += uint32(n)
		p = p[n:]
	}
	return nil
}

// EraseSector erases the sector containing addr.
func (f *Flash) EraseSector(addr uint32) error {
	log.ModHw.DebugZ("flash sector erase").Hex24("addr", addr).End()
	if err := f.writeEnable(); err != nil {
		return err
	}
	tx := make([]byte, 4)
	tx[0] = flashCmdSectorErase
	put24(tx[1:], addr)
	if err := f.txn(tx, nil); err != nil {
		return fmt.Errorf("flash erase failed: %w", err)
	}
	return f.waitIdle()
}

// EraseChip erases the whole part.
func (f *Flash) EraseChip() error {
	log.ModHw.DebugZ("flash chip erase").End()
	if err := f.writeEnable(); err != nil {
		return err
	}
	if err := f.txn([]byte{flashCmdChipErase}, nil); err != nil {
		return fmt.Errorf("flash erase failed: %w", err)
	}
	return f.waitIdle()
}

func (f *Flash) Status() (byte, error) {
	var rx [2]byte
	if err := f.txn([]byte{flashCmdReadStatus, 0}, rx[:]); err != nil {
		return 0, err
	}
	return rx[1], nil
}

func (f *Flash) JEDEC() ([3]byte, error) {
	var rx [4]byte
	if err := f.txn([]byte{flashCmdJEDECID, 0, 0, 0}, rx[:]); err != nil {
		return [3]byte{}, err
	}
	return [3]byte(rx[1:]), nil
}

func (f *Flash) waitIdle() error {
	for i := 0; i < maxIdlePolls; i++ {
		s, err := f.Status()
		if err != nil {
			return err
		}
		if s&flashStatusBusy == 0 {
			return nil
		}
	}
	return fmt.Errorf("flash stuck busy")
}

// EEPROM is the firmware driver for the serial EEPROM part.
type EEPROM struct {
	bus Bus

	winOff  uint16
	winSize uint16
}

func NewEEPROM(bus Bus) *EEPROM {
	return &EEPROM{bus: bus}
}

// SetWindow restricts the app-visible EEPROM window to [off, off+size).
func (e *EEPROM) SetWindow(off, size uint16) {
	e.winOff, e.winSize = off, size
}

func (e *EEPROM) Window() (off, size uint16) {
	return e.winOff, e.winSize
}

func (e *EEPROM) txn(tx, rx []byte) error {
	if err := e.bus.Select(PeriphEEPROM); err != nil {
		return err
	}
	err := e.bus.Transceive(tx, rx)
	if rerr := e.bus.Release(); err == nil {
		err = rerr
	}
	return err
}

func (e *EEPROM) Read(addr uint16, p []byte) error {
	tx := make([]byte, 3+len(p))
	tx[0] = eepromCmdRead
	tx[1] = byte(addr >> 8)
	tx[2] = byte(addr)
	rx := make([]byte, len(tx))
	if err := e.txn(tx, rx); err != nil {
		return fmt.Errorf("eeprom read failed: %w", err)
	}
	copy(p, rx[3:])
	return nil
}

// Write stores p at addr, splitting it on the chip's write page boundaries.
func (e *EEPROM) Write(addr uint16, p []byte) error {
	for len(p) > 0 {
		n := EEPROMPageSize - int(addr)%EEPROMPageSize
		if n > len(p) {
			n = len(p)
		}
		if err := e.writePage(addr, p[:n]); err != nil {
			return err
		}
		addr += uint16(n)
		p = p[n:]
	}
	return nil
}

func (e *EEPROM) writePage(addr uint16, p []byte) error {
	if err := e.txn([]byte{eepromCmdWriteEnable}, nil); err != nil {
		return err
	}
	tx := make([]byte, 3+len(p))
	tx[0] = eepromCmdWrite
	tx[1] = byte(addr >> 8)
	tx[2] = byte(addr)
	copy(tx[3:], p)
	if err := e.txn(tx, nil); err != nil {
		return fmt.Errorf("eeprom write failed: %w", err)
	}
	return e.waitIdle()
}

func (e *EEPROM) Status() (byte, error) {
	var rx [2]byte
	if err := e.txn([]byte{eepromCmdReadStatus, 0}, rx[:]); err != nil {
		return 0, err
	}
	return rx[1], nil
}

func (e *EEPROM) waitIdle() error {
	for i := 0; i < maxIdlePolls; i++ {
		s, err := e.Status()
		if err != nil {
			return err
		}
		if s&eepromStatusWIP == 0 {
			return nil
		}
	}
	return fmt.Errorf("eeprom stuck busy")
}
