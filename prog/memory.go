package prog

import (
	"fmt"

	"octavo/comm"
	"octavo/hw"
)

// The memory operations drive the raw part command sets through remote SPI
// windows: a W25Q-style flash and a 25AA-style EEPROM. One OpSPI packet
// carries at most chunkSize data bytes; the chip select holds across
// packets, so a transaction runs until the packet with the release bit.
const (
	cmdWrite       = 0x02 // page program on the flash part
	cmdRead        = 0x03
	cmdReadStatus  = 0x05
	cmdWriteEnable = 0x06
	cmdSectorErase = 0x20
	cmdJEDECID     = 0x9F
	cmdChipErase   = 0xC7
)

// statusBusy is bit 0 of either part's status register: busy on the flash,
// write-in-progress on the EEPROM.
const statusBusy = 1 << 0

// chunkSize is the SPI data capacity of one packet; the options byte takes
// one payload slot.
const chunkSize = comm.MaxPayload - 1

// maxIdlePolls bounds post-write status polling. Every poll is a wire round
// trip, which is pacing enough: real parts finish within a handful.
const maxIdlePolls = 1000

func put24(p []byte, v uint32) {
	p[0] = byte(v >> 16)
	p[1] = byte(v >> 8)
	p[2] = byte(v)
}

// spi exchanges one packet's worth of bytes with the selected peripheral
// and returns the MISO echo, aliasing the client's buffer.
func (c *Client) spi(periph hw.Peripheral, data []byte, release bool) ([]byte, error) {
	if len(data) > chunkSize {
		return nil, fmt.Errorf("spi transfer too long for one packet: %d bytes", len(data))
	}
	opts := byte(periph)
	if release {
		opts |= comm.SPIRelease
	}
	payload := make([]byte, 1+len(data))
	payload[0] = opts
	copy(payload[1:], data)
	resp, err := c.call(comm.OpSPI, payload)
	if err != nil {
		return nil, err
	}
	if len(resp) != len(data) {
		return nil, fmt.Errorf("spi echo is %d bytes, sent %d: %w", len(resp), len(data), ErrBadResponse)
	}
	return resp, nil
}

// xfer runs one chip transaction of arbitrary length: tx split across
// packets, the select released after the last when release is set. A
// non-nil rx must be as long as tx and collects the MISO bytes.
func (c *Client) xfer(periph hw.Peripheral, tx, rx []byte, release bool) error {
	for off := 0; off < len(tx); {
		n := len(tx) - off
		if n > chunkSize {
			n = chunkSize
		}
		last := off+n == len(tx)
		resp, err := c.spi(periph, tx[off:off+n], release && last)
		if err != nil {
			return err
		}
		if rx != nil {
			copy(rx[off:], resp)
		}
		off += n
	}
	return nil
}

// ReadFlash reads len(p) bytes of external flash starting at addr.
func (c *Client) ReadFlash(addr uint32, p []byte) error {
	tx := make([]byte, 4+len(p))
	tx[0] = cmdRead
	put24(tx[1:], addr)
	rx := make([]byte, len(tx))
	if err := c.xfer(hw.PeriphFlash, tx, rx, true); err != nil {
		return fmt.Errorf("flash read failed: %w", err)
	}
	copy(p, rx[4:])
	return nil
}

// ProgramFlash programs p at addr, splitting on page boundaries.
// Programming only clears bits; the span must have been erased.
func (c *Client) ProgramFlash(addr uint32, p []byte) error {
	for len(p) > 0 {
		n := hw.FlashPageSize - int(addr)%hw.FlashPageSize
		if n > len(p) {
			n = len(p)
		}
		if err := c.programPage(addr, p[:n]); err != nil {
			return err
		}
		addr += uint32(n)
		p = p[n:]
	}
	return nil
}

func (c *Client) programPage(addr uint32, p []byte) error {
	if err := c.flashWriteEnable(); err != nil {
		return err
	}
	tx := make([]byte, 4+len(p))
	tx[0] = cmdWrite
	put24(tx[1:], addr)
	copy(tx[4:], p)
	if err := c.xfer(hw.PeriphFlash, tx, nil, true); err != nil {
		return fmt.Errorf("flash program failed: %w", err)
	}
	return c.waitFlashIdle()
}

// EraseSector erases the flash sector containing addr.
func (c *Client) EraseSector(addr uint32) error {
	if err := c.flashWriteEnable(); err != nil {
		return err
	}
	tx := [4]byte{cmdSectorErase}
	put24(tx[1:], addr)
	if err := c.xfer(hw.PeriphFlash, tx[:], nil, true); err != nil {
		return fmt.Errorf("flash erase failed: %w", err)
	}
	return c.waitFlashIdle()
}

// EraseFlash erases the entire part, signature, index and images alike.
func (c *Client) EraseFlash() error {
	if err := c.flashWriteEnable(); err != nil {
		return err
	}
	if _, err := c.spi(hw.PeriphFlash, []byte{cmdChipErase}, true); err != nil {
		return fmt.Errorf("flash erase failed: %w", err)
	}
	return c.waitFlashIdle()
}

// JEDECID reads the flash identity: manufacturer, type, capacity code.
func (c *Client) JEDECID() ([3]byte, error) {
	resp, err := c.spi(hw.PeriphFlash, []byte{cmdJEDECID, 0, 0, 0}, true)
	if err != nil {
		return [3]byte{}, err
	}
	return [3]byte(resp[1:4]), nil
}

// FlashStatus reads the flash status register.
func (c *Client) FlashStatus() (byte, error) {
	resp, err := c.spi(hw.PeriphFlash, []byte{cmdReadStatus, 0}, true)
	if err != nil {
		return 0, err
	}
	return resp[1], nil
}

func (c *Client) flashWriteEnable() error {
	_, err := c.spi(hw.PeriphFlash, []byte{cmdWriteEnable}, true)
	return err
}

func (c *Client) waitFlashIdle() error {
	for i := 0; i < maxIdlePolls; i++ {
		s, err := c.FlashStatus()
		if err != nil {
			return err
		}
		if s&statusBusy == 0 {
			return nil
		}
	}
	return fmt.Errorf("flash stuck busy")
}

// ReadEEPROM reads len(p) bytes of the serial EEPROM starting at addr.
func (c *Client) ReadEEPROM(addr uint16, p []byte) error {
	tx := make([]byte, 3+len(p))
	tx[0] = cmdRead
	tx[1] = byte(addr >> 8)
	tx[2] = byte(addr)
	rx := make([]byte, len(tx))
	if err := c.xfer(hw.PeriphEEPROM, tx, rx, true); err != nil {
		return fmt.Errorf("eeprom read failed: %w", err)
	}
	copy(p, rx[3:])
	return nil
}

// WriteEEPROM writes p at addr, splitting on the chip's write pages.
func (c *Client) WriteEEPROM(addr uint16, p []byte) error {
	for len(p) > 0 {
		n := hw.EEPROMPageSize - int(addr)%hw.EEPROMPageSize
		if n > len(p) {
			n = len(p)
		}
		if err := c.eepromWritePage(addr, p[:n]); err != nil {
			return err
		}
		addr += uint16(n)
		p = p[n:]
	}
	return nil
}

func (c *Client) eepromWritePage(addr uint16, p []byte) error {
	if _, err := c.spi(hw.PeriphEEPROM, []byte{cmdWriteEnable}, true); err != nil {
		return err
	}
	tx := make([]byte, 3+len(p))
	tx[0] = cmdWrite
	tx[1] = byte(addr >> 8)
	tx[2] = byte(addr)
	copy(tx[3:], p)
	if err := c.xfer(hw.PeriphEEPROM, tx, nil, true); err != nil {
		return fmt.Errorf("eeprom write failed: %w", err)
	}
	return c.waitEEPROMIdle()
}

// EEPROMStatus reads the EEPROM status register.
func (c *Client) EEPROMStatus() (byte, error) {
	resp, err := c.spi(hw.PeriphEEPROM, []byte{cmdReadStatus, 0}, true)
	if err != nil {
		return 0, err
	}
	return resp[1], nil
}

func (c *Client) waitEEPROMIdle() error {
	for i := 0; i < maxIdlePolls; i++ {
		s, err := c.EEPROMStatus()
		if err != nil {
			return err
		}
		if s&statusBusy == 0 {
			return nil
		}
	}
	return fmt.Errorf("eeprom stuck busy")
}
