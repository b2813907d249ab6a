package hw

// External flash command set (W25Q-style).
const (
	flashCmdPageProgram  = 0x02
	flashCmdRead         = 0x03
	flashCmdWriteDisable = 0x04
	flashCmdReadStatus   = 0x05
	flashCmdWriteEnable  = 0x06
	flashCmdSectorErase  = 0x20
	flashCmdJEDECID      = 0x9F
	flashCmdChipErase    = 0xC7
)

// Flash status register bits.
const (
	flashStatusBusy = 1 << 0
	flashStatusWEL  = 1 << 1
)

const (
	// FlashPageSize is the program page size of the external flash.
	FlashPageSize = 256
	// FlashSectorSize is the erase granularity.
	FlashSectorSize = 4096
)

// FlashChip models the external SPI NOR flash part. It implements the usual
// command state machine byte by byte: programming pulls bits low, only an
// erase restores them to 0xFF, and program/erase commands are honoured only
// when write-enabled.
type FlashChip struct {
	// Data is the flash array, directly addressable for preloading images in
	// the simulator and in tests.
	Data []byte

	wel bool

	cmd  byte
	addr int
	an   int
	pbuf [FlashPageSize]byte
	pn   int
	out  byte
}

// NewFlashChip returns a blank (all 0xFF) flash part of the given size.
// Size must be a multiple of the sector size.
func NewFlashChip(size int) *FlashChip {
	c := &FlashChip{Data: make([]byte, size)}
	for i := range c.Data {
		c.Data[i] = 0xFF
	}
	return c
}

// JEDEC identity: Winbond, SPI NOR, capacity code for the part size.
func (c *FlashChip) jedec() [3]byte {
	code := byte(0)
	for n := len(c.Data); n > 1; n >>= 1 {
		code++
	}
	return [3]byte{0xEF, 0x40, code}
}

func (c *FlashChip) Begin() {
	c.cmd = 0
	c.an = 0
	c.pn = 0
	c.out = 0xFF
}

func (c *FlashChip) Transfer(b byte) byte {
	ret := c.out
	c.out = 0xFF

	if c.cmd == 0 {
		c.command(b)
		return ret
	}

	switch c.cmd {
	case flashCmdRead:
		if c.an < 3 {
			c.addr = c.addr<<8 | int(b)
			c.an++
			if c.an == 3 {
				c.addr %= len(c.Data)
				c.out = c.Data[c.addr]
			}
		} else {
			c.addr = (c.addr + 1) % len(c.Data)
			c.out = c.Data[c.addr]
		}

	case flashCmdPageProgram, flashCmdSectorErase:
		if c.an < 3 {
			c.addr = c.addr<<8 | int(b)
			c.an++
		} else if c.cmd == flashCmdPageProgram && c.pn < len(c.pbuf) {
			c.pbuf[c.pn] = b
			c.pn++
		}

	case flashCmdReadStatus:
		c.out = c.status()

	case flashCmdJEDECID:
		id := c.jedec()
		if c.an < 3 {
			c.out = id[c.an]
			c.an++
		}
	}
	return ret
}

func (c *FlashChip) command(b byte) {
	switch b {
	case flashCmdWriteEnable:
		c.wel = true
	case flashCmdWriteDisable:
		c.wel = false
	case flashCmdRead, flashCmdPageProgram, flashCmdSectorErase,
		flashCmdChipErase, flashCmdReadStatus, flashCmdJEDECID:
		c.cmd = b
		c.addr = 0
	default:
		// Unknown command: swallow the transaction.
		c.cmd = 0xFF
	}
	if b == flashCmdReadStatus {
		c.out = c.status()
	}
}

func (c *FlashChip) status() byte {
	// The model programs and erases instantly, so busy never reads back set.
	var s byte
	if c.wel {
		s |= flashStatusWEL
	}
	return s
}

// End latches program and erase commands on the rising edge of chip select.
func (c *FlashChip) End() {
	if c.an != 3 && c.cmd != flashCmdChipErase {
		c.cmd = 0
		return
	}

	addr := c.addr % len(c.Data)

	switch c.cmd {
	case flashCmdPageProgram:
		if !c.wel || c.pn == 0 {
			break
		}
		// Programming wraps within the page: the page base is fixed by the
		// address, only the column advances.
		base := addr &^ (FlashPageSize - 1)
		col := addr & (FlashPageSize - 1)
		for i := 0; i < c.pn; i++ {
			c.Data[base+col] &= c.pbuf[i]
			col = (col + 1) & (FlashPageSize - 1)
		}
		c.wel = false

	case flashCmdSectorErase:
		if !c.wel {
			break
		}
		base := addr &^ (FlashSectorSize - 1)
		for i := base; i < base+FlashSectorSize; i++ {
			c.Data[i] = 0xFF
		}
		c.wel = false

	case flashCmdChipErase:
		if !c.wel {
			break
		}
		for i := range c.Data {
			c.Data[i] = 0xFF
		}
		c.wel = false
	}
	c.cmd = 0
}
