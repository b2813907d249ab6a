package hw

// Serial EEPROM command set (25AA/25LC-style).
const (
	eepromCmdWrite        = 0x02
	eepromCmdRead         = 0x03
	eepromCmdWriteDisable = 0x04
	eepromCmdReadStatus   = 0x05
	eepromCmdWriteEnable  = 0x06
)

const (
	eepromStatusWIP = 1 << 0
	eepromStatusWEL = 1 << 1
)

// EEPROMPageSize is the write page size of the serial EEPROM.
const EEPROMPageSize = 32

// EEPROMChip models the serial EEPROM part. Unlike flash, a write stores the
// bytes as given (no erase cycle), but it still needs a write-enable first
// and still wraps within its small write page.
type EEPROMChip struct {
	// Data is the EEPROM array, directly addressable in the simulator and in
	// tests.
	Data []byte

	wel bool

	cmd  byte
	addr int
	an   int
	pbuf [EEPROMPageSize]byte
	pn   int
	out  byte
}

// NewEEPROMChip returns a blank (all 0xFF) EEPROM of the given size.
func NewEEPROMChip(size int) *EEPROMChip {
	c := &EEPROMChip{Data: make([]byte, size)}
	for i := range c.Data {
		c.Data[i] = 0xFF
	}
	return c
}

func (c *EEPROMChip) Begin() {
	c.cmd = 0
	c.an = 0
	c.pn = 0
	c.out = 0xFF
}

func (c *EEPROMChip) Transfer(b byte) byte {
	ret := c.out
	c.out = 0xFF

	if c.cmd == 0 {
		switch b {
		case eepromCmdWriteEnable:
			c.wel = true
		case eepromCmdWriteDisable:
			c.wel = false
		case eepromCmdRead, eepromCmdWrite:
			c.cmd = b
			c.addr = 0
		case eepromCmdReadStatus:
			c.cmd = b
			c.out = c.status()
		default:
			c.cmd = 0xFF
		}
		return ret
	}

	switch c.cmd {
	case eepromCmdRead:
		if c.an < 2 {
			c.addr = c.addr<<8 | int(b)
			c.an++
			if c.an == 2 {
				c.addr %= len(c.Data)
				c.out = c.Data[c.addr]
			}
		} else {
			c.addr = (c.addr + 1) % len(c.Data)
			c.out = c.Data[c.addr]
		}

	case eepromCmdWrite:
		if c.an < 2 {
			c.addr = c.addr<<8 | int(b)
			c.an++
		} else if c.pn < len(c.pbuf) {
			c.pbuf[c.pn] = b
			c.pn++
		}

	case eepromCmdReadStatus:
		c.out = c.status()
	}
	return ret
}

func (c *EEPROMChip) status() byte {
	// Writes complete instantly in the model, WIP never reads back set.
	var s byte
	if c.wel {
		s |= eepromStatusWEL
	}
	return s
}

// End commits a pending write on the rising edge of chip select.
func (c *EEPROMChip) End() {
	if c.cmd == eepromCmdWrite && c.wel && c.an == 2 && c.pn > 0 {
		addr := c.addr % len(c.Data)
		base := addr &^ (EEPROMPageSize - 1)
		col := addr & (EEPROMPageSize - 1)
		for i := 0; i < c.pn; i++ {
			c.Data[base+col] = c.pbuf[i]
			col = (col + 1) & (EEPROMPageSize - 1)
		}
		c.wel = false
	}
	c.cmd = 0
}
