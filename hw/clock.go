package hw

import "octavo/emu/log"

const tickMask = 1<<24 - 1

// Clock is the 24-bit wrapping millisecond counter apps and the protocol
// read. The device loop advances it; tests drive it directly.
type Clock struct {
	ticks uint32
}

func (c *Clock) Advance(n uint32) {
	c.ticks = (c.ticks + n) & tickMask
}

func (c *Clock) Ticks() uint32 {
	return c.ticks & tickMask
}

// AddLogContext stamps the current tick on every log entry.
func (c *Clock) AddLogContext(e *log.EntryZ) {
	e.Uint32("tick", c.Ticks())
}
