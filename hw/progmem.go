package hw

import "fmt"

// Program memory geometry. AVR-style: a 32 KiB part minus the 4 KiB boot
// section leaves 28 KiB of app area.
const (
	ProgMemSize  = 28 * 1024
	ProgPageSize = 128
)

// ProgMem models the internal program memory app area. Writes go a whole
// page at a time, like SPM does, and are counted so that the loader's
// skip-reflash path is observable.
type ProgMem struct {
	mem    [ProgMemSize]byte
	writes int
}

func (pm *ProgMem) WritePage(addr uint16, page []byte) error {
	if len(page) != ProgPageSize {
		return fmt.Errorf("progmem write: got %d bytes, page is %d", len(page), ProgPageSize)
	}
	if int(addr)%ProgPageSize != 0 {
		return fmt.Errorf("progmem write: address %#04x not page aligned", addr)
	}
	if int(addr)+ProgPageSize > ProgMemSize {
		return fmt.Errorf("progmem write: address %#04x out of range", addr)
	}
	copy(pm.mem[addr:], page)
	pm.writes++
	return nil
}

// Writes returns the number of pages written since power-up.
func (pm *ProgMem) Writes() int {
	return pm.writes
}

// Bytes returns the app area content.
func (pm *ProgMem) Bytes() []byte {
	return pm.mem[:]
}
