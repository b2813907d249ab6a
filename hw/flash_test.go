package hw

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestFlash(size int) (*Flash, *FlashChip) {
	chip := NewFlashChip(size)
	bus := NewMemBus()
	bus.Attach(PeriphFlash, chip)
	return NewFlash(NewMux(bus)), chip
}

func TestFlashProgramReadErase(t *testing.T) {
	drv, chip := newTestFlash(64 * 1024)

	data := make([]byte, 600)
	for i := range data {
		data[i] = byte(i)
	}

	// Program spans three pages; the driver must split it.
	const addr = 0x10A0
	if err := drv.Program(addr, data); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(chip.Data[addr:addr+600], data) {
		t.Fatal("programmed data does not match")
	}

	got := make([]byte, 600)
	if err := drv.Read(addr, got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("read back mismatch (-want +got):\n%s", diff)
	}

	// Sector erase restores 0xFF for the whole 4K around addr, and only it.
	if err := drv.EraseSector(addr); err != nil {
		t.Fatal(err)
	}
	for i := addr &^ (FlashSectorSize - 1); i < (addr&^(FlashSectorSize-1))+FlashSectorSize; i++ {
		if chip.Data[i] != 0xFF {
			t.Fatalf("byte %#06x = %#02x after sector erase", i, chip.Data[i])
		}
	}
	if chip.Data[0x2000] != 0xFF {
		t.Fatal("erase leaked outside the sector")
	}
}

func TestFlashProgramRequiresWriteEnable(t *testing.T) {
	chip := NewFlashChip(4096)

	// Drive the chip directly, skipping the driver's WREN.
	chip.Begin()
	for _, b := range []byte{flashCmdPageProgram, 0, 0, 0, 0x42, 0x43} {
		chip.Transfer(b)
	}
	chip.End()

	if chip.Data[0] != 0xFF || chip.Data[1] != 0xFF {
		t.Fatalf("program went through without write enable: % x", chip.Data[:2])
	}
}

func TestFlashChipPageWrap(t *testing.T) {
	chip := NewFlashChip(4096)

	// 4 bytes programmed from column 254 must wrap to columns 0 and 1 of the
	// same page, not spill into the next one.
	chip.Begin()
	chip.Transfer(flashCmdWriteEnable)
	chip.End()
	chip.Begin()
	for _, b := range []byte{flashCmdPageProgram, 0x00, 0x00, 0xFE, 0x10, 0x11, 0x12, 0x13} {
		chip.Transfer(b)
	}
	chip.End()

	want := map[int]byte{0xFE: 0x10, 0xFF: 0x11, 0x00: 0x12, 0x01: 0x13}
	for off, val := range want {
		if chip.Data[off] != val {
			t.Errorf("Data[%#04x] = %#02x, want %#02x", off, chip.Data[off], val)
		}
	}
	if chip.Data[0x100] != 0xFF {
		t.Error("program spilled into the next page")
	}
}

func TestFlashProgramPullsBitsLow(t *testing.T) {
	drv, chip := newTestFlash(4096)

	if err := drv.ProgramPage(0, []byte{0xF0}); err != nil {
		t.Fatal(err)
	}
	if err := drv.ProgramPage(0, []byte{0x0F}); err != nil {
		t.Fatal(err)
	}
	if chip.Data[0] != 0x00 {
		t.Fatalf("Data[0] = %#02x, want 0 (programs AND together)", chip.Data[0])
	}
}

func TestFlashJEDEC(t *testing.T) {
	drv, _ := newTestFlash(2 * 1024 * 1024)

	id, err := drv.JEDEC()
	if err != nil {
		t.Fatal(err)
	}
	want := [3]byte{0xEF, 0x40, 0x15} // 2 MiB = 1<<21
	if diff := cmp.Diff(want, id); diff != "" {
		t.Errorf("JEDEC mismatch (-want +got):\n%s", diff)
	}
}

func TestFlashChipErase(t *testing.T) {
	drv, chip := newTestFlash(4096)

	if err := drv.Program(100, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := drv.EraseChip(); err != nil {
		t.Fatal(err)
	}
	for i, b := range chip.Data {
		if b != 0xFF {
			t.Fatalf("Data[%#04x] = %#02x after chip erase", i, b)
		}
	}
}

func TestFlashProgramPageBoundaryCheck(t *testing.T) {
	drv, _ := newTestFlash(4096)

	if err := drv.ProgramPage(0xF0, make([]byte, 32)); err == nil {
		t.Fatal("ProgramPage accepted a page-crossing write")
	}
}
