package prog

import (
	"bytes"
	"testing"

	"octavo/emu"
	"octavo/hw"
)

func TestReadFlashChunked(t *testing.T) {
	// 600 bytes spans three packets of one chip-select window.
	want := make([]byte, 600)
	for i := range want {
		want[i] = byte(i * 13)
	}
	r := newRig(t, func(d *emu.Device) {
		copy(d.FlashChip.Data[0x2000:], want)
	})

	got := make([]byte, len(want))
	if err := r.client.ReadFlash(0x2000, got); err != nil {
		t.Fatalf("read flash: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("read %x..., want %x...", got[:8], want[:8])
	}

	r.stop()
	if p, ok := r.dev.Mux.Asserted(); ok {
		t.Errorf("chip select still asserted: %v", p)
	}
}

func TestProgramFlash(t *testing.T) {
	r := newRig(t, nil)
	c := r.client

	// 700 bytes crosses two page boundaries; the part is blank, so no erase
	// is needed the first time.
	data := make([]byte, 700)
	for i := range data {
		data[i] = byte(i ^ 0x5A)
	}
	if err := c.ProgramFlash(0x3000, data); err != nil {
		t.Fatalf("program: %v", err)
	}
	got := make([]byte, len(data))
	if err := c.ReadFlash(0x3000, got); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("programmed bytes do not read back")
	}

	if err := c.EraseSector(0x3000); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if err := c.ReadFlash(0x3000, got); err != nil {
		t.Fatalf("read back: %v", err)
	}
	for i, b := range got {
		if b != 0xFF {
			t.Fatalf("byte %d is %#02x after erase", i, b)
		}
	}
}

func TestJEDECID(t *testing.T) {
	r := newRig(t, nil)

	id, err := r.client.JEDECID()
	if err != nil {
		t.Fatalf("jedec: %v", err)
	}
	want := [3]byte{0xEF, 0x40, 18} // 1<<18 part
	if id != want {
		t.Errorf("jedec id % x, want % x", id, want)
	}
}

func TestEEPROMReadWrite(t *testing.T) {
	r := newRig(t, nil)
	c := r.client

	// Past the reserved header, crossing write-page boundaries.
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i + 3)
	}
	if err := c.WriteEEPROM(300, data); err != nil {
		t.Fatalf("write eeprom: %v", err)
	}
	got := make([]byte, len(data))
	if err := c.ReadEEPROM(300, got); err != nil {
		t.Fatalf("read eeprom: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("eeprom bytes do not read back")
	}

	r.stop()
	if !bytes.Equal(r.dev.EEPROMChip.Data[300:400], data) {
		t.Error("page-split write landed at the wrong addresses")
	}
}

func TestFlashStatusIdle(t *testing.T) {
	r := newRig(t, nil)

	s, err := r.client.FlashStatus()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if s&statusBusy != 0 {
		t.Errorf("flash busy at rest: status %#02x", s)
	}
	s, err = r.client.EEPROMStatus()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if s&statusBusy != 0 {
		t.Errorf("eeprom busy at rest: status %#02x", s)
	}
}

func TestSelectReleaseDiscipline(t *testing.T) {
	r := newRig(t, func(d *emu.Device) {
		copy(d.FlashChip.Data[0x2000:], []byte{0xA1, 0xB2, 0xC3})
	})
	c := r.client

	// A transfer without the release bit keeps the select asserted, and the
	// read stream carries across packets: nothing the device does between
	// them may touch the bus.
	first, err := c.spi(hw.PeriphFlash, []byte{cmdRead, 0x00, 0x20, 0x00, 0x00}, false)
	if err != nil {
		t.Fatalf("spi: %v", err)
	}
	if first[4] != 0xA1 {
		t.Errorf("first data byte %#02x, want 0xA1", first[4])
	}
	second, err := c.spi(hw.PeriphFlash, []byte{0x00, 0x00}, true)
	if err != nil {
		t.Fatalf("spi: %v", err)
	}
	if second[0] != 0xB2 || second[1] != 0xC3 {
		t.Errorf("stream broke across packets: % x", second)
	}

	r.stop()
	if _, ok := r.dev.Mux.Asserted(); ok {
		t.Error("release bit did not drop the select")
	}
}
