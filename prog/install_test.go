package prog

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"octavo/hw"
	"octavo/load"
	"octavo/opak"
)

func testFirmware(id uint8, version uint16, codeLen, assetLen int) *opak.Firmware {
	code := make([]byte, codeLen)
	for i := range code {
		code[i] = byte(i * 7)
	}
	assets := make([]byte, assetLen)
	for i := range assets {
		assets[i] = byte(i ^ 0x3C)
	}
	return opak.New(opak.Meta{
		AppID:       id,
		PageHeight:  2,
		AppVersion:  version,
		BootVersion: 0x0203,
		EEPROMSize:  64,
		Name:        "blaster",
		Author:      "octavo",
		BuildDate:   "20260815",
	}, code, assets)
}

func TestInstallAndBoot(t *testing.T) {
	r := newRig(t, nil)
	c := r.client

	var last, total int
	c.SetProgress(func(d, n int) { last, total = d, n })

	fw := testFirmware(7, 0x0100, 700, 300)
	if err := c.Install(fw); err != nil {
		t.Fatalf("install: %v", err)
	}
	if last != 1000 || total != 1000 {
		t.Errorf("progress ended at %d/%d, want 1000/1000", last, total)
	}

	// The index reads back over the wire with the entry as built host-side.
	ix, err := c.ReadIndex()
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if ix.Count() != 1 {
		t.Fatalf("index has %d apps, want 1", ix.Count())
	}
	e, ok := ix.Lookup(7)
	if !ok {
		t.Fatal("app 7 missing from index")
	}
	want := fw.IndexEntry(load.AppRegion, 0)
	if diff := cmp.Diff(want, e); diff != "" {
		t.Errorf("entry (-want +got):\n%s", diff)
	}

	// Power-cycle: the install persists, and the loader streams the code
	// into program memory with the CRC gate passing.
	r.stop()
	r.dev.Boot()
	if r.dev.Index().Count() != 1 {
		t.Fatalf("index lost across reboot")
	}
	if err := r.dev.LoadApp(7); err != nil {
		t.Fatalf("load app: %v", err)
	}
	app, running := r.dev.Running()
	if !running || app.AppID != 7 {
		t.Fatalf("app not started: %+v running=%v", app, running)
	}
	wantPages := (700 + hw.ProgPageSize - 1) / hw.ProgPageSize
	if got := r.dev.Prog.Writes(); got != wantPages {
		t.Errorf("%d pages written, want %d", got, wantPages)
	}
	if !bytes.Equal(r.dev.Prog.Bytes()[:700], fw.Code) {
		t.Error("program memory does not hold the code section")
	}
}

func TestInstallRejectsBootMismatch(t *testing.T) {
	r := newRig(t, nil)

	fw := opak.New(opak.Meta{AppID: 3, BootVersion: 0x0999}, make([]byte, 64), nil)
	err := r.client.Install(fw)
	var mismatch *BootMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("want BootMismatchError, got %v", err)
	}
	if mismatch.Device != 0x0203 || mismatch.Firmware != 0x0999 {
		t.Errorf("mismatch %+v", mismatch)
	}
}

func TestInstallRejectsReservedID(t *testing.T) {
	r := newRig(t, nil)

	for _, id := range []uint8{0, 0xFF} {
		fw := opak.New(opak.Meta{AppID: id, BootVersion: 0x0203}, make([]byte, 16), nil)
		if err := r.client.Install(fw); err == nil {
			t.Errorf("id %d accepted", id)
		}
	}
}

func TestReinstallKeepsSlotAndRegion(t *testing.T) {
	r := newRig(t, nil)
	c := r.client

	if err := c.Install(testFirmware(7, 0x0100, 700, 300)); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := c.Install(testFirmware(7, 0x0200, 700, 300)); err != nil {
		t.Fatalf("reinstall: %v", err)
	}

	ix, err := c.ReadIndex()
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if ix.Count() != 1 {
		t.Fatalf("index has %d apps after reinstall, want 1", ix.Count())
	}
	e, _ := ix.Lookup(7)
	if e.AppVersion != 0x0200 {
		t.Errorf("app version %#04x, want 0x0200", e.AppVersion)
	}
	if e.FlashAddr != load.AppRegion {
		t.Errorf("region moved to %#06x on reinstall", e.FlashAddr)
	}
}

func TestSecondAppAllocatesPastFirst(t *testing.T) {
	r := newRig(t, nil)
	c := r.client

	if err := c.Install(testFirmware(7, 0x0100, 700, 300)); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := c.Install(testFirmware(9, 0x0100, 100, 0)); err != nil {
		t.Fatalf("install: %v", err)
	}

	ix, err := c.ReadIndex()
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if ix.Count() != 2 {
		t.Fatalf("index has %d apps, want 2", ix.Count())
	}
	e, _ := ix.Lookup(9)
	if e.FlashAddr != load.AppRegion+hw.FlashSectorSize {
		t.Errorf("second app at %#06x, want %#06x", e.FlashAddr, load.AppRegion+hw.FlashSectorSize)
	}
	if e.EEPROMOff != 64 {
		t.Errorf("second app eeprom offset %d, want 64", e.EEPROMOff)
	}

	// Both images intact on the part.
	r.stop()
	first, _ := ix.Lookup(7)
	img := r.dev.FlashChip.Data[first.FlashAddr : first.FlashAddr+first.TotalSize]
	if load.CRC16(img) != first.ImageCRC {
		t.Error("first image damaged by second install")
	}
}

func TestRemove(t *testing.T) {
	r := newRig(t, nil)
	c := r.client

	if err := c.Install(testFirmware(7, 0x0100, 128, 0)); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := c.Remove(7); err != nil {
		t.Fatalf("remove: %v", err)
	}

	ix, err := c.ReadIndex()
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if ix.Count() != 0 {
		t.Fatalf("index has %d apps after remove", ix.Count())
	}

	if err := c.Remove(7); err == nil {
		t.Error("second remove succeeded")
	}
	if err := c.Remove(0); err == nil {
		t.Error("reserved id removable")
	}
}

func TestInstallFastTransfers(t *testing.T) {
	r := newRig(t, nil)
	c := r.client
	c.SetFastTransfers(true)

	sawFast := false
	c.SetProgress(func(done, total int) {
		if r.hostEnd.Fast() {
			sawFast = true
		}
	})

	if err := c.Install(testFirmware(7, 0x0100, 700, 300)); err != nil {
		t.Fatalf("install: %v", err)
	}
	if !sawFast {
		t.Error("bulk phase never ran at the fast rate")
	}
	if r.hostEnd.Fast() {
		t.Error("still fast after the lock window")
	}
}

func TestPlace(t *testing.T) {
	used := func(id uint8, flashAddr uint32, total uint32, eepromOff, eepromSize uint16) [load.EntrySize]byte {
		return load.EncodeEntry(load.Entry{
			AppID: id, FlashAddr: flashAddr, TotalSize: total,
			EEPROMOff: eepromOff, EEPROMSize: eepromSize,
			BootVersion: 0x0203,
		})
	}
	erased := func() (raw [load.EntrySize]byte) {
		for i := range raw {
			raw[i] = 0xFF
		}
		return raw
	}
	removed := func(id uint8, flashAddr uint32, total uint32, eepromOff, eepromSize uint16) [load.EntrySize]byte {
		raw := used(id, flashAddr, total, eepromOff, eepromSize)
		raw[0] = load.AppNone
		return raw
	}

	blank := func() (raws [load.IndexSlots][load.EntrySize]byte) {
		for i := range raws {
			raws[i] = erased()
		}
		return raws
	}

	tests := []struct {
		name      string
		setup     func() [load.IndexSlots][load.EntrySize]byte
		fw        *opak.Firmware
		slot      int
		flashAddr uint32
		eepromOff uint16
	}{
		{
			name:  "blank index",
			setup: blank,
			fw:    testFirmware(7, 1, 700, 300),
			slot:  0, flashAddr: load.AppRegion, eepromOff: 0,
		},
		{
			name: "skips used slots and regions",
			setup: func() [load.IndexSlots][load.EntrySize]byte {
				raws := blank()
				raws[0] = used(3, load.AppRegion, 5000, 0, 32)
				return raws
			},
			fw:   testFirmware(7, 1, 700, 300),
			slot: 1, flashAddr: load.AppRegion + 2*hw.FlashSectorSize, eepromOff: 32,
		},
		{
			name: "reuses a removed slot but not its hole",
			setup: func() [load.IndexSlots][load.EntrySize]byte {
				raws := blank()
				raws[0] = removed(3, load.AppRegion, 4096, 0, 32)
				raws[1] = used(4, load.AppRegion+4096, 100, 32, 16)
				return raws
			},
			fw:   testFirmware(7, 1, 700, 300),
			slot: 0, flashAddr: load.AppRegion + 2*4096, eepromOff: 48,
		},
		{
			name: "reinstall reuses regions that still fit",
			setup: func() [load.IndexSlots][load.EntrySize]byte {
				raws := blank()
				raws[2] = used(7, load.AppRegion+4096, 2000, 10, 64)
				return raws
			},
			fw:   testFirmware(7, 2, 700, 300),
			slot: 2, flashAddr: load.AppRegion + 4096, eepromOff: 10,
		},
		{
			name: "reinstall grows past everything else",
			setup: func() [load.IndexSlots][load.EntrySize]byte {
				raws := blank()
				raws[2] = used(7, load.AppRegion, 2000, 0, 16)
				raws[3] = used(8, load.AppRegion+4096, 100, 16, 8)
				return raws
			},
			fw:   testFirmware(7, 2, 5000, 0),
			slot: 2, flashAddr: load.AppRegion + 2*4096, eepromOff: 24,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slot, flashAddr, eepromOff := place(tt.setup(), tt.fw)
			if slot != tt.slot || flashAddr != tt.flashAddr || eepromOff != tt.eepromOff {
				t.Errorf("place() = (%d, %#06x, %d), want (%d, %#06x, %d)",
					slot, flashAddr, eepromOff, tt.slot, tt.flashAddr, tt.eepromOff)
			}
		})
	}

	full := func() (raws [load.IndexSlots][load.EntrySize]byte) {
		for i := range raws {
			raws[i] = used(uint8(i+1), load.AppRegion+uint32(i)*4096, 100, uint16(i), 1)
		}
		return raws
	}
	if slot, _, _ := place(full(), testFirmware(40, 1, 100, 0)); slot != -1 {
		t.Errorf("full index placed in slot %d", slot)
	}
}
