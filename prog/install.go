package prog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"octavo/emu/log"
	"octavo/hw"
	"octavo/load"
	"octavo/opak"
)

// ErrVerify reports a readback that does not match what was programmed.
var ErrVerify = errors.New("readback verify failed")

// BootMismatchError reports a container built against a different bootloader
// generation than the device runs. Installing it anyway would only leave an
// index entry the device filters out.
type BootMismatchError struct {
	Firmware uint16
	Device   uint16
}

func (e *BootMismatchError) Error() string {
	return fmt.Sprintf("firmware built for bootloader %#06x, device runs %#06x",
		e.Firmware, e.Device)
}

// flashReader adapts the client to the shared index scanner.
type flashReader struct{ c *Client }

func (r flashReader) Read(addr uint32, p []byte) error { return r.c.ReadFlash(addr, p) }

// ReadIndex reads the app index off the device's flash, filtered the same
// way the device itself reads it. The scan runs inside a lock window.
func (c *Client) ReadIndex() (*load.Index, error) {
	v, err := c.Version()
	if err != nil {
		return nil, err
	}
	if err := c.Lock(true); err != nil {
		return nil, err
	}
	defer c.Lock(false)
	return load.ReadIndex(flashReader{c}, v.Boot)
}

// Install programs a container onto the device: pick an index slot and a
// flash region, erase, program the image, land the index entry, verify by
// reading everything back. The whole sequence runs inside one lock window,
// at the fast rate when enabled. CRCs travel with the entry; the device
// gates loading on them.
func (c *Client) Install(fw *opak.Firmware) error {
	// 0 marks a removed slot and 0xFF an erased one.
	if fw.AppID() == load.AppNone || fw.AppID() == 0xFF {
		return fmt.Errorf("app id %d is reserved", fw.AppID())
	}
	v, err := c.Version()
	if err != nil {
		return err
	}
	if fw.BootVersion() != v.Boot {
		return &BootMismatchError{Firmware: fw.BootVersion(), Device: v.Boot}
	}

	if err := c.Lock(true); err != nil {
		return err
	}
	defer c.Lock(false)
	if c.fastXfers {
		if err := c.FastMode(true); err != nil {
			return err
		}
		defer c.FastMode(false)
	}

	id, err := c.JEDECID()
	if err != nil {
		return err
	}
	if id == ([3]byte{}) || id == ([3]byte{0xFF, 0xFF, 0xFF}) {
		return fmt.Errorf("flash not responding, jedec id % x", id)
	}
	flashSize := uint32(1) << id[2]

	sigOK, raws, err := c.readSlots()
	if err != nil {
		return err
	}
	if !sigOK {
		if err := c.formatFlash(); err != nil {
			return err
		}
		for i := range raws {
			for j := range raws[i] {
				raws[i][j] = 0xFF
			}
		}
	}

	slot, flashAddr, eepromOff := place(raws, fw)
	if slot < 0 {
		return fmt.Errorf("index full: %d slots", load.IndexSlots)
	}
	image := fw.Image()
	if flashAddr+uint32(len(image)) > flashSize {
		return fmt.Errorf("app does not fit: %d bytes at %#08x, part holds %d", len(image), flashAddr, flashSize)
	}
	entry := fw.IndexEntry(flashAddr, eepromOff)

	log.ModProg.InfoZ("installing app").Uint8("id", fw.AppID()).Int("slot", slot).
		Hex24("addr", flashAddr).Int("size", len(image)).End()

	for a := flashAddr; a < flashAddr+uint32(len(image)); a += hw.FlashSectorSize {
		if err := c.EraseSector(a); err != nil {
			return err
		}
	}
	for off := 0; off < len(image); off += hw.FlashPageSize {
		n := len(image) - off
		if n > hw.FlashPageSize {
			n = hw.FlashPageSize
		}
		if err := c.ProgramFlash(flashAddr+uint32(off), image[off:off+n]); err != nil {
			return err
		}
		c.progress(off+n, len(image))
	}

	img := make([]byte, len(image))
	if err := c.ReadFlash(flashAddr, img); err != nil {
		return err
	}
	if !bytes.Equal(img, image) {
		return fmt.Errorf("image at %#08x: %w", flashAddr, ErrVerify)
	}

	raw := load.EncodeEntry(entry)
	if err := c.writeSlot(slot, raw); err != nil {
		return err
	}
	var got [load.EntrySize]byte
	if err := c.ReadFlash(slotAddr(slot), got[:]); err != nil {
		return err
	}
	if got != raw {
		return fmt.Errorf("index slot %d: %w", slot, ErrVerify)
	}

	log.ModProg.InfoZ("app installed").Uint8("id", fw.AppID()).
		Hex16("image_crc", entry.ImageCRC).Hex16("code_crc", entry.CodeCRC).End()
	return nil
}

// Remove uninstalls an app by zeroing its index slot's ID byte. The zero
// programs over the entry in place; the image bytes stay until the region is
// reused.
func (c *Client) Remove(id uint8) error {
	if id == load.AppNone {
		return fmt.Errorf("app id %d is reserved", id)
	}
	if err := c.Lock(true); err != nil {
		return err
	}
	defer c.Lock(false)

	sigOK, raws, err := c.readSlots()
	if err != nil {
		return err
	}
	if sigOK {
		for i := range raws {
			if raws[i][0] != id {
				continue
			}
			if err := c.ProgramFlash(slotAddr(i), []byte{load.AppNone}); err != nil {
				return err
			}
			log.ModProg.InfoZ("app removed").Uint8("id", id).Int("slot", i).End()
			return nil
		}
	}
	return fmt.Errorf("no app with id %d", id)
}

func slotAddr(slot int) uint32 {
	return uint32(load.IndexOffset + slot*load.EntrySize)
}

// readSlots reads the raw index region: the signature probe plus all 32
// slots. Erased and zeroed slots come back as they are on the part.
func (c *Client) readSlots() (sigOK bool, raws [load.IndexSlots][load.EntrySize]byte, err error) {
	var sig [2]byte
	if err = c.ReadFlash(0, sig[:]); err != nil {
		return false, raws, err
	}
	if binary.LittleEndian.Uint16(sig[:]) != load.FlashSignature {
		return false, raws, nil
	}
	var region [load.IndexSlots * load.EntrySize]byte
	if err = c.ReadFlash(load.IndexOffset, region[:]); err != nil {
		return false, raws, err
	}
	for i := range raws {
		copy(raws[i][:], region[i*load.EntrySize:])
	}
	return true, raws, nil
}

// slotFree reports whether a raw slot can take a new entry: zeroed by a
// remove, or erased.
func slotFree(raw []byte) bool {
	return raw[0] == load.AppNone || raw[0] == 0xFF
}

// formatFlash initializes a blank part: erase the index sector, program the
// signature.
func (c *Client) formatFlash() error {
	log.ModProg.InfoZ("formatting flash").End()
	if err := c.EraseSector(0); err != nil {
		return err
	}
	var sig [2]byte
	binary.LittleEndian.PutUint16(sig[:], load.FlashSignature)
	return c.ProgramFlash(0, sig[:])
}

// writeSlot lands an entry in the index. An erased slot programs directly;
// anything else needs the whole index sector rewritten, NOR style.
func (c *Client) writeSlot(slot int, raw [load.EntrySize]byte) error {
	var cur [load.EntrySize]byte
	if err := c.ReadFlash(slotAddr(slot), cur[:]); err != nil {
		return err
	}
	erased := true
	for _, b := range cur {
		if b != 0xFF {
			erased = false
			break
		}
	}
	if erased {
		return c.ProgramFlash(slotAddr(slot), raw[:])
	}

	sector := make([]byte, hw.FlashSectorSize)
	if err := c.ReadFlash(0, sector); err != nil {
		return err
	}
	copy(sector[load.IndexOffset+slot*load.EntrySize:], raw[:])
	if err := c.EraseSector(0); err != nil {
		return err
	}
	return c.ProgramFlash(0, sector)
}

// place picks the index slot and the flash/EEPROM allocations for fw: the
// slot already holding this app ID when there is one, reusing its regions
// if the new image still fits them, otherwise the first free slot with
// fresh regions past everything allocated. Freed regions are not compacted.
// Returns slot -1 when the index is full.
func place(raws [load.IndexSlots][load.EntrySize]byte, fw *opak.Firmware) (slot int, flashAddr uint32, eepromOff uint16) {
	slot = -1
	var old load.Entry
	reinstall := false
	flashEnd := uint32(load.AppRegion)
	var eepromEnd uint16

	for i := range raws {
		raw := raws[i][:]
		if raw[0] == fw.AppID() && !reinstall {
			slot, reinstall = i, true
			old = load.DecodeEntry(raw)
			continue // its regions are up for reuse, not obstacles
		}
		if slotFree(raw) {
			if slot < 0 {
				slot = i
			}
			continue
		}
		e := load.DecodeEntry(raw)
		if end := alignSector(e.FlashAddr + e.TotalSize); end > flashEnd {
			flashEnd = end
		}
		if end := e.EEPROMOff + e.EEPROMSize; end > eepromEnd {
			eepromEnd = end
		}
	}

	flashAddr, eepromOff = flashEnd, eepromEnd
	if reinstall {
		if alignSector(uint32(len(fw.Code)+len(fw.Assets))) <= alignSector(old.TotalSize) {
			flashAddr = old.FlashAddr
		}
		if fw.EEPROMSize() <= old.EEPROMSize {
			eepromOff = old.EEPROMOff
		}
	}
	return slot, flashAddr, eepromOff
}

func alignSector(n uint32) uint32 {
	return (n + hw.FlashSectorSize - 1) &^ uint32(hw.FlashSectorSize-1)
}
