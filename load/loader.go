package load

import (
	"errors"
	"fmt"

	"octavo/emu/log"
	"octavo/hw"
)

// ErrCodeCRC means the code streamed out of flash did not checksum to the
// entry's code CRC. Program memory holds the bad copy, so the identity
// record has been reset to no-app; the next load attempt re-flashes.
var ErrCodeCRC = errors.New("code crc mismatch")

// EEPROM is the loader's view of the EEPROM driver.
type EEPROM interface {
	Store
	SetWindow(off, size uint16)
}

// Flash is the loader's view of the flash driver.
type Flash interface {
	FlashReader
	SetWindow(base, size uint32)
}

// ProgMem receives app code one page at a time.
type ProgMem interface {
	WritePage(addr uint16, page []byte) error
}

// Display is the slice of the display controller the loader configures.
type Display interface {
	SetPageHeight(h uint8)
}

// Loader makes an installed app resident: it copies the app's code region
// from external flash into internal program memory, gated by a CRC over the
// copied bytes, and tracks the resident app in EEPROM so an unchanged
// selection skips the copy entirely.
type Loader struct {
	Flash   Flash
	EEPROM  EEPROM
	Prog    ProgMem
	Display Display

	// BootVersion gates which index entries count as loadable.
	BootVersion uint16

	// OnAppStart runs after a successful load, standing in for the jump to
	// the app's init vector.
	OnAppStart func(Entry)
}

// Index reads the app index from flash.
func (l *Loader) Index() (*Index, error) {
	return ReadIndex(l.Flash, l.BootVersion)
}

// Load makes e the resident app and starts it.
//
// When the EEPROM identity record already matches e's triplet the copy is
// skipped. Otherwise the code region is streamed into program memory and
// checked against e's code CRC: on a match the new identity is persisted, on
// a mismatch the identity is reset to no-app and ErrCodeCRC returned without
// starting the app. Both successful paths configure the app's flash and
// EEPROM windows and display paging before OnAppStart.
func (l *Loader) Load(e Entry) error {
	id, err := ReadIdentity(l.EEPROM)
	if err != nil {
		return err
	}
	if id.Matches(e) {
		log.ModLoad.InfoZ("app already resident").
			Uint8("app", e.AppID).
			String("name", e.Name).
			End()
	} else {
		log.ModLoad.InfoZ("flashing app").
			Uint8("app", e.AppID).
			String("name", e.Name).
			Hex24("src", e.FlashAddr).
			Uint16("size", e.CodeSize).
			End()
		if err := l.copyCode(e); err != nil {
			return err
		}
		if err := WriteIdentity(l.EEPROM, Identity{
			AppID:    e.AppID,
			ImageCRC: e.ImageCRC,
			CodeCRC:  e.CodeCRC,
		}); err != nil {
			return err
		}
	}

	if err := SyncAlloc(l.EEPROM, e.AppID, e.EEPROMOff, e.EEPROMSize); err != nil {
		return err
	}
	l.Flash.SetWindow(e.FlashAddr, e.TotalSize)
	l.EEPROM.SetWindow(AppDataOffset+e.EEPROMOff, e.EEPROMSize)
	l.Display.SetPageHeight(e.PageHeight)

	log.ModLoad.InfoZ("app started").Uint8("app", e.AppID).End()
	if l.OnAppStart != nil {
		l.OnAppStart(e)
	}
	return nil
}

// copyCode streams e's code region into program memory page by page. The
// running CRC covers exactly CodeSize bytes; the 0xFF fill that pads the
// last page out to a full write is excluded.
func (l *Loader) copyCode(e Entry) error {
	if int(e.CodeSize) > hw.ProgMemSize {
		return fmt.Errorf("app code size %d exceeds program memory", e.CodeSize)
	}

	crc := NewCRC()
	var page [hw.ProgPageSize]byte
	dst := uint16(0)
	src := e.FlashAddr
	for remain := int(e.CodeSize); remain > 0; {
		n := len(page)
		if n > remain {
			n = remain
		}
		if err := l.Flash.Read(src, page[:n]); err != nil {
			return fmt.Errorf("app code read failed: %w", err)
		}
		crc.Update(page[:n])
		for i := n; i < len(page); i++ {
			page[i] = 0xFF
		}
		if err := l.Prog.WritePage(dst, page[:]); err != nil {
			return err
		}
		dst += hw.ProgPageSize
		src += uint32(n)
		remain -= n
	}

	if got := crc.Sum(); got != e.CodeCRC {
		log.ModLoad.ErrorZ("code crc mismatch, dropping app").
			Uint8("app", e.AppID).
			Hex16("want", e.CodeCRC).
			Hex16("got", got).
			End()
		// Program memory is not trustworthy now. Make sure nothing runs it.
		if err := WriteIdentity(l.EEPROM, Identity{AppID: AppNone}); err != nil {
			return err
		}
		return ErrCodeCRC
	}
	return nil
}
