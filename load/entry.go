// Package load implements the external-flash app index and the loader that
// copies an app's code into internal program memory, CRC-gated, tracking the
// resident app in EEPROM with an atomic write discipline.
package load

import (
	"encoding/binary"
	"strings"
)

// External flash layout.
const (
	// FlashSignature marks an initialized flash, stored little-endian at
	// address 0.
	FlashSignature uint16 = 0x384F

	IndexOffset = 0x0010
	IndexSlots  = 32
	EntrySize   = 64

	// AppRegion is where app images start.
	AppRegion = 0x1000
)

// AppNone is the app ID of an unused index slot and of the no-app-loaded
// identity sentinel.
const AppNone uint8 = 0

// Entry is one app index record. Fixed 64-byte layout, little-endian:
//
//	off len field
//	0   1   app ID (0 = unused slot)
//	1   1   display page height
//	2   2   image CRC16 (code + assets)
//	4   2   code CRC16 (the bytes copied to program memory)
//	6   2   app version
//	8   2   bootloader version the app was built against
//	10  2   code size
//	12  2   EEPROM allocation offset
//	14  2   EEPROM allocation size
//	16  3   flash start address
//	19  3   total image size
//	22  16  name
//	38  16  author
//	54  8   build date "YYYYMMDD"
//	62  2   reserved
type Entry struct {
	AppID       uint8
	PageHeight  uint8
	ImageCRC    uint16
	CodeCRC     uint16
	AppVersion  uint16
	BootVersion uint16
	CodeSize    uint16
	EEPROMOff   uint16
	EEPROMSize  uint16
	FlashAddr   uint32
	TotalSize   uint32
	Name        string
	Author      string
	BuildDate   string
}

// Loadable reports whether the entry counts as an installed app: a used slot
// built against the running bootloader version. Anything else is silently
// excluded from the app list.
func (e *Entry) Loadable(bootVersion uint16) bool {
	return e.AppID != AppNone && e.BootVersion == bootVersion
}

// DecodeEntry parses a raw index slot. p must hold at least EntrySize bytes.
func DecodeEntry(p []byte) Entry {
	return Entry{
		AppID:       p[0],
		PageHeight:  p[1],
		ImageCRC:    binary.LittleEndian.Uint16(p[2:]),
		CodeCRC:     binary.LittleEndian.Uint16(p[4:]),
		AppVersion:  binary.LittleEndian.Uint16(p[6:]),
		BootVersion: binary.LittleEndian.Uint16(p[8:]),
		CodeSize:    binary.LittleEndian.Uint16(p[10:]),
		EEPROMOff:   binary.LittleEndian.Uint16(p[12:]),
		EEPROMSize:  binary.LittleEndian.Uint16(p[14:]),
		FlashAddr:   uint24(p[16:]),
		TotalSize:   uint24(p[19:]),
		Name:        fixedString(p[22:38]),
		Author:      fixedString(p[38:54]),
		BuildDate:   fixedString(p[54:62]),
	}
}

// EncodeEntry serializes e into a raw index slot.
func EncodeEntry(e Entry) [EntrySize]byte {
	var p [EntrySize]byte
	p[0] = e.AppID
	p[1] = e.PageHeight
	binary.LittleEndian.PutUint16(p[2:], e.ImageCRC)
	binary.LittleEndian.PutUint16(p[4:], e.CodeCRC)
	binary.LittleEndian.PutUint16(p[6:], e.AppVersion)
	binary.LittleEndian.PutUint16(p[8:], e.BootVersion)
	binary.LittleEndian.PutUint16(p[10:], e.CodeSize)
	binary.LittleEndian.PutUint16(p[12:], e.EEPROMOff)
	binary.LittleEndian.PutUint16(p[14:], e.EEPROMSize)
	putUint24(p[16:], e.FlashAddr)
	putUint24(p[19:], e.TotalSize)
	copy(p[22:38], e.Name)
	copy(p[38:54], e.Author)
	copy(p[54:62], e.BuildDate)
	return p
}

func uint24(p []byte) uint32 {
	return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16
}

func putUint24(p []byte, v uint32) {
	p[0] = byte(v)
	p[1] = byte(v >> 8)
	p[2] = byte(v >> 16)
}

// fixedString trims the padding of a fixed-size field: NULs from the host
// tool, 0xFF from erased flash.
func fixedString(p []byte) string {
	return strings.TrimRight(string(p), "\x00\xff")
}
