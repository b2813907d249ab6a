// Package opak implements a reader and writer for the app container format
// used to distribute apps for the device.
package opak

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"octavo/load"
)

const Magic = "OPK\x1a"

// FormatVersion is the container revision this package reads and writes.
const FormatVersion = 1

// HeaderSize is the fixed container header, little-endian:
//
//	off len field
//	0   4   magic "OPK\x1a"
//	4   1   format version
//	5   1   app ID
//	6   1   display page height
//	8   2   app version
//	10  2   bootloader version built against
//	12  2   code size
//	14  2   EEPROM allocation request
//	16  4   asset size
//	22  16  name
//	38  16  author
//	54  8   build date "YYYYMMDD"
//
// Unlisted bytes are reserved.
const HeaderSize = 64

// Firmware is one parsed app container: the code section that gets copied
// into program memory and the asset section the app reads from flash in
// place.
type Firmware struct {
	header
	Code   []byte
	Assets []byte
}

// Open loads a container from file.
func Open(path string) (*Firmware, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fw := new(Firmware)
	if _, err := fw.ReadFrom(f); err != nil {
		return nil, err
	}
	return fw, nil
}

// ReadFrom implements the io.ReaderFrom interface.
func (fw *Firmware) ReadFrom(r io.Reader) (int64, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}

	var off int
	if err := fw.decode(buf); err != nil {
		return 0, fmt.Errorf("failed to decode header: %w", err)
	}
	off += HeaderSize

	if len(buf) < off+fw.codesz {
		return 0, fmt.Errorf("incomplete CODE section")
	}
	fw.Code = buf[off : off+fw.codesz]
	off += fw.codesz

	if len(buf) < off+fw.assetsz {
		return 0, fmt.Errorf("incomplete ASSET section")
	}
	fw.Assets = buf[off : off+fw.assetsz]
	off += fw.assetsz

	return int64(len(buf)), nil
}

// WriteTo implements the io.WriterTo interface.
func (fw *Firmware) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, p := range [][]byte{fw.raw[:], fw.Code, fw.Assets} {
		m, err := w.Write(p)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

type header struct {
	raw     [HeaderSize]byte
	codesz  int
	assetsz int
}

func (hdr *header) decode(p []byte) error {
	if len(p) < HeaderSize {
		return fmt.Errorf("too small, needs %d bytes", HeaderSize)
	}
	if string(p[:4]) != Magic {
		return fmt.Errorf("invalid magic number")
	}
	if p[4] > FormatVersion {
		return fmt.Errorf("unsupported container version %d", p[4])
	}
	copy(hdr.raw[:], p[:HeaderSize])

	hdr.codesz = int(binary.LittleEndian.Uint16(hdr.raw[12:]))
	hdr.assetsz = int(binary.LittleEndian.Uint32(hdr.raw[16:]))
	return nil
}

func (hdr *header) Version() uint8     { return hdr.raw[4] }
func (hdr *header) AppID() uint8       { return hdr.raw[5] }
func (hdr *header) PageHeight() uint8  { return hdr.raw[6] }
func (hdr *header) AppVersion() uint16 { return binary.LittleEndian.Uint16(hdr.raw[8:]) }

// BootVersion returns the bootloader version the app was built against. The
// device filters out entries built for another generation.
func (hdr *header) BootVersion() uint16 { return binary.LittleEndian.Uint16(hdr.raw[10:]) }

// EEPROMSize returns the app's persistent-storage allocation request.
func (hdr *header) EEPROMSize() uint16 { return binary.LittleEndian.Uint16(hdr.raw[14:]) }

func (hdr *header) Name() string      { return fixedString(hdr.raw[22:38]) }
func (hdr *header) Author() string    { return fixedString(hdr.raw[38:54]) }
func (hdr *header) BuildDate() string { return fixedString(hdr.raw[54:62]) }

func fixedString(p []byte) string {
	return strings.TrimRight(string(p), "\x00")
}

// PrintInfos prints a human-readable description of the container.
func (fw *Firmware) PrintInfos(w io.Writer) {
	fmt.Fprintf(w, "Name:         %s\n", fw.Name())
	fmt.Fprintf(w, "Author:       %s\n", fw.Author())
	fmt.Fprintf(w, "Build date:   %s\n", fw.BuildDate())
	fmt.Fprintf(w, "App ID:       %d\n", fw.AppID())
	fmt.Fprintf(w, "App version:  %#06x\n", fw.AppVersion())
	fmt.Fprintf(w, "Bootloader:   %#06x\n", fw.BootVersion())
	fmt.Fprintf(w, "Page height:  %d\n", fw.PageHeight())
	fmt.Fprintf(w, "Code:         %d bytes\n", len(fw.Code))
	fmt.Fprintf(w, "Assets:       %d bytes\n", len(fw.Assets))
	fmt.Fprintf(w, "EEPROM:       %d bytes\n", fw.EEPROMSize())
}

// Meta is the descriptive half of a container, used when packing one.
type Meta struct {
	AppID       uint8
	PageHeight  uint8
	AppVersion  uint16
	BootVersion uint16
	EEPROMSize  uint16
	Name        string
	Author      string
	BuildDate   string
}

// New assembles a container from its parts. Strings longer than their header
// fields are truncated.
func New(meta Meta, code, assets []byte) *Firmware {
	fw := &Firmware{Code: code, Assets: assets}
	copy(fw.raw[:4], Magic)
	fw.raw[4] = FormatVersion
	fw.raw[5] = meta.AppID
	fw.raw[6] = meta.PageHeight
	binary.LittleEndian.PutUint16(fw.raw[8:], meta.AppVersion)
	binary.LittleEndian.PutUint16(fw.raw[10:], meta.BootVersion)
	binary.LittleEndian.PutUint16(fw.raw[12:], uint16(len(code)))
	binary.LittleEndian.PutUint16(fw.raw[14:], meta.EEPROMSize)
	binary.LittleEndian.PutUint32(fw.raw[16:], uint32(len(assets)))
	copy(fw.raw[22:38], meta.Name)
	copy(fw.raw[38:54], meta.Author)
	copy(fw.raw[54:62], meta.BuildDate)
	fw.codesz = len(code)
	fw.assetsz = len(assets)
	return fw
}

// Image returns the bytes programmed into external flash: code followed by
// assets, contiguous.
func (fw *Firmware) Image() []byte {
	img := make([]byte, 0, len(fw.Code)+len(fw.Assets))
	img = append(img, fw.Code...)
	return append(img, fw.Assets...)
}

// IndexEntry builds the index entry describing this firmware once its image
// is programmed at flashAddr, with its EEPROM allocation at eepromOff. Both
// CRCs are computed here, host side; the device only ever verifies them.
func (fw *Firmware) IndexEntry(flashAddr uint32, eepromOff uint16) load.Entry {
	img := load.NewCRC()
	img.Update(fw.Code)
	img.Update(fw.Assets)
	return load.Entry{
		AppID:       fw.AppID(),
		PageHeight:  fw.PageHeight(),
		ImageCRC:    img.Sum(),
		CodeCRC:     load.CRC16(fw.Code),
		AppVersion:  fw.AppVersion(),
		BootVersion: fw.BootVersion(),
		CodeSize:    uint16(len(fw.Code)),
		EEPROMOff:   eepromOff,
		EEPROMSize:  fw.EEPROMSize(),
		FlashAddr:   flashAddr,
		TotalSize:   uint32(len(fw.Code) + len(fw.Assets)),
		Name:        fw.Name(),
		Author:      fw.Author(),
		BuildDate:   fw.BuildDate(),
	}
}
