package load

import (
	"encoding/binary"
	"fmt"

	"octavo/emu/log"
)

// FlashReader reads the external flash. *hw.Flash implements it.
type FlashReader interface {
	Read(addr uint32, p []byte) error
}

// Index is the compacted list of loadable apps found in flash. Slots that
// are unused or built against another bootloader generation are skipped at
// read time and never appear here.
type Index struct {
	apps []Entry
}

// ReadIndex scans the index region. A missing flash signature is a normal
// cold state, not an error: it yields zero apps.
func ReadIndex(f FlashReader, bootVersion uint16) (*Index, error) {
	var sig [2]byte
	if err := f.Read(0, sig[:]); err != nil {
		return nil, fmt.Errorf("failed to read flash signature: %w", err)
	}
	if binary.LittleEndian.Uint16(sig[:]) != FlashSignature {
		log.ModLoad.InfoZ("flash signature missing, zero apps").End()
		return &Index{}, nil
	}

	ix := &Index{}
	var raw [EntrySize]byte
	for slot := 0; slot < IndexSlots; slot++ {
		addr := uint32(IndexOffset + slot*EntrySize)
		if err := f.Read(addr, raw[:]); err != nil {
			return nil, fmt.Errorf("failed to read index slot %d: %w", slot, err)
		}
		e := DecodeEntry(raw[:])
		if !e.Loadable(bootVersion) {
			continue
		}
		ix.apps = append(ix.apps, e)
	}

	log.ModLoad.InfoZ("index read").Int("apps", ix.Count()).End()
	return ix, nil
}

// Count returns the number of loadable apps.
func (ix *Index) Count() int {
	return len(ix.apps)
}

// App returns the i-th loadable app, in slot order.
func (ix *Index) App(i int) Entry {
	return ix.apps[i]
}

// Apps returns the compacted entry list.
func (ix *Index) Apps() []Entry {
	return ix.apps
}

// Lookup finds an app by ID.
func (ix *Index) Lookup(id uint8) (Entry, bool) {
	for _, e := range ix.apps {
		if e.AppID == id {
			return e, true
		}
	}
	return Entry{}, false
}
