package load

import (
	"encoding/binary"
	"fmt"

	"octavo/emu/log"
)

// EEPROM layout.
//
//	0    2   signature 0x4538
//	2    5   loaded-app identity record
//	8    36  atomic-write scratch: valid, target addr, len, saved bytes
//	44   160 allocation table: 32 × {app ID, offset, size}
//	256  -   per-app data region
const (
	EEPROMSignature uint16 = 0x4538

	identityOffset = 2
	scratchOffset  = 8
	allocOffset    = 44
	AllocSlots     = 32
	allocEntrySize = 5

	// AppDataOffset is where per-app EEPROM allocations start. Entry
	// allocation offsets are relative to it.
	AppDataOffset = 256
)

const (
	scratchValid    = 0xA5
	scratchDataSize = 32
	scratchHdrSize  = 4 // valid flag, target address, length
)

// Store is the slice of the EEPROM driver the persistence layer needs.
// *hw.EEPROM implements it.
type Store interface {
	Read(addr uint16, p []byte) error
	Write(addr uint16, p []byte) error
}

// EnsureFormatted checks the EEPROM signature and formats the part on first
// boot.
func EnsureFormatted(st Store) error {
	var sig [2]byte
	if err := st.Read(0, sig[:]); err != nil {
		return err
	}
	if binary.LittleEndian.Uint16(sig[:]) == EEPROMSignature {
		return nil
	}
	log.ModLoad.InfoZ("eeprom signature missing, formatting").End()
	return Format(st)
}

// Format initializes the bookkeeping regions: signature, no-app identity,
// invalid scratch, empty allocation table. App data is left untouched.
func Format(st Store) error {
	var hdr [AppDataOffset]byte
	binary.LittleEndian.PutUint16(hdr[0:], EEPROMSignature)
	if err := st.Write(0, hdr[:]); err != nil {
		return fmt.Errorf("eeprom format failed: %w", err)
	}
	return nil
}

// Identity is the loaded-app identity record: which app's code currently
// occupies program memory. It is the cache key that lets the loader skip
// re-flashing.
type Identity struct {
	AppID    uint8
	ImageCRC uint16
	CodeCRC  uint16
}

// Matches reports whether the record equals e's triplet bit for bit.
func (id Identity) Matches(e Entry) bool {
	return id.AppID == e.AppID && id.ImageCRC == e.ImageCRC && id.CodeCRC == e.CodeCRC
}

func ReadIdentity(st Store) (Identity, error) {
	var p [5]byte
	if err := st.Read(identityOffset, p[:]); err != nil {
		return Identity{}, err
	}
	return Identity{
		AppID:    p[0],
		ImageCRC: binary.LittleEndian.Uint16(p[1:]),
		CodeCRC:  binary.LittleEndian.Uint16(p[3:]),
	}, nil
}

// WriteIdentity persists the record through the atomic-write discipline: a
// power loss mid-write leaves the previous identity, never a torn one.
func WriteIdentity(st Store, id Identity) error {
	var p [5]byte
	p[0] = id.AppID
	binary.LittleEndian.PutUint16(p[1:], id.ImageCRC)
	binary.LittleEndian.PutUint16(p[3:], id.CodeCRC)
	return WriteAtomic(st, identityOffset, p[:])
}

// WriteAtomic writes p at addr with rollback protection: the old bytes are
// backed up in the scratch region first (valid flag committed last), then
// the target is overwritten, then the backup is invalidated. Recover applies
// the backup if a power loss interrupted the sequence.
func WriteAtomic(st Store, addr uint16, p []byte) error {
	if len(p) > scratchDataSize {
		return fmt.Errorf("atomic write of %d bytes exceeds scratch size %d", len(p), scratchDataSize)
	}

	old := make([]byte, scratchHdrSize-1+len(p))
	binary.LittleEndian.PutUint16(old[0:], addr)
	old[2] = byte(len(p))
	if err := st.Read(addr, old[3:]); err != nil {
		return err
	}
	if err := st.Write(scratchOffset+1, old); err != nil {
		return err
	}
	// The flag write is separate and last: the backup is complete before it
	// can possibly read as valid.
	if err := st.Write(scratchOffset, []byte{scratchValid}); err != nil {
		return err
	}

	if err := st.Write(addr, p); err != nil {
		return err
	}
	return st.Write(scratchOffset, []byte{0x00})
}

// Recover rolls back a torn atomic write, if the scratch region says one was
// in flight. Returns whether a rollback happened. Recovery itself is
// restartable: the scratch stays valid until the old bytes are back in
// place.
func Recover(st Store) (bool, error) {
	var hdr [scratchHdrSize]byte
	if err := st.Read(scratchOffset, hdr[:]); err != nil {
		return false, err
	}
	if hdr[0] != scratchValid {
		return false, nil
	}

	addr := binary.LittleEndian.Uint16(hdr[1:])
	n := int(hdr[3])
	if n > scratchDataSize {
		// Corrupt scratch: nothing trustworthy to restore.
		return false, st.Write(scratchOffset, []byte{0x00})
	}

	old := make([]byte, n)
	if err := st.Read(scratchOffset+scratchHdrSize, old); err != nil {
		return false, err
	}
	if err := st.Write(addr, old); err != nil {
		return false, err
	}
	if err := st.Write(scratchOffset, []byte{0x00}); err != nil {
		return false, err
	}

	log.ModLoad.WarnZ("recovered torn eeprom write").
		Hex16("addr", addr).
		Int("len", n).
		End()
	return true, nil
}

// Alloc is one allocation table record: which app owns which slice of the
// app data region.
type Alloc struct {
	AppID uint8
	Off   uint16
	Size  uint16
}

// ReadAllocs returns all slots, used and not.
func ReadAllocs(st Store) ([AllocSlots]Alloc, error) {
	var out [AllocSlots]Alloc
	var raw [AllocSlots * allocEntrySize]byte
	if err := st.Read(allocOffset, raw[:]); err != nil {
		return out, err
	}
	for i := range out {
		p := raw[i*allocEntrySize:]
		out[i] = Alloc{
			AppID: p[0],
			Off:   binary.LittleEndian.Uint16(p[1:]),
			Size:  binary.LittleEndian.Uint16(p[3:]),
		}
	}
	return out, nil
}

// SyncAlloc records the app's allocation, updating its existing slot or
// claiming a free one.
func SyncAlloc(st Store, appID uint8, off, size uint16) error {
	allocs, err := ReadAllocs(st)
	if err != nil {
		return err
	}

	slot := -1
	for i, a := range allocs {
		if a.AppID == appID {
			slot = i
			break
		}
		if a.AppID == AppNone && slot == -1 {
			slot = i
		}
	}
	if slot == -1 {
		return fmt.Errorf("allocation table full")
	}

	var p [allocEntrySize]byte
	p[0] = appID
	binary.LittleEndian.PutUint16(p[1:], off)
	binary.LittleEndian.PutUint16(p[3:], size)
	return WriteAtomic(st, uint16(allocOffset+slot*allocEntrySize), p[:])
}
