package load

import (
	"bytes"
	"errors"
	"testing"
)

type memStore struct {
	mem [1024]byte
}

func (m *memStore) Read(addr uint16, p []byte) error {
	copy(p, m.mem[addr:])
	return nil
}

func (m *memStore) Write(addr uint16, p []byte) error {
	copy(m.mem[addr:], p)
	return nil
}

var errPowerLoss = errors.New("power loss")

// torn cuts power during the failAt-th Write call: the first cut bytes of
// that write land, the rest never do, and every later call fails.
type torn struct {
	st     Store
	failAt int
	cut    int
	calls  int
}

func (f *torn) Read(addr uint16, p []byte) error { return f.st.Read(addr, p) }

func (f *torn) Write(addr uint16, p []byte) error {
	f.calls++
	if f.calls > f.failAt {
		return errPowerLoss
	}
	if f.calls == f.failAt {
		n := f.cut
		if n > len(p) {
			n = len(p)
		}
		if err := f.st.Write(addr, p[:n]); err != nil {
			return err
		}
		return errPowerLoss
	}
	return f.st.Write(addr, p)
}

func TestWriteAtomicCommits(t *testing.T) {
	st := &memStore{}
	const addr = 300
	old := []byte{1, 2, 3, 4}
	next := []byte{5, 6, 7, 8}
	if err := st.Write(addr, old); err != nil {
		t.Fatal(err)
	}

	if err := WriteAtomic(st, addr, next); err != nil {
		t.Fatalf("WriteAtomic() failed: %v", err)
	}

	got := make([]byte, len(next))
	st.Read(addr, got)
	if !bytes.Equal(got, next) {
		t.Errorf("value after commit = % x, want % x", got, next)
	}
	rolled, err := Recover(st)
	if err != nil {
		t.Fatalf("Recover() failed: %v", err)
	}
	if rolled {
		t.Errorf("Recover() rolled back a committed write")
	}
}

func TestWriteAtomicPowerLoss(t *testing.T) {
	// WriteAtomic issues four writes: backup, valid flag, target,
	// invalidation. The old value must win whenever power dies before the
	// invalidation, whatever the write it dies in.
	tests := []struct {
		name   string
		failAt int
		cut    int
		rolled bool
	}{
		{"backup torn", 1, 2, false},
		{"flag never lands", 2, 0, false},
		{"flag lands, target untouched", 2, 1, true},
		{"target torn", 3, 2, true},
		{"invalidation lost", 4, 0, true},
	}

	const addr = 300
	old := []byte{1, 2, 3, 4}
	next := []byte{5, 6, 7, 8}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &memStore{}
			if err := st.Write(addr, old); err != nil {
				t.Fatal(err)
			}

			err := WriteAtomic(&torn{st: st, failAt: tt.failAt, cut: tt.cut}, addr, next)
			if !errors.Is(err, errPowerLoss) {
				t.Fatalf("WriteAtomic() = %v, want power loss", err)
			}

			// Next boot runs recovery against the part itself.
			rolled, err := Recover(st)
			if err != nil {
				t.Fatalf("Recover() failed: %v", err)
			}
			if rolled != tt.rolled {
				t.Errorf("Recover() rolled back = %v, want %v", rolled, tt.rolled)
			}

			got := make([]byte, len(old))
			st.Read(addr, got)
			if !bytes.Equal(got, old) {
				t.Errorf("value after recovery = % x, want old % x", got, old)
			}

			// Recovery must be restartable and must not fire twice.
			rolled, err = Recover(st)
			if err != nil {
				t.Fatalf("second Recover() failed: %v", err)
			}
			if rolled {
				t.Errorf("second Recover() rolled back again")
			}
		})
	}
}

func TestRecoverIgnoresCorruptScratch(t *testing.T) {
	st := &memStore{}
	// A valid flag over a nonsense length must not restore anything.
	st.Write(scratchOffset, []byte{scratchValid, 0x2C, 0x01, 200})

	rolled, err := Recover(st)
	if err != nil {
		t.Fatalf("Recover() failed: %v", err)
	}
	if rolled {
		t.Errorf("Recover() trusted a corrupt scratch region")
	}

	var flag [1]byte
	st.Read(scratchOffset, flag[:])
	if flag[0] == scratchValid {
		t.Errorf("corrupt scratch left valid")
	}
}

func TestIdentityRecord(t *testing.T) {
	st := &memStore{}
	if err := EnsureFormatted(st); err != nil {
		t.Fatalf("EnsureFormatted() failed: %v", err)
	}

	id, err := ReadIdentity(st)
	if err != nil {
		t.Fatalf("ReadIdentity() failed: %v", err)
	}
	if id.AppID != AppNone {
		t.Fatalf("fresh identity app = %d, want none", id.AppID)
	}

	want := Identity{AppID: 7, ImageCRC: 0xBEEF, CodeCRC: 0xCAFE}
	if err := WriteIdentity(st, want); err != nil {
		t.Fatalf("WriteIdentity() failed: %v", err)
	}
	id, err = ReadIdentity(st)
	if err != nil {
		t.Fatalf("ReadIdentity() failed: %v", err)
	}
	if id != want {
		t.Errorf("identity = %+v, want %+v", id, want)
	}

	e := Entry{AppID: 7, ImageCRC: 0xBEEF, CodeCRC: 0xCAFE}
	if !id.Matches(e) {
		t.Errorf("identity does not match its own entry")
	}
	e.CodeCRC++
	if id.Matches(e) {
		t.Errorf("identity matches an entry with a different code CRC")
	}
}

func TestEnsureFormattedIdempotent(t *testing.T) {
	st := &memStore{}
	// Factory-fresh serial EEPROMs read 0xFF.
	for i := range st.mem {
		st.mem[i] = 0xFF
	}

	if err := EnsureFormatted(st); err != nil {
		t.Fatalf("EnsureFormatted() failed: %v", err)
	}
	want := Identity{AppID: 3, ImageCRC: 1, CodeCRC: 2}
	if err := WriteIdentity(st, want); err != nil {
		t.Fatal(err)
	}

	// A later boot must not wipe the records.
	if err := EnsureFormatted(st); err != nil {
		t.Fatalf("second EnsureFormatted() failed: %v", err)
	}
	id, err := ReadIdentity(st)
	if err != nil {
		t.Fatal(err)
	}
	if id != want {
		t.Errorf("identity after reboot = %+v, want %+v", id, want)
	}
}

func TestSyncAlloc(t *testing.T) {
	st := &memStore{}
	if err := EnsureFormatted(st); err != nil {
		t.Fatal(err)
	}

	if err := SyncAlloc(st, 3, 0, 64); err != nil {
		t.Fatalf("SyncAlloc() failed: %v", err)
	}
	if err := SyncAlloc(st, 5, 64, 32); err != nil {
		t.Fatalf("SyncAlloc() failed: %v", err)
	}
	// Same app again: its existing slot is updated, not a new one claimed.
	if err := SyncAlloc(st, 3, 0, 128); err != nil {
		t.Fatalf("SyncAlloc() update failed: %v", err)
	}

	allocs, err := ReadAllocs(st)
	if err != nil {
		t.Fatalf("ReadAllocs() failed: %v", err)
	}
	if got, want := allocs[0], (Alloc{AppID: 3, Off: 0, Size: 128}); got != want {
		t.Errorf("slot 0 = %+v, want %+v", got, want)
	}
	if got, want := allocs[1], (Alloc{AppID: 5, Off: 64, Size: 32}); got != want {
		t.Errorf("slot 1 = %+v, want %+v", got, want)
	}
	if allocs[2].AppID != AppNone {
		t.Errorf("slot 2 claimed unexpectedly: %+v", allocs[2])
	}
}

func TestSyncAllocTableFull(t *testing.T) {
	st := &memStore{}
	if err := EnsureFormatted(st); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < AllocSlots; i++ {
		if err := SyncAlloc(st, uint8(i+1), uint16(i*8), 8); err != nil {
			t.Fatalf("SyncAlloc(%d) failed: %v", i+1, err)
		}
	}
	if err := SyncAlloc(st, 200, 0, 8); err == nil {
		t.Errorf("SyncAlloc() on a full table succeeded")
	}
}
