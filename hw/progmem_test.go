package hw

import (
	"bytes"
	"testing"
)

func TestProgMemWritePage(t *testing.T) {
	var pm ProgMem

	page := make([]byte, ProgPageSize)
	for i := range page {
		page[i] = byte(i)
	}

	if err := pm.WritePage(ProgPageSize, page); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pm.Bytes()[ProgPageSize:2*ProgPageSize], page) {
		t.Fatal("page content mismatch")
	}
	if pm.Writes() != 1 {
		t.Fatalf("Writes() = %d, want 1", pm.Writes())
	}

	tests := []struct {
		name string
		addr uint16
		page []byte
	}{
		{"misaligned", 5, page},
		{"short page", 0, page[:10]},
		{"out of range", ProgMemSize - ProgPageSize + 1, page},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := pm.WritePage(tt.addr, tt.page); err == nil {
				t.Fatal("WritePage accepted an invalid write")
			}
		})
	}

	if pm.Writes() != 1 {
		t.Fatalf("rejected writes must not count, Writes() = %d", pm.Writes())
	}
}
