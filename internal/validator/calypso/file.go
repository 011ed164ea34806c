package calypso

import (
	"fmt"

	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/card"
)

// ElementaryFile caches the records of one file as returned by the card.
type ElementaryFile struct {
	SFI     uint8
	records map[int][]byte
}

func NewElementaryFile(sfi uint8) *ElementaryFile {
	return &ElementaryFile{SFI: sfi, records: make(map[int][]byte)}
}

// SetRecord stores a copy of data as record n.
func (f *ElementaryFile) SetRecord(n int, data []byte) {
	f.records[n] = append([]byte(nil), data...)
}

// Record returns a copy of record n.
func (f *ElementaryFile) Record(n int) ([]byte, bool) {
	b, ok := f.records[n]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

// Counter decodes counter n (1-based) from record 1 of a counters file.
func (f *ElementaryFile) Counter(n int) (uint32, error) {
	rec, ok := f.records[1]
	if !ok {
		return 0, fmt.Errorf("%w: sfi %#02x counters not read", ErrRecordNotFound, f.SFI)
	}
	off := (n - 1) * card.CounterSize
	if n < 1 || off+card.CounterSize > len(rec) {
		return 0, fmt.Errorf("%w: sfi %#02x counter %d", ErrRecordNotFound, f.SFI, n)
	}
	c, err := card.ParseCounter(rec[off : off+card.CounterSize])
	if err != nil {
		return 0, err
	}
	return c.Value, nil
}
