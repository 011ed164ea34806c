package card

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed  = errors.New("card: malformed record")
	ErrOutOfRange = errors.New("card: field value out of range")
)

// RecordSize is the size in bytes of every Environment, Event and Contract
// record.
const RecordSize = 29

func checkRecordLen(name string, b []byte, want int) error {
	if len(b) != want {
		return fmt.Errorf("%w: %s record is %d bytes, want %d", ErrMalformed, name, len(b), want)
	}
	return nil
}
