package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/calypso"
)

var ErrCardNotFound = errors.New("card not found")

// RecordKey addresses one record of one file.
type RecordKey struct {
	SFI    uint8
	Record int
}

// CardImage is the persisted content of a software card.
type CardImage struct {
	Serial      string
	ProductType calypso.ProductType
	Records     map[RecordKey][]byte
	// SessionCount is the number of secure sessions committed so far.
	SessionCount int
	UpdatedAt    time.Time
}

// Clone returns a deep copy so callers can mutate it freely.
func (img CardImage) Clone() CardImage {
	out := img
	out.Records = make(map[RecordKey][]byte, len(img.Records))
	for k, v := range img.Records {
		out.Records[k] = append([]byte(nil), v...)
	}
	return out
}

// SortedKeys returns record keys ordered by SFI then record number.
func (img CardImage) SortedKeys() []RecordKey {
	keys := make([]RecordKey, 0, len(img.Records))
	for k := range img.Records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SFI != keys[j].SFI {
			return keys[i].SFI < keys[j].SFI
		}
		return keys[i].Record < keys[j].Record
	})
	return keys
}

// RecordWrite is one record update produced by a committed session.
type RecordWrite struct {
	SFI    uint8
	Record int
	Data   []byte
}

// CardStore persists software card images. CommitSession applies every
// write of one secure session atomically, in order.
type CardStore interface {
	LoadCard(ctx context.Context, serial string) (CardImage, error)
	SaveCard(ctx context.Context, img CardImage) error
	CommitSession(ctx context.Context, serial string, writes []RecordWrite) error
	ListCards(ctx context.Context) ([]string, error)
}
