package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store"
)

// CardStore keeps card images in memory. It is intended for tests and dev
// environments.
type CardStore struct {
	mu    sync.RWMutex
	cards map[string]store.CardImage
}

func NewCardStore() *CardStore {
	return &CardStore{cards: make(map[string]store.CardImage)}
}

func (s *CardStore) LoadCard(_ context.Context, serial string) (store.CardImage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	img, ok := s.cards[strings.TrimSpace(serial)]
	if !ok {
		return store.CardImage{}, fmt.Errorf("%w: %s", store.ErrCardNotFound, serial)
	}
	return img.Clone(), nil
}

func (s *CardStore) SaveCard(_ context.Context, img store.CardImage) error {
	img.Serial = strings.TrimSpace(img.Serial)
	if img.Serial == "" {
		return fmt.Errorf("save card: serial is required")
	}
	if img.UpdatedAt.IsZero() {
		img.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[img.Serial] = img.Clone()
	return nil
}

func (s *CardStore) CommitSession(_ context.Context, serial string, writes []store.RecordWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, ok := s.cards[serial]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrCardNotFound, serial)
	}

	// Apply to a copy so a bad write leaves the stored image untouched.
	next := img.Clone()
	for _, w := range writes {
		key := store.RecordKey{SFI: w.SFI, Record: w.Record}
		if _, exists := next.Records[key]; !exists {
			return fmt.Errorf("commit %s: sfi %#02x record %d does not exist", serial, w.SFI, w.Record)
		}
		next.Records[key] = append([]byte(nil), w.Data...)
	}
	next.SessionCount++
	next.UpdatedAt = time.Now().UTC()
	s.cards[serial] = next
	return nil
}

func (s *CardStore) ListCards(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.cards))
	for serial := range s.cards {
		out = append(out, serial)
	}
	sort.Strings(out)
	return out, nil
}
