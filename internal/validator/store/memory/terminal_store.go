package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store"
)

type TerminalStore struct {
	mu        sync.RWMutex
	terminals map[string]store.TerminalRecord
}

// NewTerminalStore registers the given terminals as enabled. Blank ids are
// skipped.
func NewTerminalStore(terminals []store.TerminalRecord) *TerminalStore {
	m := make(map[string]store.TerminalRecord, len(terminals))
	for _, t := range terminals {
		t.TerminalID = strings.TrimSpace(t.TerminalID)
		if t.TerminalID == "" {
			continue
		}
		m[t.TerminalID] = t
	}
	return &TerminalStore{terminals: m}
}

func (s *TerminalStore) Lookup(_ context.Context, terminalID string) (store.TerminalRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.terminals[terminalID]
	return t, ok, nil
}

func (s *TerminalStore) MarkSeen(_ context.Context, terminalID string, t time.Time) error {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.terminals[terminalID]
	if !ok {
		return nil
	}
	rec.LastSeen = t
	s.terminals[terminalID] = rec
	return nil
}
