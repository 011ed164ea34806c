package service

import (
	"context"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/types"
)

// TerminalRegistry resolves validator terminals to the location they stamp
// into card events.
type TerminalRegistry struct {
	store     store.TerminalStore
	locations []types.Location
}

func NewTerminalRegistry(st store.TerminalStore, locations []types.Location) *TerminalRegistry {
	return &TerminalRegistry{store: st, locations: append([]types.Location(nil), locations...)}
}

// Resolve returns the location of an enabled terminal. ok is false for
// unknown or disabled terminals.
func (r *TerminalRegistry) Resolve(ctx context.Context, terminalID string) (types.Location, bool, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return types.Location{}, false, nil
	}
	rec, ok, err := r.store.Lookup(ctx, terminalID)
	if err != nil || !ok || !rec.Enabled {
		return types.Location{}, false, err
	}
	return FindLocation(r.locations, rec.LocationID), true, nil
}

func (r *TerminalRegistry) NoteSeen(ctx context.Context, terminalID string) error {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return nil
	}
	return r.store.MarkSeen(ctx, terminalID, time.Now().UTC())
}

// Locations is the list of known locations.
func (r *TerminalRegistry) Locations() []types.Location {
	return append([]types.Location(nil), r.locations...)
}
