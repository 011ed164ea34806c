package store

import (
	"context"
	"time"
)

// TerminalRecord binds a validator terminal to the location it stamps into
// card events.
type TerminalRecord struct {
	TerminalID string
	LocationID uint16
	Enabled    bool
	LastSeen   time.Time
}

type TerminalStore interface {
	Lookup(ctx context.Context, terminalID string) (TerminalRecord, bool, error)
	MarkSeen(ctx context.Context, terminalID string, t time.Time) error
}
