// Package calypso describes the card transaction capability the validator
// consumes: commands are queued, flushed by ProcessCommands, and whatever the
// card returned is read back from the Card file cache.
package calypso

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRecordNotFound   = errors.New("calypso: record not found")
	ErrNoSession        = errors.New("calypso: no secure session open")
	ErrSessionOpen      = errors.New("calypso: secure session already open")
	ErrChannelClosed    = errors.New("calypso: logical channel closed")
	ErrCounterUnderflow = errors.New("calypso: counter decrease below zero")
)

// WriteAccessLevel selects the session key used to open a secure session.
type WriteAccessLevel int

const (
	AccessPersonalization WriteAccessLevel = iota
	AccessLoad
	AccessDebit
)

func (l WriteAccessLevel) String() string {
	switch l {
	case AccessPersonalization:
		return "personalization"
	case AccessLoad:
		return "load"
	case AccessDebit:
		return "debit"
	default:
		return fmt.Sprintf("access_level_%d", int(l))
	}
}

// ChannelControl tells ProcessCommands whether to release the logical
// channel once the queued commands have run.
type ChannelControl int

const (
	KeepOpen ChannelControl = iota
	CloseAfter
)

// ParseChannelControl accepts "keep_open" or "close_after".
func ParseChannelControl(s string) (ChannelControl, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "keep_open", "keep-open":
		return KeepOpen, nil
	case "close_after", "close-after", "":
		return CloseAfter, nil
	default:
		return 0, fmt.Errorf("calypso: unknown channel control %q", s)
	}
}

// ProductType is the Calypso product family; it bounds the number of
// counters a card carries.
type ProductType int

const (
	ProductPrime ProductType = iota
	ProductLight
	ProductBasic
)

func (p ProductType) String() string {
	switch p {
	case ProductLight:
		return "light"
	case ProductBasic:
		return "basic"
	default:
		return "prime"
	}
}

// CounterCount is the number of counters readable on this product.
func (p ProductType) CounterCount() int {
	switch p {
	case ProductBasic:
		return 1
	case ProductLight:
		return 2
	default:
		return 4
	}
}

func ParseProductType(s string) (ProductType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "prime", "regular":
		return ProductPrime, nil
	case "light":
		return ProductLight, nil
	case "basic":
		return ProductBasic, nil
	default:
		return 0, fmt.Errorf("calypso: unknown product type %q", s)
	}
}

// Profile names the short file identifiers of the ticketing structure.
type Profile struct {
	SFIEnvironment uint8
	SFIEventLog    uint8
	SFIContracts   uint8
	SFICounters    uint8
}

func DefaultProfile() Profile {
	return Profile{
		SFIEnvironment: 0x07,
		SFIEventLog:    0x08,
		SFIContracts:   0x09,
		SFICounters:    0x19,
	}
}

// Card exposes the files read so far in the current transaction.
type Card interface {
	SerialNumber() string
	ProductType() ProductType
	File(sfi uint8) (*ElementaryFile, bool)
}

// Transaction is a secure-session command queue against one card. Prepare*
// calls only queue; nothing reaches the card until ProcessCommands.
type Transaction interface {
	PrepareOpenSecureSession(level WriteAccessLevel)
	PrepareReadRecord(sfi uint8, record int)
	PrepareReadCounter(sfi uint8, count int)
	PrepareDecreaseCounter(sfi uint8, counter int, amount int)
	PrepareUpdateRecord(sfi uint8, record int, data []byte)
	PrepareCloseSecureSession()
	PrepareCancelSecureSession()
	ProcessCommands(ctx context.Context, cc ChannelControl) error
}
