package card

import (
	"fmt"
	"strconv"
	"strings"
)

// PriorityCode is both a contract's fare type and its selection priority on
// the event record. A lower value wins.
type PriorityCode uint8

const (
	Forbidden   PriorityCode = 0
	SeasonPass  PriorityCode = 1
	MultiTrip   PriorityCode = 2
	StoredValue PriorityCode = 3
	Expired     PriorityCode = 31
)

func (p PriorityCode) Valid() bool { return p <= Expired }

// Eligible reports whether a slot carrying p may be selected.
func (p PriorityCode) Eligible() bool {
	return p != Forbidden && p != Expired
}

// UsesCounter reports whether validating the contract consumes its counter.
func (p PriorityCode) UsesCounter() bool {
	return p == MultiTrip || p == StoredValue
}

func (p PriorityCode) String() string {
	switch p {
	case Forbidden:
		return "forbidden"
	case SeasonPass:
		return "season_pass"
	case MultiTrip:
		return "multi_trip"
	case StoredValue:
		return "stored_value"
	case Expired:
		return "expired"
	default:
		return "priority_" + strconv.Itoa(int(p))
	}
}

// ParsePriorityCode accepts the names produced by String or a bare number.
func ParsePriorityCode(s string) (PriorityCode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "forbidden":
		return Forbidden, nil
	case "season_pass", "season-pass":
		return SeasonPass, nil
	case "multi_trip", "multi-trip":
		return MultiTrip, nil
	case "stored_value", "stored-value":
		return StoredValue, nil
	case "expired":
		return Expired, nil
	}

	n, err := strconv.Atoi(strings.TrimPrefix(s, "priority_"))
	if err != nil || n < 0 || n > int(Expired) {
		return 0, fmt.Errorf("%w: unknown priority code %q", ErrOutOfRange, s)
	}
	return PriorityCode(n), nil
}

// VersionNumber tags the layout of a card structure.
type VersionNumber uint8

const (
	VersionUndefined VersionNumber = 0
	VersionCurrent   VersionNumber = 1
)
