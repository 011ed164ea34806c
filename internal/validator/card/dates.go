package card

import (
	"fmt"
	"math"
	"time"
)

// compactEpoch is day 0 of every DateCompact.
var compactEpoch = time.Date(2010, time.January, 1, 0, 0, 0, 0, time.UTC)

// MinutesPerDay bounds TimeCompact.
const MinutesPerDay = 24 * 60

// DateCompact is a calendar date stored as days since 1 January 2010.
type DateCompact uint16

// DateCompactOf returns the compact form of t's wall-clock calendar date in
// t's own location.
func DateCompactOf(t time.Time) (DateCompact, error) {
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	days := int64(day.Sub(compactEpoch) / (24 * time.Hour))
	if days < 0 || days > math.MaxUint16 {
		return 0, fmt.Errorf("%w: date %s outside compact range", ErrOutOfRange, day.Format(time.DateOnly))
	}
	return DateCompact(days), nil
}

// MustDateCompact is DateCompactOf for dates known to be in range (fixtures,
// constants). It panics otherwise.
func MustDateCompact(year int, month time.Month, day int) DateCompact {
	d, err := DateCompactOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
	if err != nil {
		panic(err)
	}
	return d
}

// Time returns midnight of the date in loc.
func (d DateCompact) Time(loc *time.Location) time.Time {
	t := compactEpoch.AddDate(0, 0, int(d))
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func (d DateCompact) String() string {
	return d.Time(time.UTC).Format(time.DateOnly)
}

// TimeCompact is a time of day stored as minutes since midnight.
type TimeCompact uint16

// TimeCompactOf truncates t to whole minutes of its wall clock.
func TimeCompactOf(t time.Time) TimeCompact {
	return TimeCompact(t.Hour()*60 + t.Minute())
}

func (c TimeCompact) Valid() bool { return c < MinutesPerDay }

func (c TimeCompact) String() string {
	return fmt.Sprintf("%02d:%02d", c/60, c%60)
}

// CombineDateTime rebuilds a wall-clock timestamp from its compact parts.
// The minutes are wall-clock minutes, so a day with a daylight saving change
// still decodes to the time that was encoded.
func CombineDateTime(d DateCompact, c TimeCompact, loc *time.Location) time.Time {
	y, m, day := d.Time(loc).Date()
	return time.Date(y, m, day, int(c)/60, int(c)%60, 0, 0, loc)
}
