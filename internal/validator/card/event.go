package card

import (
	"fmt"
	"time"
)

// ContractSlots is the number of contract records (and event priorities) on a
// card.
const ContractSlots = 4

// EventRecord is record 1 of the Event Log file: the last validation plus the
// priority of every contract slot.
//
//	versionNumber        8
//	dateStamp           16
//	timeStamp           16
//	locationId          16
//	contractUsed         8
//	contractPriority1-4  4 x 8
//	padding            136
type EventRecord struct {
	VersionNumber      VersionNumber
	DateStamp          DateCompact
	TimeStamp          TimeCompact
	LocationID         uint16
	ContractUsed       uint8
	ContractPriorities [ContractSlots]PriorityCode
}

// Priority returns the priority of slot 1..4.
func (e EventRecord) Priority(slot int) PriorityCode {
	return e.ContractPriorities[slot-1]
}

// DateTime is the wall-clock time of the event in loc.
func (e EventRecord) DateTime(loc *time.Location) time.Time {
	return CombineDateTime(e.DateStamp, e.TimeStamp, loc)
}

func (e EventRecord) validate() error {
	if !e.TimeStamp.Valid() {
		return fmt.Errorf("%w: event time stamp %d minutes", ErrOutOfRange, e.TimeStamp)
	}
	if e.ContractUsed > ContractSlots {
		return fmt.Errorf("%w: event contract used %d", ErrOutOfRange, e.ContractUsed)
	}
	for i, p := range e.ContractPriorities {
		if !p.Valid() {
			return fmt.Errorf("%w: event contract priority %d is %d", ErrOutOfRange, i+1, p)
		}
	}
	return nil
}

func ParseEvent(b []byte) (EventRecord, error) {
	if err := checkRecordLen("event", b, RecordSize); err != nil {
		return EventRecord{}, err
	}

	r := NewBitReader(b)
	e := EventRecord{
		VersionNumber: VersionNumber(r.Read(8)),
		DateStamp:     DateCompact(r.Read(16)),
		TimeStamp:     TimeCompact(r.Read(16)),
		LocationID:    uint16(r.Read(16)),
		ContractUsed:  uint8(r.Read(8)),
	}
	for i := range e.ContractPriorities {
		e.ContractPriorities[i] = PriorityCode(r.Read(8))
	}
	r.ExpectZero()
	if err := r.Err(); err != nil {
		return EventRecord{}, err
	}
	if err := e.validate(); err != nil {
		return EventRecord{}, err
	}
	return e, nil
}

func GenerateEvent(e EventRecord) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}

	w := NewBitWriter(RecordSize)
	w.Write(uint64(e.VersionNumber), 8)
	w.Write(uint64(e.DateStamp), 16)
	w.Write(uint64(e.TimeStamp), 16)
	w.Write(uint64(e.LocationID), 16)
	w.Write(uint64(e.ContractUsed), 8)
	for _, p := range e.ContractPriorities {
		w.Write(uint64(p), 8)
	}
	if err := w.Err(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}
