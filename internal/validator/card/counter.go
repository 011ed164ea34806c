package card

import "fmt"

const (
	CounterBits     = 24
	CounterSize     = CounterBits / 8
	MaxCounterValue = 1<<CounterBits - 1
)

// CounterRecord is a single 24-bit counter. Counter i of the counters file
// belongs to contract slot i.
type CounterRecord struct {
	Value uint32
}

func ParseCounter(b []byte) (CounterRecord, error) {
	if err := checkRecordLen("counter", b, CounterSize); err != nil {
		return CounterRecord{}, err
	}
	r := NewBitReader(b)
	c := CounterRecord{Value: uint32(r.Read(CounterBits))}
	if err := r.Err(); err != nil {
		return CounterRecord{}, err
	}
	return c, nil
}

func GenerateCounter(c CounterRecord) ([]byte, error) {
	w := NewBitWriter(CounterSize)
	w.Write(uint64(c.Value), CounterBits)
	if err := w.Err(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// ParseCounters decodes a counters file record holding len(b)/3 counters.
func ParseCounters(b []byte) ([]CounterRecord, error) {
	if len(b) == 0 || len(b)%CounterSize != 0 {
		return nil, fmt.Errorf("%w: counters record of %d bytes", ErrMalformed, len(b))
	}
	out := make([]CounterRecord, 0, len(b)/CounterSize)
	for i := 0; i < len(b); i += CounterSize {
		c, err := ParseCounter(b[i : i+CounterSize])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func GenerateCounters(cs []CounterRecord) ([]byte, error) {
	if len(cs) == 0 {
		return nil, fmt.Errorf("%w: no counters", ErrMalformed)
	}
	out := make([]byte, 0, len(cs)*CounterSize)
	for i, c := range cs {
		b, err := GenerateCounter(c)
		if err != nil {
			return nil, fmt.Errorf("counter %d: %w", i+1, err)
		}
		out = append(out, b...)
	}
	return out, nil
}
