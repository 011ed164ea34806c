package card

import "fmt"

// BitReader reads unsigned big-endian bit fields from a byte slice. The first
// failure is sticky: later reads return 0 and Err reports the original cause.
type BitReader struct {
	data []byte
	pos  int
	err  error
}

func NewBitReader(data []byte) *BitReader {
	return &BitReader{data: data}
}

// Read consumes the next width bits (1..64) as an unsigned integer.
func (r *BitReader) Read(width int) uint64 {
	if r.err != nil {
		return 0
	}
	if width <= 0 || width > 64 {
		r.err = fmt.Errorf("card: invalid bit width %d", width)
		return 0
	}
	if r.pos+width > len(r.data)*8 {
		r.err = fmt.Errorf("%w: read of %d bits at offset %d overruns %d bytes",
			ErrMalformed, width, r.pos, len(r.data))
		return 0
	}

	var v uint64
	for i := 0; i < width; i++ {
		b := r.data[r.pos/8]
		v = v<<1 | uint64((b>>(7-uint(r.pos%8)))&1)
		r.pos++
	}
	return v
}

// Remaining is the number of unread bits.
func (r *BitReader) Remaining() int {
	return len(r.data)*8 - r.pos
}

// ExpectZero consumes every remaining bit and fails if any of them is set.
func (r *BitReader) ExpectZero() {
	for r.err == nil && r.Remaining() > 0 {
		n := min(r.Remaining(), 64)
		start := r.pos
		if r.Read(n) != 0 {
			r.err = fmt.Errorf("%w: non-zero padding at bit %d", ErrMalformed, start)
		}
	}
}

func (r *BitReader) Err() error { return r.err }

// BitWriter packs unsigned big-endian bit fields into a fixed-size buffer.
type BitWriter struct {
	data []byte
	pos  int
	err  error
}

func NewBitWriter(size int) *BitWriter {
	return &BitWriter{data: make([]byte, size)}
}

// Write appends v using exactly width bits. Values that do not fit are
// rejected with ErrOutOfRange.
func (w *BitWriter) Write(v uint64, width int) {
	if w.err != nil {
		return
	}
	if width <= 0 || width > 64 {
		w.err = fmt.Errorf("card: invalid bit width %d", width)
		return
	}
	if width < 64 && v>>uint(width) != 0 {
		w.err = fmt.Errorf("%w: %d does not fit in %d bits", ErrOutOfRange, v, width)
		return
	}
	if w.pos+width > len(w.data)*8 {
		w.err = fmt.Errorf("%w: write of %d bits at offset %d overruns %d bytes",
			ErrMalformed, width, w.pos, len(w.data))
		return
	}

	for i := width - 1; i >= 0; i-- {
		if (v>>uint(i))&1 == 1 {
			w.data[w.pos/8] |= 1 << (7 - uint(w.pos%8))
		}
		w.pos++
	}
}

func (w *BitWriter) Err() error { return w.err }

// Bytes returns the packed buffer. Bits never written stay zero.
func (w *BitWriter) Bytes() []byte { return w.data }
