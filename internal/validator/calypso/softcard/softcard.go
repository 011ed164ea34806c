// Package softcard implements the calypso session capability over a card
// image held in a store.CardStore. Writes made inside a secure session are
// buffered and reach the store in one transaction when the session closes.
package softcard

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/calypso"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/card"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store"
)

// Reader hands out sessions on stored cards.
type Reader struct {
	cards  store.CardStore
	logger zerolog.Logger
}

func NewReader(cards store.CardStore, logger zerolog.Logger) *Reader {
	return &Reader{cards: cards, logger: logger.With().Str("component", "softcard").Logger()}
}

// Attach selects the card and returns its file cache and a transaction on it.
// The cache is empty until commands are processed.
func (r *Reader) Attach(ctx context.Context, serial string) (calypso.Card, calypso.Transaction, error) {
	serial = strings.TrimSpace(serial)
	img, err := r.cards.LoadCard(ctx, serial)
	if err != nil {
		return nil, nil, fmt.Errorf("attach %s: %w", serial, err)
	}

	c := &Card{
		serial:      img.Serial,
		productType: img.ProductType,
		files:       make(map[uint8]*calypso.ElementaryFile),
	}
	tx := &Transaction{
		cards:  r.cards,
		card:   c,
		base:   img,
		image:  img.Clone(),
		logger: r.logger.With().Str("card_serial", img.Serial).Logger(),
	}
	return c, tx, nil
}

// Card is the file cache of an attached software card.
type Card struct {
	mu          sync.RWMutex
	serial      string
	productType calypso.ProductType
	files       map[uint8]*calypso.ElementaryFile
}

func (c *Card) SerialNumber() string { return c.serial }
func (c *Card) ProductType() calypso.ProductType { return c.productType }

func (c *Card) File(sfi uint8) (*calypso.ElementaryFile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.files[sfi]
	return f, ok
}

func (c *Card) setRecord(sfi uint8, record int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[sfi]
	if !ok {
		f = calypso.NewElementaryFile(sfi)
		c.files[sfi] = f
	}
	f.SetRecord(record, data)
}

type commandKind int

const (
	cmdOpen commandKind = iota
	cmdReadRecord
	cmdReadCounter
	cmdDecrease
	cmdUpdate
	cmdClose
	cmdCancel
)

type command struct {
	kind   commandKind
	level  calypso.WriteAccessLevel
	sfi    uint8
	record int
	count  int
	amount int
	data   []byte
}

// Transaction queues commands and runs them against the working image on
// ProcessCommands.
type Transaction struct {
	mu sync.Mutex

	cards  store.CardStore
	card   *Card
	logger zerolog.Logger

	// base is the image as last committed; image carries the writes of the
	// open session on top of it.
	base    store.CardImage
	image   store.CardImage
	pending []store.RecordWrite

	queue   []command
	session bool
	closed  bool
}

func (t *Transaction) enqueue(c command) {
	t.mu.Lock()
	t.queue = append(t.queue, c)
	t.mu.Unlock()
}

func (t *Transaction) PrepareOpenSecureSession(level calypso.WriteAccessLevel) {
	t.enqueue(command{kind: cmdOpen, level: level})
}

func (t *Transaction) PrepareReadRecord(sfi uint8, record int) {
	t.enqueue(command{kind: cmdReadRecord, sfi: sfi, record: record})
}

func (t *Transaction) PrepareReadCounter(sfi uint8, count int) {
	t.enqueue(command{kind: cmdReadCounter, sfi: sfi, count: count})
}

func (t *Transaction) PrepareDecreaseCounter(sfi uint8, counter int, amount int) {
	t.enqueue(command{kind: cmdDecrease, sfi: sfi, record: counter, amount: amount})
}

func (t *Transaction) PrepareUpdateRecord(sfi uint8, record int, data []byte) {
	t.enqueue(command{kind: cmdUpdate, sfi: sfi, record: record, data: append([]byte(nil), data...)})
}

func (t *Transaction) PrepareCloseSecureSession() {
	t.enqueue(command{kind: cmdClose})
}

func (t *Transaction) PrepareCancelSecureSession() {
	t.enqueue(command{kind: cmdCancel})
}

// ProcessCommands runs the queued commands in order and stops at the first
// failure. The queue is always emptied. When ctx is already done the open
// session is aborted and only a pure cancel batch succeeds.
func (t *Transaction) ProcessCommands(ctx context.Context, cc calypso.ChannelControl) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmds := t.queue
	t.queue = nil

	if t.closed {
		return calypso.ErrChannelClosed
	}

	defer func() {
		if cc == calypso.CloseAfter {
			if t.session {
				t.abort()
			}
			t.closed = true
		}
	}()

	if err := ctx.Err(); err != nil {
		t.abort()
		if onlyCancels(cmds) {
			return nil
		}
		return err
	}

	for _, c := range cmds {
		if err := t.run(ctx, c); err != nil {
			t.logger.Debug().Err(err).Int("commands", len(cmds)).Msg("command batch failed")
			return err
		}
	}
	t.logger.Debug().Int("commands", len(cmds)).Msg("command batch processed")
	return nil
}

func onlyCancels(cmds []command) bool {
	for _, c := range cmds {
		if c.kind != cmdCancel {
			return false
		}
	}
	return len(cmds) > 0
}

func (t *Transaction) run(ctx context.Context, c command) error {
	switch c.kind {
	case cmdOpen:
		if t.session {
			return calypso.ErrSessionOpen
		}
		t.session = true
		t.pending = nil
		t.logger.Debug().Stringer("access_level", c.level).Msg("secure session opened")
		return nil

	case cmdReadRecord:
		data, ok := t.image.Records[store.RecordKey{SFI: c.sfi, Record: c.record}]
		if !ok {
			return fmt.Errorf("%w: sfi %#02x record %d", calypso.ErrRecordNotFound, c.sfi, c.record)
		}
		t.card.setRecord(c.sfi, c.record, data)
		return nil

	case cmdReadCounter:
		data, ok := t.image.Records[store.RecordKey{SFI: c.sfi, Record: 1}]
		n := c.count * card.CounterSize
		if !ok || c.count < 1 || n > len(data) {
			return fmt.Errorf("%w: sfi %#02x counters 1..%d", calypso.ErrRecordNotFound, c.sfi, c.count)
		}
		t.card.setRecord(c.sfi, 1, data[:n])
		return nil

	case cmdDecrease:
		return t.decrease(c)

	case cmdUpdate:
		if !t.session {
			return calypso.ErrNoSession
		}
		key := store.RecordKey{SFI: c.sfi, Record: c.record}
		old, ok := t.image.Records[key]
		if !ok {
			return fmt.Errorf("%w: sfi %#02x record %d", calypso.ErrRecordNotFound, c.sfi, c.record)
		}
		if len(c.data) != len(old) {
			return fmt.Errorf("update sfi %#02x record %d: %d bytes, record holds %d", c.sfi, c.record, len(c.data), len(old))
		}
		t.stage(key, c.data)
		t.card.setRecord(c.sfi, c.record, c.data)
		return nil

	case cmdClose:
		if !t.session {
			return calypso.ErrNoSession
		}
		if err := t.cards.CommitSession(ctx, t.card.serial, t.pending); err != nil {
			t.abort()
			return fmt.Errorf("close session: %w", err)
		}
		t.logger.Debug().Int("writes", len(t.pending)).Msg("secure session committed")
		t.base = t.image.Clone()
		t.pending = nil
		t.session = false
		return nil

	case cmdCancel:
		if t.session {
			t.logger.Debug().Int("writes_discarded", len(t.pending)).Msg("secure session cancelled")
		}
		t.abort()
		return nil
	}
	return fmt.Errorf("unknown command %d", c.kind)
}

func (t *Transaction) decrease(c command) error {
	if !t.session {
		return calypso.ErrNoSession
	}
	key := store.RecordKey{SFI: c.sfi, Record: 1}
	data, ok := t.image.Records[key]
	off := (c.record - 1) * card.CounterSize
	if !ok || c.record < 1 || off+card.CounterSize > len(data) {
		return fmt.Errorf("%w: sfi %#02x counter %d", calypso.ErrRecordNotFound, c.sfi, c.record)
	}
	if c.amount < 0 {
		return fmt.Errorf("decrease counter %d: negative amount %d", c.record, c.amount)
	}

	cur, err := card.ParseCounter(data[off : off+card.CounterSize])
	if err != nil {
		return err
	}
	if uint64(cur.Value) < uint64(c.amount) {
		return fmt.Errorf("%w: counter %d holds %d, decrease by %d", calypso.ErrCounterUnderflow, c.record, cur.Value, c.amount)
	}
	b, err := card.GenerateCounter(card.CounterRecord{Value: cur.Value - uint32(c.amount)})
	if err != nil {
		return err
	}

	next := append([]byte(nil), data...)
	copy(next[off:], b)
	t.stage(key, next)

	// Keep the cached view the same length the last read exposed.
	if f, ok := t.card.File(c.sfi); ok {
		if cached, ok := f.Record(1); ok && len(cached) <= len(next) {
			t.card.setRecord(c.sfi, 1, next[:len(cached)])
		}
	}
	return nil
}

func (t *Transaction) stage(key store.RecordKey, data []byte) {
	t.image.Records[key] = append([]byte(nil), data...)
	t.pending = append(t.pending, store.RecordWrite{SFI: key.SFI, Record: key.Record, Data: append([]byte(nil), data...)})
}

// abort drops the session and restores the cache for every record it wrote.
func (t *Transaction) abort() {
	for _, w := range t.pending {
		key := store.RecordKey{SFI: w.SFI, Record: w.Record}
		orig := t.base.Records[key]
		if f, ok := t.card.File(w.SFI); ok {
			if cached, ok := f.Record(w.Record); ok && len(cached) <= len(orig) {
				t.card.setRecord(w.SFI, w.Record, orig[:len(cached)])
			}
		}
	}
	t.image = t.base.Clone()
	t.pending = nil
	t.session = false
}
