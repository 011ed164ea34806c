package softcard_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/calypso"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/calypso/softcard"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/card"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store/memory"
)

const serial = "0000000012345678"

var profile = calypso.DefaultProfile()

func seedStore(t *testing.T, counters ...uint32) *memory.CardStore {
	t.Helper()

	cs := make([]card.CounterRecord, len(counters))
	for i, v := range counters {
		cs[i] = card.CounterRecord{Value: v}
	}
	cb, err := card.GenerateCounters(cs)
	require.NoError(t, err)

	s := memory.NewCardStore()
	require.NoError(t, s.SaveCard(context.Background(), store.CardImage{
		Serial:      serial,
		ProductType: calypso.ProductLight,
		Records: map[store.RecordKey][]byte{
			{SFI: profile.SFIEnvironment, Record: 1}: bytes.Repeat([]byte{0x11}, card.RecordSize),
			{SFI: profile.SFIEventLog, Record: 1}:    bytes.Repeat([]byte{0x22}, card.RecordSize),
			{SFI: profile.SFICounters, Record: 1}:    cb,
		},
	}))
	return s
}

func attach(t *testing.T, s store.CardStore) (calypso.Card, calypso.Transaction) {
	t.Helper()
	c, tx, err := softcard.NewReader(s, zerolog.Nop()).Attach(context.Background(), serial)
	require.NoError(t, err)
	return c, tx
}

func storedRecord(t *testing.T, s store.CardStore, sfi uint8) []byte {
	t.Helper()
	img, err := s.LoadCard(context.Background(), serial)
	require.NoError(t, err)
	return img.Records[store.RecordKey{SFI: sfi, Record: 1}]
}

// ── Reads ────────────────────────────────────────────────────────────────

func TestAttach_UnknownCard(t *testing.T) {
	_, _, err := softcard.NewReader(memory.NewCardStore(), zerolog.Nop()).Attach(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrCardNotFound)
}

func TestReadRecord_FillsCache(t *testing.T) {
	s := seedStore(t, 5, 0)
	c, tx := attach(t, s)

	assert.Equal(t, serial, c.SerialNumber())
	assert.Equal(t, calypso.ProductLight, c.ProductType())

	_, ok := c.File(profile.SFIEnvironment)
	assert.False(t, ok, "cache must be empty before processing")

	tx.PrepareOpenSecureSession(calypso.AccessDebit)
	tx.PrepareReadRecord(profile.SFIEnvironment, 1)
	require.NoError(t, tx.ProcessCommands(context.Background(), calypso.KeepOpen))

	f, ok := c.File(profile.SFIEnvironment)
	require.True(t, ok)
	rec, ok := f.Record(1)
	require.True(t, ok)
	assert.Equal(t, bytes.Repeat([]byte{0x11}, card.RecordSize), rec)
}

func TestReadRecord_Missing(t *testing.T) {
	_, tx := attach(t, seedStore(t, 1, 1))

	tx.PrepareReadRecord(profile.SFIContracts, 1)
	err := tx.ProcessCommands(context.Background(), calypso.KeepOpen)
	require.ErrorIs(t, err, calypso.ErrRecordNotFound)
}

func TestReadCounter_ExposesRequestedCounters(t *testing.T) {
	c, tx := attach(t, seedStore(t, 7, 9))

	tx.PrepareReadCounter(profile.SFICounters, 1)
	require.NoError(t, tx.ProcessCommands(context.Background(), calypso.KeepOpen))

	f, ok := c.File(profile.SFICounters)
	require.True(t, ok)
	v, err := f.Counter(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), v)

	_, err = f.Counter(2)
	assert.ErrorIs(t, err, calypso.ErrRecordNotFound)

	tx.PrepareReadCounter(profile.SFICounters, 3)
	err = tx.ProcessCommands(context.Background(), calypso.KeepOpen)
	assert.ErrorIs(t, err, calypso.ErrRecordNotFound)
}

// ── Writes and session boundaries ────────────────────────────────────────

func TestWritesRequireSession(t *testing.T) {
	_, tx := attach(t, seedStore(t, 3, 0))

	tx.PrepareDecreaseCounter(profile.SFICounters, 1, 1)
	require.ErrorIs(t, tx.ProcessCommands(context.Background(), calypso.KeepOpen), calypso.ErrNoSession)

	tx.PrepareUpdateRecord(profile.SFIEventLog, 1, make([]byte, card.RecordSize))
	require.ErrorIs(t, tx.ProcessCommands(context.Background(), calypso.KeepOpen), calypso.ErrNoSession)

	tx.PrepareCloseSecureSession()
	require.ErrorIs(t, tx.ProcessCommands(context.Background(), calypso.KeepOpen), calypso.ErrNoSession)
}

func TestOpenTwice(t *testing.T) {
	_, tx := attach(t, seedStore(t, 3, 0))

	tx.PrepareOpenSecureSession(calypso.AccessDebit)
	tx.PrepareOpenSecureSession(calypso.AccessDebit)
	require.ErrorIs(t, tx.ProcessCommands(context.Background(), calypso.KeepOpen), calypso.ErrSessionOpen)
}

func TestCloseCommitsAllWrites(t *testing.T) {
	s := seedStore(t, 3, 0)
	c, tx := attach(t, s)
	ctx := context.Background()

	tx.PrepareOpenSecureSession(calypso.AccessDebit)
	tx.PrepareReadCounter(profile.SFICounters, 2)
	require.NoError(t, tx.ProcessCommands(ctx, calypso.KeepOpen))

	event := bytes.Repeat([]byte{0x33}, card.RecordSize)
	tx.PrepareDecreaseCounter(profile.SFICounters, 1, 1)
	tx.PrepareUpdateRecord(profile.SFIEventLog, 1, event)
	require.NoError(t, tx.ProcessCommands(ctx, calypso.KeepOpen))

	// Nothing reaches the store before close.
	assert.Equal(t, bytes.Repeat([]byte{0x22}, card.RecordSize), storedRecord(t, s, profile.SFIEventLog))

	// The cache already shows the decreased counter.
	f, _ := c.File(profile.SFICounters)
	v, err := f.Counter(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), v)

	tx.PrepareCloseSecureSession()
	require.NoError(t, tx.ProcessCommands(ctx, calypso.CloseAfter))

	assert.Equal(t, event, storedRecord(t, s, profile.SFIEventLog))
	counters, err := card.ParseCounters(storedRecord(t, s, profile.SFICounters))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), counters[0].Value)
	assert.Equal(t, uint32(0), counters[1].Value)

	img, err := s.LoadCard(ctx, serial)
	require.NoError(t, err)
	assert.Equal(t, 1, img.SessionCount)
}

func TestCancelDiscardsWrites(t *testing.T) {
	s := seedStore(t, 3, 0)
	c, tx := attach(t, s)
	ctx := context.Background()

	tx.PrepareOpenSecureSession(calypso.AccessDebit)
	tx.PrepareReadRecord(profile.SFIEventLog, 1)
	tx.PrepareUpdateRecord(profile.SFIEventLog, 1, bytes.Repeat([]byte{0x44}, card.RecordSize))
	tx.PrepareDecreaseCounter(profile.SFICounters, 1, 3)
	require.NoError(t, tx.ProcessCommands(ctx, calypso.KeepOpen))

	tx.PrepareCancelSecureSession()
	require.NoError(t, tx.ProcessCommands(ctx, calypso.CloseAfter))

	assert.Equal(t, bytes.Repeat([]byte{0x22}, card.RecordSize), storedRecord(t, s, profile.SFIEventLog))
	counters, err := card.ParseCounters(storedRecord(t, s, profile.SFICounters))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), counters[0].Value)

	f, _ := c.File(profile.SFIEventLog)
	rec, _ := f.Record(1)
	assert.Equal(t, bytes.Repeat([]byte{0x22}, card.RecordSize), rec, "cache restored after cancel")

	img, err := s.LoadCard(ctx, serial)
	require.NoError(t, err)
	assert.Equal(t, 0, img.SessionCount)
}

func TestDecreaseBelowZero(t *testing.T) {
	_, tx := attach(t, seedStore(t, 1, 0))

	tx.PrepareOpenSecureSession(calypso.AccessDebit)
	tx.PrepareDecreaseCounter(profile.SFICounters, 2, 1)
	err := tx.ProcessCommands(context.Background(), calypso.KeepOpen)
	require.ErrorIs(t, err, calypso.ErrCounterUnderflow)
}

func TestUpdateWrongLength(t *testing.T) {
	_, tx := attach(t, seedStore(t, 1, 0))

	tx.PrepareOpenSecureSession(calypso.AccessDebit)
	tx.PrepareUpdateRecord(profile.SFIEventLog, 1, []byte{0x01})
	require.Error(t, tx.ProcessCommands(context.Background(), calypso.KeepOpen))
}

func TestChannelClosedAfterCloseAfter(t *testing.T) {
	_, tx := attach(t, seedStore(t, 1, 0))

	tx.PrepareReadRecord(profile.SFIEnvironment, 1)
	require.NoError(t, tx.ProcessCommands(context.Background(), calypso.CloseAfter))

	tx.PrepareReadRecord(profile.SFIEnvironment, 1)
	require.ErrorIs(t, tx.ProcessCommands(context.Background(), calypso.KeepOpen), calypso.ErrChannelClosed)
}

func TestClosingChannelAbortsOpenSession(t *testing.T) {
	s := seedStore(t, 4, 0)
	_, tx := attach(t, s)

	tx.PrepareOpenSecureSession(calypso.AccessDebit)
	tx.PrepareDecreaseCounter(profile.SFICounters, 1, 1)
	require.NoError(t, tx.ProcessCommands(context.Background(), calypso.CloseAfter))

	counters, err := card.ParseCounters(storedRecord(t, s, profile.SFICounters))
	require.NoError(t, err)
	assert.Equal(t, uint32(4), counters[0].Value)
}

// ── Context ──────────────────────────────────────────────────────────────

func TestCancelledContext_RefusesCommitButAllowsCancel(t *testing.T) {
	s := seedStore(t, 2, 0)
	_, tx := attach(t, s)

	tx.PrepareOpenSecureSession(calypso.AccessDebit)
	tx.PrepareDecreaseCounter(profile.SFICounters, 1, 1)
	require.NoError(t, tx.ProcessCommands(context.Background(), calypso.KeepOpen))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tx.PrepareCloseSecureSession()
	err := tx.ProcessCommands(ctx, calypso.KeepOpen)
	require.True(t, errors.Is(err, context.Canceled))

	tx.PrepareCancelSecureSession()
	require.NoError(t, tx.ProcessCommands(ctx, calypso.CloseAfter))

	counters, err := card.ParseCounters(storedRecord(t, s, profile.SFICounters))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), counters[0].Value)
}

// ── Store failure ────────────────────────────────────────────────────────

type failingStore struct {
	store.CardStore
}

func (failingStore) CommitSession(context.Context, string, []store.RecordWrite) error {
	return errors.New("disk full")
}

func TestCommitFailureLeavesSessionClosed(t *testing.T) {
	s := seedStore(t, 2, 0)
	_, tx := attach(t, failingStore{CardStore: s})

	tx.PrepareOpenSecureSession(calypso.AccessDebit)
	tx.PrepareDecreaseCounter(profile.SFICounters, 1, 1)
	tx.PrepareCloseSecureSession()
	err := tx.ProcessCommands(context.Background(), calypso.KeepOpen)
	require.ErrorContains(t, err, "disk full")

	// The session is gone; a new one can be opened.
	tx.PrepareOpenSecureSession(calypso.AccessDebit)
	require.NoError(t, tx.ProcessCommands(context.Background(), calypso.KeepOpen))
}
