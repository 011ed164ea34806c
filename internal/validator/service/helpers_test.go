package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/calypso"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/calypso/softcard"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/card"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/service"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store/memory"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/types"
)

const testSerial = "00000000AABBCCDD"

var (
	testNow     = time.Date(2024, time.March, 15, 10, 30, 45, 0, time.UTC)
	testProfile = calypso.DefaultProfile()

	stationA = types.Location{ID: 1, Name: "Central Station"}
	stationB = types.Location{ID: 2, Name: "Harbour"}
)

// cardFixture describes a card in domain terms; build encodes it.
type cardFixture struct {
	product      calypso.ProductType
	envVersion   card.VersionNumber
	envEnd       card.DateCompact
	eventVersion card.VersionNumber
	priorities   [card.ContractSlots]card.PriorityCode
	contracts    [card.ContractSlots]*card.ContractRecord
	counters     []uint32
}

// validCard is a current-version card with no titles.
func validCard() cardFixture {
	return cardFixture{
		product:      calypso.ProductPrime,
		envVersion:   card.VersionCurrent,
		envEnd:       card.MustDateCompact(2030, time.January, 1),
		eventVersion: card.VersionCurrent,
		counters:     []uint32{0, 0, 0, 0},
	}
}

func contract(tariff card.PriorityCode, end card.DateCompact) *card.ContractRecord {
	return &card.ContractRecord{
		VersionNumber:   card.VersionCurrent,
		Tariff:          tariff,
		SaleDate:        card.MustDateCompact(2024, time.January, 2),
		ValidityEndDate: end,
	}
}

func (f cardFixture) build(t *testing.T) store.CardImage {
	t.Helper()

	env, err := card.GenerateEnvironment(card.EnvironmentRecord{
		VersionNumber: f.envVersion,
		IssuingDate:   card.MustDateCompact(2020, time.January, 1),
		EndDate:       f.envEnd,
	})
	require.NoError(t, err)

	ev, err := card.GenerateEvent(card.EventRecord{
		VersionNumber:      f.eventVersion,
		DateStamp:          card.MustDateCompact(2024, time.March, 1),
		TimeStamp:          8 * 60,
		LocationID:         stationB.ID,
		ContractPriorities: f.priorities,
	})
	require.NoError(t, err)

	cs := make([]card.CounterRecord, len(f.counters))
	for i, v := range f.counters {
		cs[i] = card.CounterRecord{Value: v}
	}
	counters, err := card.GenerateCounters(cs)
	require.NoError(t, err)

	img := store.CardImage{
		Serial:      testSerial,
		ProductType: f.product,
		Records: map[store.RecordKey][]byte{
			{SFI: testProfile.SFIEnvironment, Record: 1}: env,
			{SFI: testProfile.SFIEventLog, Record: 1}:    ev,
			{SFI: testProfile.SFICounters, Record: 1}:    counters,
		},
	}
	for i, c := range f.contracts {
		b := make([]byte, card.RecordSize)
		if c != nil {
			b, err = card.GenerateContract(*c)
			require.NoError(t, err)
		}
		img.Records[store.RecordKey{SFI: testProfile.SFIContracts, Record: i + 1}] = b
	}
	return img
}

func (f cardFixture) seed(t *testing.T) *memory.CardStore {
	t.Helper()
	s := memory.NewCardStore()
	require.NoError(t, s.SaveCard(context.Background(), f.build(t)))
	return s
}

func testSettings() service.ProcedureSettings {
	return service.ProcedureSettings{
		Profile:          testProfile,
		ValidationAmount: 1,
		Location:         stationA,
		Locations:        []types.Location{stationA, stationB},
		CloseControl:     calypso.CloseAfter,
	}
}

// recordingTx counts session endings and can fail one ProcessCommands call.
type recordingTx struct {
	calypso.Transaction

	closes  int
	cancels int

	calls  int
	failAt int // 1-based ProcessCommands call to fail; 0 never
}

var errInjected = errors.New("card removed")

func (r *recordingTx) PrepareCloseSecureSession() {
	r.closes++
	r.Transaction.PrepareCloseSecureSession()
}

func (r *recordingTx) PrepareCancelSecureSession() {
	r.cancels++
	r.Transaction.PrepareCancelSecureSession()
}

func (r *recordingTx) ProcessCommands(ctx context.Context, cc calypso.ChannelControl) error {
	r.calls++
	if r.calls == r.failAt {
		// A dead context makes the card drop its queue and session, as a
		// removed card would.
		dead, cancel := context.WithCancel(ctx)
		cancel()
		_ = r.Transaction.ProcessCommands(dead, calypso.KeepOpen)
		return errInjected
	}
	return r.Transaction.ProcessCommands(ctx, cc)
}

// launch runs the procedure on the stored card at testNow.
func launch(t *testing.T, s store.CardStore, settings service.ProcedureSettings) (types.CardReaderResponse, *recordingTx) {
	return launchWith(t, s, settings, &recordingTx{})
}

func launchWith(t *testing.T, s store.CardStore, settings service.ProcedureSettings, rec *recordingTx) (types.CardReaderResponse, *recordingTx) {
	t.Helper()
	return launchAt(t, s, testNow, settings, rec), rec
}

// launchAt runs the procedure on the stored card at now.
func launchAt(t *testing.T, s store.CardStore, now time.Time, settings service.ProcedureSettings, rec *recordingTx) types.CardReaderResponse {
	t.Helper()

	c, tx, err := softcard.NewReader(s, zerolog.Nop()).Attach(context.Background(), testSerial)
	require.NoError(t, err)
	rec.Transaction = tx

	p := service.NewValidationProcedure(zerolog.Nop())
	return p.Launch(context.Background(), now, settings, c, rec)
}

func storedEvent(t *testing.T, s store.CardStore) card.EventRecord {
	t.Helper()
	img, err := s.LoadCard(context.Background(), testSerial)
	require.NoError(t, err)
	ev, err := card.ParseEvent(img.Records[store.RecordKey{SFI: testProfile.SFIEventLog, Record: 1}])
	require.NoError(t, err)
	return ev
}

func storedCounters(t *testing.T, s store.CardStore) []uint32 {
	t.Helper()
	img, err := s.LoadCard(context.Background(), testSerial)
	require.NoError(t, err)
	cs, err := card.ParseCounters(img.Records[store.RecordKey{SFI: testProfile.SFICounters, Record: 1}])
	require.NoError(t, err)
	out := make([]uint32, len(cs))
	for i, c := range cs {
		out[i] = c.Value
	}
	return out
}

func storeKey(sfi uint8, n int) store.RecordKey {
	return store.RecordKey{SFI: sfi, Record: n}
}
