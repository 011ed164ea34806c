package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/calypso"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/card"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/types"
)

var (
	ErrCardExists      = errors.New("card already personalized")
	ErrInvalidSlot     = errors.New("contract slot must be 1..4")
	ErrInvalidTariff   = errors.New("tariff cannot be loaded")
	ErrCounterRequired = errors.New("tariff needs a counter this product does not have")
)

// DefaultEnvironmentYears is how long a freshly personalized card stays valid
// when no end date is given.
const DefaultEnvironmentYears = 6

type PersonalizeRequest struct {
	Serial            string
	ProductType       calypso.ProductType
	ApplicationNumber uint32
	HolderCompany     uint8
	HolderIDNumber    uint32
	// EndDate defaults to DefaultEnvironmentYears after issuance.
	EndDate time.Time
	// Replace allows wiping an existing card.
	Replace bool
}

type LoadContractRequest struct {
	Serial          string
	Slot            int
	Tariff          card.PriorityCode
	ValidityEndDate time.Time
	// Counter is the trip count or stored value for counter tariffs.
	Counter     uint32
	SaleSAM     uint32
	SaleCounter uint32
}

// IssuanceService personalizes cards and loads contracts onto them.
type IssuanceService struct {
	cards     store.CardStore
	reader    CardReader
	profile   calypso.Profile
	locations []types.Location
	logger    zerolog.Logger
	now       func() time.Time
}

func NewIssuanceService(cards store.CardStore, reader CardReader, profile calypso.Profile, locations []types.Location, logger zerolog.Logger) *IssuanceService {
	return &IssuanceService{
		cards:     cards,
		reader:    reader,
		profile:   profile,
		locations: append([]types.Location(nil), locations...),
		logger:    logger.With().Str("component", "issuance").Logger(),
		now:       time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *IssuanceService) SetClock(now func() time.Time) {
	s.now = now
}

// Personalize writes a clean card: a current environment, an undefined
// event, blank contracts and zeroed counters.
func (s *IssuanceService) Personalize(ctx context.Context, req PersonalizeRequest) (types.CardSummary, error) {
	serial := strings.TrimSpace(req.Serial)
	if serial == "" {
		return types.CardSummary{}, ErrInvalidCardSerial
	}

	if !req.Replace {
		_, err := s.cards.LoadCard(ctx, serial)
		if err == nil {
			return types.CardSummary{}, fmt.Errorf("%w: %s", ErrCardExists, serial)
		}
		if !errors.Is(err, store.ErrCardNotFound) {
			return types.CardSummary{}, err
		}
	}

	now := s.now()
	issued, err := card.DateCompactOf(now)
	if err != nil {
		return types.CardSummary{}, err
	}
	endAt := req.EndDate
	if endAt.IsZero() {
		endAt = now.AddDate(DefaultEnvironmentYears, 0, 0)
	}
	end, err := card.DateCompactOf(endAt)
	if err != nil {
		return types.CardSummary{}, err
	}

	env, err := card.GenerateEnvironment(card.EnvironmentRecord{
		VersionNumber:     card.VersionCurrent,
		ApplicationNumber: req.ApplicationNumber,
		IssuingDate:       issued,
		EndDate:           end,
		HolderCompany:     req.HolderCompany,
		HolderIDNumber:    req.HolderIDNumber,
	})
	if err != nil {
		return types.CardSummary{}, fmt.Errorf("environment: %w", err)
	}
	event, err := card.GenerateEvent(card.EventRecord{VersionNumber: card.VersionUndefined})
	if err != nil {
		return types.CardSummary{}, fmt.Errorf("event: %w", err)
	}
	counters, err := card.GenerateCounters(make([]card.CounterRecord, req.ProductType.CounterCount()))
	if err != nil {
		return types.CardSummary{}, fmt.Errorf("counters: %w", err)
	}

	img := store.CardImage{
		Serial:      serial,
		ProductType: req.ProductType,
		Records: map[store.RecordKey][]byte{
			{SFI: s.profile.SFIEnvironment, Record: 1}: env,
			{SFI: s.profile.SFIEventLog, Record: 1}:    event,
			{SFI: s.profile.SFICounters, Record: 1}:    counters,
		},
		UpdatedAt: now.UTC(),
	}
	for slot := 1; slot <= card.ContractSlots; slot++ {
		img.Records[store.RecordKey{SFI: s.profile.SFIContracts, Record: slot}] = make([]byte, card.RecordSize)
	}

	if err := s.cards.SaveCard(ctx, img); err != nil {
		return types.CardSummary{}, err
	}

	s.logger.Info().
		Str("card_serial", serial).
		Stringer("product_type", req.ProductType).
		Str("end_date", end.String()).
		Msg("card personalized")

	return s.Inspect(ctx, serial)
}

// LoadContract writes a contract into slot inside a LOAD secure session,
// sets its counter for counter tariffs and records its priority on the
// event.
func (s *IssuanceService) LoadContract(ctx context.Context, req LoadContractRequest) (types.CardSummary, error) {
	serial := strings.TrimSpace(req.Serial)
	if serial == "" {
		return types.CardSummary{}, ErrInvalidCardSerial
	}
	if req.Slot < 1 || req.Slot > card.ContractSlots {
		return types.CardSummary{}, ErrInvalidSlot
	}
	if !req.Tariff.Eligible() || !req.Tariff.Valid() {
		return types.CardSummary{}, fmt.Errorf("%w: %s", ErrInvalidTariff, req.Tariff)
	}

	now := s.now()
	saleDate, err := card.DateCompactOf(now)
	if err != nil {
		return types.CardSummary{}, err
	}
	validityEnd, err := card.DateCompactOf(req.ValidityEndDate)
	if err != nil {
		return types.CardSummary{}, fmt.Errorf("validity end date: %w", err)
	}

	c, tx, err := s.reader.Attach(ctx, serial)
	if err != nil {
		return types.CardSummary{}, err
	}
	if req.Tariff.UsesCounter() && req.Slot > c.ProductType().CounterCount() {
		return types.CardSummary{}, fmt.Errorf("%w: slot %d on %s", ErrCounterRequired, req.Slot, c.ProductType())
	}

	err = s.loadContract(ctx, c, tx, req, saleDate, validityEnd)
	if err != nil {
		tx.PrepareCancelSecureSession()
		if cerr := tx.ProcessCommands(ctx, calypso.CloseAfter); cerr != nil {
			s.logger.Warn().Err(cerr).Str("card_serial", serial).Msg("cancel after failed load")
		}
		return types.CardSummary{}, err
	}

	s.logger.Info().
		Str("card_serial", serial).
		Int("slot", req.Slot).
		Stringer("tariff", req.Tariff).
		Str("validity_end", validityEnd.String()).
		Uint32("counter", req.Counter).
		Msg("contract loaded")

	return s.Inspect(ctx, serial)
}

func (s *IssuanceService) loadContract(ctx context.Context, c calypso.Card, tx calypso.Transaction, req LoadContractRequest, saleDate, validityEnd card.DateCompact) error {
	p := s.profile

	tx.PrepareOpenSecureSession(calypso.AccessLoad)
	tx.PrepareReadRecord(p.SFIEventLog, 1)
	tx.PrepareReadCounter(p.SFICounters, c.ProductType().CounterCount())
	if err := tx.ProcessCommands(ctx, calypso.KeepOpen); err != nil {
		return err
	}

	evFile, ok := c.File(p.SFIEventLog)
	if !ok {
		return fmt.Errorf("%w: event log not read", calypso.ErrRecordNotFound)
	}
	evBytes, _ := evFile.Record(1)
	event, err := card.ParseEvent(evBytes)
	if err != nil {
		return fmt.Errorf("event: %w", err)
	}
	event.VersionNumber = card.VersionCurrent
	event.ContractPriorities[req.Slot-1] = req.Tariff

	contract, err := card.GenerateContract(card.ContractRecord{
		VersionNumber:   card.VersionCurrent,
		Tariff:          req.Tariff,
		SaleDate:        saleDate,
		ValidityEndDate: validityEnd,
		SaleSAM:         req.SaleSAM,
		SaleCounter:     req.SaleCounter,
	})
	if err != nil {
		return fmt.Errorf("contract: %w", err)
	}
	newEvent, err := card.GenerateEvent(event)
	if err != nil {
		return fmt.Errorf("event: %w", err)
	}

	tx.PrepareUpdateRecord(p.SFIContracts, req.Slot, contract)
	tx.PrepareUpdateRecord(p.SFIEventLog, 1, newEvent)

	if req.Slot <= c.ProductType().CounterCount() {
		cf, ok := c.File(p.SFICounters)
		if !ok {
			return fmt.Errorf("%w: counters not read", calypso.ErrRecordNotFound)
		}
		raw, _ := cf.Record(1)
		counters, err := card.ParseCounters(raw)
		if err != nil {
			return fmt.Errorf("counters: %w", err)
		}
		value := uint32(0)
		if req.Tariff.UsesCounter() {
			value = req.Counter
		}
		counters[req.Slot-1] = card.CounterRecord{Value: value}
		b, err := card.GenerateCounters(counters)
		if err != nil {
			return fmt.Errorf("counters: %w", err)
		}
		tx.PrepareUpdateRecord(p.SFICounters, 1, b)
	}

	tx.PrepareCloseSecureSession()
	return tx.ProcessCommands(ctx, calypso.CloseAfter)
}

// Inspect decodes every record of a stored card. Records that fail to decode
// are listed as problems rather than failing the call.
func (s *IssuanceService) Inspect(ctx context.Context, serial string) (types.CardSummary, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return types.CardSummary{}, ErrInvalidCardSerial
	}
	img, err := s.cards.LoadCard(ctx, serial)
	if err != nil {
		return types.CardSummary{}, err
	}
	return Summarize(img, s.profile, s.locations), nil
}

// Summarize decodes a card image for display.
func Summarize(img store.CardImage, p calypso.Profile, locations []types.Location) types.CardSummary {
	sum := types.CardSummary{
		Serial:       img.Serial,
		ProductType:  img.ProductType.String(),
		SessionCount: img.SessionCount,
	}
	if !img.UpdatedAt.IsZero() {
		sum.UpdatedAt = img.UpdatedAt.UTC().Format(time.RFC3339)
	}
	problem := func(format string, args ...any) {
		sum.Problems = append(sum.Problems, fmt.Sprintf(format, args...))
	}

	if b, ok := img.Records[store.RecordKey{SFI: p.SFIEnvironment, Record: 1}]; ok {
		if env, err := card.ParseEnvironment(b); err != nil {
			problem("environment: %v", err)
		} else {
			sum.Environment = &types.EnvironmentView{
				VersionNumber:     uint8(env.VersionNumber),
				ApplicationNumber: env.ApplicationNumber,
				IssuingDate:       env.IssuingDate.String(),
				EndDate:           env.EndDate.String(),
				HolderCompany:     env.HolderCompany,
				HolderIDNumber:    env.HolderIDNumber,
			}
		}
	} else {
		problem("environment: missing")
	}

	if b, ok := img.Records[store.RecordKey{SFI: p.SFIEventLog, Record: 1}]; ok {
		if ev, err := card.ParseEvent(b); err != nil {
			problem("event: %v", err)
		} else {
			view := &types.EventView{
				VersionNumber: uint8(ev.VersionNumber),
				DateTime:      ev.DateTime(time.UTC).Format("2006-01-02 15:04"),
				LocationID:    ev.LocationID,
				LocationName:  FindLocation(locations, ev.LocationID).Name,
				ContractUsed:  ev.ContractUsed,
			}
			for _, pr := range ev.ContractPriorities {
				view.ContractPriorities = append(view.ContractPriorities, pr.String())
			}
			sum.Event = view
		}
	} else {
		problem("event: missing")
	}

	for slot := 1; slot <= card.ContractSlots; slot++ {
		b, ok := img.Records[store.RecordKey{SFI: p.SFIContracts, Record: slot}]
		if !ok {
			continue
		}
		c, err := card.ParseContract(b)
		if err != nil {
			problem("contract %d: %v", slot, err)
			continue
		}
		if c.VersionNumber == card.VersionUndefined {
			continue
		}
		sum.Contracts = append(sum.Contracts, types.ContractView{
			Slot:            slot,
			VersionNumber:   uint8(c.VersionNumber),
			Tariff:          c.Tariff.String(),
			SaleDate:        c.SaleDate.String(),
			ValidityEndDate: c.ValidityEndDate.String(),
			SaleSAM:         c.SaleSAM,
			SaleCounter:     c.SaleCounter,
		})
	}

	if b, ok := img.Records[store.RecordKey{SFI: p.SFICounters, Record: 1}]; ok {
		if cs, err := card.ParseCounters(b); err != nil {
			problem("counters: %v", err)
		} else {
			for _, c := range cs {
				sum.Counters = append(sum.Counters, c.Value)
			}
		}
	}

	return sum
}
