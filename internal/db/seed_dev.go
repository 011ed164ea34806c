package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/calypso"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/card"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/service"
)

type SeedDevOptions struct {
	// Now anchors contract end dates; zero means time.Now.
	Now time.Time
}

// DemoCard is one card written by SeedDev.
type DemoCard struct {
	Serial   string
	Product  calypso.ProductType
	Tariff   card.PriorityCode // Forbidden leaves the card empty
	Counter  uint32
	ValidFor time.Duration
}

// DemoCards covers each title kind plus a card with nothing on it.
func DemoCards() []DemoCard {
	year := 365 * 24 * time.Hour
	return []DemoCard{
		{Serial: "0000000000000001", Product: calypso.ProductPrime, Tariff: card.SeasonPass, ValidFor: year},
		{Serial: "0000000000000002", Product: calypso.ProductPrime, Tariff: card.MultiTrip, Counter: 10, ValidFor: year},
		{Serial: "0000000000000003", Product: calypso.ProductLight, Tariff: card.StoredValue, Counter: 20, ValidFor: year},
		{Serial: "0000000000000004", Product: calypso.ProductBasic, Tariff: card.Forbidden},
	}
}

// SeedDev personalizes the demo cards and loads their first contract. Cards
// that already exist are left alone. Returns how many cards were written.
func SeedDev(ctx context.Context, issuer *service.IssuanceService, opt SeedDevOptions) (int, error) {
	now := opt.Now
	if now.IsZero() {
		now = time.Now()
	}

	seeded := 0
	for _, d := range DemoCards() {
		_, err := issuer.Personalize(ctx, service.PersonalizeRequest{
			Serial:      d.Serial,
			ProductType: d.Product,
		})
		if errors.Is(err, service.ErrCardExists) {
			continue
		}
		if err != nil {
			return seeded, fmt.Errorf("seed card %s: %w", d.Serial, err)
		}
		seeded++

		if d.Tariff == card.Forbidden {
			continue
		}
		if _, err := issuer.LoadContract(ctx, service.LoadContractRequest{
			Serial:          d.Serial,
			Slot:            1,
			Tariff:          d.Tariff,
			ValidityEndDate: now.Add(d.ValidFor),
			Counter:         d.Counter,
		}); err != nil {
			return seeded, fmt.Errorf("seed contract on %s: %w", d.Serial, err)
		}
	}

	return seeded, nil
}
