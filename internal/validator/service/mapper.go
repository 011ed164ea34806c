package service

import (
	"time"

	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/card"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/types"
)

const validationEventName = "Event name"

// MapValidation describes a written event for display.
func MapValidation(ev card.EventRecord, locations []types.Location, loc *time.Location) types.Validation {
	return types.Validation{
		Name:     validationEventName,
		Date:     ev.DateTime(loc),
		Location: FindLocation(locations, ev.LocationID),
	}
}

// FindLocation returns the known location with id, or a location carrying
// only the id.
func FindLocation(locations []types.Location, id uint16) types.Location {
	for _, l := range locations {
		if l.ID == id {
			return l
		}
	}
	return types.Location{ID: id}
}
