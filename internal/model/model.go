// Package model holds the transit entities persisted locally and synced from the API.
package model

import (
	"time"

	"github.com/bustrack/transitsync/pkg/errors"
)

// Entity is anything stored by key in the local store. Saving an entity
// whose Key already exists replaces it.
type Entity interface {
	Key() string
	Validate() error
}

// Bus is the last reported position of a vehicle.
type Bus struct {
	ID        string    `json:"id"`
	RouteID   string    `json:"route_id"`
	Plate     string    `json:"plate,omitempty"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Heading   float64   `json:"heading,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the bus ID.
func (b Bus) Key() string { return b.ID }

// Validate checks identity and coordinates.
func (b Bus) Validate() error {
	if b.ID == "" {
		return errors.Validation("id", "bus id is empty")
	}
	return validateCoordinates(b.Lat, b.Lon)
}

// Route is a bus line with its ordered stops.
type Route struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Fare    float64  `json:"fare"`
	Color   string   `json:"color,omitempty"`
	StopIDs []string `json:"stop_ids,omitempty"`
}

// Key returns the route ID.
func (r Route) Key() string { return r.ID }

// Validate checks identity and fare.
func (r Route) Validate() error {
	if r.ID == "" {
		return errors.Validation("id", "route id is empty")
	}
	if r.Fare < 0 {
		return errors.Validation("fare", "route fare is negative")
	}
	return nil
}

// Stop is a boarding point.
type Stop struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// Key returns the stop ID.
func (s Stop) Key() string { return s.ID }

// Validate checks identity and coordinates.
func (s Stop) Validate() error {
	if s.ID == "" {
		return errors.Validation("id", "stop id is empty")
	}
	return validateCoordinates(s.Lat, s.Lon)
}

func validateCoordinates(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return errors.Validation("lat", "latitude out of range")
	}
	if lon < -180 || lon > 180 {
		return errors.Validation("lon", "longitude out of range")
	}
	return nil
}

// ValidateAll returns the first validation error in items.
func ValidateAll[T Entity](items []T) error {
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return err
		}
	}
	return nil
}
