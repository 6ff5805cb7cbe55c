package models

import (
	"fmt"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate reports whether c is a decimal-degree pair on the globe.
func (c Coord) Validate() error {
	if c.Lat < -90 || c.Lat > 90 {
		return &ValidationError{Field: "lat", Reason: fmt.Sprintf("%f out of range [-90,90]", c.Lat)}
	}
	if c.Lon < -180 || c.Lon > 180 {
		return &ValidationError{Field: "lon", Reason: fmt.Sprintf("%f out of range [-180,180]", c.Lon)}
	}
	return nil
}

type Rider struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Loc       Coord     `json:"loc"`
	Available bool      `json:"available"`
	Version   uint64    `json:"version"`
	Updated   time.Time `json:"updated"`
}

type Item struct {
	ItemID   string `json:"item_id"`
	Name     string `json:"name,omitempty"`
	Quantity int    `json:"quantity"`
}

// OrderDraft is an order request before dispatch.
type OrderDraft struct {
	RequesterID  string `json:"-"`
	RestaurantID string `json:"restaurant_id"`
	Address      string `json:"address"`
	Delivery     Coord  `json:"location"`
	Items        []Item `json:"items"`
}

func (d OrderDraft) Validate() error {
	if strings.TrimSpace(d.RequesterID) == "" {
		return &ValidationError{Field: "requester_id", Reason: "required"}
	}
	if strings.TrimSpace(d.RestaurantID) == "" {
		return &ValidationError{Field: "restaurant_id", Reason: "required"}
	}
	if err := d.Delivery.Validate(); err != nil {
		return err
	}
	for i, it := range d.Items {
		if it.ItemID == "" {
			return &ValidationError{Field: fmt.Sprintf("items[%d].item_id", i), Reason: "required"}
		}
		if it.Quantity <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be > 0"}
		}
	}
	return nil
}

type Order struct {
	ID                  string    `json:"id"`
	RequesterID         string    `json:"requester_id"`
	RestaurantID        string    `json:"restaurant_id"`
	Address             string    `json:"address"`
	Delivery            Coord     `json:"location"`
	Items               []Item    `json:"items"`
	RiderID             *string   `json:"rider_id"`
	Status              Status    `json:"status"`
	RiderDistanceMeters float64   `json:"rider_distance_m,omitempty"`
	RiderETASeconds     float64   `json:"rider_eta_seconds,omitempty"`
	Version             int64     `json:"version"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Rider returns the assigned rider id or "".
func (o *Order) Rider() string {
	if o.RiderID == nil {
		return ""
	}
	return *o.RiderID
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.RiderID != nil {
		id := *o.RiderID
		c.RiderID = &id
	}
	if o.Items != nil {
		c.Items = append([]Item(nil), o.Items...)
	}
	return &c
}

// OrderEvent is emitted when an order is created or changes status.
type OrderEvent struct {
	OrderID string    `json:"order_id"`
	RiderID string    `json:"rider_id,omitempty"`
	Status  Status    `json:"status"`
	Event   Event     `json:"event,omitempty"`
	At      time.Time `json:"at"`
}

// PositionReport is one entry of the rider position feed.
type PositionReport struct {
	RiderID string    `json:"rider_id"`
	Loc     Coord     `json:"loc"`
	At      time.Time `json:"at"`
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
