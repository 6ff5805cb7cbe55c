package models

import "fmt"

type Status string

const (
	StatusPlaced    Status = "PLACED"
	StatusAssigned  Status = "ASSIGNED"
	StatusPickedUp  Status = "PICKED_UP"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPlaced, StatusAssigned, StatusPickedUp, StatusDelivered, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal statuses accept no further events.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

func (s Status) String() string { return string(s) }

// Event is an externally triggered lifecycle event.
type Event string

const (
	EventAssigned  Event = "assigned"
	EventPickedUp  Event = "picked_up"
	EventDelivered Event = "delivered"
	EventCancelled Event = "cancelled"
)

func ParseEvent(v string) (Event, error) {
	switch e := Event(v); e {
	case EventPickedUp, EventDelivered, EventCancelled:
		return e, nil
	default:
		return "", &ValidationError{Field: "event", Reason: fmt.Sprintf("unknown event %q", v)}
	}
}
