package model

import "time"

type Coordinate struct {
	Lat float64 `json:"lat" bson:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" bson:"lng" yaml:"lng" validate:"gte=-180,lte=180"`
}

// IsZero reports whether the coordinate was never set.
func (c Coordinate) IsZero() bool { return c.Lat == 0 && c.Lng == 0 }

type Route struct {
	ID              string     `json:"id" bson:"_id" yaml:"id"`
	Name            string     `json:"name" bson:"name" yaml:"name" validate:"required"`
	Pickup          Coordinate `json:"pickup" bson:"pickup" yaml:"pickup"`
	DropOff         Coordinate `json:"dropOff" bson:"drop_off" yaml:"dropOff"`
	RunsFrom        string     `json:"runsFrom" bson:"runs_from" yaml:"runsFrom" validate:"required,clock"`   // "HH:MM"
	RunsUntil       string     `json:"runsUntil" bson:"runs_until" yaml:"runsUntil" validate:"required,clock"` // "HH:MM"
	IntervalMinutes float64    `json:"intervalMinutes" bson:"interval_minutes" yaml:"intervalMinutes" validate:"gt=0"`
	Available       bool       `json:"available" bson:"available" yaml:"available"`
}

type Shuttle struct {
	ID     string `json:"id" bson:"_id" yaml:"id"`
	Number string `json:"number" bson:"number" yaml:"number" validate:"required"`
}

// Session is a driver's live broadcast of one shuttle on one route.
type Session struct {
	ID        string     `json:"id" bson:"_id"`
	RouteID   string     `json:"routeId" bson:"route_id" validate:"required"`
	ShuttleID string     `json:"shuttleId" bson:"shuttle_id" validate:"required"`
	DriverID  string     `json:"driverId,omitempty" bson:"driver_id"`
	Position  Coordinate `json:"position" bson:"position"`
	Active    bool       `json:"active" bson:"active"`
	UpdatedAt time.Time  `json:"updatedAt" bson:"updated_at"`
	Seq       int64      `json:"seq" bson:"seq"` // last applied sample number
}

// PositionUpdate patches a session's position. Seq must be greater than the
// stored value for the update to apply.
type PositionUpdate struct {
	Position  Coordinate
	UpdatedAt time.Time
	Seq       int64
}

// ActiveShuttle is a session joined with its shuttle number, as shown to riders.
type ActiveShuttle struct {
	Session
	ShuttleNumber string `json:"shuttleNumber"`
}

type PickupLocation struct {
	ID        string     `json:"id" bson:"_id" yaml:"id"`
	RouteID   string     `json:"routeId" bson:"route_id" yaml:"routeId" validate:"required"`
	Position  Coordinate `json:"position" bson:"position" yaml:"position"`
	CreatedAt time.Time  `json:"createdAt" bson:"created_at" yaml:"-"`
}

// DefaultRegion is the campus centre used when a route has no coordinates.
var DefaultRegion = Coordinate{Lat: 42.93311142, Lng: -78.881111}
