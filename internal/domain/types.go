package domain

import (
	"errors"
	"time"
)

type NotificationState string

const (
	StatePending         NotificationState = "pending"
	StateSent            NotificationState = "sent"
	StateFailed          NotificationState = "failed"
	StateResponded       NotificationState = "responded"
	StateConfirmed       NotificationState = "confirmed"
	StateEscalatedLevel2 NotificationState = "escalated_level2"
	StateEscalatedLevel3 NotificationState = "escalated_level3"
)

type EventType string

const (
	EventEnter       EventType = "enter"
	EventExit        EventType = "exit"
	EventNotArrived  EventType = "not_arrived"
	EventNotDeparted EventType = "not_departed"
)

var (
	ErrVehicleNotFound      = errors.New("vehicle not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrGeofenceGeometry     = errors.New("geofence has no usable geometry")
)

// Vehicle is created on first sighting from the telemetry feed and refreshed
// when upstream metadata changes. Never deleted, only deactivated.
type Vehicle struct {
	ID         string
	ExternalID string
	Plate      string
	Name       string
	FleetID    string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Position is the latest known fix for a vehicle, one row per vehicle,
// overwritten on every tick. Sensors carries free-form auxiliary values
// (temperature, door/ignition flags) keyed by sensor name.
type Position struct {
	VehicleID string
	Latitude  float64
	Longitude float64
	SpeedKmh  float64
	Heading   float64
	FixedAt   time.Time
	Sensors   map[string]string
}

type Point struct {
	Latitude  float64
	Longitude float64
}

type GeofenceKind string

const (
	GeofenceCircle  GeofenceKind = "circle"
	GeofencePolygon GeofenceKind = "polygon"
)

// Geofence geometry is immutable during an evaluation pass; rows are managed
// by the external CRUD layer.
type Geofence struct {
	ID           string
	Name         string
	Kind         GeofenceKind
	Center       Point
	RadiusMeters float64
	Vertices     []Point
	Active       bool
}

// GeofenceStatus holds the last evaluated containment for a (vehicle,
// geofence) pair. Absence means never evaluated.
type GeofenceStatus struct {
	VehicleID  string
	GeofenceID string
	Inside     bool
	ChangedAt  time.Time
}

type Transition int

const (
	TransitionNone Transition = iota
	TransitionEnter
	TransitionExit
)

func (t Transition) String() string {
	switch t {
	case TransitionEnter:
		return "enter"
	case TransitionExit:
		return "exit"
	default:
		return "none"
	}
}

// Alarm binds a trigger to a recipient. Empty VehicleID or GeofenceID acts
// as a wildcard. Window and Days restrict when the alarm is armed; zero
// values mean always.
type Alarm struct {
	ID          string
	Name        string
	VehicleID   string
	GeofenceID  string
	OnEnter     bool
	OnExit      bool
	WindowStart string // "HH:MM", empty = always
	WindowEnd   string
	Days        []time.Weekday // empty = every day
	Recipient   string         // driver phone
	Template    string
	Active      bool
}

// Matches reports whether the alarm is armed for the given transition at the
// given wall-clock time.
func (a Alarm) Matches(vehicleID, geofenceID string, t Transition, now time.Time) bool {
	if !a.Active {
		return false
	}
	if a.VehicleID != "" && a.VehicleID != vehicleID {
		return false
	}
	if a.GeofenceID != "" && a.GeofenceID != geofenceID {
		return false
	}
	switch t {
	case TransitionEnter:
		if !a.OnEnter {
			return false
		}
	case TransitionExit:
		if !a.OnExit {
			return false
		}
	default:
		return false
	}
	if len(a.Days) > 0 {
		ok := false
		for _, d := range a.Days {
			if d == now.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return inWindow(a.WindowStart, a.WindowEnd, now)
}

// inWindow handles overnight windows ("22:00".."06:00") by wrapping across
// midnight. Malformed bounds arm the alarm rather than silently disarming it.
func inWindow(start, end string, now time.Time) bool {
	if start == "" || end == "" {
		return true
	}
	s, errS := time.Parse("15:04", start)
	e, errE := time.Parse("15:04", end)
	if errS != nil || errE != nil {
		return true
	}
	cur := now.Hour()*60 + now.Minute()
	sm := s.Hour()*60 + s.Minute()
	em := e.Hour()*60 + e.Minute()
	if sm <= em {
		return cur >= sm && cur <= em
	}
	return cur >= sm || cur <= em
}

// Event is an append-only log row, one per detected condition. Dedup queries
// key on (TargetID, Type, calendar date).
type Event struct {
	ID         string
	Type       EventType
	VehicleID  string
	GeofenceID string
	TargetID   string
	Latitude   float64
	Longitude  float64
	Message    string
	OccurredAt time.Time
}

// AlarmNotification is the escalation unit. Rows are never deleted; the
// engine and inbound-reply handling mutate state and escalation fields.
type AlarmNotification struct {
	ID               string
	AlarmID          string
	EventID          string
	VehicleID        string
	Recipient        string
	Message          string
	State            NotificationState
	EscalationLevel  int
	CallPlaced       bool
	SentAt           *time.Time
	RespondedAt      *time.Time
	NextEscalationAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Responsable is a tier-3 contact, notified in priority order when an alert
// exhausts driver escalation.
type Responsable struct {
	ID       string
	Name     string
	Phone    string
	Priority int
	Active   bool
}

type CheckpointKind string

const (
	CheckpointArrival   CheckpointKind = "arrival"
	CheckpointDeparture CheckpointKind = "departure"
)

// Checkpoint is a scheduled arrival or departure with a tolerance window.
type Checkpoint struct {
	ID         string
	VehicleID  string
	GeofenceID string
	Kind       CheckpointKind
	ExpectedAt time.Time
	Tolerance  time.Duration
	Recipient  string
}
