package store

import (
	"time"

	"fleetwatch/internal/domain"
)

type VehicleUpsert struct {
	ID         string
	ExternalID string
	Plate      string
	Name       string
	FleetID    string
	Now        time.Time
}

type PositionUpsert struct {
	VehicleID string
	Latitude  float64
	Longitude float64
	SpeedKmh  float64
	Heading   float64
	FixedAt   time.Time
	Sensors   map[string]string
}

type StatusUpsert struct {
	VehicleID  string
	GeofenceID string
	Inside     bool
	Now        time.Time
}

type StatusResult struct {
	Inside    bool
	ChangedAt time.Time
	Found     bool
}

type EventInsert struct {
	ID         string
	Type       domain.EventType
	VehicleID  string
	GeofenceID string
	TargetID   string
	Latitude   float64
	Longitude  float64
	Message    string
	Now        time.Time
}

type NotificationInsert struct {
	ID        string
	AlarmID   string
	EventID   string
	VehicleID string
	Recipient string
	Message   string
	State     domain.NotificationState
	Level     int
	Now       time.Time
}

type NotificationStateUpdate struct {
	ID        string
	State     domain.NotificationState
	LastError string
	Now       time.Time
}

type EscalationUpdate struct {
	ID               string
	State            domain.NotificationState
	Level            int
	CallPlaced       bool
	NextEscalationAt *time.Time
	Now              time.Time
}

type SentUpdate struct {
	ID               string
	NextEscalationAt time.Time
	Now              time.Time
}

type ReplyUpdate struct {
	ID    string
	State domain.NotificationState
	Now   time.Time
}
