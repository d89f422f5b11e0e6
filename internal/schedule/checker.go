package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fleetwatch/internal/domain"
	"fleetwatch/internal/geo"
	"fleetwatch/internal/observability"
	"fleetwatch/internal/queue"
	"fleetwatch/internal/store"
	"fleetwatch/internal/util"
)

type Store interface {
	GetPosition(ctx context.Context, vehicleID string) (domain.Position, bool, error)
	EventExistsToday(ctx context.Context, targetID string, typ domain.EventType, day time.Time) (bool, error)
	InsertEvent(ctx context.Context, in store.EventInsert) error
}

type Geometry interface {
	ListScheduledCheckpoints(ctx context.Context) ([]domain.Checkpoint, error)
	GetGeofence(ctx context.Context, id string) (domain.Geofence, bool, error)
}

type DedupCache interface {
	CheckEventDedup(ctx context.Context, targetID string, typ domain.EventType, day time.Time) (bool, error)
	SetEventDedup(ctx context.Context, targetID string, typ domain.EventType, day time.Time) error
}

type Enqueuer interface {
	Enqueue(task queue.Task)
}

// Checker evaluates scheduled checkpoints against wall-clock deadlines. A
// violated target produces exactly one event per calendar day no matter how
// many ticks observe it.
type Checker struct {
	Store    Store
	Geometry Geometry
	Dedup    DedupCache
	Queue    Enqueuer
}

func (c *Checker) Run(ctx context.Context, now time.Time) error {
	checkpoints, err := c.Geometry.ListScheduledCheckpoints(ctx)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}

	for _, cp := range checkpoints {
		if err := c.check(ctx, cp, now); err != nil {
			// One bad checkpoint never stops the rest of the pass.
			slog.Error("checkpoint evaluation failed", "checkpoint_id", cp.ID, "err", err)
		}
	}
	return nil
}

func (c *Checker) check(ctx context.Context, cp domain.Checkpoint, now time.Time) error {
	deadline := cp.ExpectedAt.Add(cp.Tolerance)
	if !now.After(deadline) {
		return nil
	}

	typ := domain.EventNotArrived
	if cp.Kind == domain.CheckpointDeparture {
		typ = domain.EventNotDeparted
	}

	if c.Dedup != nil {
		hit, err := c.Dedup.CheckEventDedup(ctx, cp.ID, typ, now)
		if err != nil {
			slog.Warn("dedup cache check failed, falling back to store", "checkpoint_id", cp.ID, "err", err)
		} else if hit {
			return nil
		}
	}
	exists, err := c.Store.EventExistsToday(ctx, cp.ID, typ, now)
	if err != nil {
		return err
	}
	if exists {
		if c.Dedup != nil {
			_ = c.Dedup.SetEventDedup(ctx, cp.ID, typ, now)
		}
		return nil
	}

	g, found, err := c.Geometry.GetGeofence(ctx, cp.GeofenceID)
	if err != nil {
		return err
	}
	if !found {
		slog.Warn("checkpoint references missing geofence, skipping",
			"checkpoint_id", cp.ID, "geofence_id", cp.GeofenceID)
		return nil
	}

	pos, found, err := c.Store.GetPosition(ctx, cp.VehicleID)
	if err != nil {
		return err
	}
	if !found {
		slog.Warn("no position for scheduled vehicle, skipping",
			"checkpoint_id", cp.ID, "vehicle_id", cp.VehicleID)
		return nil
	}

	inside, err := geo.Contains(domain.Point{Latitude: pos.Latitude, Longitude: pos.Longitude}, g)
	if err != nil {
		return err
	}

	violated := false
	switch cp.Kind {
	case domain.CheckpointArrival:
		violated = !inside
	case domain.CheckpointDeparture:
		violated = inside
	}
	if !violated {
		return nil
	}

	eventID := util.NewEventID()
	msg := deadlineMessage(cp, g, deadline)
	if err := c.Store.InsertEvent(ctx, store.EventInsert{
		ID:         eventID,
		Type:       typ,
		VehicleID:  cp.VehicleID,
		GeofenceID: g.ID,
		TargetID:   cp.ID,
		Latitude:   pos.Latitude,
		Longitude:  pos.Longitude,
		Message:    msg,
		Now:        now,
	}); err != nil {
		return err
	}
	if c.Dedup != nil {
		_ = c.Dedup.SetEventDedup(ctx, cp.ID, typ, now)
	}
	observability.DeadlineEvents.WithLabelValues(string(typ)).Inc()
	slog.Warn("deadline violated", "checkpoint_id", cp.ID, "vehicle_id", cp.VehicleID,
		"type", string(typ), "deadline", deadline)

	c.Queue.Enqueue(queue.Task{
		Type:       typ,
		EventID:    eventID,
		VehicleID:  cp.VehicleID,
		ZoneName:   g.Name,
		Recipient:  cp.Recipient,
		Message:    msg,
		EnqueuedAt: now,
	})
	return nil
}

func deadlineMessage(cp domain.Checkpoint, g domain.Geofence, deadline time.Time) string {
	when := deadline.Format("15:04")
	if cp.Kind == domain.CheckpointDeparture {
		return fmt.Sprintf("Veicolo %s non partito da %s entro le %s", cp.VehicleID, g.Name, when)
	}
	return fmt.Sprintf("Veicolo %s non arrivato a %s entro le %s", cp.VehicleID, g.Name, when)
}
