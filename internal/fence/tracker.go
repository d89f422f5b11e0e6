package fence

import (
	"context"
	"time"

	"fleetwatch/internal/domain"
	"fleetwatch/internal/geo"
	"fleetwatch/internal/store"
)

type Store interface {
	GetGeofenceStatus(ctx context.Context, vehicleID, geofenceID string) (store.StatusResult, error)
	SetGeofenceStatus(ctx context.Context, in store.StatusUpsert) error
}

// Tracker persists per (vehicle, geofence) containment and reports
// transitions. A pair never seen before is treated as outside, so a first
// observation inside the fence reports an enter.
type Tracker struct {
	Store Store
}

// Evaluate computes the current containment for the pair and, when it
// differs from the stored value, persists the new state and returns the
// transition. Unchanged containment persists nothing.
func (t *Tracker) Evaluate(ctx context.Context, vehicleID string, g domain.Geofence, p domain.Point, now time.Time) (domain.Transition, error) {
	inside, err := geo.Contains(p, g)
	if err != nil {
		return domain.TransitionNone, err
	}

	prev, err := t.Store.GetGeofenceStatus(ctx, vehicleID, g.ID)
	if err != nil {
		return domain.TransitionNone, err
	}

	wasInside := prev.Found && prev.Inside
	if inside == wasInside {
		if !prev.Found {
			// Seed state so the next evaluation has a baseline.
			if err := t.Store.SetGeofenceStatus(ctx, store.StatusUpsert{
				VehicleID: vehicleID, GeofenceID: g.ID, Inside: inside, Now: now,
			}); err != nil {
				return domain.TransitionNone, err
			}
		}
		return domain.TransitionNone, nil
	}

	if err := t.Store.SetGeofenceStatus(ctx, store.StatusUpsert{
		VehicleID: vehicleID, GeofenceID: g.ID, Inside: inside, Now: now,
	}); err != nil {
		return domain.TransitionNone, err
	}

	if inside {
		return domain.TransitionEnter, nil
	}
	return domain.TransitionExit, nil
}
