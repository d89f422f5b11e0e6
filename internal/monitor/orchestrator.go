package monitor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"fleetwatch/internal/domain"
	"fleetwatch/internal/fence"
	"fleetwatch/internal/observability"
	"fleetwatch/internal/queue"
	"fleetwatch/internal/schedule"
	"fleetwatch/internal/store"
	"fleetwatch/internal/telemetry"
	"fleetwatch/internal/util"
)

type Store interface {
	UpsertVehicle(ctx context.Context, in store.VehicleUpsert) error
	GetVehicleByExternalID(ctx context.Context, externalID string) (domain.Vehicle, bool, error)
	UpsertPosition(ctx context.Context, in store.PositionUpsert) error
	InsertEvent(ctx context.Context, in store.EventInsert) error
}

type Geometry interface {
	ListActiveGeofences(ctx context.Context) ([]domain.Geofence, error)
	ListAlarmsFor(ctx context.Context, vehicleID, geofenceID string) ([]domain.Alarm, error)
}

type TelemetrySource interface {
	FetchAllPositions(ctx context.Context) ([]telemetry.VehicleFix, error)
}

type Status struct {
	Running             bool  `json:"running"`
	QueueDepth          int   `json:"queueDepth"`
	ConsecutiveFailures int64 `json:"consecutiveFailures"`
	Healthy             bool  `json:"healthy"`
}

const defaultAlertTemplate = "Veicolo {plate} {event} zona {zone} alle {time}"

// Orchestrator drives one detection tick per interval: fetch positions,
// refresh the vehicle registry, evaluate every (vehicle, active geofence)
// pair, and run the deadline checker. Ticks never overlap; notification I/O
// happens only in the queue drain loop.
type Orchestrator struct {
	Telemetry       TelemetrySource
	Store           Store
	Geometry        Geometry
	Tracker         *fence.Tracker
	Checker         *schedule.Checker
	Queue           *queue.Queue
	FetchRetries    int
	FailureLogAfter int

	running     atomic.Bool
	inTick      atomic.Bool
	consecFails atomic.Int64
}

func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	o.running.Store(true)
	defer o.running.Store(false)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

// tick runs a single detection cycle. The reentrancy guard drops a tick when
// the previous one is still in flight.
func (o *Orchestrator) tick(ctx context.Context) {
	if !o.inTick.CompareAndSwap(false, true) {
		slog.Warn("previous tick still running, skipping")
		observability.Ticks.WithLabelValues("skipped").Inc()
		return
	}
	defer o.inTick.Store(false)

	start := time.Now()
	now := util.NowUTC()

	fixes, err := o.fetchWithRetries(ctx)
	if err != nil {
		fails := o.consecFails.Add(1)
		observability.FetchFailures.Set(float64(fails))
		observability.Ticks.WithLabelValues("fetch_failed").Inc()
		if fails == int64(max(o.FailureLogAfter, 1)) {
			slog.Error("telemetry fetch failing repeatedly", "consecutive_failures", fails, "err", err)
		} else if fails < int64(max(o.FailureLogAfter, 1)) {
			slog.Warn("telemetry fetch failed", "consecutive_failures", fails, "err", err)
		}
		// Deadline checks need only stored positions and the clock, so the
		// feed being down does not stop them.
		o.runDeadlineChecks(ctx, now)
		return
	}
	if o.consecFails.Swap(0) > 0 {
		slog.Info("telemetry fetch recovered")
	}
	observability.FetchFailures.Set(0)

	geofences, err := o.Geometry.ListActiveGeofences(ctx)
	if err != nil {
		slog.Error("listing active geofences failed", "err", err)
		observability.Ticks.WithLabelValues("error").Inc()
		return
	}

	for _, fix := range fixes {
		if err := o.processFix(ctx, fix, geofences, now); err != nil {
			slog.Error("processing fix failed", "external_id", fix.VehicleID, "err", err)
		}
	}

	o.runDeadlineChecks(ctx, now)

	observability.Ticks.WithLabelValues("ok").Inc()
	slog.Info("tick complete", "vehicles", len(fixes), "geofences", len(geofences),
		"pairs", len(fixes)*len(geofences), "duration", time.Since(start))
}

func (o *Orchestrator) runDeadlineChecks(ctx context.Context, now time.Time) {
	if o.Checker == nil {
		return
	}
	if err := o.Checker.Run(ctx, now); err != nil {
		slog.Error("deadline check failed", "err", err)
	}
}

func (o *Orchestrator) fetchWithRetries(ctx context.Context) ([]telemetry.VehicleFix, error) {
	retries := max(o.FetchRetries, 1)
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		fixes, err := o.Telemetry.FetchAllPositions(ctx)
		if err == nil {
			return fixes, nil
		}
		lastErr = err
		if !telemetry.ShouldRetry(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(telemetry.Backoff(attempt)):
		}
	}
	return nil, lastErr
}

func (o *Orchestrator) processFix(ctx context.Context, fix telemetry.VehicleFix, geofences []domain.Geofence, now time.Time) error {
	v, found, err := o.Store.GetVehicleByExternalID(ctx, fix.VehicleID)
	if err != nil {
		return err
	}

	vehicleID := v.ID
	switch {
	case !found:
		vehicleID = util.NewVehicleID()
		if err := o.Store.UpsertVehicle(ctx, store.VehicleUpsert{
			ID: vehicleID, ExternalID: fix.VehicleID, Plate: fix.Plate,
			Name: fix.Name, FleetID: fix.FleetID, Now: now,
		}); err != nil {
			return err
		}
		slog.Info("vehicle first sighting", "vehicle_id", vehicleID, "plate", fix.Plate)
	case v.Plate != fix.Plate || v.Name != fix.Name || v.FleetID != fix.FleetID:
		if err := o.Store.UpsertVehicle(ctx, store.VehicleUpsert{
			ID: v.ID, ExternalID: fix.VehicleID, Plate: fix.Plate,
			Name: fix.Name, FleetID: fix.FleetID, Now: now,
		}); err != nil {
			return err
		}
	}

	if err := o.Store.UpsertPosition(ctx, store.PositionUpsert{
		VehicleID: vehicleID,
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		SpeedKmh:  fix.SpeedKmh,
		Heading:   fix.Heading,
		FixedAt:   fix.Timestamp,
		Sensors:   fix.Sensors,
	}); err != nil {
		return err
	}

	if found && !v.Active {
		return nil
	}

	point := domain.Point{Latitude: fix.Latitude, Longitude: fix.Longitude}
	plate := fix.Plate
	for _, g := range geofences {
		tr, err := o.Tracker.Evaluate(ctx, vehicleID, g, point, now)
		if err != nil {
			// Bad geometry on one fence must not stop the rest.
			slog.Error("geofence evaluation failed", "geofence_id", g.ID, "vehicle_id", vehicleID, "err", err)
			continue
		}
		if tr == domain.TransitionNone {
			continue
		}
		if err := o.handleTransition(ctx, vehicleID, plate, g, point, tr, now); err != nil {
			slog.Error("transition handling failed", "geofence_id", g.ID, "vehicle_id", vehicleID, "err", err)
		}
	}
	return nil
}

func (o *Orchestrator) handleTransition(ctx context.Context, vehicleID, plate string, g domain.Geofence, p domain.Point, tr domain.Transition, now time.Time) error {
	typ := domain.EventEnter
	if tr == domain.TransitionExit {
		typ = domain.EventExit
	}
	observability.Transitions.WithLabelValues(string(typ)).Inc()

	eventID := util.NewEventID()
	msg := renderAlert(defaultAlertTemplate, plate, g.Name, tr, now)
	if err := o.Store.InsertEvent(ctx, store.EventInsert{
		ID:         eventID,
		Type:       typ,
		VehicleID:  vehicleID,
		GeofenceID: g.ID,
		TargetID:   vehicleID + ":" + g.ID,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
		Message:    msg,
		Now:        now,
	}); err != nil {
		return err
	}
	slog.Info("geofence transition", "vehicle_id", vehicleID, "geofence", g.Name, "transition", tr.String())

	alarms, err := o.Geometry.ListAlarmsFor(ctx, vehicleID, g.ID)
	if err != nil {
		return err
	}
	for _, a := range alarms {
		if !a.Matches(vehicleID, g.ID, tr, now) {
			continue
		}
		body := msg
		if a.Template != "" {
			body = renderAlert(a.Template, plate, g.Name, tr, now)
		}
		o.Queue.Enqueue(queue.Task{
			Type:       typ,
			Alarm:      a,
			EventID:    eventID,
			VehicleID:  vehicleID,
			Plate:      plate,
			ZoneName:   g.Name,
			Recipient:  a.Recipient,
			Message:    body,
			EnqueuedAt: now,
		})
	}
	return nil
}

func renderAlert(tmpl, plate, zone string, tr domain.Transition, now time.Time) string {
	event := "entrato in"
	if tr == domain.TransitionExit {
		event = "uscito da"
	}
	return util.RenderTemplate(tmpl, map[string]string{
		"plate": plate,
		"zone":  zone,
		"event": event,
		"time":  now.Format("15:04"),
	})
}

// Status is the snapshot polled by the ops surface.
func (o *Orchestrator) Status() Status {
	fails := o.consecFails.Load()
	threshold := int64(max(o.FailureLogAfter, 1))
	running := o.running.Load()
	return Status{
		Running:             running,
		QueueDepth:          o.Queue.Depth(),
		ConsecutiveFailures: fails,
		Healthy:             running && fails < threshold,
	}
}
