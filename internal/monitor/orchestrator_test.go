package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetwatch/internal/domain"
	"fleetwatch/internal/fence"
	"fleetwatch/internal/queue"
	"fleetwatch/internal/schedule"
	"fleetwatch/internal/store"
	"fleetwatch/internal/telemetry"
)

type fakeStore struct {
	mu        sync.Mutex
	vehicles  map[string]domain.Vehicle // by external id
	positions map[string]store.PositionUpsert
	statuses  map[string]store.StatusResult
	events    []store.EventInsert
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		vehicles:  make(map[string]domain.Vehicle),
		positions: make(map[string]store.PositionUpsert),
		statuses:  make(map[string]store.StatusResult),
	}
}

func (f *fakeStore) UpsertVehicle(_ context.Context, in store.VehicleUpsert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vehicles[in.ExternalID]
	if !ok {
		v = domain.Vehicle{ID: in.ID, ExternalID: in.ExternalID, Active: true, CreatedAt: in.Now}
	}
	v.Plate = in.Plate
	v.Name = in.Name
	v.FleetID = in.FleetID
	v.UpdatedAt = in.Now
	f.vehicles[in.ExternalID] = v
	return nil
}

func (f *fakeStore) GetVehicleByExternalID(_ context.Context, externalID string) (domain.Vehicle, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vehicles[externalID]
	return v, ok, nil
}

func (f *fakeStore) UpsertPosition(_ context.Context, in store.PositionUpsert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[in.VehicleID] = in
	return nil
}

func (f *fakeStore) InsertEvent(_ context.Context, in store.EventInsert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, in)
	return nil
}

func (f *fakeStore) GetGeofenceStatus(_ context.Context, vehicleID, geofenceID string) (store.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[vehicleID+"/"+geofenceID], nil
}

func (f *fakeStore) SetGeofenceStatus(_ context.Context, in store.StatusUpsert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[in.VehicleID+"/"+in.GeofenceID] = store.StatusResult{
		Inside: in.Inside, ChangedAt: in.Now, Found: true,
	}
	return nil
}

type fakeGeometry struct {
	geofences []domain.Geofence
	alarms    []domain.Alarm
}

func (f *fakeGeometry) ListActiveGeofences(_ context.Context) ([]domain.Geofence, error) {
	return f.geofences, nil
}

func (f *fakeGeometry) ListAlarmsFor(_ context.Context, vehicleID, geofenceID string) ([]domain.Alarm, error) {
	var out []domain.Alarm
	for _, a := range f.alarms {
		if (a.VehicleID == "" || a.VehicleID == vehicleID) &&
			(a.GeofenceID == "" || a.GeofenceID == geofenceID) {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeTelemetry struct {
	mu    sync.Mutex
	fixes []telemetry.VehicleFix
	err   error
	calls int
}

func (f *fakeTelemetry) FetchAllPositions(_ context.Context) ([]telemetry.VehicleFix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.fixes, nil
}

var warehouse = domain.Geofence{
	ID:           "gf-wh",
	Name:         "Warehouse",
	Kind:         domain.GeofenceCircle,
	Center:       domain.Point{Latitude: 45.0, Longitude: 9.0},
	RadiusMeters: 500,
	Active:       true,
}

func insideFix() telemetry.VehicleFix {
	return telemetry.VehicleFix{
		VehicleID: "ext-1",
		Plate:     "AB123CD",
		Name:      "Furgone 1",
		Latitude:  45.0,
		Longitude: 9.0,
		SpeedKmh:  32,
		Timestamp: time.Now(),
		Sensors:   map[string]string{"ignition": "on"},
	}
}

func outsideFix() telemetry.VehicleFix {
	fix := insideFix()
	fix.Latitude = 45.2
	return fix
}

func newOrchestrator(st *fakeStore, tel *fakeTelemetry, geom *fakeGeometry, q *queue.Queue) *Orchestrator {
	return &Orchestrator{
		Telemetry:       tel,
		Store:           st,
		Geometry:        geom,
		Tracker:         &fence.Tracker{Store: st},
		Queue:           q,
		FetchRetries:    1,
		FailureLogAfter: 3,
	}
}

func TestTickEnterTransitionQueuesAlarm(t *testing.T) {
	st := newFakeStore()
	tel := &fakeTelemetry{fixes: []telemetry.VehicleFix{insideFix()}}
	geom := &fakeGeometry{
		geofences: []domain.Geofence{warehouse},
		alarms: []domain.Alarm{{
			ID: "al-1", GeofenceID: "gf-wh", OnEnter: true,
			Recipient: "+39333000111", Active: true,
		}},
	}
	q := queue.New(10)
	o := newOrchestrator(st, tel, geom, q)

	o.tick(context.Background())

	if len(st.vehicles) != 1 {
		t.Fatalf("vehicle not created on first sighting: %v", st.vehicles)
	}
	if len(st.positions) != 1 {
		t.Fatal("position not upserted")
	}
	if len(st.events) != 1 || st.events[0].Type != domain.EventEnter {
		t.Fatalf("expected one enter event, got %v", st.events)
	}
	if q.Depth() != 1 {
		t.Fatalf("expected one queued alarm task, depth=%d", q.Depth())
	}
	if !strings.Contains(st.events[0].Message, "AB123CD") || !strings.Contains(st.events[0].Message, "Warehouse") {
		t.Fatalf("alert message must carry plate and zone: %q", st.events[0].Message)
	}
}

func TestTickNoTransitionNoAlarm(t *testing.T) {
	st := newFakeStore()
	tel := &fakeTelemetry{fixes: []telemetry.VehicleFix{insideFix()}}
	geom := &fakeGeometry{
		geofences: []domain.Geofence{warehouse},
		alarms:    []domain.Alarm{{ID: "al-1", OnEnter: true, Recipient: "+39", Active: true}},
	}
	q := queue.New(10)
	o := newOrchestrator(st, tel, geom, q)

	o.tick(context.Background())
	o.tick(context.Background()) // still inside, no new transition

	if len(st.events) != 1 {
		t.Fatalf("expected a single enter event across ticks, got %d", len(st.events))
	}
	if q.Depth() != 1 {
		t.Fatalf("expected a single queued task, depth=%d", q.Depth())
	}
}

func TestTickExitTransition(t *testing.T) {
	st := newFakeStore()
	tel := &fakeTelemetry{fixes: []telemetry.VehicleFix{insideFix()}}
	geom := &fakeGeometry{
		geofences: []domain.Geofence{warehouse},
		alarms:    []domain.Alarm{{ID: "al-1", OnExit: true, Recipient: "+39", Active: true}},
	}
	q := queue.New(10)
	o := newOrchestrator(st, tel, geom, q)

	o.tick(context.Background())
	tel.mu.Lock()
	tel.fixes = []telemetry.VehicleFix{outsideFix()}
	tel.mu.Unlock()
	o.tick(context.Background())

	if len(st.events) != 2 || st.events[1].Type != domain.EventExit {
		t.Fatalf("expected enter then exit, got %v", st.events)
	}
	// Alarm is exit-only: only the exit queues a task.
	if q.Depth() != 1 {
		t.Fatalf("expected one queued task, depth=%d", q.Depth())
	}
}

func TestFetchFailureDegradesHealth(t *testing.T) {
	st := newFakeStore()
	tel := &fakeTelemetry{err: telemetry.TransientError{Err: errors.New("upstream down")}}
	geom := &fakeGeometry{}
	o := newOrchestrator(st, tel, geom, queue.New(10))
	o.running.Store(true)

	for i := 0; i < 3; i++ {
		o.tick(context.Background())
	}

	s := o.Status()
	if s.ConsecutiveFailures != 3 {
		t.Fatalf("expected 3 consecutive failures, got %d", s.ConsecutiveFailures)
	}
	if s.Healthy {
		t.Fatal("status must be unhealthy at the failure threshold")
	}

	tel.mu.Lock()
	tel.err = nil
	tel.mu.Unlock()
	o.tick(context.Background())

	s = o.Status()
	if s.ConsecutiveFailures != 0 || !s.Healthy {
		t.Fatalf("successful fetch must reset the counter, got %+v", s)
	}
}

type countingCheckpoints struct {
	mu    sync.Mutex
	calls int
}

func (c *countingCheckpoints) ListScheduledCheckpoints(_ context.Context) ([]domain.Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil, nil
}

func (c *countingCheckpoints) GetGeofence(_ context.Context, id string) (domain.Geofence, bool, error) {
	return domain.Geofence{}, false, nil
}

func TestDeadlineChecksRunDuringTelemetryOutage(t *testing.T) {
	st := newFakeStore()
	tel := &fakeTelemetry{err: telemetry.TransientError{Err: errors.New("upstream down")}}
	cps := &countingCheckpoints{}
	q := queue.New(10)
	o := newOrchestrator(st, tel, &fakeGeometry{}, q)
	o.Checker = &schedule.Checker{Geometry: cps, Queue: q}

	o.tick(context.Background())

	if cps.calls != 1 {
		t.Fatalf("deadline checks must run even when the feed is down, calls=%d", cps.calls)
	}
}

func TestTicksDoNotOverlap(t *testing.T) {
	st := newFakeStore()
	tel := &fakeTelemetry{}
	o := newOrchestrator(st, tel, &fakeGeometry{}, queue.New(10))

	o.inTick.Store(true) // a pass is still in flight
	o.tick(context.Background())
	if tel.calls != 0 {
		t.Fatalf("overlapping tick must be skipped, fetches=%d", tel.calls)
	}

	o.inTick.Store(false)
	o.tick(context.Background())
	if tel.calls != 1 {
		t.Fatalf("tick must resume once the previous pass finished, fetches=%d", tel.calls)
	}
}

func TestFetchRetriesBounded(t *testing.T) {
	st := newFakeStore()
	tel := &fakeTelemetry{err: telemetry.TransientError{Err: errors.New("flaky")}}
	o := newOrchestrator(st, tel, &fakeGeometry{}, queue.New(10))
	o.FetchRetries = 3

	o.tick(context.Background())

	if tel.calls != 3 {
		t.Fatalf("expected exactly 3 fetch attempts, got %d", tel.calls)
	}
}

func TestConfigErrorNotRetried(t *testing.T) {
	st := newFakeStore()
	tel := &fakeTelemetry{err: telemetry.ConfigError{Err: errors.New("bad credentials")}}
	o := newOrchestrator(st, tel, &fakeGeometry{}, queue.New(10))
	o.FetchRetries = 3

	o.tick(context.Background())

	if tel.calls != 1 {
		t.Fatalf("configuration errors must not be retried, got %d attempts", tel.calls)
	}
}

func TestDeactivatedVehicleSkipsEvaluation(t *testing.T) {
	st := newFakeStore()
	st.vehicles["ext-1"] = domain.Vehicle{
		ID: "veh-old", ExternalID: "ext-1", Plate: "AB123CD", Name: "Furgone 1", Active: false,
	}
	tel := &fakeTelemetry{fixes: []telemetry.VehicleFix{insideFix()}}
	geom := &fakeGeometry{geofences: []domain.Geofence{warehouse}}
	o := newOrchestrator(st, tel, geom, queue.New(10))

	o.tick(context.Background())

	if len(st.positions) != 1 {
		t.Fatal("deactivated vehicle should still record its position")
	}
	if len(st.events) != 0 {
		t.Fatal("deactivated vehicle must not produce transition events")
	}
}

func TestMetadataRefreshOnChange(t *testing.T) {
	st := newFakeStore()
	tel := &fakeTelemetry{fixes: []telemetry.VehicleFix{insideFix()}}
	o := newOrchestrator(st, tel, &fakeGeometry{}, queue.New(10))

	o.tick(context.Background())

	fix := insideFix()
	fix.Plate = "ZZ999XX"
	tel.mu.Lock()
	tel.fixes = []telemetry.VehicleFix{fix}
	tel.mu.Unlock()
	o.tick(context.Background())

	v := st.vehicles["ext-1"]
	if v.Plate != "ZZ999XX" {
		t.Fatalf("plate change not applied, got %q", v.Plate)
	}
}

func TestAlarmWindowFiltering(t *testing.T) {
	now := time.Date(2026, 8, 30, 23, 30, 0, 0, time.UTC) // Sunday, 23:30

	cases := []struct {
		name  string
		alarm domain.Alarm
		want  bool
	}{
		{"always", domain.Alarm{OnEnter: true, Active: true}, true},
		{"inactive", domain.Alarm{OnEnter: true}, false},
		{"wrong transition", domain.Alarm{OnExit: true, Active: true}, false},
		{"window hit", domain.Alarm{OnEnter: true, Active: true, WindowStart: "22:00", WindowEnd: "06:00"}, true},
		{"window miss", domain.Alarm{OnEnter: true, Active: true, WindowStart: "08:00", WindowEnd: "18:00"}, false},
		{"day hit", domain.Alarm{OnEnter: true, Active: true, Days: []time.Weekday{time.Sunday}}, true},
		{"day miss", domain.Alarm{OnEnter: true, Active: true, Days: []time.Weekday{time.Monday}}, false},
		{"other vehicle", domain.Alarm{OnEnter: true, Active: true, VehicleID: "veh-x"}, false},
	}
	for _, tc := range cases {
		got := tc.alarm.Matches("veh-1", "gf-1", domain.TransitionEnter, now)
		if got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestStatusSnapshot(t *testing.T) {
	st := newFakeStore()
	q := queue.New(10)
	q.Enqueue(queue.Task{})
	o := newOrchestrator(st, &fakeTelemetry{}, &fakeGeometry{}, q)

	s := o.Status()
	if s.Running {
		t.Fatal("not started yet")
	}
	if s.QueueDepth != 1 {
		t.Fatalf("queue depth not reflected, got %d", s.QueueDepth)
	}
}
