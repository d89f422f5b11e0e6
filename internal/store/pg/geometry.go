package pg

import (
	"context"
	"encoding/json"
	"time"

	"fleetwatch/internal/domain"
)

// Geometry reads are owned by the external CRUD layer; the core only lists.

func (s *Store) ListActiveGeofences(ctx context.Context) ([]domain.Geofence, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, name, kind, center_lat, center_lng, radius_meters, vertices_json, active
		FROM geofences WHERE active=true
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Geofence
	for rows.Next() {
		var g domain.Geofence
		var kind string
		var verticesJSON []byte
		if err := rows.Scan(&g.ID, &g.Name, &kind, &g.Center.Latitude, &g.Center.Longitude,
			&g.RadiusMeters, &verticesJSON, &g.Active); err != nil {
			return nil, err
		}
		g.Kind = domain.GeofenceKind(kind)
		if len(verticesJSON) > 0 {
			var pairs [][2]float64
			if err := json.Unmarshal(verticesJSON, &pairs); err == nil {
				for _, p := range pairs {
					g.Vertices = append(g.Vertices, domain.Point{Latitude: p[0], Longitude: p[1]})
				}
			}
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) GetGeofence(ctx context.Context, id string) (domain.Geofence, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, name, kind, center_lat, center_lng, radius_meters, vertices_json, active
		FROM geofences WHERE id=$1
	`, id)
	var g domain.Geofence
	var kind string
	var verticesJSON []byte
	err := row.Scan(&g.ID, &g.Name, &kind, &g.Center.Latitude, &g.Center.Longitude,
		&g.RadiusMeters, &verticesJSON, &g.Active)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return domain.Geofence{}, false, nil
		}
		return domain.Geofence{}, false, err
	}
	g.Kind = domain.GeofenceKind(kind)
	if len(verticesJSON) > 0 {
		var pairs [][2]float64
		if err := json.Unmarshal(verticesJSON, &pairs); err == nil {
			for _, p := range pairs {
				g.Vertices = append(g.Vertices, domain.Point{Latitude: p[0], Longitude: p[1]})
			}
		}
	}
	return g, true, nil
}

func (s *Store) ListAlarmsFor(ctx context.Context, vehicleID, geofenceID string) ([]domain.Alarm, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, name, COALESCE(vehicle_id,''), COALESCE(geofence_id,''), on_enter, on_exit,
		       COALESCE(window_start,''), COALESCE(window_end,''), COALESCE(days,'{}'),
		       recipient, COALESCE(template,''), active
		FROM alarms
		WHERE active=true
		  AND (vehicle_id IS NULL OR vehicle_id=$1)
		  AND (geofence_id IS NULL OR geofence_id=$2)
	`, vehicleID, geofenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Alarm
	for rows.Next() {
		var a domain.Alarm
		var days []int32
		if err := rows.Scan(&a.ID, &a.Name, &a.VehicleID, &a.GeofenceID, &a.OnEnter, &a.OnExit,
			&a.WindowStart, &a.WindowEnd, &days, &a.Recipient, &a.Template, &a.Active); err != nil {
			return nil, err
		}
		for _, d := range days {
			a.Days = append(a.Days, time.Weekday(d))
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListScheduledCheckpoints(ctx context.Context) ([]domain.Checkpoint, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, vehicle_id, geofence_id, kind, expected_at, tolerance_seconds, recipient
		FROM checkpoints WHERE expected_at::date = CURRENT_DATE
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Checkpoint
	for rows.Next() {
		var cp domain.Checkpoint
		var kind string
		var toleranceSec int64
		if err := rows.Scan(&cp.ID, &cp.VehicleID, &cp.GeofenceID, &kind,
			&cp.ExpectedAt, &toleranceSec, &cp.Recipient); err != nil {
			return nil, err
		}
		cp.Kind = domain.CheckpointKind(kind)
		cp.Tolerance = time.Duration(toleranceSec) * time.Second
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *Store) ListActiveResponsables(ctx context.Context) ([]domain.Responsable, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, name, phone, priority, active
		FROM responsables WHERE active=true
		ORDER BY priority ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Responsable
	for rows.Next() {
		var r domain.Responsable
		if err := rows.Scan(&r.ID, &r.Name, &r.Phone, &r.Priority, &r.Active); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
