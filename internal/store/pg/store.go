package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"fleetwatch/internal/domain"
	"fleetwatch/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) UpsertVehicle(ctx context.Context, in store.VehicleUpsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO vehicles (id, external_id, plate, name, fleet_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,true,$6,$6)
		ON CONFLICT (external_id)
		DO UPDATE SET plate=$3, name=$4, fleet_id=$5, updated_at=$6
	`, in.ID, in.ExternalID, in.Plate, in.Name, nullIfEmpty(in.FleetID), in.Now)
	return err
}

func (s *Store) DeactivateVehicle(ctx context.Context, vehicleID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE vehicles SET active=false, updated_at=$2 WHERE id=$1
	`, vehicleID, now)
	return err
}

func (s *Store) GetVehicleByExternalID(ctx context.Context, externalID string) (domain.Vehicle, bool, error) {
	var v domain.Vehicle
	row := s.DB.QueryRow(ctx, `
		SELECT id, external_id, plate, COALESCE(name,''), COALESCE(fleet_id,''), active, created_at, updated_at
		FROM vehicles WHERE external_id=$1
	`, externalID)
	err := row.Scan(&v.ID, &v.ExternalID, &v.Plate, &v.Name, &v.FleetID, &v.Active, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return domain.Vehicle{}, false, nil
		}
		return domain.Vehicle{}, false, err
	}
	return v, true, nil
}

func (s *Store) UpsertPosition(ctx context.Context, in store.PositionUpsert) error {
	b, _ := json.Marshal(in.Sensors)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO positions (vehicle_id, latitude, longitude, speed_kmh, heading, fixed_at, sensors_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (vehicle_id)
		DO UPDATE SET latitude=$2, longitude=$3, speed_kmh=$4, heading=$5, fixed_at=$6, sensors_json=$7
	`, in.VehicleID, in.Latitude, in.Longitude, in.SpeedKmh, in.Heading, in.FixedAt, b)
	return err
}

func (s *Store) GetPosition(ctx context.Context, vehicleID string) (domain.Position, bool, error) {
	var p domain.Position
	var sensorsJSON []byte
	row := s.DB.QueryRow(ctx, `
		SELECT vehicle_id, latitude, longitude, speed_kmh, heading, fixed_at, sensors_json
		FROM positions WHERE vehicle_id=$1
	`, vehicleID)
	err := row.Scan(&p.VehicleID, &p.Latitude, &p.Longitude, &p.SpeedKmh, &p.Heading, &p.FixedAt, &sensorsJSON)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return domain.Position{}, false, nil
		}
		return domain.Position{}, false, err
	}
	_ = json.Unmarshal(sensorsJSON, &p.Sensors)
	return p, true, nil
}

func (s *Store) GetGeofenceStatus(ctx context.Context, vehicleID, geofenceID string) (store.StatusResult, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT inside, changed_at FROM geofence_status WHERE vehicle_id=$1 AND geofence_id=$2
	`, vehicleID, geofenceID)
	var out store.StatusResult
	err := row.Scan(&out.Inside, &out.ChangedAt)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return store.StatusResult{Found: false}, nil
		}
		return store.StatusResult{}, err
	}
	out.Found = true
	return out, nil
}

func (s *Store) SetGeofenceStatus(ctx context.Context, in store.StatusUpsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO geofence_status (vehicle_id, geofence_id, inside, changed_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (vehicle_id, geofence_id)
		DO UPDATE SET inside=$3, changed_at=$4
	`, in.VehicleID, in.GeofenceID, in.Inside, in.Now)
	return err
}

func (s *Store) InsertEvent(ctx context.Context, in store.EventInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO events (id, type, vehicle_id, geofence_id, target_id, latitude, longitude, message, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, in.ID, string(in.Type), in.VehicleID, nullIfEmpty(in.GeofenceID), in.TargetID,
		in.Latitude, in.Longitude, nullIfEmpty(in.Message), in.Now)
	return err
}

// EventExistsToday is the dedup guard: has this condition already fired for
// this target on the given calendar day.
func (s *Store) EventExistsToday(ctx context.Context, targetID string, typ domain.EventType, day time.Time) (bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT 1 FROM events
		WHERE target_id=$1 AND type=$2 AND occurred_at >= $3 AND occurred_at < $4
		LIMIT 1
	`, targetID, string(typ), startOfDay(day), startOfDay(day).AddDate(0, 0, 1))
	var one int
	err := row.Scan(&one)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) InsertNotification(ctx context.Context, in store.NotificationInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO alarm_notifications
			(id, alarm_id, event_id, vehicle_id, recipient, message, state, escalation_level, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
	`, in.ID, nullIfEmpty(in.AlarmID), nullIfEmpty(in.EventID), in.VehicleID,
		in.Recipient, in.Message, string(in.State), in.Level, in.Now)
	return err
}

func (s *Store) MarkNotificationState(ctx context.Context, in store.NotificationStateUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE alarm_notifications SET state=$2, last_error=$3, updated_at=$4 WHERE id=$1
	`, in.ID, string(in.State), nullIfEmpty(in.LastError), in.Now)
	return err
}

func (s *Store) MarkNotificationSent(ctx context.Context, in store.SentUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE alarm_notifications
		SET state=$2, sent_at=$3, next_escalation_at=$4, updated_at=$3
		WHERE id=$1
	`, in.ID, string(domain.StateSent), in.Now, in.NextEscalationAt)
	return err
}

func (s *Store) SetNotificationEscalation(ctx context.Context, in store.EscalationUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE alarm_notifications
		SET state=$2, escalation_level=$3, call_placed=$4, next_escalation_at=$5, updated_at=$6
		WHERE id=$1
	`, in.ID, string(in.State), in.Level, in.CallPlaced, in.NextEscalationAt, in.Now)
	return err
}

func (s *Store) MarkNotificationReply(ctx context.Context, in store.ReplyUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE alarm_notifications
		SET state=$2, responded_at=$3, next_escalation_at=NULL, updated_at=$3
		WHERE id=$1
	`, in.ID, string(in.State), in.Now)
	return err
}

func (s *Store) GetNotification(ctx context.Context, id string) (domain.AlarmNotification, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, COALESCE(alarm_id,''), COALESCE(event_id,''), vehicle_id, recipient, message,
		       state, escalation_level, call_placed, sent_at, responded_at, next_escalation_at,
		       created_at, updated_at
		FROM alarm_notifications WHERE id=$1
	`, id)
	return scanNotification(row)
}

// LatestUnconfirmedByPhone finds the notification an inbound reply should be
// matched against: the most recent one for the recipient still awaiting an
// acknowledgement.
func (s *Store) LatestUnconfirmedByPhone(ctx context.Context, phone string) (domain.AlarmNotification, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, COALESCE(alarm_id,''), COALESCE(event_id,''), vehicle_id, recipient, message,
		       state, escalation_level, call_placed, sent_at, responded_at, next_escalation_at,
		       created_at, updated_at
		FROM alarm_notifications
		WHERE recipient=$1 AND state IN ('sent','escalated_level2')
		ORDER BY created_at DESC
		LIMIT 1
	`, phone)
	return scanNotification(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (domain.AlarmNotification, bool, error) {
	var n domain.AlarmNotification
	var state string
	err := row.Scan(&n.ID, &n.AlarmID, &n.EventID, &n.VehicleID, &n.Recipient, &n.Message,
		&state, &n.EscalationLevel, &n.CallPlaced, &n.SentAt, &n.RespondedAt, &n.NextEscalationAt,
		&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return domain.AlarmNotification{}, false, nil
		}
		return domain.AlarmNotification{}, false, err
	}
	n.State = domain.NotificationState(state)
	return n, true, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
