package escalate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"fleetwatch/internal/domain"
	"fleetwatch/internal/notify"
	"fleetwatch/internal/observability"
	"fleetwatch/internal/queue"
	"fleetwatch/internal/store"
	"fleetwatch/internal/util"
)

type Store interface {
	InsertNotification(ctx context.Context, in store.NotificationInsert) error
	MarkNotificationState(ctx context.Context, in store.NotificationStateUpdate) error
	MarkNotificationSent(ctx context.Context, in store.SentUpdate) error
	SetNotificationEscalation(ctx context.Context, in store.EscalationUpdate) error
	MarkNotificationReply(ctx context.Context, in store.ReplyUpdate) error
	GetNotification(ctx context.Context, id string) (domain.AlarmNotification, bool, error)
	LatestUnconfirmedByPhone(ctx context.Context, phone string) (domain.AlarmNotification, bool, error)
}

type ResponsableSource interface {
	ListActiveResponsables(ctx context.Context) ([]domain.Responsable, error)
}

// DefaultConfirmWords is the acknowledgement vocabulary matched
// case-insensitively against inbound reply bodies.
var DefaultConfirmWords = []string{"OK", "SI", "YES", "CONFERMO", "RICEVUTO", "👍"}

// Engine drives the per-notification escalation state machine:
// pending -> sent -> {confirmed | responded | escalated_level2 -> escalated_level3},
// with failed reachable on delivery errors. Each notification owns at most
// one active timer; all transitions are serialized on mu so a reply and a
// firing timer cannot both advance the same notification.
type Engine struct {
	Store        Store
	Notifier     notify.Notifier
	Responsables ResponsableSource
	Limiter      *rate.Limiter
	Breaker      *gobreaker.CircuitBreaker

	Level1Timeout time.Duration
	Level2Timeout time.Duration
	ConfirmWords  []string

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewEngine(st Store, n notify.Notifier, rs ResponsableSource, t1, t2 time.Duration) *Engine {
	return &Engine{
		Store:         st,
		Notifier:      n,
		Responsables:  rs,
		Level1Timeout: t1,
		Level2Timeout: t2,
		ConfirmWords:  DefaultConfirmWords,
		timers:        make(map[string]*time.Timer),
	}
}

// ProcessTask is the queue drain handler: creates the notification and runs
// the level-1 intake.
func (e *Engine) ProcessTask(ctx context.Context, task queue.Task) error {
	now := util.NowUTC()
	id := util.NewNotificationID()

	if err := e.Store.InsertNotification(ctx, store.NotificationInsert{
		ID:        id,
		AlarmID:   task.Alarm.ID,
		EventID:   task.EventID,
		VehicleID: task.VehicleID,
		Recipient: util.NormalizePhone(task.Recipient),
		Message:   task.Message,
		State:     domain.StatePending,
		Level:     1,
		Now:       now,
	}); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	if err := e.send(ctx, task.Recipient, task.Message); err != nil {
		slog.Warn("level-1 delivery failed, escalating immediately",
			"notification_id", id, "recipient", task.Recipient, "err", err)
		if merr := e.Store.MarkNotificationState(ctx, store.NotificationStateUpdate{
			ID: id, State: domain.StateFailed, LastError: err.Error(), Now: util.NowUTC(),
		}); merr != nil {
			return merr
		}
		// Undeliverable level 1 is treated as an implicit timeout.
		return e.escalateLevel2(ctx, id)
	}

	sentAt := util.NowUTC()
	nextAt := sentAt.Add(e.Level1Timeout)
	if err := e.Store.MarkNotificationSent(ctx, store.SentUpdate{
		ID: id, NextEscalationAt: nextAt, Now: sentAt,
	}); err != nil {
		return err
	}
	observability.Escalations.WithLabelValues("1").Inc()
	slog.Info("notification sent", "notification_id", id, "recipient", task.Recipient, "next_escalation_at", nextAt)

	e.schedule(id, e.Level1Timeout, func() {
		if err := e.escalateLevel2(context.Background(), id); err != nil {
			slog.Error("level-2 escalation failed", "notification_id", id, "err", err)
		}
	})
	return nil
}

// HandleReply matches an inbound reply to the most recent unconfirmed
// notification for the sender, records the outcome and cancels the pending
// escalation timer. Safe against a concurrently firing timer: both paths
// hold mu, and the timer path re-checks the persisted state.
func (e *Engine) HandleReply(ctx context.Context, recipient, body string) error {
	recipient = util.NormalizePhone(recipient)

	e.mu.Lock()
	defer e.mu.Unlock()

	n, found, err := e.Store.LatestUnconfirmedByPhone(ctx, recipient)
	if err != nil {
		return err
	}
	if !found {
		observability.Replies.WithLabelValues("unmatched").Inc()
		slog.Info("reply with no outstanding notification", "recipient", recipient)
		return nil
	}

	state := domain.StateResponded
	outcome := "responded"
	if e.isConfirmation(body) {
		state = domain.StateConfirmed
		outcome = "confirmed"
	}

	if err := e.Store.MarkNotificationReply(ctx, store.ReplyUpdate{
		ID: n.ID, State: state, Now: util.NowUTC(),
	}); err != nil {
		return err
	}
	e.cancelLocked(n.ID)
	observability.Replies.WithLabelValues(outcome).Inc()
	slog.Info("reply recorded", "notification_id", n.ID, "outcome", outcome)
	return nil
}

func (e *Engine) isConfirmation(body string) bool {
	b := strings.ToUpper(strings.TrimSpace(body))
	words := e.ConfirmWords
	if len(words) == 0 {
		words = DefaultConfirmWords
	}
	for _, w := range words {
		if b == strings.ToUpper(w) {
			return true
		}
	}
	return false
}

// escalateLevel2 resends an urgent variant to the driver and arms the
// level-2 timer. It aborts unless the notification is still awaiting a
// level-1 acknowledgement (sent, or failed when delivery fell through).
func (e *Engine) escalateLevel2(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, found, err := e.Store.GetNotification(ctx, id)
	if err != nil {
		e.cancelLocked(id)
		return err
	}
	if !found {
		e.cancelLocked(id)
		return domain.ErrNotificationNotFound
	}
	if n.State != domain.StateSent && n.State != domain.StateFailed {
		// The timer lost the race against a reply; drop its entry.
		e.cancelLocked(id)
		slog.Info("skipping level-2 escalation, state changed", "notification_id", id, "state", string(n.State))
		return nil
	}

	urgent := "URGENTE: " + n.Message + " - rispondere subito"
	sendErr := e.send(ctx, n.Recipient, urgent)

	now := util.NowUTC()
	nextAt := now.Add(e.Level2Timeout)
	if err := e.Store.SetNotificationEscalation(ctx, store.EscalationUpdate{
		ID:               id,
		State:            domain.StateEscalatedLevel2,
		Level:            2,
		CallPlaced:       true,
		NextEscalationAt: &nextAt,
		Now:              now,
	}); err != nil {
		e.cancelLocked(id)
		return err
	}
	observability.Escalations.WithLabelValues("2").Inc()
	slog.Info("escalated to level 2", "notification_id", id, "recipient", n.Recipient)

	if sendErr != nil {
		slog.Warn("level-2 delivery failed, escalating immediately", "notification_id", id, "err", sendErr)
		return e.escalateLevel3Locked(ctx, id)
	}

	e.scheduleLocked(id, e.Level2Timeout, func() {
		if err := e.escalateLevel3(context.Background(), id); err != nil {
			slog.Error("level-3 escalation failed", "notification_id", id, "err", err)
		}
	})
	return nil
}

func (e *Engine) escalateLevel3(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.escalateLevel3Locked(ctx, id)
}

// escalateLevel3Locked notifies every active responsable in priority order
// and finalizes the notification. Terminal: no further timers.
func (e *Engine) escalateLevel3Locked(ctx context.Context, id string) error {
	n, found, err := e.Store.GetNotification(ctx, id)
	if err != nil {
		e.cancelLocked(id)
		return err
	}
	if !found {
		e.cancelLocked(id)
		return domain.ErrNotificationNotFound
	}
	if n.State != domain.StateEscalatedLevel2 {
		e.cancelLocked(id)
		slog.Info("skipping level-3 escalation, state changed", "notification_id", id, "state", string(n.State))
		return nil
	}

	responsables, err := e.Responsables.ListActiveResponsables(ctx)
	if err != nil {
		e.cancelLocked(id)
		return fmt.Errorf("list responsables: %w", err)
	}

	msg := e.level3Message(n)
	delivered := 0
	for _, r := range responsables {
		if err := e.send(ctx, r.Phone, msg); err != nil {
			slog.Error("responsable notification failed",
				"notification_id", id, "responsable", r.Name, "priority", r.Priority, "err", err)
			continue
		}
		delivered++
	}

	now := util.NowUTC()
	if err := e.Store.SetNotificationEscalation(ctx, store.EscalationUpdate{
		ID:         id,
		State:      domain.StateEscalatedLevel3,
		Level:      3,
		CallPlaced: n.CallPlaced,
		Now:        now,
	}); err != nil {
		e.cancelLocked(id)
		return err
	}
	e.cancelLocked(id)
	observability.Escalations.WithLabelValues("3").Inc()
	slog.Warn("escalated to level 3", "notification_id", id,
		"responsables_notified", delivered, "responsables_total", len(responsables))
	return nil
}

func (e *Engine) level3Message(n domain.AlarmNotification) string {
	var b strings.Builder
	b.WriteString("ALLARME NON CONFERMATO livello 3\n")
	b.WriteString("Veicolo: " + n.VehicleID + "\n")
	b.WriteString("Autista: " + n.Recipient + "\n")
	b.WriteString("Messaggio originale: " + n.Message + "\n")
	if n.SentAt != nil {
		b.WriteString("Inviato: " + n.SentAt.Format(time.RFC3339) + "\n")
	}
	b.WriteString("Escalation livello: " + strconv.Itoa(n.EscalationLevel))
	return b.String()
}

// send applies the rate limiter and circuit breaker around the channel. A
// breaker-open result is a delivery failure like any other.
func (e *Engine) send(ctx context.Context, recipient, message string) error {
	if e.Limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := e.Limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			observability.ChatSend.WithLabelValues("rate_limited_local").Inc()
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	start := time.Now()
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
		defer cancel()
		res, err := e.Notifier.Send(reqCtx, recipient, message)
		if err != nil {
			return nil, err
		}
		if !res.Delivered {
			return nil, errors.New("channel reported undelivered")
		}
		return res, nil
	}

	var err error
	if e.Breaker != nil {
		_, err = e.Breaker.Execute(call)
	} else {
		_, err = call()
	}

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.ChatSend.WithLabelValues("cb_open").Inc()
		} else {
			observability.ChatSend.WithLabelValues("error").Inc()
		}
		return err
	}
	observability.ChatSend.WithLabelValues("ok").Inc()
	observability.ChatLatency.Observe(time.Since(start).Seconds())
	return nil
}

// schedule arms the single timer for a notification id, replacing any prior
// one.
func (e *Engine) schedule(id string, d time.Duration, fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduleLocked(id, d, fn)
}

func (e *Engine) scheduleLocked(id string, d time.Duration, fn func()) {
	if e.stopped {
		return
	}
	if prev, ok := e.timers[id]; ok {
		prev.Stop()
	}
	e.timers[id] = time.AfterFunc(d, fn)
}

func (e *Engine) cancelLocked(id string) {
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}

// Stop cancels every pending timer and prevents new ones. Persisted
// notification state is left untouched.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

// ActiveTimers reports how many escalations are currently armed.
func (e *Engine) ActiveTimers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}
