package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	Ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleetwatch_ticks_total", Help: "Detection ticks"},
		[]string{"result"},
	)
	FetchFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "fleetwatch_fetch_consecutive_failures", Help: "Consecutive telemetry fetch failures"},
	)
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleetwatch_geofence_transitions_total", Help: "Geofence transitions detected"},
		[]string{"type"},
	)
	DeadlineEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleetwatch_deadline_events_total", Help: "Deadline violations detected"},
		[]string{"type"},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "fleetwatch_alarm_queue_depth", Help: "Pending alarm tasks"},
	)
	QueueDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "fleetwatch_alarm_queue_dropped_total", Help: "Tasks dropped on queue overflow"},
	)
	TaskErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "fleetwatch_alarm_task_errors_total", Help: "Alarm task processing errors"},
	)
	ChatSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleetwatch_chat_send_total", Help: "Chat channel send outcomes"},
		[]string{"result"},
	)
	ChatLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "fleetwatch_chat_send_latency_seconds", Help: "Chat channel send latency"},
	)
	Escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleetwatch_escalations_total", Help: "Escalation transitions"},
		[]string{"level"},
	)
	Replies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleetwatch_replies_total", Help: "Inbound replies"},
		[]string{"outcome"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(Ticks, FetchFailures, Transitions, DeadlineEvents,
		QueueDepth, QueueDropped, TaskErrors, ChatSend, ChatLatency,
		Escalations, Replies)
}
