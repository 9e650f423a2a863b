package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Events tracks the number of mutation events consumed by the processor.
	Events = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twin_events_total",
		Help: "Total number of mutation events processed",
	})

	// Updates tracks update outcomes by result.
	Updates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twin_updates_total",
		Help: "Thing update outcomes",
	}, []string{"result"}) // ok, oplock, not-found, not-allowed, machine, other

	// ProcessingTime tracks the time required to process one event.
	ProcessingTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "twin_processing_time_seconds",
		Help:    "Time required to process a mutation event",
		Buckets: prometheus.DefBuckets,
	})

	// OutboxEvents tracks the number of generated outbox events.
	OutboxEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twin_outbox_events_total",
		Help: "Total number of generated outbox events",
	})

	// OutboxRetained tracks outbox events that could not be published and
	// stayed in storage for a later drain.
	OutboxRetained = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twin_outbox_retained_total",
		Help: "Outbox events retained after a failed publish",
	})

	// TimerDelay tracks the amount of time by which timers fire late.
	TimerDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "twin_timer_delay_seconds",
		Help:    "Amount of time by which reconciliation timers are delayed",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	})

	// ScriptRuntimeSeconds tracks script execution time.
	ScriptRuntimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "twin_script_runtime_seconds",
		Help:    "Execution time of reconciliation scripts",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	// Wakeups tracks wakeup events dispatched by the waker.
	Wakeups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twin_wakeups_total",
		Help: "Total number of wakeup events dispatched",
	})

	// WakerTickFailures tracks failed waker scan iterations.
	WakerTickFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twin_waker_tick_failures_total",
		Help: "Waker scan iterations that failed",
	})

	// CommandsSent tracks published device commands.
	CommandsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twin_commands_sent_total",
		Help: "Total number of device commands published",
	})

	// NotificationFailures tracks change notifications that could not be
	// published. These are logged only and never fail an update.
	NotificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twin_notification_failures_total",
		Help: "Change notifications that failed to publish (non-fatal)",
	})

	// SubscriberLag tracks overflow markers handed to slow subscribers.
	SubscriberLag = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twin_subscriber_lag_total",
		Help: "Notifications dropped for slow subscribers",
	})

	// ConnectedSubscribers tracks the number of live WebSocket subscribers.
	ConnectedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "twin_connected_subscribers",
		Help: "Current number of connected notification subscribers",
	})

	// DuplicateEvents tracks events skipped by the idempotency guard.
	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twin_duplicate_events_total",
		Help: "Mutation events skipped because their id was already seen",
	})
)
