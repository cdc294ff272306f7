// Package metrics wires the gateway's event bus to Prometheus, the way
// the teacher's own metrics package observes its workflow engine:
// register the collectors once, then update them purely from bus
// events so no other package needs a metrics import.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"shuttlegateway/internal/event"
	"shuttlegateway/internal/types"
)

// PendingSince tracks when each in-flight task was triggered, so
// Attach's outcome subscribers can report gateway_command_duration_seconds.
type PendingSince struct {
	mu    sync.Mutex
	start map[string]time.Time
}

// NewPendingSince returns an empty tracker.
func NewPendingSince() *PendingSince {
	return &PendingSince{start: make(map[string]time.Time)}
}

// Start records taskID's trigger time. Call it from the same place the
// command executor is handed the committed assignment.
func (p *PendingSince) Start(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.start[taskID] = time.Now()
}

func (p *PendingSince) takeElapsed(taskID string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.start[taskID]
	if !ok {
		return 0, false
	}
	delete(p.start, taskID)
	return time.Since(t).Seconds(), true
}

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	QueueDepth      prometheus.Gauge
	TasksTotal      *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	DeviceStatus    *prometheus.GaugeVec
}

// New registers every collector against reg (pass prometheus.DefaultRegisterer
// for the process-wide registry, or a fresh prometheus.NewRegistry() in tests).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_queue_depth",
			Help: "Number of tasks currently waiting in the priority queue.",
		}),
		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tasks_total",
			Help: "Total tasks reaching a terminal outcome, by outcome and command type.",
		}, []string{"outcome", "command_type"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_command_duration_seconds",
			Help:    "Wall time from trigger to terminal outcome, by command type.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"command_type"}),
		DeviceStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_device_status",
			Help: "1 for the device's current status, 0 for every other status value.",
		}, []string{"device_id", "status"}),
	}
}

// allStatuses enumerates every DeviceStatus value so DeviceStatus can
// be zeroed out for the statuses a device is not currently in.
var allStatuses = []types.DeviceStatus{
	types.StatusOffline, types.StatusIdle, types.StatusBusy, types.StatusError, types.StatusCharging,
}

// Attach subscribes m to bus, updating TasksTotal/CommandDuration on
// every terminal outcome and DeviceStatus on every status change.
// pendingSince, keyed by task id, tracks trigger time for the duration
// histogram; the dispatcher's own queue is polled separately via
// ObserveQueueDepth since queue depth has no corresponding event.
func (m *Metrics) Attach(bus *event.Bus, pendingSince *PendingSince) {
	outcomeFor := func(t event.Type) string {
		switch t {
		case event.TaskSucceeded:
			return "succeeded"
		case event.TaskFailed:
			return "failed"
		case event.TaskCancelled:
			return "cancelled"
		default:
			return "unknown"
		}
	}

	for _, t := range []event.Type{event.TaskSucceeded, event.TaskFailed, event.TaskCancelled} {
		t := t
		bus.Subscribe(t, func(e event.Event) {
			ct := ""
			if e.Task != nil {
				ct = string(e.Task.CommandType)
			}
			m.TasksTotal.WithLabelValues(outcomeFor(t), ct).Inc()
			if d, ok := pendingSince.takeElapsed(e.TaskID); ok {
				m.CommandDuration.WithLabelValues(ct).Observe(d)
			}
		})
	}

	bus.Subscribe(event.DeviceStatusChanged, func(e event.Event) {
		for _, s := range allStatuses {
			v := 0.0
			if s == e.NewStatus {
				v = 1.0
			}
			m.DeviceStatus.WithLabelValues(e.DeviceID, string(s)).Set(v)
		}
	})
}

// ObserveQueueDepth sets the gateway_queue_depth gauge to n, the
// dispatcher's current queue length. The gateway façade polls this
// periodically since queue depth has no corresponding bus event.
func (m *Metrics) ObserveQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}
