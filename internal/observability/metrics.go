package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/mailslot/internal/mailbox"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailslot",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mailslot",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)

	mailboxRegistered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailslot",
			Subsystem: "mailbox",
			Name:      "registered_total",
			Help:      "Handles registered awaiting a response.",
		},
		[]string{"link"},
	)
	mailboxPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mailslot",
			Subsystem: "mailbox",
			Name:      "pending",
			Help:      "Handles registered and not yet delivered or abandoned.",
		},
		[]string{"link"},
	)
	mailboxOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailslot",
			Subsystem: "mailbox",
			Name:      "outcomes_total",
			Help:      "Terminal handle transitions by outcome.",
		},
		[]string{"link", "outcome"},
	)
	mailboxLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mailslot",
			Subsystem: "mailbox",
			Name:      "response_latency_seconds",
			Help:      "Time from registration to delivery.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"link"},
	)
	mailboxDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailslot",
			Subsystem: "mailbox",
			Name:      "dropped_total",
			Help:      "Responses dropped without a matching handle.",
		},
		[]string{"link", "reason"},
	)

	linkFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailslot",
			Subsystem: "link",
			Name:      "frames_total",
			Help:      "Frames moved over client links.",
		},
		[]string{"link", "direction", "message"},
	)

	workerRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailslot",
			Subsystem: "worker",
			Name:      "records_total",
			Help:      "Records handled by the worker.",
		},
		[]string{"kind", "status"},
	)
	workerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mailslot",
			Subsystem: "worker",
			Name:      "record_duration_seconds",
			Help:      "Handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	workerConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mailslot",
			Subsystem: "worker",
			Name:      "connections",
			Help:      "Open worker connections.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			mailboxRegistered, mailboxPending, mailboxOutcomes, mailboxLatency, mailboxDropped,
			linkFrames,
			workerRecords, workerDuration, workerConns,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordLinkFrame counts one frame; direction is "out" or "in".
func RecordLinkFrame(link, direction, message string) {
	RegisterMetrics()
	linkFrames.WithLabelValues(link, direction, message).Inc()
}

func RecordWorkerRecord(kind, status string, duration time.Duration) {
	RegisterMetrics()
	workerRecords.WithLabelValues(kind, status).Inc()
	workerDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func AddWorkerConns(delta float64) {
	RegisterMetrics()
	workerConns.Add(delta)
}

// MailboxObserver reports mailbox lifecycle events under the given link label.
type MailboxObserver struct {
	link string
}

var _ mailbox.Observer = MailboxObserver{}

func NewMailboxObserver(link string) MailboxObserver {
	RegisterMetrics()
	return MailboxObserver{link: link}
}

func (o MailboxObserver) Registered(string) {
	mailboxRegistered.WithLabelValues(o.link).Inc()
	mailboxPending.WithLabelValues(o.link).Inc()
}

func (o MailboxObserver) Delivered(_ string, latency time.Duration) {
	mailboxPending.WithLabelValues(o.link).Dec()
	mailboxOutcomes.WithLabelValues(o.link, mailbox.StateDelivered.String()).Inc()
	mailboxLatency.WithLabelValues(o.link).Observe(latency.Seconds())
}

func (o MailboxObserver) Abandoned(string) {
	mailboxPending.WithLabelValues(o.link).Dec()
	mailboxOutcomes.WithLabelValues(o.link, mailbox.StateAbandoned.String()).Inc()
}

func (o MailboxObserver) Dropped(reason mailbox.DropReason) {
	mailboxDropped.WithLabelValues(o.link, string(reason)).Inc()
}
