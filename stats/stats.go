package stats

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Stage string

const (
	StageList    Stage = "list"
	StageMatch   Stage = "match"
	StageArchive Stage = "archive"
	StageDelete  Stage = "delete"
)

type EventType string

const (
	EventTypeListed       EventType = "listed"
	EventTypeMatched      EventType = "matched"
	EventTypeSkipped      EventType = "skipped"
	EventTypeArchived     EventType = "archived"
	EventTypeRetained     EventType = "retained"
	EventTypeDeleted      EventType = "deleted"
	EventTypeDeleteFailed EventType = "delete_failed"
	EventTypeError        EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
}

type Summary struct {
	Cycles       int
	Listed       int
	Matched      int
	Skipped      int
	Archived     int
	Retained     int
	Deleted      int
	DeleteFailed int
	Errors       int
	LastError    error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"cycles", s.Cycles,
		"listed", s.Listed,
		"matched", s.Matched,
		"skipped", s.Skipped,
		"archived", s.Archived,
		"retained", s.Retained,
		"deleted", s.Deleted,
		"deleteFailed", s.DeleteFailed,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type metrics struct {
	events        *prometheus.CounterVec
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	lastSuccess   prometheus.Gauge
}

// Collector accumulates pipeline events for the lifetime of the process and
// mirrors them into Prometheus metrics.
type Collector struct {
	mu      sync.Mutex
	summary Summary

	registry *prometheus.Registry
	metrics  metrics
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		metrics: metrics{
			events: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "mail_dl_messages_total",
				Help: "Messages seen by the drain loop, by stage and outcome",
			}, []string{"stage", "outcome"}),
			cycles: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "mail_dl_cycles_total",
				Help: "Drain cycles run, by result",
			}, []string{"result"}),
			cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
				Name:    "mail_dl_cycle_duration_seconds",
				Help:    "Duration of a drain cycle",
				Buckets: prometheus.DefBuckets,
			}),
			lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
				Name: "mail_dl_last_successful_cycle_timestamp_seconds",
				Help: "Unix time of the last cycle that completed without a cycle error",
			}),
		},
	}
}

// Emit records a single event.
func (c *Collector) Emit(evt Event) {
	c.metrics.events.WithLabelValues(string(evt.Stage), string(evt.Type)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeListed:
		c.summary.Listed++
	case EventTypeMatched:
		c.summary.Matched++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeArchived:
		c.summary.Archived++
	case EventTypeRetained:
		c.summary.Retained++
		c.recordErr(evt.Err)
	case EventTypeDeleted:
		c.summary.Deleted++
	case EventTypeDeleteFailed:
		c.summary.DeleteFailed++
		c.recordErr(evt.Err)
	case EventTypeError:
		c.summary.Errors++
		c.recordErr(evt.Err)
	}
}

// ObserveCycle records the outcome of one drain cycle.
func (c *Collector) ObserveCycle(started time.Time, err error) {
	c.metrics.cycleDuration.Observe(time.Since(started).Seconds())

	result := "ok"
	if err != nil {
		result = "error"
	} else {
		c.metrics.lastSuccess.SetToCurrentTime()
	}
	c.metrics.cycles.WithLabelValues(result).Inc()

	c.mu.Lock()
	c.summary.Cycles++
	c.mu.Unlock()
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// LogSummary writes the totals collected since started.
func (c *Collector) LogSummary(logger *slog.Logger, started time.Time) {
	if logger == nil {
		return
	}
	attrs := append(c.Snapshot().LogAttrs(), "duration", time.Since(started))
	logger.Info("stats summary", attrs...)
}

// Handler serves the collector's metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) recordErr(err error) {
	if err != nil {
		c.summary.LastError = err
	}
}
