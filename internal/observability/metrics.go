package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the coordinator. A nil *Metrics is
// valid and records nothing, which keeps unit tests free of the global
// registry.
type Metrics struct {
	// --- Reconciliation loop ---
	EventsProcessed *prometheus.CounterVec
	EventErrors     *prometheus.CounterVec
	EventsLagged    prometheus.Counter

	// --- Positions ---
	PositionsMarkedClosing prometheus.Counter
	PositionsClosed        prometheus.Counter
	// PositionNoRows counts closure transitions that matched no position
	// row. A non-zero rate likely means a prior event was missed.
	PositionNoRows *prometheus.CounterVec

	// --- Protocol executions ---
	ProtocolsStarted  *prometheus.CounterVec
	ProtocolsFinished *prometheus.CounterVec

	// --- Position feed ---
	FeedPublished     prometheus.Counter
	FeedPublishErrors prometheus.Counter
}

// NewMetrics creates and registers all coordinator metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_channel_events_processed_total",
			Help: "Channel lifecycle events consumed from the contract engine",
		}, []string{"event_type"}),

		EventErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_channel_event_errors_total",
			Help: "Channel events whose handling failed (loop continues)",
		}, []string{"event_type", "path"}),

		EventsLagged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "coord_channel_events_lagged_total",
			Help: "Events dropped because the event subscription lagged",
		}),

		PositionsMarkedClosing: promauto.NewCounter(prometheus.CounterOpts{
			Name: "coord_positions_marked_closing_total",
			Help: "Open positions moved to Closing after a force close",
		}),

		PositionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "coord_positions_closed_total",
			Help: "Closing positions finalized with realized pnl",
		}),

		PositionNoRows: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_position_transition_no_rows_total",
			Help: "Position transitions that affected zero rows",
		}, []string{"transition"}),

		ProtocolsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_protocols_started_total",
			Help: "DLC protocol executions started",
		}, []string{"protocol_type"}),

		ProtocolsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_protocols_finished_total",
			Help: "DLC protocol executions finalized",
		}, []string{"protocol_type", "outcome"}),

		FeedPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "coord_position_feed_published_total",
			Help: "Position notifications published to the feed",
		}),

		FeedPublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "coord_position_feed_errors_total",
			Help: "Position notifications that failed to publish",
		}),
	}
}

func (m *Metrics) IncEventProcessed(eventType string) {
	if m == nil {
		return
	}
	m.EventsProcessed.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncEventError(eventType, path string) {
	if m == nil {
		return
	}
	m.EventErrors.WithLabelValues(eventType, path).Inc()
}

func (m *Metrics) AddEventsLagged(n float64) {
	if m == nil {
		return
	}
	m.EventsLagged.Add(n)
}

func (m *Metrics) IncPositionsMarkedClosing() {
	if m == nil {
		return
	}
	m.PositionsMarkedClosing.Inc()
}

func (m *Metrics) IncPositionsClosed() {
	if m == nil {
		return
	}
	m.PositionsClosed.Inc()
}

func (m *Metrics) IncPositionNoRows(transition string) {
	if m == nil {
		return
	}
	m.PositionNoRows.WithLabelValues(transition).Inc()
}

func (m *Metrics) IncProtocolStarted(protocolType string) {
	if m == nil {
		return
	}
	m.ProtocolsStarted.WithLabelValues(protocolType).Inc()
}

func (m *Metrics) IncProtocolFinished(protocolType, outcome string) {
	if m == nil {
		return
	}
	m.ProtocolsFinished.WithLabelValues(protocolType, outcome).Inc()
}

func (m *Metrics) IncFeedPublished() {
	if m == nil {
		return
	}
	m.FeedPublished.Inc()
}

func (m *Metrics) IncFeedPublishError() {
	if m == nil {
		return
	}
	m.FeedPublishErrors.Inc()
}
