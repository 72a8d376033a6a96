package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"

	"github.com/cantonconnect/bridge/pkg/bridge"
	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/lifecycle"
	"github.com/cantonconnect/bridge/pkg/log"
	"github.com/cantonconnect/bridge/pkg/session"
	"github.com/cantonconnect/bridge/pkg/transport"
)

var (
	_ bridge.Metrics     = (*Metrics)(nil)
	_ transport.Recorder = (*Metrics)(nil)
	_ lifecycle.Observer = (*Metrics)(nil)
)

// Metrics contains all Prometheus metrics for the application
type Metrics struct {
	// WebSocket connection metrics
	ConnectedClients prometheus.Gauge
	ConnectionsTotal *prometheus.CounterVec
	MessageSent      prometheus.Counter

	// Bridge method metrics
	RPCRequests        *prometheus.CounterVec
	RPCRequestDuration *prometheus.HistogramVec

	// Transport round trips by variant, operation and outcome
	TransportRequests *prometheus.CounterVec
	TransportDuration *prometheus.HistogramVec

	// Transaction lifecycle
	CommandTransitions *prometheus.CounterVec
	JournaledCommands  *prometheus.GaugeVec

	PersistedSessions prometheus.Gauge
}

// NewMetrics initializes and registers Prometheus metrics
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry initializes and registers Prometheus metrics with a custom registry
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_connected_clients",
			Help: "The current number of connected clients",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_connections_total",
			Help: "The total number of WebSocket connections made since server start",
		}, []string{"origin"}),
		MessageSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_ws_messages_sent_total",
			Help: "The total number of WebSocket messages sent",
		}),
		RPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_rpc_requests_total",
			Help: "The total number of bridge requests by method and outcome",
		}, []string{"method", "status"}),
		RPCRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_rpc_request_duration_seconds",
			Help:    "Duration of bridge requests",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 30, 120},
		}, []string{"method"}),
		TransportRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_transport_requests_total",
			Help: "The total number of wallet transport round trips",
		}, []string{"variant", "op", "outcome"}),
		TransportDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_transport_duration_seconds",
			Help:    "Duration of wallet transport round trips",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"variant", "op"}),
		CommandTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_command_transitions_total",
			Help: "The total number of transaction lifecycle transitions by target status",
		}, []string{"status"}),
		JournaledCommands: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_journaled_commands",
			Help: "The number of journaled commands by status",
		}, []string{"status"}),
		PersistedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_persisted_sessions",
			Help: "The number of persisted sessions in the database",
		}),
	}
}

func (m *Metrics) ObserveRequest(method, outcome string, elapsed time.Duration) {
	m.RPCRequests.WithLabelValues(method, outcome).Inc()
	m.RPCRequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveTransport(variant, op, outcome string, elapsed time.Duration) {
	m.TransportRequests.WithLabelValues(variant, op, outcome).Inc()
	m.TransportDuration.WithLabelValues(variant, op).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveTransition(status core.CommandStatus) {
	m.CommandTransitions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ClientConnected(origin string) {
	m.ConnectedClients.Inc()
	m.ConnectionsTotal.WithLabelValues(origin).Inc()
}

func (m *Metrics) ClientDisconnected(string) {
	m.ConnectedClients.Dec()
}

func (m *Metrics) MessageWritten() {
	m.MessageSent.Inc()
}

// RecordMetricsPeriodically refreshes the database-backed gauges until ctx is
// done.
func (m *Metrics) RecordMetricsPeriodically(ctx context.Context, db *gorm.DB, logger log.Logger) {
	logger = logger.WithName("metrics")
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.UpdateDatabaseMetrics(ctx, db); err != nil {
				logger.Warn("failed to update database metrics", "error", err)
			}
		}
	}
}

// UpdateDatabaseMetrics counts live persisted sessions and journaled commands.
func (m *Metrics) UpdateDatabaseMetrics(ctx context.Context, db *gorm.DB) error {
	type StatusCount struct {
		Status string
		Count  int64
	}

	var results []StatusCount
	err := db.WithContext(ctx).Model(&lifecycle.CommandRecord{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		return err
	}

	m.JournaledCommands.Reset()
	for _, result := range results {
		m.JournaledCommands.WithLabelValues(result.Status).Set(float64(result.Count))
	}

	var sessions int64
	err = db.WithContext(ctx).Model(&session.PersistedSession{}).
		Where("expires_at IS NULL OR expires_at > ?", time.Now().UTC()).
		Count(&sessions).Error
	if err != nil {
		return err
	}
	m.PersistedSessions.Set(float64(sessions))
	return nil
}
