// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the service counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	plays            *prometheus.CounterVec
	pointsAwarded    *prometheus.CounterVec
	verifications    *prometheus.CounterVec
	emails           *prometheus.CounterVec
	consumedMessages *prometheus.CounterVec
	wsConnections    prometheus.Gauge
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		plays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcade",
			Name:      "plays_total",
			Help:      "Play results recorded, by outcome.",
		}, []string{"outcome"}),
		pointsAwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcade",
			Name:      "points_awarded_total",
			Help:      "Points paid out, by game and difficulty.",
		}, []string{"game", "difficulty"}),
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcade",
			Name:      "email_verifications_total",
			Help:      "Email code checks, by result.",
		}, []string{"result"}),
		emails: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcade",
			Name:      "emails_sent_total",
			Help:      "Verification emails attempted, by status.",
		}, []string{"status"}),
		consumedMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcade",
			Name:      "kafka_messages_total",
			Help:      "Play result messages consumed, by status.",
		}, []string{"status"}),
		wsConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "arcade",
			Name:      "websocket_connections",
			Help:      "Open WebSocket connections.",
		}),
	}
}

// PlayRecorded counts one recorded result and the points it paid
func (m *Metrics) PlayRecorded(gameID, difficulty string, won bool, pointsEarned int64) {
	if m == nil {
		return
	}
	outcome := "lost"
	if won {
		outcome = "won"
	}
	m.plays.WithLabelValues(outcome).Inc()
	if pointsEarned > 0 {
		m.pointsAwarded.WithLabelValues(gameID, difficulty).Add(float64(pointsEarned))
	}
}

// VerificationChecked counts one code check
func (m *Metrics) VerificationChecked(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

// EmailSent counts one delivery attempt
func (m *Metrics) EmailSent(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.emails.WithLabelValues(status).Inc()
}

// MessageConsumed counts one Kafka message
func (m *Metrics) MessageConsumed(status string) {
	if m == nil {
		return
	}
	m.consumedMessages.WithLabelValues(status).Inc()
}

// ConnectionOpened tracks a new WebSocket client
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

// ConnectionClosed tracks a closed WebSocket client
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}
