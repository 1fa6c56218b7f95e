package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "duel"

// Metrics holds the Prometheus collectors for the matchmaking server.
// A nil *Metrics is a valid no-op receiver.
type Metrics struct {
	connections  prometheus.Gauge
	pending      prometheus.Gauge
	activeGames  prometheus.Gauge
	gamesStarted prometheus.Counter
	gamesEnded   *prometheus.CounterVec
	moves        *prometheus.CounterVec
	dropped      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
//
// Precondition: reg must be non-nil and must not already hold duel collectors.
// Postcondition: Returns registered Metrics or the registration error.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Registered client connections.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_connections",
			Help:      "Connections waiting for an opponent (0 or 1).",
		}),
		activeGames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_games",
			Help:      "Games currently in progress.",
		}),
		gamesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "games_started_total",
			Help:      "Games created by pairing two connections.",
		}),
		gamesEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "games_ended_total",
			Help:      "Games ended, by reason.",
		}, []string{"reason"}),
		moves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moves_total",
			Help:      "Moves processed, by result.",
		}, []string{"result"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped, by cause.",
		}, []string{"cause"}),
	}

	for _, c := range []prometheus.Collector{
		m.connections, m.pending, m.activeGames, m.gamesStarted, m.gamesEnded, m.moves, m.dropped,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ConnectionOpened increments the connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed decrements the connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// SetPending records whether a connection is waiting for an opponent.
func (m *Metrics) SetPending(waiting bool) {
	if m == nil {
		return
	}
	if waiting {
		m.pending.Set(1)
		return
	}
	m.pending.Set(0)
}

// GameStarted records a newly paired game.
func (m *Metrics) GameStarted() {
	if m == nil {
		return
	}
	m.gamesStarted.Inc()
	m.activeGames.Inc()
}

// GameEnded records a finished game. reason is a low-cardinality label
// such as "checkmate", "resignation" or "disconnect".
func (m *Metrics) GameEnded(reason string) {
	if m == nil {
		return
	}
	m.gamesEnded.WithLabelValues(reason).Inc()
	m.activeGames.Dec()
}

// MoveProcessed records a move outcome: "accepted", "rejected" or "concluded".
func (m *Metrics) MoveProcessed(result string) {
	if m == nil {
		return
	}
	m.moves.WithLabelValues(result).Inc()
}

// MessageDropped records an inbound message that was not acted on.
func (m *Metrics) MessageDropped(cause string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(cause).Inc()
}
