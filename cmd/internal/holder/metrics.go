package holder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what the holder applies. A nil *Metrics records nothing.
type Metrics struct {
	historyEvents *prometheus.CounterVec
	currentChat   prometheus.Gauge
	toSend        prometheus.Gauge
}

// NewMetrics registers the holder collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		historyEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_history_events_total",
			Help: "History merge-on-write events applied to the timeline, by kind.",
		}, []string{"kind"}),
		currentChat: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_current_chat_messages",
			Help: "Messages held in the current chat slice.",
		}),
		toSend: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_messages_to_send",
			Help: "Visitor messages waiting for the server echo.",
		}),
	}
}

func (m *Metrics) historyEvent(kind string) {
	if m == nil {
		return
	}
	m.historyEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) sizes(currentChat, toSend int) {
	if m == nil {
		return
	}
	m.currentChat.Set(float64(currentChat))
	m.toSend.Set(float64(toSend))
}
