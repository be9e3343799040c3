package loop

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts requests and failures per loop. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	requests    *prometheus.CounterVec
	consecutive *prometheus.GaugeVec
	actions     *prometheus.CounterVec
}

// NewMetrics registers the loop collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_loop_requests_total",
			Help: "Requests issued by a request loop, by HTTP status or transport_error.",
		}, []string{"loop", "status"}),
		consecutive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatsync_loop_consecutive_errors",
			Help: "Current run of non-accepted responses.",
		}, []string{"loop"}),
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_loop_actions_total",
			Help: "Actions completed by the action loop, by result.",
		}, []string{"action", "result"}),
	}
}

func (m *Metrics) request(loop string, status int) {
	if m == nil {
		return
	}
	label := "transport_error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.requests.WithLabelValues(loop, label).Inc()
}

func (m *Metrics) errorRun(loop string, n int) {
	if m == nil {
		return
	}
	m.consecutive.WithLabelValues(loop).Set(float64(n))
}

func (m *Metrics) action(name, result string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(name, result).Inc()
}
