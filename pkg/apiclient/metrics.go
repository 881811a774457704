package apiclient

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics はクライアントのPrometheusメトリクス。
// nilの場合は何も記録しない。
type metrics struct {
	requests  *prometheus.CounterVec
	refreshes *prometheus.CounterVec
	queued    prometheus.Counter
	waiters   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiclient_requests_total",
				Help: "Total number of backend requests issued, including retries.",
			},
			[]string{"method", "status"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiclient_token_refreshes_total",
				Help: "Total number of token refresh calls by result.",
			},
			[]string{"result"},
		),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apiclient_queued_requests_total",
			Help: "Requests that waited for a token refresh.",
		}),
		waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apiclient_refresh_waiters",
			Help: "Requests currently waiting for a token refresh.",
		}),
	}
	reg.MustRegister(m.requests, m.refreshes, m.queued, m.waiters)
	return m
}

// observeRequest はリクエスト1回の結果を記録する。statusが0の場合はネットワークエラー。
func (m *metrics) observeRequest(method string, status int) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.requests.WithLabelValues(method, label).Inc()
}

func (m *metrics) observeRefresh(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *metrics) enqueued() {
	if m == nil {
		return
	}
	m.queued.Inc()
	m.waiters.Inc()
}

func (m *metrics) settled(n int) {
	if m == nil {
		return
	}
	m.waiters.Sub(float64(n))
}
