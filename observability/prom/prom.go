// Package prom exports revtun's tunnel metrics to Prometheus.
package prom

import (
	"net/http"

	"github.com/floegence/revtun/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// TunnelObserver exports tunnel metrics to Prometheus.
type TunnelObserver struct {
	connGauge     prometheus.Gauge
	tunnelGauge   prometheus.Gauge
	registerTotal *prometheus.CounterVec
	inboundTotal  prometheus.Counter
	staleTotal    prometheus.Counter
	closeTotal    *prometheus.CounterVec
}

// NewTunnelObserver registers tunnel metrics on the registry.
func NewTunnelObserver(reg *prometheus.Registry) *TunnelObserver {
	o := &TunnelObserver{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "revtun_server_connections",
			Help: "Current control connection count.",
		}),
		tunnelGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "revtun_server_tunnels",
			Help: "Current registered tunnel count.",
		}),
		registerTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revtun_server_registrations_total",
			Help: "Tunnel registration attempts by result and reason.",
		}, []string{"result", "reason"}),
		inboundTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revtun_server_inbound_total",
			Help: "Inbound connections accepted on public listeners.",
		}),
		staleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revtun_server_stale_reaped_total",
			Help: "Pending connections dropped by the reap timer unclaimed.",
		}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revtun_server_close_total",
			Help: "Tunnel close reasons.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		o.connGauge,
		o.tunnelGauge,
		o.registerTotal,
		o.inboundTotal,
		o.staleTotal,
		o.closeTotal,
	)
	return o
}

func (o *TunnelObserver) ConnCount(n int64) { o.connGauge.Set(float64(n)) }

func (o *TunnelObserver) TunnelCount(n int) { o.tunnelGauge.Set(float64(n)) }

func (o *TunnelObserver) Register(result observability.RegisterResult, reason observability.RegisterReason) {
	o.registerTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *TunnelObserver) InboundConnection() { o.inboundTotal.Inc() }

func (o *TunnelObserver) StaleReaped() { o.staleTotal.Inc() }

func (o *TunnelObserver) Close(reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}
