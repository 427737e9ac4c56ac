package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// PrometheusMetrics holds the receiver/session gauges exposed on
// /metrics: per-receiver client counts and bitrates plus host resource
// utilisation.
type PrometheusMetrics struct {
	audioClients     *prometheus.GaugeVec // label: receiver_id
	waterfallClients *prometheus.GaugeVec // label: receiver_id
	eventsClients    prometheus.Gauge

	audioKbits     *prometheus.GaugeVec
	waterfallKbits *prometheus.GaugeVec

	hostCPUPercent prometheus.Gauge
	hostMemPercent prometheus.Gauge
}

// NewPrometheusMetrics registers the server's collectors against the
// default registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		audioClients: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "novasdr_audio_clients",
			Help: "Number of connected audio WebSocket clients per receiver.",
		}, []string{"receiver_id"}),
		waterfallClients: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "novasdr_waterfall_clients",
			Help: "Number of connected waterfall WebSocket clients per receiver.",
		}, []string{"receiver_id"}),
		eventsClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "novasdr_events_clients",
			Help: "Number of connected events WebSocket clients.",
		}),
		audioKbits: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "novasdr_audio_kbits_per_sec",
			Help: "Outbound audio bitrate per receiver.",
		}, []string{"receiver_id"}),
		waterfallKbits: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "novasdr_waterfall_kbits_per_sec",
			Help: "Outbound waterfall bitrate per receiver.",
		}, []string{"receiver_id"}),
		hostCPUPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "novasdr_host_cpu_percent",
			Help: "Host CPU utilisation percentage.",
		}),
		hostMemPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "novasdr_host_mem_percent",
			Help: "Host memory utilisation percentage.",
		}),
	}
}

// UpdateReceiverGauges refreshes the per-receiver client-count gauges.
func (m *PrometheusMetrics) UpdateReceiverGauges(dispatch *DispatchEngine) {
	dispatch.mu.RLock()
	defer dispatch.mu.RUnlock()
	for id, rx := range dispatch.receivers {
		m.audioClients.WithLabelValues(id).Set(float64(rx.AudioClientCount()))
		m.waterfallClients.WithLabelValues(id).Set(float64(rx.WaterfallClientCount()))
	}
}

// UpdateHostGauges samples host CPU/memory via gopsutil.
func (m *PrometheusMetrics) UpdateHostGauges() {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.hostCPUPercent.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.hostMemPercent.Set(vm.UsedPercent)
	}
}

// Handler returns the HTTP handler for /metrics.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.Handler()
}
