// Package metrics exports telemetry and HTTP counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"envmon/internal/alerts"
	"envmon/internal/store"
	"envmon/internal/telemetry"
)

const namespace = "envmon"

type Metrics struct {
	registry *prometheus.Registry

	packets         prometheus.Counter
	bytes           prometheus.Counter
	malformed       prometheus.Counter
	latency         prometheus.Histogram
	temperature     prometheus.Gauge
	humidity        prometheus.Gauge
	dewPoint        prometheus.Gauge
	historyLength   prometheus.Gauge
	sensorOnline    prometheus.Gauge
	brokerConnected prometheus.Gauge
	storageErrors   *prometheus.CounterVec
	alertSaves      *prometheus.CounterVec

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		packets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Sensor data packets ingested.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_total",
			Help:      "Payload bytes of ingested packets.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_packets_total",
			Help:      "Data packets dropped as malformed.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "packet_latency_milliseconds",
			Help:      "Sender-to-arrival latency of packets that carry sent_at.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_celsius",
			Help:      "Last reported temperature.",
		}),
		humidity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relative_humidity_percent",
			Help:      "Last reported relative humidity.",
		}),
		dewPoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dew_point_celsius",
			Help:      "Approximate dew point of the last reading.",
		}),
		historyLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_length",
			Help:      "Readings currently held in the history buffer.",
		}),
		sensorOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_online",
			Help:      "1 when the sensor is considered online.",
		}),
		brokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 while the broker session is up.",
		}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Failed durable writes by operation.",
		}, []string{"op"}),
		alertSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_config_saves_total",
			Help:      "Alert config saves by sync result.",
		}, []string{"result"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.packets,
		m.bytes,
		m.malformed,
		m.latency,
		m.temperature,
		m.humidity,
		m.dewPoint,
		m.historyLength,
		m.sensorOnline,
		m.brokerConnected,
		m.storageErrors,
		m.alertSaves,
		m.httpRequestsTotal,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Subscribe feeds the collectors from bus. It returns the unsubscribe
// function.
func (m *Metrics) Subscribe(bus *telemetry.EventBus) func() {
	return bus.Subscribe(m.handleEvent)
}

func (m *Metrics) handleEvent(e telemetry.Event) {
	switch e.Type {
	case telemetry.EventReading:
		data, ok := e.Data.(map[string]interface{})
		if !ok {
			return
		}
		if r, ok := data["reading"].(store.Reading); ok {
			m.ObserveReading(r, intValue(data["packet_size"]))
		}
		if n, ok := data["history_length"].(int); ok {
			m.historyLength.Set(float64(n))
		}
	case telemetry.EventMalformed:
		m.malformed.Inc()
	case telemetry.EventSensorStatus:
		if s, ok := e.Data.(telemetry.LivenessState); ok {
			m.sensorOnline.Set(boolValue(s.Online))
		}
	case telemetry.EventConnectionStatus:
		data, _ := e.Data.(map[string]interface{})
		status, _ := data["status"].(string)
		m.brokerConnected.Set(boolValue(status == telemetry.ConnConnected))
	case telemetry.EventHistoryChanged:
		data, _ := e.Data.(map[string]interface{})
		if n, ok := data["length"].(int); ok {
			m.historyLength.Set(float64(n))
		}
	case telemetry.EventStorageError:
		data, _ := e.Data.(map[string]interface{})
		op, _ := data["op"].(string)
		m.storageErrors.WithLabelValues(op).Inc()
	case telemetry.EventAlertConfig:
		data, _ := e.Data.(map[string]interface{})
		if res, ok := data["result"].(*alerts.SaveResult); ok {
			result := "synced"
			if !res.Synced {
				result = "local_only"
			}
			m.alertSaves.WithLabelValues(result).Inc()
		}
	}
}

// ObserveReading records one ingested packet.
func (m *Metrics) ObserveReading(r store.Reading, packetSize int) {
	m.packets.Inc()
	m.bytes.Add(float64(packetSize))
	if r.SentAt != nil {
		m.latency.Observe(r.LatencyMs)
	}
	m.temperature.Set(r.Temperature)
	m.humidity.Set(r.Humidity)
	m.dewPoint.Set(telemetry.DewPoint(r))
	// Fresh data implies the sensor is online.
	m.sensorOnline.Set(1)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// WrapHandler counts requests and their latency under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			// Hijacked connections report no status; count them once.
			m.httpRequestsTotal.WithLabelValues(route, "101").Inc()
			next.ServeHTTP(w, r)
			return
		}
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func intValue(v interface{}) int {
	n, _ := v.(int)
	return n
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
