package web

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"envmon/internal/alerts"
	"envmon/internal/metrics"
	"envmon/internal/store"
	"envmon/internal/telemetry"
)

const (
	dataTopic   = "projeto_redes/sensor/dados"
	statusTopic = "projeto_redes/sensor/status"
	configTopic = "projeto_redes/config/alertas"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakePublisher struct {
	topic   string
	payload []byte
	err     error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.topic = topic
	p.payload = payload
	return p.err
}

type testEnv struct {
	srv  *Server
	core *telemetry.Core
	db   *store.BoltStore
	pub  *fakePublisher
}

func (e *testEnv) ingest(t *testing.T, payload string) {
	t.Helper()
	err := e.core.HandleMessage(telemetry.Message{Topic: dataTopic, Payload: []byte(payload), ArrivedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) do(method, target string, body []byte) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func setupTestServer(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	logger := testLogger()

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	events := telemetry.NewEventBus(logger)
	core, err := telemetry.New(db, events, telemetry.Config{
		DataTopic:       dataTopic,
		StatusTopic:     statusTopic,
		HistoryCapacity: 50,
	}, logger)
	if err != nil {
		t.Fatal(err)
	}

	pub := &fakePublisher{}
	svc := alerts.NewService(db, pub, configTopic, events, logger)

	srv := NewServer(core, svc, logger, opts...)
	t.Cleanup(srv.Stop)

	return &testEnv{srv: srv, core: core, db: db, pub: pub}
}

func seedReadings(t *testing.T, env *testEnv, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		env.ingest(t, fmt.Sprintf(`{"temperatura": %d, "umidade": 50, "timestamp": "10:00:%02d"}`, 20+i, i))
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func TestAPISnapshot(t *testing.T) {
	env := setupTestServer(t)
	seedReadings(t, env, 2)

	w := env.do("GET", "/api/snapshot", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var snap telemetry.Snapshot
	decode(t, w, &snap)
	if snap.ConnectionStatus != telemetry.ConnDisconnected {
		t.Errorf("connection_status = %q", snap.ConnectionStatus)
	}
	if !snap.IsSensorOnline {
		t.Error("sensor should be online after data")
	}
	if snap.CurrentReading == nil || snap.CurrentReading.Temperature != 21 {
		t.Errorf("current_reading = %+v", snap.CurrentReading)
	}
	if len(snap.History) != 2 || snap.NetworkStats.PacketsReceived != 2 {
		t.Errorf("history = %d, packets = %d", len(snap.History), snap.NetworkStats.PacketsReceived)
	}
}

func TestAPIHistoryOrder(t *testing.T) {
	env := setupTestServer(t)
	seedReadings(t, env, 3)

	tests := []struct {
		target    string
		wantFirst float64
	}{
		{"/api/history", 22},
		{"/api/history?order=display", 22},
		{"/api/history?order=arrival", 20},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			w := env.do("GET", tt.target, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			var rows []historyRow
			decode(t, w, &rows)
			if len(rows) != 3 {
				t.Fatalf("rows = %d, want 3", len(rows))
			}
			if rows[0].Temperature != tt.wantFirst || rows[0].Index != 0 {
				t.Errorf("first row = %+v", rows[0])
			}
			if rows[0].DewPoint != telemetry.DewPoint(rows[0].Reading) {
				t.Errorf("dew_point = %v", rows[0].DewPoint)
			}
		})
	}

	if w := env.do("GET", "/api/history?order=random", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad order status = %d", w.Code)
	}
}

func TestAPIDeleteHistoryRow(t *testing.T) {
	env := setupTestServer(t)
	seedReadings(t, env, 3)

	// Display index 0 is the newest reading.
	if w := env.do("DELETE", "/api/history/0", nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	// Arrival index 0 is the oldest.
	if w := env.do("DELETE", "/api/history/0?order=arrival", nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	hist := env.core.History()
	if len(hist) != 1 || hist[0].Temperature != 21 {
		t.Errorf("history = %+v", hist)
	}

	if w := env.do("DELETE", "/api/history/7", nil); w.Code != http.StatusNotFound {
		t.Errorf("out of range status = %d", w.Code)
	}
	if w := env.do("DELETE", "/api/history/-1", nil); w.Code != http.StatusNotFound {
		t.Errorf("negative index status = %d", w.Code)
	}
	if w := env.do("DELETE", "/api/history/abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad index status = %d", w.Code)
	}
}

func TestAPIClearHistory(t *testing.T) {
	env := setupTestServer(t)
	seedReadings(t, env, 4)
	before := env.core.Stats().TotalBytes

	if w := env.do("DELETE", "/api/history", nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if n := len(env.core.History()); n != 0 {
		t.Errorf("history len = %d", n)
	}

	w := env.do("GET", "/api/stats", nil)
	var stats statsResponse
	decode(t, w, &stats)
	if stats.PacketsReceived != 0 {
		t.Errorf("packets = %d, want 0", stats.PacketsReceived)
	}
	if stats.TotalBytes != before {
		t.Errorf("total_bytes = %d, want %d", stats.TotalBytes, before)
	}

	persisted, err := env.db.LoadHistory()
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 0 {
		t.Errorf("persisted history = %d", len(persisted))
	}
}

func TestAPIHistoryCSV(t *testing.T) {
	env := setupTestServer(t)
	env.ingest(t, `{"temperatura": 25.5, "umidade": 60, "timestamp": "08:30:00"}`)

	w := env.do("GET", "/api/history.csv", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content-type = %q", ct)
	}
	records, err := csv.NewReader(w.Body).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{
		{"timestamp", "temperatura", "umidade", "dew_point", "latency"},
		{"08:30:00", "25.5", "60", "17.5", "0"},
	}
	if fmt.Sprint(records) != fmt.Sprint(want) {
		t.Errorf("csv = %v, want %v", records, want)
	}
}

func TestAPIStatsUptime(t *testing.T) {
	env := setupTestServer(t)

	var stats statsResponse
	decode(t, env.do("GET", "/api/stats", nil), &stats)
	if stats.UptimeSeconds != 0 || stats.ConnectionEstablishedAt != nil {
		t.Errorf("uptime before connect = %v", stats.UptimeSeconds)
	}

	env.core.Connected(time.Now().Add(-5 * time.Second))
	decode(t, env.do("GET", "/api/stats", nil), &stats)
	if stats.UptimeSeconds < 5 {
		t.Errorf("uptime = %v, want >= 5", stats.UptimeSeconds)
	}
}

func TestAPIDerived(t *testing.T) {
	env := setupTestServer(t)
	seedReadings(t, env, 5)

	var d telemetry.Derived
	decode(t, env.do("GET", "/api/metrics/derived?window=3", nil), &d)
	if len(d.DewPoints) != 5 {
		t.Errorf("dew_points = %v", d.DewPoints)
	}
	if d.JitterWindow != 3 {
		t.Errorf("jitter_window = %d, want 3", d.JitterWindow)
	}

	for _, bad := range []string{"0", "-2", "x"} {
		if w := env.do("GET", "/api/metrics/derived?window="+bad, nil); w.Code != http.StatusBadRequest {
			t.Errorf("window=%s status = %d", bad, w.Code)
		}
	}
}

func TestAPIAlertsDefaults(t *testing.T) {
	env := setupTestServer(t)

	var resp alertsResponse
	decode(t, env.do("GET", "/api/alerts", nil), &resp)
	if resp.Saved {
		t.Error("saved = true before any save")
	}
	if resp.Config != store.DefaultAlertConfig() {
		t.Errorf("config = %+v", resp.Config)
	}
}

func TestAPIAlertsSaveAndSync(t *testing.T) {
	env := setupTestServer(t)

	body := []byte(`{"telegramToken": "123:secret", "chatId": "42", "tempMax": 28, "humMin": 35, "isActive": true}`)
	w := env.do("PUT", "/api/alerts", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp alertsResponse
	decode(t, w, &resp)
	if !resp.Saved || resp.Result == nil || !resp.Result.Synced {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Config.TelegramToken != store.RedactedToken {
		t.Errorf("token not redacted: %q", resp.Config.TelegramToken)
	}

	if env.pub.topic != configTopic {
		t.Errorf("published topic = %q", env.pub.topic)
	}
	var published store.AlertConfig
	if err := json.Unmarshal(env.pub.payload, &published); err != nil {
		t.Fatal(err)
	}
	if published.TelegramToken != "123:secret" || published.TempMax != 28 {
		t.Errorf("published = %+v", published)
	}

	// Echoing the masked token back keeps the stored one.
	body = []byte(`{"telegramToken": "********", "chatId": "42", "tempMax": 31, "humMin": 35, "isActive": true}`)
	if w := env.do("PUT", "/api/alerts", body); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	saved, err := env.db.GetAlertConfig()
	if err != nil {
		t.Fatal(err)
	}
	if saved.TelegramToken != "123:secret" || saved.TempMax != 31 {
		t.Errorf("saved = %+v", saved)
	}

	decode(t, env.do("GET", "/api/alerts", nil), &resp)
	if !resp.Saved || resp.Config.TempMax != 31 || resp.Config.TelegramToken != store.RedactedToken {
		t.Errorf("get after save = %+v", resp)
	}
}

func TestAPIAlertsPublishFailure(t *testing.T) {
	env := setupTestServer(t)
	env.pub.err = errors.New("broker unreachable")

	w := env.do("PUT", "/api/alerts", []byte(`{"tempMax": 30, "humMin": 40, "isActive": true}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp alertsResponse
	decode(t, w, &resp)
	if !resp.Saved || resp.Result.Synced {
		t.Errorf("resp = %+v", resp.Result)
	}
	if !strings.Contains(resp.Result.PublishError, "broker unreachable") {
		t.Errorf("publish_error = %q", resp.Result.PublishError)
	}
	if _, err := env.db.GetAlertConfig(); err != nil {
		t.Errorf("config should stay saved: %v", err)
	}
}

func TestAPIAlertsRejectsBadInput(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"tempMax": `},
		{"humidity above 100", `{"tempMax": 30, "humMin": 140}`},
		{"negative humidity", `{"tempMax": 30, "humMin": -1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do("PUT", "/api/alerts", []byte(tt.body)); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
	if env.pub.payload != nil {
		t.Error("rejected config was published")
	}
}

func TestAPIAlertsDelete(t *testing.T) {
	env := setupTestServer(t)
	env.do("PUT", "/api/alerts", []byte(`{"tempMax": 33, "humMin": 40}`))

	if w := env.do("DELETE", "/api/alerts", nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if _, err := env.db.GetAlertConfig(); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAPIVersion(t *testing.T) {
	env := setupTestServer(t, WithVersion("1.2.3"))
	var resp map[string]string
	decode(t, env.do("GET", "/api/version", nil), &resp)
	if resp["version"] != "1.2.3" {
		t.Errorf("version = %q", resp["version"])
	}
}

func TestAPIKeyRequired(t *testing.T) {
	env := setupTestServer(t, WithAPIKey("secret"))

	if w := env.do("GET", "/api/snapshot", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("without key: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/snapshot", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with key: status = %d, want 200", w.Code)
	}
}

func TestCORS(t *testing.T) {
	env := setupTestServer(t, WithAllowedOrigins([]string{"http://dash.local"}))

	tests := []struct {
		name   string
		method string
		origin string
		want   int
	}{
		{"preflight allowed", http.MethodOptions, "http://dash.local", http.StatusNoContent},
		{"preflight denied", http.MethodOptions, "http://evil.local", http.StatusForbidden},
		{"mutation denied", http.MethodDelete, "http://evil.local", http.StatusForbidden},
		{"mutation allowed", http.MethodDelete, "http://dash.local", http.StatusOK},
		{"read from other origin", http.MethodGet, "http://evil.local", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/history", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			env.srv.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	env := setupTestServer(t, WithMetrics(m))
	env.do("GET", "/api/stats", nil)
	env.do("GET", "/api/history?order=bogus", nil)

	w := env.do("GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`envmon_http_requests_total{route="GET /api/stats",status="200"} 1`,
		`envmon_http_requests_total{route="GET /api/history",status="400"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
