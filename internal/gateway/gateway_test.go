package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"envmon/internal/store"
	"envmon/internal/telemetry"
)

const (
	dataTopic   = "projeto_redes/sensor/dados"
	configTopic = "projeto_redes/config/alertas"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "gw.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type sent struct {
	token, chatID, text string
}

type fakeNotifier struct {
	sent []sent
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, token, chatID, text string) error {
	f.sent = append(f.sent, sent{token, chatID, text})
	return f.err
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGateway(t *testing.T, st *store.BoltStore, n Notifier, rule Checker) (*Gateway, *fakeClock) {
	t.Helper()
	g, err := New(st, n, rule, Config{
		DataTopic:   dataTopic,
		ConfigTopic: configTopic,
		BotToken:    "yaml-token",
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	g.now = clock.now
	return g, clock
}

func reading(temp, hum float64) []byte {
	return []byte(fmt.Sprintf(`{"temperatura": %g, "umidade": %g, "timestamp": "12:00:00"}`, temp, hum))
}

func TestGatewayDefaults(t *testing.T) {
	g, _ := newTestGateway(t, testStore(t), &fakeNotifier{}, nil)
	if got := g.AlertConfig(); got != store.DefaultAlertConfig() {
		t.Errorf("config = %+v, want defaults", got)
	}
	subs := g.Subscriptions()
	if subs[dataTopic] != 0 || subs[configTopic] != 1 || len(subs) != 2 {
		t.Errorf("subscriptions = %v", subs)
	}
}

func TestConfigMerge(t *testing.T) {
	st := testStore(t)
	n := &fakeNotifier{}
	g, _ := newTestGateway(t, st, n, nil)
	ctx := context.Background()

	if err := g.HandleConfig(ctx, []byte(`{"tempMax": 35}`)); err != nil {
		t.Fatal(err)
	}
	got := g.AlertConfig()
	if got.TempMax != 35 || got.HumMin != 40 || !got.IsActive {
		t.Errorf("merged = %+v", got)
	}
	if len(n.sent) != 0 {
		t.Error("confirmation sent without chat id")
	}

	if err := g.HandleConfig(ctx, []byte(`{"chatId": "99", "isActive": false}`)); err != nil {
		t.Fatal(err)
	}
	got = g.AlertConfig()
	if got.TempMax != 35 || got.ChatID != "99" || got.IsActive {
		t.Errorf("merged = %+v", got)
	}
	if len(n.sent) != 1 || !strings.Contains(n.sent[0].text, configUpdated) {
		t.Fatalf("confirmation = %+v", n.sent)
	}
	if n.sent[0].token != "yaml-token" {
		t.Errorf("token = %q, want fallback", n.sent[0].token)
	}

	saved, err := st.GetGatewayConfig()
	if err != nil {
		t.Fatal(err)
	}
	if *saved != got {
		t.Errorf("persisted = %+v, want %+v", saved, got)
	}
}

func TestConfigSurvivesRestart(t *testing.T) {
	st := testStore(t)
	g, _ := newTestGateway(t, st, &fakeNotifier{}, nil)
	g.HandleConfig(context.Background(), []byte(`{"humMin": 55}`))

	g2, _ := newTestGateway(t, st, &fakeNotifier{}, nil)
	if g2.AlertConfig().HumMin != 55 {
		t.Errorf("humMin = %v, want 55", g2.AlertConfig().HumMin)
	}
}

func TestConfigRejectsBadPayload(t *testing.T) {
	g, _ := newTestGateway(t, testStore(t), &fakeNotifier{}, nil)
	before := g.AlertConfig()

	if err := g.HandleConfig(context.Background(), []byte(`{nope`)); !errors.Is(err, telemetry.ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
	if err := g.HandleConfig(context.Background(), []byte(`{"humMin": 400}`)); err == nil {
		t.Error("out of range humMin accepted")
	}
	if g.AlertConfig() != before {
		t.Error("config changed by rejected update")
	}
}

func TestEvaluateThresholds(t *testing.T) {
	tests := []struct {
		name      string
		temp, hum float64
		fire      bool
		contains  []string
	}{
		{"within limits", 25, 50, false, nil},
		{"at limits", 30, 40, false, nil},
		{"hot", 31, 50, true, []string{"High Temperature detected: 31C (Limit: 30C)"}},
		{"dry", 25, 39.5, true, []string{"Low Humidity detected: 39.5% (Limit: 40%)"}},
		{"hot and dry", 33, 20, true, []string{"High Temperature", "Low Humidity"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGateway(t, testStore(t), &fakeNotifier{}, nil)
			msg, fire := g.Evaluate(context.Background(), store.Reading{Temperature: tt.temp, Humidity: tt.hum})
			if fire != tt.fire {
				t.Fatalf("fire = %v, want %v (msg %q)", fire, tt.fire, msg)
			}
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("msg %q missing %q", msg, s)
				}
			}
		})
	}
}

func TestEvaluateInactive(t *testing.T) {
	g, _ := newTestGateway(t, testStore(t), &fakeNotifier{}, nil)
	g.HandleConfig(context.Background(), []byte(`{"isActive": false}`))
	if _, fire := g.Evaluate(context.Background(), store.Reading{Temperature: 99}); fire {
		t.Error("inactive config fired")
	}
}

func TestCooldown(t *testing.T) {
	n := &fakeNotifier{}
	g, clock := newTestGateway(t, testStore(t), n, nil)
	ctx := context.Background()
	g.HandleConfig(ctx, []byte(`{"chatId": "7", "telegramToken": "cfg-token"}`))
	n.sent = nil

	hot := reading(40, 50)
	g.HandleReading(ctx, hot, clock.t)
	clock.advance(5 * time.Second)
	g.HandleReading(ctx, hot, clock.t)
	clock.advance(5 * time.Second)
	// Exactly at the cooldown boundary is still cooling.
	g.HandleReading(ctx, hot, clock.t)
	clock.advance(time.Second)
	g.HandleReading(ctx, hot, clock.t)

	if len(n.sent) != 2 {
		t.Fatalf("alerts sent = %d, want 2", len(n.sent))
	}
	if n.sent[0].token != "cfg-token" || n.sent[0].chatID != "7" {
		t.Errorf("sent = %+v", n.sent[0])
	}
	if !strings.HasPrefix(n.sent[0].text, alertPrefix) {
		t.Errorf("text = %q", n.sent[0].text)
	}
}

func TestReadingLogRotates(t *testing.T) {
	st := testStore(t)
	g, err := New(st, &fakeNotifier{}, nil, Config{
		DataTopic: dataTopic, ConfigTopic: configTopic, LogCapacity: 3,
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := g.HandleReading(context.Background(), reading(float64(20+i), 50), time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	log, err := st.ListLog()
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 3 || log[0].Temperature != 22 || log[2].Temperature != 24 {
		t.Errorf("log = %+v", log)
	}
}

func TestMalformedReadingSkipped(t *testing.T) {
	st := testStore(t)
	g, _ := newTestGateway(t, st, &fakeNotifier{}, nil)
	err := g.HandleMessage(context.Background(), telemetry.Message{Topic: dataTopic, Payload: []byte("{bad")})
	if !errors.Is(err, telemetry.ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
	if log, _ := st.ListLog(); len(log) != 0 {
		t.Errorf("log len = %d, want 0", len(log))
	}
}

func TestMissingChatIDDoesNotSend(t *testing.T) {
	n := &fakeNotifier{}
	g, clock := newTestGateway(t, testStore(t), n, nil)
	g.HandleReading(context.Background(), reading(45, 10), clock.t)
	if len(n.sent) != 0 {
		t.Errorf("sent = %+v, want none", n.sent)
	}
}

type staticRule string

func (r staticRule) Check(context.Context, store.Reading, store.AlertConfig) (string, error) {
	return string(r), nil
}

func TestRuleExtendsAlert(t *testing.T) {
	g, _ := newTestGateway(t, testStore(t), &fakeNotifier{}, staticRule("condensation risk"))
	msg, fire := g.Evaluate(context.Background(), store.Reading{Temperature: 25, Humidity: 50})
	if !fire || !strings.Contains(msg, "condensation risk") {
		t.Errorf("msg = %q, fire = %v", msg, fire)
	}
}

func TestRunProcessesQueue(t *testing.T) {
	st := testStore(t)
	g, _ := newTestGateway(t, st, &fakeNotifier{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	g.Deliver(telemetry.Message{Topic: configTopic, Payload: []byte(`{"tempMax": 22}`)})
	g.Deliver(telemetry.Message{Topic: dataTopic, Payload: reading(21, 50), ArrivedAt: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for {
		log, _ := st.ListLog()
		if len(log) == 1 && g.AlertConfig().TempMax == 22 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queue not processed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v", err)
	}
}
