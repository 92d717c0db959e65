package web

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"envmon/internal/alerts"
	"envmon/internal/store"
	"envmon/internal/telemetry"
)

func (s *Server) handleAPISnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.core.Snapshot())
}

// historyRow is one reading as listed by the API. Index is the value to
// pass back to DELETE /api/history/{index} with the same order.
type historyRow struct {
	Index int `json:"index"`
	store.Reading
	DewPoint float64 `json:"dew_point"`
}

// newestFirst parses the order query parameter. The dashboard lists
// readings newest first, so that is the default.
func newestFirst(r *http.Request) (bool, bool) {
	switch r.URL.Query().Get("order") {
	case "", "display":
		return true, true
	case "arrival":
		return false, true
	default:
		return false, false
	}
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	desc, ok := newestFirst(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "order must be display or arrival"})
		return
	}
	readings := s.core.History()
	rows := make([]historyRow, len(readings))
	for i, rd := range readings {
		pos := i
		if desc {
			pos = len(readings) - 1 - i
		}
		rows[pos] = historyRow{Index: pos, Reading: rd, DewPoint: telemetry.DewPoint(rd)}
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleAPIHistoryCSV(w http.ResponseWriter, r *http.Request) {
	readings := s.core.History()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="history.csv"`)
	cw := csv.NewWriter(w)
	cw.Write([]string{"timestamp", "temperatura", "umidade", "dew_point", "latency"})
	for _, rd := range readings {
		cw.Write([]string{
			rd.Timestamp,
			formatFloat(rd.Temperature),
			formatFloat(rd.Humidity),
			formatFloat(telemetry.DewPoint(rd)),
			formatFloat(rd.LatencyMs),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Debug("write csv response", "err", err)
	}
}

func (s *Server) handleAPIClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.core.ClearHistory(); err != nil {
		// The buffer is already empty in memory; only the durable copy failed.
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history cleared but not persisted"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIDeleteHistoryRow(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid index"})
		return
	}
	desc, ok := newestFirst(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "order must be display or arrival"})
		return
	}

	deleted, err := s.core.DeleteHistoryRow(index, desc)
	switch {
	case !deleted:
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "row not found"})
	case err != nil:
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "row deleted but not persisted"})
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type statsResponse struct {
	telemetry.NetworkStats
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	stats := s.core.Stats()
	s.writeJSON(w, http.StatusOK, statsResponse{
		NetworkStats:  stats,
		UptimeSeconds: stats.Uptime(time.Now()).Seconds(),
	})
}

func (s *Server) handleAPIDerived(w http.ResponseWriter, r *http.Request) {
	window := telemetry.DefaultJitterWindow
	if v := r.URL.Query().Get("window"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "window must be a positive integer"})
			return
		}
		window = n
	}
	s.writeJSON(w, http.StatusOK, s.core.Derived(window))
}

type alertsResponse struct {
	Config store.AlertConfig  `json:"config"`
	Saved  bool               `json:"saved"`
	Result *alerts.SaveResult `json:"result,omitempty"`
}

func (s *Server) handleAPIGetAlerts(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.alerts.Get()
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusOK, alertsResponse{Config: store.DefaultAlertConfig()})
	case err != nil:
		s.logger.Error("get alert config", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	default:
		s.writeJSON(w, http.StatusOK, alertsResponse{Config: cfg.Redacted(), Saved: true})
	}
}

func (s *Server) handleAPISaveAlerts(w http.ResponseWriter, r *http.Request) {
	var cfg store.AlertConfig
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	res, err := s.alerts.Save(r.Context(), cfg)
	switch {
	case errors.Is(err, alerts.ErrInvalidConfig):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case err != nil:
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "alert config not saved"})
		return
	}

	saved, err := s.alerts.Get()
	if err != nil {
		s.logger.Error("reload alert config", "err", err)
		saved = &cfg
	}
	s.writeJSON(w, http.StatusOK, alertsResponse{Config: saved.Redacted(), Saved: res.Saved, Result: res})
}

func (s *Server) handleAPIDeleteAlerts(w http.ResponseWriter, r *http.Request) {
	if err := s.alerts.Delete(); err != nil {
		s.logger.Error("delete alert config", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
