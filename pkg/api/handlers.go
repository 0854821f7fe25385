package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/powerhive/hivelog/pkg/analysis"
	"github.com/powerhive/hivelog/pkg/database"
)

// Query defaults.
const (
	defaultTrendMinutes   = 120
	defaultTrendBuckets   = 60
	defaultChangesMinutes = 60
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// respond writes v. Rejected windows and metrics are 400; other provider
// failures are 500.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, v interface{}, err error) {
	if errors.Is(err, analysis.ErrInvalidWindow) || errors.Is(err, database.ErrUnknownMetric) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.WithField("request_id", RequestIDFrom(r.Context())).WithError(err).Error("query failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// queryInt parses an integer query value in [1, max], def when absent.
func queryInt(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > max {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return n, nil
}

func trendWindow(r *http.Request) (minutes, buckets int, err error) {
	if minutes, err = queryInt(r, "minutes", defaultTrendMinutes, analysis.MaxWindowMinutes); err != nil {
		return 0, 0, err
	}
	if buckets, err = queryInt(r, "buckets", defaultTrendBuckets, analysis.MaxBuckets); err != nil {
		return 0, 0, err
	}
	return minutes, buckets, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// ============================================================================
// Devices
// ============================================================================

func (s *Server) devices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.provider.Devices(r.Context())
	s.respond(w, r, devices, err)
}

func (s *Server) deviceInfo(w http.ResponseWriter, r *http.Request) {
	d, err := s.provider.Device(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, d, err)
}

func (s *Server) latest(w http.ResponseWriter, r *http.Request) {
	latest, err := s.provider.Latest(r.Context(), mux.Vars(r)["id"])
	if err == nil && latest == nil {
		writeError(w, http.StatusNotFound, "no data found")
		return
	}
	s.respond(w, r, latest, err)
}

func (s *Server) count(w http.ResponseWriter, r *http.Request) {
	n, err := s.provider.MetricCount(r.Context(), r.URL.Query().Get("device"))
	s.respond(w, r, map[string]int64{"count": n}, err)
}

// ============================================================================
// Trends
// ============================================================================

func (s *Server) hashrateTrend(w http.ResponseWriter, r *http.Request) {
	minutes, buckets, err := trendWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	trend, err := s.provider.Trend(r.Context(), mux.Vars(r)["id"], minutes, buckets)
	s.respond(w, r, trend, err)
}

func (s *Server) temperatureTrend(w http.ResponseWriter, r *http.Request) {
	minutes, buckets, err := trendWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	trend, err := s.provider.TemperatureTrend(r.Context(), mux.Vars(r)["id"], minutes, buckets)
	s.respond(w, r, trend, err)
}

func (s *Server) swarmTrend(w http.ResponseWriter, r *http.Request) {
	minutes, buckets, err := trendWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	trend, err := s.provider.SwarmTrend(r.Context(), minutes, buckets)
	s.respond(w, r, trend, err)
}

// ============================================================================
// Sessions and stability
// ============================================================================

func (s *Server) totalUptime(w http.ResponseWriter, r *http.Request) {
	totals, err := s.provider.TotalUptime(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, totals, err)
}

func (s *Server) variance(w http.ResponseWriter, r *http.Request) {
	v, err := s.provider.MultiTimeframeVariance(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, v, err)
}

func sessionSeconds(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["seconds"]
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid seconds: %q", raw)
	}
	return n, nil
}

func (s *Server) sessionStats(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	metric, err := database.ParseMetric(vars["metric"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: %q", err, vars["metric"]))
		return
	}
	secs, err := sessionSeconds(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := s.provider.SessionStats(r.Context(), vars["id"], metric, secs)
	s.respond(w, r, stats, err)
}

func (s *Server) uptimeAvg(w http.ResponseWriter, r *http.Request) {
	secs, err := sessionSeconds(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	avg, err := s.provider.UptimeAverages(r.Context(), mux.Vars(r)["id"], secs)
	s.respond(w, r, avg, err)
}

// ============================================================================
// Health
// ============================================================================

func (s *Server) deviceHealth(w http.ResponseWriter, r *http.Request) {
	threshold := s.offline
	if r.URL.Query().Get("threshold") != "" {
		minutes, err := queryInt(r, "threshold", 0, analysis.MaxWindowMinutes)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		threshold = time.Duration(minutes) * time.Minute
	}
	health, err := s.provider.AllDeviceHealth(r.Context(), r.URL.Query()["device"], threshold)
	s.respond(w, r, health, err)
}

func (s *Server) configChanges(w http.ResponseWriter, r *http.Request) {
	minutes, err := queryInt(r, "minutes", defaultChangesMinutes, analysis.MaxWindowMinutes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	changes, err := s.provider.ConfigChanges(r.Context(), r.URL.Query()["device"], minutes)
	s.respond(w, r, changes, err)
}

// ============================================================================
// Difficulty and reports
// ============================================================================

func (s *Server) highestDifficulty(w http.ResponseWriter, r *http.Request) {
	rec, err := s.provider.HighestDifficulty(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, rec, err)
}

func (s *Server) maxBestDiff(w http.ResponseWriter, r *http.Request) {
	best, err := s.provider.MaxBestDiff(r.Context(), r.URL.Query()["device"])
	s.respond(w, r, map[string]float64{"max_best_diff": best}, err)
}

func (s *Server) configSummary(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 0, analysis.MaxWindowMinutes/60)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reports, err := s.provider.ConfigSummary(r.Context(), mux.Vars(r)["id"], hours)
	s.respond(w, r, reports, err)
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.provider.Summary(r.Context())
	s.respond(w, r, summary, err)
}

func (s *Server) swarm(w http.ResponseWriter, r *http.Request) {
	swarm, err := s.provider.Swarm(r.Context())
	s.respond(w, r, swarm, err)
}
