// Package api serves the census HTTP surface: live counts, history,
// analytics, ad state, and the annotated video stream. Every endpoint
// reads published state; none of them touch the capture pipeline.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/crowdsense-data/crowdsense/internal/ads"
	"github.com/crowdsense-data/crowdsense/internal/census"
	"github.com/crowdsense-data/crowdsense/internal/config"
	"github.com/crowdsense-data/crowdsense/internal/db"
	"github.com/crowdsense-data/crowdsense/internal/httputil"
	"github.com/crowdsense-data/crowdsense/internal/monitoring"
	"github.com/crowdsense-data/crowdsense/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	bus       *census.Bus
	analytics *census.Analytics
	database  *db.DB
	catalog   *ads.Catalog
	display   *ads.Display
	cfg       *config.Config
}

// NewServer wires the HTTP surface. database may be nil; history and ad
// stats endpoints then answer from in-memory state only.
func NewServer(bus *census.Bus, analytics *census.Analytics, database *db.DB, catalog *ads.Catalog, display *ads.Display, cfg *config.Config) *Server {
	return &Server{
		bus:       bus,
		analytics: analytics,
		database:  database,
		catalog:   catalog,
		display:   display,
		cfg:       cfg,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/counts", s.showCounts)
	mux.HandleFunc("/api/counts/stream", s.streamCounts)
	mux.HandleFunc("/api/history", s.showHistory)
	mux.HandleFunc("/api/analytics", s.showAnalytics)
	mux.HandleFunc("/api/ads/current", s.showCurrentAd)
	mux.HandleFunc("/api/ads/stats", s.showAdStats)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/stream", s.streamMJPEG)
	mux.HandleFunc("/healthz", s.healthz)
	return mux
}

func (s *Server) showCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	snap := s.bus.Latest()
	if snap == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "No snapshot published yet")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) showHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.WriteJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	// Without a database the trailing in-memory window is all we have.
	if s.database == nil {
		report := s.analytics.Report()
		history := report.History
		if len(history) > limit {
			history = history[len(history)-limit:]
		}
		httputil.WriteJSON(w, http.StatusOK, history)
		return
	}

	samples, err := s.database.CountHistory(limit)
	if err != nil {
		monitoring.Logf("[API] count history query failed: %v", err)
		httputil.WriteJSONError(w, http.StatusInternalServerError, "Failed to query history")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, samples)
}

func (s *Server) showAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.analytics.Report())
}

func (s *Server) showCurrentAd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	imp := s.display.Current()
	if imp == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "No ad showing yet")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, imp)
}

func (s *Server) showAdStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	out := struct {
		Assets      []ads.Asset         `json:"assets"`
		Impressions []db.ImpressionStat `json:"impressions,omitempty"`
		Triggers    []db.TriggerEvent   `json:"triggers,omitempty"`
	}{
		Assets: s.catalog.Assets(),
	}

	if s.database != nil {
		stats, err := s.database.ImpressionStats()
		if err != nil {
			monitoring.Logf("[API] impression stats query failed: %v", err)
			httputil.WriteJSONError(w, http.StatusInternalServerError, "Failed to query impressions")
			return
		}
		out.Impressions = stats

		triggers, err := s.database.TriggerEvents(20)
		if err != nil {
			monitoring.Logf("[API] trigger events query failed: %v", err)
			httputil.WriteJSONError(w, http.StatusInternalServerError, "Failed to query triggers")
			return
		}
		out.Triggers = triggers
	}

	httputil.WriteJSON(w, http.StatusOK, out)
}

// showConfig reports the effective tuning values after defaults, not the
// raw file contents.
func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"person_confidence":    s.cfg.GetPersonConfidence(),
		"face_confidence":      s.cfg.GetFaceConfidence(),
		"gender_confidence":    s.cfg.GetGenderConfidence(),
		"overlap_iou":          s.cfg.GetOverlapIoU(),
		"match_distance":       s.cfg.GetMatchDistance(),
		"max_disappeared":      s.cfg.GetMaxDisappeared(),
		"vote_window":          s.cfg.GetVoteWindow(),
		"frame_skip":           s.cfg.GetFrameSkip(),
		"capture_timeout":      s.cfg.GetCaptureTimeout().String(),
		"max_capture_failures": s.cfg.GetMaxCaptureFailures(),
		"ad_dwell":             s.cfg.GetAdDwell().String(),
		"ad_min_interval":      s.cfg.GetAdMinInterval().String(),
		"history_window":       s.cfg.GetHistoryWindow(),
		"broadcast_interval":   s.cfg.GetBroadcastInterval().String(),
		"jpeg_quality":         s.cfg.GetJPEGQuality(),
		"camera_width":         s.cfg.GetCameraWidth(),
		"camera_height":        s.cfg.GetCameraHeight(),
		"target_fps":           s.cfg.GetTargetFPS(),
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"ok": true, "version": version.Version}
	if snap := s.bus.Latest(); snap != nil {
		status["last_cycle"] = snap.Cycle
		status["last_publish"] = snap.Timestamp
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}
