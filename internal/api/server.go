package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/sepwatch/sepwatch/internal/alerter"
	"github.com/sepwatch/sepwatch/internal/collector"
	"github.com/sepwatch/sepwatch/internal/config"
	"github.com/sepwatch/sepwatch/internal/engine"
	"github.com/sepwatch/sepwatch/internal/logbuffer"
	"github.com/sepwatch/sepwatch/internal/types"
	"github.com/sepwatch/sepwatch/internal/version"
)

const (
	snapshotWait  = 5 * time.Second
	maxBodyBytes  = 4 << 20
	defaultLogMax = 200
)

// ConfigReloadFunc is called when config reload is requested
type ConfigReloadFunc func() (*config.Config, error)

// FeedHealthFunc reports the state of every upstream feed
type FeedHealthFunc func() []collector.FeedHealth

// Server provides the HTTP query, ingestion and subscription surface
type Server struct {
	engine    *engine.Engine
	logger    zerolog.Logger
	addr      string
	startTime time.Time
	upgrader  websocket.Upgrader

	logBuffer  *logbuffer.LogBuffer
	reloadFunc ConfigReloadFunc
	feedHealth FeedHealthFunc

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates a new API server
func NewServer(eng *engine.Engine, logger zerolog.Logger, addr string) *Server {
	return &Server{
		engine:    eng,
		logger:    logger,
		addr:      addr,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			// Consumers are dashboards served from elsewhere
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetLogBuffer sets the log buffer served on /api/logs
func (s *Server) SetLogBuffer(lb *logbuffer.LogBuffer) {
	s.logBuffer = lb
}

// SetReloadFunc sets the function to call when config reload is requested
func (s *Server) SetReloadFunc(fn ConfigReloadFunc) {
	s.reloadFunc = fn
}

// SetFeedHealth sets the function reporting upstream feed health
func (s *Server) SetFeedHealth(fn FeedHealthFunc) {
	s.feedHealth = fn
}

// Handler returns the complete route table. JSON routes are gzip-compressed
// when the client accepts it.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /health", s.handleHealth)
	api.HandleFunc("GET /status", s.handleStatus)
	api.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	api.HandleFunc("GET /api/conflicts", s.handleConflicts)
	api.HandleFunc("GET /api/sectors", s.handleSectors)
	api.HandleFunc("GET /api/reassignments", s.handleReassignments)
	api.HandleFunc("GET /api/alerts", s.handleAlerts)
	api.HandleFunc("POST /api/alerts/{id}/ack", s.handleAcknowledge)
	api.HandleFunc("POST /api/tracks", s.handleTracks)
	api.HandleFunc("DELETE /api/tracks/{id}", s.handleRemoveTrack)
	api.HandleFunc("POST /api/intents", s.handleIntent)
	api.HandleFunc("GET /api/logs", s.handleLogsAPI)
	api.HandleFunc("POST /api/reload", s.handleReload)

	root := http.NewServeMux()
	root.HandleFunc("GET /api/updates", s.handleUpdates)
	root.Handle("/", gzhttp.GzipHandler(api))
	return root
}

// Start serves HTTP until Shutdown is called
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info().
		Str("address", s.addr).
		Msg("Starting API server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// handleHealth reports liveness and whether cycles are completing
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if !s.engine.Healthy() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"last_success": s.engine.LastSuccess(),
		"time":         time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus returns an engine and process summary
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	proc := map[string]any{
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc_mb":  m.HeapAlloc / (1024 * 1024),
		"sys_mb":         m.Sys / (1024 * 1024),
		"num_gc":         m.NumGC,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil {
			proc["rss_mb"] = mi.RSS / (1024 * 1024)
		}
	}
	// Non-blocking sample relative to the previous call
	if usage, err := cpu.Percent(0, false); err == nil && len(usage) > 0 {
		proc["cpu_percent"] = usage[0]
	}

	status := map[string]any{
		"version":      version.Get(),
		"healthy":      s.engine.Healthy(),
		"last_success": s.engine.LastSuccess(),
		"ingest":       s.engine.IngestStats(),
		"sectors":      len(s.engine.Config().Sectors),
		"process":      proc,
		"time":         time.Now().UTC().Format(time.RFC3339),
	}
	if snap := s.engine.Current(); snap != nil {
		status["generation"] = snap.Generation
		status["stale"] = snap.Stale
		status["stats"] = snap.Stats
		status["conflicts"] = len(snap.Conflicts)
		status["active_alerts"] = len(snap.Alerts)
	}
	if s.feedHealth != nil {
		status["feeds"] = s.feedHealth()
	}
	writeJSON(w, http.StatusOK, status)
}

// snapshot waits briefly for the first cycle, bounded by the request
func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) bool {
	if s.engine.Current() != nil {
		return true
	}
	ctx, cancel := context.WithTimeout(r.Context(), snapshotWait)
	defer cancel()
	if _, err := s.engine.Snapshot(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no snapshot available yet"))
		return false
	}
	return true
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.snapshot(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Current())
}

// handleConflicts supports ?sector= and ?min_severity= filters
func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if !s.snapshot(w, r) {
		return
	}
	snap := s.engine.Current()
	sector := r.URL.Query().Get("sector")
	var minSev types.Severity
	if v := r.URL.Query().Get("min_severity"); v != "" {
		minSev.UnmarshalText([]byte(v))
	}

	out := make([]types.Conflict, 0, len(snap.Conflicts))
	for _, c := range snap.Conflicts {
		if sector != "" && c.Sector != sector {
			continue
		}
		if c.Severity < minSev {
			continue
		}
		out = append(out, c)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": snap.Generation,
		"stale":      snap.Stale,
		"conflicts":  out,
		"count":      len(out),
	})
}

func (s *Server) handleSectors(w http.ResponseWriter, r *http.Request) {
	if !s.snapshot(w, r) {
		return
	}
	snap := s.engine.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": snap.Generation,
		"stale":      snap.Stale,
		"sectors":    snap.Sectors,
		"count":      len(snap.Sectors),
	})
}

func (s *Server) handleReassignments(w http.ResponseWriter, r *http.Request) {
	if !s.snapshot(w, r) {
		return
	}
	snap := s.engine.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"generation":    snap.Generation,
		"stale":         snap.Stale,
		"reassignments": snap.Reassignments,
		"count":         len(snap.Reassignments),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if !s.snapshot(w, r) {
		return
	}
	snap := s.engine.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": snap.Generation,
		"alerts":     snap.Alerts,
		"count":      len(snap.Alerts),
	})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	alert, err := s.engine.Acknowledge(id)
	if errors.Is(err, alerter.ErrUnknownAlert) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info().Str("alert_id", id).Str("key", alert.Key).Msg("Alert acknowledged via API")
	writeJSON(w, http.StatusOK, alert)
}

// IngestResult reports the outcome of one submitted track
type IngestResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func ingestStatus(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusAccepted, "accepted"
	case errors.Is(err, types.ErrStaleUpdate):
		return http.StatusConflict, "stale"
	case types.IsValidation(err):
		return http.StatusBadRequest, "rejected"
	default:
		return http.StatusInternalServerError, "error"
	}
}

// handleTracks accepts a single track object or an array of them. A single
// track maps its outcome to the status code; a batch always answers 202
// with per-track results.
func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if isArray(raw) {
		var tracks []types.Track
		if err := json.Unmarshal(raw, &tracks); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		results := make([]IngestResult, 0, len(tracks))
		for _, t := range tracks {
			res := IngestResult{ID: t.ID}
			err := s.engine.Ingest(t)
			_, res.Status = ingestStatus(err)
			if err != nil {
				res.Error = err.Error()
			}
			results = append(results, res)
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"results": results})
		return
	}

	var t types.Track
	if err := json.Unmarshal(raw, &t); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err := s.engine.Ingest(t)
	code, status := ingestStatus(err)
	res := IngestResult{ID: t.ID, Status: status}
	if err != nil {
		res.Error = err.Error()
	}
	writeJSON(w, code, res)
}

func isArray(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		}
		return false
	}
	return false
}

func (s *Server) handleRemoveTrack(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.engine.Remove(id) {
		writeError(w, http.StatusNotFound, errors.New("unknown aircraft "+id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var intent types.FlightIntent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&intent); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.SetIntent(intent); err != nil {
		code, _ := ingestStatus(err)
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"aircraft_id": intent.AircraftID, "status": "accepted"})
}

// handleLogsAPI returns recent log entries, filtered by ?level= and ?limit=
func (s *Server) handleLogsAPI(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogMax
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	level := zerolog.TraceLevel
	if v := r.URL.Query().Get("level"); v != "" {
		if parsed, err := zerolog.ParseLevel(v); err == nil {
			level = parsed
		}
	}

	entries := []logbuffer.LogEntry{}
	if s.logBuffer != nil {
		entries = s.logBuffer.GetRecentEntries(limit, level)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleReload handles config reload requests
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reloadFunc == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{
			"success": false,
			"error":   "Config reload not configured",
		})
		return
	}

	s.logger.Info().Msg("Config reload requested via API")

	newCfg, err := s.reloadFunc()
	if err != nil {
		s.logger.Error().Err(err).Msg("Config reload failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	s.logger.Info().
		Int("sector_count", len(newCfg.Sectors)).
		Msg("Config reloaded successfully")

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"sector_count": len(newCfg.Sectors),
		"feed_count":   len(newCfg.Feeds),
	})
}
