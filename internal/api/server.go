// Package api exposes the daemon's control surface: JSON endpoints for
// output and capture state, configuration, and a websocket feed of
// per-frame capture events.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"waymirror/internal/config"
	"waymirror/internal/logger"
	"waymirror/internal/mirror"
)

// Mirror is the slice of the mirror manager the API serves: output listing,
// per-session counters and the capture event feed.
type Mirror interface {
	Outputs() []mirror.OutputStatus
	Snapshot() []mirror.OutputStats
	Subscribe() chan mirror.FrameEvent
	Unsubscribe(ch chan mirror.FrameEvent)
}

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	mirrorMgr Mirror
	configMgr *config.Manager
	upgrader  websocket.Upgrader
	log       *zerolog.Logger
}

// NewServer creates a new API server
func NewServer(mirrorMgr Mirror, configMgr *config.Manager) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		mirrorMgr: mirrorMgr,
		configMgr: configMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		log: logger.WithComponent("api"),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	// API routes
	api := s.router.PathPrefix("/api").Subrouter()

	// Output state
	api.HandleFunc("/outputs", s.handleGetOutputs).Methods("GET")
	api.HandleFunc("/outputs/{id}", s.handleGetOutput).Methods("GET")

	// Monitoring
	api.HandleFunc("/stats", s.handleGetStats).Methods("GET")
	api.HandleFunc("/events", s.handleEvents)

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleUpdateConfig).Methods("PUT")

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Plain index page naming the endpoints
	s.router.PathPrefix("/").HandlerFunc(s.handleIndex)
}

// Handler returns the fully wired handler, CORS included.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start starts the HTTP server
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.log.Info().Str("addr", addr).Msg("Starting API server")
	return http.ListenAndServe(addr, s.Handler())
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// outputView joins an output's mirror state with its live capture counters.
type outputView struct {
	mirror.OutputStatus
	Stats *mirror.OutputStats `json:"stats,omitempty"`
}

func (s *Server) collectOutputs() []outputView {
	statuses := s.mirrorMgr.Outputs()
	stats := s.mirrorMgr.Snapshot()

	bySession := make(map[string]*mirror.OutputStats, len(stats))
	for i := range stats {
		bySession[stats[i].SessionID] = &stats[i]
	}

	views := make([]outputView, 0, len(statuses))
	for _, st := range statuses {
		v := outputView{OutputStatus: st}
		if st.SessionID != "" {
			v.Stats = bySession[st.SessionID]
		}
		views = append(views, v)
	}
	return views
}

// HTTP Handlers

func (s *Server) handleGetOutputs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.collectOutputs())
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	for _, v := range s.collectOutputs() {
		if v.ID == id {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(v)
			return
		}
	}

	http.Error(w, "output not found", http.StatusNotFound)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	statuses := s.mirrorMgr.Outputs()
	stats := s.mirrorMgr.Snapshot()

	resp := struct {
		Outputs         int    `json:"outputs"`
		Mirrored        int    `json:"mirrored"`
		FramesPresented uint64 `json:"frames_presented"`
		CaptureFrames   uint64 `json:"capture_frames"`
		CaptureFailures uint64 `json:"capture_failures"`
	}{
		Outputs:  len(statuses),
		Mirrored: len(stats),
	}
	for _, st := range stats {
		resp.FramesPresented += st.Presented
		resp.CaptureFrames += st.Capture.Frames
		resp.CaptureFailures += st.Capture.Failures
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	events := s.mirrorMgr.Subscribe()
	defer s.mirrorMgr.Unsubscribe(events)

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			s.log.Debug().Err(err).Msg("WebSocket write failed, dropping subscriber")
			return
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.configMgr.Get()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

// handleUpdateConfig replaces the stored configuration. Capture settings
// (fps, render_cursors, prefer_dmabuf) apply to sessions created afterwards.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.configMgr.Update(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	html := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>waymirror</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, Cantarell, sans-serif;
            max-width: 800px;
            margin: 50px auto;
            padding: 20px;
            background: #f5f5f5;
        }
        .container {
            background: white;
            padding: 30px;
            border-radius: 8px;
            box-shadow: 0 2px 4px rgba(0,0,0,0.1);
        }
        h1 {
            color: #333;
            margin-top: 0;
        }
        .status {
            padding: 10px;
            background: #e8f5e9;
            border-left: 4px solid #4caf50;
            margin: 20px 0;
        }
        .info {
            color: #666;
            line-height: 1.6;
        }
        a {
            color: #1976d2;
            text-decoration: none;
        }
        a:hover {
            text-decoration: underline;
        }
        code {
            background: #f5f5f5;
            padding: 2px 6px;
            border-radius: 3px;
            font-family: 'Courier New', monospace;
        }
    </style>
</head>
<body>
    <div class="container">
        <h1>waymirror</h1>
        <div class="status">
            ✅ Daemon is running
        </div>
        <div class="info">
            <p>waymirror mirrors compositor outputs to a remote-display sink.</p>
            <h3>API Endpoints:</h3>
            <ul>
                <li><a href="/api/health">/api/health</a> - Health check</li>
                <li><a href="/api/outputs">/api/outputs</a> - Outputs with mirror state</li>
                <li><a href="/api/stats">/api/stats</a> - Aggregate capture counters</li>
                <li><a href="/api/config">/api/config</a> - View configuration (PUT to update)</li>
                <li><code>/api/events</code> - WebSocket feed of capture events</li>
            </ul>
        </div>
    </div>
</body>
</html>`

	// Only serve HTML for root path
	if r.URL.Path == "/" {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(html))
		return
	}

	// For other paths, return 404
	if !strings.HasPrefix(r.URL.Path, "/api") {
		http.NotFound(w, r)
	}
}
