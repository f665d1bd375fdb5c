// Package api is the HTTP control surface of the engine: browsing, index
// rebuilds, watch control, queue status and a server-sent event stream.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"remote-mirror/internal/access_log"
	"remote-mirror/internal/engine"
	"remote-mirror/internal/fs"
	"remote-mirror/internal/index"
	"remote-mirror/internal/metrics"
	"remote-mirror/internal/status"
)

const (
	DefaultHeartbeat = 15 * time.Second
	eventBuffer      = 64
)

type Server struct {
	manager   *engine.Manager
	token     string
	heartbeat time.Duration
	log       *logrus.Entry
}

type ConnectionInfo struct {
	ID         string              `json:"id"`
	Scheme     string              `json:"scheme"`
	LocalRoot  string              `json:"localRoot"`
	RemoteRoot string              `json:"remoteRoot"`
	AutoIndex  bool                `json:"autoIndex"`
	Queue      *status.QueueStatus `json:"queue,omitempty"`
}

type ListResult struct {
	Path  string     `json:"path"`
	Nodes []*fs.Node `json:"nodes"`
}

type IndexResult struct {
	Listed     int   `json:"listed"`
	Empty      int   `json:"empty"`
	Errors     int   `json:"errors"`
	DurationMs int64 `json:"durationMs"`
}

// NewServer returns a server for manager. An empty token disables auth.
func NewServer(manager *engine.Manager, token string) *Server {
	return &Server{
		manager:   manager,
		token:     token,
		heartbeat: DefaultHeartbeat,
		log:       logrus.WithField("component", "api"),
	}
}

// SetHeartbeat changes how often idle event streams receive a keepalive.
func (s *Server) SetHeartbeat(d time.Duration) {
	s.heartbeat = d
}

func (s *Server) SetupRoutes(r *mux.Router) {
	r.Use(metrics.Middleware)
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/connections", s.handleConnections).Methods("GET")
	api.HandleFunc("/connections/{id}/ls", s.handleList).Methods("GET")
	api.HandleFunc("/connections/{id}/index", s.handleIndex).Methods("POST")
	api.HandleFunc("/connections/{id}/invalidate", s.handleInvalidate).Methods("POST")
	api.HandleFunc("/connections/{id}/watch", s.handleStartWatch).Methods("POST")
	api.HandleFunc("/connections/{id}/watch", s.handleStopWatch).Methods("DELETE")
	api.HandleFunc("/connections/{id}/queue", s.handleQueue).Methods("GET")
	api.HandleFunc("/connections/{id}/queue/history", s.handleClearHistory).Methods("DELETE")
	api.HandleFunc("/connections/{id}/events", s.handleEvents).Methods("GET")
}

// Handler returns the fully wrapped handler: routes plus access logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.SetupRoutes(r)
	return access_log.AccessLogMiddleware(r)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authorized(r) {
			access_log.AddLogContext(r, "auth")
			next.ServeHTTP(w, r)
			return
		}

		access_log.AddLogContext(r, "auth-fail")
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authorization failed"})
	})
}

// authorized accepts the token as a bearer header, or as a query parameter
// for EventSource clients that cannot set headers.
func (s *Server) authorized(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	access_log.AddLogContext(r, "connections")

	ids := s.manager.Connections()
	infos := make([]ConnectionInfo, 0, len(ids))
	for _, id := range ids {
		conn, err := s.manager.Conn(id)
		if err != nil {
			continue
		}
		cfg := conn.Config()
		infos = append(infos, ConnectionInfo{
			ID:         id,
			Scheme:     cfg.Scheme,
			LocalRoot:  cfg.LocalRoot,
			RemoteRoot: cfg.RemoteRoot,
			AutoIndex:  cfg.AutoIndexEnabled(),
			Queue:      s.manager.QueueStatus(id),
		})
	}

	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, err := s.manager.Conn(id)
	if err != nil {
		writeError(w, err)
		return
	}

	dir := r.URL.Query().Get("path")
	if dir == "" {
		dir = conn.Config().RemoteRoot
	}
	dir = fs.CleanRemote(dir)
	force := parseBool(r.URL.Query().Get("force"))

	access_log.AddLogContext(r, fmt.Sprintf("ls:%s:%s", id, dir))
	if force {
		access_log.AddLogContext(r, "force")
	}

	nodes, err := s.manager.ListRemoteDir(r.Context(), id, dir, force)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ListResult{Path: dir, Nodes: nodes})
}

// handleIndex rebuilds the index and answers with the run summary. With
// async set it answers 202 immediately and progress is only visible on the
// event stream.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	access_log.AddLogContext(r, fmt.Sprintf("index:%s", id))

	if _, err := s.manager.Conn(id); err != nil {
		writeError(w, err)
		return
	}

	if parseBool(r.URL.Query().Get("async")) {
		go func() {
			if _, err := s.manager.RebuildRemoteIndex(context.Background(), id, index.Callbacks{}); err != nil {
				s.log.WithError(err).Warnf("API: Index rebuild of %s failed", id)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
		return
	}

	stats, err := s.manager.RebuildRemoteIndex(r.Context(), id, index.Callbacks{})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, IndexResult{
		Listed:     stats.Listed,
		Empty:      stats.Empty,
		Errors:     stats.Errors,
		DurationMs: stats.Duration.Milliseconds(),
	})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	access_log.AddLogContext(r, fmt.Sprintf("invalidate:%s", id))

	if err := s.manager.InvalidateConnection(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartWatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	access_log.AddLogContext(r, fmt.Sprintf("watch-start:%s", id))

	snapshot, err := s.manager.StartWatch(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleStopWatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	access_log.AddLogContext(r, fmt.Sprintf("watch-stop:%s", id))

	snapshot, err := s.manager.StopWatch(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	access_log.AddLogContext(r, fmt.Sprintf("queue:%s", id))

	snapshot := s.manager.QueueStatus(id)
	if snapshot == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no queue for connection " + id})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	access_log.AddLogContext(r, fmt.Sprintf("queue-clear:%s", id))

	if err := s.manager.ClearQueueHistory(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams every update of the connection as server-sent events
// until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	access_log.AddLogContext(r, fmt.Sprintf("events:%s", id))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	updates, cancel, err := s.manager.Subscribe(id, eventBuffer)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	metrics.AddSSEConnections(1)
	defer metrics.AddSSEConnections(-1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if snapshot := s.manager.QueueStatus(id); snapshot != nil {
		writeEvent(w, status.Update{Kind: status.KindStatus, ConnectionID: id, Status: snapshot})
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			writeEvent(w, update)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, update status.Update) {
	data, err := json.Marshal(update)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", update.Kind, data)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, engine.ErrUnknownConnection):
		code = http.StatusNotFound
	case errors.Is(err, fs.ErrOutsideRoot):
		code = http.StatusBadRequest
	case fs.IsNotFound(err):
		code = http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func parseBool(s string) bool {
	if s == "" {
		return false
	}
	v, err := strconv.ParseBool(s)
	return err == nil && v
}
