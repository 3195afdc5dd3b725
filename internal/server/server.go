package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/comptonizing/ekos-lightbucket/internal/credentials"
	"github.com/comptonizing/ekos-lightbucket/internal/fsutil"
	"github.com/comptonizing/ekos-lightbucket/internal/notify"
	"github.com/comptonizing/ekos-lightbucket/internal/pipeline"
	"github.com/comptonizing/ekos-lightbucket/internal/queue"
	"github.com/comptonizing/ekos-lightbucket/internal/storage"
)

const writeWait = 10 * time.Second

// Options wires the HTTP presentation layer. Nil fields disable the routes
// that need them.
type Options struct {
	Addr        string
	Status      *pipeline.Status
	Queue       *queue.FrameQueue
	Store       *storage.Store
	Hub         *notify.Hub
	Credentials *credentials.Holder
	// SaveCredentials persists credentials set over HTTP.
	SaveCredentials func(credentials.Credentials) error
	Bulk            *pipeline.BulkRunner
	Logger          *slog.Logger
}

// Server exposes uploader status, history, credentials, bulk control and a
// websocket stream of notifications.
type Server struct {
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		opts: opts,
		log:  log,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}
}

// checkOrigin accepts clients without an Origin header, pages served from
// the same host, and pages on the local machine.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	switch strings.ToLower(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/history", s.handleHistory).Methods("GET")
	r.HandleFunc("/credentials", s.handleGetCredentials).Methods("GET")
	r.HandleFunc("/credentials", s.handlePutCredentials).Methods("PUT")
	r.HandleFunc("/bulk", s.handleStartBulk).Methods("POST")
	r.HandleFunc("/bulk", s.handleCancelBulk).Methods("DELETE")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.opts.Addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down HTTP server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("HTTP server starting", "addr", s.opts.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	notify.Counters
	Pending    []string `json:"pending"`
	BulkActive bool     `json:"bulk_active"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Pending: []string{}}
	if s.opts.Status != nil {
		resp.Counters = s.opts.Status.Snapshot()
	}
	if s.opts.Queue != nil {
		for _, ev := range s.opts.Queue.Snapshot() {
			resp.Pending = append(resp.Pending, ev.FileName)
		}
		resp.Queued = len(resp.Pending)
	}
	if s.opts.Bulk != nil {
		resp.BulkActive = s.opts.Bulk.Active()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.opts.Store.RecentUploads(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.UploadRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type credentialsBody struct {
	Username   string `json:"username"`
	APIKey     string `json:"api_key,omitempty"`
	Configured bool   `json:"configured"`
}

func (s *Server) handleGetCredentials(w http.ResponseWriter, r *http.Request) {
	if s.opts.Credentials == nil {
		http.Error(w, "credentials are not managed here", http.StatusNotFound)
		return
	}
	c := s.opts.Credentials.Current()
	writeJSON(w, http.StatusOK, credentialsBody{Username: c.Username, Configured: c.Complete()})
}

func (s *Server) handlePutCredentials(w http.ResponseWriter, r *http.Request) {
	if s.opts.Credentials == nil {
		http.Error(w, "credentials are not managed here", http.StatusNotFound)
		return
	}
	var body credentialsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	c := credentials.Credentials{Username: body.Username, APIKey: body.APIKey}
	if !c.Complete() {
		http.Error(w, "username and api_key are required", http.StatusBadRequest)
		return
	}
	if s.opts.SaveCredentials != nil {
		if err := s.opts.SaveCredentials(c); err != nil {
			s.log.Error("failed to save credentials", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	s.opts.Credentials.Set(c)
	s.log.Info("credentials updated", "username", c.Username)
	w.WriteHeader(http.StatusNoContent)
}

type bulkRequest struct {
	Paths []string `json:"paths"`
}

func (s *Server) handleStartBulk(w http.ResponseWriter, r *http.Request) {
	if s.opts.Bulk == nil {
		http.Error(w, "bulk uploads disabled", http.StatusNotFound)
		return
	}
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	files, err := fsutil.ExpandFrames(req.Paths)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(files) == 0 {
		http.Error(w, "no FITS files found", http.StatusBadRequest)
		return
	}
	// The job outlives the request.
	if _, err := s.opts.Bulk.Start(context.WithoutCancel(r.Context()), files); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"files": len(files)})
}

func (s *Server) handleCancelBulk(w http.ResponseWriter, r *http.Request) {
	if s.opts.Bulk == nil || s.opts.Bulk.Cancel() == nil {
		http.Error(w, "no bulk upload running", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.opts.Hub == nil {
		http.Error(w, "notifications disabled", http.StatusNotFound)
		return
	}
	events, unsubscribe := s.opts.Hub.Subscribe(0)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		unsubscribe()
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			unsubscribe()
			conn.Close()
		}()
		for {
			select {
			case <-closed:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}()
}
