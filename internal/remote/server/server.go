// Package server is the reference implementation of the remote task service.
//
// It stores tasks in SQLite and, after every committed mutation, pushes a
// change notification ({eventType, new, old}) to all clients of the
// /changes websocket. Notifications are sent in commit order.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/feed"
	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/schema"
)

// Config holds configuration for the service.
type Config struct {
	// Addr to listen on (default ":8080")
	Addr string

	Logger *log.Logger
	Now    func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8080",
		Logger: log.New(os.Stderr, "[server] ", log.LstdFlags),
		Now:    time.Now,
	}
}

// Server serves the task API and the change channel.
type Server struct {
	db     *db.DB
	hub    *feed.Hub
	config *Config

	// mu orders commits with their broadcasts.
	mu sync.Mutex

	listener net.Listener
	http     *http.Server
	wg       sync.WaitGroup
}

// New creates a service backed by database.
func New(database *db.DB, config *Config) (*Server, error) {
	if database == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Server{
		db:     database,
		hub:    feed.NewHub(&feed.HubConfig{Logger: config.Logger}),
		config: config,
	}, nil
}

// Hub returns the change channel hub.
func (s *Server) Hub() *feed.Hub {
	return s.hub
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/changes", s.hub.ServeHTTP)
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.listTasks)
		r.Post("/", s.createTask)
		r.Put("/{id}", s.updateTask)
		r.Delete("/{id}", s.deleteTask)
	})
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.hub.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.config.Logger.Printf("Task service listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop closes change channel clients and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.hub.Stop()

	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}
	s.wg.Wait()
	s.config.Logger.Println("Task service stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.config.Logger.Printf("%s %s %d %v", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Microsecond))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := s.db.GetTaskCount(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"tasks":   count,
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.db.ListTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
		return
	}
	items := make([]schema.Task, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, *t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// createTask inserts a task. Re-posting a task that is already stored
// unchanged is acknowledged without a notification, so a retried insert is
// idempotent; a changed re-post is applied as an update.
func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var task schema.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if task.ID == "" {
		task.ID = schema.NewID()
	}
	task.SetDefaults(s.config.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.InsertTask(r.Context(), &task)
	switch {
	case err == nil:
		s.publish(schema.Insert{Record: task}, nil)
		writeJSON(w, http.StatusCreated, task)
		return
	case errors.Is(err, schema.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest, err.Error())
		return
	case !errors.Is(err, db.ErrExists):
		writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
		return
	}

	existing, err := s.db.GetTask(r.Context(), task.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
		return
	}
	if schema.SameBusinessFields(*existing, task) && existing.UpdatedAt.Equal(task.UpdatedAt) {
		writeJSON(w, http.StatusOK, existing)
		return
	}
	if err := s.db.UpdateTask(r.Context(), &task); err != nil {
		writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
		return
	}
	s.publish(schema.Update{Record: task}, existing)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var task schema.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if task.ID != "" && task.ID != id {
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest, fmt.Sprintf("body id %q does not match path id %q", task.ID, id))
		return
	}
	task.ID = id

	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.db.GetTask(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, remote.CodeNotFound, fmt.Sprintf("task %s not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
		return
	}

	if task.CreatedAt.IsZero() {
		task.CreatedAt = old.CreatedAt
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = s.config.Now()
	}

	err = s.db.UpdateTask(r.Context(), &task)
	switch {
	case errors.Is(err, schema.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest, err.Error())
		return
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, remote.CodeNotFound, fmt.Sprintf("task %s not found", id))
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
		return
	}

	s.publish(schema.Update{Record: task}, old)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.db.DeleteTask(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, remote.CodeNotFound, fmt.Sprintf("task %s not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
		return
	}

	s.publish(schema.Delete{Record: *old}, nil)
	w.WriteHeader(http.StatusNoContent)
}

// publish broadcasts a committed change. Callers hold s.mu.
func (s *Server) publish(c schema.Change, old *schema.Task) {
	if err := s.hub.BroadcastJSON(schema.ToWire(c, old)); err != nil {
		s.config.Logger.Printf("Warning: failed to publish %s %s: %v", c.Kind(), c.TaskID(), err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, remote.Error{Code: code, Message: message})
}
