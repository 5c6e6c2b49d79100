// Package server is the reference implementation of the domain mutation
// endpoint that devices sync against.
//
// Accepted mutations are stamped with updatedAt and updatedBy, written to
// the record store, and recorded in the audit trail inside the same
// transaction. Audit entries are announced on the dashboard when one is
// attached.
//
// Routes:
//
//	POST /api/records/{id}   apply a mutation (remote.MutationRequest)
//	GET  /api/records/{id}   current record
//	PUT  /api/actors/{id}    update an actor's display identity (privileged)
//	GET  /api/audit          audit trail (privileged)
//	GET  /ws                 dashboard stream
//	GET  /health             liveness
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
	"strings"
	"time"

	"github.com/fieldops/fieldsync/internal/audit"
	"github.com/fieldops/fieldsync/internal/dashboard"
	"github.com/fieldops/fieldsync/internal/record"
	"github.com/fieldops/fieldsync/internal/remote"
)

// Field names a client may not set directly.
var reservedFields = []string{"id", record.FieldUpdatedAt, record.FieldUpdatedBy}

const maxBodyBytes = 1 << 20

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: :8787)
	Addr string

	// Logger for request activity (default: stderr logger)
	Logger *log.Logger

	// Now overrides the clock (tests)
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8787",
		Logger: log.New(os.Stderr, "[server] ", log.LstdFlags),
		Now:    time.Now,
	}
}

// AuditNotifier is told about every appended audit entry.
type AuditNotifier interface {
	OnAuditAppended(e *audit.Entry)
}

// Server serves the record, audit and dashboard endpoints.
type Server struct {
	records *RecordStore
	audit   *audit.Service
	dash    *dashboard.Server
	notify  AuditNotifier
	logger  *log.Logger
	now     func() time.Time
	addr    string

	listener net.Listener
	http     *http.Server
}

// New creates a server. dash may be nil, in which case /ws is not served.
func New(records *RecordStore, auditSvc *audit.Service, dash *dashboard.Server, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Server{
		records: records,
		audit:   auditSvc,
		dash:    dash,
		logger:  config.Logger,
		now:     config.Now,
		addr:    config.Addr,
	}
	if s.logger == nil {
		s.logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.addr == "" {
		s.addr = ":8787"
	}
	if dash != nil {
		s.notify = dashboard.NewHandler(dash, nil, s.logger)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/records/{id}", s.handleMutate)
	mux.HandleFunc("GET /api/records/{id}", s.handleGetRecord)
	mux.HandleFunc("PUT /api/actors/{id}", s.handlePutActor)
	mux.Handle("/api/audit", audit.NewHandler(s.audit))
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.dash != nil {
		mux.HandleFunc("GET /ws", s.dash.HandleWebSocket)
	}
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	if s.dash != nil {
		s.dash.Run()
	}

	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Printf("Listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the listener and the dashboard down.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if s.dash != nil {
		if err := s.dash.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	actor := strings.TrimSpace(r.Header.Get(remote.ActorHeader))
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "actor required")
		return
	}

	var req remote.MutationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateFields(req.Fields); msg != "" {
		writeError(w, http.StatusUnprocessableEntity, msg)
		return
	}

	now := s.now()
	at := now
	if req.ModifiedAt > 0 {
		at = time.UnixMilli(req.ModifiedAt)
		if at.After(now) {
			at = now
		}
	}

	var entry *audit.Entry
	rec, applied, err := s.records.Apply(r.Context(), id, req.Fields, actor, at,
		func(ctx context.Context, before map[string]any, after *record.ServerRecord) error {
			var err error
			entry, err = s.audit.Record(ctx, audit.Mutation{
				TaskID:    id,
				ActorID:   actor,
				Before:    before,
				After:     after.Fields,
				ChangedAt: after.UpdatedAt,
			})
			return err
		})
	if err != nil {
		s.logger.Printf("Error: mutation of %s by %s failed: %v", id, actor, err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}

	if applied {
		s.logger.Printf("%s applied %s to %s", actor, entry.Action, id)
		if s.notify != nil {
			s.notify.OnAuditAppended(entry)
		}
	} else if rec.UpdatedBy == actor {
		s.logger.Printf("%s edit of %s already applied", actor, id)
	} else {
		s.logger.Printf("%s edit of %s superseded by %s", actor, id, rec.UpdatedBy)
	}
	writeJSON(w, http.StatusOK, rec)
}

func validateFields(fields map[string]any) string {
	if len(fields) == 0 {
		return "fields are required"
	}
	for _, k := range reservedFields {
		if _, ok := fields[k]; ok {
			return fmt.Sprintf("field %q is set by the server", k)
		}
	}
	for k := range fields {
		if strings.TrimSpace(k) == "" {
			return "field names must not be empty"
		}
	}
	return ""
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		s.logger.Printf("Error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePutActor(w http.ResponseWriter, r *http.Request) {
	if err := s.audit.Authorize(audit.RoleFromRequest(r)); err != nil {
		if errors.Is(err, audit.ErrForbidden) {
			writeError(w, http.StatusForbidden, "forbidden")
		} else {
			writeError(w, http.StatusUnauthorized, "unauthorized")
		}
		return
	}

	var body struct {
		Name    string `json:"name"`
		Contact string `json:"contact"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	actor := audit.Actor{ID: r.PathValue("id"), Name: body.Name, Contact: body.Contact}
	if err := s.audit.UpsertActor(r.Context(), actor); err != nil {
		s.logger.Printf("Error: failed to update actor %s: %v", actor.ID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, actor)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.dash != nil {
		body["clients"] = s.dash.ClientCount()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
