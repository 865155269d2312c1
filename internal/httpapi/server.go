// Package httpapi is the reference backend: the REST surface the sync
// client talks to and the socket that broadcasts every accepted write.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/gridsync/internal/access"
	"github.com/agentworkforce/gridsync/internal/ledger"
	"github.com/agentworkforce/gridsync/internal/recordstore"
)

// operationError is the embedded failure marker returned with a 200.
const operationError = "ERROR"

type ServerConfig struct {
	JWTSecret string
	// ArchivedPeriods are hidden from the restricted view and read-only
	// for non-elevated roles.
	ArchivedPeriods []string
	Policy          access.Source
	// RateLimit is the sustained requests per second allowed per user;
	// zero disables limiting.
	RateLimit    float64
	RateBurst    int
	MaxBodyBytes int64
	Logger       logrus.FieldLogger
}

type ack struct {
	OperationResult string          `json:"operationResult"`
	OperationInfo   string          `json:"operationInfo,omitempty"`
	Records         []ledger.Record `json:"records,omitempty"`
}

type Server struct {
	repo     recordstore.Repository
	cfg      ServerConfig
	logger   logrus.FieldLogger
	hub      *Hub
	schemas  *schemas
	archived map[string]struct{}
	router   chi.Router

	limitersMu sync.Mutex
	limiters   map[int64]*rate.Limiter
}

type claimsKey struct{}

func NewServer(repo recordstore.Repository, cfg ServerConfig) (*Server, error) {
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.Policy == nil {
		cfg.Policy = access.StaticSource{Policy: access.DefaultPolicy()}
	}
	logger := cfg.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	s := &Server{
		repo:     repo,
		cfg:      cfg,
		logger:   logger.WithField("component", "httpapi"),
		schemas:  compiled,
		archived: map[string]struct{}{},
		limiters: map[int64]*rate.Limiter{},
	}
	for _, name := range cfg.ArchivedPeriods {
		if name = strings.TrimSpace(name); name != "" {
			s.archived[name] = struct{}{}
		}
	}
	s.hub = NewHub(s.logger.WithField("component", "hub"))
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Get("/ws", s.handleSocket)
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/periods", s.handlePeriods(false))
			r.Get("/periods/admin", s.handlePeriods(true))
			r.Post("/records", s.handleCreate)
			r.Patch("/records", s.handleUpdate)
			r.Delete("/records", s.handleDelete)
		})
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hub exposes the broadcast hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		requestsTotal.WithLabelValues(r.Method+" "+route, strconv.Itoa(status)).Inc()
		s.logger.WithFields(logrus.Fields{
			"method":    r.Method,
			"route":     route,
			"status":    status,
			"duration":  time.Since(start).String(),
			"requestId": middleware.GetReqID(r.Context()),
		}).Debug("request served")
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, authErr := parseToken(bearerToken(r), s.cfg.JWTSecret, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func claimsFrom(r *http.Request) tokenClaims {
	claims, _ := r.Context().Value(claimsKey{}).(tokenClaims)
	return claims
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.cfg.RateLimit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter(claimsFrom(r).UserID).Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiter(userID int64) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	limiter, ok := s.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
		s.limiters[userID] = limiter
	}
	return limiter
}

func (s *Server) elevated(r *http.Request) bool {
	return s.cfg.Policy.Current().Elevated(claimsFrom(r).Role)
}

func (s *Server) isArchived(list string) bool {
	_, ok := s.archived[strings.TrimSpace(list)]
	return ok
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.serve(w, r, claimsFrom(r).UserID)
}

func (s *Server) handlePeriods(admin bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if admin && !s.elevated(r) {
			writeError(w, http.StatusForbidden, "forbidden", "admin view requires an elevated role", getCorrelationID(r))
			return
		}
		lists, err := s.repo.List(r.Context())
		if err != nil {
			s.logger.WithError(err).Error("list records")
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load records", getCorrelationID(r))
			return
		}
		out := make(map[string][]ledger.Record, len(lists))
		for name, records := range lists {
			if !admin && s.isArchived(name) {
				continue
			}
			out[name] = records
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var drafts []ledger.Record
	if !s.decodeValidated(w, r, s.schemas.create, &drafts) {
		return
	}
	if !s.elevated(r) {
		for _, draft := range drafts {
			if s.isArchived(draft.ListName) {
				writeJSON(w, http.StatusOK, ack{OperationResult: operationError, OperationInfo: "period " + draft.ListName + " is archived"})
				return
			}
		}
	}
	created, err := s.repo.Create(r.Context(), drafts)
	if err != nil {
		s.writeRepoError(w, r, "create", err)
		return
	}
	userID := claimsFrom(r).UserID
	for _, group := range byList(created) {
		s.hub.Broadcast(ledger.Envelope{Type: ledger.EventCreate, UserID: userID, ListName: group.list, Records: group.records})
	}
	s.logger.WithFields(logrus.Fields{"op": "create", "count": len(created), "userId": userID}).Info("records created")
	writeJSON(w, http.StatusOK, ack{OperationResult: "OK", Records: created})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patches []ledger.Record
	if !s.decodeValidated(w, r, s.schemas.update, &patches) {
		return
	}
	updated, err := s.repo.Update(r.Context(), patches)
	if err != nil {
		s.writeRepoError(w, r, "update", err)
		return
	}
	userID := claimsFrom(r).UserID
	for _, group := range byList(updated) {
		s.hub.Broadcast(ledger.Envelope{Type: ledger.EventUpdate, UserID: userID, ListName: group.list, Records: group.records})
	}
	writeJSON(w, http.StatusOK, ack{OperationResult: "OK", Records: updated})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readValidated(w, r, s.schemas.delete)
	if !ok {
		return
	}
	raw := json.RawMessage(body)
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			IDs json.RawMessage `json:"transportAccountingIds"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid delete body", getCorrelationID(r))
			return
		}
		raw = wrapped.IDs
	}
	ids := ledger.ParseIDList(raw)
	removed, err := s.repo.Delete(r.Context(), ids)
	if err != nil {
		s.writeRepoError(w, r, "delete", err)
		return
	}
	userID := claimsFrom(r).UserID
	for _, group := range byList(removed) {
		s.hub.Broadcast(ledger.Envelope{Type: ledger.EventDelete, UserID: userID, ListName: group.list, ListToDel: idsOf(group.records)})
	}
	writeJSON(w, http.StatusOK, ack{OperationResult: "OK"})
}

// writeRepoError maps unknown ids to the embedded marker and everything
// else to a failing status.
func (s *Server) writeRepoError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, recordstore.ErrNotFound):
		writeJSON(w, http.StatusOK, ack{OperationResult: operationError, OperationInfo: err.Error()})
	case errors.Is(err, recordstore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), getCorrelationID(r))
	default:
		s.logger.WithError(err).WithField("op", op).Error("repository write failed")
		writeError(w, http.StatusInternalServerError, "internal_error", op+" failed", getCorrelationID(r))
	}
}

type listGroup struct {
	list    string
	records []ledger.Record
}

func byList(records []ledger.Record) []listGroup {
	index := map[string]int{}
	var out []listGroup
	for _, record := range records {
		pos, ok := index[record.ListName]
		if !ok {
			pos = len(out)
			index[record.ListName] = pos
			out = append(out, listGroup{list: record.ListName})
		}
		out[pos].records = append(out[pos].records, record)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].list < out[j].list })
	return out
}

func idsOf(records []ledger.Record) []int64 {
	out := make([]int64, len(records))
	for i, record := range records {
		out[i] = record.ID
	}
	return out
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", getCorrelationID(r))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", getCorrelationID(r))
		return nil, false
	}
	return body, true
}

func (s *Server) readValidated(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema) ([]byte, bool) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return nil, false
	}
	if message, valid := validate(schema, body); !valid {
		writeError(w, http.StatusBadRequest, "invalid_body", message, getCorrelationID(r))
		return nil, false
	}
	return body, true
}

func (s *Server) decodeValidated(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, dst any) bool {
	body, ok := s.readValidated(w, r, schema)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", getCorrelationID(r))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
