// Package server is the HTTP surface of the transparency log. It maps
// the external protocol onto the service layer, enforcing content types
// and status codes; it holds no log logic of its own.
package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/opentlog/tlogd/internal/config"
	"github.com/opentlog/tlogd/internal/service"
	"github.com/opentlog/tlogd/pkg/database"
	"github.com/opentlog/tlogd/pkg/merkle"
)

const (
	contentTypeCose    = "application/cose"
	contentTypeProblem = "application/problem+json"
	contentTypeOctet   = "application/octet-stream"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tlogd_http_requests_total",
		Help: "HTTP requests served, by handler, method, and status code.",
	}, []string{"handler", "method", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tlogd_http_request_duration_seconds",
		Help:    "HTTP request latency, by handler.",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})

	registrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tlogd_registrations_total",
		Help: "Registration outcomes.",
	}, []string{"outcome"})
)

// Server is the HTTP front end for one transparency service instance.
type Server struct {
	config  *config.Config
	service *service.TransparencyService
	router  *mux.Router
	logger  *slog.Logger
}

// NewServer wires a service instance from cfg and builds the route table.
func NewServer(cfg *config.Config) (*Server, error) {
	svc, err := service.NewTransparencyService(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create transparency service: %w", err)
	}

	s := &Server{
		config:  cfg,
		service: svc,
		router:  mux.NewRouter(),
		logger:  slog.Default().With("component", "http"),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/entries", s.handleRegister).Methods(http.MethodPost)
	s.router.HandleFunc("/entries", s.handleQueryEntries).Methods(http.MethodGet)
	s.router.HandleFunc("/entries/{position:[0-9]+}", s.handleGetEntry).Methods(http.MethodGet)
	s.router.HandleFunc("/entries/{position:[0-9]+}/receipt", s.handleGetReceipt).Methods(http.MethodGet)
	s.router.HandleFunc("/checkpoint", s.handleCheckpoint).Methods(http.MethodGet)

	// Tile indices span path segments (x001/234), so the tile tree is
	// routed by prefix and parsed by the tile naming code itself.
	s.router.PathPrefix("/tile/").HandlerFunc(s.handleTile).Methods(http.MethodGet)

	s.router.HandleFunc("/.well-known/transparency-configuration", s.handleConfiguration).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Start listens on the configured address and serves until the listener
// fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.logger.Info("starting transparency service", "addr", addr, "origin", s.config.Origin)
	return http.ListenAndServe(addr, s.Handler())
}

// Close releases the underlying service resources.
func (s *Server) Close() error {
	return s.service.Close()
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	if s.config.Server.CORS.Enabled {
		h = cors.New(cors.Options{
			AllowedOrigins: s.config.Server.CORS.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
		}).Handler(h)
	}
	return s.observe(h)
}

// statusRecorder captures the status code written by a handler so the
// logging and metrics middleware can report it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe assigns request IDs and records structured logs and Prometheus
// metrics for every request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := newRequestID()
		w.Header().Set("X-Request-Id", reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		handler := routeLabel(r)
		requestsTotal.WithLabelValues(handler, r.Method, strconv.Itoa(rec.status)).Inc()
		requestDuration.WithLabelValues(handler).Observe(elapsed.Seconds())
		s.logger.Info("request",
			"id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"remote", r.RemoteAddr,
		)
	})
}

func newRequestID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b[:])
}

// routeLabel collapses request paths into a bounded metric label set.
func routeLabel(r *http.Request) string {
	p := r.URL.Path
	switch {
	case p == "/entries":
		return "entries"
	case strings.HasSuffix(p, "/receipt"):
		return "receipt"
	case strings.HasPrefix(p, "/entries/"):
		return "entry"
	case strings.HasPrefix(p, "/tile/entries/"):
		return "entry_tile"
	case strings.HasPrefix(p, "/tile/"):
		return "tile"
	default:
		return strings.TrimPrefix(p, "/")
	}
}

// problemDetails is the RFC 9457 error body every failure path returns.
type problemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", contentTypeProblem)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(problemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// handleRegister handles POST /entries: the registration pipeline's HTTP
// entry point.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if mediaType(ct) != contentTypeCose {
		writeProblem(w, http.StatusUnsupportedMediaType, "Unsupported Media Type",
			fmt.Sprintf("registration requires Content-Type %s", contentTypeCose))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "failed to read request body")
		return
	}
	defer r.Body.Close()

	outcome, err := s.service.Register(r.Context(), body)
	if err != nil {
		s.logger.Error("registration failed", "error", err)
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "registration failed")
		return
	}
	registrationsTotal.WithLabelValues(string(outcome.Status)).Inc()

	if outcome.Status == service.StatusRejected {
		s.writeRejection(w, outcome)
		return
	}

	status := http.StatusCreated
	if outcome.Status == service.StatusDuplicate {
		status = http.StatusOK
	}

	receiptPath := fmt.Sprintf("/entries/%d/receipt", outcome.Position)
	w.Header().Set("Location", receiptPath)

	// Some clients negotiate the JSON registration summary rather than
	// the receipt itself.
	if wantsJSON(r) || outcome.ReceiptPending {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"entry_id":       outcome.Position,
			"statement_hash": outcome.StatementHash,
		})
		return
	}

	w.Header().Set("Content-Type", contentTypeCose)
	w.WriteHeader(status)
	w.Write(outcome.ReceiptBytes)
}

func (s *Server) writeRejection(w http.ResponseWriter, outcome *service.RegistrationOutcome) {
	switch outcome.RejectReason {
	case service.ReasonInvalidCose:
		writeProblem(w, http.StatusBadRequest, "Invalid COSE Sign1", "the submitted statement is not a valid COSE Sign1")
	case service.ReasonUnsupportedAlgorithm:
		writeProblem(w, http.StatusBadRequest, "Unsupported Algorithm", "statements must use ES256 with a hash envelope")
	case service.ReasonInvalidSignature:
		writeProblem(w, http.StatusBadRequest, "Invalid Signature", "the statement signature did not verify")
	case service.ReasonTransient:
		retry := outcome.RetryAfter
		if retry <= 0 {
			retry = time.Second
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
		writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "registration capacity exhausted, retry later")
	default:
		writeProblem(w, http.StatusInternalServerError, "Storage Error", "the registration could not be persisted")
	}
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func mediaType(ct string) string {
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}

// handleQueryEntries handles GET /entries with metadata filters.
func (s *Server) handleQueryEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filters database.StatementQueryFilters
	if v := q.Get("iss"); v != "" {
		filters.Iss = &v
	}
	if v := q.Get("sub"); v != "" {
		filters.Sub = &v
	}
	if v := q.Get("cty"); v != "" {
		filters.Cty = &v
	}
	if v := q.Get("typ"); v != "" {
		filters.Typ = &v
	}

	statements, err := s.service.QueryEntries(filters)
	if err != nil {
		s.logger.Error("entry query failed", "error", err)
		writeProblem(w, http.StatusInternalServerError, "Storage Error", "entry query failed")
		return
	}

	entries := make([]map[string]interface{}, 0, len(statements))
	for _, st := range statements {
		entries = append(entries, map[string]interface{}{
			"entry_id":       st.EntryID,
			"statement_hash": st.StatementHash,
			"iss":            st.Iss,
			"sub":            st.Sub,
			"cty":            st.Cty,
			"registered_at":  st.RegisteredAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"entries": entries})
}

// handleGetEntry handles GET /entries/{position}: the statement bytes as
// received at registration.
func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	position, ok := s.position(w, r)
	if !ok {
		return
	}

	statement, err := s.service.GetEntry(position)
	if err != nil {
		s.writeLookupError(w, err, "entry")
		return
	}

	w.Header().Set("Content-Type", contentTypeCose)
	w.Write(statement)
}

// handleGetReceipt handles GET /entries/{position}/receipt.
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	position, ok := s.position(w, r)
	if !ok {
		return
	}

	receipt, err := s.service.GetReceipt(position)
	if err != nil {
		s.writeLookupError(w, err, "receipt")
		return
	}

	w.Header().Set("Content-Type", contentTypeCose)
	w.Write(receipt)
}

func (s *Server) position(w http.ResponseWriter, r *http.Request) (int64, bool) {
	position, err := strconv.ParseInt(mux.Vars(r)["position"], 10, 64)
	if err != nil || position < 0 {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "position must be a non-negative integer")
		return 0, false
	}
	return position, true
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, service.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Not Found", what+" not found")
		return
	}
	s.logger.Error("lookup failed", "what", what, "error", err)
	writeProblem(w, http.StatusInternalServerError, "Storage Error", what+" lookup failed")
}

// handleCheckpoint handles GET /checkpoint: the latest signed tree head.
func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	checkpoint, err := s.service.GetCheckpoint()
	if err != nil {
		s.logger.Error("checkpoint failed", "error", err)
		writeProblem(w, http.StatusInternalServerError, "Storage Error", "checkpoint unavailable")
		return
	}

	w.Header().Set("Content-Type", contentTypeCose)
	w.Write(checkpoint)
}

// handleTile serves raw tile bytes for both tree tiles
// (/tile/{L}/{I}[.p/{w}]) and entry tiles (/tile/entries/{I}[.p/{w}]).
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")

	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(path, "tile/entries/") {
		parsed, parseErr := merkle.ParseEntryTilePath(path)
		if parseErr != nil || (parsed.IsPartial && !validWidth(parsed.Width)) {
			writeProblem(w, http.StatusNotFound, "Not Found", "no such tile")
			return
		}
		data, err = s.service.GetEntryTile(parsed.Index, partialWidth(parsed.IsPartial, parsed.Width))
	} else {
		parsed, parseErr := merkle.ParseTilePath(path)
		if parseErr != nil || parsed.Level < 0 || (parsed.IsPartial && !validWidth(parsed.Width)) {
			writeProblem(w, http.StatusNotFound, "Not Found", "no such tile")
			return
		}
		data, err = s.service.GetTile(parsed.Level, parsed.Index, partialWidth(parsed.IsPartial, parsed.Width))
	}
	if err != nil {
		s.writeLookupError(w, err, "tile")
		return
	}

	w.Header().Set("Content-Type", contentTypeOctet)
	w.Write(data)
}

func validWidth(w int) bool {
	return w >= 1 && w <= merkle.TileSize-1
}

func partialWidth(isPartial bool, w int) *int {
	if !isPartial {
		return nil
	}
	return &w
}

// handleConfiguration handles GET /.well-known/transparency-configuration.
func (s *Server) handleConfiguration(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.service.GetTransparencyConfiguration())
}

// handleHealth handles GET /health: 200 while the service accepts writes,
// 503 once the integrity write-disable flag is set.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready, reason := s.service.Ready()

	body := map[string]interface{}{
		"origin": s.config.Origin,
	}
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		body["status"] = "unavailable"
		body["reason"] = reason
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		body["status"] = "healthy"
	}
	json.NewEncoder(w).Encode(body)
}
