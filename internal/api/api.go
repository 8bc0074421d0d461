// Package api serves the management surface of the relay: subscription
// CRUD, test deliveries, delivery history and statistics, the event log
// with replay, dead-letter operations, queue introspection, and health.
//
// Responses share one envelope. Successes carry
// {"status":"ok","data":...} and failures the errs envelope
// {"status":"error","code":...}; both echo the request id minted by the
// server. The surface is read-heavy and everything mutating goes through
// the same registries the pipeline uses, so changes take effect without
// restarts.
package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"hookrelay.dev/internal/delivery"
	"hookrelay.dev/internal/dlq"
	"hookrelay.dev/internal/errs"
	"hookrelay.dev/internal/event"
	"hookrelay.dev/internal/health"
	"hookrelay.dev/internal/history"
	"hookrelay.dev/internal/queue"
	"hookrelay.dev/internal/relay"
	"hookrelay.dev/internal/store"
	"hookrelay.dev/internal/subscription"
)

var json = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            false,
	ValidateJsonRawMessage: true,
}.Froze()

// maxBodySize bounds management request bodies. Subscription documents
// are small; anything near this limit is a client bug.
const maxBodySize = 1 << 20

// Pagination bounds for list endpoints.
const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Relay is the slice of the pipeline the management surface drives.
type Relay interface {
	Running() bool
	Overview() relay.Overview
	TestDelivery(ctx context.Context, webhookID string) (*relay.TestResult, error)
	Replay(ctx context.Context, eventID string, webhookIDs []string) (*relay.ReplayResult, error)
}

// EventStore serves the event log listing and lookups. Nil when the
// event log is disabled.
type EventStore interface {
	List(ctx context.Context, q store.EventQuery) ([]*event.LogRecord, error)
	Count(ctx context.Context, q store.EventQuery) (int64, error)
	Get(ctx context.Context, id string) (*event.LogRecord, error)
}

// QueueState exposes the delivery queue's introspection calls.
type QueueState interface {
	Status() queue.Status
	Items(status delivery.Status) []delivery.Item
}

// Config carries the server tunables from the api.* config block.
type Config struct {
	ListenAddr string
	// Key guards /v1/ when non-empty. Health probes are always open.
	Key string
	// RateLimitWindow and RateLimitMax size the token bucket guarding
	// /v1/. Zero for either disables limiting.
	RateLimitWindow time.Duration
	RateLimitMax    int

	// DefaultRetry and DefaultTimeoutSeconds fill subscriptions created
	// without explicit policies.
	DefaultRetry          subscription.RetryPolicy
	DefaultTimeoutSeconds int
}

// Deps are the components the handlers read and drive.
type Deps struct {
	Registry   *subscription.Registry
	Relay      Relay
	History    *history.History
	Events     EventStore // nil disables the events endpoints
	DeadLetter *dlq.Queue
	Queue      QueueState
	Health     *health.CheckRegistry
}

// Server is the management HTTP server. It implements http.Handler.
type Server struct {
	log zerolog.Logger
	cfg Config
	d   Deps

	router  *httprouter.Router
	limiter *rate.Limiter
	srv     *http.Server
}

// New builds the management server. Zero-value retry and timeout
// defaults are filled with the stock policy.
func New(cfg Config, d Deps, log zerolog.Logger) *Server {
	if cfg.DefaultRetry.MaxAttempts == 0 {
		cfg.DefaultRetry = subscription.RetryPolicy{
			MaxAttempts:       3,
			BackoffMultiplier: 2,
			InitialDelayMs:    1000,
		}
	}
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = 30
	}

	router := httprouter.New()
	router.HandleOPTIONS = false
	router.RedirectFixedPath = false
	router.RedirectTrailingSlash = false
	router.HandleMethodNotAllowed = false

	s := &Server{
		log:    log.With().Str("component", "api").Logger(),
		cfg:    cfg,
		d:      d,
		router: router,
	}
	if cfg.RateLimitMax > 0 && cfg.RateLimitWindow > 0 {
		per := cfg.RateLimitWindow / time.Duration(cfg.RateLimitMax)
		s.limiter = rate.NewLimiter(rate.Every(per), cfg.RateLimitMax)
	}

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.writeErr(w, req, errs.B().Code(errs.NotFound).
			Msgf("no endpoint for %s %s", req.Method, req.URL.Path).Err())
	})
	router.PanicHandler = func(w http.ResponseWriter, req *http.Request, p any) {
		s.log.Error().
			Any("panic", p).
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Str("request_id", RequestID(req.Context())).
			Bytes("stack", debug.Stack()).
			Msg("handler panicked")
		s.writeErr(w, req, errs.B().Code(errs.Internal).Msg("internal error").Err())
	}

	s.routes()
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.router

	r.GET("/healthz", s.handleHealthz)
	r.GET("/readyz", s.handleReadyz)
	r.GET("/livez", s.handleLivez)

	r.GET("/v1/version", s.handleVersion)
	r.GET("/v1/stats", s.handleOverview)
	r.GET("/v1/queue", s.handleQueueStatus)
	r.GET("/v1/queue/items", s.handleQueueItems)

	r.GET("/v1/subscriptions", s.handleListSubscriptions)
	r.POST("/v1/subscriptions", s.handleCreateSubscription)
	r.GET("/v1/subscriptions/:id", s.handleGetSubscription)
	r.PUT("/v1/subscriptions/:id", s.handleUpdateSubscription)
	r.DELETE("/v1/subscriptions/:id", s.handleDeleteSubscription)
	r.POST("/v1/subscriptions/:id/test", s.handleTestSubscription)
	r.GET("/v1/subscriptions/:id/deliveries", s.handleListDeliveries)
	r.GET("/v1/subscriptions/:id/stats", s.handleSubscriptionStats)

	r.GET("/v1/events", s.handleListEvents)
	r.GET("/v1/events/:id", s.handleGetEvent)
	r.POST("/v1/events/:id/replay", s.handleReplayEvent)
	r.GET("/v1/event-types", s.handleEventTypes)

	// The bulk verbs live beside the entries subtree because httprouter
	// rejects a static segment next to a :id wildcard.
	r.GET("/v1/deadletters", s.handleListDeadLetters)
	r.DELETE("/v1/deadletters", s.handleClearDeadLetters)
	r.POST("/v1/deadletters/retry", s.handleRetryAllDeadLetters)
	r.GET("/v1/deadletters/entries/:id", s.handleGetDeadLetter)
	r.DELETE("/v1/deadletters/entries/:id", s.handleRemoveDeadLetter)
	r.POST("/v1/deadletters/entries/:id/retry", s.handleRetryDeadLetter)
}

// ServeHTTP mints the request id, applies the /v1/ guards, and hands off
// to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rid := newRequestID()
	w.Header().Set("X-Request-Id", rid)
	req = req.WithContext(withRequestID(req.Context(), rid))

	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

	if strings.HasPrefix(req.URL.Path, "/v1/") {
		if s.limiter != nil && !s.limiter.Allow() {
			s.writeErr(sw, req, errs.B().Code(errs.ResourceExhausted).Msg("rate limit exceeded").Err())
			s.logRequest(req, sw.status, rid, start)
			return
		}
		if s.cfg.Key != "" && !s.authorized(req) {
			s.writeErr(sw, req, errs.B().Code(errs.Unauthenticated).Msg("missing or invalid api key").Err())
			s.logRequest(req, sw.status, rid, start)
			return
		}
		req.Body = http.MaxBytesReader(sw, req.Body, maxBodySize)
	}

	s.router.ServeHTTP(sw, req)
	s.logRequest(req, sw.status, rid, start)
}

func (s *Server) logRequest(req *http.Request, status int, rid string, start time.Time) {
	s.log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Str("request_id", rid).
		Msg("request")
}

// authorized accepts the key as "Authorization: Bearer <key>" or
// "X-Api-Key: <key>". Comparison is constant-time.
func (s *Server) authorized(req *http.Request) bool {
	presented := req.Header.Get("X-Api-Key")
	if auth := req.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			presented = rest
		}
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Key)) == 1
}

// Serve serves the management API on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Msg("management api listening")
	err := s.srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ListenAndServe binds the configured address and serves.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errs.WrapCode(err, errs.Unavailable, "binding management api")
	}
	return s.Serve(ln)
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// okEnvelope is the wire shape of a successful response.
type okEnvelope struct {
	Status    string `json:"status"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId,omitempty"`
}

func (s *Server) writeData(w http.ResponseWriter, req *http.Request, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := okEnvelope{
		Status:    "ok",
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: RequestID(req.Context()),
	}
	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		s.log.Error().Err(err).Str("path", req.URL.Path).Msg("encoding response failed")
	}
}

func (s *Server) writeErr(w http.ResponseWriter, req *http.Request, err error) {
	errs.HTTPError(w, err, RequestID(req.Context()))
}

// decodeBody parses a JSON request body into dst. An empty body is an
// error; callers with optional bodies check ContentLength first.
func decodeBody(req *http.Request, dst any) error {
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		return errs.B().Code(errs.InvalidArgument).Cause(err).Msg("invalid request body").Err()
	}
	return nil
}

// statusWriter records the status code for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func newRequestID() string {
	id, err := uuid.NewV4()
	if err != nil {
		// Entropy exhaustion; fall back to a time-derived id rather
		// than failing the request.
		return "req-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return id.String()
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id minted for this request, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// pagination reads limit and offset. Bad values are a validation error;
// limit is defaulted and clamped.
func pagination(req *http.Request) (limit, offset int, err error) {
	limit = defaultPageSize
	if v := req.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			return 0, 0, errs.B().Code(errs.InvalidArgument).Msgf("invalid limit %q", v).Err()
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
	}
	if v := req.URL.Query().Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, errs.B().Code(errs.InvalidArgument).Msgf("invalid offset %q", v).Err()
		}
	}
	return limit, offset, nil
}

// boolParam reads an optional boolean query parameter.
func boolParam(req *http.Request, name string) (*bool, error) {
	v := req.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, errs.B().Code(errs.InvalidArgument).Msgf("invalid %s %q: want true or false", name, v).Err()
	}
	return &b, nil
}

// timeParam reads an optional RFC 3339 query parameter.
func timeParam(req *http.Request, name string) (time.Time, error) {
	v := req.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errs.B().Code(errs.InvalidArgument).
			Msgf("invalid %s %q: want RFC 3339", name, v).Err()
	}
	return t, nil
}
