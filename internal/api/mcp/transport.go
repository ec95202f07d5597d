package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/engramlabs/engram/internal/apierror"
	"github.com/engramlabs/engram/internal/tenant"
)

// Authenticator resolves Bearer API keys. *tenant.Registry is the production
// implementation.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*tenant.User, error)
}

// TransportConfig carries the HTTP-level limits.
type TransportConfig struct {
	MaxConnectionsPerKey int
	MaxConnectionsPerIP  int
	SessionIdle          time.Duration
	RequestsPerMinute    int
}

func (c *TransportConfig) applyDefaults() {
	if c.MaxConnectionsPerKey <= 0 {
		c.MaxConnectionsPerKey = 5
	}
	if c.MaxConnectionsPerIP <= 0 {
		c.MaxConnectionsPerIP = 20
	}
	if c.SessionIdle <= 0 {
		c.SessionIdle = 15 * time.Minute
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 300
	}
}

// closeReasonIdle is the only close reason surfaced to clients.
const closeReasonIdle = "idle_timeout"

// session is one live SSE connection. Its lifecycle is
// open → touched* → closed; close runs exactly once.
type session struct {
	id      string
	keyHash string
	ip      string
	user    *tenant.User

	messages chan []byte
	done     chan struct{}

	mu        sync.Mutex
	idleTimer *time.Timer
	reason    string
	closed    bool
}

// enqueue queues an SSE payload, dropping it if the session is closing or
// the client cannot keep up.
func (s *session) enqueue(payload []byte) {
	select {
	case s.messages <- payload:
	case <-s.done:
	default:
	}
}

func (s *session) close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	close(s.done)
}

func (s *session) closeReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// touch resets the idle clock.
func (s *session) touch(idle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.idleTimer != nil {
		s.idleTimer.Reset(idle)
	}
}

// sessionRegistry owns the process-wide active-connections map and the
// per-key/per-IP caps.
type sessionRegistry struct {
	mu       sync.Mutex
	byID     map[string]*session
	perKey   map[string]int
	perIP    map[string]int
	maxKey   int
	maxIP    int
	idle     time.Duration
	onExpire func(*session)
}

func newSessionRegistry(cfg TransportConfig) *sessionRegistry {
	return &sessionRegistry{
		byID:   make(map[string]*session),
		perKey: make(map[string]int),
		perIP:  make(map[string]int),
		maxKey: cfg.MaxConnectionsPerKey,
		maxIP:  cfg.MaxConnectionsPerIP,
		idle:   cfg.SessionIdle,
	}
}

func (r *sessionRegistry) register(keyHash, ip string, user *tenant.User) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.perKey[keyHash] >= r.maxKey {
		return nil, apierror.RateLimit(apierror.CodeTooManyKeySessions,
			fmt.Sprintf("too many concurrent sessions for this API key (max %d)", r.maxKey))
	}
	if r.perIP[ip] >= r.maxIP {
		return nil, apierror.RateLimit(apierror.CodeTooManyIPSessions,
			fmt.Sprintf("too many concurrent sessions from this address (max %d)", r.maxIP))
	}

	s := &session{
		id:       uuid.NewString(),
		keyHash:  keyHash,
		ip:       ip,
		user:     user,
		messages: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
	s.idleTimer = time.AfterFunc(r.idle, func() { r.expire(s) })
	r.byID[s.id] = s
	r.perKey[keyHash]++
	r.perIP[ip]++
	return s, nil
}

// expire closes an idle session, announcing the reason on the stream first.
func (r *sessionRegistry) expire(s *session) {
	s.enqueue(sseFrame("session_closed", []byte(`{"reason":"idle_timeout"}`)))
	s.close(closeReasonIdle)
	r.remove(s)
}

// lookup finds an active session and resets its idle clock.
func (r *sessionRegistry) lookup(id string) *session {
	r.mu.Lock()
	s, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	s.touch(r.idle)
	return s
}

func (r *sessionRegistry) remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[s.id]; !ok {
		return
	}
	delete(r.byID, s.id)
	if r.perKey[s.keyHash]--; r.perKey[s.keyHash] <= 0 {
		delete(r.perKey, s.keyHash)
	}
	if r.perIP[s.ip]--; r.perIP[s.ip] <= 0 {
		delete(r.perIP, s.ip)
	}
}

func (r *sessionRegistry) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Transport is the HTTP face of the MCP server.
type Transport struct {
	server   *Server
	auth     Authenticator
	cfg      TransportConfig
	logger   *slog.Logger
	sessions *sessionRegistry
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

func WithTransportLogger(l *slog.Logger) TransportOption {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTransport wires the dispatch server to HTTP.
func NewTransport(server *Server, auth Authenticator, cfg TransportConfig, opts ...TransportOption) *Transport {
	cfg.applyDefaults()
	t := &Transport{
		server:   server,
		auth:     auth,
		cfg:      cfg,
		logger:   slog.Default(),
		sessions: newSessionRegistry(cfg),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Routes builds the chi handler for /api/mcp.
func (t *Transport) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))
	r.Get("/api/mcp", t.handleGet)
	r.With(httprate.LimitByIP(t.cfg.RequestsPerMinute, time.Minute)).
		Post("/api/mcp", t.handlePost)
	return r
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleGet serves the public descriptor, or opens an SSE session for
// authenticated clients.
func (t *Transport) handleGet(w http.ResponseWriter, r *http.Request) {
	apiKey := bearerToken(r)
	if apiKey == "" {
		writeJSON(w, http.StatusOK, t.server.Descriptor())
		return
	}

	user, err := t.auth.Authenticate(r.Context(), apiKey)
	if err != nil {
		t.writeError(w, apierror.From(err))
		return
	}

	sess, err := t.sessions.register(tenant.HashAPIKey(apiKey), clientIP(r), user)
	if err != nil {
		apiErr := apierror.From(err)
		w.Header().Set("Retry-After", "60")
		t.writeError(w, apiErr)
		return
	}
	defer func() {
		sess.close("")
		t.sessions.remove(sess)
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		t.writeError(w, apierror.Internal(apierror.CodeToolExecutionFailed, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	endpoint, _ := json.Marshal("/api/mcp?session=" + sess.id)
	_, _ = w.Write(sseFrame("endpoint", endpoint))
	flusher.Flush()

	t.logger.Info("sse session opened", "session_id", sess.id, "user_id", user.ID)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.done:
			// Drain any close announcement queued just before done closed.
			for {
				select {
				case payload := <-sess.messages:
					_, _ = w.Write(payload)
					flusher.Flush()
				default:
					t.logger.Info("sse session closed", "session_id", sess.id, "reason", sess.closeReason())
					return
				}
			}
		case payload := <-sess.messages:
			_, _ = w.Write(payload)
			flusher.Flush()
		}
	}
}

// handlePost runs one JSON-RPC request, reusing an SSE session when one is
// named.
func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeRPC(w, newErrorResponse(nil, apierror.RPCParseError, "request body unreadable", nil))
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPC(w, newErrorResponse(nil, apierror.RPCParseError, "parse error", nil))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, newErrorResponse(req.ID, apierror.RPCInvalidRequest, "invalid request", nil))
		return
	}

	var (
		sess *session
		user *tenant.User
	)
	if sessionID := r.URL.Query().Get("session"); sessionID != "" {
		sess = t.sessions.lookup(sessionID)
	}
	if sess != nil {
		user = sess.user
	} else {
		apiKey := bearerToken(r)
		if apiKey == "" {
			t.writeError(w, apierror.Auth(apierror.CodeMissingAPIKey, "API key is required"))
			return
		}
		authed, err := t.auth.Authenticate(r.Context(), apiKey)
		if err != nil {
			t.writeError(w, apierror.From(err))
			return
		}
		user = authed
	}

	resp := t.server.Handle(r.Context(), &req, user)
	if resp == nil || req.notification() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if sess != nil {
		if payload, err := json.Marshal(resp); err == nil {
			sess.enqueue(sseFrame("message", payload))
		}
	}
	writeRPC(w, resp)
}

// writeError renders a typed error as the REST envelope with its HTTP
// status.
func (t *Transport) writeError(w http.ResponseWriter, err *apierror.Error) {
	writeJSON(w, err.HTTPStatus(), map[string]any{"ok": false, "error": err})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRPC(w http.ResponseWriter, resp *rpcResponse) {
	writeJSON(w, http.StatusOK, resp)
}

// sseFrame renders one event: the name line, the data line, and the blank
// separator.
func sseFrame(event string, data []byte) []byte {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteString("\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")
	return []byte(b.String())
}
