package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

var (
	errServerDisabled = errors.New("eventbridge: event server disabled")
	errUnknownHost    = errors.New("host is not attached")
	errHostMismatch   = errors.New("host in body does not match path")
)

// HostReporter exposes per-host routing state. Router implements it.
type HostReporter interface {
	Hosts() []HostStatus
}

// Server receives lifecycle events posted by DCC integrations and hands
// them to a processor, normally a Router feeding host adapters. When the
// server knows its hosts, events for any other host are refused.
type Server struct {
	settings  Settings
	processor EventProcessor
	logger    Logger
	clock     func() time.Time
	known     map[string]bool

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	status   ServerStatus
	started  time.Time
	accepted map[string]int64
	rejected int64
}

// Option customizes server construction.
type Option func(*Server)

// WithProcessor sets where accepted events go.
func WithProcessor(p EventProcessor) Option {
	return func(s *Server) {
		if p != nil {
			s.processor = p
		}
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithHosts limits accepted events to the named hosts, normally the
// adapters attached to the processor.
func WithHosts(names ...string) Option {
	return func(s *Server) {
		for _, name := range names {
			if n := normalizeHost(name); n != "" {
				if s.known == nil {
					s.known = map[string]bool{}
				}
				s.known[n] = true
			}
		}
	}
}

// NewServer prepares a bridge server using the provided settings.
func NewServer(settings Settings, opts ...Option) *Server {
	s := &Server{
		settings:  settings,
		processor: EventProcessorFunc(func(Event) error { return nil }),
		logger:    nopLogger{},
		clock:     func() time.Time { return time.Now().UTC() },
		status:    StatusStarting,
		accepted:  map[string]int64{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routed bridge API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Head("/health", s.handleHealth)
	r.Post("/events", s.handleEvents)
	r.Get("/hosts", s.handleHosts)
	r.Post("/hosts/{host}/events", s.handleEvents)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Start binds the listener and serves in the background until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("eventbridge: server is nil")
	}
	if !s.settings.Enabled {
		return errServerDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("eventbridge: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("eventbridge: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		srv.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.listener = listener
	s.server = srv
	s.started = s.now()
	s.status = StatusReady
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("eventbridge: serve error: %v", err)
		}
	}()
	s.logger.Printf("eventbridge: listening on %s for %s", listener.Addr(), s.hostList())
	return nil
}

// Shutdown drains in-flight requests. A nil ctx waits at most two seconds.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	s.status = StatusDraining
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL for the running server, or the
// configured one before Start.
func (s *Server) BaseURL() string {
	if addr := s.Addr(); addr != "" {
		return "http://" + addr
	}
	return s.settings.URL()
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Accepted returns the number of events accepted for a host.
func (s *Server) Accepted(hostName string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted[normalizeHost(hostName)]
}

func (s *Server) now() time.Time {
	return s.clock().UTC()
}

func (s *Server) hostList() string {
	if len(s.known) == 0 {
		return "any host"
	}
	names := make([]string, 0, len(s.known))
	for name := range s.known {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprint(names)
}

// admit checks the event's host against the known set.
func (s *Server) admit(hostName string) error {
	if len(s.known) == 0 || s.known[normalizeHost(hostName)] {
		return nil
	}
	return fmt.Errorf("%w: %q", errUnknownHost, hostName)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	resp := healthResponse{
		Status:   string(s.status),
		Version:  ProtocolVersion,
		Rejected: s.rejected,
		Hosts:    map[string]hostCount{},
	}
	if !s.started.IsZero() {
		resp.UptimeSeconds = int64(s.now().Sub(s.started).Seconds())
	}
	for name, n := range s.accepted {
		resp.Accepted += n
		resp.Hosts[name] = hostCount{Accepted: n}
	}
	s.mu.Unlock()
	for name := range s.known {
		c := resp.Hosts[name]
		c.Attached = true
		resp.Hosts[name] = c
	}
	if reporter, ok := s.processor.(HostReporter); ok {
		for _, st := range reporter.Hosts() {
			c := resp.Hosts[st.Name]
			c.Backlog = st.Backlog
			c.Dropped = st.Dropped
			c.Attached = c.Attached || st.Subscribers > 0
			resp.Hosts[st.Name] = c
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHosts(w http.ResponseWriter, _ *http.Request) {
	reporter, ok := s.processor.(HostReporter)
	if !ok {
		writeJSON(w, http.StatusOK, []HostStatus{})
		return
	}
	hosts := reporter.Hosts()
	if len(s.known) > 0 {
		kept := hosts[:0]
		for _, st := range hosts {
			if s.known[st.Name] {
				kept = append(kept, st)
			}
		}
		hosts = kept
	}
	writeJSON(w, http.StatusOK, hosts)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	evt, status, err := s.decodeEvent(w, r)
	if err != nil {
		s.reject()
		writeError(w, status, err.Error())
		return
	}
	if err := s.admit(evt.Host); err != nil {
		s.reject()
		s.logger.Printf("eventbridge: refused %s event %s: %v", evt.Type, evt.EventID, err)
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	evt.StampServerTime(s.now())
	if err := s.processor.HandleEvent(evt); err != nil {
		s.logger.Printf("eventbridge: processor error: %v", err)
		writeError(w, http.StatusInternalServerError, "event processing failed")
		return
	}
	s.mu.Lock()
	s.accepted[normalizeHost(evt.Host)]++
	s.mu.Unlock()
	writeJSON(w, http.StatusAccepted, eventResponse{Status: "accepted", Host: normalizeHost(evt.Host), ServerTime: evt.ServerTime})
}

// decodeEvent reads, normalizes and validates one event. A host in the URL
// path fills a blank body host and must agree with a non-blank one.
func (s *Server) decodeEvent(w http.ResponseWriter, r *http.Request) (Event, int, error) {
	var evt Event
	if r.Body == nil {
		return evt, http.StatusBadRequest, errors.New("empty body")
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return evt, http.StatusRequestEntityTooLarge, errors.New("payload exceeds limit")
		}
		return evt, http.StatusBadRequest, errors.New("unable to read body")
	}
	if err := json.Unmarshal(body, &evt); err != nil {
		return evt, http.StatusBadRequest, errors.New("invalid JSON")
	}
	evt.Normalize()
	if pathHost := normalizeHost(chi.URLParam(r, "host")); pathHost != "" {
		switch {
		case evt.Host == "":
			evt.Host = pathHost
		case normalizeHost(evt.Host) != pathHost:
			return evt, http.StatusUnprocessableEntity, errHostMismatch
		}
	}
	if err := evt.Validate(); err != nil {
		return evt, http.StatusBadRequest, err
	}
	return evt, 0, nil
}

func (s *Server) reject() {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
