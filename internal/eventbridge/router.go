package eventbridge

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/pype/internal/host"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
	defaultDedupeWindow       = 1024
)

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router fans host lifecycle events out to the adapters subscribed under a
// host name. Events for a host nobody has attached yet wait in a bounded
// backlog, where a newer context switch replaces an older one from the same
// session.
type Router struct {
	mu       sync.Mutex
	hosts    map[string]*hostState
	sessions map[string]string
	seen     eventWindow
	capacity int
	backlog  int
	logger   Logger
	clock    func() time.Time
}

// HostStatus is a point-in-time view of one host's routing state.
type HostStatus struct {
	Name        string    `json:"name"`
	Subscribers int       `json:"subscribers"`
	Backlog     int       `json:"backlog"`
	Routed      int64     `json:"routed"`
	Dropped     int64     `json:"dropped"`
	Asset       string    `json:"asset,omitempty"`
	Task        string    `json:"task,omitempty"`
	Workdir     string    `json:"workdir,omitempty"`
	LastEvent   string    `json:"last_event,omitempty"`
	LastSeen    time.Time `json:"last_seen,omitzero"`
}

type hostState struct {
	subs    map[*subscriber]struct{}
	pending []Event
	status  HostStatus
}

// Subscription is one adapter's feed of routed events.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close detaches the subscription and closes Events.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter builds a router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		hosts:    map[string]*hostState{},
		sessions: map[string]string{},
		seen:     newEventWindow(defaultDedupeWindow),
		capacity: defaultSubscriberCapacity,
		backlog:  defaultBacklogLimit,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouterWithLogger reports dropped and ignored events.
func RouterWithLogger(logger Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// RouterWithSubscriberCapacity sets the channel size of each subscription.
func RouterWithSubscriberCapacity(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// RouterWithBacklogLimit bounds the events held for an unattached host.
func RouterWithBacklogLimit(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.backlog = n
		}
	}
}

// RouterWithDedupeWindow sets how many event IDs are remembered for
// duplicate suppression.
func RouterWithDedupeWindow(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.seen = newEventWindow(n)
		}
	}
}

// Subscribe attaches to events addressed to a host. Anything backlogged for
// that host is delivered first.
func (r *Router) Subscribe(name string) Subscription {
	hostName := normalizeHost(name)
	sub := newSubscriber(r.capacity)
	r.mu.Lock()
	state := r.state(hostName)
	state.subs[sub] = struct{}{}
	pending := state.pending
	state.pending = nil
	r.mu.Unlock()
	for _, evt := range pending {
		r.deliver(hostName, sub, evt)
	}
	return Subscription{
		Events: sub.ch,
		cancel: func() { r.unsubscribe(hostName, sub) },
	}
}

// HandleEvent routes e. It never fails.
func (r *Router) HandleEvent(e Event) error {
	r.Route(e)
	return nil
}

// Route delivers e to the host it names, or to the host its session last
// reported when the host is blank. Duplicate event IDs are ignored.
func (r *Router) Route(e Event) {
	r.mu.Lock()
	if e.EventID != "" && !r.seen.add(e.EventID) {
		r.mu.Unlock()
		return
	}
	hostName := normalizeHost(e.Host)
	if hostName == "" {
		hostName = r.sessions[e.SessionID]
	}
	if hostName == "" {
		r.mu.Unlock()
		r.logf("eventbridge: no host for %s event %s", e.Type, e.EventID)
		return
	}
	if e.SessionID != "" {
		r.sessions[e.SessionID] = hostName
	}
	state := r.state(hostName)
	state.observe(e, r.clock())
	subs := make([]*subscriber, 0, len(state.subs))
	for sub := range state.subs {
		subs = append(subs, sub)
	}
	if len(subs) == 0 {
		r.enqueue(hostName, state, e)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	for _, sub := range subs {
		r.deliver(hostName, sub, e)
	}
}

// Hosts reports every host the router has seen, sorted by name.
func (r *Router) Hosts() []HostStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HostStatus, 0, len(r.hosts))
	for name, state := range r.hosts {
		st := state.status
		st.Name = name
		st.Subscribers = len(state.subs)
		st.Backlog = len(state.pending)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// state must be called with r.mu held.
func (r *Router) state(hostName string) *hostState {
	state, ok := r.hosts[hostName]
	if !ok {
		state = &hostState{subs: map[*subscriber]struct{}{}}
		r.hosts[hostName] = state
	}
	return state
}

// enqueue must be called with r.mu held.
func (r *Router) enqueue(hostName string, state *hostState, e Event) {
	if isContextSwitch(e.Type) && e.SessionID != "" {
		kept := state.pending[:0]
		for _, queued := range state.pending {
			if isContextSwitch(queued.Type) && queued.SessionID == e.SessionID {
				continue
			}
			kept = append(kept, queued)
		}
		state.pending = kept
	}
	if len(state.pending) >= r.backlog {
		victim := lowestPriority(state.pending)
		r.logf("eventbridge: backlog full for %s, dropped %s", hostName, state.pending[victim].Type)
		state.pending = append(state.pending[:victim], state.pending[victim+1:]...)
		state.status.Dropped++
	}
	state.pending = append(state.pending, e)
}

func (r *Router) deliver(hostName string, sub *subscriber, e Event) {
	dropped, ok := sub.offer(e)
	if !ok {
		return
	}
	r.mu.Lock()
	if state := r.hosts[hostName]; state != nil {
		state.status.Routed++
		if dropped != nil {
			state.status.Dropped++
		}
	}
	r.mu.Unlock()
	if dropped != nil {
		r.logf("eventbridge: %s queue full, dropped %s", hostName, dropped.Type)
	}
}

func (r *Router) unsubscribe(hostName string, sub *subscriber) {
	r.mu.Lock()
	if state := r.hosts[hostName]; state != nil {
		delete(state.subs, sub)
	}
	r.mu.Unlock()
	sub.close()
}

func (r *Router) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

func (s *hostState) observe(e Event, now time.Time) {
	s.status.LastEvent = e.Type
	s.status.LastSeen = now
	if !isContextSwitch(e.Type) {
		return
	}
	if e.Asset != "" {
		s.status.Asset = e.Asset
	}
	if e.Task != "" {
		s.status.Task = e.Task
	}
	if e.Workdir != "" {
		s.status.Workdir = e.Workdir
	}
}

func normalizeHost(name string) string {
	return strings.TrimSpace(strings.ToLower(name))
}

// priority ranks lifecycle events for eviction. Context changes must reach
// the adapter; a lost before.save only skips an advisory fps check.
func priority(kind string) int {
	switch host.EventType(strings.TrimSpace(kind)) {
	case host.EventTaskChanged, host.EventOpen, host.EventNew:
		return 2
	case host.EventBeforeSave:
		return 0
	}
	return 1
}

func isContextSwitch(kind string) bool {
	return host.EventType(strings.TrimSpace(kind)) == host.EventTaskChanged
}

// lowestPriority returns the index of the oldest event with the lowest rank.
func lowestPriority(events []Event) int {
	victim := 0
	for i, e := range events {
		if priority(e.Type) < priority(events[victim].Type) {
			victim = i
		}
	}
	return victim
}

type eventWindow struct {
	ids   map[string]struct{}
	order []string
	size  int
}

func newEventWindow(size int) eventWindow {
	return eventWindow{ids: map[string]struct{}{}, order: make([]string, 0, size), size: size}
}

// add records id and reports whether it was new.
func (w *eventWindow) add(id string) bool {
	if _, ok := w.ids[id]; ok {
		return false
	}
	w.ids[id] = struct{}{}
	w.order = append(w.order, id)
	if len(w.order) > w.size {
		delete(w.ids, w.order[0])
		w.order = w.order[1:]
	}
	return true
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newSubscriber(capacity int) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{ch: make(chan Event, capacity)}
}

// offer queues e without blocking. When the channel is full the lower
// priority of e and the oldest queued event is dropped, preferring to keep
// the newer one on a tie. ok is false once the subscriber is closed.
func (s *subscriber) offer(e Event) (dropped *Event, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	select {
	case s.ch <- e:
		return nil, true
	default:
	}
	var oldest Event
	select {
	case oldest = <-s.ch:
	default:
		s.ch <- e
		return nil, true
	}
	if priority(oldest.Type) > priority(e.Type) {
		s.ch <- oldest
		return &e, true
	}
	s.ch <- e
	return &oldest, true
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
