package chatsync

import (
	"log/slog"
	"sort"
	"sync"
)

const frameBuffer = 64

// Handler receives the frames of one topic.
type Handler func(Frame)

// ConnectionEvents is the part of a ConnectionManager the registry observes.
type ConnectionEvents interface {
	OnConnected(func(Transport))
	OnDisconnected(func(error))
	Transport() Transport
}

type subscription struct {
	topic    string
	handler  Handler
	id       uint64
	issuedOn Transport // nil while pending
	cancel   func() error
}

// SubscriptionRegistry maps topics to handlers over the shared connection.
//
// A topic has at most one handler. Topics whose subscription has not been
// issued on the live transport are pending; every transition into
// Connected issues all pending topics, and a disconnect returns every topic
// to pending. Handlers run one at a time on the registry's dispatch
// goroutine.
type SubscriptionRegistry struct {
	logger *slog.Logger

	// issueMu serializes transport-facing work so a topic is never issued
	// twice on one transport. mu guards the map and is never held across
	// network calls.
	issueMu   sync.Mutex
	mu        sync.Mutex
	nextID    uint64
	subs      map[string]*subscription
	transport Transport

	frames    chan Frame
	quit      chan struct{}
	closeOnce sync.Once
}

// NewSubscriptionRegistry attaches a registry to conn.
func NewSubscriptionRegistry(conn ConnectionEvents, logger *slog.Logger) *SubscriptionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &SubscriptionRegistry{
		logger: logger,
		subs:   make(map[string]*subscription),
		frames: make(chan Frame, frameBuffer),
		quit:   make(chan struct{}),
	}
	conn.OnConnected(r.handleConnected)
	conn.OnDisconnected(r.handleDisconnected)
	if t := conn.Transport(); t != nil {
		r.handleConnected(t)
	}

	go r.dispatchLoop()
	return r
}

// Subscribe registers h for topic and returns a func that removes it.
// Subscribing to a topic that already has a handler replaces the handler;
// the earlier unsubscribe func then becomes a no-op. The returned func is
// safe to call any number of times, at any connection state.
func (r *SubscriptionRegistry) Subscribe(topic string, h Handler) (unsubscribe func()) {
	r.issueMu.Lock()
	defer r.issueMu.Unlock()

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	s, ok := r.subs[topic]
	if ok {
		s.handler = h
		s.id = id
		r.logger.Debug("subscription handler replaced", "topic", topic)
	} else {
		s = &subscription{topic: topic, handler: h, id: id}
		r.subs[topic] = s
	}
	t := r.transport
	pending := s.issuedOn == nil
	r.mu.Unlock()

	if pending {
		if t == nil {
			r.logger.Debug("subscription queued until connected", "topic", topic)
		} else {
			r.issue(s, t)
		}
	}

	return func() { r.unsubscribe(topic, id) }
}

// Topics returns every topic with a registered handler, sorted.
func (r *SubscriptionRegistry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for topic := range r.subs {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Pending returns the topics not yet issued on a live transport, sorted.
func (r *SubscriptionRegistry) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for topic, s := range r.subs {
		if s.issuedOn == nil {
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out
}

// Close stops handler dispatch. Registered topics are not unsubscribed.
func (r *SubscriptionRegistry) Close() {
	r.closeOnce.Do(func() { close(r.quit) })
}

func (r *SubscriptionRegistry) unsubscribe(topic string, id uint64) {
	r.issueMu.Lock()
	defer r.issueMu.Unlock()

	r.mu.Lock()
	s, ok := r.subs[topic]
	if !ok || s.id != id {
		r.mu.Unlock()
		return
	}
	delete(r.subs, topic)
	cancel := s.cancel
	r.mu.Unlock()

	if cancel != nil {
		if err := cancel(); err != nil {
			r.logger.Debug("transport unsubscribe failed", "topic", topic, "error", err)
		}
	}
}

// issue subscribes s on t. Callers hold issueMu. A failure leaves s pending
// for the next connect.
func (r *SubscriptionRegistry) issue(s *subscription, t Transport) {
	topic := s.topic
	cancel, err := t.Subscribe(topic, func(body []byte) {
		select {
		case r.frames <- Frame{Topic: topic, Body: body}:
		case <-r.quit:
		}
	})
	if err != nil {
		r.logger.Warn("subscribe failed, requeued", "topic", topic, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transport != t {
		// Torn down while subscribing; stays pending for the next connect.
		return
	}
	s.issuedOn = t
	s.cancel = cancel
	r.logger.Debug("subscribed", "topic", topic)
}

func (r *SubscriptionRegistry) handleConnected(t Transport) {
	r.issueMu.Lock()
	defer r.issueMu.Unlock()

	r.mu.Lock()
	r.transport = t
	var replay []*subscription
	for _, s := range r.subs {
		if s.issuedOn != t {
			s.issuedOn = nil
			s.cancel = nil
			replay = append(replay, s)
		}
	}
	r.mu.Unlock()

	sort.Slice(replay, func(i, j int) bool { return replay[i].topic < replay[j].topic })
	for _, s := range replay {
		r.issue(s, t)
	}
	if len(replay) > 0 {
		r.logger.Debug("subscriptions replayed", "count", len(replay))
	}
}

func (r *SubscriptionRegistry) handleDisconnected(error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport = nil
	for _, s := range r.subs {
		s.issuedOn = nil
		s.cancel = nil
	}
}

func (r *SubscriptionRegistry) dispatchLoop() {
	for {
		select {
		case f := <-r.frames:
			r.dispatch(f)
		case <-r.quit:
			return
		}
	}
}

func (r *SubscriptionRegistry) dispatch(f Frame) {
	r.mu.Lock()
	s, ok := r.subs[f.Topic]
	var h Handler
	if ok {
		h = s.handler
	}
	r.mu.Unlock()
	if h == nil {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("handler panicked", "topic", f.Topic, "panic", p)
		}
	}()
	h(f)
}
