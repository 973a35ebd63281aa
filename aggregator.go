package chatsync

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ListAPI is the REST surface the aggregator needs. *Client implements it.
type ListAPI interface {
	ListConversations(ctx context.Context, opts ListConversationsOptions) (*Page[ConversationSummary], error)
	PinConversation(ctx context.Context, conversationID string, pin bool) error
	ArchiveConversation(ctx context.Context, conversationID string, archived bool) error
	MuteConversation(ctx context.Context, conversationID string, minutes int) error
	DeleteConversation(ctx context.Context, conversationID string) error
}

// AggregatorConfig configures a ConversationAggregator.
type AggregatorConfig struct {
	PollInterval time.Duration
	PageSize     int
	OnlyArchived bool
	OnlyPinned   bool
	Logger       *slog.Logger
}

func (c *AggregatorConfig) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.PageSize == 0 {
		c.PageSize = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ListListener observes the conversation list and its total unread count.
type ListListener func(items []ConversationSummary, totalUnread int)

// ConversationAggregator keeps the conversation list and the total unread
// badge. Every refresh is requested through its InvalidationBus, whether
// it comes from the poll ticker, an inbox push or a local action.
type ConversationAggregator struct {
	api      ListAPI
	registry *SubscriptionRegistry
	bus      *InvalidationBus
	config   AggregatorConfig
	logger   *slog.Logger
	group    singleflight.Group

	mu        sync.Mutex
	items     []ConversationSummary
	total     int
	seq       uint64            // refreshes started
	held      map[string]uint64 // conversation -> last refresh forced to zero unread
	listeners []ListListener

	runMu       sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
}

// NewConversationAggregator creates an aggregator. registry may be nil, in
// which case only polling and local invalidations refresh the list.
func NewConversationAggregator(api ListAPI, registry *SubscriptionRegistry, bus *InvalidationBus, config AggregatorConfig) *ConversationAggregator {
	config.defaults()
	if bus == nil {
		bus = NewInvalidationBus()
	}
	return &ConversationAggregator{
		api:      api,
		registry: registry,
		bus:      bus,
		config:   config,
		logger:   config.Logger,
		held:     make(map[string]uint64),
	}
}

// Bus returns the aggregator's invalidation bus.
func (a *ConversationAggregator) Bus() *InvalidationBus {
	return a.bus
}

// OnChange registers a listener called after every change to the list.
func (a *ConversationAggregator) OnChange(l ListListener) {
	a.mu.Lock()
	a.listeners = append(a.listeners, l)
	a.mu.Unlock()
}

// Start subscribes to the inbox topic, starts polling and requests the
// first load. It is a no-op when already started.
func (a *ConversationAggregator) Start(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	if a.registry != nil {
		a.unsubscribe = a.registry.Subscribe(InboxTopic, func(Frame) {
			a.bus.Invalidate(InvalidatedByPush)
		})
	}
	a.bus.Invalidate(InvalidatedByLocal)

	go a.run(ctx, a.done)
}

// Stop ends polling and the inbox subscription.
func (a *ConversationAggregator) Stop() {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	a.cancel = nil
}

func (a *ConversationAggregator) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.bus.Invalidate(InvalidatedByPoll)
		case src := <-a.bus.C():
			if err := a.Refresh(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("conversation list refresh failed", "source", src, "error", err)
			}
		}
	}
}

// Invalidate asks for a refresh.
func (a *ConversationAggregator) Invalidate() {
	a.bus.Invalidate(InvalidatedByLocal)
}

// Refresh refetches the list now. Concurrent calls share one request.
func (a *ConversationAggregator) Refresh(ctx context.Context) error {
	_, err, _ := a.group.Do("list", func() (interface{}, error) {
		a.mu.Lock()
		a.seq++
		seq := a.seq
		a.mu.Unlock()

		page, err := a.api.ListConversations(ctx, ListConversationsOptions{
			Size:         a.config.PageSize,
			OnlyArchived: a.config.OnlyArchived,
			OnlyPinned:   a.config.OnlyPinned,
		})
		if err != nil {
			return nil, err
		}
		a.apply(seq, page.Content)
		return nil, nil
	})
	return err
}

func (a *ConversationAggregator) apply(seq uint64, items []ConversationSummary) {
	a.mu.Lock()
	for i := range items {
		if until, ok := a.held[items[i].ID]; ok && seq <= until {
			items[i].Unread = 0
		}
	}
	// A hold ends with the first refresh started after it settled, whether
	// or not that page lists the conversation.
	for id, until := range a.held {
		if seq > until {
			delete(a.held, id)
		}
	}
	a.items = items
	a.recomputeLocked()
	a.notifyLocked()
}

// MarkOpened zeroes the conversation's displayed unread count at once. The
// zero holds against refresh results until settle is called for it.
func (a *ConversationAggregator) MarkOpened(conversationID string) {
	a.mu.Lock()
	a.held[conversationID] = math.MaxUint64
	for i := range a.items {
		if a.items[i].ID == conversationID {
			a.items[i].Unread = 0
		}
	}
	a.recomputeLocked()
	a.notifyLocked()
}

// settle ends the hold placed by MarkOpened: refreshes already started
// still see zero, later ones are trusted.
func (a *ConversationAggregator) settle(conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.held[conversationID]; ok {
		a.held[conversationID] = a.seq
	}
}

// recomputeLocked derives the badge from the list.
func (a *ConversationAggregator) recomputeLocked() {
	total := 0
	for _, it := range a.items {
		if it.Unread > 0 {
			total += it.Unread
		}
	}
	a.total = total
}

// notifyLocked releases a.mu and then calls listeners with a snapshot.
func (a *ConversationAggregator) notifyLocked() {
	items := append([]ConversationSummary(nil), a.items...)
	total := a.total
	listeners := append([]ListListener(nil), a.listeners...)
	a.mu.Unlock()

	for _, l := range listeners {
		l(items, total)
	}
}

// Summaries returns a copy of the current list.
func (a *ConversationAggregator) Summaries() []ConversationSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ConversationSummary(nil), a.items...)
}

// TotalUnread is the sum of the list's unread counts.
func (a *ConversationAggregator) TotalUnread() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Unread returns one conversation's displayed unread count.
func (a *ConversationAggregator) Unread(conversationID string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, it := range a.items {
		if it.ID == conversationID {
			return it.Unread, true
		}
	}
	return 0, false
}

// ============================================================================
// List management
// ============================================================================

func (a *ConversationAggregator) Pin(ctx context.Context, conversationID string, pin bool) error {
	if err := a.api.PinConversation(ctx, conversationID, pin); err != nil {
		return err
	}
	a.Invalidate()
	return nil
}

func (a *ConversationAggregator) Archive(ctx context.Context, conversationID string, archived bool) error {
	if err := a.api.ArchiveConversation(ctx, conversationID, archived); err != nil {
		return err
	}
	a.Invalidate()
	return nil
}

func (a *ConversationAggregator) Mute(ctx context.Context, conversationID string, minutes int) error {
	if err := a.api.MuteConversation(ctx, conversationID, minutes); err != nil {
		return err
	}
	a.Invalidate()
	return nil
}

// Delete removes the conversation for me and drops it from the list
// without waiting for the refresh.
func (a *ConversationAggregator) Delete(ctx context.Context, conversationID string) error {
	if err := a.api.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}

	a.mu.Lock()
	kept := a.items[:0:0]
	for _, it := range a.items {
		if it.ID != conversationID {
			kept = append(kept, it)
		}
	}
	a.items = kept
	delete(a.held, conversationID)
	a.recomputeLocked()
	a.notifyLocked()

	a.Invalidate()
	return nil
}
