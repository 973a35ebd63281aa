package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// MessageAPI is the REST surface a conversation view needs. *Client
// implements it.
type MessageAPI interface {
	ReceiptAPI
	ListMessages(ctx context.Context, conversationID string, page, size int) (*Page[Message], error)
	SendText(ctx context.Context, conversationID, body string) (*Message, error)
	SendImage(ctx context.Context, conversationID, imageURL string) (*Message, error)
}

// ViewConfig configures conversation views.
type ViewConfig struct {
	PageSize         int
	MarkReadDebounce time.Duration
	Logger           *slog.Logger
}

func (c *ViewConfig) defaults() {
	if c.PageSize == 0 {
		c.PageSize = 20
	}
	if c.MarkReadDebounce == 0 {
		c.MarkReadDebounce = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConversationView is one open conversation: its message list, the peer's
// read pointer and the order status shown in its header. It lives from
// OpenConversation until Close.
type ConversationView struct {
	id       string
	api      MessageAPI
	registry *SubscriptionRegistry
	list     *ConversationAggregator
	selfID   func() string
	config   ViewConfig
	logger   *slog.Logger

	reconciler *MessageReconciler
	receipts   *ReadReceiptTracker

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu          sync.Mutex
	detail      *ConversationDetail
	orderStatus OrderStatus
	closed      bool
	unsubs      []func()
	listeners   []func()
}

// OpenConversation opens a view on conversationID: it zeroes the list's
// unread count for it, subscribes to its message and read topics, and loads
// the newest history page and the detail. list and registry may be nil.
func OpenConversation(ctx context.Context, conversationID string, api MessageAPI, registry *SubscriptionRegistry, list *ConversationAggregator, selfID func() string, config ViewConfig) (*ConversationView, error) {
	config.defaults()
	if list != nil {
		list.MarkOpened(conversationID)
	}

	bg, cancel := context.WithCancel(context.Background())
	v := &ConversationView{
		id:         conversationID,
		api:        api,
		registry:   registry,
		list:       list,
		selfID:     selfID,
		config:     config,
		logger:     config.Logger.With("conversation", conversationID),
		reconciler: NewMessageReconciler(conversationID),
		ctx:        bg,
		cancel:     cancel,
	}
	v.receipts = NewReadReceiptTracker(conversationID, api, selfID, ReceiptOptions{
		Debounce:   config.MarkReadDebounce,
		Invalidate: v.readReported,
		OnChange:   v.notify,
		Logger:     config.Logger,
	})

	if registry != nil {
		v.unsubs = append(v.unsubs,
			registry.Subscribe(ConversationTopic(conversationID), v.handlePush),
			registry.Subscribe(ReadTopic(conversationID), v.receipts.HandleReceipt),
		)
	}

	if err := v.load(ctx); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

func (v *ConversationView) load(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		page, err := v.api.ListMessages(gctx, v.id, 0, v.config.PageSize)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		v.reconciler.Reset(page)
		return nil
	})
	g.Go(func() error {
		detail, err := v.receipts.Refresh(gctx)
		if err != nil {
			return nil
		}
		v.setDetail(detail)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	v.reportTail()
	v.notify()
	return nil
}

// ID returns the conversation id.
func (v *ConversationView) ID() string { return v.id }

// OnChange registers a callback run after the message list, the peer's read
// pointer or the header changes.
func (v *ConversationView) OnChange(fn func()) {
	v.mu.Lock()
	v.listeners = append(v.listeners, fn)
	v.mu.Unlock()
}

func (v *ConversationView) notify() {
	v.mu.Lock()
	listeners := append([]func(){}, v.listeners...)
	v.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// Messages returns the list in render order.
func (v *ConversationView) Messages() []Message {
	return v.reconciler.Messages()
}

// Seen returns the id of my last message if the peer has read it.
func (v *ConversationView) Seen() (string, bool) {
	return v.receipts.SeenMessage(v.reconciler.Messages())
}

// PeerReadTo returns the peer's read pointer.
func (v *ConversationView) PeerReadTo() string {
	return v.receipts.PeerReadTo()
}

// Detail returns the last fetched conversation detail, or nil.
func (v *ConversationView) Detail() *ConversationDetail {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.detail
}

// OrderStatus is the order state shown in the header. SYSTEM messages
// announcing a transition update it ahead of the next detail fetch.
func (v *ConversationView) OrderStatus() OrderStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.orderStatus
}

// HasMore reports whether older history is available.
func (v *ConversationView) HasMore() bool {
	return v.reconciler.HasMore()
}

// LoadMore fetches the next older history page and puts it in front.
func (v *ConversationView) LoadMore(ctx context.Context) (int, error) {
	if !v.reconciler.HasMore() {
		return 0, nil
	}
	page, err := v.api.ListMessages(ctx, v.id, v.reconciler.NextPage(), v.config.PageSize)
	if err != nil {
		return 0, fmt.Errorf("load history: %w", err)
	}
	added := v.reconciler.Prepend(page)
	if added > 0 {
		v.notify()
	}
	return added, nil
}

// SendText sends a text message. The message is appended once the backend
// returns it; a rejected send (see IsRateLimited) appends nothing.
func (v *ConversationView) SendText(ctx context.Context, body string) (*Message, error) {
	return v.send(ctx, func(ctx context.Context) (*Message, error) {
		return v.api.SendText(ctx, v.id, body)
	})
}

// SendImage sends an uploaded image by URL.
func (v *ConversationView) SendImage(ctx context.Context, imageURL string) (*Message, error) {
	return v.send(ctx, func(ctx context.Context) (*Message, error) {
		return v.api.SendImage(ctx, v.id, imageURL)
	})
}

func (v *ConversationView) send(ctx context.Context, do func(context.Context) (*Message, error)) (*Message, error) {
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return nil, ErrViewClosed
	}

	m, err := do(ctx)
	if err != nil {
		return nil, err
	}
	// Appended even if the view closed meanwhile; the reconciler only
	// accepts messages of its own conversation.
	if v.reconciler.AppendSent(*m) {
		v.reportTail()
		v.notify()
	}
	return m, nil
}

func (v *ConversationView) handlePush(f Frame) {
	m, added, err := v.reconciler.ApplyPush(f.Body)
	if err != nil {
		v.logger.Warn("dropping malformed push", "topic", f.Topic, "error", err)
		go v.resync()
		return
	}
	if !added {
		return
	}

	switch c := m.Content.(type) {
	case SystemContent:
		if status, ok := c.Event.OrderStatus(); ok {
			v.mu.Lock()
			v.orderStatus = status
			v.mu.Unlock()
		}
	case TextContent, ImageContent:
	}

	v.reportTail()
	v.notify()
}

// resync refetches the newest history page after a push could not be read.
func (v *ConversationView) resync() {
	v.group.Do("resync", func() (interface{}, error) {
		page, err := v.api.ListMessages(v.ctx, v.id, 0, v.config.PageSize)
		if err != nil {
			v.logger.Debug("resync failed", "error", err)
			return nil, err
		}
		before := v.reconciler.Len()
		v.reconciler.Reset(page)
		if v.reconciler.Len() != before {
			v.reportTail()
			v.notify()
		}
		return nil, nil
	})
}

func (v *ConversationView) setDetail(d *ConversationDetail) {
	v.mu.Lock()
	v.detail = d
	if d.OrderStatus != nil {
		v.orderStatus = *d.OrderStatus
	} else if d.OrderDetail != nil {
		v.orderStatus = d.OrderDetail.Status
	}
	v.mu.Unlock()
}

// reportTail reports the last entry as read.
func (v *ConversationView) reportTail() {
	if last, ok := v.reconciler.Last(); ok {
		v.receipts.ReportRead(last.ID)
	}
}

func (v *ConversationView) readReported() {
	if v.list != nil {
		v.list.settle(v.id)
		v.list.Invalidate()
	}
}

// Close unsubscribes the view's topics and sends any pending read report.
// Sends already in flight still complete.
func (v *ConversationView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	unsubs := v.unsubs
	v.unsubs = nil
	v.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	v.receipts.Close()
	v.cancel()
	if v.list != nil {
		v.list.settle(v.id)
	}
}
