package chatsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const markReadTimeout = 10 * time.Second

// ReceiptAPI is the REST surface the tracker needs. *Client implements it.
type ReceiptAPI interface {
	GetConversation(ctx context.Context, conversationID string) (*ConversationDetail, error)
	MarkRead(ctx context.Context, conversationID, messageID string) error
}

// ReceiptOptions configures a ReadReceiptTracker.
type ReceiptOptions struct {
	// Debounce collapses bursts of read reports into one call for the
	// latest id. Zero reports immediately.
	Debounce time.Duration

	// Invalidate is called after the backend accepted a read report, so
	// list unread counts can be refreshed.
	Invalidate func()

	// OnChange is called whenever the peer's read pointer changes.
	OnChange func()

	Logger *slog.Logger
}

// ReadReceiptTracker follows both read pointers of one conversation: the
// peer's, which it learns from detail fetches and read-topic pushes, and
// mine, which it reports.
type ReadReceiptTracker struct {
	conversationID string
	api            ReceiptAPI
	selfID         func() string
	opts           ReceiptOptions
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu         sync.Mutex
	peerReadTo string
	reported   string
	pending    string
	timer      *time.Timer
	inFlight   bool
	closed     bool
}

// NewReadReceiptTracker creates a tracker for one conversation.
func NewReadReceiptTracker(conversationID string, api ReceiptAPI, selfID func() string, opts ReceiptOptions) *ReadReceiptTracker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ReadReceiptTracker{
		conversationID: conversationID,
		api:            api,
		selfID:         selfID,
		opts:           opts,
		logger:         opts.Logger.With("conversation", conversationID),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// PeerReadTo returns the id of the last message the peer has read, or "".
func (t *ReadReceiptTracker) PeerReadTo() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerReadTo
}

// Refresh refetches the conversation detail and adopts its peer pointer.
// Concurrent calls share one request. Failures are left for the next
// trigger to retry.
func (t *ReadReceiptTracker) Refresh(ctx context.Context) (*ConversationDetail, error) {
	v, err, _ := t.group.Do("detail", func() (interface{}, error) {
		return t.api.GetConversation(ctx, t.conversationID)
	})
	if err != nil {
		t.logger.Debug("read pointer refresh failed", "error", err)
		return nil, err
	}
	detail := v.(*ConversationDetail)
	t.setPeer(detail.PeerReadToMessageID)
	return detail, nil
}

// HandleReceipt processes a frame from the read topic. A payload naming the
// peer as reader moves the pointer at once; a detail refetch follows either
// way.
func (t *ReadReceiptTracker) HandleReceipt(f Frame) {
	var ev ReadReceiptEvent
	if err := json.Unmarshal(f.Body, &ev); err != nil {
		t.logger.Debug("unreadable read receipt, refetching", "error", err)
	} else if ev.ReadTo != "" && ev.ReaderID != "" && ev.ReaderID != t.selfID() {
		t.setPeer(ev.ReadTo)
	}

	go t.Refresh(t.ctx)
}

func (t *ReadReceiptTracker) setPeer(id string) {
	t.mu.Lock()
	changed := t.peerReadTo != id
	t.peerReadTo = id
	t.mu.Unlock()

	if changed && t.opts.OnChange != nil {
		t.opts.OnChange()
	}
}

// ReportRead records that I have read up to messageID. The report is sent
// after the debounce window unless a later id replaces it; an id already
// reported is not sent again.
func (t *ReadReceiptTracker) ReportRead(messageID string) {
	t.mu.Lock()
	if t.closed || messageID == "" || messageID == t.reported || messageID == t.pending {
		t.mu.Unlock()
		return
	}
	t.pending = messageID
	if t.opts.Debounce <= 0 {
		t.mu.Unlock()
		t.flush()
		return
	}
	if t.timer == nil {
		t.timer = time.AfterFunc(t.opts.Debounce, t.flush)
	} else {
		t.timer.Reset(t.opts.Debounce)
	}
	t.mu.Unlock()
}

// flush sends the pending id. Only one report is in flight at a time; ids
// queued meanwhile are sent when it completes, so the server never sees an
// older id after a newer one.
func (t *ReadReceiptTracker) flush() {
	t.mu.Lock()
	if t.inFlight {
		t.mu.Unlock()
		return
	}
	t.inFlight = true
	for {
		id := t.pending
		t.pending = ""
		if id == "" || id == t.reported {
			t.inFlight = false
			t.mu.Unlock()
			return
		}
		prev := t.reported
		t.reported = id
		t.mu.Unlock()

		err := t.markRead(id)

		t.mu.Lock()
		if err != nil {
			t.logger.Warn("mark read failed", "message", id, "error", err)
			if t.reported == id {
				t.reported = prev
			}
			continue
		}
		if t.opts.Invalidate != nil {
			t.mu.Unlock()
			t.opts.Invalidate()
			t.mu.Lock()
		}
	}
}

func (t *ReadReceiptTracker) markRead(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
	defer cancel()
	return t.api.MarkRead(ctx, t.conversationID, id)
}

// SeenMessage returns the id of my last message in messages when the peer
// has read exactly that message. Ids are opaque, so only equality counts.
func (t *ReadReceiptTracker) SeenMessage(messages []Message) (string, bool) {
	mine, ok := lastFrom(messages, t.selfID())
	if !ok {
		return "", false
	}
	peer := t.PeerReadTo()
	if peer == "" || peer != mine.ID {
		return "", false
	}
	return mine.ID, true
}

// Close sends any pending read report and stops background refetches.
func (t *ReadReceiptTracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()

	t.flush()
	t.cancel()
}
