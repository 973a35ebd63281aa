package chatsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport records subscriptions and lets tests publish to them.
type fakeTransport struct {
	mu            sync.Mutex
	subs          map[string]func([]byte)
	issued        []string
	failSubscribe bool
	closed        bool

	done chan struct{}
	once sync.Once
	err  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]func([]byte)), done: make(chan struct{})}
}

func (f *fakeTransport) Subscribe(topic string, deliver func([]byte)) (func() error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.failSubscribe {
		return nil, ErrNotConnected
	}
	f.subs[topic] = deliver
	f.issued = append(f.issued, topic)
	return func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, topic)
		return nil
	}, nil
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }
func (f *fakeTransport) Err() error            { return f.err }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.kill(errTransportClosed)
	return nil
}

// kill simulates the broker dropping the connection.
func (f *fakeTransport) kill(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// publish delivers body to topic if subscribed.
func (f *fakeTransport) publish(topic, body string) bool {
	f.mu.Lock()
	deliver := f.subs[topic]
	f.mu.Unlock()
	if deliver == nil {
		return false
	}
	deliver([]byte(body))
	return true
}

func (f *fakeTransport) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for topic := range f.subs {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (f *fakeTransport) issueCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.issued {
		if t == topic {
			n++
		}
	}
	return n
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeDialer hands out fakeTransports and records each attempt.
type fakeDialer struct {
	mu         sync.Mutex
	creds      []Credentials
	transports []*fakeTransport
	failDials  int
	// failSubscribeOn makes the nth transport (1-based) reject subscribes.
	failSubscribeOn int
	liveAtDial      []int
}

func (d *fakeDialer) Dial(ctx context.Context, creds Credentials) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds = append(d.creds, creds)

	live := 0
	for _, t := range d.transports {
		if !t.isClosed() {
			live++
		}
	}
	d.liveAtDial = append(d.liveAtDial, live)

	if d.failDials > 0 {
		d.failDials--
		return nil, errors.New("connection refused")
	}
	t := newFakeTransport()
	if len(d.transports)+1 == d.failSubscribeOn {
		t.failSubscribe = true
	}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.creds)
}

func (d *fakeDialer) transportCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) latest() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func staticCreds(token string) CredentialsFunc {
	return func(context.Context) (Credentials, error) {
		return Credentials{Token: token}, nil
	}
}

func newTestConnection(t *testing.T, d *fakeDialer, creds CredentialsFunc) *ConnectionManager {
	t.Helper()
	if creds == nil {
		creds = staticCreds("tok")
	}
	cm := NewConnectionManager(d, creds, RealtimeConfig{
		ReconnectDelay: 10 * time.Millisecond,
		Logger:         discardLogger(),
	})
	t.Cleanup(cm.Disconnect)
	return cm
}

func waitConnected(t *testing.T, cm *ConnectionManager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, cm.WaitConnected(ctx))
}

// ============================================================================
// fakeChatAPI
// ============================================================================

// fakeChatAPI is an in-memory chat backend implementing MessageAPI and
// ListAPI.
type fakeChatAPI struct {
	mu sync.Mutex

	pages         map[int]*Page[Message]
	detail        *ConversationDetail
	detailErr     error
	conversations []ConversationSummary
	listErr       error

	sendResult *Message
	sendErr    error
	sendGate   chan struct{}

	listGate chan struct{}

	markReadErr   error
	markRead      []string
	markReadGates map[string]chan struct{}
	markReadSeen  []string
	listCalls     int
	historyReqs   []int
	detailCalls   int
	pinned        map[string]bool
	deleted       []string
}

func newFakeChatAPI() *fakeChatAPI {
	return &fakeChatAPI{
		pages:  make(map[int]*Page[Message]),
		pinned: make(map[string]bool),
	}
}

func (f *fakeChatAPI) GetConversation(ctx context.Context, id string) (*ConversationDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++
	if f.detailErr != nil {
		return nil, f.detailErr
	}
	if f.detail == nil {
		return &ConversationDetail{ID: id}, nil
	}
	d := *f.detail
	return &d, nil
}

func (f *fakeChatAPI) MarkRead(ctx context.Context, id, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadSeen = append(f.markReadSeen, messageID)
	if gate, ok := f.markReadGates[messageID]; ok {
		f.mu.Unlock()
		<-gate
		f.mu.Lock()
	}
	if f.markReadErr != nil {
		return f.markReadErr
	}
	f.markRead = append(f.markRead, messageID)
	return nil
}

func (f *fakeChatAPI) ListMessages(ctx context.Context, id string, page, size int) (*Page[Message], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyReqs = append(f.historyReqs, page)
	p, ok := f.pages[page]
	if !ok {
		return &Page[Message]{Number: page}, nil
	}
	cp := *p
	cp.Content = append([]Message(nil), p.Content...)
	return &cp, nil
}

func (f *fakeChatAPI) SendText(ctx context.Context, id, body string) (*Message, error) {
	return f.send(ctx)
}

func (f *fakeChatAPI) SendImage(ctx context.Context, id, url string) (*Message, error) {
	return f.send(ctx)
}

func (f *fakeChatAPI) send(ctx context.Context) (*Message, error) {
	f.mu.Lock()
	gate := f.sendGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	m := *f.sendResult
	return &m, nil
}

func (f *fakeChatAPI) ListConversations(ctx context.Context, opts ListConversationsOptions) (*Page[ConversationSummary], error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.listGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	items := append([]ConversationSummary(nil), f.conversations...)
	return &Page[ConversationSummary]{Content: items, TotalElements: len(items), TotalPages: 1}, nil
}

func (f *fakeChatAPI) PinConversation(ctx context.Context, id string, pin bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned[id] = pin
	return nil
}

func (f *fakeChatAPI) ArchiveConversation(ctx context.Context, id string, archived bool) error {
	return nil
}

func (f *fakeChatAPI) MuteConversation(ctx context.Context, id string, minutes int) error {
	return nil
}

func (f *fakeChatAPI) DeleteConversation(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeChatAPI) setConversations(items ...ConversationSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations = items
}

func (f *fakeChatAPI) markReadStarted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.markReadSeen...)
}

func (f *fakeChatAPI) markReadCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.markRead...)
}

func (f *fakeChatAPI) listCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeChatAPI) historyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.historyReqs)
}

func (f *fakeChatAPI) detailCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detailCalls
}

// ============================================================================
// Message builders
// ============================================================================

func textMsg(id, sender, body string) Message {
	return Message{
		ID:        id,
		SenderID:  sender,
		Content:   TextContent{Body: body},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func textJSON(id, sender, body string) string {
	return fmt.Sprintf(`{"id":%q,"type":"TEXT","senderId":%q,"body":%q,"createdAt":"2026-01-01T00:00:00Z"}`, id, sender, body)
}

func ids(messages []Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}
