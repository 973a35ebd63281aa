package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MessengerConfig configures a Messenger. Zero values take defaults.
type MessengerConfig struct {
	Realtime RealtimeConfig

	// Dialer overrides the STOMP-over-WebSocket transport.
	Dialer Dialer

	PollInterval     time.Duration
	ListPageSize     int
	HistoryPageSize  int
	MarkReadDebounce time.Duration

	Logger *slog.Logger
}

// Messenger is one signed-in chat session: a connection, the subscriptions
// multiplexed over it, the conversation list and any open conversations.
type Messenger struct {
	client   *Client
	conn     *ConnectionManager
	registry *SubscriptionRegistry
	list     *ConversationAggregator
	config   MessengerConfig
	logger   *slog.Logger

	mu    sync.Mutex
	views map[string]*ConversationView
}

// NewMessenger wires a session around client. Nothing connects until Start.
func NewMessenger(client *Client, config MessengerConfig) *Messenger {
	if config.Logger == nil {
		config.Logger = client.logger
	}
	if config.Realtime.Logger == nil {
		config.Realtime.Logger = config.Logger
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = NewWebSocketDialer(client, config.Realtime)
	}

	creds := func(ctx context.Context) (Credentials, error) {
		token, err := client.Token(ctx)
		if err != nil {
			return Credentials{}, err
		}
		return Credentials{Token: token, UserID: client.UserID()}, nil
	}

	conn := NewConnectionManager(dialer, creds, config.Realtime)
	registry := NewSubscriptionRegistry(conn, config.Logger)
	list := NewConversationAggregator(client, registry, NewInvalidationBus(), AggregatorConfig{
		PollInterval: config.PollInterval,
		PageSize:     config.ListPageSize,
		Logger:       config.Logger,
	})

	return &Messenger{
		client:   client,
		conn:     conn,
		registry: registry,
		list:     list,
		config:   config,
		logger:   config.Logger,
		views:    make(map[string]*ConversationView),
	}
}

// Start connects and begins keeping the conversation list current.
func (m *Messenger) Start(ctx context.Context) {
	m.conn.Connect()
	m.list.Start(ctx)
}

// Stop closes open conversations, stops the list and disconnects.
func (m *Messenger) Stop() {
	m.mu.Lock()
	views := make([]*ConversationView, 0, len(m.views))
	for _, v := range m.views {
		views = append(views, v)
	}
	m.views = make(map[string]*ConversationView)
	m.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
	m.list.Stop()
	m.conn.Disconnect()
	m.registry.Close()
}

// Open opens a conversation view. Opening a conversation that already has an
// open view closes the older one first, since a topic carries one handler.
func (m *Messenger) Open(ctx context.Context, conversationID string) (*ConversationView, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("open conversation: empty id")
	}

	m.mu.Lock()
	prev := m.views[conversationID]
	delete(m.views, conversationID)
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	v, err := OpenConversation(ctx, conversationID, m.client, m.registry, m.list, m.client.UserID, ViewConfig{
		PageSize:         m.config.HistoryPageSize,
		MarkReadDebounce: m.config.MarkReadDebounce,
		Logger:           m.logger,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.views[conversationID] = v
	m.mu.Unlock()
	return v, nil
}

// Conversations returns the conversation list.
func (m *Messenger) Conversations() *ConversationAggregator { return m.list }

// Connection returns the connection manager.
func (m *Messenger) Connection() *ConnectionManager { return m.conn }

// Registry returns the subscription registry.
func (m *Messenger) Registry() *SubscriptionRegistry { return m.registry }

// Client returns the REST client.
func (m *Messenger) Client() *Client { return m.client }
