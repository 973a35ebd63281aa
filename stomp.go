package chatsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3"
	"nhooyr.io/websocket"
)

const wsReadLimit = 1 << 20

var (
	errTransportClosed  = errors.New("transport closed")
	errSessionEnded     = errors.New("stomp session ended")
	errHeartbeatTimeout = errors.New("heartbeat timeout")
)

// ============================================================================
// WebSocketDialer
// ============================================================================

// WebSocketDialer opens STOMP 1.2 sessions over a raw WebSocket.
type WebSocketDialer struct {
	URL               string
	HTTPClient        *http.Client
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
	HeartbeatGrace    time.Duration
	Logger            *slog.Logger
}

// NewWebSocketDialer returns a dialer for the client's realtime endpoint.
func NewWebSocketDialer(client *Client, cfg RealtimeConfig) *WebSocketDialer {
	cfg.defaults()
	return &WebSocketDialer{
		URL:               client.WebSocketURL(),
		HTTPClient:        cfg.HTTPClient,
		HeartbeatOutgoing: cfg.HeartbeatOutgoing,
		HeartbeatIncoming: cfg.HeartbeatIncoming,
		HeartbeatGrace:    cfg.HeartbeatGrace,
		Logger:            cfg.Logger,
	}
}

// Dial connects the WebSocket and performs the STOMP handshake with the
// credentials as CONNECT headers.
func (d *WebSocketDialer) Dial(ctx context.Context, creds Credentials) (Transport, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}

	ws, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		Subprotocols: []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	ws.SetReadLimit(wsReadLimit)

	// The net.Conn outlives ctx, which only bounds the dial.
	nc := websocket.NetConn(context.Background(), ws, websocket.MessageText)

	hb := heartbeats{Outgoing: d.HeartbeatOutgoing, Incoming: d.HeartbeatIncoming, Grace: d.HeartbeatGrace}
	t, err := newStompTransport(nc, u.Host, creds, hb, d.Logger)
	if err != nil {
		ws.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, err
	}
	return t, nil
}

// ============================================================================
// stompTransport
// ============================================================================

// heartbeats are the STOMP heart-beat intervals to offer. Grace is added to
// the negotiated incoming interval before a silent broker is given up on.
type heartbeats struct {
	Outgoing time.Duration
	Incoming time.Duration
	Grace    time.Duration
}

type stompTransport struct {
	conn   *stomp.Conn
	rwc    *watchedConn
	logger *slog.Logger
}

func newStompTransport(rwc io.ReadWriteCloser, host string, creds Credentials, hb heartbeats, logger *slog.Logger) (*stompTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if hb.Grace <= 0 {
		hb.Grace = stomp.DefaultHeartBeatError
	}
	wc := newWatchedConn(rwc, hb.Grace)

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(host),
		stomp.ConnOpt.HeartBeat(hb.Outgoing, hb.Incoming),
		stomp.ConnOpt.HeartBeatError(hb.Grace),
	}
	// Without a token, development brokers accept the user id header.
	if creds.Token != "" {
		opts = append(opts, stomp.ConnOpt.Header("Authorization", "Bearer "+creds.Token))
	} else if creds.UserID != "" {
		opts = append(opts, stomp.ConnOpt.Header("uid", creds.UserID))
	}

	conn, err := stomp.Connect(wc, opts...)
	if err != nil {
		wc.closing.Store(true)
		wc.Close()
		return nil, fmt.Errorf("stomp connect: %w", err)
	}
	return &stompTransport{conn: conn, rwc: wc, logger: logger}, nil
}

func (t *stompTransport) Subscribe(topic string, deliver func(body []byte)) (func() error, error) {
	select {
	case <-t.rwc.done:
		return nil, ErrNotConnected
	default:
	}

	sub, err := t.conn.Subscribe(topic, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	var cancelled atomic.Bool
	go func() {
		for msg := range sub.C {
			if msg.Err != nil {
				if cancelled.Load() {
					return
				}
				t.logger.Debug("subscription ended", "topic", topic, "error", msg.Err)
				t.rwc.drop(msg.Err)
				return
			}
			deliver(msg.Body)
		}
	}()

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			cancelled.Store(true)
			select {
			case <-t.rwc.done:
				return
			default:
			}
			err = sub.Unsubscribe()
		})
		return err
	}, nil
}

func (t *stompTransport) Done() <-chan struct{} { return t.rwc.done }

func (t *stompTransport) Err() error { return t.rwc.err }

// Close drops the session without waiting for a DISCONNECT receipt.
func (t *stompTransport) Close() error {
	t.rwc.closing.Store(true)
	select {
	case <-t.rwc.done:
		return t.rwc.Close()
	default:
	}
	err := t.conn.MustDisconnect()
	t.rwc.Close()
	return err
}

// watchedConn closes done on the first read or write failure, or on Close,
// so a dead socket is noticed even with no subscriptions open. A close the
// session makes on its own after grace or more of silence is recorded as a
// heartbeat timeout.
type watchedConn struct {
	io.ReadWriteCloser
	grace    time.Duration
	lastRead atomic.Int64
	closing  atomic.Bool

	once sync.Once
	done chan struct{}
	err  error
}

func newWatchedConn(rwc io.ReadWriteCloser, grace time.Duration) *watchedConn {
	w := &watchedConn{ReadWriteCloser: rwc, grace: grace, done: make(chan struct{})}
	w.lastRead.Store(time.Now().UnixNano())
	return w
}

func (w *watchedConn) Read(p []byte) (int, error) {
	n, err := w.ReadWriteCloser.Read(p)
	if n > 0 {
		w.lastRead.Store(time.Now().UnixNano())
	}
	if err != nil {
		w.fail(err)
	}
	return n, err
}

func (w *watchedConn) Write(p []byte) (int, error) {
	n, err := w.ReadWriteCloser.Write(p)
	if err != nil {
		w.fail(err)
	}
	return n, err
}

func (w *watchedConn) Close() error {
	if w.closing.Load() {
		w.fail(errTransportClosed)
	} else {
		w.drop(errSessionEnded)
	}
	return w.ReadWriteCloser.Close()
}

// drop ends the connection for a reason the session chose.
func (w *watchedConn) drop(cause error) {
	silent := time.Since(time.Unix(0, w.lastRead.Load()))
	if w.grace > 0 && silent >= w.grace {
		cause = fmt.Errorf("%w: nothing received for %s", errHeartbeatTimeout, silent.Round(time.Millisecond))
	}
	w.fail(cause)
}

func (w *watchedConn) fail(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}
