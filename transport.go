package chatsync

import "context"

// Credentials are resolved once per connect attempt and carried on the
// handshake. They are not rebound while a connection is up.
type Credentials struct {
	Token  string
	UserID string
}

// CredentialsFunc resolves the credentials for the next connect attempt.
type CredentialsFunc func(ctx context.Context) (Credentials, error)

// Frame is one message delivered on a subscribed topic.
type Frame struct {
	Topic string
	Body  []byte
}

// Dialer opens transports. A Dialer is used by exactly one
// ConnectionManager.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Transport, error)
}

// Transport is one live connection to the broker. Prior subscriptions do
// not survive a transport; a new one starts empty.
type Transport interface {
	// Subscribe starts delivery of topic to deliver. The returned func
	// cancels it; it is safe to call after the transport died.
	Subscribe(topic string, deliver func(body []byte)) (unsubscribe func() error, err error)

	// Done is closed once the transport is unusable.
	Done() <-chan struct{}

	// Err reports why Done was closed.
	Err() error

	Close() error
}
