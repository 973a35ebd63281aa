package chatsync

// InvalidationSource names what asked for a conversation list refresh.
type InvalidationSource string

const (
	InvalidatedByPoll  InvalidationSource = "poll"
	InvalidatedByPush  InvalidationSource = "push"
	InvalidatedByLocal InvalidationSource = "local"
)

// InvalidationBus is the one channel through which polling, inbox pushes
// and local actions ask for the conversation list to be refetched.
// Requests that arrive while one is already queued are merged into it, so a
// single consumer sees at most one outstanding request.
type InvalidationBus struct {
	ch chan InvalidationSource
}

func NewInvalidationBus() *InvalidationBus {
	return &InvalidationBus{ch: make(chan InvalidationSource, 1)}
}

// Invalidate queues a refresh request. It never blocks.
func (b *InvalidationBus) Invalidate(src InvalidationSource) {
	select {
	case b.ch <- src:
	default:
	}
}

// C delivers queued requests.
func (b *InvalidationBus) C() <-chan InvalidationSource {
	return b.ch
}
