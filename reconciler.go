package chatsync

import (
	"fmt"
	"sync"
)

// MessageReconciler merges history pages, sent messages and pushed messages
// of one conversation into one list without duplicates.
//
// Entries keep the order in which they arrived. History pages go to the
// front; sent and pushed messages go to the back. Nothing is ever re-sorted
// by timestamp: the backend is trusted to push in causal order.
type MessageReconciler struct {
	conversationID string

	mu         sync.Mutex
	messages   []Message
	ids        map[string]struct{}
	loadedPage int // highest history page merged, -1 before the first
	totalPages int
}

// NewMessageReconciler returns an empty reconciler for one conversation.
func NewMessageReconciler(conversationID string) *MessageReconciler {
	return &MessageReconciler{
		conversationID: conversationID,
		ids:            make(map[string]struct{}),
		loadedPage:     -1,
	}
}

// ConversationID returns the conversation this reconciler is scoped to.
func (r *MessageReconciler) ConversationID() string {
	return r.conversationID
}

// Reset installs page 0 of history.
//
// On first load the page goes in front of anything sent or pushed while it
// was in flight. Once history is loaded, Reset is a resync: entries of the
// page that are missing are appended as if they had been pushed, and
// nothing already shown moves.
func (r *MessageReconciler) Reset(page *Page[Message]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loadedPage >= 0 {
		for _, m := range page.Content {
			r.appendLocked(m)
		}
		r.totalPages = page.TotalPages
		return
	}

	live := r.messages
	r.messages = make([]Message, 0, len(page.Content)+len(live))
	r.ids = make(map[string]struct{}, len(page.Content)+len(live))
	for _, m := range page.Content {
		r.appendLocked(m)
	}
	for _, m := range live {
		r.appendLocked(m)
	}
	r.loadedPage = page.Number
	r.totalPages = page.TotalPages
}

// Prepend merges an older history page at the front and returns how many
// entries it added.
func (r *MessageReconciler) Prepend(page *Page[Message]) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	older := make([]Message, 0, len(page.Content))
	for _, m := range page.Content {
		if !r.owns(m) {
			continue
		}
		if _, dup := r.ids[m.ID]; dup {
			continue
		}
		r.ids[m.ID] = struct{}{}
		older = append(older, m)
	}
	r.messages = append(older, r.messages...)

	if r.loadedPage < page.Number {
		r.loadedPage = page.Number
	}
	r.totalPages = page.TotalPages
	return len(older)
}

// AppendSent appends the server's copy of a message this client sent. It
// reports false when the message is already present (its push arrived
// first) or belongs to another conversation.
func (r *MessageReconciler) AppendSent(m Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendLocked(m)
}

// ApplyPush decodes a pushed message and appends it unless already present.
// A payload that cannot be decoded is returned as an error and leaves the
// list untouched.
func (r *MessageReconciler) ApplyPush(body []byte) (Message, bool, error) {
	m, err := ParseMessage(body)
	if err != nil {
		return Message{}, false, fmt.Errorf("decode pushed message: %w", err)
	}
	if m.ConversationID == "" {
		m.ConversationID = r.conversationID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return m, r.appendLocked(m), nil
}

func (r *MessageReconciler) appendLocked(m Message) bool {
	if !r.owns(m) {
		return false
	}
	if _, dup := r.ids[m.ID]; dup {
		return false
	}
	r.ids[m.ID] = struct{}{}
	r.messages = append(r.messages, m)
	return true
}

func (r *MessageReconciler) owns(m Message) bool {
	return m.ConversationID == "" || m.ConversationID == r.conversationID
}

// Messages returns a copy of the list in render order.
func (r *MessageReconciler) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

func (r *MessageReconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// Contains reports whether a message with id is in the list.
func (r *MessageReconciler) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	return ok
}

// Last returns the final entry of the list.
func (r *MessageReconciler) Last() (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return Message{}, false
	}
	return r.messages[len(r.messages)-1], true
}

// LastFrom returns the final entry sent by senderID.
func (r *MessageReconciler) LastFrom(senderID string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lastFrom(r.messages, senderID)
}

func lastFrom(messages []Message, senderID string) (Message, bool) {
	if senderID == "" {
		return Message{}, false
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].SenderID == senderID {
			return messages[i], true
		}
	}
	return Message{}, false
}

// HasMore reports whether older history pages remain.
func (r *MessageReconciler) HasMore() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadedPage+1 < r.totalPages
}

// NextPage is the index of the next older history page to fetch.
func (r *MessageReconciler) NextPage() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadedPage + 1
}
