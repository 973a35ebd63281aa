package chatsync

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatBackend(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/chat")
		switch {
		case path == "/conversations" && r.Method == http.MethodGet:
			writeOK(w, Page[ConversationSummary]{
				Content:    []ConversationSummary{{ID: "c1", Unread: 2}, {ID: "c2", Unread: 1}},
				TotalPages: 1,
			})
		case path == "/conversations/c1/messages" && r.Method == http.MethodGet:
			w.Write([]byte(`{"ok":true,"data":{"content":[` + textJSON("m1", "peer", "hi") + `],"number":0,"size":20,"totalElements":1,"totalPages":1}}`))
		case path == "/conversations/c1" && r.Method == http.MethodGet:
			writeOK(w, ConversationDetail{ID: "c1"})
		case path == "/conversations/c1/read":
			writeOK(w, nil)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestMessenger(t *testing.T) {
	client := newTestClient(t, chatBackend(t), WithUserID("me"))
	d := &fakeDialer{}
	m := NewMessenger(client, MessengerConfig{
		Realtime:         RealtimeConfig{ReconnectDelay: 10 * time.Millisecond},
		Dialer:           d,
		PollInterval:     time.Hour,
		MarkReadDebounce: 10 * time.Millisecond,
		Logger:           discardLogger(),
	})

	m.Start(context.Background())
	waitConnected(t, m.Connection())
	require.Eventually(t, func() bool { return m.Conversations().TotalUnread() == 3 }, waitFor, tick)

	d.mu.Lock()
	assert.Equal(t, "tok", d.creds[0].Token)
	assert.Equal(t, "me", d.creds[0].UserID)
	d.mu.Unlock()

	v, err := m.Open(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(v.Messages()))
	assert.Equal(t, 1, m.Conversations().TotalUnread())

	tr := d.latest()
	require.Eventually(t, func() bool {
		return len(tr.topics()) == 3
	}, waitFor, tick)
	assert.Equal(t, []string{ConversationTopic("c1"), ReadTopic("c1"), InboxTopic}, m.Registry().Topics())

	t.Run("reopening replaces the view", func(t *testing.T) {
		again, err := m.Open(context.Background(), "c1")
		require.NoError(t, err)
		assert.NotSame(t, v, again)
		_, err = v.SendText(context.Background(), "x")
		assert.ErrorIs(t, err, ErrViewClosed)
	})

	_, err = m.Open(context.Background(), "")
	assert.Error(t, err)

	m.Stop()
	assert.Equal(t, StateDisconnected, m.Connection().State())
	assert.True(t, tr.isClosed())
}
