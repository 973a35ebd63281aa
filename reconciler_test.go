package chatsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func page(number, totalPages int, messages ...Message) *Page[Message] {
	return &Page[Message]{Content: messages, Number: number, Size: 20, TotalPages: totalPages, TotalElements: len(messages)}
}

func TestReconciler_HistoryThenPush(t *testing.T) {
	r := NewMessageReconciler("c1")
	r.Reset(page(0, 1, textMsg("m1", "peer", "hi"), textMsg("m2", "me", "hello")))

	m, added, err := r.ApplyPush([]byte(textJSON("m3", "peer", "still there?")))
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, "c1", m.ConversationID)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(r.Messages()))

	_, added, err = r.ApplyPush([]byte(textJSON("m2", "me", "hello")))
	require.NoError(t, err)
	assert.False(t, added, "push of a loaded message is a duplicate")
	assert.Equal(t, 3, r.Len())
}

func TestReconciler_SentAndPushedOnce(t *testing.T) {
	sent := textMsg("m9", "me", "deal")
	sent.ConversationID = "c1"

	t.Run("send returns first", func(t *testing.T) {
		r := NewMessageReconciler("c1")
		r.Reset(page(0, 1))
		assert.True(t, r.AppendSent(sent))
		_, added, err := r.ApplyPush([]byte(textJSON("m9", "me", "deal")))
		require.NoError(t, err)
		assert.False(t, added)
		assert.Equal(t, []string{"m9"}, ids(r.Messages()))
	})

	t.Run("push arrives first", func(t *testing.T) {
		r := NewMessageReconciler("c1")
		r.Reset(page(0, 1))
		_, added, err := r.ApplyPush([]byte(textJSON("m9", "me", "deal")))
		require.NoError(t, err)
		assert.True(t, added)
		assert.False(t, r.AppendSent(sent))
		assert.Equal(t, []string{"m9"}, ids(r.Messages()))
	})
}

func TestReconciler_LiveEntriesSurviveFirstLoad(t *testing.T) {
	r := NewMessageReconciler("c1")
	_, _, err := r.ApplyPush([]byte(textJSON("m3", "peer", "early")))
	require.NoError(t, err)

	r.Reset(page(0, 1, textMsg("m1", "peer", "a"), textMsg("m2", "me", "b"), textMsg("m3", "peer", "early")))
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(r.Messages()))
}

func TestReconciler_ResyncAppendsMissing(t *testing.T) {
	r := NewMessageReconciler("c1")
	r.Reset(page(0, 2, textMsg("m1", "peer", "a"), textMsg("m2", "me", "b")))
	r.AppendSent(textMsg("m4", "me", "d"))

	r.Reset(page(0, 2, textMsg("m2", "me", "b"), textMsg("m3", "peer", "c")))
	assert.Equal(t, []string{"m1", "m2", "m4", "m3"}, ids(r.Messages()))
	assert.True(t, r.HasMore())
}

func TestReconciler_MalformedPush(t *testing.T) {
	r := NewMessageReconciler("c1")
	r.Reset(page(0, 1, textMsg("m1", "peer", "a")))

	for name, body := range map[string]string{
		"not json":     `{"id":`,
		"unknown type": `{"id":"m2","type":"VIDEO"}`,
		"missing id":   `{"type":"TEXT","body":"x"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, added, err := r.ApplyPush([]byte(body))
			assert.Error(t, err)
			assert.False(t, added)
			assert.Equal(t, []string{"m1"}, ids(r.Messages()))
		})
	}
}

func TestReconciler_DoubleEncodedPush(t *testing.T) {
	r := NewMessageReconciler("c1")
	wrapped, err := json.Marshal(textJSON("m1", "peer", "quoted"))
	require.NoError(t, err)

	m, added, err := r.ApplyPush(wrapped)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, TextContent{Body: "quoted"}, m.Content)
}

func TestReconciler_ForeignConversation(t *testing.T) {
	r := NewMessageReconciler("c1")
	other := textMsg("x1", "peer", "wrong room")
	other.ConversationID = "c2"

	assert.False(t, r.AppendSent(other))
	_, added, err := r.ApplyPush([]byte(`{"id":"x2","conversationId":"c2","type":"TEXT","senderId":"peer","body":"no"}`))
	require.NoError(t, err)
	assert.False(t, added)
	assert.Zero(t, r.Len())
}

func TestReconciler_Prepend(t *testing.T) {
	r := NewMessageReconciler("c1")
	r.Reset(page(0, 3, textMsg("m3", "peer", "c"), textMsg("m4", "me", "d")))
	assert.True(t, r.HasMore())
	assert.Equal(t, 1, r.NextPage())

	added := r.Prepend(page(1, 3, textMsg("m1", "peer", "a"), textMsg("m2", "me", "b"), textMsg("m3", "peer", "c")))
	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(r.Messages()))
	assert.Equal(t, 2, r.NextPage())

	r.Prepend(page(2, 3, textMsg("m0", "peer", "z")))
	assert.False(t, r.HasMore())
	assert.Equal(t, "m0", r.Messages()[0].ID)
}

func TestReconciler_LastFrom(t *testing.T) {
	r := NewMessageReconciler("c1")
	r.Reset(page(0, 1, textMsg("m1", "me", "a"), textMsg("m2", "peer", "b"), textMsg("m3", "peer", "c")))

	m, ok := r.LastFrom("me")
	require.True(t, ok)
	assert.Equal(t, "m1", m.ID)

	_, ok = r.LastFrom("")
	assert.False(t, ok)

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, "m3", last.ID)
	assert.True(t, r.Contains("m2"))
	assert.False(t, r.Contains("m9"))
}
