package chatsync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		content Content
		sender  string
	}{
		{
			name:    "text",
			input:   `{"id":"m1","conversationId":"c1","type":"TEXT","senderId":"u1","body":"hi","createdAt":"2026-03-01T10:00:00Z"}`,
			content: TextContent{Body: "hi"},
			sender:  "u1",
		},
		{
			name:    "image",
			input:   `{"id":"m2","type":"IMAGE","senderId":"u2","imageUrl":"https://cdn.example/p.jpg","createdAt":"2026-03-01T10:00:00Z"}`,
			content: ImageContent{URL: "https://cdn.example/p.jpg"},
			sender:  "u2",
		},
		{
			name:    "system with null sender",
			input:   `{"id":"m3","type":"SYSTEM","senderId":null,"systemEvent":"SHIPPED","body":"Seller shipped","meta":"{\"trackingNo\":\"SF1\"}","createdAt":"2026-03-01T10:00:00Z"}`,
			content: SystemContent{Event: EventShipped, Body: "Seller shipped", Meta: `{"trackingNo":"SF1"}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Message
			require.NoError(t, json.Unmarshal([]byte(tt.input), &m))
			assert.Equal(t, tt.content, m.Content)
			assert.Equal(t, tt.sender, m.SenderID)
			assert.Equal(t, tt.content.Type(), m.Type())
			assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), m.CreatedAt.UTC())
		})
	}
}

func TestMessageMarshalRoundTrip(t *testing.T) {
	in := Message{
		ID:             "m3",
		ConversationID: "c1",
		Content:        SystemContent{Event: EventPaid, Body: "Buyer paid"},
		CreatedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"senderId":null`)
	assert.Contains(t, string(data), `"systemEvent":"PAID"`)

	var out Message
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	_, err = json.Marshal(Message{ID: "empty"})
	assert.Error(t, err)
}

func TestSystemEventOrderStatus(t *testing.T) {
	cases := map[SystemEvent]OrderStatus{
		EventOrderPlaced: OrderPending,
		EventPaid:        OrderPaid,
		EventShipped:     OrderShipped,
		EventCompleted:   OrderCompleted,
		EventCancelled:   OrderCancelled,
	}
	for event, want := range cases {
		got, ok := event.OrderStatus()
		assert.True(t, ok, event)
		assert.Equal(t, want, got, event)
	}

	_, ok := SystemEvent("PRICE_CHANGED").OrderStatus()
	assert.False(t, ok)
}

func TestMessagePreview(t *testing.T) {
	assert.Equal(t, "hi", textMsg("m1", "u", "hi").Preview())
	assert.Equal(t, "[image] u.jpg", Message{Content: ImageContent{URL: "u.jpg"}}.Preview())
	assert.Equal(t, "[system] COMPLETED", Message{Content: SystemContent{Event: EventCompleted}}.Preview())
	assert.Equal(t, "[system] done", Message{Content: SystemContent{Event: EventCompleted, Body: "done"}}.Preview())
}

func TestPageHasNext(t *testing.T) {
	assert.True(t, (&Page[Message]{Number: 0, TotalPages: 2}).HasNext())
	assert.False(t, (&Page[Message]{Number: 1, TotalPages: 2}).HasNext())
	assert.False(t, (&Page[Message]{}).HasNext())
}

func TestConversationSummaryDecode(t *testing.T) {
	input := `{
		"id":"c1","productId":"p1","buyerId":"b","sellerId":"s","peerUserId":"s",
		"unread":3,"archived":false,"pinnedAt":null,"orderStatus":"PAID",
		"lastMessagePreview":"ok","productPrice":199.50
	}`
	var s ConversationSummary
	require.NoError(t, json.Unmarshal([]byte(input), &s))
	assert.Equal(t, 3, s.Unread)
	require.NotNil(t, s.OrderStatus)
	assert.Equal(t, OrderPaid, *s.OrderStatus)
	assert.Nil(t, s.PinnedAt)
	assert.Equal(t, json.Number("199.50"), s.ProductPrice)
}
