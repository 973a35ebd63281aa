package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Envelope
// ============================================================================

// Result is the backend response envelope.
type Result struct {
	OK      bool            `json:"ok"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Page is one page of a paged listing.
type Page[T any] struct {
	Content       []T `json:"content"`
	Number        int `json:"number"`
	Size          int `json:"size"`
	TotalElements int `json:"totalElements"`
	TotalPages    int `json:"totalPages"`
}

// HasNext reports whether a page after this one exists.
func (p *Page[T]) HasNext() bool {
	return p.Number+1 < p.TotalPages
}

// ============================================================================
// Order status
// ============================================================================

// OrderStatus is the lifecycle state of the order a conversation is about.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPaid      OrderStatus = "PAID"
	OrderShipped   OrderStatus = "SHIPPED"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// SystemEvent is the order transition a SYSTEM message announces.
type SystemEvent string

const (
	EventOrderPlaced SystemEvent = "ORDER_PLACED"
	EventPaid        SystemEvent = "PAID"
	EventShipped     SystemEvent = "SHIPPED"
	EventCompleted   SystemEvent = "COMPLETED"
	EventCancelled   SystemEvent = "CANCELLED"
)

// OrderStatus returns the status the order is in after the event.
// ok is false for events that do not describe an order transition.
func (e SystemEvent) OrderStatus() (status OrderStatus, ok bool) {
	switch e {
	case EventOrderPlaced:
		return OrderPending, true
	case EventPaid:
		return OrderPaid, true
	case EventShipped:
		return OrderShipped, true
	case EventCompleted:
		return OrderCompleted, true
	case EventCancelled:
		return OrderCancelled, true
	}
	return "", false
}

// ============================================================================
// Messages
// ============================================================================

// MessageType discriminates message content.
type MessageType string

const (
	TypeText   MessageType = "TEXT"
	TypeImage  MessageType = "IMAGE"
	TypeSystem MessageType = "SYSTEM"
)

// Content is the type-specific part of a message. It is implemented only by
// TextContent, ImageContent and SystemContent.
type Content interface {
	Type() MessageType
	content()
}

// TextContent is the body of a TEXT message.
type TextContent struct {
	Body string
}

// ImageContent is the body of an IMAGE message.
type ImageContent struct {
	URL string
}

// SystemContent is a server-generated notice, usually an order transition.
type SystemContent struct {
	Event SystemEvent
	Body  string
	Meta  string
}

func (TextContent) Type() MessageType   { return TypeText }
func (ImageContent) Type() MessageType  { return TypeImage }
func (SystemContent) Type() MessageType { return TypeSystem }

func (TextContent) content()   {}
func (ImageContent) content()  {}
func (SystemContent) content() {}

// Message is one chat message. ID is globally unique and is the only key
// used to decide whether two messages are the same.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string // empty for SYSTEM messages
	Content        Content
	CreatedAt      time.Time
}

// Type returns the message's content type.
func (m Message) Type() MessageType {
	if m.Content == nil {
		return ""
	}
	return m.Content.Type()
}

// Preview renders a single-line summary of the message.
func (m Message) Preview() string {
	switch c := m.Content.(type) {
	case TextContent:
		return c.Body
	case ImageContent:
		return "[image] " + c.URL
	case SystemContent:
		if c.Body != "" {
			return "[system] " + c.Body
		}
		return "[system] " + string(c.Event)
	}
	return ""
}

type messageWire struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId,omitempty"`
	Type           MessageType `json:"type"`
	SenderID       *string     `json:"senderId"`
	Body           string      `json:"body,omitempty"`
	ImageURL       string      `json:"imageUrl,omitempty"`
	SystemEvent    SystemEvent `json:"systemEvent,omitempty"`
	Meta           string      `json:"meta,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// UnmarshalJSON decodes the backend's flat message shape into a tagged
// message. Unknown types and missing ids are rejected.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ID == "" {
		return fmt.Errorf("message without id")
	}

	var c Content
	switch w.Type {
	case TypeText:
		c = TextContent{Body: w.Body}
	case TypeImage:
		c = ImageContent{URL: w.ImageURL}
	case TypeSystem:
		c = SystemContent{Event: w.SystemEvent, Body: w.Body, Meta: w.Meta}
	default:
		return fmt.Errorf("message %s: unknown type %q", w.ID, w.Type)
	}

	*m = Message{ID: w.ID, ConversationID: w.ConversationID, Content: c, CreatedAt: w.CreatedAt}
	if w.SenderID != nil {
		m.SenderID = *w.SenderID
	}
	return nil
}

// MarshalJSON encodes the message in the backend's flat shape.
func (m Message) MarshalJSON() ([]byte, error) {
	w := messageWire{ID: m.ID, ConversationID: m.ConversationID, Type: m.Type(), CreatedAt: m.CreatedAt}
	if m.SenderID != "" {
		w.SenderID = &m.SenderID
	}
	switch c := m.Content.(type) {
	case TextContent:
		w.Body = c.Body
	case ImageContent:
		w.ImageURL = c.URL
	case SystemContent:
		w.SystemEvent = c.Event
		w.Body = c.Body
		w.Meta = c.Meta
	default:
		return nil, fmt.Errorf("message %s: no content", m.ID)
	}
	return json.Marshal(w)
}

// ParseMessage decodes a pushed message. Payloads that arrive as a JSON
// string holding the message are unwrapped once.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return m, err
		}
		data = []byte(inner)
	}
	err := json.Unmarshal(data, &m)
	return m, err
}

// SendMessageRequest is the body of a send call.
type SendMessageRequest struct {
	Type     MessageType `json:"type"`
	Body     string      `json:"body,omitempty"`
	ImageURL string      `json:"imageUrl,omitempty"`
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	ID                 string       `json:"id"`
	ProductID          string       `json:"productId"`
	OrderID            string       `json:"orderId,omitempty"`
	BuyerID            string       `json:"buyerId"`
	SellerID           string       `json:"sellerId"`
	PeerUserID         string       `json:"peerUserId"`
	Unread             int          `json:"unread"`
	Archived           bool         `json:"archived"`
	PinnedAt           *time.Time   `json:"pinnedAt,omitempty"`
	OrderStatus        *OrderStatus `json:"orderStatus,omitempty"`
	ProductFirstImage  string       `json:"productFirstImage,omitempty"`
	LastMessageAt      *time.Time   `json:"lastMessageAt,omitempty"`
	LastMessagePreview string       `json:"lastMessagePreview,omitempty"`
	PeerNickname       string       `json:"peerNickname,omitempty"`
	PeerAvatar         string       `json:"peerAvatar,omitempty"`
	ProductTitle       string       `json:"productTitle,omitempty"`
	ProductPrice       json.Number  `json:"productPrice,omitempty"`
	OrderPriceSnapshot json.Number  `json:"orderPriceSnapshot,omitempty"`
}

// ConversationDetail is the detail view of one conversation, including both
// participants' read pointers.
type ConversationDetail struct {
	ID                  string       `json:"id"`
	ProductID           string       `json:"productId"`
	BuyerID             string       `json:"buyerId"`
	SellerID            string       `json:"sellerId"`
	OrderStatus         *OrderStatus `json:"orderStatus,omitempty"`
	ProductFirstImage   string       `json:"productFirstImage,omitempty"`
	MyReadToMessageID   string       `json:"myReadToMessageId,omitempty"`
	PeerReadToMessageID string       `json:"peerReadToMessageId,omitempty"`
	ProductTitle        string       `json:"productTitle,omitempty"`
	ProductPrice        json.Number  `json:"productPrice,omitempty"`
	PeerNickname        string       `json:"peerNickname,omitempty"`
	PeerAvatar          string       `json:"peerAvatar,omitempty"`
	OrderDetail         *OrderDetail `json:"orderDetail,omitempty"`
}

// OrderDetail is the order embedded in a conversation detail.
type OrderDetail struct {
	OrderID       string      `json:"orderId"`
	PriceSnapshot json.Number `json:"priceSnapshot,omitempty"`
	Status        OrderStatus `json:"status"`
	CreatedAt     time.Time   `json:"createdAt"`
	TrackingNo    string      `json:"trackingNo,omitempty"`
	Carrier       string      `json:"carrier,omitempty"`
}

// ListConversationsOptions filters the conversation list.
type ListConversationsOptions struct {
	Page         int
	Size         int
	OnlyArchived bool
	OnlyPinned   bool
}

// CreateConversationRequest opens (or returns the existing) conversation
// about a product.
type CreateConversationRequest struct {
	ProductID string `json:"productId"`
	OrderID   string `json:"orderId,omitempty"`
	SellerID  string `json:"sellerId"`
}

// ConversationRef is returned when a conversation is created.
type ConversationRef struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
	OrderID   string `json:"orderId,omitempty"`
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`

	OrderStatus        *OrderStatus `json:"orderStatus,omitempty"`
	ProductFirstImage  string       `json:"productFirstImage,omitempty"`
	LastMessageAt      *time.Time   `json:"lastMessageAt,omitempty"`
	LastMessagePreview string       `json:"lastMessagePreview,omitempty"`
}

// ============================================================================
// Push payloads
// ============================================================================

// ReadReceiptEvent is pushed on a conversation's read topic.
type ReadReceiptEvent struct {
	ReaderID string `json:"readerId"`
	ReadTo   string `json:"readTo"`
}
