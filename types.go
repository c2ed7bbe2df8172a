package hirewire

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Wire Events
// ============================================================================

// Event names carried on the duplex channel.
const (
	EventActivity          = "activity"
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventLogout            = "logout"

	EventUserStatusUpdate    = "user-status-update"
	EventNewMessage          = "new-message"
	EventConversationUpdated = "conversation-updated"
	EventUserBanned          = "user-banned"

	EventTypingStart = "typing-start"
	EventTypingStop  = "typing-stop"
)

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope. A nil data yields no payload.
func NewEnvelope(event string, data any) (Envelope, error) {
	env := Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}

// ============================================================================
// Event Payloads
// ============================================================================

// ConversationRef is the payload of join/leave and typing events.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// UserStatusPayload is the presence broadcast.
type UserStatusPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// NewMessagePayload is a room-scoped message delivery.
type NewMessagePayload struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// ConversationUpdatedPayload is room-scoped conversation metadata.
type ConversationUpdatedPayload struct {
	ConversationID string    `json:"conversationId"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	UnreadCount    int       `json:"unreadCount"`
}

// TypingPayload is an inbound typing indicator.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	IsTyping       bool   `json:"-"`
}

// UserBannedPayload is the server-pushed ban notification.
type UserBannedPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Data Model
// ============================================================================

// Session is the authentication state owned by SessionGuard.
type Session struct {
	Token           string `json:"-"`
	UserID          string `json:"userId,omitempty"`
	IsAuthenticated bool   `json:"isAuthenticated"`
	IsInitialized   bool   `json:"isInitialized"`
}

// ConnectionStatus is the lifecycle state of the duplex connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// Connection is a snapshot of the connection owned by ConnectionManager.
type Connection struct {
	ID               string           `json:"id"`
	Status           ConnectionStatus `json:"status"`
	ReconnectAttempt int              `json:"reconnectAttempt"`
	LastToken        string           `json:"-"`
	ConnectedAt      time.Time        `json:"connectedAt"`
}

// PresenceSignal is one emitted heartbeat. It is never stored.
type PresenceSignal struct {
	Timestamp time.Time
}

// BanEvent is a ban trigger from either detection channel.
type BanEvent struct {
	Reason     string
	ReceivedAt time.Time
}

// BanSource identifies the channel a BanEvent came from.
type BanSource string

const (
	BanSourcePush BanSource = "push"
	BanSourcePoll BanSource = "poll"
)

// ConversationRoom is one joined room.
type ConversationRoom struct {
	ConversationID string
	JoinedAt       time.Time
}

// MessageOrigin tells optimistic local entries from server-confirmed ones.
type MessageOrigin string

const (
	OriginOptimistic MessageOrigin = "optimistic"
	OriginConfirmed  MessageOrigin = "confirmed"
)

// Message is a conversation message as seen by the reconciliation buffer.
type Message struct {
	ID              string        `json:"id"`
	ClientMessageID string        `json:"clientMessageId,omitempty"`
	ConversationID  string        `json:"conversationId"`
	SenderID        string        `json:"senderId"`
	Body            string        `json:"body"`
	CreatedAt       time.Time     `json:"createdAt"`
	Origin          MessageOrigin `json:"-"`
}

// User is the subset of the current-user response the sync layer reads.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role,omitempty"`
	IsBanned  bool   `json:"isBanned"`
	BanReason string `json:"banReason,omitempty"`
}

// CurrentUserResponse is the body of GET /api/auth/me.
type CurrentUserResponse struct {
	User User `json:"user"`
}

// SendMessageRequest is the body of POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Body            string `json:"body"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// SendMessageResponse is the confirmed message returned by the send endpoint.
type SendMessageResponse struct {
	Message Message `json:"message"`
}
