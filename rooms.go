package hirewire

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/hirewire/hirewire/sdk/golang/clock"
)

// RoomRegistry tracks the conversation rooms this session has joined and
// routes room-scoped inbound events to subscribers. Events for a room that
// is not joined are dropped.
//
// Joins are not queued while disconnected, and membership is cleared when
// the connection ends because server-side rooms die with the socket.
type RoomRegistry struct {
	conn  *ConnectionManager
	clock clock.Clock
	log   *slog.Logger

	mu    sync.Mutex
	rooms map[string]ConversationRoom

	onMessage  handlerSet[func(NewMessagePayload)]
	onUpdate   handlerSet[func(ConversationUpdatedPayload)]
	onTyping   handlerSet[func(TypingPayload)]
	onPresence handlerSet[func(UserStatusPayload)]

	unsubs []func()
}

func NewRoomRegistry(conn *ConnectionManager, clk clock.Clock, log *slog.Logger) *RoomRegistry {
	if clk == nil {
		clk = clock.Real()
	}
	r := &RoomRegistry{
		conn:  conn,
		clock: clk,
		log:   loggerOrDefault(log),
		rooms: make(map[string]ConversationRoom),
	}
	r.unsubs = []func(){
		conn.Subscribe(EventNewMessage, r.routeMessage),
		conn.Subscribe(EventConversationUpdated, r.routeUpdate),
		conn.Subscribe(EventTypingStart, r.routeTyping),
		conn.Subscribe(EventTypingStop, r.routeTyping),
		conn.Subscribe(EventUserStatusUpdate, r.routePresence),
		conn.OnDisconnect(func(string) { r.clear() }),
	}
	return r
}

// Join subscribes to a conversation room. Joining a joined room is a no-op.
// Without a live connection it returns ErrNotConnected and records nothing.
func (r *RoomRegistry) Join(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	if r.IsJoined(conversationID) {
		return nil
	}
	if !r.conn.Connected() {
		return ErrNotConnected
	}
	if err := r.conn.Emit(ctx, EventJoinConversation, ConversationRef{ConversationID: conversationID}); err != nil {
		return err
	}

	r.mu.Lock()
	if _, ok := r.rooms[conversationID]; !ok {
		r.rooms[conversationID] = ConversationRoom{ConversationID: conversationID, JoinedAt: r.clock.Now()}
	}
	r.mu.Unlock()
	r.log.Debug("rooms.joined", "conversation_id", conversationID)
	return nil
}

// Leave unsubscribes from a room. Routing stops immediately, even when the
// leave directive cannot be sent. Leaving a room that is not joined is a
// no-op.
func (r *RoomRegistry) Leave(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	_, ok := r.rooms[conversationID]
	delete(r.rooms, conversationID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	r.log.Debug("rooms.left", "conversation_id", conversationID)
	err := r.conn.Emit(ctx, EventLeaveConversation, ConversationRef{ConversationID: conversationID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// IsJoined reports whether conversationID is joined.
func (r *RoomRegistry) IsJoined(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[conversationID]
	return ok
}

// Joined returns the joined rooms ordered by conversation id.
func (r *RoomRegistry) Joined() []ConversationRoom {
	r.mu.Lock()
	out := make([]ConversationRoom, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// OnMessage registers a handler for messages in joined rooms.
func (r *RoomRegistry) OnMessage(h func(NewMessagePayload)) func() {
	return r.onMessage.add(h)
}

// OnRoomUpdate registers a handler for conversation metadata updates.
func (r *RoomRegistry) OnRoomUpdate(h func(ConversationUpdatedPayload)) func() {
	return r.onUpdate.add(h)
}

// OnTyping registers a handler for typing indicators in joined rooms.
func (r *RoomRegistry) OnTyping(h func(TypingPayload)) func() {
	return r.onTyping.add(h)
}

// OnPresence registers a handler for presence broadcasts. These are not
// room-scoped.
func (r *RoomRegistry) OnPresence(h func(UserStatusPayload)) func() {
	return r.onPresence.add(h)
}

// StartTyping tells the room the user is typing.
func (r *RoomRegistry) StartTyping(ctx context.Context, conversationID string) error {
	return r.conn.Emit(ctx, EventTypingStart, ConversationRef{ConversationID: conversationID})
}

// StopTyping tells the room the user stopped typing.
func (r *RoomRegistry) StopTyping(ctx context.Context, conversationID string) error {
	return r.conn.Emit(ctx, EventTypingStop, ConversationRef{ConversationID: conversationID})
}

// Close detaches the registry from the connection.
func (r *RoomRegistry) Close() {
	for _, u := range r.unsubs {
		u()
	}
	r.clear()
}

func (r *RoomRegistry) clear() {
	r.mu.Lock()
	n := len(r.rooms)
	r.rooms = make(map[string]ConversationRoom)
	r.mu.Unlock()
	if n > 0 {
		r.log.Debug("rooms.cleared", "count", n)
	}
}

// ============================================================================
// Routing
// ============================================================================

func (r *RoomRegistry) routeMessage(_ string, data json.RawMessage) {
	var p NewMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		r.log.Debug("rooms.decode.failed", "event", EventNewMessage, "error", err)
		return
	}
	if p.ConversationID == "" {
		p.ConversationID = p.Message.ConversationID
	}
	if p.Message.ConversationID == "" {
		p.Message.ConversationID = p.ConversationID
	}
	if !r.IsJoined(p.ConversationID) {
		return
	}
	for _, h := range r.onMessage.snapshot() {
		safeCall(r.log, EventNewMessage, func() { h(p) })
	}
}

func (r *RoomRegistry) routeUpdate(_ string, data json.RawMessage) {
	var p ConversationUpdatedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		r.log.Debug("rooms.decode.failed", "event", EventConversationUpdated, "error", err)
		return
	}
	if !r.IsJoined(p.ConversationID) {
		return
	}
	for _, h := range r.onUpdate.snapshot() {
		safeCall(r.log, EventConversationUpdated, func() { h(p) })
	}
}

func (r *RoomRegistry) routeTyping(event string, data json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		r.log.Debug("rooms.decode.failed", "event", event, "error", err)
		return
	}
	p.IsTyping = event == EventTypingStart
	if !r.IsJoined(p.ConversationID) {
		return
	}
	for _, h := range r.onTyping.snapshot() {
		safeCall(r.log, event, func() { h(p) })
	}
}

func (r *RoomRegistry) routePresence(_ string, data json.RawMessage) {
	var p UserStatusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		r.log.Debug("rooms.decode.failed", "event", EventUserStatusUpdate, "error", err)
		return
	}
	for _, h := range r.onPresence.snapshot() {
		safeCall(r.log, EventUserStatusUpdate, func() { h(p) })
	}
}
