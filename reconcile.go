package hirewire

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hirewire/hirewire/sdk/golang/clock"
)

// MessageSender posts a message and returns the authoritative copy.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID, body, clientMessageID string) (*Message, error)
}

// Buffer change kinds.
const (
	BufferLocal      = "message.local"
	BufferConfirmed  = "message.confirmed"
	BufferRolledBack = "message.rolled_back"
)

// BufferEvent describes one change to a conversation's visible messages.
type BufferEvent struct {
	Kind    string
	Message Message
}

// MessageBufferConfig configures a MessageBuffer.
type MessageBufferConfig struct {
	// SelfID returns the current user id stamped on optimistic entries.
	SelfID func() string
	// MatchWindow bounds how far apart an optimistic entry and an echo
	// without a client id may be and still be treated as the same message.
	MatchWindow time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

// MessageBuffer holds the visible messages of tracked conversations. Sends
// appear at once as optimistic entries and are replaced in place by the
// confirmed copy; no two entries ever share an id.
type MessageBuffer struct {
	sender MessageSender
	cfg    MessageBufferConfig
	log    *slog.Logger

	mu    sync.Mutex
	convs map[string][]Message

	listeners handlerSet[func(conversationID string, ev BufferEvent)]
}

func NewMessageBuffer(sender MessageSender, cfg MessageBufferConfig) *MessageBuffer {
	if cfg.MatchWindow == 0 {
		cfg.MatchWindow = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &MessageBuffer{
		sender: sender,
		cfg:    cfg,
		log:    loggerOrDefault(cfg.Logger),
		convs:  make(map[string][]Message),
	}
}

// Track starts buffering conversationID. Confirmed messages for untracked
// conversations are ignored.
func (b *MessageBuffer) Track(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.convs[conversationID]; !ok {
		b.convs[conversationID] = nil
	}
}

// Untrack drops conversationID and its messages.
func (b *MessageBuffer) Untrack(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.convs, conversationID)
}

// Tracking reports whether conversationID is buffered.
func (b *MessageBuffer) Tracking(conversationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.convs[conversationID]
	return ok
}

// Messages returns a copy of the visible messages of conversationID.
func (b *MessageBuffer) Messages(conversationID string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.convs[conversationID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// OnChange registers a listener for buffer changes.
func (b *MessageBuffer) OnChange(h func(conversationID string, ev BufferEvent)) func() {
	return b.listeners.add(h)
}

// Attach feeds confirmed messages from the room registry into the buffer.
func (b *MessageBuffer) Attach(rooms *RoomRegistry) func() {
	return rooms.OnMessage(func(p NewMessagePayload) {
		b.HandleConfirmed(p.Message)
	})
}

// SendOptimistic appends an optimistic entry, then sends. On failure the
// entry is removed again and a *SendError is returned. The local id is
// returned either way.
func (b *MessageBuffer) SendOptimistic(ctx context.Context, conversationID, body string) (string, error) {
	now := b.cfg.Clock.Now()
	localID := newLocalID(now)
	opt := Message{
		ID:              localID,
		ClientMessageID: localID,
		ConversationID:  conversationID,
		Body:            body,
		CreatedAt:       now,
		Origin:          OriginOptimistic,
	}
	if b.cfg.SelfID != nil {
		opt.SenderID = b.cfg.SelfID()
	}

	b.mu.Lock()
	b.convs[conversationID] = append(b.convs[conversationID], opt)
	b.mu.Unlock()
	b.notify(conversationID, BufferEvent{Kind: BufferLocal, Message: opt})

	msg, err := b.sender.SendMessage(ctx, conversationID, body, localID)
	if err != nil {
		b.remove(conversationID, localID)
		b.cfg.Metrics.incSend("failed")
		b.log.Warn("messages.send.failed", "conversation_id", conversationID, "local_id", localID, "error", err)
		return localID, &SendError{ConversationID: conversationID, LocalID: localID, Err: err}
	}

	b.cfg.Metrics.incSend("confirmed")
	confirmed := *msg
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = conversationID
	}
	b.confirm(confirmed, localID)
	return localID, nil
}

// HandleConfirmed applies an authoritative message. A message whose id is
// already visible is ignored. It reports whether the buffer changed.
func (b *MessageBuffer) HandleConfirmed(msg Message) bool {
	return b.confirm(msg, "")
}

// confirm applies msg. localID, when set, names the optimistic entry msg
// answers.
func (b *MessageBuffer) confirm(msg Message, localID string) bool {
	msg.Origin = OriginConfirmed

	b.mu.Lock()
	msgs, ok := b.convs[msg.ConversationID]
	if !ok {
		b.mu.Unlock()
		return false
	}

	if indexByID(msgs, msg.ID) >= 0 {
		// Already confirmed by an earlier echo. Drop the optimistic entry
		// it may have raced with.
		if i := indexByID(msgs, localID); localID != "" && i >= 0 {
			b.convs[msg.ConversationID] = append(msgs[:i], msgs[i+1:]...)
			b.mu.Unlock()
			b.notify(msg.ConversationID, BufferEvent{Kind: BufferConfirmed, Message: msg})
			return true
		}
		b.mu.Unlock()
		b.log.Debug("messages.duplicate", "conversation_id", msg.ConversationID, "id", msg.ID)
		return false
	}

	i := -1
	if localID != "" {
		i = indexByID(msgs, localID)
	}
	if i < 0 {
		i = b.matchOptimistic(msgs, msg)
	}
	if i >= 0 {
		msgs[i] = msg
	} else {
		b.convs[msg.ConversationID] = append(msgs, msg)
	}
	b.mu.Unlock()

	b.notify(msg.ConversationID, BufferEvent{Kind: BufferConfirmed, Message: msg})
	return true
}

// matchOptimistic finds the optimistic entry msg confirms: by client id
// first, then by sender and body at the nearest timestamp inside the
// match window.
func (b *MessageBuffer) matchOptimistic(msgs []Message, msg Message) int {
	if msg.ClientMessageID != "" {
		for i, m := range msgs {
			if m.Origin == OriginOptimistic && m.ClientMessageID == msg.ClientMessageID {
				return i
			}
		}
	}

	best, bestGap := -1, time.Duration(-1)
	for i, m := range msgs {
		if m.Origin != OriginOptimistic || m.Body != msg.Body {
			continue
		}
		if m.SenderID != "" && msg.SenderID != "" && m.SenderID != msg.SenderID {
			continue
		}
		gap := m.CreatedAt.Sub(msg.CreatedAt)
		if gap < 0 {
			gap = -gap
		}
		if !msg.CreatedAt.IsZero() && gap > b.cfg.MatchWindow {
			continue
		}
		if best < 0 || gap < bestGap {
			best, bestGap = i, gap
		}
	}
	return best
}

func (b *MessageBuffer) remove(conversationID, id string) {
	b.mu.Lock()
	msgs := b.convs[conversationID]
	i := indexByID(msgs, id)
	if i < 0 {
		b.mu.Unlock()
		return
	}
	removed := msgs[i]
	b.convs[conversationID] = append(msgs[:i], msgs[i+1:]...)
	b.mu.Unlock()
	b.notify(conversationID, BufferEvent{Kind: BufferRolledBack, Message: removed})
}

func (b *MessageBuffer) notify(conversationID string, ev BufferEvent) {
	for _, h := range b.listeners.snapshot() {
		safeCall(b.log, ev.Kind, func() { h(conversationID, ev) })
	}
}

func indexByID(msgs []Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// reset drops every tracked conversation.
func (b *MessageBuffer) reset() {
	b.mu.Lock()
	b.convs = make(map[string][]Message)
	b.mu.Unlock()
}
