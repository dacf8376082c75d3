// Package bus provides the in-process message broker connecting channel
// adapters to the agent loop.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// queueSize bounds each queue. Producers never block; an event published
// against a full queue is logged and dropped.
const queueSize = 1024

var (
	// ErrTimeout is returned by ConsumeInbound when no event arrives
	// within the budget.
	ErrTimeout = errors.New("bus: receive timeout")
	// ErrStopped is returned once the bus has been stopped.
	ErrStopped = errors.New("bus: stopped")
)

// InboundMessage is an event flowing toward the agent: a user message from
// a channel adapter, or a synthetic message from the subagent manager.
type InboundMessage struct {
	Channel   string            `json:"channel"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Media     []string          `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SessionKey returns the conversation identity for this message.
func (m InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is an event flowing away from the agent toward a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	ReplyTo  string            `json:"reply_to,omitempty"`
	Media    []string          `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundHandler delivers one outbound event to a channel adapter.
type OutboundHandler func(msg OutboundMessage)

// MessageBus decouples channel adapters from the agent loop. The inbound
// queue is many-producer single-consumer; the outbound queue is drained by
// a single dispatcher that invokes per-channel subscribers in registration
// order.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string][]OutboundHandler

	stopOnce sync.Once
	stopped  chan struct{}

	log *slog.Logger
}

// New creates a message bus.
func New(log *slog.Logger) *MessageBus {
	return &MessageBus{
		inbound:     make(chan InboundMessage, queueSize),
		outbound:    make(chan OutboundMessage, queueSize),
		subscribers: make(map[string][]OutboundHandler),
		stopped:     make(chan struct{}),
		log:         log.With("component", "bus"),
	}
}

// PublishInbound appends an event to the inbound queue without blocking.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	select {
	case b.inbound <- msg:
	default:
		b.log.Error("inbound queue full, dropping message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeInbound returns the next inbound event, waiting up to timeout.
// Events are delivered exclusively: concurrent consumers never observe the
// same event twice.
func (b *MessageBus) ConsumeInbound(ctx context.Context, timeout time.Duration) (InboundMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-timer.C:
		return InboundMessage{}, ErrTimeout
	case <-b.stopped:
		return InboundMessage{}, ErrStopped
	case <-ctx.Done():
		return InboundMessage{}, ctx.Err()
	}
}

// PublishOutbound appends an event to the outbound queue without blocking.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		b.log.Error("outbound queue full, dropping message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// SubscribeOutbound registers a handler for one channel. Multiple handlers
// per channel are invoked in registration order.
func (b *MessageBus) SubscribeOutbound(channel string, handler OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], handler)
}

// DispatchOutbound drains the outbound queue in FIFO order until Stop.
// An event whose channel has no subscriber is logged and dropped; a
// panicking handler is recovered and does not abort the dispatcher.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-b.stopped:
			return
		case <-ctx.Done():
			return
		case msg := <-b.outbound:
			b.deliver(msg)
		}
	}
}

func (b *MessageBus) deliver(msg OutboundMessage) {
	b.mu.RLock()
	handlers := b.subscribers[msg.Channel]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.log.Warn("no subscriber for channel, dropping outbound message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}
	for _, h := range handlers {
		b.invoke(h, msg)
	}
}

func (b *MessageBus) invoke(h OutboundHandler, msg OutboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("outbound handler panicked",
				"channel", msg.Channel, "panic", fmt.Sprint(r))
		}
	}()
	h(msg)
}

// Stop shuts the bus down. The dispatcher exits after the current event;
// blocked consumers are released with ErrStopped.
func (b *MessageBus) Stop() {
	b.stopOnce.Do(func() { close(b.stopped) })
}

// InboundDepth reports the number of queued inbound events.
func (b *MessageBus) InboundDepth() int { return len(b.inbound) }

// OutboundDepth reports the number of queued outbound events.
func (b *MessageBus) OutboundDepth() int { return len(b.outbound) }
