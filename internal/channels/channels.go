// Package channels defines the channel adapter contract and the manager
// that wires adapters to the message bus. The wire-level protocol drivers
// (telegram, discord, …) implement Channel out of tree; the built-in cli
// channel is the in-process loopback used by the terminal shell and tests.
package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robun/robun/internal/bus"
)

// Channel is one chat protocol adapter. Start ingests user messages and
// publishes them inbound; Send delivers one outbound event. Adapters
// enforce their own allow-lists — the core trusts them.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage)
}

// Manager owns the registered channels: it subscribes each channel's Send
// to the bus and starts/stops them together.
type Manager struct {
	bus *bus.MessageBus
	log *slog.Logger

	mu       sync.Mutex
	channels []Channel
}

// NewManager creates a channel manager.
func NewManager(b *bus.MessageBus, log *slog.Logger) *Manager {
	return &Manager{bus: b, log: log.With("component", "channels")}
}

// Register adds a channel and subscribes it to outbound events.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.bus.SubscribeOutbound(ch.Name(), ch.Send)
}

// StartAll starts every registered channel; a failing adapter is logged
// and skipped.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			m.log.Error("channel failed to start", "channel", ch.Name(), "error", err)
			continue
		}
		m.log.Info("channel started", "channel", ch.Name())
	}
}

// StopAll stops every registered channel.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.channels {
		if err := ch.Stop(); err != nil {
			m.log.Warn("channel failed to stop", "channel", ch.Name(), "error", err)
		}
	}
}

// Names lists the registered channel names.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// CLIChannel is the in-process loopback: it reads lines from a reader and
// prints replies to a writer. chatID is fixed ("user").
type CLIChannel struct {
	in  io.Reader
	out io.Writer
	bus *bus.MessageBus

	stopOnce sync.Once
	stop     chan struct{}
}

// NewCLIChannel creates the cli channel over the given streams.
func NewCLIChannel(in io.Reader, out io.Writer, b *bus.MessageBus) *CLIChannel {
	return &CLIChannel{in: in, out: out, bus: b, stop: make(chan struct{})}
}

func (c *CLIChannel) Name() string { return "cli" }

// Start reads lines until EOF or Stop, publishing each as an inbound
// event.
func (c *CLIChannel) Start(ctx context.Context) error {
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			default:
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			c.bus.PublishInbound(bus.InboundMessage{
				Channel:   "cli",
				SenderID:  "user",
				ChatID:    "user",
				Content:   line,
				Timestamp: time.Now().UTC(),
			})
		}
	}()
	return nil
}

func (c *CLIChannel) Stop() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

// Send prints the reply.
func (c *CLIChannel) Send(msg bus.OutboundMessage) {
	fmt.Fprintf(c.out, "%s\n", msg.Content)
}
