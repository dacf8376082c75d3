package channels

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robun/robun/internal/bus"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingChannel captures outbound deliveries.
type recordingChannel struct {
	name    string
	mu      sync.Mutex
	sent    []bus.OutboundMessage
	started bool
	stopped bool
}

func (c *recordingChannel) Name() string { return c.name }
func (c *recordingChannel) Start(ctx context.Context) error {
	c.started = true
	return nil
}
func (c *recordingChannel) Stop() error {
	c.stopped = true
	return nil
}
func (c *recordingChannel) Send(msg bus.OutboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
}

func TestManagerRoutesOutboundToChannel(t *testing.T) {
	b := bus.New(discard())
	m := NewManager(b, discard())
	tg := &recordingChannel{name: "telegram"}
	dc := &recordingChannel{name: "discord"}
	m.Register(tg)
	m.Register(dc)

	go b.DispatchOutbound(context.Background())
	defer b.Stop()

	b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "hello"})

	deadline := time.After(time.Second)
	for {
		tg.mu.Lock()
		n := len(tg.sent)
		tg.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("telegram channel never received the event")
		case <-time.After(5 * time.Millisecond):
		}
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if len(dc.sent) != 0 {
		t.Errorf("discord received %d events for the telegram channel", len(dc.sent))
	}
}

func TestManagerStartStopAll(t *testing.T) {
	b := bus.New(discard())
	m := NewManager(b, discard())
	ch := &recordingChannel{name: "slack"}
	m.Register(ch)

	m.StartAll(context.Background())
	if !ch.started {
		t.Error("channel not started")
	}
	m.StopAll()
	if !ch.stopped {
		t.Error("channel not stopped")
	}
	if names := m.Names(); len(names) != 1 || names[0] != "slack" {
		t.Errorf("names: %v", names)
	}
}

func TestCLIChannelPublishesLines(t *testing.T) {
	b := bus.New(discard())
	in := strings.NewReader("hello agent\n\n  \nsecond line\n")
	var out strings.Builder
	cli := NewCLIChannel(in, &out, b)

	if err := cli.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer cli.Stop()

	first, err := b.ConsumeInbound(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("first line: %v", err)
	}
	if first.Channel != "cli" || first.ChatID != "user" || first.Content != "hello agent" {
		t.Errorf("first event: %+v", first)
	}
	second, err := b.ConsumeInbound(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("second line: %v", err)
	}
	if second.Content != "second line" {
		t.Errorf("blank lines should be skipped: %+v", second)
	}

	cli.Send(bus.OutboundMessage{Content: "reply"})
	if out.String() != "reply\n" {
		t.Errorf("cli output: %q", out.String())
	}
}
