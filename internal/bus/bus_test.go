package bus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestBus() *MessageBus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestConsumeInbound_FIFO(t *testing.T) {
	b := newTestBus()
	for _, content := range []string{"one", "two", "three"} {
		b.PublishInbound(InboundMessage{Channel: "cli", ChatID: "u1", Content: content})
	}

	for _, want := range []string{"one", "two", "three"} {
		msg, err := b.ConsumeInbound(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("consume error: %v", err)
		}
		if msg.Content != want {
			t.Errorf("expected %q, got %q", want, msg.Content)
		}
	}
}

func TestConsumeInbound_Timeout(t *testing.T) {
	b := newTestBus()
	_, err := b.ConsumeInbound(context.Background(), 20*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestConsumeInbound_Exclusive(t *testing.T) {
	b := newTestBus()
	const n = 50
	for i := 0; i < n; i++ {
		b.PublishInbound(InboundMessage{Channel: "cli", ChatID: "u1", Content: "m"})
	}

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := b.ConsumeInbound(context.Background(), 50*time.Millisecond)
				if err != nil {
					return
				}
				mu.Lock()
				total++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if total != n {
		t.Errorf("expected %d exclusive deliveries, got %d", n, total)
	}
}

func TestDispatchOutbound_OrderAndFanIn(t *testing.T) {
	b := newTestBus()

	var mu sync.Mutex
	var got []string
	b.SubscribeOutbound("telegram", func(msg OutboundMessage) {
		mu.Lock()
		got = append(got, "a:"+msg.Content)
		mu.Unlock()
	})
	b.SubscribeOutbound("telegram", func(msg OutboundMessage) {
		mu.Lock()
		got = append(got, "b:"+msg.Content)
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		b.DispatchOutbound(context.Background())
		close(done)
	}()

	b.PublishOutbound(OutboundMessage{Channel: "telegram", Content: "1"})
	b.PublishOutbound(OutboundMessage{Channel: "telegram", Content: "2"})

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for deliveries, got %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	b.Stop()
	<-done

	want := []string{"a:1", "b:1", "a:2", "b:2"}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestDispatchOutbound_HandlerPanicDoesNotAbort(t *testing.T) {
	b := newTestBus()

	received := make(chan string, 2)
	b.SubscribeOutbound("cli", func(msg OutboundMessage) {
		panic("boom")
	})
	b.SubscribeOutbound("cli", func(msg OutboundMessage) {
		received <- msg.Content
	})

	go b.DispatchOutbound(context.Background())
	defer b.Stop()

	b.PublishOutbound(OutboundMessage{Channel: "cli", Content: "still delivered"})

	select {
	case got := <-received:
		if got != "still delivered" {
			t.Errorf("unexpected content %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("second handler never invoked after panic in first")
	}
}

func TestDispatchOutbound_NoSubscriberDrops(t *testing.T) {
	b := newTestBus()
	go b.DispatchOutbound(context.Background())
	defer b.Stop()

	b.PublishOutbound(OutboundMessage{Channel: "nowhere", Content: "x"})

	time.Sleep(20 * time.Millisecond)
	if d := b.OutboundDepth(); d != 0 {
		t.Errorf("expected drained queue, depth %d", d)
	}
}

func TestStop_ReleasesConsumer(t *testing.T) {
	b := newTestBus()
	errCh := make(chan error, 1)
	go func() {
		_, err := b.ConsumeInbound(context.Background(), time.Minute)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.Stop()

	select {
	case err := <-errCh:
		if err != ErrStopped {
			t.Errorf("expected ErrStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer not released by Stop")
	}
}

func TestSessionKey(t *testing.T) {
	msg := InboundMessage{Channel: "telegram", ChatID: "123"}
	if key := msg.SessionKey(); key != "telegram:123" {
		t.Errorf("expected telegram:123, got %s", key)
	}
}
