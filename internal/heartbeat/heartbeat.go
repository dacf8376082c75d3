// Package heartbeat triggers periodic autonomous activity driven by a
// watched HEARTBEAT.md file in the workspace.
package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Prompt sent to the agent on each actionable tick.
const Prompt = "Read HEARTBEAT.md in your workspace and act on anything that needs attention. " +
	"If nothing needs attention, reply with just: HEARTBEAT_OK"

// SessionKey is the dedicated session for heartbeat turns.
const SessionKey = "heartbeat:system"

const defaultInterval = 1800 * time.Second

// Handler runs one heartbeat turn and returns the agent's reply.
type Handler func(ctx context.Context, prompt string) (string, error)

// Service ticks every interval, checks HEARTBEAT.md for actionable
// content, and invokes the handler when there is any.
type Service struct {
	workspace string
	interval  time.Duration
	handler   Handler
	log       *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewService creates a heartbeat service. intervalSecs <= 0 selects the
// 1800s default.
func NewService(workspace string, intervalSecs int, handler Handler, log *slog.Logger) *Service {
	interval := defaultInterval
	if intervalSecs > 0 {
		interval = time.Duration(intervalSecs) * time.Second
	}
	return &Service{
		workspace: workspace,
		interval:  interval,
		handler:   handler,
		log:       log.With("component", "heartbeat"),
		stop:      make(chan struct{}),
	}
}

// Start begins ticking until Stop.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
	s.log.Info("heartbeat started", "interval", s.interval)
}

// Stop cancels the ticker; a tick scheduled but not yet fired is dropped.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Tick runs one heartbeat check. Exposed for direct invocation in tests
// and the CLI.
func (s *Service) Tick(ctx context.Context) {
	data, err := os.ReadFile(filepath.Join(s.workspace, "HEARTBEAT.md"))
	if err != nil {
		return // no heartbeat file, nothing to do
	}
	if !HasActionableContent(string(data)) {
		s.log.Debug("heartbeat file has no actionable content")
		return
	}

	reply, err := s.handler(ctx, Prompt)
	if err != nil {
		s.log.Warn("heartbeat turn failed", "error", err)
		return
	}
	if IsOKReply(reply) {
		s.log.Debug("heartbeat ok")
		return
	}
	s.log.Info("heartbeat completed a task", "reply_chars", len(reply))
}

// HasActionableContent reports whether the heartbeat file asks for
// anything: blank lines, markdown headers, and comments don't count, but
// a checkbox (even inside a header-only file) does.
func HasActionableContent(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.Contains(trimmed, "- [ ]") || strings.Contains(trimmed, "- [x]") {
			return true
		}
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "<!--") {
			continue
		}
		return true
	}
	return false
}

// IsOKReply reports whether the agent answered the heartbeat with the
// nothing-to-do marker, tolerating underscore and case variations.
func IsOKReply(reply string) bool {
	normalized := strings.ReplaceAll(strings.ToUpper(reply), "_", "")
	return strings.Contains(normalized, "HEARTBEATOK")
}
