// Package cron provides durable execution of scheduled work: one-shot
// timestamps, fixed intervals, and 5-field cron expressions.
package cron

import (
	"fmt"
	"time"

	cronparser "github.com/robfig/cron/v3"
)

// Schedule kinds.
const (
	ScheduleAt    = "at"
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
)

// Job payload kinds.
const (
	KindAgentTurn   = "agent_turn"
	KindSystemEvent = "system_event"
)

// Last-run statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Schedule is a tagged union over the three scheduling primitives.
type Schedule struct {
	Kind    string `json:"kind"`
	AtMs    int64  `json:"at_ms,omitempty"`
	EveryMs int64  `json:"every_ms,omitempty"`
	Expr    string `json:"expr,omitempty"`
	TZ      string `json:"tz,omitempty"`
}

// Payload describes what a job does when it fires.
type Payload struct {
	Message string `json:"message"`
	Deliver bool   `json:"deliver"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// JobState is the mutable run bookkeeping.
type JobState struct {
	NextRunAtMs *int64 `json:"next_run_at_ms"`
	LastRunAtMs *int64 `json:"last_run_at_ms,omitempty"`
	LastStatus  string `json:"last_status,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// Job is one scheduled unit of work.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	CreatedAtMs    int64    `json:"created_at_ms"`
	UpdatedAtMs    int64    `json:"updated_at_ms"`
	DeleteAfterRun bool     `json:"delete_after_run,omitempty"`
}

// cronParser accepts standard 5-field expressions.
var cronParser = cronparser.NewParser(
	cronparser.Minute | cronparser.Hour | cronparser.Dom | cronparser.Month | cronparser.Dow,
)

// ValidateSchedule rejects schedules that could never compute a next run.
func ValidateSchedule(s Schedule) error {
	switch s.Kind {
	case ScheduleAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule requires a positive at_ms")
		}
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule requires every_ms > 0")
		}
	case ScheduleCron:
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Expr, err)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", s.TZ, err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// ComputeNextRun returns the next fire time in epoch milliseconds, or nil
// when the schedule has no future run (past one-shot, non-positive
// interval, unparseable expression).
func ComputeNextRun(s Schedule, now time.Time) *int64 {
	switch s.Kind {
	case ScheduleAt:
		if s.AtMs > now.UnixMilli() {
			at := s.AtMs
			return &at
		}
		return nil
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return nil
		}
		next := now.UnixMilli() + s.EveryMs
		return &next
	case ScheduleCron:
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return nil
		}
		at := now
		if s.TZ != "" {
			if loc, err := time.LoadLocation(s.TZ); err == nil {
				at = at.In(loc)
			}
		}
		next := sched.Next(at).UnixMilli()
		return &next
	default:
		return nil
	}
}
