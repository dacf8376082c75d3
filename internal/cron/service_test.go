package cron

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, onJob JobFunc) *Service {
	t.Helper()
	s := NewService(filepath.Join(t.TempDir(), "cron.json"), onJob, discard())
	if err := s.store.load(); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestComputeNextRun(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)

	future := now.Add(time.Hour).UnixMilli()
	if next := ComputeNextRun(Schedule{Kind: ScheduleAt, AtMs: future}, now); next == nil || *next != future {
		t.Errorf("future at: %v", next)
	}
	if next := ComputeNextRun(Schedule{Kind: ScheduleAt, AtMs: now.Add(-time.Hour).UnixMilli()}, now); next != nil {
		t.Errorf("past at should be nil, got %v", *next)
	}

	if next := ComputeNextRun(Schedule{Kind: ScheduleEvery, EveryMs: 60000}, now); next == nil || *next != now.UnixMilli()+60000 {
		t.Errorf("every: %v", next)
	}
	if next := ComputeNextRun(Schedule{Kind: ScheduleEvery, EveryMs: 0}, now); next != nil {
		t.Error("non-positive every should be nil")
	}

	// Daily at 13:00 from 12:00 fires one hour later.
	next := ComputeNextRun(Schedule{Kind: ScheduleCron, Expr: "0 13 * * *"}, now)
	if next == nil || *next != now.Add(time.Hour).UnixMilli() {
		t.Errorf("cron expr: %v", next)
	}
	if next := ComputeNextRun(Schedule{Kind: ScheduleCron, Expr: "not a cron"}, now); next != nil {
		t.Error("unparseable expr should be nil")
	}
}

func TestValidateSchedule(t *testing.T) {
	good := []Schedule{
		{Kind: ScheduleAt, AtMs: 1},
		{Kind: ScheduleEvery, EveryMs: 1000},
		{Kind: ScheduleCron, Expr: "*/5 * * * *"},
		{Kind: ScheduleCron, Expr: "0 9 * * 1-5", TZ: "Europe/Berlin"},
	}
	for _, s := range good {
		if err := ValidateSchedule(s); err != nil {
			t.Errorf("schedule %+v rejected: %v", s, err)
		}
	}
	bad := []Schedule{
		{Kind: ScheduleAt},
		{Kind: ScheduleEvery, EveryMs: -5},
		{Kind: ScheduleCron, Expr: "x y"},
		{Kind: ScheduleCron, Expr: "* * * * *", TZ: "Mars/Olympus"},
		{Kind: "sometimes"},
	}
	for _, s := range bad {
		if err := ValidateSchedule(s); err == nil {
			t.Errorf("schedule %+v accepted", s)
		}
	}
}

func TestRunJob_AtShot(t *testing.T) {
	var fired []*Job
	s := newTestService(t, func(j *Job) error {
		fired = append(fired, j)
		return nil
	})

	job, err := s.AddJob("hello", Schedule{Kind: ScheduleAt, AtMs: time.Now().Add(-time.Millisecond).UnixMilli()},
		Payload{Message: "hello", Kind: KindAgentTurn}, false)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := s.RunJob(job.ID, true); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(fired) != 1 || fired[0].Payload.Message != "hello" {
		t.Fatalf("callback invocations: %+v", fired)
	}

	jobs := s.ListJobs(true)
	if len(jobs) != 1 {
		t.Fatalf("expected the job to remain, got %d", len(jobs))
	}
	got := jobs[0]
	if got.Enabled {
		t.Error("one-shot should be disabled after running")
	}
	if got.State.NextRunAtMs != nil {
		t.Error("one-shot next run should be nil after running")
	}
	if got.State.LastStatus != StatusOK {
		t.Errorf("last status: %q", got.State.LastStatus)
	}
}

func TestRunJob_DeleteAfterRunVanishes(t *testing.T) {
	s := newTestService(t, func(*Job) error { return nil })
	job, err := s.AddJob("ephemeral", Schedule{Kind: ScheduleAt, AtMs: time.Now().Add(time.Hour).UnixMilli()},
		Payload{Message: "x"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RunJob(job.ID, true); err != nil {
		t.Fatal(err)
	}
	if jobs := s.ListJobs(true); len(jobs) != 0 {
		t.Errorf("job should vanish after first run, got %+v", jobs)
	}
}

func TestRunJob_EveryReArms(t *testing.T) {
	s := newTestService(t, func(*Job) error { return nil })
	job, err := s.AddJob("tick", Schedule{Kind: ScheduleEvery, EveryMs: 60000}, Payload{Message: "t"}, false)
	if err != nil {
		t.Fatal(err)
	}

	before := time.Now().UnixMilli()
	if err := s.RunJob(job.ID, false); err != nil {
		t.Fatal(err)
	}
	after := time.Now().UnixMilli()

	got := s.ListJobs(true)[0]
	if got.State.NextRunAtMs == nil {
		t.Fatal("every job must re-arm")
	}
	next := *got.State.NextRunAtMs
	if next < before+60000 || next > after+60000 {
		t.Errorf("next run %d outside tolerance [%d, %d]", next, before+60000, after+60000)
	}
}

func TestRunJob_RecordsError(t *testing.T) {
	s := newTestService(t, func(*Job) error { return errors.New("downstream broke") })
	job, _ := s.AddJob("failing", Schedule{Kind: ScheduleEvery, EveryMs: 1000}, Payload{Message: "x"}, false)

	if err := s.RunJob(job.ID, false); err != nil {
		t.Fatalf("service must not propagate job errors: %v", err)
	}
	got := s.ListJobs(true)[0]
	if got.State.LastStatus != StatusError || got.State.LastError != "downstream broke" {
		t.Errorf("error not recorded: %+v", got.State)
	}
}

func TestRunJob_DisabledNeedsForce(t *testing.T) {
	calls := 0
	s := newTestService(t, func(*Job) error { calls++; return nil })
	job, _ := s.AddJob("sleepy", Schedule{Kind: ScheduleEvery, EveryMs: 1000}, Payload{Message: "x"}, false)
	if err := s.EnableJob(job.ID, false); err != nil {
		t.Fatal(err)
	}

	if err := s.RunJob(job.ID, false); err == nil {
		t.Error("running a disabled job without force should fail")
	}
	if calls != 0 {
		t.Error("callback ran without force")
	}
	if err := s.RunJob(job.ID, true); err != nil {
		t.Fatalf("force run: %v", err)
	}
	if calls != 1 {
		t.Error("callback should run under force")
	}
}

func TestEnableDisable(t *testing.T) {
	s := newTestService(t, func(*Job) error { return nil })
	job, _ := s.AddJob("toggle", Schedule{Kind: ScheduleEvery, EveryMs: 1000}, Payload{Message: "x"}, false)

	if err := s.EnableJob(job.ID, false); err != nil {
		t.Fatal(err)
	}
	got := s.ListJobs(true)[0]
	if got.Enabled || got.State.NextRunAtMs != nil {
		t.Errorf("disable should null the next run: %+v", got.State)
	}
	if len(s.ListJobs(false)) != 0 {
		t.Error("disabled job leaked into enabled-only listing")
	}

	if err := s.EnableJob(job.ID, true); err != nil {
		t.Fatal(err)
	}
	got = s.ListJobs(true)[0]
	if !got.Enabled || got.State.NextRunAtMs == nil {
		t.Errorf("enable should recompute the next run: %+v", got.State)
	}
}

func TestListJobs_SortedNullsLast(t *testing.T) {
	s := newTestService(t, func(*Job) error { return nil })
	late, _ := s.AddJob("late", Schedule{Kind: ScheduleAt, AtMs: time.Now().Add(2 * time.Hour).UnixMilli()}, Payload{}, false)
	soon, _ := s.AddJob("soon", Schedule{Kind: ScheduleAt, AtMs: time.Now().Add(time.Hour).UnixMilli()}, Payload{}, false)
	parked, _ := s.AddJob("parked", Schedule{Kind: ScheduleEvery, EveryMs: 1000}, Payload{}, false)
	s.EnableJob(parked.ID, false)

	jobs := s.ListJobs(true)
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != soon.ID || jobs[1].ID != late.ID || jobs[2].ID != parked.ID {
		t.Errorf("order: %s, %s, %s", jobs[0].Name, jobs[1].Name, jobs[2].Name)
	}
}

func TestAddRemoveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cron.json")
	s := NewService(path, func(*Job) error { return nil }, discard())
	if err := s.store.load(); err != nil {
		t.Fatal(err)
	}

	job, err := s.AddJob("transient", Schedule{Kind: ScheduleEvery, EveryMs: 1000}, Payload{Message: "m"}, false)
	if err != nil {
		t.Fatal(err)
	}
	removed, err := s.RemoveJob(job.ID)
	if err != nil || !removed {
		t.Fatalf("remove: %v %v", removed, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("store not valid JSON: %v", err)
	}
	if f.Version != storeVersion || len(f.Jobs) != 0 {
		t.Errorf("store after add+remove: %+v", f)
	}
}

func TestStorePersistsAcrossServices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cron.json")
	s1 := NewService(path, func(*Job) error { return nil }, discard())
	s1.store.load()
	job, _ := s1.AddJob("durable", Schedule{Kind: ScheduleCron, Expr: "0 9 * * *"}, Payload{Message: "daily"}, false)

	s2 := NewService(path, func(*Job) error { return nil }, discard())
	if err := s2.store.load(); err != nil {
		t.Fatal(err)
	}
	loaded := s2.store.get(job.ID)
	if loaded == nil || loaded.Payload.Message != "daily" || loaded.Schedule.Expr != "0 9 * * *" {
		t.Errorf("job did not survive reload: %+v", loaded)
	}
}

func TestStartFiresDueJob(t *testing.T) {
	fired := make(chan string, 64)
	path := filepath.Join(t.TempDir(), "cron.json")
	s := NewService(path, func(j *Job) error {
		fired <- j.Name
		return nil
	}, discard())
	s.store.load()
	if _, err := s.AddJob("imminent", Schedule{Kind: ScheduleEvery, EveryMs: 30}, Payload{Message: "x"}, false); err != nil {
		t.Fatal(err)
	}

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	select {
	case name := <-fired:
		if name != "imminent" {
			t.Errorf("fired %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("due job never fired")
	}

	st := s.Status()
	if !st.Running || st.JobCount != 1 {
		t.Errorf("status: %+v", st)
	}
}

func TestJobIDsAreShort(t *testing.T) {
	s := newTestService(t, func(*Job) error { return nil })
	job, _ := s.AddJob("id-check", Schedule{Kind: ScheduleEvery, EveryMs: 1000}, Payload{}, false)
	if len(job.ID) != 8 {
		t.Errorf("id length: %q", job.ID)
	}
}
