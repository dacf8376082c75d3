package cron

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobFunc is invoked when a job fires. The returned error is recorded on
// the job; it never aborts the service.
type JobFunc func(job *Job) error

// Status is a snapshot of the service for /status.
type Status struct {
	Running    bool   `json:"running"`
	JobCount   int    `json:"job_count"`
	NextWakeMs *int64 `json:"next_wake_ms"`
}

// Service owns the job list and the timer. A single worker sleeps until
// the soonest next-run (tracked through a min-heap) and every mutation
// wakes it to re-evaluate.
type Service struct {
	mu    sync.Mutex
	store *store
	onJob JobFunc
	log   *slog.Logger

	wake    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool

	now func() time.Time
}

// NewService creates a cron service persisting to path. onJob is the
// agent-loop callback.
func NewService(path string, onJob JobFunc, log *slog.Logger) *Service {
	return &Service{
		store: newStore(path),
		onJob: onJob,
		log:   log.With("component", "cron"),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		now:   time.Now,
	}
}

// Start loads the store, recomputes next runs for enabled jobs, and arms
// the worker.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if err := s.store.load(); err != nil {
		s.mu.Unlock()
		return err
	}
	now := s.now()
	for _, j := range s.store.jobs {
		if j.Enabled {
			j.State.NextRunAtMs = ComputeNextRun(j.Schedule, now)
		}
	}
	if err := s.store.save(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	s.log.Info("cron service started", "jobs", len(s.store.jobs))
	return nil
}

// Load reads the store from disk without arming the worker, for
// management commands that only inspect or mutate the job list.
func (s *Service) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.load()
}

// Stop cancels the timer and waits for the worker to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
}

// run is the single sleeping worker.
func (s *Service) run() {
	defer s.wg.Done()
	for {
		next := s.soonest()

		var timer *time.Timer
		var timerC <-chan time.Time
		if next != nil {
			delay := time.Until(time.UnixMilli(*next))
			if delay < 0 {
				delay = 0
			}
			timer = time.NewTimer(delay)
			timerC = timer.C
		}

		select {
		case <-s.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			// Re-evaluate the heap top.
		case <-timerC:
			s.runDue()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// jobHeap orders jobs by NextRunAtMs ascending.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	return *h[i].State.NextRunAtMs < *h[j].State.NextRunAtMs
}
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)        { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// soonest returns the earliest next-run across enabled jobs, nil when no
// job is armed.
func (s *Service) soonest() *int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &jobHeap{}
	heap.Init(h)
	for _, j := range s.store.jobs {
		if j.Enabled && j.State.NextRunAtMs != nil {
			heap.Push(h, j)
		}
	}
	if h.Len() == 0 {
		return nil
	}
	top := (*h)[0]
	ms := *top.State.NextRunAtMs
	return &ms
}

// runDue executes every enabled job whose next run has arrived, in
// sequence, then persists.
func (s *Service) runDue() {
	s.mu.Lock()
	now := s.now().UnixMilli()
	var due []*Job
	for _, j := range s.store.jobs {
		if j.Enabled && j.State.NextRunAtMs != nil && *j.State.NextRunAtMs <= now {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.executeJob(j)
	}

	s.mu.Lock()
	if err := s.store.save(); err != nil {
		s.log.Error("failed to persist cron store", "error", err)
	}
	s.mu.Unlock()
}

// executeJob invokes the callback and updates the job's state. One-shot
// jobs are removed or disabled after their run; recurring jobs recompute
// their next fire time.
func (s *Service) executeJob(j *Job) {
	nowMs := s.now().UnixMilli()
	err := s.invoke(j)

	s.mu.Lock()
	defer s.mu.Unlock()

	j.State.LastRunAtMs = &nowMs
	if err != nil {
		j.State.LastStatus = StatusError
		j.State.LastError = err.Error()
		s.log.Warn("cron job failed", "id", j.ID, "name", j.Name, "error", err)
	} else {
		j.State.LastStatus = StatusOK
		j.State.LastError = ""
	}
	j.UpdatedAtMs = nowMs

	switch j.Schedule.Kind {
	case ScheduleAt:
		if j.DeleteAfterRun {
			s.store.remove(j.ID)
		} else {
			j.Enabled = false
			j.State.NextRunAtMs = nil
		}
	default:
		j.State.NextRunAtMs = ComputeNextRun(j.Schedule, s.now())
	}
}

// invoke runs the callback, converting a panic into an error.
func (s *Service) invoke(j *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()
	if s.onJob == nil {
		return fmt.Errorf("no job callback configured")
	}
	return s.onJob(j)
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// AddJob validates and persists a new enabled job, then wakes the worker.
func (s *Service) AddJob(name string, schedule Schedule, payload Payload, deleteAfterRun bool) (*Job, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	now := s.now()
	job := &Job{
		ID:             uuid.NewString()[:8],
		Name:           name,
		Enabled:        true,
		Schedule:       schedule,
		Payload:        payload,
		CreatedAtMs:    now.UnixMilli(),
		UpdatedAtMs:    now.UnixMilli(),
		DeleteAfterRun: deleteAfterRun && schedule.Kind == ScheduleAt,
	}
	job.State.NextRunAtMs = ComputeNextRun(schedule, now)

	s.mu.Lock()
	s.store.add(job)
	err := s.store.save()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.signal()
	return job, nil
}

// RemoveJob deletes a job by id.
func (s *Service) RemoveJob(id string) (bool, error) {
	s.mu.Lock()
	removed := s.store.remove(id)
	var err error
	if removed {
		err = s.store.save()
	}
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	if removed {
		s.signal()
	}
	return removed, nil
}

// EnableJob toggles a job. Disabling nulls the next run; enabling
// recomputes it.
func (s *Service) EnableJob(id string, enabled bool) error {
	s.mu.Lock()
	j := s.store.get(id)
	if j == nil {
		s.mu.Unlock()
		return fmt.Errorf("job %s not found", id)
	}
	j.Enabled = enabled
	if enabled {
		j.State.NextRunAtMs = ComputeNextRun(j.Schedule, s.now())
	} else {
		j.State.NextRunAtMs = nil
	}
	j.UpdatedAtMs = s.now().UnixMilli()
	err := s.store.save()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.signal()
	return nil
}

// RunJob fires a job immediately. A disabled job only runs when force is
// set.
func (s *Service) RunJob(id string, force bool) error {
	s.mu.Lock()
	j := s.store.get(id)
	s.mu.Unlock()
	if j == nil {
		return fmt.Errorf("job %s not found", id)
	}
	if !j.Enabled && !force {
		return fmt.Errorf("job %s is disabled (use force to run anyway)", id)
	}

	s.executeJob(j)

	s.mu.Lock()
	err := s.store.save()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.signal()
	return nil
}

// ListJobs returns jobs sorted by next run ascending with nulls last.
// Disabled jobs are included only when requested.
func (s *Service) ListJobs(includeDisabled bool) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*Job
	for _, j := range s.store.jobs {
		if j.Enabled || includeDisabled {
			copied := *j
			jobs = append(jobs, &copied)
		}
	}
	sort.SliceStable(jobs, func(i, k int) bool {
		a, b := jobs[i].State.NextRunAtMs, jobs[k].State.NextRunAtMs
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
	return jobs
}

// Status reports the running flag, job count, and next wake time.
func (s *Service) Status() Status {
	s.mu.Lock()
	running := s.running
	count := len(s.store.jobs)
	s.mu.Unlock()
	return Status{
		Running:    running,
		JobCount:   count,
		NextWakeMs: s.soonest(),
	}
}
