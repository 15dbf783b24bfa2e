package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Scheduler runs registered jobs on their cron specs. Specs accept an
// optional seconds field and descriptors such as "@every 30s". A job that is
// still running when its next tick fires skips that tick.
type Scheduler struct {
	statePath string
	mu        sync.Mutex
	jobs      []Job
	cron      *rcron.Cron
	entryMap  map[string]rcron.EntryID // job ID -> cron entry ID
	runCtx    context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	now       func() time.Time
}

var parser = rcron.NewParser(
	rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

// NewScheduler returns a scheduler that keeps job run statistics in
// statePath. An empty statePath disables persistence.
func NewScheduler(statePath string) *Scheduler {
	logger := rcron.PrintfLogger(log.New(log.Writer(), "[scheduler] ", log.LstdFlags))
	return &Scheduler{
		statePath: statePath,
		cron: rcron.New(
			rcron.WithParser(parser),
			rcron.WithChain(rcron.Recover(logger), rcron.SkipIfStillRunning(logger)),
		),
		entryMap: make(map[string]rcron.EntryID),
		runCtx:   context.Background(),
		now:      time.Now,
	}
}

// AddJob registers fn under name. The schedule is validated immediately.
func (s *Scheduler) AddJob(name, spec string, fn JobFunc) (*Job, error) {
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("job %s: invalid spec %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].Name == name {
			return nil, fmt.Errorf("job %s already registered", name)
		}
	}

	job := newJob(name, spec, fn)
	if prev, ok := s.savedState(name); ok {
		job.State = prev
	}
	s.jobs = append(s.jobs, job)
	if err := s.registerJob(&s.jobs[len(s.jobs)-1]); err != nil {
		s.jobs = s.jobs[:len(s.jobs)-1]
		return nil, err
	}
	out := job
	return &out, nil
}

func (s *Scheduler) registerJob(job *Job) error {
	jobID := job.ID
	id, err := s.cron.AddFunc(job.Spec, func() {
		s.execute(jobID)
	})
	if err != nil {
		return fmt.Errorf("register job %s (%s): %w", job.Name, job.Spec, err)
	}
	s.entryMap[job.ID] = id
	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[scheduler] started with %d jobs", n)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
			return
		}
	}()
	return nil
}

// Stop halts the ticks and waits up to five seconds for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[scheduler] stop timeout waiting for running jobs")
	}
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	if err := s.save(); err != nil {
		log.Printf("[scheduler] save state: %v", err)
	}
	s.mu.Unlock()
	log.Printf("[scheduler] stopped")
}

// RunNow runs the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	var id string
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			id = s.jobs[i].ID
			break
		}
	}
	s.mu.Unlock()
	if id == "" {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(id)
}

func (s *Scheduler) execute(jobID string) error {
	s.mu.Lock()
	var job *Job
	for i := range s.jobs {
		if s.jobs[i].ID == jobID {
			job = &s.jobs[i]
			break
		}
	}
	if job == nil || !job.Enabled || job.run == nil {
		s.mu.Unlock()
		return nil
	}
	run, name, ctx := job.run, job.Name, s.runCtx
	s.mu.Unlock()

	err := run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID != jobID {
			continue
		}
		st := &s.jobs[i].State
		st.LastRunAt = s.now()
		st.Runs++
		if err != nil {
			st.Failures++
			st.LastStatus = "error"
			st.LastError = err.Error()
			log.Printf("[scheduler] job %s error: %v", name, err)
		} else {
			st.LastStatus = "ok"
			st.LastError = ""
		}
		break
	}
	return err
}

func (s *Scheduler) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			if entryID, ok := s.entryMap[id]; ok {
				s.cron.Remove(entryID)
				delete(s.entryMap, id)
			}
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return true
		}
	}
	return false
}

// ListJobs returns a snapshot of the registered jobs.
func (s *Scheduler) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	for i := range result {
		result[i].run = nil
	}
	return result
}

func (s *Scheduler) EnableJob(id string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID == id {
			s.jobs[i].Enabled = enabled
			job := s.jobs[i]
			job.run = nil
			return &job, nil
		}
	}
	return nil, fmt.Errorf("job %s not found", id)
}

// LoadState reads job statistics saved by a previous run.
func LoadState(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("parse scheduler state: %w", err)
	}
	return jobs, nil
}

func (s *Scheduler) savedState(name string) (JobState, bool) {
	if s.statePath == "" {
		return JobState{}, false
	}
	jobs, err := LoadState(s.statePath)
	if err != nil {
		log.Printf("[scheduler] warning: failed to load state: %v", err)
		return JobState{}, false
	}
	for _, j := range jobs {
		if j.Name == name {
			return j.State, true
		}
	}
	return JobState{}, false
}

func (s *Scheduler) save() error {
	if s.statePath == "" {
		return nil
	}
	dir := filepath.Dir(s.statePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.statePath, data, 0644)
}
