// Package cron runs named maintenance jobs, such as the periodic bake
// audit, on cron schedules and remembers how each last went.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Handler does one run of a job and returns a short result line.
type Handler func(ctx context.Context) (string, error)

type Job struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Enabled  bool     `json:"enabled"`
	State    JobState `json:"state"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	Runs        int    `json:"runs"`
}

type entry struct {
	job     Job
	handler Handler
	id      rcron.EntryID
	active  bool
}

var parser = rcron.NewParser(
	rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

type Service struct {
	storePath string // empty keeps state in memory only

	mu     sync.Mutex
	jobs   map[string]*entry
	cron   *rcron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewService(storePath string) *Service {
	return &Service{
		storePath: storePath,
		jobs:      make(map[string]*entry),
	}
}

// ValidateSchedule reports whether expr is a six-field cron expression
// or a descriptor such as @every 5m.
func ValidateSchedule(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// AddJob registers a handler under name. A running service schedules it
// immediately.
func (s *Service) AddJob(name, schedule string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("add job: name and handler are required")
	}
	if err := ValidateSchedule(schedule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already exists", name)
	}
	e := &entry{
		job:     Job{Name: name, Schedule: schedule, Enabled: true},
		handler: h,
	}
	s.jobs[name] = e
	if s.cron != nil {
		s.register(e)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	states, err := s.load()
	if err != nil {
		log.Printf("[cron] warning: failed to load job state: %v", err)
	}

	s.mu.Lock()
	s.ctx = runCtx
	s.cancel = cancel
	s.cron = rcron.New(rcron.WithParser(parser))
	for name, e := range s.jobs {
		if st, ok := states[name]; ok {
			e.job.State = st
		}
		if e.job.Enabled {
			s.register(e)
		}
	}
	n := len(s.jobs)
	c := s.cron
	s.mu.Unlock()

	c.Start()
	log.Printf("[cron] started with %d jobs", n)

	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

// register must be called with s.mu held.
func (s *Service) register(e *entry) {
	name := e.job.Name
	id, err := s.cron.AddFunc(e.job.Schedule, func() {
		s.execute(name)
	})
	if err != nil {
		log.Printf("[cron] failed to register job %s (%s): %v", name, e.job.Schedule, err)
		return
	}
	e.id = id
	e.active = true
}

func (s *Service) unregister(e *entry) {
	if e.active && s.cron != nil {
		s.cron.Remove(e.id)
	}
	e.active = false
}

func (s *Service) execute(name string) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	log.Printf("[cron] executing job %s", name)
	result, err := e.handler(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	st := &e.job.State
	st.LastRunAtMs = time.Now().UnixMilli()
	st.Runs++
	if err != nil {
		st.LastStatus = "error"
		st.LastError = err.Error()
		log.Printf("[cron] job %s error: %v", name, err)
	} else {
		st.LastStatus = "ok"
		st.LastError = ""
		log.Printf("[cron] job %s result: %s", name, truncate(result, 100))
	}
	if err := s.save(); err != nil {
		log.Printf("[cron] warning: failed to save job state: %v", err)
	}
}

// RunNow executes a job outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	s.execute(name)
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	c := s.cron
	s.cancel = nil
	s.cron = nil
	for _, e := range s.jobs {
		e.active = false
	}
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[cron] stop timeout waiting for running jobs")
		}
	}
	log.Printf("[cron] stopped")
}

func (s *Service) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.unregister(e)
	delete(s.jobs, name)
	return true
}

func (s *Service) EnableJob(name string, enabled bool) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return Job{}, fmt.Errorf("job %s not found", name)
	}
	e.job.Enabled = enabled
	if s.cron != nil {
		if enabled && !e.active {
			s.register(e)
		} else if !enabled {
			s.unregister(e)
		}
	}
	return e.job, nil
}

// ListJobs returns the jobs sorted by name.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		result = append(result, e.job)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (s *Service) load() (map[string]JobState, error) {
	if s.storePath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var states map[string]JobState
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// save must be called with s.mu held.
func (s *Service) save() error {
	if s.storePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	states := make(map[string]JobState, len(s.jobs))
	for name, e := range s.jobs {
		states[name] = e.job.State
	}
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
