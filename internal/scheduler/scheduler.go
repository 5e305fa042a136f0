// Package scheduler runs named periodic jobs on robfig/cron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "qlbridge/pkg/logx"
)

// Config configures the scheduler.
type Config struct {
	Timezone string
}

type job struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	fn      func(ctx context.Context) error
	id      cron.EntryID
}

// Scheduler owns one cron instance. Overlapping runs of the same job are
// skipped, not queued.
type Scheduler struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	parser cron.Parser

	ctx  context.Context
	c    *cron.Cron
	jobs map[string]*job
}

func New(cfg Config, log logx.Logger) *Scheduler {
	return &Scheduler{
		log:    log,
		cfg:    cfg,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]*job{},
	}
}

// Set registers or replaces the job called name.
func (s *Scheduler) Set(name, schedule string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("job func required")
	}
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(spec.CronSpec()); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[name]; ok && s.c != nil {
		s.c.Remove(old.id)
	}
	j := &job{name: name, spec: spec, timeout: timeout, fn: fn}
	s.jobs[name] = j
	if s.c != nil {
		return s.scheduleLocked(j)
	}
	return nil
}

// Remove drops a job.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[name]; ok {
		if s.c != nil {
			s.c.Remove(j.id)
		}
		delete(s.jobs, name)
	}
}

// Start begins firing jobs. Job contexts derive from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
}

func (s *Scheduler) startLocked() {
	loc := s.location()
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	for _, j := range s.jobs {
		if err := s.scheduleLocked(j); err != nil {
			s.log.Warn("job not scheduled", logx.String("job", j.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("jobs", len(s.jobs)), logx.String("tz", loc.String()))
}

func (s *Scheduler) scheduleLocked(j *job) error {
	ctx := s.ctx
	id, err := s.c.AddFunc(j.spec.CronSpec(), func() { s.exec(ctx, j) })
	if err != nil {
		return err
	}
	j.id = id
	return nil
}

func (s *Scheduler) exec(ctx context.Context, j *job) {
	if ctx.Err() != nil {
		return
	}
	runCtx := ctx
	if j.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	start := time.Now()
	if err := j.fn(runCtx); err != nil {
		s.log.Warn("job failed", logx.String("job", j.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("job ok", logx.String("job", j.name), logx.Duration("took", time.Since(start)))
}

// Apply updates the config. A timezone change restarts the cron instance.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if !changed || s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.startLocked()
}

// Stop halts firing and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Next reports the next fire time of name.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok || s.c == nil {
		return time.Time{}, false
	}
	return s.c.Entry(j.id).Next, true
}

func (s *Scheduler) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
