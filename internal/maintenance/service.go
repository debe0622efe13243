// Package maintenance runs periodic housekeeping on cron schedules: listener
// reconciliation and the sweep that resumes orphaned broadcasts.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "botfleet/pkg/logx"
)

const (
	TaskReconcile = "listeners.reconcile"
	TaskSweep     = "broadcast.sweep"
)

type Config struct {
	Enabled       bool
	ReconcileSpec string
	SweepSpec     string
	Timezone      string
	// TaskTimeout bounds a single task run.
	TaskTimeout time.Duration
}

// Reconciler aligns running listeners with the stored active flags.
type Reconciler interface {
	Reconcile(ctx context.Context) (started, stopped int, err error)
}

// Sweeper relaunches broadcasts left in sending without a live lease.
type Sweeper interface {
	ResumeOrphans(ctx context.Context) (int, error)
}

var ErrUnknownTask = errors.New("unknown maintenance task")

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	tasks map[string]func(ctx context.Context) error
	base  context.Context
	c     *cron.Cron
	ids   []entry
	loc   *time.Location
}

func New(cfg Config, rec Reconciler, sw Sweeper, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, log: log, tasks: map[string]func(ctx context.Context) error{}}
	if rec != nil {
		s.tasks[TaskReconcile] = func(ctx context.Context) error {
			_, _, err := rec.Reconcile(ctx)
			return err
		}
	}
	if sw != nil {
		s.tasks[TaskSweep] = func(ctx context.Context) error {
			n, err := sw.ResumeOrphans(ctx)
			if n > 0 {
				log.Info("orphaned broadcasts resumed", logx.Int("count", n))
			}
			return err
		}
	}
	return s
}

// Apply swaps the config and re-registers schedules when running.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if old == cfg {
		return
	}
	s.restartLocked()
}

// Start registers the schedules and starts triggering. Disabled config is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.base = context.WithoutCancel(ctx)
	return s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.ids = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("maintenance stopped")
	case <-ctx.Done():
		s.log.Warn("maintenance stop timed out", logx.Err(ctx.Err()))
	}
}

// RunNow runs a task immediately, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	fn, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.runTask(ctx, name, fn)
}

// Scheduled lists the registered task names with their next run time.
func (s *Service) Scheduled() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]time.Time{}
	if s.c == nil {
		return out
	}
	names := s.entryNames()
	for _, e := range s.c.Entries() {
		if name, ok := names[e.ID]; ok {
			out[name] = e.Next
		}
	}
	return out
}

// startLocked builds a cron runner from the current config. Call with s.mu held.
func (s *Service) startLocked() error {
	s.ids = nil
	if !s.cfg.Enabled {
		s.log.Info("maintenance disabled")
		return nil
	}
	loc := s.loadLocationLocked()
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{log: s.log}), cron.SkipIfStillRunning(cronLogger{log: s.log})),
	)
	specs := map[string]string{TaskReconcile: s.cfg.ReconcileSpec, TaskSweep: s.cfg.SweepSpec}
	registered := 0
	for name, fn := range s.tasks {
		sched, on, err := ParseSchedule(specs[name])
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if !on {
			continue
		}
		name, fn := name, fn
		id := c.Schedule(sched, cron.FuncJob(func() {
			_ = s.runTask(s.base, name, fn)
		}))
		s.ids = append(s.ids, entry{id: id, name: name})
		registered++
	}
	c.Start()
	s.c, s.loc = c, loc
	s.log.Info("maintenance started", logx.String("tz", loc.String()), logx.Int("tasks", registered))
	return nil
}

// restartLocked swaps the cron runner for one built from the current config.
func (s *Service) restartLocked() {
	old := s.c
	s.c = nil
	s.ids = nil
	if old != nil {
		old.Stop()
	}
	if err := s.startLocked(); err != nil {
		s.log.Error("maintenance restart failed; schedules disabled", logx.Err(err))
	}
}

func (s *Service) runTask(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	timeout := s.cfg.TaskTimeout
	s.mu.Unlock()
	if timeout <= 0 {
		timeout = time.Minute
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(tctx)
	if err != nil {
		s.log.Warn("maintenance task failed", logx.String("task", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	s.log.Debug("maintenance task done", logx.String("task", name), logx.Duration("took", time.Since(start)))
	return nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

type entry struct {
	id   cron.EntryID
	name string
}

func (s *Service) entryNames() map[cron.EntryID]string {
	out := make(map[cron.EntryID]string, len(s.ids))
	for _, e := range s.ids {
		out[e.id] = e.name
	}
	return out
}

// cronLogger routes robfig/cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
