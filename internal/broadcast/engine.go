package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"botfleet/internal/channel"
	"botfleet/internal/eventbus"
	"botfleet/internal/model"
	rtsup "botfleet/internal/runtime/supervisor"
	"botfleet/internal/storage"
	logx "botfleet/pkg/logx"
)

type Engine struct {
	store   storage.Store
	adapter channel.Adapter
	bus     eventbus.Bus
	log     logx.Logger
	// owner names this engine on the job leases it holds.
	owner string

	mu       sync.Mutex
	cfg      Config
	limiters map[int64]*rate.Limiter
	runs     map[int64]*Run
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, store storage.Store, adapter channel.Adapter, log logx.Logger, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Engine{
		store:    store,
		adapter:  adapter,
		bus:      bus,
		log:      log,
		owner:    uuid.NewString(),
		cfg:      normalize(cfg),
		limiters: map[int64]*rate.Limiter{},
		runs:     map[int64]*Run{},
	}
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Apply swaps pacing and limits. Runs read the config once per tenant pass.
func (e *Engine) Apply(cfg Config) {
	cfg = normalize(cfg)
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.TenantRatePerSec != e.cfg.TenantRatePerSec {
		e.limiters = map[int64]*rate.Limiter{}
	}
	e.cfg = cfg
}

// limiter returns the tenant's shared token bucket, or nil when disabled.
func (e *Engine) limiter(tenantID int64) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	rps := e.cfg.TenantRatePerSec
	if rps <= 0 {
		return nil
	}
	lim := e.limiters[tenantID]
	if lim == nil {
		lim = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
		e.limiters[tenantID] = lim
	}
	return lim
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.sup != nil {
		e.mu.Unlock()
		return nil
	}
	e.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(e.log),
		rtsup.WithCancelOnError(false),
	)
	resume := e.cfg.ResumeOrphans
	e.mu.Unlock()

	if !resume {
		e.log.Info("broadcast engine started")
		return nil
	}
	n, err := e.ResumeOrphans(ctx)
	if err != nil {
		return err
	}
	e.log.Info("broadcast engine started", logx.Int("resumed", n))
	return nil
}

// Stop interrupts every run and waits for them to persist their progress.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if e.sup == nil {
		e.mu.Unlock()
		return
	}
	if e.stopDone != nil {
		done := e.stopDone
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	e.stopDone = done
	sup := e.sup
	active := len(e.runs)
	e.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		e.mu.Lock()
		e.sup = nil
		e.stopDone = nil
		e.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		e.log.Info("broadcast engine stopped", logx.Int("interrupted", active))
	case <-ctx.Done():
		e.log.Warn("broadcast engine stop timed out", logx.Err(ctx.Err()))
	}
}

// StartJob moves a draft job to sending and runs it in the background.
func (e *Engine) StartJob(ctx context.Context, jobID int64) (*Run, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, mapStoreErr(jobID, err)
	}
	if job.Status != model.JobDraft {
		return nil, fmt.Errorf("start job %d (%s): %w", jobID, job.Status, ErrInvalidTransition)
	}
	if err := job.Content.Validate(); err != nil {
		return nil, fmt.Errorf("start job %d: %w: %v", jobID, ErrInvalidContent, err)
	}

	r := newRun(jobID, false)
	if err := e.reserve(r); err != nil {
		return nil, err
	}
	if err := e.store.TransitionJob(ctx, jobID, model.JobDraft, model.JobSending, model.StampStarted, r.StartedAt); err != nil {
		e.release(r)
		return nil, mapStoreErr(jobID, err)
	}
	if ok, err := e.claim(ctx, jobID); err != nil || !ok {
		e.release(r)
		if err == nil {
			err = storage.ErrInvalidTransition
		}
		return nil, mapStoreErr(jobID, err)
	}
	job.Status = model.JobSending
	job.StartedAt = r.StartedAt

	if err := e.launch(r, job); err != nil {
		// The job stays in sending; ResumeOrphans picks it up after a restart.
		e.release(r)
		_ = e.store.ReleaseJob(ctx, jobID, e.owner)
		return nil, err
	}
	e.log.Info("broadcast started", logx.Int64("job", jobID), logx.String("run", r.ID), logx.String("title", job.Title))
	return r, nil
}

// CancelJob requests cancellation of a draft or sending job.
func (e *Engine) CancelJob(ctx context.Context, jobID int64) error {
	now := time.Now()
	err := e.store.TransitionJob(ctx, jobID, model.JobSending, model.JobCancelled, model.StampNone, now)
	if errors.Is(err, storage.ErrInvalidTransition) {
		err = e.store.TransitionJob(ctx, jobID, model.JobDraft, model.JobCancelled, model.StampNone, now)
	}
	if err != nil {
		return mapStoreErr(jobID, err)
	}
	if r, ok := e.Lookup(jobID); ok {
		r.cancelled.Store(true)
	}
	e.log.Info("broadcast cancel requested", logx.Int64("job", jobID))
	return nil
}

// ResumeOrphans relaunches jobs stuck in sending with no local run. Each
// continues after its persisted cursor. Jobs whose lease another instance
// still holds are left alone; an expired lease is taken over.
func (e *Engine) ResumeOrphans(ctx context.Context) (int, error) {
	jobs, err := e.store.ListJobs(ctx, model.JobSending)
	if err != nil {
		return 0, fmt.Errorf("list sending jobs: %w", err)
	}
	n := 0
	now := time.Now()
	for _, job := range jobs {
		if job.LeasedBy(e.owner, now) {
			e.log.Debug("broadcast held by another instance", logx.Int64("job", job.ID),
				logx.String("owner", job.LeaseOwner), logx.Time("until", job.LeaseUntil))
			continue
		}
		r := newRun(job.ID, true)
		if err := e.reserve(r); err != nil {
			if errors.Is(err, ErrStopped) {
				return n, err
			}
			continue
		}
		ok, err := e.claim(ctx, job.ID)
		if err != nil || !ok {
			e.release(r)
			if err != nil {
				e.log.Warn("broadcast lease not taken", logx.Int64("job", job.ID), logx.Err(err))
			}
			continue
		}
		if err := e.launch(r, job); err != nil {
			e.release(r)
			_ = e.store.ReleaseJob(ctx, job.ID, e.owner)
			return n, err
		}
		e.log.Info("broadcast resumed", logx.Int64("job", job.ID), logx.String("run", r.ID),
			logx.Int64("tenant", job.Cursor.TenantID), logx.Int64("after", job.Cursor.RecipientID))
		n++
	}
	return n, nil
}

// Lookup returns the local run of a job, if any.
func (e *Engine) Lookup(jobID int64) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[jobID]
	return r, ok
}

// Active returns the ids of jobs running in this process.
func (e *Engine) Active() []int64 {
	e.mu.Lock()
	ids := lo.Keys(e.runs)
	e.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// claim takes or renews this engine's lease on a sending job.
func (e *Engine) claim(ctx context.Context, jobID int64) (bool, error) {
	now := time.Now()
	return e.store.ClaimJob(ctx, jobID, e.owner, now.Add(e.config().LeaseTTL), now)
}

func (e *Engine) reserve(r *Run) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sup == nil || e.stopDone != nil {
		return ErrStopped
	}
	if _, ok := e.runs[r.JobID]; ok {
		return fmt.Errorf("job %d already running: %w", r.JobID, ErrInvalidTransition)
	}
	e.runs[r.JobID] = r
	return nil
}

func (e *Engine) release(r *Run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.runs[r.JobID]; ok && cur == r {
		delete(e.runs, r.JobID)
	}
}

func (e *Engine) launch(r *Run, job model.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sup == nil || e.stopDone != nil {
		return ErrStopped
	}
	rctx, cancel := context.WithCancel(e.sup.Context())
	r.setInterrupt(cancel)
	e.sup.Go("broadcast."+r.ID, func(context.Context) error {
		defer cancel()
		res := e.execute(rctx, r, job)
		e.release(r)
		r.finish(res)
		e.bus.Publish(eventbus.Event{Type: eventbus.BroadcastFinished, Time: time.Now(), Data: res})
		return res.Err
	})
	return nil
}

func mapStoreErr(jobID int64, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("job %d: %w", jobID, ErrJobNotFound)
	case errors.Is(err, storage.ErrInvalidTransition):
		return fmt.Errorf("job %d: %w", jobID, ErrInvalidTransition)
	}
	return fmt.Errorf("job %d: %w", jobID, err)
}
