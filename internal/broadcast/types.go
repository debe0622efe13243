package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"botfleet/internal/model"
)

type Config struct {
	// PaceInterval is the pause after every recipient, whatever the outcome.
	PaceInterval time.Duration
	// CheckpointEvery is how many processed recipients pass between counter
	// writes and status re-reads.
	CheckpointEvery int
	// MaxRateLimitWait caps the pause requested by a rate-limit answer.
	MaxRateLimitWait time.Duration
	// TenantRatePerSec, when > 0, adds a per-tenant token bucket shared by all runs.
	TenantRatePerSec float64
	PageSize         int
	ParseMode        string
	// ResumeOrphans relaunches sending jobs without a local run when the engine starts.
	ResumeOrphans bool
	// LeaseTTL is how long a run's claim on its job lasts without renewal.
	// Runs renew at a third of it.
	LeaseTTL time.Duration
}

const (
	defaultPaceInterval     = 50 * time.Millisecond
	defaultCheckpointEvery  = 10
	defaultMaxRateLimitWait = 2 * time.Minute
	defaultLeaseTTL         = 2 * time.Minute
)

func normalize(cfg Config) Config {
	if cfg.PaceInterval <= 0 {
		cfg.PaceInterval = defaultPaceInterval
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = defaultCheckpointEvery
	}
	if cfg.MaxRateLimitWait <= 0 {
		cfg.MaxRateLimitWait = defaultMaxRateLimitWait
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.TenantRatePerSec < 0 {
		cfg.TenantRatePerSec = 0
	}
	return cfg
}

// Progress is published at every checkpoint.
type Progress struct {
	JobID  int64
	Total  int64
	Sent   int64
	Failed int64
	Cursor model.Cursor
}

// Result is the outcome of one run.
type Result struct {
	JobID  int64
	RunID  string
	Status model.JobStatus
	Total  int64
	Sent   int64
	Failed int64
	// Interrupted is set when the run stopped on engine shutdown or Interrupt;
	// the job stays in sending and can be resumed.
	Interrupted bool
	Err         error
	Duration    time.Duration
}

// Run is the handle of one in-process job execution.
type Run struct {
	ID        string
	JobID     int64
	Resumed   bool
	StartedAt time.Time

	cancelled atomic.Bool
	// leaseLost is set when another instance took the job over.
	leaseLost atomic.Bool
	interrupt context.CancelFunc

	done   chan struct{}
	mu     sync.Mutex
	result Result
}

func newRun(jobID int64, resumed bool) *Run {
	return &Run{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Resumed:   resumed,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
		interrupt: func() {},
	}
}

// Done is closed once the run has persisted its final state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		res, _ := r.Result()
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Interrupt stops the run without cancelling the job.
func (r *Run) Interrupt() {
	r.mu.Lock()
	stop := r.interrupt
	r.mu.Unlock()
	stop()
}

func (r *Run) setInterrupt(stop context.CancelFunc) {
	r.mu.Lock()
	r.interrupt = stop
	r.mu.Unlock()
}

// Result returns the final result once the run is done.
func (r *Run) Result() (Result, bool) {
	select {
	case <-r.done:
	default:
		return Result{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, true
}

func (r *Run) finish(res Result) {
	r.mu.Lock()
	r.result = res
	r.mu.Unlock()
	close(r.done)
}
