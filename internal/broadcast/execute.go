package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"botfleet/internal/channel"
	"botfleet/internal/eventbus"
	"botfleet/internal/model"
	"botfleet/internal/storage"
	logx "botfleet/pkg/logx"
)

// stop says why a tenant pass ended early.
type stop int

const (
	stopNone stop = iota
	stopCancelled
	stopInterrupted
)

// progress is the mutable state of one run.
type progress struct {
	total     int64
	sent      int64
	failed    int64
	cursor    model.Cursor
	sinceSave int
}

func (e *Engine) execute(ctx context.Context, r *Run, job model.Job) Result {
	start := time.Now()
	log := e.log.With(logx.Int64("job", job.ID), logx.String("run", r.ID))
	res := Result{JobID: job.ID, RunID: r.ID, Status: model.JobSending}

	e.bus.Publish(eventbus.Event{Type: eventbus.BroadcastStarted, Time: start, Data: job.ID})

	st := &progress{total: job.Total, sent: job.Sent, failed: job.Failed, cursor: job.Cursor}
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		e.heartbeat(hbCtx, r, job.ID, log)
	}()
	why, err := e.deliver(ctx, r, job, st, log)
	stopHeartbeat()
	<-hbDone
	lost := r.leaseLost.Load()

	res.Total, res.Sent, res.Failed = st.total, st.sent, st.failed
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
	}

	// Final writes must land even when the run was interrupted by shutdown.
	pctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	if !lost {
		if err := e.store.UpdateCounters(pctx, job.ID, st.sent, st.failed, st.cursor); err != nil {
			log.Error("final counters not saved", logx.Err(err))
			res.Err = errors.Join(res.Err, err)
		}
		defer func() {
			if err := e.store.ReleaseJob(pctx, job.ID, e.owner); err != nil {
				log.Warn("broadcast lease not released", logx.Err(err))
			}
		}()
	}

	fields := []logx.Field{
		logx.Int64("total", st.total),
		logx.Int64("sent", st.sent),
		logx.Int64("failed", st.failed),
		logx.Duration("dur", res.Duration),
	}
	switch {
	case lost:
		res.Interrupted = true
		log.Warn("broadcast lease lost; another instance owns the job", fields...)
	case why == stopCancelled || r.cancelled.Load():
		res.Status = model.JobCancelled
		log.Info("broadcast cancelled", fields...)
	case why == stopInterrupted || res.Err != nil:
		res.Interrupted = true
		log.Warn("broadcast interrupted; job left in sending", append(fields, logx.Err(res.Err))...)
	default:
		err := e.store.TransitionJob(pctx, job.ID, model.JobSending, model.JobCompleted, model.StampCompleted, time.Now())
		switch {
		case err == nil:
			res.Status = model.JobCompleted
			if st.failed > 0 {
				log.Warn("broadcast finished with failures", fields...)
			} else {
				log.Info("broadcast finished", fields...)
			}
		case errors.Is(err, storage.ErrInvalidTransition):
			// Lost the race against a cancel issued after the last checkpoint.
			res.Status = model.JobCancelled
			log.Info("broadcast cancelled", fields...)
		default:
			res.Err = err
			res.Interrupted = true
			log.Error("broadcast not marked completed", append(fields, logx.Err(err))...)
		}
	}
	return res
}

// deliver walks the target tenants. It returns a non-nil error only when the
// run cannot continue for reasons other than cancellation.
func (e *Engine) deliver(ctx context.Context, r *Run, job model.Job, st *progress, log logx.Logger) (stop, error) {
	tenants, err := e.resolveTargets(ctx, job.Targets, log)
	if err != nil {
		if ctx.Err() != nil {
			return stopInterrupted, nil
		}
		return stopNone, err
	}
	ids := lo.Map(tenants, func(t model.Tenant, _ int) int64 { return t.ID })

	fresh := job.Cursor.IsZero() && job.Processed() == 0
	if fresh || job.Total == 0 {
		total, err := e.store.CountNonBlocked(ctx, ids)
		if err != nil {
			if ctx.Err() != nil {
				return stopInterrupted, nil
			}
			return stopNone, fmt.Errorf("count recipients: %w", err)
		}
		if err := e.store.SetJobTotal(ctx, job.ID, total); err != nil {
			return stopNone, fmt.Errorf("save total: %w", err)
		}
		st.total = total
	}
	log.Debug("broadcast targets resolved", logx.Int64s("tenants", ids), logx.Int64("total", st.total))

	payload := channel.NewPayload(job.Content, e.config().ParseMode)
	for _, t := range tenants {
		if t.ID < job.Cursor.TenantID {
			continue
		}
		after := int64(0)
		if t.ID == job.Cursor.TenantID {
			after = job.Cursor.RecipientID
		}
		if why := e.deliverTenant(ctx, r, job.ID, t, after, payload, st, log); why != stopNone {
			return why, nil
		}
	}
	return stopNone, nil
}

// resolveTargets returns the job's tenants in ascending id order. Missing
// tenants are skipped.
func (e *Engine) resolveTargets(ctx context.Context, targets []int64, log logx.Logger) ([]model.Tenant, error) {
	if len(targets) == 0 {
		all, err := e.store.ListTenants(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tenants: %w", err)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
		return all, nil
	}
	ids := lo.Uniq(targets)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]model.Tenant, 0, len(ids))
	for _, id := range ids {
		t, err := e.store.GetTenant(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn("broadcast target missing; skipped", logx.Int64("tenant", id))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load tenant %d: %w", id, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (e *Engine) deliverTenant(ctx context.Context, r *Run, jobID int64, t model.Tenant, after int64, payload channel.Payload, st *progress, log logx.Logger) stop {
	log = log.With(logx.Int64("tenant", t.ID))
	cfg := e.config()

	sess, err := e.adapter.Open(ctx, t.Token)
	if err != nil {
		if ctx.Err() != nil {
			return stopInterrupted
		}
		log.Warn("tenant session failed; skipped", logx.Err(err))
		return stopNone
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Debug("session close failed", logx.Err(err))
		}
	}()

	lim := e.limiter(t.ID)
	recipients := storage.StreamNonBlocked(e.store, t.ID, after, cfg.PageSize)
	for recipients.Next(ctx) {
		if r.cancelled.Load() {
			return stopCancelled
		}
		if ctx.Err() != nil {
			return stopInterrupted
		}
		rec := recipients.Recipient()
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return stopInterrupted
			}
		}

		if !e.sendOne(ctx, sess, rec, payload, st, cfg, log) {
			return stopInterrupted
		}
		st.cursor = model.Cursor{TenantID: t.ID, RecipientID: rec.ID}
		st.sinceSave++

		if st.sinceSave >= cfg.CheckpointEvery {
			st.sinceSave = 0
			if e.checkpoint(ctx, r, jobID, st, log) {
				return stopCancelled
			}
		}
		if !sleepCtx(ctx, cfg.PaceInterval) {
			return stopInterrupted
		}
	}
	if err := recipients.Err(); err != nil {
		if ctx.Err() != nil {
			return stopInterrupted
		}
		log.Warn("recipient stream failed; tenant skipped", logx.Err(err))
	}
	if r.cancelled.Load() {
		return stopCancelled
	}
	return stopNone
}

// sendOne delivers to one recipient and books the outcome. It returns false
// when ctx ended before the outcome was known; nothing is booked then.
func (e *Engine) sendOne(ctx context.Context, sess channel.Session, rec model.Recipient, payload channel.Payload, st *progress, cfg Config, log logx.Logger) bool {
	out := sess.Send(ctx, rec.ExternalID, payload)
	if out.Kind != channel.Sent && ctx.Err() != nil {
		return false
	}

	switch out.Kind {
	case channel.Sent:
		st.sent++
	case channel.Blocked:
		e.markBlocked(ctx, rec, log)
		st.failed++
	case channel.RateLimited:
		wait := min(out.RetryAfter, cfg.MaxRateLimitWait)
		log.Warn("rate limited; pausing run", logx.Int64("recipient", rec.ID), logx.Duration("wait", wait))
		if !sleepCtx(ctx, wait) {
			return false
		}
		retry := sess.Send(ctx, rec.ExternalID, payload)
		if retry.Kind != channel.Sent && ctx.Err() != nil {
			return false
		}
		switch retry.Kind {
		case channel.Sent:
			st.sent++
		case channel.Blocked:
			e.markBlocked(ctx, rec, log)
			st.failed++
		case channel.RateLimited, channel.Transient:
			log.Debug("retry failed", logx.Int64("recipient", rec.ID), logx.String("outcome", retry.Kind.String()), logx.Err(retry.Err))
			st.failed++
		}
	case channel.Transient:
		log.Debug("send failed", logx.Int64("recipient", rec.ID), logx.Err(out.Err))
		st.failed++
	}
	return true
}

func (e *Engine) markBlocked(ctx context.Context, rec model.Recipient, log logx.Logger) {
	if err := e.store.MarkBlocked(ctx, rec.ID); err != nil {
		log.Warn("blocked flag not saved", logx.Int64("recipient", rec.ID), logx.Err(err))
	}
}

// checkpoint saves progress and reports whether the job was cancelled.
func (e *Engine) checkpoint(ctx context.Context, r *Run, jobID int64, st *progress, log logx.Logger) bool {
	if r.leaseLost.Load() {
		return false
	}
	if err := e.store.UpdateCounters(ctx, jobID, st.sent, st.failed, st.cursor); err != nil {
		log.Warn("checkpoint not saved", logx.Err(err))
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.BroadcastCheckpoint, Time: time.Now(), Data: Progress{
		JobID: jobID, Total: st.total, Sent: st.sent, Failed: st.failed, Cursor: st.cursor,
	}})

	job, err := e.store.GetJob(ctx, jobID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		r.cancelled.Store(true)
		return true
	case err != nil:
		log.Warn("status re-read failed", logx.Err(err))
		return r.cancelled.Load()
	case job.Status == model.JobCancelled:
		r.cancelled.Store(true)
		return true
	}
	return r.cancelled.Load()
}

// heartbeat renews the run's lease until ctx is done. When another instance
// has taken the job over, the run is interrupted without writing progress.
func (e *Engine) heartbeat(ctx context.Context, r *Run, jobID int64, log logx.Logger) {
	t := time.NewTicker(max(e.config().LeaseTTL/3, time.Millisecond))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		ok, err := e.claim(ctx, jobID)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				log.Warn("broadcast lease not renewed", logx.Err(err))
			}
			continue
		case ok:
			continue
		}
		job, err := e.store.GetJob(ctx, jobID)
		if err != nil || job.Status != model.JobSending {
			// Cancelled or gone; the next checkpoint handles it.
			return
		}
		r.leaseLost.Store(true)
		log.Warn("broadcast lease taken over", logx.String("owner", job.LeaseOwner))
		r.Interrupt()
		return
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
