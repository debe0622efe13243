package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/samber/lo"

	"botfleet/internal/channel"
	"botfleet/internal/eventbus"
	"botfleet/internal/model"
	rtsup "botfleet/internal/runtime/supervisor"
	"botfleet/internal/storage"
	logx "botfleet/pkg/logx"
)

type Config struct {
	// AutoStart starts every active tenant when the orchestrator starts.
	AutoStart bool
	// DefaultLanguage is the second choice when picking a welcome template.
	DefaultLanguage string
	// FallbackWelcome answers /start when a tenant has no templates. Empty means no reply.
	FallbackWelcome string
	ParseMode       string
	// StopTimeout bounds each listener shutdown during Stop.
	StopTimeout time.Duration
}

// Status describes one running listener.
type Status struct {
	TenantID  int64     `json:"tenant_id"`
	Username  string    `json:"username"`
	StartedAt time.Time `json:"started_at"`
}

type listener struct {
	tenantID  int64
	username  string
	session   channel.Session
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	releaseOnce sync.Once
}

func (l *listener) release(log logx.Logger) {
	l.releaseOnce.Do(func() {
		if err := l.session.Close(); err != nil {
			log.Warn("session close failed", logx.Int64("tenant", l.tenantID), logx.Err(err))
		}
	})
}

type Orchestrator struct {
	store   storage.Store
	adapter channel.Adapter
	bus     eventbus.Bus
	log     logx.Logger

	cfgMu sync.RWMutex
	cfg   Config

	mu       sync.Mutex
	running  map[int64]*listener
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, store storage.Store, adapter channel.Adapter, log logx.Logger, bus eventbus.Bus) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Orchestrator{
		store:   store,
		adapter: adapter,
		bus:     bus,
		log:     log,
		cfg:     normalize(cfg),
		running: map[int64]*listener{},
	}
}

func normalize(cfg Config) Config {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return cfg
}

func (o *Orchestrator) config() Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// Apply swaps the handler settings. Running listeners pick them up on the next event.
func (o *Orchestrator) Apply(cfg Config) {
	o.cfgMu.Lock()
	o.cfg = normalize(cfg)
	o.cfgMu.Unlock()
}

// Start enables listener management. With AutoStart it also starts every
// active tenant; per-tenant failures are logged, never returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.sup != nil {
		o.mu.Unlock()
		return nil
	}
	o.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(o.log),
		rtsup.WithCancelOnError(false),
	)
	o.mu.Unlock()

	if !o.config().AutoStart {
		o.log.Info("orchestrator started")
		return nil
	}
	n, err := o.StartAllActive(ctx)
	if err != nil {
		return err
	}
	o.log.Info("orchestrator started", logx.Int("listeners", n))
	return nil
}

// Stop stops every listener and waits for their goroutines, bounded by ctx.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	if o.sup == nil {
		o.mu.Unlock()
		return
	}
	if o.stopDone != nil {
		done := o.stopDone
		o.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	o.stopDone = done
	sup := o.sup
	ids := lo.Keys(o.running)
	o.mu.Unlock()

	timeout := o.config().StopTimeout
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := o.StopTenant(sctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
				o.log.Warn("listener stop failed", logx.Int64("tenant", id), logx.Err(err))
			}
		}(id)
	}
	wg.Wait()

	go func() {
		_ = sup.Stop(context.Background())
		o.mu.Lock()
		o.sup = nil
		o.stopDone = nil
		o.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		o.log.Info("orchestrator stopped", logx.Int("listeners", len(ids)))
	case <-ctx.Done():
		o.log.Warn("orchestrator stop timed out", logx.Err(ctx.Err()))
	}
}

// StartTenant verifies the tenant's credential and launches its listener.
func (o *Orchestrator) StartTenant(ctx context.Context, tenantID int64) error {
	if o.IsRunning(tenantID) {
		o.log.Info("listener already running", logx.Int64("tenant", tenantID))
		return ErrAlreadyRunning
	}

	t, err := o.store.GetTenant(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		o.log.Warn("start requested for unknown tenant", logx.Int64("tenant", tenantID))
		return fmt.Errorf("start tenant %d: %w", tenantID, ErrTenantNotFound)
	}
	if err != nil {
		return fmt.Errorf("start tenant %d: %w", tenantID, err)
	}

	sess, err := o.adapter.Open(ctx, t.Token)
	if err != nil {
		o.log.Warn("tenant credential rejected", logx.Int64("tenant", tenantID), logx.String("label", tenantLabel(t)), logx.Err(err))
		return fmt.Errorf("start tenant %d: %w", tenantID, err)
	}
	id := sess.Identity()
	if id.Username != "" && id.Username != t.Username {
		if err := o.store.SetTenantUsername(ctx, tenantID, id.Username); err != nil {
			o.log.Warn("tenant username not saved", logx.Int64("tenant", tenantID), logx.Err(err))
		}
	}

	l := &listener{
		tenantID:  tenantID,
		username:  id.Username,
		session:   sess,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	o.mu.Lock()
	if o.sup == nil || o.stopDone != nil {
		o.mu.Unlock()
		l.release(o.log)
		return ErrStopped
	}
	if _, ok := o.running[tenantID]; ok {
		o.mu.Unlock()
		l.release(o.log)
		o.log.Info("listener already running", logx.Int64("tenant", tenantID))
		return ErrAlreadyRunning
	}
	lctx, cancel := context.WithCancel(o.sup.Context())
	l.cancel = cancel
	o.running[tenantID] = l
	// Go under the lock so Stop never waits on a supervisor that is still gaining goroutines.
	o.sup.Go("listener."+strconv.FormatInt(tenantID, 10), func(context.Context) error {
		return o.listen(lctx, l)
	})
	o.mu.Unlock()

	o.log.Info("listener started", logx.Int64("tenant", tenantID), logx.String("bot", id.Username))
	return nil
}

func (o *Orchestrator) listen(ctx context.Context, l *listener) error {
	defer close(l.done)
	defer o.forget(l)

	o.bus.Publish(eventbus.Event{Type: eventbus.ListenerStarted, Time: time.Now(), Data: l.tenantID})
	err := l.session.Listen(ctx, o.handler(l.tenantID))
	if ctx.Err() == nil {
		if err == nil {
			err = errors.New("listener exited")
		}
		o.log.Warn("listener exited on its own", logx.Int64("tenant", l.tenantID), logx.Err(err))
		return err
	}
	return nil
}

// forget drops l from the registry unless a newer listener replaced it.
func (o *Orchestrator) forget(l *listener) {
	o.mu.Lock()
	if cur, ok := o.running[l.tenantID]; ok && cur == l {
		delete(o.running, l.tenantID)
	}
	o.mu.Unlock()
	l.cancel()
	l.release(o.log)
	o.bus.Publish(eventbus.Event{Type: eventbus.ListenerStopped, Time: time.Now(), Data: l.tenantID})
}

// StopTenant cancels the tenant's listener and waits for it, bounded by ctx.
func (o *Orchestrator) StopTenant(ctx context.Context, tenantID int64) error {
	o.mu.Lock()
	l, ok := o.running[tenantID]
	o.mu.Unlock()
	if !ok {
		o.log.Info("listener not running", logx.Int64("tenant", tenantID))
		return ErrNotRunning
	}

	l.cancel()
	var waitErr error
	select {
	case <-l.done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("stop tenant %d: %w", tenantID, ctx.Err())
		o.log.Warn("listener did not stop in time", logx.Int64("tenant", tenantID))
	}
	l.release(o.log)

	o.mu.Lock()
	if cur, ok := o.running[tenantID]; ok && cur == l {
		delete(o.running, tenantID)
	}
	o.mu.Unlock()

	if waitErr == nil {
		o.log.Info("listener stopped", logx.Int64("tenant", tenantID))
	}
	return waitErr
}

// StartAllActive starts every active tenant and returns how many started.
// A failing tenant is logged and skipped.
func (o *Orchestrator) StartAllActive(ctx context.Context) (int, error) {
	tenants, err := o.store.ListActiveTenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active tenants: %w", err)
	}
	started := 0
	for _, t := range tenants {
		if err := ctx.Err(); err != nil {
			return started, err
		}
		switch err := o.StartTenant(ctx, t.ID); {
		case err == nil:
			started++
		case errors.Is(err, ErrAlreadyRunning):
		default:
			o.log.Warn("tenant skipped", logx.Int64("tenant", t.ID), logx.Err(err))
		}
	}
	return started, nil
}

// Reconcile starts active tenants without a listener and stops listeners whose
// tenant is inactive or gone.
func (o *Orchestrator) Reconcile(ctx context.Context) (started, stopped int, err error) {
	tenants, err := o.store.ListTenants(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list tenants: %w", err)
	}
	active := map[int64]bool{}
	for _, t := range tenants {
		active[t.ID] = t.Active
	}

	for _, st := range o.Running() {
		if active[st.TenantID] {
			continue
		}
		if err := o.StopTenant(ctx, st.TenantID); err == nil {
			stopped++
		} else if !errors.Is(err, ErrNotRunning) {
			o.log.Warn("reconcile stop failed", logx.Int64("tenant", st.TenantID), logx.Err(err))
		}
	}
	for _, t := range tenants {
		if !t.Active || o.IsRunning(t.ID) {
			continue
		}
		switch err := o.StartTenant(ctx, t.ID); {
		case err == nil:
			started++
		case errors.Is(err, ErrAlreadyRunning):
		default:
			o.log.Warn("reconcile start failed", logx.Int64("tenant", t.ID), logx.Err(err))
		}
	}
	if started > 0 || stopped > 0 {
		o.log.Info("listeners reconciled", logx.Int("started", started), logx.Int("stopped", stopped))
	}
	return started, stopped, nil
}

// ActivateTenant persists the active flag and starts the listener.
func (o *Orchestrator) ActivateTenant(ctx context.Context, tenantID int64) error {
	if err := o.store.SetTenantActive(ctx, tenantID, true); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("activate tenant %d: %w", tenantID, ErrTenantNotFound)
		}
		return fmt.Errorf("activate tenant %d: %w", tenantID, err)
	}
	if err := o.StartTenant(ctx, tenantID); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		return err
	}
	return nil
}

// DeactivateTenant persists the inactive flag and stops the listener.
func (o *Orchestrator) DeactivateTenant(ctx context.Context, tenantID int64) error {
	if err := o.store.SetTenantActive(ctx, tenantID, false); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("deactivate tenant %d: %w", tenantID, ErrTenantNotFound)
		}
		return fmt.Errorf("deactivate tenant %d: %w", tenantID, err)
	}
	if err := o.StopTenant(ctx, tenantID); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return nil
}

// DeleteTenant stops the listener first, then deletes the tenant and its data.
func (o *Orchestrator) DeleteTenant(ctx context.Context, tenantID int64) error {
	if err := o.StopTenant(ctx, tenantID); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	if err := o.store.DeleteTenant(ctx, tenantID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete tenant %d: %w", tenantID, ErrTenantNotFound)
		}
		return fmt.Errorf("delete tenant %d: %w", tenantID, err)
	}
	o.log.Info("tenant deleted", logx.Int64("tenant", tenantID))
	return nil
}

func (o *Orchestrator) IsRunning(tenantID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[tenantID]
	return ok
}

// Running returns a snapshot of registered listeners ordered by tenant id.
func (o *Orchestrator) Running() []Status {
	o.mu.Lock()
	out := lo.MapToSlice(o.running, func(id int64, l *listener) Status {
		return Status{TenantID: id, Username: l.username, StartedAt: l.startedAt}
	})
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

func tenantLabel(t model.Tenant) string {
	if t.Username != "" {
		return "@" + t.Username
	}
	return t.Name
}
