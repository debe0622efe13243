package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"botfleet/internal/model"
)

var _ Store = (*Memory)(nil)

type recipientKey struct {
	tenantID   int64
	externalID int64
}

// Memory is a mutex-guarded in-process Store. Every write is visible to the
// next read, which is all the engine's cancellation check needs.
type Memory struct {
	mu     sync.Mutex
	closed bool
	seq    int64

	tenants    map[int64]model.Tenant
	recipients map[int64]model.Recipient
	byExternal map[recipientKey]int64
	templates  map[int64]model.Template
	jobs       map[int64]model.Job
}

func NewMemory() *Memory {
	return &Memory{
		tenants:    map[int64]model.Tenant{},
		recipients: map[int64]model.Recipient{},
		byExternal: map[recipientKey]int64{},
		templates:  map[int64]model.Template{},
		jobs:       map[int64]model.Job{},
	}
}

func (m *Memory) nextID() int64 {
	m.seq++
	return m.seq
}

func (m *Memory) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// ---- tenants ----

func (m *Memory) CreateTenant(_ context.Context, t model.Tenant) (model.Tenant, error) {
	if err := m.lock(); err != nil {
		return model.Tenant{}, err
	}
	defer m.mu.Unlock()
	for _, other := range m.tenants {
		if other.Token == t.Token {
			return model.Tenant{}, fmt.Errorf("%w: tenant token already registered", ErrConflict)
		}
	}
	now := time.Now()
	t.ID = m.nextID()
	t.CreatedAt, t.UpdatedAt = now, now
	m.tenants[t.ID] = t
	return t, nil
}

func (m *Memory) GetTenant(_ context.Context, id int64) (model.Tenant, error) {
	if err := m.lock(); err != nil {
		return model.Tenant{}, err
	}
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return model.Tenant{}, fmt.Errorf("tenant %d: %w", id, ErrNotFound)
	}
	return t, nil
}

func (m *Memory) ListTenants(_ context.Context) ([]model.Tenant, error) {
	return m.listTenants(func(model.Tenant) bool { return true })
}

func (m *Memory) ListActiveTenants(_ context.Context) ([]model.Tenant, error) {
	return m.listTenants(func(t model.Tenant) bool { return t.Active })
}

func (m *Memory) listTenants(keep func(model.Tenant) bool) ([]model.Tenant, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []model.Tenant
	for _, t := range m.tenants {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetTenantActive(_ context.Context, id int64, active bool) error {
	return m.updateTenant(id, func(t *model.Tenant) { t.Active = active })
}

func (m *Memory) SetTenantUsername(_ context.Context, id int64, username string) error {
	return m.updateTenant(id, func(t *model.Tenant) { t.Username = username })
}

func (m *Memory) updateTenant(id int64, fn func(*model.Tenant)) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return fmt.Errorf("tenant %d: %w", id, ErrNotFound)
	}
	fn(&t)
	t.UpdatedAt = time.Now()
	m.tenants[id] = t
	return nil
}

func (m *Memory) DeleteTenant(_ context.Context, id int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.tenants[id]; !ok {
		return fmt.Errorf("tenant %d: %w", id, ErrNotFound)
	}
	delete(m.tenants, id)
	for rid, r := range m.recipients {
		if r.TenantID == id {
			delete(m.recipients, rid)
			delete(m.byExternal, recipientKey{id, r.ExternalID})
		}
	}
	for tid, tpl := range m.templates {
		if tpl.TenantID == id {
			delete(m.templates, tid)
		}
	}
	return nil
}

// ---- recipients ----

func (m *Memory) UpsertRecipient(_ context.Context, tenantID int64, p RecipientProfile, seenAt time.Time) (model.Recipient, error) {
	if seenAt.IsZero() {
		seenAt = time.Now()
	}
	if err := m.lock(); err != nil {
		return model.Recipient{}, err
	}
	defer m.mu.Unlock()

	key := recipientKey{tenantID, p.ExternalID}
	r := model.Recipient{FirstSeenAt: seenAt}
	if id, ok := m.byExternal[key]; ok {
		r = m.recipients[id]
	} else {
		r.ID = m.nextID()
		m.byExternal[key] = r.ID
	}
	r.TenantID = tenantID
	r.ExternalID = p.ExternalID
	r.Username = p.Username
	r.FirstName = p.FirstName
	r.LastName = p.LastName
	r.LanguageCode = p.LanguageCode
	r.Blocked = false
	r.LastSeenAt = seenAt
	m.recipients[r.ID] = r
	return r, nil
}

func (m *Memory) ListNonBlocked(_ context.Context, tenantID, afterID int64, limit int) ([]model.Recipient, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []model.Recipient
	for _, r := range m.recipients {
		if r.TenantID == tenantID && !r.Blocked && r.ID > afterID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkBlocked(_ context.Context, recipientID int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	r, ok := m.recipients[recipientID]
	if !ok {
		return fmt.Errorf("recipient %d: %w", recipientID, ErrNotFound)
	}
	r.Blocked = true
	m.recipients[recipientID] = r
	return nil
}

func (m *Memory) CountNonBlocked(_ context.Context, tenantIDs []int64) (int64, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.recipients {
		if !r.Blocked && slices.Contains(tenantIDs, r.TenantID) {
			n++
		}
	}
	return n, nil
}

// ---- templates ----

func (m *Memory) CreateTemplate(_ context.Context, tpl model.Template) (model.Template, error) {
	if err := m.lock(); err != nil {
		return model.Template{}, err
	}
	defer m.mu.Unlock()
	for _, other := range m.templates {
		if other.TenantID == tpl.TenantID && other.LanguageCode == tpl.LanguageCode {
			return model.Template{}, fmt.Errorf("%w: template %d/%s exists", ErrConflict, tpl.TenantID, tpl.LanguageCode)
		}
	}
	now := time.Now()
	tpl.ID = m.nextID()
	tpl.CreatedAt, tpl.UpdatedAt = now, now
	tpl.Buttons = slices.Clone(tpl.Buttons)
	m.templates[tpl.ID] = tpl
	return tpl, nil
}

func (m *Memory) ListTemplates(_ context.Context, tenantID int64) ([]model.Template, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []model.Template
	for _, tpl := range m.templates {
		if tpl.TenantID == tenantID {
			tpl.Buttons = slices.Clone(tpl.Buttons)
			out = append(out, tpl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- jobs ----

func (m *Memory) CreateJob(_ context.Context, j model.Job) (model.Job, error) {
	if err := m.lock(); err != nil {
		return model.Job{}, err
	}
	defer m.mu.Unlock()
	j.ID = m.nextID()
	j.Status = model.JobDraft
	j.CreatedAt = time.Now()
	j.Total, j.Sent, j.Failed = 0, 0, 0
	j.Cursor = model.Cursor{}
	j.StartedAt, j.CompletedAt = time.Time{}, time.Time{}
	j.LeaseOwner, j.LeaseUntil = "", time.Time{}
	j = cloneJob(j)
	m.jobs[j.ID] = j
	return cloneJob(j), nil
}

func (m *Memory) GetJob(_ context.Context, id int64) (model.Job, error) {
	if err := m.lock(); err != nil {
		return model.Job{}, err
	}
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return cloneJob(j), nil
}

func (m *Memory) ListJobs(_ context.Context, status model.JobStatus) ([]model.Job, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []model.Job
	for _, j := range m.jobs {
		if status == "" || j.Status == status {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *Memory) TransitionJob(_ context.Context, id int64, from, to model.JobStatus, stamp model.Stamp, at time.Time) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if at.IsZero() {
		at = time.Now()
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if j.Status != from {
		return fmt.Errorf("%w: job %d is %s, not %s", ErrInvalidTransition, id, j.Status, from)
	}
	j.Status = to
	switch stamp {
	case model.StampStarted:
		j.StartedAt = at
	case model.StampCompleted:
		j.CompletedAt = at
	}
	m.jobs[id] = j
	return nil
}

func (m *Memory) SetJobTotal(_ context.Context, id int64, total int64) error {
	return m.updateJob(id, func(j *model.Job) { j.Total = total })
}

func (m *Memory) UpdateCounters(_ context.Context, id int64, sent, failed int64, cursor model.Cursor) error {
	return m.updateJob(id, func(j *model.Job) {
		j.Sent, j.Failed, j.Cursor = sent, failed, cursor
	})
}

func (m *Memory) ClaimJob(_ context.Context, id int64, owner string, until, now time.Time) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if j.Status != model.JobSending || j.LeasedBy(owner, now) {
		return false, nil
	}
	j.LeaseOwner, j.LeaseUntil = owner, until
	m.jobs[id] = j
	return true, nil
}

func (m *Memory) ReleaseJob(_ context.Context, id int64, owner string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if j.LeaseOwner == owner {
		j.LeaseOwner, j.LeaseUntil = "", time.Time{}
		m.jobs[id] = j
	}
	return nil
}

func (m *Memory) updateJob(id int64, fn func(*model.Job)) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	fn(&j)
	m.jobs[id] = j
	return nil
}

func (m *Memory) Stats(_ context.Context) (model.Stats, error) {
	if err := m.lock(); err != nil {
		return model.Stats{}, err
	}
	defer m.mu.Unlock()
	st := model.Stats{Jobs: map[model.JobStatus]int64{}}
	for _, t := range m.tenants {
		st.Tenants++
		if t.Active {
			st.ActiveTenants++
		}
	}
	for _, r := range m.recipients {
		st.Recipients++
		if r.Blocked {
			st.BlockedRecipients++
		}
	}
	for _, j := range m.jobs {
		st.Jobs[j.Status]++
	}
	return st, nil
}

func cloneJob(j model.Job) model.Job {
	j.Targets = slices.Clone(j.Targets)
	j.Content.Buttons = slices.Clone(j.Content.Buttons)
	if j.Content.Media != nil {
		media := *j.Content.Media
		j.Content.Media = &media
	}
	return j
}
