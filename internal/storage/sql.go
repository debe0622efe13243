package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"botfleet/internal/model"
	logx "botfleet/pkg/logx"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?.
	numbered          bool
	schema            string
	isUniqueViolation func(error) bool
}

var _ Store = (*sqlStore)(nil)

type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

type rowScanner interface {
	Scan(dest ...any) error
}

const (
	tenantCols    = `id, name, token, username, active, created_at, updated_at`
	recipientCols = `id, tenant_id, external_id, username, first_name, last_name, language_code, blocked, first_seen_at, last_seen_at`
	templateCols  = `id, tenant_id, language_code, text, buttons, created_at, updated_at`
	jobCols       = `id, title, content, targets, status, total, sent, failed, cursor_tenant, cursor_recipient, created_at, started_at, completed_at, lease_owner, lease_until`
)

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(s.d.schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", s.d.name, err)
		}
	}
	return nil
}

// q rewrites ? placeholders for dialects that number them.
func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- tenants ----

func (s *sqlStore) CreateTenant(ctx context.Context, t model.Tenant) (model.Tenant, error) {
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	err := s.db.QueryRowContext(ctx,
		s.q(`INSERT INTO tenants(name, token, username, active, created_at, updated_at) VALUES(?,?,?,?,?,?) RETURNING id`),
		t.Name, t.Token, t.Username, t.Active, millis(now), millis(now),
	).Scan(&t.ID)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return model.Tenant{}, fmt.Errorf("%w: tenant token already registered", ErrConflict)
		}
		return model.Tenant{}, err
	}
	return t, nil
}

func (s *sqlStore) GetTenant(ctx context.Context, id int64) (model.Tenant, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, s.q(`SELECT `+tenantCols+` FROM tenants WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Tenant{}, fmt.Errorf("tenant %d: %w", id, ErrNotFound)
	}
	return t, err
}

func (s *sqlStore) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	return s.listTenants(ctx, `SELECT `+tenantCols+` FROM tenants ORDER BY id`)
}

func (s *sqlStore) ListActiveTenants(ctx context.Context) ([]model.Tenant, error) {
	return s.listTenants(ctx, `SELECT `+tenantCols+` FROM tenants WHERE active = TRUE ORDER BY id`)
}

func (s *sqlStore) listTenants(ctx context.Context, query string) ([]model.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetTenantActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE tenants SET active = ?, updated_at = ? WHERE id = ?`), active, millis(time.Now()), id)
	return expectRow(res, err, "tenant", id)
}

func (s *sqlStore) SetTenantUsername(ctx context.Context, id int64, username string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE tenants SET username = ?, updated_at = ? WHERE id = ?`), username, millis(time.Now()), id)
	return expectRow(res, err, "tenant", id)
}

func (s *sqlStore) DeleteTenant(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM recipients WHERE tenant_id = ?`,
		`DELETE FROM templates WHERE tenant_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.q(stmt), id); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM tenants WHERE id = ?`), id)
	if err := expectRow(res, err, "tenant", id); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- recipients ----

func (s *sqlStore) UpsertRecipient(ctx context.Context, tenantID int64, p RecipientProfile, seenAt time.Time) (model.Recipient, error) {
	if seenAt.IsZero() {
		seenAt = time.Now()
	}
	var lastErr error
	// A concurrent first contact can win the insert; the second attempt then updates.
	for attempt := 0; attempt < 2; attempt++ {
		r, err := s.upsertRecipientTx(ctx, tenantID, p, seenAt)
		if err == nil {
			return r, nil
		}
		if !s.d.isUniqueViolation(err) {
			return model.Recipient{}, err
		}
		lastErr = err
	}
	return model.Recipient{}, fmt.Errorf("%w: recipient %d/%d: %v", ErrConflict, tenantID, p.ExternalID, lastErr)
}

func (s *sqlStore) upsertRecipientTx(ctx context.Context, tenantID int64, p RecipientProfile, seenAt time.Time) (model.Recipient, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Recipient{}, err
	}
	defer func() { _ = tx.Rollback() }()

	r := model.Recipient{
		TenantID:     tenantID,
		ExternalID:   p.ExternalID,
		Username:     p.Username,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		LanguageCode: p.LanguageCode,
		LastSeenAt:   seenAt,
	}

	var firstSeen int64
	err = tx.QueryRowContext(ctx,
		s.q(`SELECT id, first_seen_at FROM recipients WHERE tenant_id = ? AND external_id = ?`),
		tenantID, p.ExternalID,
	).Scan(&r.ID, &firstSeen)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		r.FirstSeenAt = seenAt
		err = tx.QueryRowContext(ctx,
			s.q(`INSERT INTO recipients(tenant_id, external_id, username, first_name, last_name, language_code, blocked, first_seen_at, last_seen_at)
			 VALUES(?,?,?,?,?,?,FALSE,?,?) RETURNING id`),
			tenantID, p.ExternalID, p.Username, p.FirstName, p.LastName, p.LanguageCode, millis(seenAt), millis(seenAt),
		).Scan(&r.ID)
		if err != nil {
			return model.Recipient{}, err
		}
	case err != nil:
		return model.Recipient{}, err
	default:
		r.FirstSeenAt = fromMillis(firstSeen)
		_, err = tx.ExecContext(ctx,
			s.q(`UPDATE recipients SET username = ?, first_name = ?, last_name = ?, language_code = ?, blocked = FALSE, last_seen_at = ? WHERE id = ?`),
			p.Username, p.FirstName, p.LastName, p.LanguageCode, millis(seenAt), r.ID,
		)
		if err != nil {
			return model.Recipient{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Recipient{}, err
	}
	return r, nil
}

func (s *sqlStore) ListNonBlocked(ctx context.Context, tenantID, afterID int64, limit int) ([]model.Recipient, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+recipientCols+` FROM recipients WHERE tenant_id = ? AND blocked = FALSE AND id > ? ORDER BY id LIMIT ?`),
		tenantID, afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Recipient, 0, limit)
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkBlocked(ctx context.Context, recipientID int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE recipients SET blocked = TRUE WHERE id = ?`), recipientID)
	return expectRow(res, err, "recipient", recipientID)
}

func (s *sqlStore) CountNonBlocked(ctx context.Context, tenantIDs []int64) (int64, error) {
	if len(tenantIDs) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(tenantIDs))
	for _, id := range tenantIDs {
		args = append(args, id)
	}
	query := `SELECT COUNT(*) FROM recipients WHERE blocked = FALSE AND tenant_id IN (` +
		strings.TrimSuffix(strings.Repeat("?,", len(tenantIDs)), ",") + `)`
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(&n)
	return n, err
}

// ---- templates ----

func (s *sqlStore) CreateTemplate(ctx context.Context, tpl model.Template) (model.Template, error) {
	buttons, err := json.Marshal(nonNilButtons(tpl.Buttons))
	if err != nil {
		return model.Template{}, err
	}
	now := time.Now()
	tpl.CreatedAt, tpl.UpdatedAt = now, now
	err = s.db.QueryRowContext(ctx,
		s.q(`INSERT INTO templates(tenant_id, language_code, text, buttons, created_at, updated_at) VALUES(?,?,?,?,?,?) RETURNING id`),
		tpl.TenantID, tpl.LanguageCode, tpl.Text, string(buttons), millis(now), millis(now),
	).Scan(&tpl.ID)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return model.Template{}, fmt.Errorf("%w: template %d/%s exists", ErrConflict, tpl.TenantID, tpl.LanguageCode)
		}
		return model.Template{}, err
	}
	return tpl, nil
}

func (s *sqlStore) ListTemplates(ctx context.Context, tenantID int64) ([]model.Template, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+templateCols+` FROM templates WHERE tenant_id = ? ORDER BY id`), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Template
	for rows.Next() {
		var (
			tpl            model.Template
			buttons        string
			created, updat int64
		)
		if err := rows.Scan(&tpl.ID, &tpl.TenantID, &tpl.LanguageCode, &tpl.Text, &buttons, &created, &updat); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(buttons), &tpl.Buttons); err != nil {
			return nil, fmt.Errorf("template %d buttons: %w", tpl.ID, err)
		}
		tpl.CreatedAt, tpl.UpdatedAt = fromMillis(created), fromMillis(updat)
		out = append(out, tpl)
	}
	return out, rows.Err()
}

// ---- jobs ----

func (s *sqlStore) CreateJob(ctx context.Context, j model.Job) (model.Job, error) {
	content, err := json.Marshal(j.Content)
	if err != nil {
		return model.Job{}, err
	}
	targets, err := json.Marshal(nonNilIDs(j.Targets))
	if err != nil {
		return model.Job{}, err
	}
	now := time.Now()
	j.Status = model.JobDraft
	j.CreatedAt = now
	j.Total, j.Sent, j.Failed = 0, 0, 0
	j.Cursor = model.Cursor{}
	j.StartedAt, j.CompletedAt = time.Time{}, time.Time{}
	j.LeaseOwner, j.LeaseUntil = "", time.Time{}
	err = s.db.QueryRowContext(ctx,
		s.q(`INSERT INTO jobs(title, content, targets, status, created_at) VALUES(?,?,?,?,?) RETURNING id`),
		j.Title, string(content), string(targets), string(j.Status), millis(now),
	).Scan(&j.ID)
	if err != nil {
		return model.Job{}, err
	}
	return j, nil
}

func (s *sqlStore) GetJob(ctx context.Context, id int64) (model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, s.q(`SELECT `+jobCols+` FROM jobs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return j, err
}

func (s *sqlStore) ListJobs(ctx context.Context, status model.JobStatus) ([]model.Job, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+jobCols+` FROM jobs ORDER BY id`)
	} else {
		rows, err = s.db.QueryContext(ctx, s.q(`SELECT `+jobCols+` FROM jobs WHERE status = ? ORDER BY id`), string(status))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) TransitionJob(ctx context.Context, id int64, from, to model.JobStatus, stamp model.Stamp, at time.Time) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if at.IsZero() {
		at = time.Now()
	}
	set := `status = ?`
	args := []any{string(to)}
	switch stamp {
	case model.StampStarted:
		set += `, started_at = ?`
		args = append(args, millis(at))
	case model.StampCompleted:
		set += `, completed_at = ?`
		args = append(args, millis(at))
	}
	args = append(args, id, string(from))
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET `+set+` WHERE id = ? AND status = ?`), args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}

	var cur string
	err = s.db.QueryRowContext(ctx, s.q(`SELECT status FROM jobs WHERE id = ?`), id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %d is %s, not %s", ErrInvalidTransition, id, cur, from)
}

func (s *sqlStore) SetJobTotal(ctx context.Context, id int64, total int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET total = ? WHERE id = ?`), total, id)
	return expectRow(res, err, "job", id)
}

func (s *sqlStore) UpdateCounters(ctx context.Context, id int64, sent, failed int64, cursor model.Cursor) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE jobs SET sent = ?, failed = ?, cursor_tenant = ?, cursor_recipient = ? WHERE id = ?`),
		sent, failed, cursor.TenantID, cursor.RecipientID, id,
	)
	return expectRow(res, err, "job", id)
}

func (s *sqlStore) ClaimJob(ctx context.Context, id int64, owner string, until, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE jobs SET lease_owner = ?, lease_until = ?
		     WHERE id = ? AND status = ? AND (lease_owner = '' OR lease_owner = ? OR lease_until <= ?)`),
		owner, millis(until), id, string(model.JobSending), owner, millis(now),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM jobs WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return false, err
}

func (s *sqlStore) ReleaseJob(ctx context.Context, id int64, owner string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE jobs SET lease_owner = '', lease_until = 0 WHERE id = ? AND lease_owner = ?`), id, owner)
	return err
}

func (s *sqlStore) Stats(ctx context.Context) (model.Stats, error) {
	st := model.Stats{Jobs: map[model.JobStatus]int64{}}
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM tenants),
		(SELECT COUNT(*) FROM tenants WHERE active = TRUE),
		(SELECT COUNT(*) FROM recipients),
		(SELECT COUNT(*) FROM recipients WHERE blocked = TRUE)`,
	).Scan(&st.Tenants, &st.ActiveTenants, &st.Recipients, &st.BlockedRecipients)
	if err != nil {
		return model.Stats{}, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return model.Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return model.Stats{}, err
		}
		st.Jobs[model.JobStatus(status)] = n
	}
	return st, rows.Err()
}

// ---- scanning ----

func scanTenant(r rowScanner) (model.Tenant, error) {
	var (
		t                model.Tenant
		created, updated int64
	)
	if err := r.Scan(&t.ID, &t.Name, &t.Token, &t.Username, &t.Active, &created, &updated); err != nil {
		return model.Tenant{}, err
	}
	t.CreatedAt, t.UpdatedAt = fromMillis(created), fromMillis(updated)
	return t, nil
}

func scanRecipient(r rowScanner) (model.Recipient, error) {
	var (
		rc          model.Recipient
		first, last int64
	)
	if err := r.Scan(&rc.ID, &rc.TenantID, &rc.ExternalID, &rc.Username, &rc.FirstName, &rc.LastName,
		&rc.LanguageCode, &rc.Blocked, &first, &last); err != nil {
		return model.Recipient{}, err
	}
	rc.FirstSeenAt, rc.LastSeenAt = fromMillis(first), fromMillis(last)
	return rc, nil
}

func scanJob(r rowScanner) (model.Job, error) {
	var (
		j                           model.Job
		content, targets, status    string
		created, started, completed int64
		leaseUntil                  int64
	)
	if err := r.Scan(&j.ID, &j.Title, &content, &targets, &status, &j.Total, &j.Sent, &j.Failed,
		&j.Cursor.TenantID, &j.Cursor.RecipientID, &created, &started, &completed, &j.LeaseOwner, &leaseUntil); err != nil {
		return model.Job{}, err
	}
	if err := json.Unmarshal([]byte(content), &j.Content); err != nil {
		return model.Job{}, fmt.Errorf("job %d content: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(targets), &j.Targets); err != nil {
		return model.Job{}, fmt.Errorf("job %d targets: %w", j.ID, err)
	}
	st, err := model.ParseJobStatus(status)
	if err != nil {
		return model.Job{}, fmt.Errorf("job %d: %w", j.ID, err)
	}
	j.Status = st
	j.CreatedAt, j.StartedAt, j.CompletedAt = fromMillis(created), fromMillis(started), fromMillis(completed)
	j.LeaseUntil = fromMillis(leaseUntil)
	return j, nil
}

// ---- helpers ----

func expectRow(res sql.Result, err error, what string, id int64) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

// millis stores the zero time as 0 so "unset" round-trips.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func nonNilButtons(b []model.Button) []model.Button {
	if b == nil {
		return []model.Button{}
	}
	return b
}
