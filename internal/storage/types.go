package storage

import (
	"context"
	"errors"
	"time"

	"botfleet/internal/model"
)

var (
	ErrNotFound          = errors.New("storage: not found")
	ErrInvalidTransition = errors.New("storage: invalid status transition")
	ErrConflict          = errors.New("storage: conflict")
	ErrClosed            = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (Path)
//   - "postgres": PostgreSQL via pgx (DSN)
//   - "memory": process-local maps, for tests and dry runs
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// RecipientProfile is what an inbound event tells us about its sender.
type RecipientProfile struct {
	ExternalID   int64
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
}

// Store is the persistence API used by fleet and broadcast.
//
// Implementations must provide read-after-write consistency: a status written by
// TransitionJob is visible to the next GetJob from any goroutine.
type Store interface {
	CreateTenant(ctx context.Context, t model.Tenant) (model.Tenant, error)
	GetTenant(ctx context.Context, id int64) (model.Tenant, error)
	ListTenants(ctx context.Context) ([]model.Tenant, error)
	ListActiveTenants(ctx context.Context) ([]model.Tenant, error)
	SetTenantActive(ctx context.Context, id int64, active bool) error
	SetTenantUsername(ctx context.Context, id int64, username string) error
	DeleteTenant(ctx context.Context, id int64) error

	// UpsertRecipient inserts or refreshes the (tenantID, p.ExternalID) recipient
	// and clears its blocked flag.
	UpsertRecipient(ctx context.Context, tenantID int64, p RecipientProfile, seenAt time.Time) (model.Recipient, error)
	// ListNonBlocked returns up to limit non-blocked recipients of tenantID with
	// id > afterID, ordered by id.
	ListNonBlocked(ctx context.Context, tenantID, afterID int64, limit int) ([]model.Recipient, error)
	MarkBlocked(ctx context.Context, recipientID int64) error
	CountNonBlocked(ctx context.Context, tenantIDs []int64) (int64, error)

	CreateTemplate(ctx context.Context, tpl model.Template) (model.Template, error)
	ListTemplates(ctx context.Context, tenantID int64) ([]model.Template, error)

	// CreateJob stores a new job in draft status.
	CreateJob(ctx context.Context, j model.Job) (model.Job, error)
	GetJob(ctx context.Context, id int64) (model.Job, error)
	// ListJobs lists jobs by id; an empty status lists all.
	ListJobs(ctx context.Context, status model.JobStatus) ([]model.Job, error)
	// TransitionJob moves a job from -> to only if its current status is from,
	// setting the timestamp named by stamp. It returns ErrInvalidTransition when
	// the current status differs or the edge is not allowed.
	TransitionJob(ctx context.Context, id int64, from, to model.JobStatus, stamp model.Stamp, at time.Time) error
	SetJobTotal(ctx context.Context, id int64, total int64) error
	UpdateCounters(ctx context.Context, id int64, sent, failed int64, cursor model.Cursor) error
	// ClaimJob takes or renews the lease of a sending job for owner until the
	// given time. It reports false when the job is not sending or another
	// owner's lease is still live at now.
	ClaimJob(ctx context.Context, id int64, owner string, until, now time.Time) (bool, error)
	// ReleaseJob drops owner's lease so another instance can resume the job.
	ReleaseJob(ctx context.Context, id int64, owner string) error

	Stats(ctx context.Context) (model.Stats, error)
	Close() error
}
