package model

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	JobDraft     JobStatus = "draft"
	JobSending   JobStatus = "sending"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobCancelled }

func (s JobStatus) Valid() bool {
	switch s {
	case JobDraft, JobSending, JobCompleted, JobCancelled:
		return true
	}
	return false
}

// ParseJobStatus parses a stored status value.
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobDraft:
		return to == JobSending || to == JobCancelled
	case JobSending:
		return to == JobCompleted || to == JobCancelled
	}
	return false
}

// Stamp names the timestamp set by a status transition.
type Stamp int

const (
	StampNone Stamp = iota
	StampStarted
	StampCompleted
)

// Cursor is the resume point of a run: the last fully processed recipient
// of TenantID. Tenants with a lower id are done.
type Cursor struct {
	TenantID    int64
	RecipientID int64
}

func (c Cursor) IsZero() bool { return c.TenantID == 0 && c.RecipientID == 0 }

// Job is a broadcast: one payload sent to the non-blocked recipients of its targets.
type Job struct {
	ID      int64
	Title   string
	Content Content
	// Targets are tenant ids; empty means every tenant.
	Targets []int64
	Status  JobStatus

	Total  int64
	Sent   int64
	Failed int64
	Cursor Cursor

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	// LeaseOwner is the engine instance running the job; it holds the job
	// until LeaseUntil unless it renews.
	LeaseOwner string
	LeaseUntil time.Time
}

// LeasedBy reports whether an owner other than self holds a live lease at now.
func (j *Job) LeasedBy(self string, now time.Time) bool {
	return j.LeaseOwner != "" && j.LeaseOwner != self && j.LeaseUntil.After(now)
}

// Processed is sent plus failed.
func (j *Job) Processed() int64 { return j.Sent + j.Failed }
