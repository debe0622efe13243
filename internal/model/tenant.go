// Package model holds the domain records shared by storage, fleet and broadcast.
package model

import "time"

// Tenant is one independently-credentialed bot.
type Tenant struct {
	ID        int64
	Name      string
	Token     string
	Username  string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Recipient is an end user that has interacted with a tenant.
// (ExternalID, TenantID) is unique.
type Recipient struct {
	ID           int64
	TenantID     int64
	ExternalID   int64
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
	Blocked      bool
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
}

// Template is a per-tenant welcome message for one language.
type Template struct {
	ID           int64
	TenantID     int64
	LanguageCode string
	Text         string
	Buttons      []Button
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Stats is an aggregate snapshot of the fleet.
type Stats struct {
	Tenants           int64
	ActiveTenants     int64
	Recipients        int64
	BlockedRecipients int64
	Jobs              map[JobStatus]int64
}
