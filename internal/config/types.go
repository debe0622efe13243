package config

// Config is the on-disk configuration. JSON and YAML are accepted; unknown
// keys are rejected. Durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Telegram    TelegramConfig    `json:"telegram"`
	Storage     StorageConfig     `json:"storage"`
	Fleet       FleetConfig       `json:"fleet"`
	Broadcast   BroadcastConfig   `json:"broadcast"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Ops     LoggingOps  `json:"ops,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingOps forwards warnings to a Telegram chat through a dedicated bot.
// Token is a secret and is never logged.
type LoggingOps struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// TelegramConfig tunes the Bot API client shared by all tenants.
// Changes apply to sessions opened after the reload.
type TelegramConfig struct {
	PollTimeout    string `json:"poll_timeout,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
	StopGrace      string `json:"stop_grace,omitempty"`
	// APIURL overrides the Bot API endpoint (self-hosted bot API server).
	APIURL string `json:"api_url,omitempty"`
	// ParseMode is applied to welcome replies and broadcasts: "HTML", "Markdown", "MarkdownV2" or "".
	ParseMode string `json:"parse_mode,omitempty"`
}

// StorageConfig selects the persistence backend. Driver changes need a restart.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./botfleet.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
	PageSize     int    `json:"page_size,omitempty"`
}

type FleetConfig struct {
	// AutoStart starts every active tenant on boot. Defaults to true when omitted.
	AutoStart       *bool  `json:"auto_start,omitempty"`
	DefaultLanguage string `json:"default_language,omitempty"`
	FallbackWelcome string `json:"fallback_welcome,omitempty"`
	StopTimeout     string `json:"stop_timeout,omitempty"`
}

type BroadcastConfig struct {
	PaceInterval     string  `json:"pace_interval,omitempty"`
	CheckpointEvery  int     `json:"checkpoint_every,omitempty"`
	MaxRateLimitWait string  `json:"max_rate_limit_wait,omitempty"`
	TenantRatePerSec float64 `json:"tenant_rate_per_sec,omitempty"`
	ResumeOrphans    bool    `json:"resume_orphans"`
	// LeaseTTL bounds how long a crashed instance keeps its sending jobs
	// from being resumed elsewhere.
	LeaseTTL string `json:"lease_ttl,omitempty"`
}

// MaintenanceConfig schedules housekeeping. Specs are cron expressions
// ("*/5 * * * *", "@every 1m") or plain durations; "off" disables a task.
type MaintenanceConfig struct {
	Enabled       bool   `json:"enabled"`
	ReconcileSpec string `json:"reconcile_spec,omitempty"`
	SweepSpec     string `json:"sweep_spec,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	TaskTimeout   string `json:"task_timeout,omitempty"`
}

// AutoStartEnabled resolves the AutoStart default.
func (f FleetConfig) AutoStartEnabled() bool {
	return f.AutoStart == nil || *f.AutoStart
}
