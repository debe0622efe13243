package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate reports every structural problem in cfg at once.
// Semantic checks that need other packages (cron specs) run in the app validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	dur("telegram.request_timeout", cfg.Telegram.RequestTimeout)
	dur("telegram.stop_grace", cfg.Telegram.StopGrace)
	switch strings.TrimSpace(cfg.Telegram.ParseMode) {
	case "", "HTML", "Markdown", "MarkdownV2":
	default:
		check(fmt.Errorf("telegram.parse_mode: unknown mode %q", cfg.Telegram.ParseMode))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			check(errors.New("storage.path: required for sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			check(errors.New("storage.dsn: required for postgres"))
		}
	default:
		check(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if cfg.Storage.PageSize < 0 || cfg.Storage.MaxOpenConns < 0 {
		check(errors.New("storage: page_size and max_open_conns must be >= 0"))
	}

	dur("fleet.stop_timeout", cfg.Fleet.StopTimeout)

	dur("broadcast.pace_interval", cfg.Broadcast.PaceInterval)
	dur("broadcast.max_rate_limit_wait", cfg.Broadcast.MaxRateLimitWait)
	dur("broadcast.lease_ttl", cfg.Broadcast.LeaseTTL)
	if cfg.Broadcast.CheckpointEvery < 0 {
		check(errors.New("broadcast.checkpoint_every: must be >= 0"))
	}
	if cfg.Broadcast.TenantRatePerSec < 0 {
		check(errors.New("broadcast.tenant_rate_per_sec: must be >= 0"))
	}

	dur("maintenance.task_timeout", cfg.Maintenance.TaskTimeout)

	if ops := cfg.Logging.Ops; ops.Enabled {
		if strings.TrimSpace(ops.Token) == "" || ops.ChatID == 0 {
			check(errors.New("logging.ops: token and chat_id are required when enabled"))
		}
		if ops.RatePerSec < 0 {
			check(errors.New("logging.ops.rate_per_sec: must be >= 0"))
		}
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		check(errors.New("logging.file.path: required when enabled"))
	}
	return errors.Join(errs...)
}
