package app

import (
	"fmt"
	"strings"
	"time"

	"botfleet/internal/broadcast"
	"botfleet/internal/channel/telegram"
	"botfleet/internal/config"
	"botfleet/internal/fleet"
	"botfleet/internal/maintenance"
	"botfleet/internal/storage"
	logx "botfleet/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Ops: logx.OpsConfig{
			Enabled:    l.Ops.Enabled,
			ChatID:     l.Ops.ChatID,
			MinLevel:   l.Ops.MinLevel,
			RatePerSec: l.Ops.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	t := cfg.Telegram
	poll, err := config.ParseDurationField("telegram.poll_timeout", t.PollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	req, err := config.ParseDurationField("telegram.request_timeout", t.RequestTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	grace, err := config.ParseDurationField("telegram.stop_grace", t.StopGrace)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		PollTimeout:    poll,
		RequestTimeout: req,
		StopGrace:      grace,
		APIURL:         strings.TrimSpace(t.APIURL),
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	return storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

func mapFleetConfig(cfg *config.Config) (fleet.Config, error) {
	f := cfg.Fleet
	stop, err := config.ParseDurationField("fleet.stop_timeout", f.StopTimeout)
	if err != nil {
		return fleet.Config{}, err
	}
	return fleet.Config{
		AutoStart:       f.AutoStartEnabled(),
		DefaultLanguage: strings.TrimSpace(f.DefaultLanguage),
		FallbackWelcome: f.FallbackWelcome,
		ParseMode:       cfg.Telegram.ParseMode,
		StopTimeout:     stop,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	b := cfg.Broadcast
	pace, err := config.ParseDurationField("broadcast.pace_interval", b.PaceInterval)
	if err != nil {
		return broadcast.Config{}, err
	}
	maxWait, err := config.ParseDurationField("broadcast.max_rate_limit_wait", b.MaxRateLimitWait)
	if err != nil {
		return broadcast.Config{}, err
	}
	leaseTTL, err := config.ParseDurationField("broadcast.lease_ttl", b.LeaseTTL)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		PaceInterval:     pace,
		CheckpointEvery:  b.CheckpointEvery,
		MaxRateLimitWait: maxWait,
		TenantRatePerSec: b.TenantRatePerSec,
		PageSize:         cfg.Storage.PageSize,
		ParseMode:        cfg.Telegram.ParseMode,
		ResumeOrphans:    b.ResumeOrphans,
		LeaseTTL:         leaseTTL,
	}, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	m := cfg.Maintenance
	timeout, err := config.ParseDurationField("maintenance.task_timeout", m.TaskTimeout)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		Enabled:       m.Enabled,
		ReconcileSpec: m.ReconcileSpec,
		SweepSpec:     m.SweepSpec,
		Timezone:      m.Timezone,
		TaskTimeout:   timeout,
	}, nil
}

// validateRuntime checks what config.Validate cannot: cron specs and timezones.
func validateRuntime(cfg *config.Config) error {
	for path, raw := range map[string]string{
		"maintenance.reconcile_spec": cfg.Maintenance.ReconcileSpec,
		"maintenance.sweep_spec":     cfg.Maintenance.SweepSpec,
	} {
		if _, _, err := maintenance.ParseSchedule(raw); err != nil {
			return wrapPath(path, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return wrapPath("maintenance.timezone", err)
		}
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFleetConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	_, err := mapMaintenanceConfig(cfg)
	return err
}

func wrapPath(path string, err error) error {
	return fmt.Errorf("%s: %w", path, err)
}
