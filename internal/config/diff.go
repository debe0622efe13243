package config

import (
	"reflect"
	"strings"

	logx "botfleet/pkg/logx"
)

// SummarizeConfigChange returns (1) the changed sections, (2) safe structured
// attrs for logging (never tokens or DSNs) and (3) the changed sections that
// only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)
	var restart []string

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		ops := newCfg.Logging.Ops
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.ops_enabled", ops.Enabled),
			logx.Bool("logging.ops_token_set", strings.TrimSpace(ops.Token) != ""),
		)
		if oldCfg.Logging.Ops.Token != ops.Token {
			restart = append(restart, "logging.ops.token")
		}
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.String("telegram.request_timeout", strings.TrimSpace(newCfg.Telegram.RequestTimeout)),
			logx.Bool("telegram.api_url_set", strings.TrimSpace(newCfg.Telegram.APIURL) != ""),
			logx.String("telegram.parse_mode", newCfg.Telegram.ParseMode),
		)
		// Only timeouts and URL bind to the client; parse mode is hot.
		o, n := oldCfg.Telegram, newCfg.Telegram
		o.ParseMode, n.ParseMode = "", ""
		if o != n {
			restart = append(restart, "telegram")
		}
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
			logx.Int("storage.page_size", newCfg.Storage.PageSize),
		)
		o, n := oldCfg.Storage, newCfg.Storage
		o.PageSize, n.PageSize = 0, 0
		if o != n {
			restart = append(restart, "storage")
		}
	}

	if !reflect.DeepEqual(oldCfg.Fleet, newCfg.Fleet) {
		changed = append(changed, "fleet")
		attrs = append(attrs,
			logx.Bool("fleet.auto_start", newCfg.Fleet.AutoStartEnabled()),
			logx.String("fleet.default_language", newCfg.Fleet.DefaultLanguage),
			logx.String("fleet.stop_timeout", newCfg.Fleet.StopTimeout),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.String("broadcast.pace_interval", newCfg.Broadcast.PaceInterval),
			logx.Int("broadcast.checkpoint_every", newCfg.Broadcast.CheckpointEvery),
			logx.Any("broadcast.tenant_rate_per_sec", newCfg.Broadcast.TenantRatePerSec),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.reconcile_spec", newCfg.Maintenance.ReconcileSpec),
			logx.String("maintenance.sweep_spec", newCfg.Maintenance.SweepSpec),
			logx.String("maintenance.timezone", newCfg.Maintenance.Timezone),
		)
	}

	return changed, attrs, restart
}
