package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces the environment overrides, e.g. BOTFLEET_STORAGE_DSN.
const EnvPrefix = "BOTFLEET"

// envOverrides are the settings that usually come from the environment
// (secrets, per-host DSNs) rather than the config file.
type envOverrides struct {
	StorageDSN string `envconfig:"STORAGE_DSN"`
	LogLevel   string `envconfig:"LOG_LEVEL"`
	OpsToken   string `envconfig:"OPS_TOKEN"`
	OpsChatID  int64  `envconfig:"OPS_CHAT_ID"`
}

// ApplyEnv overlays non-empty environment values onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	if s := strings.TrimSpace(o.StorageDSN); s != "" {
		cfg.Storage.DSN = s
	}
	if s := strings.TrimSpace(o.LogLevel); s != "" {
		cfg.Logging.Level = s
	}
	if s := strings.TrimSpace(o.OpsToken); s != "" {
		cfg.Logging.Ops.Token = s
	}
	if o.OpsChatID != 0 {
		cfg.Logging.Ops.ChatID = o.OpsChatID
	}
	return nil
}
