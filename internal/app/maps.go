package app

import (
	"fmt"
	"strings"
	"time"

	"qlbridge/internal/config"
	"qlbridge/internal/entity"
	"qlbridge/internal/httpapi"
	"qlbridge/internal/registry"
	"qlbridge/internal/scheduler"
	"qlbridge/internal/storage"
	"qlbridge/internal/transport/telegram"
	logx "qlbridge/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	h := cfg.HTTP
	return httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          cfg.HTTPAddr(),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   config.MustDuration(h.ReadTimeout, 10*time.Second),
		WriteTimeout:  config.MustDuration(h.WriteTimeout, 30*time.Second),
		IdleTimeout:   config.MustDuration(h.IdleTimeout, 60*time.Second),
	}
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		Owners:      append([]int64(nil), cfg.Telegram.OwnerUserIDs...),
		PollTimeout: config.MustDuration(cfg.Telegram.PollTimeout, config.DefaultTelegramPollTimeout),
	}
}

func mapPanels(cfg *config.Config) []registry.PanelConfig {
	out := make([]registry.PanelConfig, 0, len(cfg.Panels))
	for _, p := range cfg.Panels {
		out = append(out, registry.PanelConfig{ID: p.ID, Name: p.DisplayName(), Conn: p.Conn()})
	}
	return out
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: cfg.Scheduler.Timezone}
}

func pollTimeout(cfg *config.Config) time.Duration {
	return config.MustDuration(cfg.Poll.Timeout, config.DefaultPollTimeout)
}

// sensorInterval is the token sensor throttle. Cron schedules have no fixed
// period, so they fall back to the default.
func sensorInterval(cfg *config.Config) time.Duration {
	spec, err := scheduler.ParseSchedule(cfg.PollInterval())
	if err != nil || spec.Kind != scheduler.SpecInterval {
		return entity.DefaultPollInterval
	}
	return spec.Every
}
