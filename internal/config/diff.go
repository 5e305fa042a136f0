package config

import (
	"reflect"
	"sort"
	"strings"

	logx "qlbridge/pkg/logx"
)

// SummarizeConfigChange returns the changed section names, log fields that
// never include secrets, and the ids of panels that were added, removed or
// edited.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.PollInterval() != newCfg.PollInterval() ||
		strings.TrimSpace(oldCfg.Poll.Timeout) != strings.TrimSpace(newCfg.Poll.Timeout) {
		changed = append(changed, "poll")
		attrs = append(attrs,
			logx.String("poll.interval", newCfg.PollInterval()),
			logx.String("poll.timeout", strings.TrimSpace(newCfg.Poll.Timeout)),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nS.Driver),
			logx.Bool("storage.path_set", nS.Path != ""),
			logx.String("storage.busy_timeout", nS.BusyTimeout),
		)
	}

	// Token changes are compared but only reported as set/unset.
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTPAddr()),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.allow_insecure", newCfg.HTTP.AllowInsecure),
		)
	}

	if oldCfg.Telegram.Enabled != newCfg.Telegram.Enabled ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
		)
	}

	panels := diffPanels(oldCfg.Panels, newCfg.Panels)
	if len(panels) > 0 {
		changed = append(changed, "panels")
		attrs = append(attrs,
			logx.Int("panels.changed_count", len(panels)),
			logx.Int("panels.count", len(newCfg.Panels)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, panels
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return StorageConfig{
		Driver:      strings.ToLower(strings.TrimSpace(s.Driver)),
		Path:        strings.TrimSpace(s.Path),
		BusyTimeout: strings.TrimSpace(s.BusyTimeout),
	}
}

func diffPanels(oldP, newP []PanelConfig) []string {
	oldM := make(map[string]PanelConfig, len(oldP))
	for _, p := range oldP {
		oldM[p.ID] = p
	}
	newM := make(map[string]PanelConfig, len(newP))
	for _, p := range newP {
		newM[p.ID] = p
	}

	var out []string
	for id, o := range oldM {
		if n, ok := newM[id]; !ok || n != o {
			out = append(out, id)
		}
	}
	for id := range newM {
		if _, ok := oldM[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
