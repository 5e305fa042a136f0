package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"qlbridge/internal/qinglong"
	"qlbridge/internal/scheduler"
)

const (
	DefaultPollInterval        = "30s"
	DefaultPollTimeout         = 25 * time.Second
	DefaultHTTPAddr            = "127.0.0.1:8765"
	DefaultTelegramPollTimeout = 30 * time.Second
)

var panelIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// PollInterval returns the configured poll schedule or the default.
func (c *Config) PollInterval() string {
	if s := strings.TrimSpace(c.Poll.Interval); s != "" {
		return s
	}
	return DefaultPollInterval
}

// HTTPAddr returns the configured listen address or the default.
func (c *Config) HTTPAddr() string {
	if s := strings.TrimSpace(c.HTTP.Addr); s != "" {
		return s
	}
	return DefaultHTTPAddr
}

// Conn converts the panel entry into client settings.
func (p PanelConfig) Conn() qinglong.Config {
	return qinglong.Config{
		Host:               strings.TrimSpace(p.Host),
		Port:               p.Port,
		SSL:                p.SSL,
		InsecureSkipVerify: p.InsecureSkipVerify,
		ClientID:           strings.TrimSpace(p.ClientID),
		ClientSecret:       p.ClientSecret,
		Token:              strings.TrimSpace(p.Token),
		TokenExpires:       p.TokenExpires,
	}
}

// DisplayName falls back to the id.
func (p PanelConfig) DisplayName() string {
	if s := strings.TrimSpace(p.Name); s != "" {
		return s
	}
	return p.ID
}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if _, err := scheduler.ParseSchedule(cfg.PollInterval()); err != nil {
		add("poll.interval: %w", err)
	}
	if _, err := ParseDurationField("poll.timeout", cfg.Poll.Timeout); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: %w", err)
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add("storage.path required for driver %q", s.Driver)
			}
		default:
			add("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.HTTP.Enabled {
		host, _, err := net.SplitHostPort(cfg.HTTPAddr())
		if err != nil {
			add("http.addr: %w", err)
		} else if !isLoopback(host) && strings.TrimSpace(cfg.HTTP.Token) == "" && !cfg.HTTP.AllowInsecure {
			add("http.addr %q is not loopback: set http.token or http.allow_insecure", cfg.HTTPAddr())
		}
		for _, f := range []struct{ path, raw string }{
			{"http.read_timeout", cfg.HTTP.ReadTimeout},
			{"http.write_timeout", cfg.HTTP.WriteTimeout},
			{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			add("telegram.token required when telegram.enabled")
		}
		if len(cfg.Telegram.OwnerUserIDs) == 0 {
			add("telegram.owner_user_ids must not be empty")
		}
		if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]struct{}, len(cfg.Panels))
	for i, p := range cfg.Panels {
		where := fmt.Sprintf("panels[%d]", i)
		if !panelIDRe.MatchString(p.ID) {
			add("%s.id %q: use lowercase letters, digits, '-' or '_'", where, p.ID)
		} else if _, dup := seen[p.ID]; dup {
			add("%s.id %q: duplicate", where, p.ID)
		}
		seen[p.ID] = struct{}{}
		if strings.TrimSpace(p.Host) == "" {
			add("%s.host required", where)
		}
		if p.Port < 0 || p.Port > 65535 {
			add("%s.port %d out of range", where, p.Port)
		}
		if strings.TrimSpace(p.ClientID) == "" || p.ClientSecret == "" {
			add("%s: client_id and client_secret required", where)
		}
		if p.TokenExpires < 0 {
			add("%s.token_expires must be >= 0", where)
		}
	}
	return errors.Join(errs...)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
