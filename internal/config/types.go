package config

// Config is the on-disk configuration (JSON or YAML).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Poll      PollConfig      `json:"poll"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	HTTP      HTTPConfig      `json:"http"`
	Telegram  TelegramConfig  `json:"telegram"`
	Panels    []PanelConfig   `json:"panels"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PollConfig controls the periodic entity refresh.
//
// Interval accepts a Go duration ("30s"), an HH:MM interval ("00:05") or a
// cron expression ("*/1 * * * *"). Default "30s".
type PollConfig struct {
	Interval string `json:"interval,omitempty"`
	// Timeout bounds one full poll of every panel. Default "25s".
	Timeout string `json:"timeout,omitempty"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./qlbridge.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPConfig controls the local API server.
//
// Prefer binding to localhost. A non-loopback address needs a token or an
// explicit allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8765"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/ behind the same token.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// PanelConfig is one QingLong panel.
type PanelConfig struct {
	ID                 string `json:"id"`
	Name               string `json:"name,omitempty"`
	Host               string `json:"host"`
	Port               int    `json:"port,omitempty"` // default 5700
	SSL                bool   `json:"ssl,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
	ClientID           string `json:"client_id"`
	ClientSecret       string `json:"client_secret"`
	Token              string `json:"token,omitempty"`
	TokenExpires       int64  `json:"token_expires,omitempty"` // unix seconds
}
