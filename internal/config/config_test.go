package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "qlbridge/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
poll:
  interval: 45s
scheduler:
  timezone: UTC
storage:
  driver: sqlite
  path: ./state.db
http:
  enabled: true
  addr: 127.0.0.1:9000
telegram:
  enabled: false
  owner_user_ids: [42]
panels:
  - id: home
    name: Home QL
    host: 192.168.1.10
    client_id: cid
    client_secret: secret
  - id: vps
    host: ql.example.org
    port: 443
    ssl: true
    client_id: cid2
    client_secret: secret2
    token: abc
    token_expires: 1700000000
`

func validConfig() *Config {
	return &Config{
		Panels: []PanelConfig{{ID: "home", Host: "10.0.0.2", ClientID: "cid", ClientSecret: "sec"}},
	}
}

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "45s", cfg.PollInterval())
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTPAddr())
	require.Len(t, cfg.Panels, 2)
	assert.Equal(t, "Home QL", cfg.Panels[0].DisplayName())
	assert.Equal(t, "vps", cfg.Panels[1].DisplayName())

	conn := cfg.Panels[1].Conn()
	assert.True(t, conn.SSL)
	assert.Equal(t, 443, conn.Port)
	assert.Equal(t, "abc", conn.Token)
	assert.EqualValues(t, 1700000000, conn.TokenExpires)
}

func TestDecodeJSONStrict(t *testing.T) {
	_, err := Decode("config.json", []byte(`{"panels":[],"bogus":1}`))
	assert.ErrorContains(t, err, "bogus")

	_, err = Decode("config.json", []byte(`{"panels":[]} {}`))
	assert.ErrorContains(t, err, "trailing data")

	cfg, err := Decode("config.json", []byte(`{"panels":[]}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval())
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr())
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("c.yml", nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Panels)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"bad interval", func(c *Config) { c.Poll.Interval = "sometimes" }, "poll.interval"},
		{"cron interval", func(c *Config) { c.Poll.Interval = "*/2 * * * *" }, ""},
		{"bad timeout", func(c *Config) { c.Poll.Timeout = "x" }, "poll.timeout"},
		{"bad tz", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"storage no path", func(c *Config) { c.Storage = &StorageConfig{Driver: "file"} }, "storage.path"},
		{"storage none", func(c *Config) { c.Storage = &StorageConfig{Driver: "none"} }, ""},
		{"storage unknown", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis", Path: "x"} }, "storage.driver"},
		{"http public no token", func(c *Config) { c.HTTP = HTTPConfig{Enabled: true, Addr: "0.0.0.0:80"} }, "not loopback"},
		{"http public token", func(c *Config) { c.HTTP = HTTPConfig{Enabled: true, Addr: "0.0.0.0:80", Token: "t"} }, ""},
		{"http public insecure", func(c *Config) { c.HTTP = HTTPConfig{Enabled: true, Addr: ":80", AllowInsecure: true} }, ""},
		{"http bad addr", func(c *Config) { c.HTTP = HTTPConfig{Enabled: true, Addr: "nope"} }, "http.addr"},
		{"telegram no token", func(c *Config) { c.Telegram = TelegramConfig{Enabled: true, OwnerUserIDs: []int64{1}} }, "telegram.token"},
		{"telegram no owners", func(c *Config) { c.Telegram = TelegramConfig{Enabled: true, Token: "x"} }, "owner_user_ids"},
		{"panel bad id", func(c *Config) { c.Panels[0].ID = "Home Panel" }, "panels[0].id"},
		{"panel dup", func(c *Config) { c.Panels = append(c.Panels, c.Panels[0]) }, "duplicate"},
		{"panel no host", func(c *Config) { c.Panels[0].Host = " " }, "host required"},
		{"panel bad port", func(c *Config) { c.Panels[0].Port = 70000 }, "out of range"},
		{"panel no secret", func(c *Config) { c.Panels[0].ClientSecret = "" }, "client_secret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := validConfig()
	newCfg := validConfig()
	newCfg.HTTP = HTTPConfig{Enabled: true, Token: "super-secret-token"}
	newCfg.Panels[0].ClientSecret = "rotated-secret"
	newCfg.Panels = append(newCfg.Panels, PanelConfig{ID: "new", Host: "h", ClientID: "c", ClientSecret: "s"})

	changed, attrs, panels := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"http", "panels"}, changed)
	assert.Equal(t, []string{"home", "new"}, panels)

	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", attrs...)
	out := buf.String()
	assert.Contains(t, out, "http.token_set")
	assert.NotContains(t, out, "super-secret-token")
	assert.NotContains(t, out, "rotated-secret")
}

func TestSummarizeNoChange(t *testing.T) {
	changed, attrs, panels := SummarizeConfigChange(validConfig(), validConfig())
	assert.Empty(t, changed)
	assert.Empty(t, attrs)
	assert.Empty(t, panels)
}

func TestManagerLoadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	write := func(body string) {
		tmp := path + ".tmp"
		require.NoError(t, os.WriteFile(tmp, []byte(body), 0o600))
		require.NoError(t, os.Rename(tmp, path))
	}
	write(`{"poll":{"interval":"30s"},"panels":[]}`)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and the committed config is kept.
	write(`{"poll":{"interval":"never"},"panels":[]}`)
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, "30s", m.Get().PollInterval())
	assert.Empty(t, sub)

	write(`{"poll":{"interval":"1m"},"panels":[]}`)
	select {
	case got := <-sub:
		assert.Equal(t, "1m", got.PollInterval())
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	assert.Equal(t, "1m", m.Get().PollInterval())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return")
	}
}

func TestManagerLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"panels":[{"id":"x"}]}`), 0o600))
	_, err := NewConfigManager(path).Load()
	assert.ErrorContains(t, err, "host required")
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused")
	sub := m.Subscribe(1)
	a, b := validConfig(), validConfig()
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-sub)

	m.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
}
