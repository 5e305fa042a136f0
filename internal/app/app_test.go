package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qlbridge/internal/config"
	"qlbridge/internal/entity"
	"qlbridge/internal/eventbus"
	"qlbridge/internal/qinglong"
	"qlbridge/internal/transport/telegram"
	logx "qlbridge/pkg/logx"
)

func fakePanel(t *testing.T) (host string, port int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case qinglong.PathAuthToken:
			if r.URL.Query().Get("client_secret") != "good" {
				_ = json.NewEncoder(w).Encode(map[string]any{"code": 400, "message": "bad credentials"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "data": map[string]any{
				"token": "issued", "expiration": time.Now().Add(30 * 24 * time.Hour).Unix(),
			}})
		case qinglong.PathCrons:
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "data": []map[string]any{
				{"id": 1, "name": "Sign", "command": "task sign.js", "isDisabled": 0},
			}})
		case qinglong.PathCronsRun:
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 200})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err = strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func panelYAML(id, host string, port int) string {
	return fmt.Sprintf(`
  - id: %s
    host: %s
    port: %d
    client_id: cid
    client_secret: good
    token: tok-%s
    token_expires: %d`, id, host, port, id, time.Now().Add(10*24*time.Hour).Unix())
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

const baseYAML = `
logging:
  level: error
poll:
  interval: 1h
http:
  enabled: true
  addr: 127.0.0.1:0
%s
panels:%s
`

type fakeBot struct {
	mu      sync.Mutex
	started bool
	stopped bool
	cfg     telegram.Config
}

func (b *fakeBot) Start(context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
}

func (b *fakeBot) Stop(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	return nil
}

func (b *fakeBot) state() (bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started, b.stopped
}

type botFactory struct {
	mu   sync.Mutex
	bots []*fakeBot
}

func (f *botFactory) new(cfg telegram.Config, _ telegram.Backend, _ eventbus.Bus, _ logx.Logger) (Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &fakeBot{cfg: cfg}
	f.bots = append(f.bots, b)
	return b, nil
}

func (f *botFactory) all() []*fakeBot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeBot(nil), f.bots...)
}

func startApp(t *testing.T, path string, opts Options) *App {
	t.Helper()
	a, err := New(path, opts)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopSignal)
		cancel()
	})
	return a
}

func TestAppStartServesPanels(t *testing.T) {
	host, port := fakePanel(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, fmt.Sprintf(baseYAML, "", panelYAML("home", host, port)))

	a := startApp(t, path, Options{})
	assert.Equal(t, []string{"home"}, a.Registry().IDs())
	require.NotEmpty(t, a.HTTPAddr())

	resp, err := http.Get("http://" + a.HTTPAddr() + "/api/panels")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"home"`)

	resp2, err := http.Get("http://" + a.HTTPAddr() + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	metrics, _ := io.ReadAll(resp2.Body)
	assert.Contains(t, string(metrics), "go_goroutines")
}

func TestAppHotReloadSyncsPanels(t *testing.T) {
	host, port := fakePanel(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, fmt.Sprintf(baseYAML, "", panelYAML("home", host, port)))
	a := startApp(t, path, Options{})

	next := fmt.Sprintf(baseYAML, "", panelYAML("home", host, port)+panelYAML("vps", host, port))
	assert.Eventually(t, func() bool {
		writeConfig(t, path, next)
		return len(a.Registry().IDs()) == 2
	}, 5*time.Second, 300*time.Millisecond)

	next = fmt.Sprintf(baseYAML, "", panelYAML("vps", host, port))
	assert.Eventually(t, func() bool {
		writeConfig(t, path, next)
		ids := a.Registry().IDs()
		return len(ids) == 1 && ids[0] == "vps"
	}, 5*time.Second, 300*time.Millisecond)
}

func TestAppTelegramReconfigured(t *testing.T) {
	host, port := fakePanel(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	tg := "telegram:\n  enabled: true\n  token: bot-token\n  owner_user_ids: [42]"
	writeConfig(t, path, fmt.Sprintf(baseYAML, tg, panelYAML("home", host, port)))

	f := &botFactory{}
	startApp(t, path, Options{NewBot: f.new})
	bots := f.all()
	require.Len(t, bots, 1)
	started, stopped := bots[0].state()
	assert.True(t, started)
	assert.False(t, stopped)
	assert.Equal(t, []int64{42}, bots[0].cfg.Owners)

	next := fmt.Sprintf(baseYAML, "telegram:\n  enabled: false", panelYAML("home", host, port))
	assert.Eventually(t, func() bool {
		writeConfig(t, path, next)
		_, stopped := bots[0].state()
		return stopped
	}, 5*time.Second, 300*time.Millisecond)
	assert.Len(t, f.all(), 1)
}

func TestAppSkipsFailingPanel(t *testing.T) {
	host, port := fakePanel(t)
	bad := strings.Replace(panelYAML("bad", host, port), "client_secret: good", "client_secret: nope", 1)
	bad = bad[:strings.Index(bad, "\n    token:")]
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, fmt.Sprintf(baseYAML, "", panelYAML("home", host, port)+bad))

	a := startApp(t, path, Options{})
	assert.Equal(t, []string{"home"}, a.Registry().IDs())
}

func TestCheckPanels(t *testing.T) {
	host, port := fakePanel(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, fmt.Sprintf(baseYAML, "", panelYAML("home", host, port)))
	var buf bytes.Buffer
	assert.NoError(t, CheckPanels(context.Background(), path, logx.NewWriter(&buf, "info")))
	assert.Contains(t, buf.String(), `"client_id":"***"`)
	assert.Contains(t, buf.String(), `"token":"******"`)
	assert.NotContains(t, buf.String(), "issued")

	bad := strings.Replace(panelYAML("bad", host, port), "client_secret: good", "client_secret: nope", 1)
	writeConfig(t, path, fmt.Sprintf(baseYAML, "", panelYAML("home", host, port)+bad))
	err := CheckPanels(context.Background(), path, logx.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, qinglong.ErrInvalidAuth)
	assert.Contains(t, err.Error(), "panel bad")
}

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name    string
		storage *config.StorageConfig
		enabled bool
		driver  string
		wantErr bool
	}{
		{"absent", nil, false, "", false},
		{"none", &config.StorageConfig{Driver: "none"}, false, "", false},
		{"file", &config.StorageConfig{Driver: "file", Path: "x.json"}, true, "file", false},
		{"sqlite", &config.StorageConfig{Driver: "SQLite3", Path: "x.db"}, true, "sqlite", false},
		{"sqlite without path", &config.StorageConfig{Driver: "sqlite"}, false, "", true},
		{"bad busy timeout", &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}, false, "", true},
		{"unknown", &config.StorageConfig{Driver: "redis"}, false, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tc.storage})
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.enabled, enabled)
			assert.Equal(t, tc.driver, sc.Driver)
		})
	}
}

func TestSensorInterval(t *testing.T) {
	cases := map[string]time.Duration{
		"":            30 * time.Second,
		"2m":          2 * time.Minute,
		"00:05":       5 * time.Minute,
		"*/5 * * * *": entity.DefaultPollInterval,
	}
	for in, want := range cases {
		cfg := &config.Config{Poll: config.PollConfig{Interval: in}}
		assert.Equal(t, want, sensorInterval(cfg), in)
	}
}
