package qinglong

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Unix() int64 { return c.Now().Unix() }

// fakePanel serves the three open API endpoints with swappable handlers.
type fakePanel struct {
	srv *httptest.Server

	authCalls atomic.Int32
	listCalls atomic.Int32
	runCalls  atomic.Int32

	mu       sync.Mutex
	auth     http.HandlerFunc
	list     http.HandlerFunc
	run      http.HandlerFunc
	lastAuth string
	lastBody []byte
}

func newFakePanel(t *testing.T) *fakePanel {
	t.Helper()
	p := &fakePanel{}
	p.srv = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePanel) serve(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.lastAuth = r.Header.Get("Authorization")
	var h http.HandlerFunc
	switch {
	case r.URL.Path == PathAuthToken && r.Method == http.MethodGet:
		p.authCalls.Add(1)
		h = p.auth
	case r.URL.Path == PathCrons && r.Method == http.MethodGet:
		p.listCalls.Add(1)
		h = p.list
	case r.URL.Path == PathCronsRun && r.Method == http.MethodPut:
		p.runCalls.Add(1)
		p.lastBody, _ = io.ReadAll(r.Body)
		h = p.run
	}
	p.mu.Unlock()

	if h == nil {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func (p *fakePanel) setAuth(h http.HandlerFunc) { p.mu.Lock(); p.auth = h; p.mu.Unlock() }
func (p *fakePanel) setList(h http.HandlerFunc) { p.mu.Lock(); p.list = h; p.mu.Unlock() }
func (p *fakePanel) setRun(h http.HandlerFunc)  { p.mu.Lock(); p.run = h; p.mu.Unlock() }

func (p *fakePanel) authorization() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAuth
}

func (p *fakePanel) runBody() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.lastBody...)
}

// config returns a panel Config pointing at the fake server.
func (p *fakePanel) config(t *testing.T, token string, expires int64) Config {
	t.Helper()
	u, err := url.Parse(p.srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	return Config{
		Host:         u.Hostname(),
		Port:         port,
		ClientID:     "cid",
		ClientSecret: "csecret",
		Token:        token,
		TokenExpires: expires,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func envelopeOK(data any) map[string]any {
	return map[string]any{"code": 200, "data": data}
}

func tokenHandler(token string, expiration any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		data := map[string]any{"token": token}
		if expiration != nil {
			data["expiration"] = expiration
		}
		writeJSON(w, http.StatusOK, envelopeOK(data))
	}
}

func statusHandler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}
}
