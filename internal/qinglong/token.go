package qinglong

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "qlbridge/pkg/logx"
)

// TokenManager owns one panel's bearer token and its refresh state.
//
// Token value and expiry are replaced together under mu. The in-flight flag is
// taken with CompareAndSwap, so at most one exchange runs per manager; callers
// that lose the race get false and retry on their next poll.
type TokenManager struct {
	tr           *transport
	clientID     string
	clientSecret string

	log   logx.Logger
	now   func() time.Time
	hooks Hooks

	mu          sync.RWMutex
	token       Token
	lastAttempt int64

	inFlight atomic.Bool
}

func newTokenManager(cfg Config, tr *transport, o *options) *TokenManager {
	return &TokenManager{
		tr:           tr,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		log:          o.log,
		now:          o.now,
		hooks:        o.hooks,
		token:        Token{Value: cfg.Token, Expiry: cfg.TokenExpires},
	}
}

// EnsureFresh reports whether the held token is usable without renewal, or
// was just renewed. It returns false when a renewal was needed but skipped
// (in flight, too recent) or failed. It never panics.
func (m *TokenManager) EnsureFresh(ctx context.Context) bool {
	now := m.now().Unix()

	m.mu.RLock()
	remaining := m.token.Expiry - now
	m.mu.RUnlock()

	if remaining > int64(RefreshThreshold/time.Second) {
		return true
	}

	if !m.inFlight.CompareAndSwap(false, true) {
		m.log.Debug("token refresh already in progress")
		return false
	}
	defer m.inFlight.Store(false)

	m.mu.RLock()
	last := m.lastAttempt
	m.mu.RUnlock()
	if now-last < int64(MinRefreshInterval/time.Second) {
		m.log.Debug("token refresh too recent, skipping", logx.Int64("since_last_s", now-last))
		return false
	}

	return m.refresh(ctx, now, remaining)
}

func (m *TokenManager) refresh(ctx context.Context, now, remaining int64) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("token refresh panicked", logx.Any("panic", r))
			ok = false
		}
	}()

	m.log.Info("refreshing token", logx.Int64("expires_in_s", remaining))

	tok, err := m.exchange(ctx, now)

	// Only a successful exchange starts the minimum-interval window, so a
	// failed attempt is retried on the next poll.
	if err == nil {
		m.mu.Lock()
		m.lastAttempt = now
		m.token = tok
		m.mu.Unlock()
	}

	if err != nil {
		m.log.Error("token refresh failed", logx.Err(err))
		if m.hooks.OnRefreshFailure != nil {
			m.hooks.OnRefreshFailure(failureReason(err))
		}
		return false
	}

	m.log.Info("token refreshed",
		logx.Time("expires_at", time.Unix(tok.Expiry, 0)),
		logx.Int64("expires_in_days", (tok.Expiry-now)/86400),
	)
	if m.hooks.OnRefresh != nil {
		m.hooks.OnRefresh(tok)
	}
	return true
}

// exchange performs the client-credential exchange and returns the new token.
func (m *TokenManager) exchange(ctx context.Context, now int64) (Token, error) {
	return exchangeToken(ctx, m.tr, m.clientID, m.clientSecret, now)
}

// ForceInvalidate clears the last attempt time so the next EnsureFresh call
// skips the minimum-interval guard. Used after the panel rejects the token.
func (m *TokenManager) ForceInvalidate() {
	m.mu.Lock()
	m.lastAttempt = 0
	m.mu.Unlock()
}

// Current returns the held token and derived status. No network.
func (m *TokenManager) Current() TokenInfo {
	now := m.now().Unix()
	m.mu.RLock()
	tok := m.token
	last := m.lastAttempt
	m.mu.RUnlock()

	remaining := tok.Expiry - now
	return TokenInfo{
		Token:           tok,
		Remaining:       remaining,
		Valid:           remaining > int64(ExpiryBuffer/time.Second),
		NeedsRefresh:    remaining <= int64(RefreshThreshold/time.Second),
		LastRefreshTime: last,
	}
}

// Seed replaces the held token when the supplied one expires later.
// It is used to restore a persisted token at setup.
func (m *TokenManager) Seed(tok Token) bool {
	if strings.TrimSpace(tok.Value) == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok.Expiry <= m.token.Expiry {
		return false
	}
	m.token = tok
	return true
}

// refreshError classifies exchange failures for logs and metrics.
type refreshError struct {
	reason string
	err    error
}

func (e *refreshError) Error() string {
	if e.err != nil {
		return e.reason + ": " + e.err.Error()
	}
	return e.reason
}

func (e *refreshError) Unwrap() error { return e.err }

const (
	reasonTransport = "transport"
	reasonStatus    = "http_status"
	reasonCode      = "app_code"
	reasonNoToken   = "no_token"
)

func failureReason(err error) string {
	var re *refreshError
	if errors.As(err, &re) {
		return re.reason
	}
	return reasonTransport
}

type tokenData struct {
	Token      string          `json:"token"`
	Expiration json.RawMessage `json:"expiration"`
}

func exchangeToken(ctx context.Context, tr *transport, clientID, clientSecret string, now int64) (Token, error) {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("client_secret", clientSecret)

	resp, err := tr.do(ctx, http.MethodGet, PathAuthToken, q, "", nil)
	if err != nil {
		return Token{}, &refreshError{reason: reasonTransport, err: err}
	}
	if resp.Status != http.StatusOK {
		return Token{}, &refreshError{reason: reasonStatus, err: fmt.Errorf("HTTP %d", resp.Status)}
	}
	if resp.Body.Code != http.StatusOK {
		return Token{}, &refreshError{reason: reasonCode, err: fmt.Errorf("code %d: %s", resp.Body.Code, resp.Body.Message)}
	}

	var td tokenData
	if len(resp.Body.Data) > 0 {
		if err := json.Unmarshal(resp.Body.Data, &td); err != nil {
			return Token{}, &refreshError{reason: reasonNoToken, err: err}
		}
	}
	if strings.TrimSpace(td.Token) == "" {
		return Token{}, &refreshError{reason: reasonNoToken}
	}

	expiry, ok := parseUnix(td.Expiration)
	if !ok || expiry <= now {
		expiry = now + int64(DefaultTokenLifetime/time.Second)
	}
	return Token{Value: td.Token, Expiry: expiry}, nil
}

// parseUnix accepts a JSON number or numeric string.
func parseUnix(raw json.RawMessage) (int64, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f), true
	}
	return 0, false
}
