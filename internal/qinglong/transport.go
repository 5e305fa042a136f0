package qinglong

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const maxResponseBytes = 8 << 20

// envelope is the common response wrapper of the panel open API.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// response carries the HTTP status and, for 200 responses, the decoded envelope.
type response struct {
	Status int
	Body   envelope
}

// transport issues bounded GET/PUT calls against one panel.
//
// The underlying *http.Client is created lazily on first use and reused until
// close(); a client injected with WithHTTPClient is used as-is.
type transport struct {
	baseURL  string
	timeout  time.Duration
	insecure bool

	mu     sync.Mutex
	hc     *http.Client
	shared bool
}

func newTransport(cfg Config, o *options) *transport {
	t := &transport{
		baseURL:  cfg.BaseURL(),
		timeout:  o.timeout,
		insecure: cfg.InsecureSkipVerify,
	}
	if o.hc != nil {
		t.hc = o.hc
		t.shared = true
	}
	return t
}

func (t *transport) client() *http.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if t.insecure {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed panels
		}
		t.hc = &http.Client{Transport: tr}
	}
	return t.hc
}

// close releases idle connections. The next call recreates the session.
func (t *transport) close() {
	t.mu.Lock()
	hc := t.hc
	if !t.shared {
		t.hc = nil
	}
	t.mu.Unlock()
	if hc != nil {
		hc.CloseIdleConnections()
	}
}

// do performs one request. A non-nil error means transport or decode failure;
// non-200 statuses are returned without decoding the body.
func (t *transport) do(ctx context.Context, method, path string, query url.Values, bearer string, body any) (response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	u := t.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return response{}, fmt.Errorf("encode body: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := t.client().Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	out := response{Status: resp.StatusCode}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return out, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return out, fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(raw, &out.Body); err != nil {
		return out, fmt.Errorf("decode body: %w", err)
	}
	return out, nil
}
