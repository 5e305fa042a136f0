package qinglong

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCannotConnect reports a transport failure or a non-200 HTTP status.
	ErrCannotConnect = errors.New("cannot connect to panel")
	// ErrInvalidAuth reports that the panel rejected the client credentials.
	ErrInvalidAuth = errors.New("invalid client credentials")
)

// ValidateCredentials performs a single token exchange on a throwaway session.
// The returned error wraps ErrCannotConnect or ErrInvalidAuth.
func ValidateCredentials(ctx context.Context, cfg Config, opts ...Option) (Token, error) {
	o := buildOptions(opts)
	tr := newTransport(cfg, o)
	defer tr.close()

	tok, err := exchangeToken(ctx, tr, cfg.ClientID, cfg.ClientSecret, o.now().Unix())
	if err == nil {
		return tok, nil
	}
	switch failureReason(err) {
	case reasonCode, reasonNoToken:
		return Token{}, fmt.Errorf("%w: %v", ErrInvalidAuth, err)
	default:
		return Token{}, fmt.Errorf("%w: %v", ErrCannotConnect, err)
	}
}
