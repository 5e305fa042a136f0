package storage

import (
	"context"
	"errors"
	"strings"

	logx "qlbridge/pkg/logx"
)

// Store is the persistence API used by the registry.
type Store interface {
	PutToken(ctx context.Context, rec TokenRecord) error
	GetToken(ctx context.Context, panelID string) (TokenRecord, bool, error)
	AppendRun(ctx context.Context, rec RunRecord) error
	// RecentRuns returns up to limit runs for panelID, newest first.
	RecentRuns(ctx context.Context, panelID string, limit int) ([]RunRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
