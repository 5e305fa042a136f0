package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "qlbridge/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// runRetention bounds the audit table per panel.
const runRetention = 1000

// sqlTime sorts lexically in UTC.
const sqlTime = "2006-01-02T15:04:05.000000000Z"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 200}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutToken(ctx context.Context, rec TokenRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.PanelID == "" {
		return nil
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens(panel_id, token, expiry, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(panel_id) DO UPDATE SET token=excluded.token, expiry=excluded.expiry, updated_at=excluded.updated_at`,
		rec.PanelID, rec.Token, rec.Expiry, rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetToken(ctx context.Context, panelID string) (TokenRecord, bool, error) {
	if s == nil || s.db == nil {
		return TokenRecord{}, false, ErrDisabled
	}
	if panelID == "" {
		return TokenRecord{}, false, nil
	}
	rec := TokenRecord{PanelID: panelID}
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT token, expiry, updated_at FROM tokens WHERE panel_id = ?`, panelID,
	).Scan(&rec.Token, &rec.Expiry, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return TokenRecord{}, false, nil
	}
	if err != nil {
		return TokenRecord{}, false, err
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return rec, true, nil
}

func (s *sqliteStore) AppendRun(ctx context.Context, rec RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, at, panel_id, task_id, task, source, actor, ok, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.At.UTC().Format(sqlTime), rec.PanelID, rec.TaskID, nullStr(rec.Task),
		rec.Source, nullStr(rec.Actor), boolInt(rec.OK), rec.TookMS,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.pruneRuns(pctx, rec.PanelID); perr != nil {
			s.log.Debug("run prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, panelID string, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, task_id, task, source, actor, ok, took_ms FROM runs
		 WHERE panel_id = ? ORDER BY at DESC LIMIT ?`, panelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r := RunRecord{PanelID: panelID}
		var at string
		var task, actor sql.NullString
		var ok int
		if err := rows.Scan(&r.ID, &at, &r.TaskID, &task, &r.Source, &actor, &ok, &r.TookMS); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(sqlTime, at)
		r.Task = task.String
		r.Actor = actor.String
		r.OK = ok != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneRuns(ctx context.Context, panelID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE panel_id = ? AND id NOT IN (
			SELECT id FROM runs WHERE panel_id = ? ORDER BY at DESC LIMIT ?)`,
		panelID, panelID, runRetention)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
