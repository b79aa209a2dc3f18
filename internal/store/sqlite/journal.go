// Package sqlite keeps a local journal of reconciliation outcomes: one row
// per (instrument, target minute) pass. The journal is an operator aid for
// digging into past gaps; nothing reads it back at runtime.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sirupsen/logrus"
)

// Journal is a single-writer sqlite log.
type Journal struct {
	db  *sql.DB
	log *logrus.Entry
}

// PassRecord is one reconciliation outcome.
type PassRecord struct {
	Key       string // "<symbol>.<exchange>:TRADES"
	TargetTS  int64  // target minute, seconds UTC
	Done      bool
	ErrorCode int // 0, 2 (deadline) or 3 (rollover)
	Duration  time.Duration
}

// Open creates or opens the journal database at path.
func Open(path string, log *logrus.Entry) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS reconcile_log (
			key        TEXT    NOT NULL,
			target_ts  INTEGER NOT NULL,
			done       INTEGER NOT NULL,
			error_code INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_reconcile_key_ts ON reconcile_log (key, target_ts);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}

	log.WithField("path", path).Info("reconciliation journal opened")
	return &Journal{db: db, log: log}, nil
}

// Record appends one pass outcome. Failures are logged, not propagated: the
// journal must never stall reconciliation.
func (j *Journal) Record(rec PassRecord) {
	if j == nil {
		return
	}
	done := 0
	if rec.Done {
		done = 1
	}
	_, err := j.db.Exec(
		`INSERT INTO reconcile_log (key, target_ts, done, error_code, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Key, rec.TargetTS, done, rec.ErrorCode,
		rec.Duration.Milliseconds(), time.Now().Unix(),
	)
	if err != nil {
		j.log.WithError(err).Warn("journal insert failed")
	}
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}
