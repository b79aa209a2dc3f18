package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestJournalRecordRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, logrus.WithField("component", "test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	j.Record(PassRecord{
		Key:      "AAPL.NASDAQ:TRADES",
		TargetTS: 1717421400,
		Done:     true,
		Duration: 1500 * time.Millisecond,
	})
	j.Record(PassRecord{
		Key:       "ES.GLOBEX:TRADES",
		TargetTS:  1717421400,
		ErrorCode: 2,
		Duration:  10 * time.Second,
	})

	var rows int
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM reconcile_log`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 2 {
		t.Fatalf("rows = %d, want 2", rows)
	}

	var done, code, durMS int
	err = j.db.QueryRow(
		`SELECT done, error_code, duration_ms FROM reconcile_log WHERE key = ?`,
		"ES.GLOBEX:TRADES").Scan(&done, &code, &durMS)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if done != 0 || code != 2 || durMS != 10000 {
		t.Fatalf("row = done=%d code=%d dur=%d", done, code, durMS)
	}
}

func TestJournalNilSafe(t *testing.T) {
	var j *Journal
	j.Record(PassRecord{Key: "X", TargetTS: 1})
	if err := j.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
