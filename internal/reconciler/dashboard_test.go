package reconciler

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"portalfeed/internal/model"
)

func TestHourStatsPrecedence(t *testing.T) {
	members := []string{
		`{"dt":"2024-06-03 13:30:00","o":1,"h":1,"l":1,"c":1,"vol":1}`,
		`{"dt":"2024-06-03 13:31:00","o":1,"h":1,"l":1,"c":1,"vol":1,"fix":1}`,
		`{"dt":"2024-06-03 13:32:00","o":1,"h":1,"l":1,"c":1,"vol":1,"late":1}`,
		`{"dt":"2024-06-03 13:33:00","empty":1}`,
		`{"dt":"2024-06-03 13:34:00","closed":1}`,
		`{"dt":"2024-06-03 13:35:00","error":2}`,
		`{"dt":"2024-06-03 13:36:00","closed":1,"error":3}`, // error wins
		`not json at all`,
	}
	stats := hourStats(members)

	if stats["ok"] != 1 {
		t.Fatalf("ok = %d", stats["ok"])
	}
	if stats["fix"] != 2 {
		t.Fatalf("fix = %d (fix and late both count as fix)", stats["fix"])
	}
	if stats["empty"] != 1 || stats["closed"] != 1 {
		t.Fatalf("empty = %d closed = %d", stats["empty"], stats["closed"])
	}
	if stats["error"] != 3 {
		t.Fatalf("error = %d (error flag, precedence, parse failure)", stats["error"])
	}
}

func TestDashboardWrite(t *testing.T) {
	now := time.Date(2024, time.June, 3, 13, 40, 0, 0, time.UTC)
	hour := time.Date(2024, time.June, 3, 13, 0, 0, 0, time.UTC)

	fs := newFakeStore()
	key := testInstrument.Key()
	fs.Add(context.Background(), key,
		string(numericBar(hour.Add(30*time.Minute)).Encode()), hour.Add(30*time.Minute).Unix())
	fs.Add(context.Background(), key,
		string(model.NewClosedBar(hour.Add(31*time.Minute)).Encode()), hour.Add(31*time.Minute).Unix())
	fs.Add(context.Background(), key,
		string(model.NewErrorBar(hour.Add(32*time.Minute), 2).Encode()), hour.Add(32*time.Minute).Unix())

	path := filepath.Join(t.TempDir(), "dash.csv")
	d := NewDashboard(fs, []model.Instrument{testInstrument}, path,
		logrus.WithField("component", "test"))
	d.now = func() time.Time { return now }

	if err := d.Write(context.Background()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}

	header := rows[0]
	want := []string{"ticker", "group", "ok", "closed", "error", "fix", "empty"}
	for i := range want {
		if header[i] != want[i] {
			t.Fatalf("header = %v, want %v", header, want)
		}
	}

	// one row per hour over the trailing 120 hours, inclusive of the current
	if got := len(rows) - 1; got != 121 {
		t.Fatalf("rows = %d, want 121", got)
	}

	var found bool
	for _, row := range rows[1:] {
		if row[0] != key {
			t.Fatalf("ticker column = %s", row[0])
		}
		if row[1] != "2024-06-03 13:00:00" {
			continue
		}
		found = true
		if row[2] != "1" || row[3] != "1" || row[4] != "1" || row[5] != "0" || row[6] != "0" {
			t.Fatalf("seeded hour counts = %v", row)
		}
	}
	if !found {
		t.Fatal("seeded hour missing from dashboard")
	}
}

func TestDashboardWriteIsAtomic(t *testing.T) {
	now := time.Date(2024, time.June, 3, 13, 40, 0, 0, time.UTC)

	fs := newFakeStore()
	dir := t.TempDir()
	path := filepath.Join(dir, "dash.csv")
	d := NewDashboard(fs, []model.Instrument{testInstrument}, path,
		logrus.WithField("component", "test"))
	d.now = func() time.Time { return now }

	if err := d.Write(context.Background()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "dash.csv" {
		t.Fatalf("temp file left behind: %v", entries)
	}
}
