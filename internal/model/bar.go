package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// WallFormat is the wall-clock layout used for the "dt" field of bars and
// ticks. Always UTC.
const WallFormat = "2006-01-02 15:04:05"

// Error codes carried by the "error" flag of a bar.
const (
	ErrCodeDeadline = 2 // per-instrument deadline exceeded while fetching
	ErrCodeRollover = 3 // minute rolled over while fetching
)

// Bar is a minute-aligned OHLCV record with status flags. All fields except
// dt are optional; a stored record carries at most one status flag, except
// fix/late which qualify a numeric bar. The struct field order fixes the JSON
// member order, so encode∘decode of a stored member is byte-identical.
type Bar struct {
	DT     string   `json:"dt"`
	O      *float64 `json:"o,omitempty"`
	H      *float64 `json:"h,omitempty"`
	L      *float64 `json:"l,omitempty"`
	C      *float64 `json:"c,omitempty"`
	Vol    *float64 `json:"vol,omitempty"`
	Empty  int      `json:"empty,omitempty"`
	Closed int      `json:"closed,omitempty"`
	Error  int      `json:"error,omitempty"`
	Fix    int      `json:"fix,omitempty"`
	Late   int      `json:"late,omitempty"`
	Avg    *float64 `json:"avg,omitempty"`
	Cnt    *float64 `json:"cnt,omitempty"`
	RTH    int      `json:"rth,omitempty"`
}

// BarMessage is a Bar as published on the ":BARS" channel, annotated with the
// instrument it belongs to.
type BarMessage struct {
	Bar
	Conid  int64  `json:"conid"`
	Symbol string `json:"symbol"`
}

// Encode returns the JSON payload published on the ":BARS" channel.
func (m *BarMessage) Encode() []byte {
	out, _ := json.Marshal(m)
	return out
}

// NewClosedBar returns a market-closed marker for the given minute.
func NewClosedBar(dt time.Time) *Bar {
	return &Bar{DT: FormatWall(dt), Closed: 1}
}

// NewEmptyBar returns an open-but-no-trades marker for the given minute.
func NewEmptyBar(dt time.Time) *Bar {
	return &Bar{DT: FormatWall(dt), Empty: 1}
}

// NewErrorBar returns an error marker for the given minute.
func NewErrorBar(dt time.Time, code int) *Bar {
	return &Bar{DT: FormatWall(dt), Error: code}
}

// Encode returns the compact JSON member string for this bar.
func (b *Bar) Encode() []byte {
	out, _ := json.Marshal(b)
	return out
}

// DecodeBar parses a stored sorted-set member back into a Bar.
func DecodeBar(data []byte) (*Bar, error) {
	var b Bar
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Time parses the bar's wall-clock string. Returns the zero time if dt is
// malformed.
func (b *Bar) Time() time.Time {
	t, _ := ParseWall(b.DT)
	return t
}

// Stripped returns a copy with the transient qualifiers (late, fix, avg, cnt,
// rth) removed. Comparison for fix-detection happens on stripped bars only.
func (b Bar) Stripped() Bar {
	b.Late = 0
	b.Fix = 0
	b.Avg = nil
	b.Cnt = nil
	b.RTH = 0
	return b
}

// Equal reports whether two bars encode to the same member string.
func (b *Bar) Equal(other *Bar) bool {
	if b == nil || other == nil {
		return b == other
	}
	return bytes.Equal(b.Encode(), other.Encode())
}

// FormatWall renders t in the wall-clock layout, in UTC.
func FormatWall(t time.Time) string {
	return t.UTC().Format(WallFormat)
}

// ParseWall parses a wall-clock string as UTC.
func ParseWall(s string) (time.Time, error) {
	return time.ParseInLocation(WallFormat, s, time.UTC)
}

// Float returns a pointer to v, for filling optional numeric bar fields.
func Float(v float64) *float64 { return &v }
