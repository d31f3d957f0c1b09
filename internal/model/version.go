package model

import (
	"fmt"
	"time"
)

// Timestamp is a point in time with nanosecond precision. Document versions, read times and
// snapshot versions are all Timestamps.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

// MinVersion sorts before every real version.
var MinVersion = Timestamp{}

// TimestampFromTime converts a time.Time.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// Now returns the current wall-clock time as a Timestamp.
func Now() Timestamp { return TimestampFromTime(time.Now()) }

func (t Timestamp) Time() time.Time { return time.Unix(t.Seconds, int64(t.Nanos)).UTC() }

func (t Timestamp) IsZero() bool { return t.Seconds == 0 && t.Nanos == 0 }

func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Seconds < other.Seconds:
		return -1
	case t.Seconds > other.Seconds:
		return 1
	case t.Nanos < other.Nanos:
		return -1
	case t.Nanos > other.Nanos:
		return 1
	}
	return 0
}

func (t Timestamp) Before(other Timestamp) bool { return t.Compare(other) < 0 }
func (t Timestamp) After(other Timestamp) bool  { return t.Compare(other) > 0 }

// Micros is the timestamp in microseconds since the epoch.
func (t Timestamp) Micros() int64 { return t.Seconds*1e6 + int64(t.Nanos)/1e3 }

// Add returns t shifted by d.
func (t Timestamp) Add(d time.Duration) Timestamp { return TimestampFromTime(t.Time().Add(d)) }

func (t Timestamp) String() string {
	return fmt.Sprintf("time(%d,%d)", t.Seconds, t.Nanos)
}

// MaxTimestamp returns the larger of two timestamps.
func MaxTimestamp(a, b Timestamp) Timestamp {
	if a.Before(b) {
		return b
	}
	return a
}
