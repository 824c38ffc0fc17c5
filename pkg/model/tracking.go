package model

import "time"

// Window is one of the rolling rate-limit buckets.
type Window int

const (
	WindowMinute Window = iota
	WindowHour
	WindowDay
)

func (w Window) String() string {
	switch w {
	case WindowMinute:
		return "minute"
	case WindowHour:
		return "hour"
	case WindowDay:
		return "day"
	default:
		return "unknown"
	}
}

// Seconds returns the bucket width.
func (w Window) Seconds() int64 {
	switch w {
	case WindowHour:
		return 3600
	case WindowDay:
		return 86400
	default:
		return 60
	}
}

// Bucket returns the epoch bucket number t falls into.
func (w Window) Bucket(t time.Time) int64 {
	return t.Unix() / w.Seconds()
}

// TrafficKind distinguishes the two kinds of tracked activity.
type TrafficKind int

const (
	TrafficEmail TrafficKind = iota
	TrafficConnection
)

func (k TrafficKind) String() string {
	if k == TrafficConnection {
		return "connection"
	}
	return "email"
}

// Windows returns the buckets checked for k, in ascending severity order.
func (k TrafficKind) Windows() []Window {
	if k == TrafficConnection {
		return []Window{WindowMinute, WindowHour}
	}
	return []Window{WindowMinute, WindowHour, WindowDay}
}

// IPTrackingRecord holds the rolling counters for one IP. A counter is only
// meaningful for the bucket stored in its window's LastReset marker.
type IPTrackingRecord struct {
	IP string `json:"ip"`

	EmailCountMinute      int `json:"email_count_minute"`
	EmailCountHour        int `json:"email_count_hour"`
	EmailCountDay         int `json:"email_count_day"`
	ConnectionCountMinute int `json:"connection_count_minute"`
	ConnectionCountHour   int `json:"connection_count_hour"`

	LastResetMinute int64 `json:"last_reset_minute"`
	LastResetHour   int64 `json:"last_reset_hour"`
	LastResetDay    int64 `json:"last_reset_day"`

	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	ViolationCount int       `json:"violation_count"`
	BanCount       int       `json:"ban_count"`
}

// NewIPTrackingRecord returns an empty record whose markers point at the
// buckets containing now.
func NewIPTrackingRecord(ip string, now time.Time) *IPTrackingRecord {
	return &IPTrackingRecord{
		IP:              ip,
		LastResetMinute: WindowMinute.Bucket(now),
		LastResetHour:   WindowHour.Bucket(now),
		LastResetDay:    WindowDay.Bucket(now),
		FirstSeen:       now,
		LastSeen:        now,
	}
}

// Roll zeroes every counter whose bucket has elapsed and advances the
// marker. Email and connection counters share a marker, so both are reset
// together. Returns true if anything changed.
func (r *IPTrackingRecord) Roll(now time.Time) bool {
	changed := false
	if b := WindowMinute.Bucket(now); b != r.LastResetMinute {
		r.EmailCountMinute, r.ConnectionCountMinute = 0, 0
		r.LastResetMinute = b
		changed = true
	}
	if b := WindowHour.Bucket(now); b != r.LastResetHour {
		r.EmailCountHour, r.ConnectionCountHour = 0, 0
		r.LastResetHour = b
		changed = true
	}
	if b := WindowDay.Bucket(now); b != r.LastResetDay {
		r.EmailCountDay = 0
		r.LastResetDay = b
		changed = true
	}
	return changed
}

// Increment bumps every counter of kind by one.
func (r *IPTrackingRecord) Increment(kind TrafficKind) {
	if kind == TrafficConnection {
		r.ConnectionCountMinute++
		r.ConnectionCountHour++
		return
	}
	r.EmailCountMinute++
	r.EmailCountHour++
	r.EmailCountDay++
}

// Count returns the counter of kind for w. Connections have no daily counter.
func (r *IPTrackingRecord) Count(kind TrafficKind, w Window) int {
	if kind == TrafficConnection {
		switch w {
		case WindowMinute:
			return r.ConnectionCountMinute
		case WindowHour:
			return r.ConnectionCountHour
		default:
			return 0
		}
	}
	switch w {
	case WindowMinute:
		return r.EmailCountMinute
	case WindowHour:
		return r.EmailCountHour
	default:
		return r.EmailCountDay
	}
}
