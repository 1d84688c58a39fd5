package idempotency

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the stored outcome of one idempotency key.
type Record struct {
	Key           string    `json:"key"`
	Fingerprint   string    `json:"fingerprint"`
	Status        Status    `json:"status"`
	Token         string    `json:"-"`
	Result        []byte    `json:"-"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	ReservedUntil time.Time `json:"reserved_until"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// LivePending reports whether another caller currently owns the key.
func (r Record) LivePending(now time.Time) bool {
	return r.Status == StatusPending && now.Before(r.ReservedUntil)
}

// Expired reports whether the record is past retention and may be treated as absent.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// MarshalJSON exposes the stored result as embedded JSON for admin views.
func (r Record) MarshalJSON() ([]byte, error) {
	type alias Record
	var result json.RawMessage
	if len(r.Result) > 0 {
		result = r.Result
	}
	return json.Marshal(struct {
		alias
		Result json.RawMessage `json:"result,omitempty"`
	}{alias: alias(r), Result: result})
}

// Reservation proves ownership of a pending key. Only the holder of the
// current token can complete or fail the record.
type Reservation struct {
	Key   string
	Token string
}

// ErrorInfo describes why a reserved mutation did not complete.
type ErrorInfo struct {
	Kind    string
	Message string
}

// Options configure record lifetimes.
type Options struct {
	Retention time.Duration
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = 48 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
