package lock

import (
	"encoding/json"
	"time"
)

// Status classifies the lock state of a resource at observation time.
type Status int

const (
	// StatusAvailable means no valid lock record exists.
	StatusAvailable Status = iota
	// StatusLocked means a non-expired lock is held.
	StatusLocked
	// StatusExpired means an expired record was found and evicted during
	// this observation. The next observation reports StatusAvailable.
	StatusExpired
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusLocked:
		return "locked"
	case StatusExpired:
		return "expired"
	}
	return "unknown"
}

// Info describes a currently held lock. It is the unit stored in Redis
// and the conflict detail returned to callers so the UI can render
// "locked by X until Y".
type Info struct {
	Resource  string    `json:"resource"`
	OwnerID   string    `json:"owner_id"`
	OwnerName string    `json:"owner_name"`
	SessionID string    `json:"session_id"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease has passed. An expired record is
// treated as absent by every operation.
func (i *Info) Expired() bool {
	return time.Now().After(i.ExpiresAt)
}

func (i *Info) marshal() ([]byte, error) {
	return json.Marshal(i)
}

func unmarshalInfo(data []byte) (*Info, error) {
	var i Info
	if err := json.Unmarshal(data, &i); err != nil {
		return nil, err
	}
	if i.Resource == "" || i.OwnerID == "" {
		return nil, errCorruptRecord
	}
	return &i, nil
}
