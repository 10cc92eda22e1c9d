package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// Queue priority levels. Larger values admit sooner.
const (
	PriorityP0 = 30
	PriorityP1 = 20
	PriorityP2 = 10
	PriorityP3 = 0
)

// Priority is the admission priority of a queued run. It accepts either the
// symbolic level names ("P0".."P3") or a raw integer in JSON.
type Priority int

// UnmarshalJSON implements json.Unmarshaler.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Priority(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be an integer or a level name: %s", string(data))
	}
	switch s {
	case "P0", "p0":
		*p = PriorityP0
	case "P1", "p1":
		*p = PriorityP1
	case "P2", "p2":
		*p = PriorityP2
	case "P3", "p3", "":
		*p = PriorityP3
	default:
		return fmt.Errorf("unknown priority level %q", s)
	}
	return nil
}

// QueueEntry is the durable admission record of a run. It outlives the run
// until the run settles.
type QueueEntry struct {
	RunID          string          `json:"run_id"`
	Status         QueueStatus     `json:"status"`
	Priority       int             `json:"priority"`
	ManualRank     *int            `json:"manual_rank,omitempty"`
	ClaimOwner     string          `json:"claim_owner,omitempty"`
	ClaimToken     string          `json:"claim_token,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	Attempt        int             `json:"attempt"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}
