package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of an analysis job.
//
// waiting -> active -> {completed | failed}
// delayed -> waiting            (retry backoff)
// active  -> waiting | failed   (stalled worker, until the stall budget runs out)
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is one queued or running unit of analysis work.
type Job struct {
	ID     string `json:"id"`
	Wallet string `json:"wallet"`
	UserID string `json:"user_id,omitempty"`
	// Priority 0 is the normal FIFO tier; lower values run first.
	Priority int   `json:"priority"`
	State    State `json:"state"`

	SubmittedAt int64 `json:"submitted_at"`
	StartedAt   int64 `json:"started_at,omitempty"`
	FinishedAt  int64 `json:"finished_at,omitempty"`

	Attempts      int    `json:"attempts"`
	StalledCount  int    `json:"stalled_count"`
	LastHeartbeat int64  `json:"last_heartbeat,omitempty"`
	FailReason    string `json:"fail_reason,omitempty"`
}

// newJobID derives an id from the wallet fragment and submit time plus a
// random nonce, so two same-millisecond submissions never share an id.
func newJobID(wallet string, submittedAt time.Time) string {
	w := strings.ToLower(strings.TrimSpace(wallet))
	if len(w) > 8 {
		w = w[:8]
	}
	return fmt.Sprintf("%s-%d-%s", w, submittedAt.UnixMilli(), uuid.NewString()[:8])
}
