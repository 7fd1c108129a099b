package schemas

import "time"

// RunStatus records the outcome of a feed's most recent cycle.
type RunStatus string

const (
	RunStatusNever   RunStatus = "never"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// FeedState is the persisted bookkeeping of one registered feed. The
// watermark is the timestamp of the newest record successfully processed;
// it only ever moves forward.
type FeedState struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Frequency   time.Duration `json:"frequency"`
	Watermark   time.Time     `json:"watermark"`
	LastRun     time.Time     `json:"last_run"`
	LastStatus  RunStatus     `json:"last_status"`
	LastError   string        `json:"last_error,omitempty"`
}

// Due reports whether the feed should run at now.
func (s FeedState) Due(now time.Time) bool {
	if s.LastRun.IsZero() {
		return true
	}
	return now.Sub(s.LastRun) >= s.Frequency
}
