package model

import "time"

// RunStatus represents the lifecycle state of a sync run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunKind distinguishes the pipelines that write to the run log.
type RunKind string

const (
	RunKindHarvestSync   RunKind = "harvest_sync"
	RunKindViewerRefresh RunKind = "viewer_refresh"
)

// SyncRun is one row of the sync_runs log.
type SyncRun struct {
	ID            string     `json:"id"`
	Kind          RunKind    `json:"kind"`
	Status        RunStatus  `json:"status"`
	HarvestStatus string     `json:"harvest_status,omitempty"`
	Harvested     int        `json:"harvested"`
	SuccessCount  int        `json:"success_count"`
	FailCount     int        `json:"fail_count"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// RunResult is what a finished run records in the log.
type RunResult struct {
	HarvestStatus string
	Harvested     int
	SuccessCount  int
	FailCount     int
}

// OutcomeKind classifies what happened to one entry during a sync.
type OutcomeKind string

const (
	OutcomeMatched   OutcomeKind = "matched"
	OutcomeUnmatched OutcomeKind = "unmatched"
	OutcomeFailed    OutcomeKind = "failed"
)

// EntryOutcome records the per-entry result of a sync. Matched and unmatched
// entries both count as successes.
type EntryOutcome struct {
	SteamName  string      `json:"steam"`
	Kind       OutcomeKind `json:"kind"`
	TwitchName string      `json:"twitch,omitempty"`
	Viewers    *int64      `json:"viewers,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// Success reports whether the outcome counts toward the success total.
func (o EntryOutcome) Success() bool {
	return o.Kind != OutcomeFailed
}
