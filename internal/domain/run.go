package domain

import "time"

// RunStatus is the terminal classification of one ingestion run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// RunStage tracks where a run currently is. Stages advance monotonically;
// the value is informational (logged and persisted), not a lock.
type RunStage string

const (
	StageScheduled   RunStage = "scheduled"
	StageFetching    RunStage = "fetching"
	StageNormalizing RunStage = "normalizing"
	StageDeduping    RunStage = "deduping"
	StageDelivering  RunStage = "delivering"
	StageDone        RunStage = "done"
)

// SourceFailure summarizes one source's terminal failure within a run.
type SourceFailure struct {
	SourceID string `json:"source_id"`
	Reason   string `json:"reason"`
}

// ScrapeRun is the record of one execution. Created at run start, mutated
// by the coordinator as stages complete, immutable once FinishedAt is set.
type ScrapeRun struct {
	RunID              string
	JobName            string
	StartedAt          time.Time
	FinishedAt         time.Time
	Stage              RunStage
	Status             RunStatus
	SourcesAttempted   int
	SourcesFailed      []SourceFailure
	ArticlesFetched    int
	ArticlesRejected   int
	ArticlesDedupedOut int
	ArticlesDelivered  int
	BatchesFailed      int
}
