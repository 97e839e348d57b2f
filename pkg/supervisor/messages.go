package supervisor

import "github.com/PelleKrab/eth-mempool-analysis/pkg/common"

// Chunk lifecycle events
const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventSkipped   = "skipped"
)

// ChunkEvent is published by the Supervisor whenever a chunk changes state.
// Subscribers receive it on <subject>.<event>.
type ChunkEvent struct {
	RunID           string             `json:"run_id"`
	Event           string             `json:"event"`
	Chunk           common.ChunkRecord `json:"chunk"`
	DurationSeconds float64            `json:"duration_seconds,omitempty"`
	ObjectPath      string             `json:"object_path,omitempty"`
	Timestamp       string             `json:"timestamp"`
}

// RunSummary is published once after every chunk has finished
type RunSummary struct {
	RunID     string `json:"run_id"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Rows      int    `json:"rows"`
	Timestamp string `json:"timestamp"`
}
