package task

import "time"

// Kind is a task category. Each kind owns one slot, so at most one task of a
// kind is active at a time.
type Kind string

const (
	KindGenerate        Kind = "generate"
	KindDownloadWeights Kind = "download:weights"
	KindDownloadEngine  Kind = "download:engine"
)

type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Task struct {
	ID           string     `json:"id"`
	Kind         Kind       `json:"kind"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	DurationMs   int64      `json:"duration_ms,omitempty"`
	Message      string     `json:"message,omitempty"`
	ArtifactPath string     `json:"artifact_path,omitempty"`
}

type Options struct {
	DataDir string
	// Store overrides the history store. Nil uses the file store under DataDir.
	Store TaskStore
}
