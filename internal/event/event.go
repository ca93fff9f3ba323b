package event

import "time"

// Kind tags a generation progress event.
type Kind string

const (
	KindStarted   Kind = "started"
	KindOutput    Kind = "output"
	KindProgress  Kind = "progress"
	KindPreview   Kind = "preview"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindCancelled Kind = "cancelled"
)

// Stream names the pipe an output line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
	// Host marks lines written by sdhost itself rather than the engine.
	Host Stream = "host"
)

// Event is one step of a generation run. Only the fields relevant to Kind are set.
type Event struct {
	TaskID       string    `json:"task_id"`
	Kind         Kind      `json:"kind"`
	Time         time.Time `json:"time"`
	Stream       Stream    `json:"stream,omitempty"`
	Text         string    `json:"text,omitempty"`
	Percent      *int      `json:"percent,omitempty"`
	ImageData    string    `json:"image_data,omitempty"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	DurationMs   int64     `json:"duration_ms,omitempty"`
	Message      string    `json:"message,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
}

// Terminal reports whether e ends its run.
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindCompleted, KindFailed, KindCancelled:
		return true
	default:
		return false
	}
}

// Stage of a download batch.
type Stage string

const (
	StageDownloading Stage = "downloading"
	StageExtracting  Stage = "extracting"
	StageDone        Stage = "done"
	StageError       Stage = "error"
)

// DownloadProgress reports a download batch's position. TotalBytes is -1 when unknown.
type DownloadProgress struct {
	TaskID          string  `json:"task_id"`
	Family          string  `json:"family"`
	Stage           Stage   `json:"stage"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	Speed           float64 `json:"speed"`
	FileName        string  `json:"file_name,omitempty"`
	FileIndex       int     `json:"file_index"`
	FileCount       int     `json:"file_count"`
	Error           string  `json:"error,omitempty"`
	Cancelled       bool    `json:"cancelled,omitempty"`
}

// Terminal reports whether p ends its batch.
func (p DownloadProgress) Terminal() bool {
	return p.Stage == StageDone || p.Stage == StageError
}
