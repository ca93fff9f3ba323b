package generate

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"sdhost/internal/event"
	fileutil "sdhost/internal/file"
	"sdhost/internal/task"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	eventBuffer = 256

	engineName = "sd-cli"
)

// ErrorKind classifies a failed run.
type ErrorKind string

const (
	ErrorBusy            ErrorKind = "busy"
	ErrorSpawn           ErrorKind = "spawn"
	ErrorRuntime         ErrorKind = "runtime"
	ErrorMissingArtifact ErrorKind = "missing_artifact"
	ErrorConvert         ErrorKind = "convert"
)

// RunError is the reason carried by a Failed event.
type RunError struct {
	Kind    ErrorKind
	Message string
}

func (e *RunError) Error() string { return e.Message }

// PreviewTiming overrides the preview watcher's timings. Zero values keep the defaults.
type PreviewTiming struct {
	Settle     time.Duration
	Interval   time.Duration
	MinSpacing time.Duration
}

// Options configures a Supervisor.
type Options struct {
	ModelsDir  string
	OutputsDir string
	EngineDir  string
	Device     string
	// Executable overrides the <EngineDir>/<Device>/sd-cli layout.
	Executable string
	// FFmpeg converts engine AVI output to MP4. Empty looks for
	// <EngineDir>/ffmpeg/bin/ffmpeg and then ffmpeg on PATH.
	FFmpeg string
	// Env is appended to the inherited environment of the engine.
	Env     []string
	Tasks   *task.Manager
	Preview PreviewTiming
}

// Supervisor runs the engine, one generation at a time.
type Supervisor struct {
	opts  Options
	tasks *task.Manager
}

// NewSupervisor creates a supervisor. A nil Tasks gets a private manager
// whose history lives in memory only.
func NewSupervisor(opts Options) *Supervisor {
	tasks := opts.Tasks
	if tasks == nil {
		tasks = task.NewManagerWithOptions(task.Options{Store: task.NewMemoryStore()})
	}
	if opts.OutputsDir == "" {
		opts.OutputsDir = "outputs"
	}
	return &Supervisor{opts: opts, tasks: tasks}
}

// Executable returns the engine binary path used for new runs.
func (s *Supervisor) Executable() string {
	if s.opts.Executable != "" {
		return s.opts.Executable
	}
	name := engineName
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(s.opts.EngineDir, s.opts.Device, name)
}

// FFmpegPath returns the converter used for video runs, or "" when none is installed.
func (s *Supervisor) FFmpegPath() string {
	if s.opts.FFmpeg != "" {
		return s.opts.FFmpeg
	}
	name := "ffmpeg"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	if bundled := filepath.Join(s.opts.EngineDir, "ffmpeg", "bin", name); s.opts.EngineDir != "" && fileutil.Exists(bundled) {
		return bundled
	}
	if found, err := exec.LookPath("ffmpeg"); err == nil {
		return found
	}
	return ""
}

// Busy reports whether a generation holds the slot.
func (s *Supervisor) Busy() bool {
	return s.tasks.IsBusy(task.KindGenerate)
}

// Cancel requests cancellation of the running generation. It reports false
// when nothing is running.
func (s *Supervisor) Cancel() bool {
	return s.tasks.Cancel(task.KindGenerate)
}

// Start validates req and launches the engine in the background. Invalid
// requests return a *ValidationError. Every other outcome, including a busy
// slot, is reported on the returned run's event stream.
func (s *Supervisor) Start(req Request) (*Run, error) {
	res, err := req.resolve(s.opts.ModelsDir)
	if err != nil {
		return nil, err
	}

	run := newRun()
	lease, err := s.tasks.Acquire(task.KindGenerate, func() { run.Cancel() })
	if err != nil {
		if !errors.Is(err, task.ErrSlotBusy) {
			return nil, err
		}
		run.id = uuid.New().String()
		log.Warn().Str("task_id", run.id).Msg("generation rejected, slot busy")
		run.reject(&RunError{Kind: ErrorBusy, Message: "generation already running"})
		return run, nil
	}
	run.id = lease.ID()

	go s.execute(run, lease, res)
	return run, nil
}

// Run is one accepted generation.
type Run struct {
	id         string
	events     chan event.Event
	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

func newRun() *Run {
	return &Run{
		events:   make(chan event.Event, eventBuffer),
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID returns the run's task id.
func (r *Run) ID() string { return r.id }

// Events yields the run's events and is closed after the terminal one.
// Callers must drain it.
func (r *Run) Events() <-chan event.Event { return r.events }

// Done is closed once the terminal event has been sent.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel requests cancellation. It is idempotent and reports false once the
// run has finished.
func (r *Run) Cancel() bool {
	select {
	case <-r.done:
		return false
	default:
	}
	r.cancelOnce.Do(func() { close(r.cancelCh) })
	return true
}

func (r *Run) reject(err *RunError) {
	r.events <- failedEvent(r.id, err)
	close(r.events)
	close(r.done)
}

func failedEvent(taskID string, err *RunError) event.Event {
	return event.Event{
		TaskID:    taskID,
		Kind:      event.KindFailed,
		Time:      time.Now(),
		Message:   err.Message,
		ErrorKind: string(err.Kind),
	}
}

// Metadata is written next to every completed image.
type Metadata struct {
	TaskID     string    `json:"task_id"`
	MediaType  string    `json:"media_type"`
	Request    Request   `json:"request"`
	Frames     int       `json:"frames,omitempty"`
	FPS        int       `json:"fps,omitempty"`
	Args       []string  `json:"args"`
	CreatedAt  time.Time `json:"created_at"`
	DurationMs int64     `json:"duration_ms"`
	Artifact   string    `json:"artifact"`
}

func metadataPath(artifact string) string {
	return fmt.Sprintf("%s.json", artifact)
}
