package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"sdhost/internal/event"
	"sdhost/internal/mirror"
	"sdhost/internal/task"

	"github.com/rs/zerolog/log"
)

const progressBuffer = 64

// Service runs batches of one family. A new batch supersedes an active one
// of the same family.
type Service struct {
	family  mirror.Family
	kind    task.Kind
	mirrors *mirror.Registry
	batch   *Batch
	tasks   *task.Manager
}

// NewService wires a per-family download service.
func NewService(mirrors *mirror.Registry, job *Job, tasks *task.Manager) *Service {
	kind := task.KindDownloadWeights
	if mirrors.Family() == mirror.Engine {
		kind = task.KindDownloadEngine
	}
	return &Service{
		family:  mirrors.Family(),
		kind:    kind,
		mirrors: mirrors,
		batch:   NewBatch(job, mirrors.Family()),
		tasks:   tasks,
	}
}

// Family returns the family served.
func (s *Service) Family() mirror.Family { return s.family }

// Mirrors returns the family's mirror registry.
func (s *Service) Mirrors() *mirror.Registry { return s.mirrors }

// Run is one accepted batch.
type Run struct {
	id     string
	events chan event.DownloadProgress
	lease  *task.Lease
}

// ID returns the batch's task id.
func (r *Run) ID() string { return r.id }

// Events yields the batch's progress records and is closed after the terminal
// one. Callers must drain it.
func (r *Run) Events() <-chan event.DownloadProgress { return r.events }

// Done is closed when the batch released its slot.
func (r *Run) Done() <-chan struct{} { return r.lease.Done() }

// Start validates the request and launches the batch in the background.
// ctx only bounds waiting for a superseded batch to stop.
func (s *Service) Start(ctx context.Context, files []FileRef, destFolder, mirrorID string) (*Run, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	if destFolder == "" {
		return nil, fmt.Errorf("%w: empty destination folder", ErrInvalidFile)
	}
	for _, f := range files {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	m, err := s.mirrors.Resolve(mirrorID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(s.tasks.BaseContext())
	lease, err := s.tasks.Takeover(ctx, s.kind, cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	lease.SetStatus(task.StatusRunning)

	run := &Run{id: lease.ID(), events: make(chan event.DownloadProgress, progressBuffer), lease: lease}
	log.Info().Str("task_id", run.id).Str("family", string(s.family)).Str("mirror_id", m.ID).Int("files", len(files)).Msg("download batch started")

	go func() {
		defer cancel()
		defer close(run.events)
		runErr := s.batch.Run(runCtx, files, destFolder, m, func(p event.DownloadProgress) {
			p.TaskID = run.id
			run.events <- p
		})
		switch {
		case runErr == nil:
			lease.Release(task.StatusCompleted, "", destFolder)
		case errors.Is(runErr, ErrCancelled):
			lease.Release(task.StatusCancelled, runErr.Error(), "")
		default:
			lease.Release(task.StatusFailed, runErr.Error(), "")
		}
	}()
	return run, nil
}

// Cancel stops the family's active batch. It reports false when none is running.
func (s *Service) Cancel() bool {
	return s.tasks.Cancel(s.kind)
}

// FileStatus reports whether one requested file is already installed.
type FileStatus struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Size   int64  `json:"size"`
}

// CheckFiles reports which of files already exist under destFolder without
// touching the network. Archives count as installed once their extraction
// folder exists.
func (s *Service) CheckFiles(files []FileRef, destFolder string) ([]FileStatus, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	if destFolder == "" {
		return nil, fmt.Errorf("%w: empty destination folder", ErrInvalidFile)
	}
	out := make([]FileStatus, 0, len(files))
	for _, f := range files {
		if err := f.Validate(); err != nil {
			return nil, err
		}
		p := f.destination(destFolder)
		if f.Extract {
			p = filepath.Join(destFolder, filepath.FromSlash(f.ExtractTo))
		}
		st := FileStatus{Name: f.Name(), Path: p}
		info, err := os.Stat(p)
		switch {
		case err == nil:
			st.Exists = true
			if !info.IsDir() {
				st.Size = info.Size()
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		out = append(out, st)
	}
	return out, nil
}
