package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"sdhost/internal/archive"
	"sdhost/internal/event"
	fileutil "sdhost/internal/file"
	"sdhost/internal/mirror"

	"github.com/rs/zerolog/log"
)

var (
	ErrNoFiles     = errors.New("no files requested")
	ErrInvalidFile = errors.New("invalid file reference")
)

const tempDirName = ".temp"

// FileRef locates one remote file and where it goes under the batch folder.
// Either URL or Repo plus File is set.
type FileRef struct {
	Repo     string `json:"repo,omitempty"`
	File     string `json:"file,omitempty"`
	URL      string `json:"url,omitempty"`
	SavePath string `json:"save_path,omitempty"`
	// Extract marks a zip whose contents are unpacked into ExtractTo.
	Extract   bool   `json:"extract,omitempty"`
	ExtractTo string `json:"extract_to,omitempty"`
}

// Validate checks that f can be located and stays inside the batch folder.
func (f FileRef) Validate() error {
	if f.URL == "" && (f.Repo == "" || f.File == "") {
		return fmt.Errorf("%w: need url or repo and file", ErrInvalidFile)
	}
	for _, rel := range []string{f.SavePath, f.ExtractTo} {
		if rel == "" {
			continue
		}
		cleaned := filepath.Clean(filepath.FromSlash(rel))
		if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: path %q leaves destination", ErrInvalidFile, rel)
		}
	}
	return nil
}

// Name is the file name reported in progress records.
func (f FileRef) Name() string {
	switch {
	case f.SavePath != "":
		return path.Base(filepath.ToSlash(f.SavePath))
	case f.File != "":
		return path.Base(f.File)
	default:
		return path.Base(strings.SplitN(f.URL, "?", 2)[0])
	}
}

// SourceURL resolves the download URL through m.
func (f FileRef) SourceURL(m mirror.Mirror) string {
	if f.URL != "" {
		return m.ProxyURL(f.URL)
	}
	return m.FileURL(f.Repo, f.File)
}

func (f FileRef) destination(destFolder string) string {
	if f.Extract {
		return filepath.Join(destFolder, tempDirName, f.Name())
	}
	rel := f.SavePath
	if rel == "" {
		rel = f.File
		if rel == "" {
			rel = f.Name()
		}
	}
	return filepath.Join(destFolder, filepath.FromSlash(rel))
}

// Batch downloads a list of files one after another.
type Batch struct {
	job    *Job
	family mirror.Family
}

// NewBatch creates a batch runner for family.
func NewBatch(job *Job, family mirror.Family) *Batch {
	return &Batch{job: job, family: family}
}

// Run fetches files in order into destFolder through m, reporting every step
// to emit. The last record is always a done or error record. Files whose
// destination exists are reported as skipped without touching the network.
func (b *Batch) Run(ctx context.Context, files []FileRef, destFolder string, m mirror.Mirror, emit func(event.DownloadProgress)) error {
	count := len(files)
	record := func(stage event.Stage, idx int, name string) event.DownloadProgress {
		return event.DownloadProgress{Family: string(b.family), Stage: stage, FileName: name, FileIndex: idx, FileCount: count, TotalBytes: -1}
	}
	fail := func(idx int, name string, err error) error {
		p := record(event.StageError, idx, name)
		p.Error = err.Error()
		p.Cancelled = errors.Is(err, ErrCancelled)
		emit(p)
		return err
	}

	var fetched int64
	for i, f := range files {
		idx := i + 1
		name := f.Name()
		if ctx.Err() != nil {
			return fail(idx, name, ErrCancelled)
		}

		dest := f.destination(destFolder)
		if !f.Extract && fileutil.Exists(dest) {
			skip := record(event.StageDownloading, idx, name)
			skip.TotalBytes = 0
			emit(skip)
			log.Info().Str("family", string(b.family)).Str("path", dest).Msg("file exists, skipping")
			continue
		}

		n, err := b.fetch(ctx, f, dest, m, idx, record, emit)
		if err != nil {
			log.Warn().Str("family", string(b.family)).Str("file", name).Err(err).Msg("download failed")
			return fail(idx, name, err)
		}
		fetched += n

		if f.Extract {
			if err := b.install(destFolder, dest, f, n, idx, record, emit); err != nil {
				return fail(idx, name, err)
			}
		}
	}

	done := record(event.StageDone, count, "")
	done.DownloadedBytes = fetched
	done.TotalBytes = fetched
	emit(done)
	return nil
}

func (b *Batch) fetch(
	ctx context.Context, f FileRef, dest string, m mirror.Mirror, idx int,
	record func(event.Stage, int, string) event.DownloadProgress, emit func(event.DownloadProgress),
) (int64, error) {
	src := f.SourceURL(m)
	size := b.job.RemoteSize(ctx, src)

	return b.job.Run(ctx, src, dest, func(downloaded, total int64, speed float64) {
		p := record(event.StageDownloading, idx, f.Name())
		p.DownloadedBytes = downloaded
		p.TotalBytes = size
		if total > 0 {
			p.TotalBytes = total
		}
		p.Speed = speed
		emit(p)
	})
}

// install unpacks a downloaded engine archive and always removes the temp dir.
func (b *Batch) install(
	destFolder, zipPath string, f FileRef, size int64, idx int,
	record func(event.Stage, int, string) event.DownloadProgress, emit func(event.DownloadProgress),
) error {
	tempDir := filepath.Join(destFolder, tempDirName)
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			log.Warn().Str("path", tempDir).Err(err).Msg("remove temp dir failed")
		}
	}()

	p := record(event.StageExtracting, idx, f.Name())
	p.DownloadedBytes = size
	p.TotalBytes = size
	emit(p)

	target := filepath.Join(destFolder, filepath.FromSlash(f.ExtractTo))
	if _, err := archive.Extract(zipPath, target); err != nil {
		return fmt.Errorf("extract %s: %w", f.Name(), err)
	}
	return nil
}
