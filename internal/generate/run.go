package generate

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"sdhost/internal/event"
	fileutil "sdhost/internal/file"
	"sdhost/internal/guard"
	"sdhost/internal/preview"
	"sdhost/internal/resource"
	"sdhost/internal/task"

	"github.com/rs/zerolog/log"
)

const (
	maxLineSize = 1024 * 1024
	maxTailSize = 64 * 1024
)

var (
	percentPattern = regexp.MustCompile(`(?i)progress[:\s]+(\d{1,3})%`)
	stepPattern    = regexp.MustCompile(`\|\s*(\d+)/(\d+)\s*-`)
)

// outputNames are the file names a run writes, all suffixed with its timestamp.
type outputNames struct {
	prefix    string
	preview   string
	engineExt string
	finalExt  string
	missing   string
}

var (
	imageNames = outputNames{prefix: "generated_", preview: "preview_", engineExt: ".png", finalExt: ".png", missing: "no output image produced"}
	videoNames = outputNames{prefix: "video_", preview: "preview_video_", engineExt: ".avi", finalExt: ".mp4", missing: "no output video produced"}
)

type line struct {
	stream event.Stream
	text   string
}

// outcome is the terminal classification of a run.
type outcome struct {
	status   task.Status
	err      *RunError
	artifact string
}

// execute is the run's logical thread. Everything task-scoped is mutated here.
func (s *Supervisor) execute(run *Run, lease *task.Lease, res resolved) {
	started := time.Now()
	g := guard.New()
	resources := resource.NewRegistry()

	send := func(e event.Event) {
		e.TaskID = run.id
		e.Time = time.Now()
		run.events <- e
	}
	emit := func(e event.Event) { g.Do(func() { send(e) }) }

	finish := func(o outcome) {
		g.Invalidate()
		resources.CleanupAll()

		terminal := event.Event{Kind: event.KindCancelled}
		msg := ""
		switch o.status {
		case task.StatusCompleted:
			terminal = event.Event{Kind: event.KindCompleted, ArtifactPath: o.artifact, DurationMs: time.Since(started).Milliseconds()}
		case task.StatusFailed:
			terminal = event.Event{Kind: event.KindFailed, Message: o.err.Message, ErrorKind: string(o.err.Kind)}
			msg = o.err.Message
		}
		lease.Release(o.status, msg, o.artifact)
		send(terminal)
		close(run.events)
		close(run.done)
	}

	stamp := started.Format("20060102_150405.000")
	stamp = strings.ReplaceAll(stamp, ".", "_")
	names := imageNames
	if res.IsVideo() {
		names = videoNames
	}
	outputsDir, err := filepath.Abs(s.opts.OutputsDir)
	if err == nil {
		err = fileutil.EnsureDir(outputsDir)
	}
	if err != nil {
		finish(outcome{status: task.StatusFailed, err: &RunError{Kind: ErrorSpawn, Message: fmt.Sprintf("prepare output folder: %v", err)}})
		return
	}
	outputPath := filepath.Join(outputsDir, names.prefix+stamp+names.engineExt)
	artifactPath := filepath.Join(outputsDir, names.prefix+stamp+names.finalExt)
	previewPath := filepath.Join(outputsDir, names.preview+stamp+".png")
	args := res.args(outputPath, previewPath)

	select {
	case <-run.cancelCh:
		finish(outcome{status: task.StatusCancelled})
		return
	default:
	}

	cmd, lines, exitCh, err := s.spawn(args)
	if err != nil {
		log.Error().Str("task_id", run.id).Err(err).Msg("engine spawn failed")
		finish(outcome{status: task.StatusFailed, err: &RunError{Kind: ErrorSpawn, Message: err.Error()}})
		return
	}
	lease.SetStatus(task.StatusRunning)
	log.Info().Str("task_id", run.id).Str("exe", cmd.Path).Int("pid", cmd.Process.Pid).Msg("engine started")
	emit(event.Event{Kind: event.KindStarted})

	var previews <-chan string
	if res.PreviewEnabled() {
		w := preview.New(preview.Options{
			Path:       previewPath,
			Guard:      g,
			Settle:     s.opts.Preview.Settle,
			Interval:   s.opts.Preview.Interval,
			MinSpacing: s.opts.Preview.MinSpacing,
		})
		w.Start(context.Background())
		resources.Register(w.Stop, "watcher")
		resources.Register(func() {
			if err := os.Remove(previewPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn().Str("path", previewPath).Err(err).Msg("remove preview failed")
			}
		}, "preview-file")
		previews = w.Updates()
	}

	var stdoutTail, stderrTail tail
	cancelCh := run.cancelCh
	cancelled := false
	convertCtx, stopConvert := context.WithCancel(context.Background())
	defer stopConvert()
	var convertCh chan error
	for {
		select {
		case l := <-lines:
			if l.stream == event.Stderr {
				stderrTail.add(l.text)
			} else {
				stdoutTail.add(l.text)
			}
			emit(event.Event{Kind: event.KindOutput, Stream: l.stream, Text: l.text})
			if pct, ok := parseProgress(l.text); ok {
				emit(event.Event{Kind: event.KindProgress, Percent: &pct})
			}

		case img := <-previews:
			emit(event.Event{Kind: event.KindPreview, ImageData: img})

		case <-cancelCh:
			cancelCh = nil
			cancelled = true
			lease.SetStatus(task.StatusCancelling)
			if convertCh != nil {
				log.Info().Str("task_id", run.id).Msg("cancelling video conversion")
				stopConvert()
				continue
			}
			log.Info().Str("task_id", run.id).Msg("cancelling engine")
			if err := terminate(cmd.Process.Pid); err != nil {
				log.Warn().Str("task_id", run.id).Err(err).Msg("terminate engine failed")
			}

		case waitErr := <-exitCh:
			exitCh = nil
			o := classify(waitErr, cancelled, outputPath, names.missing, stderrTail.String(), stdoutTail.String())
			log.Info().Str("task_id", run.id).Str("status", string(o.status)).Dur("elapsed", time.Since(started)).Msg("engine exited")
			if o.status == task.StatusCompleted && outputPath != artifactPath {
				if cancelled {
					finish(outcome{status: task.StatusCancelled})
					return
				}
				ffmpeg := s.FFmpegPath()
				if ffmpeg == "" {
					finish(outcome{status: task.StatusFailed, err: &RunError{Kind: ErrorConvert, Message: "ffmpeg not found, video left at " + outputPath}})
					return
				}
				emit(event.Event{Kind: event.KindOutput, Stream: event.Host, Text: "converting video (avi -> mp4)"})
				convertCh = make(chan error, 1)
				go func() { convertCh <- s.convert(convertCtx, ffmpeg, outputPath, artifactPath) }()
				continue
			}
			if o.status == task.StatusCompleted {
				s.writeMetadata(run.id, res.Request, args, started, artifactPath)
			}
			finish(o)
			return

		case convErr := <-convertCh:
			if convErr != nil {
				_ = os.Remove(artifactPath)
				if cancelled {
					_ = os.Remove(outputPath)
					finish(outcome{status: task.StatusCancelled})
					return
				}
				log.Warn().Str("task_id", run.id).Err(convErr).Msg("video conversion failed")
				finish(outcome{status: task.StatusFailed, err: &RunError{Kind: ErrorConvert, Message: convErr.Error()}})
				return
			}
			if err := os.Remove(outputPath); err != nil {
				log.Warn().Str("path", outputPath).Err(err).Msg("remove engine video failed")
			}
			s.writeMetadata(run.id, res.Request, args, started, artifactPath)
			finish(outcome{status: task.StatusCompleted, artifact: artifactPath})
			return
		}
	}
}

// spawn starts the engine with its working directory set to the binary's
// folder. lines carries both pipes; exitCh fires once both are drained.
func (s *Supervisor) spawn(args []string) (*exec.Cmd, <-chan line, <-chan error, error) {
	exe := s.Executable()
	if !fileutil.Exists(exe) {
		return nil, nil, nil, fmt.Errorf("engine executable not found: %s", exe)
	}
	cmd := exec.Command(exe, args...) //nolint:gosec // engine path comes from configuration
	cmd.Dir = filepath.Dir(exe)
	cmd.Env = append(os.Environ(), s.opts.Env...)
	configureCommand(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("start engine: %w", err)
	}

	lines := make(chan line)
	exitCh := make(chan error, 1)
	var readers sync.WaitGroup
	readers.Add(2)
	go readLines(stdout, event.Stdout, lines, &readers)
	go readLines(stderr, event.Stderr, lines, &readers)
	go func() {
		readers.Wait()
		exitCh <- cmd.Wait()
	}()
	return cmd, lines, exitCh, nil
}

func readLines(r io.Reader, stream event.Stream, out chan<- line, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	sc.Split(scanLinesOrCR)
	for sc.Scan() {
		text := strings.TrimRight(sc.Text(), " \t")
		if text == "" {
			continue
		}
		out <- line{stream: stream, text: text}
	}
	if err := sc.Err(); err != nil {
		log.Debug().Str("stream", string(stream)).Err(err).Msg("engine output scan stopped")
		_, _ = io.Copy(io.Discard, r)
	}
}

// scanLinesOrCR splits on \n or \r so progress bars redrawn in place
// still arrive line by line.
func scanLinesOrCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// parseProgress extracts a percentage from an engine output line, if any.
func parseProgress(text string) (int, bool) {
	if m := percentPattern.FindStringSubmatch(text); m != nil {
		pct, err := strconv.Atoi(m[1])
		if err != nil || pct > 100 {
			return 0, false
		}
		return pct, true
	}
	if m := stepPattern.FindStringSubmatch(text); m != nil {
		step, err1 := strconv.Atoi(m[1])
		total, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil || total <= 0 || step > total {
			return 0, false
		}
		return step * 100 / total, true
	}
	return 0, false
}

func classify(waitErr error, cancelled bool, artifact, missing, stderr, stdout string) outcome {
	code := 0
	if waitErr != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	if code == 0 && fileutil.Exists(artifact) {
		return outcome{status: task.StatusCompleted, artifact: artifact}
	}
	if cancelled {
		return outcome{status: task.StatusCancelled}
	}
	if code == 0 {
		return outcome{status: task.StatusFailed, err: &RunError{Kind: ErrorMissingArtifact, Message: missing}}
	}

	detail := strings.TrimSpace(stderr)
	if detail == "" {
		detail = strings.TrimSpace(stdout)
	}
	if detail == "" {
		detail = fmt.Sprintf("exit code %d", code)
	}
	return outcome{status: task.StatusFailed, err: &RunError{Kind: ErrorRuntime, Message: "image generation failed: " + detail}}
}

func (s *Supervisor) writeMetadata(taskID string, req Request, args []string, started time.Time, artifact string) {
	meta := Metadata{
		TaskID:     taskID,
		MediaType:  "image",
		Request:    req,
		Args:       args,
		CreatedAt:  started,
		DurationMs: time.Since(started).Milliseconds(),
		Artifact:   artifact,
	}
	if req.IsVideo() {
		meta.MediaType = "video"
		meta.Frames, meta.FPS = req.frames(), req.fps()
	}
	if err := fileutil.WriteJSONAtomic(metadataPath(artifact), meta); err != nil {
		log.Warn().Str("task_id", taskID).Str("path", artifact).Err(err).Msg("write metadata failed")
	}
}

// convert re-encodes the engine's AVI as an H.264 MP4.
func (s *Supervisor) convert(ctx context.Context, ffmpeg, src, dst string) error {
	cmd := exec.CommandContext(ctx, ffmpeg, //nolint:gosec // converter path comes from configuration
		"-i", src, "-c:v", "libx264", "-pix_fmt", "yuv420p", "-y", dst)
	cmd.Env = append(os.Environ(), s.opts.Env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		detail := strings.TrimSpace(string(out))
		if len(detail) > maxTailSize {
			detail = detail[len(detail)-maxTailSize:]
		}
		return fmt.Errorf("video conversion failed: %w: %s", err, detail)
	}
	if !fileutil.Exists(dst) {
		return errors.New("video conversion produced no file")
	}
	return nil
}

// tail keeps the last maxTailSize bytes of a stream.
type tail struct {
	buf []byte
}

func (t *tail) add(text string) {
	t.buf = append(t.buf, text...)
	t.buf = append(t.buf, '\n')
	if over := len(t.buf) - maxTailSize; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

func (t *tail) String() string { return string(t.buf) }
