package generate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sdhost/internal/event"
	fileutil "sdhost/internal/file"
	"sdhost/internal/task"
)

const fakeEngineEnv = "SDHOST_FAKE_ENGINE"

// TestMain lets the test binary double as the engine.
func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeEngineEnv); mode != "" {
		os.Exit(fakeEngine(mode, os.Args[1:]))
	}
	os.Exit(m.Run())
}

func fakeEngine(mode string, args []string) int {
	flag := func(name string) string {
		for i := 0; i < len(args)-1; i++ {
			if args[i] == name {
				return args[i+1]
			}
		}
		return ""
	}
	if flag("-c:v") != "" {
		return fakeFFmpeg(mode, flag("-i"), args[len(args)-1])
	}
	output := flag("--output")

	switch mode {
	case "ok":
		fmt.Println("loading model")
		fmt.Print("  |=====>     | 1/4 - 0.50s/it\r")
		fmt.Println("progress: 50%")
		fmt.Fprintln(os.Stderr, "warning: slow backend")
		if err := os.WriteFile(output, []byte("png"), 0o644); err != nil {
			return 3
		}
		return 0
	case "preview":
		p := flag("--preview-path")
		for i := 0; i < 3; i++ {
			_ = os.WriteFile(p, []byte(strings.Repeat("p", i+1)), 0o644)
			time.Sleep(150 * time.Millisecond)
		}
		_ = os.WriteFile(output, []byte("png"), 0o644)
		return 0
	case "fail":
		fmt.Println("loading model")
		fmt.Fprintln(os.Stderr, "failed to load model")
		return 1
	case "video", "video-badconvert", "video-slowconvert":
		fmt.Println("sampling video frames")
		if err := os.WriteFile(output, []byte("avi"), 0o644); err != nil {
			return 3
		}
		return 0
	case "silent-fail":
		return 2
	case "noartifact":
		fmt.Println("done")
		return 0
	case "hang":
		fmt.Println("ready")
		time.Sleep(30 * time.Second)
		return 0
	}
	return 9
}

// fakeFFmpeg stands in for the converter when the test binary is called with -c:v.
func fakeFFmpeg(mode, src, dst string) int {
	switch mode {
	case "video-badconvert":
		fmt.Fprintln(os.Stderr, "Unknown encoder 'libx264'")
		return 1
	case "video-slowconvert":
		time.Sleep(30 * time.Second)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return 4
	}
	if err := os.WriteFile(dst, append([]byte("mp4:"), data...), 0o644); err != nil {
		return 5
	}
	return 0
}

type fixture struct {
	sup       *Supervisor
	tasks     *task.Manager
	modelsDir string
	outputs   string
}

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	root := t.TempDir()
	models := filepath.Join(root, "models")
	if err := fileutil.EnsureDir(models); err != nil {
		t.Fatalf("models dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(models, "model.gguf"), []byte("m"), 0o644); err != nil {
		t.Fatalf("model: %v", err)
	}
	tasks := task.NewManagerWithOptions(task.Options{DataDir: filepath.Join(root, "data")})
	outputs := filepath.Join(root, "outputs")
	sup := NewSupervisor(Options{
		ModelsDir:  models,
		OutputsDir: outputs,
		Executable: exe,
		FFmpeg:     exe,
		Env:        []string{fakeEngineEnv + "=" + mode},
		Tasks:      tasks,
		Preview: PreviewTiming{
			Settle:     20 * time.Millisecond,
			Interval:   20 * time.Millisecond,
			MinSpacing: 20 * time.Millisecond,
		},
	})
	return &fixture{sup: sup, tasks: tasks, modelsDir: models, outputs: outputs}
}

func basicRequest() Request {
	return Request{DiffusionModel: "model.gguf", Prompt: "a cat"}
}

func drain(t *testing.T, run *Run) []event.Event {
	t.Helper()
	var events []event.Event
	timeout := time.After(20 * time.Second)
	for {
		select {
		case e, ok := <-run.Events():
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timeout:
			t.Fatalf("run did not finish, events so far: %+v", events)
		}
	}
}

func assertSingleTerminal(t *testing.T, events []event.Event) event.Event {
	t.Helper()
	if len(events) == 0 {
		t.Fatalf("no events")
	}
	for i, e := range events {
		if e.Terminal() && i != len(events)-1 {
			t.Fatalf("terminal event %s at %d is not last", e.Kind, i)
		}
	}
	last := events[len(events)-1]
	if !last.Terminal() {
		t.Fatalf("last event %s is not terminal", last.Kind)
	}
	return last
}

func TestStartCompletes(t *testing.T) {
	f := newFixture(t, "ok")
	run, err := f.sup.Start(basicRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events := drain(t, run)
	last := assertSingleTerminal(t, events)
	if last.Kind != event.KindCompleted {
		t.Fatalf("expected completed, got %+v", last)
	}
	if events[0].Kind != event.KindStarted {
		t.Fatalf("expected started first, got %s", events[0].Kind)
	}
	if !fileutil.Exists(last.ArtifactPath) || !strings.HasPrefix(filepath.Base(last.ArtifactPath), "generated_") {
		t.Fatalf("unexpected artifact %q", last.ArtifactPath)
	}

	var meta Metadata
	if err := fileutil.ReadJSON(metadataPath(last.ArtifactPath), &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.TaskID != run.ID() || meta.Request.Prompt != "a cat" {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	var sawStderr bool
	var percents []int
	for _, e := range events {
		if e.Kind == event.KindOutput && e.Stream == event.Stderr && e.Text == "warning: slow backend" {
			sawStderr = true
		}
		if e.Kind == event.KindProgress {
			percents = append(percents, *e.Percent)
		}
	}
	if !sawStderr {
		t.Fatalf("stderr line not forwarded")
	}
	if len(percents) != 2 || percents[0] != 25 || percents[1] != 50 {
		t.Fatalf("unexpected progress %v", percents)
	}

	<-run.Done()
	if f.sup.Busy() {
		t.Fatalf("slot must be free after completion")
	}
	tk, ok := f.tasks.GetTask(run.ID())
	if !ok || tk.Status != task.StatusCompleted || tk.ArtifactPath != last.ArtifactPath {
		t.Fatalf("unexpected task record %+v", tk)
	}
	if run.Cancel() {
		t.Fatalf("cancel after completion must report false")
	}
}

func TestStartFailures(t *testing.T) {
	cases := []struct {
		mode    string
		kind    ErrorKind
		message string
	}{
		{"fail", ErrorRuntime, "image generation failed: failed to load model"},
		{"silent-fail", ErrorRuntime, "image generation failed: exit code 2"},
		{"noartifact", ErrorMissingArtifact, "no output image produced"},
	}
	for _, tc := range cases {
		t.Run(tc.mode, func(t *testing.T) {
			f := newFixture(t, tc.mode)
			run, err := f.sup.Start(basicRequest())
			if err != nil {
				t.Fatalf("start: %v", err)
			}
			last := assertSingleTerminal(t, drain(t, run))
			if last.Kind != event.KindFailed || last.ErrorKind != string(tc.kind) || last.Message != tc.message {
				t.Fatalf("unexpected terminal %+v", last)
			}
			tk, _ := f.tasks.GetTask(run.ID())
			if tk.Status != task.StatusFailed {
				t.Fatalf("unexpected task status %s", tk.Status)
			}
		})
	}
}

func TestMissingExecutableIsSpawnFailure(t *testing.T) {
	f := newFixture(t, "ok")
	f.sup.opts.Executable = filepath.Join(t.TempDir(), "nope", "sd-cli")
	run, err := f.sup.Start(basicRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events := drain(t, run)
	if len(events) != 1 || events[0].Kind != event.KindFailed || events[0].ErrorKind != string(ErrorSpawn) {
		t.Fatalf("expected a single spawn failure, got %+v", events)
	}
}

func TestDefaultTaskManagerWritesNothing(t *testing.T) {
	root := t.TempDir()
	t.Chdir(root)
	models := filepath.Join(root, "models")
	if err := fileutil.EnsureDir(models); err != nil {
		t.Fatalf("models dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(models, "model.gguf"), []byte("m"), 0o644); err != nil {
		t.Fatalf("model: %v", err)
	}
	sup := NewSupervisor(Options{
		ModelsDir:  models,
		OutputsDir: filepath.Join(root, "outputs"),
		Executable: filepath.Join(root, "missing-sd-cli"),
	})
	run, err := sup.Start(basicRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	drain(t, run)
	if _, err := os.Stat(filepath.Join(root, "data")); !os.IsNotExist(err) {
		t.Fatalf("history must stay in memory, stat data dir: %v", err)
	}
	if tk, ok := sup.tasks.GetTask(run.ID()); !ok || tk.Status != task.StatusFailed {
		t.Fatalf("expected failed task in memory, got %+v", tk)
	}
}

func videoRequest() Request {
	return Request{TaskType: TaskVideo, DiffusionModel: "model.gguf", Prompt: "a wave", FPS: 12}
}

func TestVideoRunConvertsToMP4(t *testing.T) {
	f := newFixture(t, "video")
	run, err := f.sup.Start(videoRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events := drain(t, run)
	last := assertSingleTerminal(t, events)
	if last.Kind != event.KindCompleted {
		t.Fatalf("expected completed, got %+v", last)
	}
	if filepath.Ext(last.ArtifactPath) != ".mp4" || !strings.HasPrefix(filepath.Base(last.ArtifactPath), "video_") {
		t.Fatalf("unexpected artifact %q", last.ArtifactPath)
	}
	data, err := os.ReadFile(last.ArtifactPath)
	if err != nil || string(data) != "mp4:avi" {
		t.Fatalf("unexpected converted file %q: %v", data, err)
	}
	avis, _ := filepath.Glob(filepath.Join(f.outputs, "*.avi"))
	if len(avis) != 0 {
		t.Fatalf("engine avi must be removed after conversion: %v", avis)
	}

	var meta Metadata
	if err := fileutil.ReadJSON(metadataPath(last.ArtifactPath), &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.MediaType != "video" || meta.Frames != defaultFrames || meta.FPS != 12 {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	var sawConvert bool
	for _, e := range events {
		if e.Kind == event.KindOutput && e.Stream == event.Host {
			sawConvert = true
		}
	}
	if !sawConvert {
		t.Fatalf("conversion step not reported: %+v", events)
	}
	tk, ok := f.tasks.GetTask(run.ID())
	if !ok || tk.Status != task.StatusCompleted || tk.ArtifactPath != last.ArtifactPath {
		t.Fatalf("unexpected task record %+v", tk)
	}
}

func TestVideoConversionFailures(t *testing.T) {
	cases := []struct {
		name   string
		mode   string
		ffmpeg func(exe string) string
	}{
		{"converter missing", "video", func(string) string { return filepath.Join(os.TempDir(), "no-such-dir", "ffmpeg") }},
		{"converter fails", "video-badconvert", func(exe string) string { return exe }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.mode)
			f.sup.opts.FFmpeg = tc.ffmpeg(f.sup.opts.FFmpeg)
			run, err := f.sup.Start(videoRequest())
			if err != nil {
				t.Fatalf("start: %v", err)
			}
			last := assertSingleTerminal(t, drain(t, run))
			if last.Kind != event.KindFailed || last.ErrorKind != string(ErrorConvert) {
				t.Fatalf("expected convert failure, got %+v", last)
			}
			mp4s, _ := filepath.Glob(filepath.Join(f.outputs, "*.mp4"))
			if len(mp4s) != 0 {
				t.Fatalf("failed conversion must not leave an mp4: %v", mp4s)
			}
		})
	}
}

func TestCancelDuringVideoConversion(t *testing.T) {
	f := newFixture(t, "video-slowconvert")
	run, err := f.sup.Start(videoRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForOutput(t, run, "converting video (avi -> mp4)")
	if !run.Cancel() {
		t.Fatalf("cancel during conversion must be accepted")
	}
	last := assertSingleTerminal(t, drain(t, run))
	if last.Kind != event.KindCancelled {
		t.Fatalf("expected cancelled, got %+v", last)
	}
	<-run.Done()
	if f.sup.Busy() {
		t.Fatalf("slot must be free after cancelled conversion")
	}
}

func waitForOutput(t *testing.T, run *Run, text string) []event.Event {
	t.Helper()
	var seen []event.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-run.Events():
			if !ok {
				t.Fatalf("run ended before %q: %+v", text, seen)
			}
			seen = append(seen, e)
			if e.Kind == event.KindOutput && e.Text == text {
				return seen
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", text)
		}
	}
}

func TestCancelRunningEngine(t *testing.T) {
	f := newFixture(t, "hang")
	run, err := f.sup.Start(basicRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	before := waitForOutput(t, run, "ready")

	if !f.sup.Cancel() {
		t.Fatalf("cancel must reach the running engine")
	}
	if !run.Cancel() {
		t.Fatalf("repeated cancel before exit must still report true")
	}
	events := append(before, drain(t, run)...)
	last := assertSingleTerminal(t, events)
	if last.Kind != event.KindCancelled {
		t.Fatalf("expected cancelled, got %+v", last)
	}
	<-run.Done()
	if f.sup.Busy() || f.sup.Cancel() {
		t.Fatalf("slot must be free after cancellation")
	}
	tk, _ := f.tasks.GetTask(run.ID())
	if tk.Status != task.StatusCancelled {
		t.Fatalf("unexpected task status %s", tk.Status)
	}
}

func TestBusySlotRejectsSecondRun(t *testing.T) {
	f := newFixture(t, "hang")
	first, err := f.sup.Start(basicRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForOutput(t, first, "ready")

	second, err := f.sup.Start(basicRequest())
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	events := drain(t, second)
	if len(events) != 1 || events[0].Kind != event.KindFailed || events[0].Message != "generation already running" {
		t.Fatalf("expected busy rejection, got %+v", events)
	}
	if second.ID() == first.ID() {
		t.Fatalf("rejected run must not share the active task id")
	}

	first.Cancel()
	drain(t, first)
}

func TestValidationErrorNeverStarts(t *testing.T) {
	f := newFixture(t, "ok")
	_, err := f.sup.Start(Request{DiffusionModel: "model.gguf"})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "prompt" {
		t.Fatalf("expected prompt validation error, got %v", err)
	}
	_, err = f.sup.Start(Request{DiffusionModel: "missing.gguf", Prompt: "x"})
	if !errors.As(err, &verr) || verr.Field != "diffusion_model" {
		t.Fatalf("expected model validation error, got %v", err)
	}
	if f.sup.Busy() || len(f.tasks.List()) != 0 {
		t.Fatalf("invalid requests must not create tasks")
	}
}

func TestPreviewEventsAndCleanup(t *testing.T) {
	f := newFixture(t, "preview")
	req := basicRequest()
	req.Preview = "tae"
	run, err := f.sup.Start(req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events := drain(t, run)
	last := assertSingleTerminal(t, events)
	if last.Kind != event.KindCompleted {
		t.Fatalf("expected completed, got %+v", last)
	}
	previews := 0
	for _, e := range events {
		if e.Kind == event.KindPreview {
			previews++
			if !strings.HasPrefix(e.ImageData, "data:image/png;base64,") {
				t.Fatalf("unexpected preview payload %q", e.ImageData)
			}
		}
	}
	if previews == 0 {
		t.Fatalf("expected preview events")
	}
	leftovers, _ := filepath.Glob(filepath.Join(f.outputs, "preview_*.png"))
	if len(leftovers) != 0 {
		t.Fatalf("preview file must be removed, found %v", leftovers)
	}
}

func TestParseProgress(t *testing.T) {
	cases := []struct {
		text string
		want int
		ok   bool
	}{
		{"progress: 42%", 42, true},
		{"Progress 7%", 7, true},
		{"  |==>   | 3/20 - 1.10s/it", 15, true},
		{"progress: 250%", 0, false},
		{"sampling using euler", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseProgress(tc.text)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("parseProgress(%q) = %d,%v want %d,%v", tc.text, got, ok, tc.want, tc.ok)
		}
	}
}

func TestScanLinesOrCR(t *testing.T) {
	adv, tok, _ := scanLinesOrCR([]byte("a\rb\n"), false)
	if adv != 2 || string(tok) != "a" {
		t.Fatalf("unexpected split %d %q", adv, tok)
	}
	adv, tok, _ = scanLinesOrCR([]byte("tail"), true)
	if adv != 4 || string(tok) != "tail" {
		t.Fatalf("unexpected final token %d %q", adv, tok)
	}
	if adv, tok, _ = scanLinesOrCR([]byte("partial"), false); adv != 0 || tok != nil {
		t.Fatalf("partial line must wait for more data")
	}
}
