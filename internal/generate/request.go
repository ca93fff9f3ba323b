package generate

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	fileutil "sdhost/internal/file"
)

// TaskType selects how the engine uses the models.
type TaskType string

const (
	TaskImageGen TaskType = "img_gen"
	TaskEdit     TaskType = "edit"
	TaskUpscale  TaskType = "upscale"
	TaskVideo    TaskType = "vid_gen"
)

const (
	defaultSteps     = 20
	defaultSize      = 512
	defaultCFGScale  = 7.0
	defaultFlowShift = 3.0
	defaultFrames    = 33
	defaultFPS       = 8
	defaultSampler   = "euler"

	qwenEdit2511Marker = "qwen-image-edit-2511"

	// videoNegativePrompt is the stock negative prompt of Wan video models.
	videoNegativePrompt = "色调艳丽，过曝，静态，细节模糊不清，字幕，风格，作品，画作，画面，静止，整体发灰，最差质量，低质量，JPEG压缩残留，丑陋的，残缺的，多余的手指，画得不好的手部，画得不好的脸部，畸形的，毁容的，形态畸形的肢体，手指融合，静止不动的画面，杂乱的背景，三条腿，背景人很多，倒着走"
)

// Flags are boolean engine switches passed through as-is.
type Flags struct {
	Verbose             bool `json:"verbose,omitempty"`
	Color               bool `json:"color,omitempty"`
	OffloadToCPU        bool `json:"offload_to_cpu,omitempty"`
	DiffusionFA         bool `json:"diffusion_fa,omitempty"`
	ControlNetCPU       bool `json:"control_net_cpu,omitempty"`
	ClipOnCPU           bool `json:"clip_on_cpu,omitempty"`
	VAEOnCPU            bool `json:"vae_on_cpu,omitempty"`
	DiffusionConvDirect bool `json:"diffusion_conv_direct,omitempty"`
	VAEConvDirect       bool `json:"vae_conv_direct,omitempty"`
	VAETiling           bool `json:"vae_tiling,omitempty"`
}

// Request holds the parameters of one generation. Model paths may be
// absolute or relative to the models folder. Zero numeric values mean
// engine defaults.
type Request struct {
	TaskType       TaskType `json:"task_type,omitempty"`
	DiffusionModel string   `json:"diffusion_model"`
	VAE            string   `json:"vae,omitempty"`
	LLM            string   `json:"llm,omitempty"`
	ClipL          string   `json:"clip_l,omitempty"`
	T5XXL          string   `json:"t5xxl,omitempty"`

	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	InputImage     string `json:"input_image,omitempty"`

	Steps          int      `json:"steps,omitempty"`
	Width          int      `json:"width,omitempty"`
	Height         int      `json:"height,omitempty"`
	CFGScale       float64  `json:"cfg_scale,omitempty"`
	SamplingMethod string   `json:"sampling_method,omitempty"`
	Scheduler      string   `json:"scheduler,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	BatchCount     int      `json:"batch_count,omitempty"`
	Threads        int      `json:"threads,omitempty"`
	FlowShift      *float64 `json:"flow_shift,omitempty"`

	// Video generation. Zero values take the defaults (33 frames at 8 fps).
	Frames                  int     `json:"frames,omitempty"`
	FPS                     int     `json:"fps,omitempty"`
	HighNoiseModel          string  `json:"high_noise_model,omitempty"`
	ClipVision              string  `json:"clip_vision,omitempty"`
	HighNoiseSteps          int     `json:"high_noise_steps,omitempty"`
	HighNoiseCFGScale       float64 `json:"high_noise_cfg_scale,omitempty"`
	HighNoiseSamplingMethod string  `json:"high_noise_sampling_method,omitempty"`

	// Preview enables live previews ("proj", "tae", "vae"). Empty or "none" disables them.
	Preview         string `json:"preview,omitempty"`
	PreviewInterval int    `json:"preview_interval,omitempty"`

	Flags Flags `json:"flags"`
}

// ValidationError rejects a request before anything is started.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PreviewEnabled reports whether the run should watch a preview file.
func (r Request) PreviewEnabled() bool {
	p := strings.TrimSpace(r.Preview)
	return p != "" && p != "none"
}

// Validate checks r and its model paths against modelsDir.
func Validate(r Request, modelsDir string) error {
	_, err := r.resolve(modelsDir)
	return err
}

// BuildArgs validates r and returns the engine command line for it.
func BuildArgs(r Request, modelsDir, outputPath, previewPath string) ([]string, error) {
	res, err := r.resolve(modelsDir)
	if err != nil {
		return nil, err
	}
	return res.args(outputPath, previewPath), nil
}

func (r Request) taskType() TaskType {
	if r.TaskType == "" {
		return TaskImageGen
	}
	return r.TaskType
}

// IsVideo reports whether r produces a video instead of an image.
func (r Request) IsVideo() bool { return r.taskType() == TaskVideo }

// resolved carries absolute model paths after validation.
type resolved struct {
	Request
	diffusionModel string
	vae            string
	llm            string
	clipL          string
	t5xxl          string
	highNoise      string
	clipVision     string
	inputImage     string
}

// resolve validates r and resolves its model paths against modelsDir.
// Optional models that cannot be found are dropped.
func (r Request) resolve(modelsDir string) (resolved, error) {
	switch r.taskType() {
	case TaskImageGen, TaskEdit, TaskUpscale, TaskVideo:
	default:
		return resolved{}, &ValidationError{Field: "task_type", Reason: fmt.Sprintf("unknown task type %q", r.TaskType)}
	}
	if strings.TrimSpace(r.DiffusionModel) == "" {
		return resolved{}, &ValidationError{Field: "diffusion_model", Reason: "required"}
	}
	if strings.TrimSpace(r.Prompt) == "" && r.taskType() != TaskUpscale {
		return resolved{}, &ValidationError{Field: "prompt", Reason: "required"}
	}
	if r.taskType() == TaskUpscale && strings.TrimSpace(r.InputImage) == "" {
		return resolved{}, &ValidationError{Field: "input_image", Reason: "required for upscale"}
	}
	if r.Steps < 0 || r.Width < 0 || r.Height < 0 || r.BatchCount < 0 || r.Threads < 0 ||
		r.Frames < 0 || r.FPS < 0 || r.HighNoiseSteps < 0 {
		return resolved{}, &ValidationError{Field: "sampling", Reason: "negative values are not allowed"}
	}

	out := resolved{Request: r}
	out.diffusionModel = modelPath(r.DiffusionModel, modelsDir)
	if !fileutil.Exists(out.diffusionModel) {
		return resolved{}, &ValidationError{Field: "diffusion_model", Reason: "model file not found: " + out.diffusionModel}
	}
	out.vae = optionalPath(r.VAE, modelsDir)
	out.llm = optionalPath(r.LLM, modelsDir)
	out.clipL = optionalPath(r.ClipL, modelsDir)
	out.t5xxl = optionalPath(r.T5XXL, modelsDir)
	out.highNoise = optionalPath(r.HighNoiseModel, modelsDir)
	out.clipVision = optionalPath(r.ClipVision, modelsDir)
	if r.InputImage != "" {
		abs, err := filepath.Abs(r.InputImage)
		if err != nil || !fileutil.Exists(abs) {
			if r.taskType() == TaskUpscale || r.taskType() == TaskVideo {
				return resolved{}, &ValidationError{Field: "input_image", Reason: "file not found: " + r.InputImage}
			}
		} else {
			out.inputImage = abs
		}
	}
	return out, nil
}

func modelPath(p, modelsDir string) string {
	if filepath.IsAbs(p) || modelsDir == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(modelsDir, filepath.FromSlash(p))
}

func optionalPath(p, modelsDir string) string {
	if strings.TrimSpace(p) == "" {
		return ""
	}
	full := modelPath(p, modelsDir)
	if !fileutil.Exists(full) {
		return ""
	}
	return full
}

func (r resolved) isQwenEdit2511() bool {
	return strings.Contains(strings.ToLower(r.diffusionModel), qwenEdit2511Marker)
}

// args builds the engine command line. Values equal to the engine's
// defaults are left out.
func (r resolved) args(outputPath, previewPath string) []string {
	if r.taskType() == TaskVideo {
		return r.videoArgs(outputPath, previewPath)
	}
	args := []string{"--diffusion-model", r.diffusionModel, "--prompt", r.Prompt}
	tt := r.taskType()
	mode := "img_gen"
	if tt == TaskUpscale {
		mode = "upscale"
	}
	args = append(args, "-M", mode)
	if r.vae != "" {
		args = append(args, "--vae", r.vae)
	}
	qwenEdit := r.isQwenEdit2511()
	if tt == TaskEdit && !qwenEdit {
		if r.clipL != "" {
			args = append(args, "--clip_l", r.clipL)
		}
		if r.t5xxl != "" {
			args = append(args, "--t5xxl", r.t5xxl)
		}
	} else if r.llm != "" {
		args = append(args, "--llm", r.llm)
	}

	if r.NegativePrompt != "" {
		args = append(args, "--negative-prompt", r.NegativePrompt)
	}
	if r.inputImage != "" {
		flag := "--init-img"
		if qwenEdit {
			flag = "-r"
		}
		args = append(args, flag, r.inputImage)
	}
	if qwenEdit {
		args = append(args, "--qwen-image-zero-cond-t", "--flow-shift", formatFloat(r.flowShift()))
	}

	args = append(args, "--output", outputPath)
	args = r.appendSampling(args)
	args = r.appendPreview(args, previewPath)
	return r.appendSwitches(args)
}

// videoArgs builds a vid_gen command line. The engine writes an AVI to outputPath.
func (r resolved) videoArgs(outputPath, previewPath string) []string {
	args := []string{"-M", "vid_gen", "--diffusion-model", r.diffusionModel, "--prompt", r.Prompt}
	if r.inputImage != "" {
		args = append(args, "-i", r.inputImage)
	}
	if r.vae != "" {
		args = append(args, "--vae", r.vae)
	}
	// Wan text encoders are umt5 models and load through the t5xxl slot.
	if enc := firstNonEmpty(r.t5xxl, r.llm); enc != "" {
		args = append(args, "--t5xxl", enc)
	}
	negative := r.NegativePrompt
	if negative == "" {
		negative = videoNegativePrompt
	}
	args = append(args, "--negative-prompt", negative, "--output", outputPath)
	if r.highNoise != "" {
		args = append(args, "--high-noise-diffusion-model", r.highNoise)
	}
	if r.clipVision != "" {
		args = append(args, "--clip_vision", r.clipVision)
	}
	args = append(args,
		"--video-frames", strconv.Itoa(r.frames()),
		"--flow-shift", formatFloat(r.flowShift()),
	)
	args = r.appendSampling(args)
	if r.highNoise != "" {
		steps := r.HighNoiseSteps
		if steps == 0 {
			steps = r.steps()
		}
		cfg := r.HighNoiseCFGScale
		if cfg <= 0 {
			cfg = r.cfgScale()
		}
		sampler := firstNonEmpty(strings.TrimSpace(r.HighNoiseSamplingMethod), strings.TrimSpace(r.SamplingMethod), defaultSampler)
		args = append(args,
			"--high-noise-steps", strconv.Itoa(steps),
			"--high-noise-cfg-scale", formatFloat(cfg),
			"--high-noise-sampling-method", sampler,
		)
	}
	args = r.appendPreview(args, previewPath)
	return r.appendSwitches(args)
}

func (r resolved) appendSampling(args []string) []string {
	if r.Steps > 0 && r.Steps != defaultSteps {
		args = append(args, "--steps", strconv.Itoa(r.Steps))
	}
	if r.Width > 0 && r.Width != defaultSize {
		args = append(args, "--width", strconv.Itoa(r.Width))
	}
	if r.Height > 0 && r.Height != defaultSize {
		args = append(args, "--height", strconv.Itoa(r.Height))
	}
	if r.CFGScale > 0 && math.Abs(r.CFGScale-defaultCFGScale) > 0.0001 {
		args = append(args, "--cfg-scale", formatFloat(r.CFGScale))
	}
	if s := strings.TrimSpace(r.SamplingMethod); s != "" {
		args = append(args, "--sampling-method", s)
	}
	if s := strings.TrimSpace(r.Scheduler); s != "" {
		args = append(args, "--scheduler", s)
	}
	if r.Seed != nil && *r.Seed >= 0 {
		args = append(args, "--seed", strconv.FormatInt(*r.Seed, 10))
	}
	if r.BatchCount > 1 {
		args = append(args, "--batch-count", strconv.Itoa(r.BatchCount))
	}
	if r.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(r.Threads))
	}
	return args
}

func (r resolved) appendPreview(args []string, previewPath string) []string {
	if !r.PreviewEnabled() {
		return args
	}
	args = append(args, "--preview", strings.TrimSpace(r.Preview), "--preview-path", previewPath)
	if r.PreviewInterval > 1 {
		args = append(args, "--preview-interval", strconv.Itoa(r.PreviewInterval))
	}
	return args
}

func (r resolved) appendSwitches(args []string) []string {
	f := r.Flags
	for _, sw := range []struct {
		on   bool
		flag string
	}{
		{f.Verbose, "--verbose"},
		{f.Color, "--color"},
		{f.OffloadToCPU, "--offload-to-cpu"},
		{f.DiffusionFA, "--diffusion-fa"},
		{f.ControlNetCPU, "--control-net-cpu"},
		{f.ClipOnCPU, "--clip-on-cpu"},
		{f.VAEOnCPU, "--vae-on-cpu"},
		{f.DiffusionConvDirect, "--diffusion-conv-direct"},
		{f.VAEConvDirect, "--vae-conv-direct"},
		{f.VAETiling, "--vae-tiling"},
	} {
		if sw.on {
			args = append(args, sw.flag)
		}
	}
	return args
}

func (r resolved) steps() int {
	if r.Steps > 0 {
		return r.Steps
	}
	return defaultSteps
}

func (r resolved) cfgScale() float64 {
	if r.CFGScale > 0 {
		return r.CFGScale
	}
	return defaultCFGScale
}

func (r resolved) flowShift() float64 {
	if r.FlowShift != nil {
		return *r.FlowShift
	}
	return defaultFlowShift
}

func (r Request) frames() int {
	if r.Frames > 0 {
		return r.Frames
	}
	return defaultFrames
}

func (r Request) fps() int {
	if r.FPS > 0 {
		return r.FPS
	}
	return defaultFPS
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
