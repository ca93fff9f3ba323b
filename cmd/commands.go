package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"sdhost/internal/download"
	"sdhost/internal/event"
	"sdhost/internal/generate"
	"sdhost/internal/mirror"
)

var (
	genReq     generate.Request
	genSeed    int64
	dlRepo     string
	dlFiles    []string
	dlAsset    string
	dlDest     string
	dlMirrorID string
)

func init() {
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Run one generation and print its events",
		RunE:  runGenerate,
	}
	f := generateCmd.Flags()
	f.StringVar(&genReq.DiffusionModel, "model", "", "diffusion model, absolute or relative to models_dir")
	f.StringVar(&genReq.Prompt, "prompt", "", "prompt")
	f.StringVar(&genReq.NegativePrompt, "negative", "", "negative prompt")
	f.StringVar(&genReq.VAE, "vae", "", "vae model")
	f.StringVar(&genReq.LLM, "llm", "", "text encoder model")
	f.StringVar(&genReq.T5XXL, "t5xxl", "", "t5xxl or umt5 text encoder")
	f.StringVar(&genReq.InputImage, "input", "", "input image for edit, upscale or image-to-video")
	f.StringVar((*string)(&genReq.TaskType), "task", string(generate.TaskImageGen), "img_gen, edit, upscale or vid_gen")
	f.StringVar(&genReq.HighNoiseModel, "high-noise-model", "", "high noise diffusion model (video)")
	f.StringVar(&genReq.ClipVision, "clip-vision", "", "clip vision model (video)")
	f.IntVar(&genReq.Frames, "frames", 0, "video frames")
	f.IntVar(&genReq.FPS, "fps", 0, "video frame rate recorded in metadata")
	f.IntVar(&genReq.Steps, "steps", 0, "sampling steps")
	f.IntVar(&genReq.Width, "width", 0, "image width")
	f.IntVar(&genReq.Height, "height", 0, "image height")
	f.Float64Var(&genReq.CFGScale, "cfg", 0, "cfg scale")
	f.StringVar(&genReq.SamplingMethod, "sampler", "", "sampling method")
	f.Int64Var(&genSeed, "seed", -1, "seed, negative for random")
	f.StringVar(&genReq.Preview, "preview", "", "preview mode (proj, tae, vae)")
	_ = generateCmd.MarkFlagRequired("model")
	rootCmd.AddCommand(generateCmd)

	downloadCmd := &cobra.Command{
		Use:   "download",
		Short: "Download model weights or engine builds",
	}
	weightsCmd := &cobra.Command{
		Use:   "weights",
		Short: "Download files from a Hugging Face repo",
		RunE:  runDownloadWeights,
	}
	weightsCmd.Flags().StringVar(&dlRepo, "repo", "", "repository, e.g. city96/FLUX.1-dev-gguf")
	weightsCmd.Flags().StringSliceVar(&dlFiles, "file", nil, "file inside the repo (repeatable)")
	_ = weightsCmd.MarkFlagRequired("repo")
	_ = weightsCmd.MarkFlagRequired("file")
	engineCmd := &cobra.Command{
		Use:   "engine",
		Short: "Install an engine build from the latest release",
		RunE:  runDownloadEngine,
	}
	engineCmd.Flags().StringVar(&dlAsset, "asset", "", "release asset name")
	_ = engineCmd.MarkFlagRequired("asset")
	for _, c := range []*cobra.Command{weightsCmd, engineCmd} {
		c.Flags().StringVar(&dlDest, "dest", "", "destination folder (defaults to models_dir or engine_dir)")
		c.Flags().StringVar(&dlMirrorID, "mirror", "", "mirror id (defaults to the family default)")
		downloadCmd.AddCommand(c)
	}
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Show which repo files are already in the models folder",
		RunE:  runCheckFiles,
	}
	checkCmd.Flags().StringVar(&dlRepo, "repo", "", "repository, e.g. city96/FLUX.1-dev-gguf")
	checkCmd.Flags().StringSliceVar(&dlFiles, "file", nil, "file inside the repo (repeatable)")
	checkCmd.Flags().StringVar(&dlDest, "dest", "", "folder to look in (defaults to models_dir)")
	_ = checkCmd.MarkFlagRequired("repo")
	_ = checkCmd.MarkFlagRequired("file")
	downloadCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(downloadCmd)

	mirrorsCmd := &cobra.Command{
		Use:   "mirrors",
		Short: "Inspect download mirrors",
	}
	mirrorsCmd.AddCommand(&cobra.Command{
		Use:   "list FAMILY",
		Short: "List mirrors of weights or engine",
		Args:  cobra.ExactArgs(1),
		RunE:  runMirrorsList,
	})
	mirrorsCmd.AddCommand(&cobra.Command{
		Use:   "probe FAMILY",
		Short: "Probe every mirror and show the fastest",
		Args:  cobra.ExactArgs(1),
		RunE:  runMirrorsProbe,
	})
	rootCmd.AddCommand(mirrorsCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runGenerate(*cobra.Command, []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()
	if genSeed >= 0 {
		genReq.Seed = &genSeed
	}

	ctx, stop := signalContext()
	defer stop()

	run, err := a.generator.Start(genReq)
	if err != nil {
		return err
	}
	go func() {
		select {
		case <-ctx.Done():
			run.Cancel()
		case <-run.Done():
		}
	}()

	var last event.Event
	for e := range run.Events() {
		last = e
		switch e.Kind {
		case event.KindOutput:
			fmt.Println(e.Text)
		case event.KindProgress:
			fmt.Printf("progress %d%%\n", *e.Percent)
		case event.KindPreview:
			fmt.Printf("preview updated (%s)\n", humanize.Bytes(uint64(len(e.ImageData))))
		case event.KindCompleted:
			fmt.Printf("completed in %dms: %s\n", e.DurationMs, e.ArtifactPath)
		case event.KindFailed:
			fmt.Printf("failed (%s): %s\n", e.ErrorKind, e.Message)
		case event.KindCancelled:
			fmt.Println("cancelled")
		}
	}
	if last.Kind != event.KindCompleted {
		return fmt.Errorf("generation %s", last.Kind)
	}
	return nil
}

func runDownloadWeights(*cobra.Command, []string) error {
	refs := weightRefs()
	return runDownload(mirror.Weights, func(context.Context, *app) ([]download.FileRef, error) { return refs, nil })
}

func weightRefs() []download.FileRef {
	refs := make([]download.FileRef, 0, len(dlFiles))
	for _, f := range dlFiles {
		refs = append(refs, download.FileRef{Repo: dlRepo, File: f})
	}
	return refs
}

func runCheckFiles(*cobra.Command, []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()
	dest := dlDest
	if dest == "" {
		dest = a.cfg.ModelsDir
	}
	statuses, err := a.service(mirror.Weights).CheckFiles(weightRefs(), dest)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tPRESENT\tSIZE\tPATH")
	for _, st := range statuses {
		size := "-"
		if st.Exists {
			size = humanize.Bytes(uint64(st.Size))
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", st.Name, st.Exists, size, st.Path)
	}
	return w.Flush()
}

func runDownloadEngine(*cobra.Command, []string) error {
	return runDownload(mirror.Engine, func(ctx context.Context, a *app) ([]download.FileRef, error) {
		m, err := a.engine.Mirrors().Resolve(dlMirrorID)
		if err != nil {
			return nil, err
		}
		latest, err := a.releases.Latest(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("latest release: %w", err)
		}
		asset, ok := latest.Find(dlAsset)
		if !ok {
			return nil, fmt.Errorf("asset %q not in release %s", dlAsset, latest.Tag)
		}
		fmt.Printf("installing %s from %s into %s/\n", asset.Name, latest.Tag, asset.TargetDir())
		return []download.FileRef{asset.FileRef()}, nil
	})
}

func runDownload(family mirror.Family, files func(context.Context, *app) ([]download.FileRef, error)) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signalContext()
	defer stop()
	a.tasks.SetBaseContext(ctx)

	refs, err := files(ctx, a)
	if err != nil {
		return err
	}
	dest := dlDest
	if dest == "" {
		dest = a.cfg.ModelsDir
		if family == mirror.Engine {
			dest = a.cfg.EngineDir
		}
	}
	run, err := a.service(family).Start(ctx, refs, dest, dlMirrorID)
	if err != nil {
		return err
	}

	var last event.DownloadProgress
	for p := range run.Events() {
		last = p
		switch p.Stage {
		case event.StageDownloading:
			total := "?"
			if p.TotalBytes >= 0 {
				total = humanize.Bytes(uint64(p.TotalBytes))
			}
			fmt.Printf("[%d/%d] %s %s / %s (%s/s)\n", p.FileIndex, p.FileCount, p.FileName,
				humanize.Bytes(uint64(p.DownloadedBytes)), total, humanize.Bytes(uint64(p.Speed)))
		case event.StageExtracting:
			fmt.Printf("[%d/%d] extracting %s\n", p.FileIndex, p.FileCount, p.FileName)
		case event.StageDone:
			fmt.Printf("done, %s fetched into %s\n", humanize.Bytes(uint64(p.DownloadedBytes)), dest)
		case event.StageError:
			fmt.Printf("error on %s: %s\n", p.FileName, p.Error)
		}
	}
	if last.Stage != event.StageDone {
		if last.Cancelled {
			return errors.New("download cancelled")
		}
		return fmt.Errorf("download failed: %s", last.Error)
	}
	return nil
}

func familyArg(arg string) (mirror.Family, error) {
	family, ok := mirror.ParseFamily(arg)
	if !ok {
		return "", fmt.Errorf("unknown family %q (want weights or engine)", arg)
	}
	return family, nil
}

func runMirrorsList(_ *cobra.Command, args []string) error {
	family, err := familyArg(args[0])
	if err != nil {
		return err
	}
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	reg := a.service(family).Mirrors()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKIND\tBASE URL\tDEFAULT")
	for _, m := range reg.ListAll() {
		def := ""
		if m.ID == reg.Default().ID {
			def = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.Name, m.Kind, m.BaseURL, def)
	}
	return w.Flush()
}

func runMirrorsProbe(_ *cobra.Command, args []string) error {
	family, err := familyArg(args[0])
	if err != nil {
		return err
	}
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signalContext()
	defer stop()

	reg := a.service(family).Mirrors()
	mirrors := reg.ListAll()
	results := reg.ProbeAll(ctx, mirrors)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOK\tLATENCY\tERROR")
	for _, r := range results {
		latency := "-"
		if r.LatencyMs != nil {
			latency = fmt.Sprintf("%dms", *r.LatencyMs)
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", r.MirrorID, r.Success, latency, r.Error)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if best, ok := mirror.SelectBest(mirrors, results); ok {
		fmt.Printf("fastest: %s\n", best.ID)
	} else {
		fmt.Printf("no mirror answered, default is %s\n", reg.Default().ID)
	}
	return nil
}
