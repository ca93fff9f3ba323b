package release

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"sdhost/internal/download"
	"sdhost/internal/mirror"

	"github.com/rs/zerolog/log"
	"golang.org/x/mod/semver"
)

// Device is the accelerator an engine build targets.
type Device string

const (
	DeviceCUDA    Device = "cuda"
	DeviceVulkan  Device = "vulkan"
	DeviceCPU     Device = "cpu"
	DeviceCUDART  Device = "cudart"
	DeviceUnknown Device = "unknown"
)

const defaultListCount = 10

var assetPatterns = []struct {
	pattern *regexp.Regexp
	device  Device
	variant string
}{
	{regexp.MustCompile(`(?i)bin-win-cuda12-x64\.zip$`), DeviceCUDA, ""},
	{regexp.MustCompile(`(?i)bin-win-vulkan-x64\.zip$`), DeviceVulkan, ""},
	{regexp.MustCompile(`(?i)bin-win-avx2-x64\.zip$`), DeviceCPU, "avx2"},
	{regexp.MustCompile(`(?i)bin-win-avx-x64\.zip$`), DeviceCPU, "avx"},
	{regexp.MustCompile(`(?i)bin-win-avx512-x64\.zip$`), DeviceCPU, "avx512"},
	{regexp.MustCompile(`(?i)bin-win-noavx-x64\.zip$`), DeviceCPU, "noavx"},
	{regexp.MustCompile(`(?i)cudart-sd-bin-win-cu12-x64\.zip$`), DeviceCUDART, ""},
}

var buildNumber = regexp.MustCompile(`^(?:master-)?(\d+)`)

// Asset is one installable engine build.
type Asset struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url"`
	Device      Device `json:"device"`
	CPUVariant  string `json:"cpu_variant,omitempty"`
}

// Release is a published engine version with its recognised assets.
type Release struct {
	Tag         string    `json:"tag"`
	Name        string    `json:"name"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []Asset   `json:"assets"`
}

type githubRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []struct {
		Name               string `json:"name"`
		Size               int64  `json:"size"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

// Classify maps an asset file name to the device it targets.
func Classify(name string) (Device, string) {
	for _, p := range assetPatterns {
		if p.pattern.MatchString(name) {
			return p.device, p.variant
		}
	}
	return DeviceUnknown, ""
}

// TargetDir is the engine sub-folder an asset installs into. The CUDA
// runtime libraries go next to the CUDA build.
func (a Asset) TargetDir() string {
	switch a.Device {
	case DeviceCUDA, DeviceCUDART:
		return string(DeviceCUDA)
	case DeviceVulkan:
		return string(DeviceVulkan)
	default:
		return string(DeviceCPU)
	}
}

// FileRef returns the download reference that installs a.
func (a Asset) FileRef() download.FileRef {
	return download.FileRef{URL: a.DownloadURL, SavePath: a.Name, Extract: true, ExtractTo: a.TargetDir()}
}

// Find returns the asset named name.
func (r Release) Find(name string) (Asset, bool) {
	for _, a := range r.Assets {
		if a.Name == name {
			return a, true
		}
	}
	return Asset{}, false
}

// Newer reports whether tag a is newer than tag b. Semantic versions are
// compared as such; sd.cpp style "master-<n>-<sha>" tags by build number.
func Newer(a, b string) bool {
	va, vb := a, b
	if !strings.HasPrefix(va, "v") {
		va = "v" + va
	}
	if !strings.HasPrefix(vb, "v") {
		vb = "v" + vb
	}
	if semver.IsValid(va) && semver.IsValid(vb) {
		return semver.Compare(va, vb) > 0
	}
	na, okA := build(a)
	nb, okB := build(b)
	if okA && okB {
		return na > nb
	}
	return a > b
}

func build(tag string) (int, bool) {
	m := buildNumber.FindStringSubmatch(tag)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil
}

// Client reads engine releases through a mirror.
type Client struct {
	http      *http.Client
	userAgent string
}

// NewClient creates a client. A nil http client uses a 30s timeout.
func NewClient(httpClient *http.Client, userAgent string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: httpClient, userAgent: userAgent}
}

// Latest returns the newest release.
func (c *Client) Latest(ctx context.Context, m mirror.Mirror) (Release, error) {
	var gr githubRelease
	if err := c.getJSON(ctx, m.APIURL("/latest"), &gr); err != nil {
		return Release{}, err
	}
	return parse(gr), nil
}

// List returns up to count recent releases, newest first.
func (c *Client) List(ctx context.Context, m mirror.Mirror, count int) ([]Release, error) {
	if count <= 0 {
		count = defaultListCount
	}
	var grs []githubRelease
	if err := c.getJSON(ctx, m.APIURL(fmt.Sprintf("?per_page=%d", count)), &grs); err != nil {
		return nil, err
	}
	out := make([]Release, 0, len(grs))
	for _, gr := range grs {
		out = append(out, parse(gr))
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	log.Debug().Str("url", url).Msg("fetching releases")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch releases: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &download.StatusError{Code: resp.StatusCode, URL: url}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode releases: %w", err)
	}
	return nil
}

func parse(gr githubRelease) Release {
	r := Release{Tag: gr.TagName, Name: gr.Name, PublishedAt: gr.PublishedAt}
	if r.Name == "" {
		r.Name = gr.TagName
	}
	for _, a := range gr.Assets {
		device, variant := Classify(a.Name)
		if device == DeviceUnknown {
			continue
		}
		r.Assets = append(r.Assets, Asset{
			Name:        a.Name,
			Size:        a.Size,
			DownloadURL: a.BrowserDownloadURL,
			Device:      device,
			CPUVariant:  variant,
		})
	}
	return r
}
