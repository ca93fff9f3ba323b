package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	fileutil "sdhost/internal/file"
	"sdhost/internal/version"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	// ErrCancelled is returned when the caller's context ends a transfer.
	ErrCancelled         = errors.New("download cancelled")
	ErrTooManyRedirects  = errors.New("too many redirects")
	ErrMissingLocation   = errors.New("redirect without location")
	errLimiterBurstSmall = errors.New("bandwidth limit below read size")
)

// StatusError is a non-200 final response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string { return fmt.Sprintf("HTTP %d", e.Code) }

// ProgressFunc receives byte counts and the speed in bytes per second
// measured since the previous report. total is -1 when unknown.
type ProgressFunc func(downloaded, total int64, speed float64)

const (
	defaultMaxRedirects     = 10
	defaultProgressInterval = 500 * time.Millisecond
	readChunkSize           = 32 * 1024

	// maxPrealloc bounds how much of a declared Content-Length is reserved up front.
	maxPrealloc = 64 << 20
)

// Options configures a Job.
type Options struct {
	Client           *http.Client
	MaxRedirects     int
	UserAgent        string
	ProgressInterval time.Duration
	// BandwidthLimit caps transfer speed in bytes per second. Zero means unlimited.
	BandwidthLimit int64
}

// Job fetches single files. It is safe to reuse across files and goroutines.
type Job struct {
	client       *http.Client
	maxRedirects int
	userAgent    string
	interval     time.Duration
	limiter      *rate.Limiter
	now          func() time.Time
}

// NewJob builds a Job. Redirects are followed by Job itself so every hop is visible.
func NewJob(opts Options) *Job {
	base := opts.Client
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	j := &Job{
		client:       &client,
		maxRedirects: opts.MaxRedirects,
		userAgent:    opts.UserAgent,
		interval:     opts.ProgressInterval,
		now:          time.Now,
	}
	if j.maxRedirects <= 0 {
		j.maxRedirects = defaultMaxRedirects
	}
	if j.userAgent == "" {
		j.userAgent = version.UserAgent()
	}
	if j.interval <= 0 {
		j.interval = defaultProgressInterval
	}
	if opts.BandwidthLimit > 0 {
		j.limiter = rate.NewLimiter(rate.Limit(opts.BandwidthLimit), int(opts.BandwidthLimit))
	}
	return j
}

// Run downloads rawURL into destPath. The body is held in memory and written
// atomically once the transfer finished, so destPath never holds a partial file.
// Progress is reported at 0 bytes, at most once per interval, and at the end.
func (j *Job) Run(ctx context.Context, rawURL, destPath string, onProgress ProgressFunc) (int64, error) {
	if ctx.Err() != nil {
		return 0, ErrCancelled
	}
	if onProgress == nil {
		onProgress = func(int64, int64, float64) {}
	}

	resp, err := j.follow(ctx, http.MethodGet, rawURL)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{Code: resp.StatusCode, URL: rawURL}
	}

	total := resp.ContentLength
	var buf bytes.Buffer
	if total > 0 {
		buf.Grow(int(min(total, maxPrealloc)))
	}
	var body io.Reader = resp.Body
	if j.limiter != nil {
		body = &rateLimitedReader{ctx: ctx, reader: resp.Body, limiter: j.limiter}
	}

	onProgress(0, total, 0)
	tick := newThrottle(j.interval, j.now)
	chunk := make([]byte, readChunkSize)
	var downloaded int64
	for {
		n, readErr := body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			downloaded += int64(n)
			if speed, ok := tick.observe(downloaded); ok {
				onProgress(downloaded, total, speed)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return downloaded, ErrCancelled
			}
			return downloaded, fmt.Errorf("read body: %w", readErr)
		}
	}

	if ctx.Err() != nil {
		return downloaded, ErrCancelled
	}
	if err := fileutil.CopyAtomic(destPath, &buf); err != nil {
		return downloaded, fmt.Errorf("write %s: %w", destPath, err)
	}
	if downloaded > 0 {
		onProgress(downloaded, total, 0)
	}
	log.Info().Str("path", destPath).Str("size", humanize.Bytes(uint64(downloaded))).Msg("download finished")
	return downloaded, nil
}

// RemoteSize asks for the size of rawURL with a HEAD request, following
// redirects. It returns -1 when the size cannot be determined.
func (j *Job) RemoteSize(ctx context.Context, rawURL string) int64 {
	resp, err := j.follow(ctx, http.MethodHead, rawURL)
	if err != nil {
		log.Debug().Str("url", rawURL).Err(err).Msg("size probe failed")
		return -1
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.ContentLength < 0 {
		return -1
	}
	return resp.ContentLength
}

// follow issues method against rawURL and walks 3xx Location headers up to
// maxRedirects hops. The returned response is never a redirect.
func (j *Job) follow(ctx context.Context, method, rawURL string) (*http.Response, error) {
	current := rawURL
	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, method, current, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("User-Agent", j.userAgent)
		resp, err := j.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrCancelled
			}
			return nil, fmt.Errorf("request %s: %w", current, err)
		}
		if resp.StatusCode < 300 || resp.StatusCode >= 400 {
			return resp, nil
		}
		_ = resp.Body.Close()
		next, err := resp.Location()
		if err != nil {
			if errors.Is(err, http.ErrNoLocation) {
				return nil, fmt.Errorf("%w: HTTP %d", ErrMissingLocation, resp.StatusCode)
			}
			return nil, fmt.Errorf("parse location: %w", err)
		}
		if hop+1 > j.maxRedirects {
			return nil, fmt.Errorf("%w: more than %d", ErrTooManyRedirects, j.maxRedirects)
		}
		current = next.String()
	}
}

// throttle decides when a progress report is due.
type throttle struct {
	interval  time.Duration
	now       func() time.Time
	lastTime  time.Time
	lastBytes int64
}

func newThrottle(interval time.Duration, now func() time.Time) *throttle {
	return &throttle{interval: interval, now: now, lastTime: now()}
}

// observe returns the speed since the previous report when a report is due.
func (t *throttle) observe(downloaded int64) (float64, bool) {
	now := t.now()
	elapsed := now.Sub(t.lastTime)
	if elapsed < t.interval {
		return 0, false
	}
	speed := float64(downloaded-t.lastBytes) / elapsed.Seconds()
	t.lastTime = now
	t.lastBytes = downloaded
	return speed, true
}

type rateLimitedReader struct {
	ctx     context.Context //nolint:containedctx // reader is scoped to one transfer
	reader  io.Reader
	limiter *rate.Limiter
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	burst := r.limiter.Burst()
	if burst <= 0 {
		return 0, errLimiterBurstSmall
	}
	if len(p) > burst {
		p = p[:burst]
	}
	n, err := r.reader.Read(p)
	if n > 0 {
		if waitErr := r.limiter.WaitN(r.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}
