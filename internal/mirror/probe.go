package mirror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const maxParallelProbes = 8

// ProbeResult is the outcome of one latency probe. LatencyMs is nil when the probe failed.
type ProbeResult struct {
	MirrorID  string `json:"mirror_id"`
	Success   bool   `json:"success"`
	LatencyMs *int64 `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

func (r *Registry) defaultProbeTarget(m Mirror) string {
	if r.family == Engine {
		if m.Kind == KindProxy && !m.ProxyAPI {
			return strings.TrimRight(m.BaseURL, "/")
		}
		return m.APIURL("/latest")
	}
	return strings.TrimRight(m.BaseURL, "/")
}

// Probe measures how long m takes to answer a HEAD request. A timeout is a failed probe.
func (r *Registry) Probe(ctx context.Context, m Mirror, timeout time.Duration) ProbeResult {
	if timeout <= 0 {
		timeout = r.probeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := ProbeResult{MirrorID: m.ID}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.probeTarget(m), nil)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.Error = "timeout"
		} else {
			result.Error = err.Error()
		}
		log.Warn().Str("mirror_id", m.ID).Err(err).Msg("mirror probe failed")
		return result
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return result
	}
	result.Success = true
	result.LatencyMs = &latency
	return result
}

// ProbeAll probes every mirror concurrently. Results keep the input order and
// one failed probe never affects the others. Once ctx ends, probes not yet
// started are recorded as cancelled without a request.
func (r *Registry) ProbeAll(ctx context.Context, mirrors []Mirror) []ProbeResult {
	results := make([]ProbeResult, len(mirrors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelProbes)
	for i, m := range mirrors {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = ProbeResult{MirrorID: m.ID, Error: "cancelled"}
				return err
			}
			results[i] = r.Probe(gctx, m, r.probeTimeout)
			// only the caller going away aborts the round
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		log.Debug().Str("family", string(r.family)).Err(err).Msg("probe round aborted")
	}
	return results
}

// Refresh probes all mirrors of the registry and caches the results.
func (r *Registry) Refresh(ctx context.Context) []ProbeResult {
	results := r.ProbeAll(ctx, r.ListAll())
	r.mu.Lock()
	r.lastProbe = results
	r.mu.Unlock()
	return results
}

// LastProbe returns the results of the most recent Refresh.
func (r *Registry) LastProbe() []ProbeResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ProbeResult(nil), r.lastProbe...)
}

// AutoSelect probes mirrors and picks the fastest healthy one, falling back
// to the default mirror when none answered.
func (r *Registry) AutoSelect(ctx context.Context, mirrors []Mirror) Mirror {
	results := r.ProbeAll(ctx, mirrors)
	if best, ok := SelectBest(mirrors, results); ok {
		log.Info().Str("family", string(r.family)).Str("mirror_id", best.ID).Msg("mirror auto-selected")
		return best
	}
	log.Warn().Str("family", string(r.family)).Msg("no mirror answered, using default")
	return r.Default()
}

// SelectBest returns the successful mirror with the lowest latency. Ties go to
// the earlier mirror. results must be index-aligned with mirrors.
func SelectBest(mirrors []Mirror, results []ProbeResult) (Mirror, bool) {
	bestIdx := -1
	var bestLatency int64
	for i, res := range results {
		if i >= len(mirrors) || !res.Success || res.LatencyMs == nil {
			continue
		}
		if bestIdx < 0 || *res.LatencyMs < bestLatency {
			bestIdx = i
			bestLatency = *res.LatencyMs
		}
	}
	if bestIdx < 0 {
		return Mirror{}, false
	}
	return mirrors[bestIdx], true
}
