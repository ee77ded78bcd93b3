package bench

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/nostr-cassette/internal/cassette"
	"github.com/woxQAQ/nostr-cassette/pkg/protocol"
)

// DefaultWarmup is the number of warm-up requests issued before timing.
const DefaultWarmup = 10

// Target is the cassette surface the harness drives.
type Target interface {
	Name() string
	Size() int64
	Info(ctx context.Context) string
	Send(ctx context.Context, msg string) (cassette.Response, error)
}

// Options configures a Harness.
type Options struct {
	Iterations int
	// Warmup is the number of untimed limit-1 requests sent first.
	Warmup int

	// Filters overrides the catalog. Nil means Catalog(Now(), Rand).
	Filters []NamedFilter
	Now     func() time.Time
	Rand    *rand.Rand

	// Progress receives human-readable progress lines; nil discards them.
	Progress io.Writer
}

// FilterResult holds the raw samples of one filter.
type FilterResult struct {
	Name   string
	Times  []float64
	Events []int
}

// Result is the outcome of benchmarking one cassette.
type Result struct {
	Cassette   string
	Name       string
	FileSize   int64
	EventCount int
	Filters    []FilterResult
}

// Stats summarizes every filter by name.
func (r *Result) Stats() map[string]FilterStats {
	out := make(map[string]FilterStats, len(r.Filters))
	for _, f := range r.Filters {
		out[f.Name] = Summarize(f.Times, f.Events)
	}
	return out
}

// Overall returns the mean and p95 over every timed iteration.
func (r *Result) Overall() (avgMs, p95Ms float64) {
	var all []float64
	for _, f := range r.Filters {
		all = append(all, f.Times...)
	}
	return Mean(all), Percentile(all, 0.95)
}

// Harness runs the filter battery against cassettes.
type Harness struct {
	opts   Options
	logger *zap.Logger
}

// New creates a harness. Non-positive iterations fall back to 100.
func New(opts Options, logger *zap.Logger) *Harness {
	if opts.Iterations <= 0 {
		opts.Iterations = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = NewRand()
	}
	if opts.Progress == nil {
		opts.Progress = io.Discard
	}
	return &Harness{
		opts:   opts,
		logger: logger.With(zap.String("component", "bench")),
	}
}

// Run benchmarks one cassette. A guest failure aborts the run.
func (h *Harness) Run(ctx context.Context, target Target) (*Result, error) {
	result := &Result{
		Cassette: target.Name(),
		FileSize: target.Size(),
	}

	meta, err := cassette.ParseMetadata(target.Info(ctx))
	if err != nil {
		h.logger.Debug("Cassette info is not a JSON object", zap.Error(err))
	} else {
		result.Name = meta.Name
		result.EventCount = meta.EventCount
	}

	fmt.Fprintf(h.opts.Progress, "\n%s\n", titleStyle.Render("Benchmarking: "+result.Cassette))
	fmt.Fprintf(h.opts.Progress, "  Cassette: %s\n", displayName(result))
	fmt.Fprintf(h.opts.Progress, "  Events:   %d\n", result.EventCount)
	fmt.Fprintf(h.opts.Progress, "  Size:     %.1f KiB\n", float64(result.FileSize)/1024)

	if err := h.warmup(ctx, target); err != nil {
		return nil, err
	}

	filters := h.opts.Filters
	if filters == nil {
		filters = Catalog(h.opts.Now(), h.opts.Rand)
	}

	fmt.Fprintf(h.opts.Progress, "  Running %d iterations per filter\n", h.opts.Iterations)

	for idx, nf := range filters {
		fr, err := h.runFilter(ctx, target, nf)
		if err != nil {
			return nil, err
		}
		result.Filters = append(result.Filters, fr)

		s := Summarize(fr.Times, fr.Events)
		fmt.Fprintf(h.opts.Progress, "    [%2d/%d] %-16s %8.3fms avg %8.1f events\n",
			idx+1, len(filters), nf.Name, s.AvgMs, s.AvgEvents)
	}

	h.logger.Info("Benchmark finished",
		zap.String("cassette", result.Cassette),
		zap.Int("filters", len(result.Filters)),
		zap.Int("iterations", h.opts.Iterations),
	)
	return result, nil
}

func (h *Harness) warmup(ctx context.Context, target Target) error {
	for i := 0; i < h.opts.Warmup; i++ {
		msg, err := protocol.Req(fmt.Sprintf("warmup-%d", i), protocol.Filter{"limit": 1})
		if err != nil {
			return err
		}
		if _, err := target.Send(ctx, msg); err != nil {
			return fmt.Errorf("warmup %d: %w", i, err)
		}
	}
	return nil
}

func (h *Harness) runFilter(ctx context.Context, target Target, nf NamedFilter) (FilterResult, error) {
	fr := FilterResult{
		Name:   nf.Name,
		Times:  make([]float64, 0, h.opts.Iterations),
		Events: make([]int, 0, h.opts.Iterations),
	}

	for i := 0; i < h.opts.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return fr, err
		}

		msg, err := protocol.Req(fmt.Sprintf("bench-%s-%d", nf.Name, i), nf.Filter)
		if err != nil {
			return fr, fmt.Errorf("filter %s: %w", nf.Name, err)
		}

		start := time.Now()
		resp, err := target.Send(ctx, msg)
		elapsed := time.Since(start)
		if err != nil {
			return fr, fmt.Errorf("filter %s iteration %d: %w", nf.Name, i, err)
		}

		fr.Times = append(fr.Times, float64(elapsed.Nanoseconds())/1e6)
		fr.Events = append(fr.Events, countEvents(resp))
	}
	return fr, nil
}

func countEvents(resp cassette.Response) int {
	n := 0
	for _, msg := range resp.Messages() {
		env, err := protocol.Decode([]byte(msg))
		if err == nil && env.Tag == protocol.TagEvent {
			n++
		}
	}
	return n
}

func displayName(r *Result) string {
	if r.Name != "" {
		return r.Name
	}
	return r.Cassette
}
