package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brunobiangulo/qualcode/codebook"
	"github.com/brunobiangulo/qualcode/llm"
)

// Requester answers chat prompts. llm.Requester implements it.
type Requester interface {
	Request(ctx context.Context, messages []llm.Message, namespace string, temperature float64) (string, error)
}

// Forgetter is implemented by requesters that cache answers. The driver
// calls Forget for every answer a stage could not use, so a retry or a later
// run asks the model again instead of replaying it.
type Forgetter interface {
	Forget(ctx context.Context, messages []llm.Message, namespace string, temperature float64)
}

// Driver walks a Pipeline to completion: one Preprocess per iteration, then
// the returned codes in chunks, one LLM call at a time.
type Driver struct {
	requester     Requester
	chunkSize     int
	maxRetries    int
	maxIterations int
	dryRun        bool
	onIteration   func(iteration int, cb codebook.Codebook) error

	estimatedTokens int
}

// Option configures a Driver.
type Option func(*Driver)

// WithChunkSize sets the recommended chunk size handed to stages.
func WithChunkSize(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.chunkSize = n
		}
	}
}

// WithMaxRetries sets how often one chunk may fail before Run gives up.
func WithMaxRetries(n int) Option {
	return func(d *Driver) {
		if n >= 0 {
			d.maxRetries = n
		}
	}
}

// WithMaxIterations caps the number of pipeline iterations.
func WithMaxIterations(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.maxIterations = n
		}
	}
}

// WithDryRun builds prompts without sending them and advances past every
// chunk. EstimatedTokens reports the prompt volume.
func WithDryRun(v bool) Option {
	return func(d *Driver) { d.dryRun = v }
}

// WithIterationHook calls fn with the codebook after every iteration. An
// error from fn aborts the run.
func WithIterationHook(fn func(iteration int, cb codebook.Codebook) error) Option {
	return func(d *Driver) { d.onIteration = fn }
}

// NewDriver creates a driver that sends prompts through r.
func NewDriver(r Requester, opts ...Option) *Driver {
	d := &Driver{
		requester:     r,
		chunkSize:     32,
		maxRetries:    4,
		maxIterations: 200,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// EstimatedTokens returns the prompt tokens built so far in dry-run mode.
func (d *Driver) EstimatedTokens() int { return d.estimatedTokens }

// Run consolidates analysis.Codebook in place.
func (d *Driver) Run(ctx context.Context, analysis *codebook.CodedThreads, p *Pipeline) error {
	if analysis == nil || analysis.Codebook == nil {
		return ErrMissingCodebook
	}
	p.Bind(analysis)
	start := analysis.Codebook.Len()

	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if iteration >= d.maxIterations {
			return fmt.Errorf("%w: stage %s after %d iterations", ErrNoConvergence, p.Name(), iteration)
		}

		before := analysis.Codebook.Len()
		codes, _, err := p.Preprocess(ctx, analysis.Codebook, analysis.Codebook.Live())
		if err != nil {
			return fmt.Errorf("preprocessing %s: %w", p.Name(), err)
		}
		if p.Done() {
			break
		}
		stage := p.Name()
		if err := d.chunks(ctx, analysis, p, codes); err != nil {
			return fmt.Errorf("stage %s: %w", stage, err)
		}

		after := analysis.Codebook.Len()
		if merged := before - after; merged > 0 {
			codesMerged.WithLabelValues(stage).Add(float64(merged))
		}
		liveCodes.Set(float64(after))
		slog.Info("consolidate: iteration finished",
			"iteration", iteration, "stage", stage, "before", before, "after", after)

		if d.onIteration != nil {
			if err := d.onIteration(iteration, analysis.Codebook); err != nil {
				return err
			}
		}
	}

	slog.Info("consolidate: finished", "before", start, "after", analysis.Codebook.Len())
	return nil
}

// chunks feeds codes to the current stage window by window. A window is
// retried with a rising temperature when the answer is empty or unusable.
func (d *Driver) chunks(ctx context.Context, analysis *codebook.CodedThreads, p *Pipeline, codes []*codebook.Code) error {
	stage := p.Name()
	cursor, tries := 0, 0
	var lastErr error

	fail := func(err error) error {
		lastErr = err
		tries++
		chunksTotal.WithLabelValues(stage, "retry").Inc()
		if tries > d.maxRetries {
			return fmt.Errorf("%w: window at %d: %w", ErrRetriesExhausted, cursor, lastErr)
		}
		slog.Warn("consolidate: retrying window", "stage", stage, "cursor", cursor, "tries", tries, "error", err)
		return nil
	}

	for cursor < len(codes) {
		if err := ctx.Err(); err != nil {
			return err
		}
		size := p.ChunkSize(d.chunkSize, len(codes)-cursor, tries)
		size = min(max(size, 1), len(codes)-cursor)
		window := codes[cursor : cursor+size]
		chunk := live(window)
		if len(chunk) == 0 {
			cursor += size
			continue
		}

		prompt, _, err := p.BuildPrompts(ctx, analysis.Codebook, chunk)
		if err != nil {
			return fmt.Errorf("building prompts: %w", err)
		}

		var lines []string
		var forget func()
		if !prompt.Empty() {
			if d.dryRun {
				d.estimatedTokens += estimateTokens(prompt.System) + estimateTokens(prompt.User)
				cursor += size
				continue
			}
			temperature := p.Temperature() + float64(min(tries, 3))*0.2
			messages, namespace := llm.Prompt(prompt.System, prompt.User), "consolidate/"+stage
			resp, err := d.requester.Request(ctx, messages, namespace, temperature)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if ferr := fail(err); ferr != nil {
					return ferr
				}
				continue
			}
			if f, ok := d.requester.(Forgetter); ok {
				forget = func() { f.Forget(ctx, messages, namespace, temperature) }
			}
			if strings.TrimSpace(resp) == "" {
				if forget != nil {
					forget()
				}
				if ferr := fail(errors.New("empty response")); ferr != nil {
					return ferr
				}
				continue
			}
			lines = strings.Split(resp, "\n")
		}

		delta, _, err := p.ParseResponse(ctx, analysis.Codebook, chunk, lines)
		if err != nil {
			if forget != nil {
				forget()
			}
			if ferr := fail(err); ferr != nil {
				return ferr
			}
			continue
		}
		if delta < 0 {
			break
		}
		if delta == 0 {
			if forget != nil {
				forget()
			}
			if ferr := fail(errors.New("no codes handled")); ferr != nil {
				return ferr
			}
			continue
		}

		chunksTotal.WithLabelValues(stage, "ok").Inc()
		cursor += advance(window, chunk, delta)
		tries = 0
	}
	return nil
}

// advance converts a count of handled live codes into a cursor step over
// the window, which may contain tombstones.
func advance(window, chunk []*codebook.Code, delta int) int {
	if delta >= len(chunk) {
		return len(window)
	}
	next := chunk[delta]
	for i, c := range window {
		if c == next {
			return i
		}
	}
	return len(window)
}

// estimateTokens approximates token count at four characters per token.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
