// Package consolidate collapses a noisy codebook into a smaller canonical one
// through a pipeline of stages. Some stages merge by embedding clusters
// alone; others ask an LLM to write definitions or judge merges.
package consolidate

import (
	"context"
	"errors"

	"github.com/brunobiangulo/qualcode/codebook"
)

var (
	// ErrMissingCodebook is returned when consolidation starts before the
	// thread codebooks were merged.
	ErrMissingCodebook = errors.New("consolidate: codebook not merged")

	// ErrCountMismatch is returned when an LLM response does not describe the
	// codes it was asked about.
	ErrCountMismatch = errors.New("consolidate: response count mismatch")

	// ErrRetriesExhausted wraps the last error of a chunk that failed too
	// often.
	ErrRetriesExhausted = errors.New("consolidate: retries exhausted")

	// ErrNoConvergence is returned when a looping stage exceeds the
	// iteration cap.
	ErrNoConvergence = errors.New("consolidate: no convergence")
)

// Prompt is one LLM request. The zero Prompt means "skip the LLM call".
type Prompt struct {
	System string
	User   string
}

// Empty reports whether p is the skip sentinel.
func (p Prompt) Empty() bool { return p.System == "" && p.User == "" }

// Consolidator is one consolidation stage. Methods that return a Codebook
// return nil when the codebook did not change; a non-nil codebook replaces
// the current one.
type Consolidator interface {
	// Name identifies the stage in logs, metrics and cache keys.
	Name() string
	// Filter decides whether code takes part in this stage.
	Filter(code *codebook.Code) bool
	// Preprocess runs once per stage pass before chunking and returns the
	// codes to chunk.
	Preprocess(ctx context.Context, cb codebook.Codebook, codes []*codebook.Code) ([]*codebook.Code, codebook.Codebook, error)
	// BuildPrompts builds the request for one chunk.
	BuildPrompts(ctx context.Context, cb codebook.Codebook, codes []*codebook.Code) (Prompt, codebook.Codebook, error)
	// ParseResponse applies the answer for one chunk and returns how many
	// codes of the chunk were handled. Zero retries the chunk, a negative
	// value ends the pass.
	ParseResponse(ctx context.Context, cb codebook.Codebook, codes []*codebook.Code, lines []string) (int, codebook.Codebook, error)
	// ChunkSize returns the size of the next chunk.
	ChunkSize(recommended, remaining, tries int) int

	Chunkified() bool
	Looping() bool
	Stopping() bool
	Temperature() float64
}

// Base provides the default behaviour of every Consolidator method. Stages
// embed it and override what they need.
type Base struct {
	Chunked bool
	Loop    bool
	Temp    float64

	stopping bool
}

func (b *Base) Filter(*codebook.Code) bool { return true }

func (b *Base) Preprocess(_ context.Context, _ codebook.Codebook, codes []*codebook.Code) ([]*codebook.Code, codebook.Codebook, error) {
	return codes, nil, nil
}

func (b *Base) BuildPrompts(context.Context, codebook.Codebook, []*codebook.Code) (Prompt, codebook.Codebook, error) {
	return Prompt{}, nil, nil
}

func (b *Base) ParseResponse(_ context.Context, _ codebook.Codebook, codes []*codebook.Code, _ []string) (int, codebook.Codebook, error) {
	return len(codes), nil, nil
}

// ChunkSize takes everything remaining unless the stage is chunkified, in
// which case the window shrinks by a quarter of the recommendation per retry.
func (b *Base) ChunkSize(recommended, remaining, tries int) int {
	if !b.Chunked {
		return remaining
	}
	return shrink(recommended, tries)
}

func (b *Base) Chunkified() bool     { return b.Chunked }
func (b *Base) Looping() bool        { return b.Loop }
func (b *Base) Stopping() bool       { return b.stopping }
func (b *Base) Temperature() float64 { return b.Temp }

// SetStopping records whether the stage has converged.
func (b *Base) SetStopping(v bool) { b.stopping = v }

func shrink(recommended, tries int) int {
	step := (recommended + 3) / 4
	return max(recommended-tries*step, 1)
}

// live returns the non-tombstoned codes of codes.
func live(codes []*codebook.Code) []*codebook.Code {
	out := make([]*codebook.Code, 0, len(codes))
	for _, c := range codes {
		if !c.IsMerged() {
			out = append(out, c)
		}
	}
	return out
}

func filter(codes []*codebook.Code, keep func(*codebook.Code) bool) []*codebook.Code {
	out := make([]*codebook.Code, 0, len(codes))
	for _, c := range codes {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
