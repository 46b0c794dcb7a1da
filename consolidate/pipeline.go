package consolidate

import (
	"context"
	"log/slog"
	"math/rand/v2"

	"github.com/brunobiangulo/qualcode/codebook"
)

// Pipeline runs stages in order as one Consolidator. A looping stage repeats
// until it reports Stopping or has nothing left to filter; other stages run
// once. Past the last stage every method returns its done value.
type Pipeline struct {
	stages   []Consolidator
	index    int
	rng      *rand.Rand
	analysis *codebook.CodedThreads
}

// NewPipeline composes stages. rng shuffles the codes before every pass;
// nil uses a fixed seed.
func NewPipeline(rng *rand.Rand, stages ...Consolidator) *Pipeline {
	if rng == nil {
		rng = rand.New(rand.NewPCG(0, 0))
	}
	return &Pipeline{stages: stages, index: -1, rng: rng}
}

// Bind makes the pipeline write updated codebooks into analysis.
func (p *Pipeline) Bind(analysis *codebook.CodedThreads) { p.analysis = analysis }

// Index returns the current stage index, -1 before the first Preprocess.
func (p *Pipeline) Index() int { return p.index }

// Done reports whether every stage has finished.
func (p *Pipeline) Done() bool { return p.index >= len(p.stages) }

func (p *Pipeline) current() Consolidator {
	if p.index < 0 || p.index >= len(p.stages) {
		return nil
	}
	return p.stages[p.index]
}

func (p *Pipeline) Name() string {
	if c := p.current(); c != nil {
		return c.Name()
	}
	return "pipeline"
}

func (p *Pipeline) Filter(code *codebook.Code) bool {
	if c := p.current(); c != nil {
		return c.Filter(code)
	}
	return false
}

// Preprocess drops tombstones, shuffles, decides whether to advance to the
// next stage and then runs the current stage's Preprocess over the codes its
// filter keeps.
func (p *Pipeline) Preprocess(ctx context.Context, cb codebook.Codebook, codes []*codebook.Code) ([]*codebook.Code, codebook.Codebook, error) {
	if cb == nil {
		return nil, nil, ErrMissingCodebook
	}
	codes = live(codes)
	p.rng.Shuffle(len(codes), func(i, j int) { codes[i], codes[j] = codes[j], codes[i] })

	p.advance(codes)
	stage := p.current()
	if stage == nil {
		return nil, nil, nil
	}

	out, updated, err := stage.Preprocess(ctx, cb, filter(codes, stage.Filter))
	p.propagate(updated)
	return out, updated, err
}

func (p *Pipeline) advance(codes []*codebook.Code) {
	if p.Done() {
		return
	}
	if p.index >= 0 {
		cur := p.stages[p.index]
		if cur.Looping() && !cur.Stopping() && len(filter(codes, cur.Filter)) > 0 {
			return
		}
	}
	p.index++
	if stage := p.current(); stage != nil {
		slog.Info("consolidate: stage started",
			"stage", stage.Name(), "index", p.index, "of", len(p.stages), "codes", len(codes))
	} else {
		slog.Info("consolidate: pipeline finished", "codes", len(codes))
	}
}

func (p *Pipeline) BuildPrompts(ctx context.Context, cb codebook.Codebook, codes []*codebook.Code) (Prompt, codebook.Codebook, error) {
	stage := p.current()
	if stage == nil {
		return Prompt{}, nil, nil
	}
	prompt, updated, err := stage.BuildPrompts(ctx, cb, codes)
	p.propagate(updated)
	return prompt, updated, err
}

func (p *Pipeline) ParseResponse(ctx context.Context, cb codebook.Codebook, codes []*codebook.Code, lines []string) (int, codebook.Codebook, error) {
	stage := p.current()
	if stage == nil {
		return -1, nil, nil
	}
	delta, updated, err := stage.ParseResponse(ctx, cb, codes, lines)
	p.propagate(updated)
	return delta, updated, err
}

func (p *Pipeline) ChunkSize(recommended, remaining, tries int) int {
	if stage := p.current(); stage != nil {
		return stage.ChunkSize(recommended, remaining, tries)
	}
	return 0
}

func (p *Pipeline) Chunkified() bool {
	if stage := p.current(); stage != nil {
		return stage.Chunkified()
	}
	return false
}

func (p *Pipeline) Looping() bool {
	if stage := p.current(); stage != nil {
		return stage.Looping()
	}
	return false
}

func (p *Pipeline) Stopping() bool {
	if stage := p.current(); stage != nil {
		return stage.Stopping()
	}
	return true
}

func (p *Pipeline) Temperature() float64 {
	if stage := p.current(); stage != nil {
		return stage.Temperature()
	}
	return 0
}

func (p *Pipeline) propagate(updated codebook.Codebook) {
	if updated != nil && p.analysis != nil {
		p.analysis.Codebook = updated
	}
}
