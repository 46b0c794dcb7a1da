// Package qualcode consolidates qualitative codebooks with an LLM in the loop
// and evaluates codebooks against a reference over a semantic graph.
package qualcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/brunobiangulo/qualcode/cluster"
	"github.com/brunobiangulo/qualcode/codebook"
	"github.com/brunobiangulo/qualcode/consolidate"
	"github.com/brunobiangulo/qualcode/embedding"
	"github.com/brunobiangulo/qualcode/eval"
	"github.com/brunobiangulo/qualcode/graph"
	"github.com/brunobiangulo/qualcode/llm"
	"github.com/brunobiangulo/qualcode/reference"
	"github.com/brunobiangulo/qualcode/store"
)

// evaluateNamespace separates evaluation embeddings from clustering ones.
const evaluateNamespace = "evaluate"

// RunResult is the outcome of a consolidation or reference run.
type RunResult struct {
	RunID           string            `json:"run_id"`
	Codebook        codebook.Codebook `json:"codebook"`
	Codes           int               `json:"codes"`
	Usage           llm.Usage         `json:"usage"`
	EstimatedTokens int               `json:"estimated_tokens,omitempty"`
	ElapsedMs       int64             `json:"elapsed_ms"`
}

// Evaluation is the outcome of an evaluation run.
type Evaluation struct {
	RunID     string                          `json:"run_id"`
	Results   map[string]eval.Result          `json:"results"`
	Clusters  map[string][]eval.ClusterResult `json:"clusters,omitempty"`
	Graph     *graph.Graph                    `json:"graph"`
	ElapsedMs int64                           `json:"elapsed_ms"`
}

// EvaluateInput names the codebooks of an evaluation. Names and Weights are
// parallel to Codebooks and optional.
type EvaluateInput struct {
	Reference codebook.Codebook
	Codebooks []codebook.Codebook
	Names     []string
	Weights   []float64
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	chat      llm.Provider
	embedder  llm.Provider
	store     *store.Store
	clusterer cluster.Clusterer
}

// WithChatProvider overrides the provider built from Config.Chat.
func WithChatProvider(p llm.Provider) Option {
	return func(o *engineOptions) { o.chat = p }
}

// WithEmbeddingProvider overrides the provider built from Config.Embedding.
func WithEmbeddingProvider(p llm.Provider) Option {
	return func(o *engineOptions) { o.embedder = p }
}

// WithStore uses s instead of opening the configured database. The engine
// does not close it.
func WithStore(s *store.Store) Option {
	return func(o *engineOptions) { o.store = s }
}

// WithClusterer overrides the hierarchical clusterer.
func WithClusterer(c cluster.Clusterer) Option {
	return func(o *engineOptions) { o.clusterer = c }
}

// Engine wires providers, caches, the clusterer and the store together.
type Engine struct {
	cfg       Config
	store     *store.Store
	ownsStore bool
	requester *llm.Requester
	embedder  *embedding.Cached
	clusterer cluster.Clusterer
}

// New creates an engine with the given configuration.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	var err error
	if o.chat == nil {
		if o.chat, err = llm.NewProvider(cfg.Chat); err != nil {
			return nil, fmt.Errorf("%w: chat: %v", ErrLLMUnavailable, err)
		}
	}
	if o.embedder == nil {
		if o.embedder, err = llm.NewProvider(cfg.Embedding); err != nil {
			return nil, fmt.Errorf("%w: embedding: %v", ErrLLMUnavailable, err)
		}
	}

	e := &Engine{cfg: cfg, store: o.store}
	if e.store == nil {
		dbPath := cfg.resolveDBPath()
		if e.store, err = store.New(dbPath); err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		e.ownsStore = true
		slog.Info("qualcode: store opened", "path", dbPath)
	}

	reqOpts := []llm.RequesterOption{
		llm.WithResponseCache(e.store),
		llm.WithModel(cfg.Chat.Model),
	}
	if cfg.RateLimit > 0 {
		reqOpts = append(reqOpts, llm.WithRateLimit(cfg.RateLimit))
	}
	if cfg.MaxTokens > 0 {
		reqOpts = append(reqOpts, llm.WithMaxTokens(cfg.MaxTokens))
	}
	e.requester = llm.NewRequester(o.chat, reqOpts...)
	e.embedder = embedding.NewCached(o.embedder, cfg.Embedding.Model,
		embedding.WithCache(e.store),
		embedding.WithBatchSize(cfg.EmbedBatchSize),
		embedding.WithConcurrency(cfg.EmbedConcurrency),
	)
	e.clusterer = o.clusterer
	if e.clusterer == nil {
		e.clusterer = cluster.NewHierarchical(e.embedder)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Store returns the underlying store.
func (e *Engine) Store() *store.Store { return e.store }

// Runs lists recent runs, newest first. kind filters when non-empty.
func (e *Engine) Runs(ctx context.Context, kind string, limit int) ([]store.Run, error) {
	return e.store.ListRuns(ctx, kind, limit)
}

// Usage returns the chat token usage so far.
func (e *Engine) Usage() llm.Usage { return e.requester.Usage() }

// Close closes the store when the engine opened it.
func (e *Engine) Close() error {
	if e.ownsStore {
		return e.store.Close()
	}
	return nil
}

// Stages builds the configured consolidation stages in order.
func (e *Engine) Stages() ([]consolidate.Consolidator, error) {
	cc := e.cfg.Consolidation
	stages := make([]consolidate.Consolidator, 0, len(cc.Stages))
	for _, name := range cc.Stages {
		switch name {
		case StageAlternative:
			stages = append(stages, consolidate.NewAlternativeMerger(true))
		case StageSimple:
			s := consolidate.NewSimpleMerger(e.clusterer, cc.SimpleMaximum, cc.SimpleMinimum, true)
			s.UseDefinition = cc.UseDefinition
			stages = append(stages, s)
		case StageDefinition:
			d := consolidate.NewDefinitionGenerator()
			d.Question = cc.Question
			stages = append(stages, d)
		case StageRefine:
			r := consolidate.NewRefineMerger(e.clusterer, cc.RefineMaximum, cc.RefineMinimum)
			r.Question = cc.Question
			stages = append(stages, r)
		case StageCategory:
			stages = append(stages, consolidate.NewCategoryMerger(e.clusterer, cc.SimpleMaximum, cc.SimpleMinimum))
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownStage, name)
		}
	}
	return stages, nil
}

func (e *Engine) driverOptions() []consolidate.Option {
	cc := e.cfg.Consolidation
	return []consolidate.Option{
		consolidate.WithChunkSize(cc.ChunkSize),
		consolidate.WithMaxRetries(cc.MaxRetries),
		consolidate.WithMaxIterations(cc.MaxIterations),
		consolidate.WithDryRun(cc.DryRun),
	}
}

// Consolidate runs the configured stages over analysis.Codebook, which is
// updated in place. The result is saved under name.
func (e *Engine) Consolidate(ctx context.Context, name string, analysis *codebook.CodedThreads) (res *RunResult, err error) {
	if analysis == nil || analysis.Codebook == nil {
		return nil, ErrNoCodebooks
	}
	stages, err := e.Stages()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	runID, err := e.store.StartRun(ctx, store.RunConsolidate, len(analysis.Threads), e.cfg.Consolidation)
	if err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}
	defer func() { e.finishRun(ctx, runID, err) }()

	slog.Info("qualcode: consolidating", "run", runID, "codes", analysis.Codebook.Len(), "stages", e.cfg.Consolidation.Stages)
	seed := e.cfg.Consolidation.Seed
	driver := consolidate.NewDriver(e.requester, e.driverOptions()...)
	pipeline := consolidate.NewPipeline(rand.New(rand.NewPCG(seed, seed)), stages...)
	if err := driver.Run(ctx, analysis, pipeline); err != nil {
		return nil, fmt.Errorf("consolidating: %w", err)
	}

	if !e.cfg.Consolidation.DryRun {
		if _, err := e.store.SaveCodebook(ctx, runID, name, analysis.Codebook); err != nil {
			return nil, fmt.Errorf("saving codebook: %w", err)
		}
	}
	return &RunResult{
		RunID:           runID,
		Codebook:        analysis.Codebook,
		Codes:           analysis.Codebook.Len(),
		Usage:           e.requester.Usage(),
		EstimatedTokens: driver.EstimatedTokens(),
		ElapsedMs:       time.Since(start).Milliseconds(),
	}, nil
}

// BuildReference merges codebooks into a reference codebook saved under
// name.
func (e *Engine) BuildReference(ctx context.Context, name string, codebooks []codebook.Codebook) (res *RunResult, err error) {
	if len(codebooks) == 0 {
		return nil, ErrNoCodebooks
	}

	start := time.Now()
	runID, err := e.store.StartRun(ctx, store.RunReference, len(codebooks), e.cfg.Consolidation)
	if err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}
	defer func() { e.finishRun(ctx, runID, err) }()

	cc := e.cfg.Consolidation
	cb, err := reference.BuildReference(ctx, codebooks, reference.Options{
		Clusterer:     e.clusterer,
		Requester:     e.requester,
		Refining:      cc.Refining,
		SameData:      cc.SameData,
		Strict:        cc.Strict,
		SimpleMaximum: cc.SimpleMaximum,
		SimpleMinimum: cc.SimpleMinimum,
		Question:      cc.Question,
		Seed:          cc.Seed,
		Driver:        e.driverOptions(),
	})
	if err != nil {
		return nil, err
	}

	if !cc.DryRun {
		if _, err := e.store.SaveCodebook(ctx, runID, name, cb); err != nil {
			return nil, fmt.Errorf("saving reference: %w", err)
		}
	}
	return &RunResult{
		RunID:     runID,
		Codebook:  cb,
		Codes:     cb.Len(),
		Usage:     e.requester.Usage(),
		ElapsedMs: time.Since(start).Milliseconds(),
	}, nil
}

// Evaluate merges the codebooks with the reference, embeds the merged codes,
// builds the semantic graph and scores every codebook against it.
func (e *Engine) Evaluate(ctx context.Context, in EvaluateInput) (res *Evaluation, err error) {
	if in.Reference == nil || len(in.Codebooks) == 0 {
		return nil, ErrNoCodebooks
	}

	start := time.Now()
	runID, err := e.store.StartRun(ctx, store.RunEvaluate, len(in.Codebooks), e.cfg.Graph)
	if err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}
	defer func() { e.finishRun(ctx, runID, err) }()

	names := append([]string{"reference"}, in.Names...)
	var weights []float64
	if len(in.Weights) > 0 {
		weights = append([]float64{0}, in.Weights...)
	}
	ds := graph.NewDataset(in.Reference, in.Codebooks, names, weights)
	if len(ds.Codes) == 0 {
		return nil, fmt.Errorf("%w: merged dataset has no codes", ErrNoCodebooks)
	}

	texts := ds.Texts(e.cfg.EmbedDefinitions)
	ds.Distances, err = e.distances(ctx, texts)
	if err != nil {
		return nil, err
	}

	params := e.cfg.Graph
	if params.Seed == 0 {
		params.Seed = e.cfg.Consolidation.Seed
	}
	g, err := graph.Build(ctx, ds, params)
	if err != nil {
		return nil, fmt.Errorf("building graph: %w", err)
	}
	results, err := eval.Evaluate(ctx, g, ds)
	if err != nil {
		return nil, fmt.Errorf("evaluating: %w", err)
	}
	clusters := eval.EvaluateClusters(g, ds, results)

	if err := e.store.SaveEvaluation(ctx, runID, results); err != nil {
		return nil, fmt.Errorf("saving evaluation: %w", err)
	}
	return &Evaluation{
		RunID:     runID,
		Results:   results,
		Clusters:  clusters,
		Graph:     g,
		ElapsedMs: time.Since(start).Milliseconds(),
	}, nil
}

// distances embeds texts and returns their pairwise distances. Euclidean
// distances come from sqlite-vec over the cached vectors; cosine distances,
// or a failed store lookup, fall back to the in-process matrix.
func (e *Engine) distances(ctx context.Context, texts []string) ([][]float64, error) {
	vectors, err := e.embedder.Embed(ctx, evaluateNamespace, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding codes: %w", err)
	}
	if e.cfg.Metric == embedding.Euclidean {
		keys := make([]string, len(texts))
		for i, t := range texts {
			keys[i] = embedding.Key(evaluateNamespace, e.cfg.Embedding.Model, t)
		}
		d, err := e.store.PairwiseDistances(ctx, keys)
		if err == nil {
			return d, nil
		}
		slog.Warn("qualcode: store distances unavailable, computing in process", "error", err)
	}
	return embedding.DistanceMatrix(vectors, e.cfg.Metric)
}

func (e *Engine) finishRun(ctx context.Context, runID string, runErr error) {
	if ferr := e.store.FinishRun(context.WithoutCancel(ctx), runID, runErr); ferr != nil {
		slog.Warn("qualcode: recording run result failed", "run", runID, "error", ferr)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("qualcode: run failed", "run", runID, "error", runErr)
	}
}
