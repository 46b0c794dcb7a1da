// Package embedding turns code texts into vectors through an llm.Provider,
// caching every vector by a hash of its namespace, model and text.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/qualcode/llm"
)

// Embedder produces one vector per text. Namespace separates caches for
// texts embedded for different purposes.
type Embedder interface {
	Embed(ctx context.Context, namespace string, texts []string) ([][]float32, error)
}

// Cache persists vectors between runs. store.Store implements it.
type Cache interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	PutEmbedding(ctx context.Context, key, model string, vec []float32) error
}

// Cached is an Embedder backed by a provider, an in-memory map and an
// optional persistent Cache.
type Cached struct {
	provider    llm.Provider
	cache       Cache
	model       string
	batchSize   int
	concurrency int

	mu     sync.RWMutex
	memory map[string][]float32
}

// Option configures a Cached embedder.
type Option func(*Cached)

// WithCache sets the persistent cache.
func WithCache(c Cache) Option {
	return func(e *Cached) { e.cache = c }
}

// WithBatchSize sets how many texts go into one provider call.
func WithBatchSize(n int) Option {
	return func(e *Cached) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithConcurrency bounds the number of provider calls in flight.
func WithConcurrency(n int) Option {
	return func(e *Cached) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// NewCached creates a caching embedder. model is only used in cache keys.
func NewCached(p llm.Provider, model string, opts ...Option) *Cached {
	e := &Cached{
		provider:    p,
		model:       model,
		batchSize:   64,
		concurrency: 4,
		memory:      make(map[string][]float32),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Key returns the cache key of text embedded with model under namespace.
func Key(namespace, model, text string) string {
	h := sha256.New()
	_, _ = io.WriteString(h, namespace)
	_, _ = io.WriteString(h, "|")
	_, _ = io.WriteString(h, model)
	_, _ = io.WriteString(h, "|")
	_, _ = io.WriteString(h, text)
	return hex.EncodeToString(h.Sum(nil))
}

// Embed returns vectors for texts, requesting only the ones not cached.
// Identical texts are embedded once.
func (e *Cached) Embed(ctx context.Context, namespace string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	pending := make(map[string][]int)
	var missing []string

	for i, text := range texts {
		key := Key(namespace, e.model, text)
		keys[i] = key
		if vec, ok := e.lookup(ctx, key); ok {
			out[i] = vec
			continue
		}
		if _, ok := pending[key]; !ok {
			missing = append(missing, text)
		}
		pending[key] = append(pending[key], i)
	}

	if len(missing) > 0 {
		slog.Debug("embedding: requesting vectors",
			"namespace", namespace, "missing", len(missing), "total", len(texts))
		vectors, err := e.request(ctx, missing)
		if err != nil {
			return nil, err
		}
		for j, text := range missing {
			key := Key(namespace, e.model, text)
			e.remember(ctx, key, vectors[j])
			for _, i := range pending[key] {
				out[i] = vectors[j]
			}
		}
	}
	return out, nil
}

// request embeds texts in batches, several batches at a time.
func (e *Cached) request(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		g.Go(func() error {
			vectors, err := e.provider.Embed(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
			}
			if len(vectors) != end-start {
				return fmt.Errorf("embedding batch %d-%d: got %d vectors", start, end, len(vectors))
			}
			copy(out[start:end], vectors)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Cached) lookup(ctx context.Context, key string) ([]float32, bool) {
	e.mu.RLock()
	vec, ok := e.memory[key]
	e.mu.RUnlock()
	if ok {
		return vec, true
	}
	if e.cache == nil {
		return nil, false
	}
	vec, ok, err := e.cache.GetEmbedding(ctx, key)
	if err != nil {
		slog.Warn("embedding: cache read failed", "error", err)
		return nil, false
	}
	if ok {
		e.mu.Lock()
		e.memory[key] = vec
		e.mu.Unlock()
	}
	return vec, ok
}

func (e *Cached) remember(ctx context.Context, key string, vec []float32) {
	e.mu.Lock()
	e.memory[key] = vec
	e.mu.Unlock()
	if e.cache == nil {
		return
	}
	if err := e.cache.PutEmbedding(ctx, key, e.model, vec); err != nil {
		slog.Warn("embedding: cache write failed", "error", err)
	}
}
