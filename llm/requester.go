package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ResponseCache persists chat responses. store.Store implements it.
type ResponseCache interface {
	GetResponse(ctx context.Context, key string) (string, bool, error)
	PutResponse(ctx context.Context, key, namespace, model string, temperature float64, response string) error
	DeleteResponse(ctx context.Context, key string) error
}

// Usage accumulates token counts over a Requester's lifetime.
type Usage struct {
	Requests         int `json:"requests"`
	CacheHits        int `json:"cache_hits"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Requester sends chat prompts for the consolidation stages. Identical
// prompts at the same temperature are answered from the cache.
type Requester struct {
	provider  Provider
	cache     ResponseCache
	limiter   *rate.Limiter
	model     string
	maxTokens int

	mu    sync.Mutex
	usage Usage
}

// RequesterOption configures a Requester.
type RequesterOption func(*Requester)

// WithResponseCache sets the persistent response cache.
func WithResponseCache(c ResponseCache) RequesterOption {
	return func(r *Requester) { r.cache = c }
}

// WithRateLimit caps outgoing requests per minute. Zero disables the limit.
func WithRateLimit(perMinute int) RequesterOption {
	return func(r *Requester) {
		if perMinute > 0 {
			r.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
		}
	}
}

// WithModel sets the model name sent with every request and used in cache
// keys.
func WithModel(model string) RequesterOption {
	return func(r *Requester) { r.model = model }
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) RequesterOption {
	return func(r *Requester) { r.maxTokens = n }
}

// NewRequester wraps p.
func NewRequester(p Provider, opts ...RequesterOption) *Requester {
	r := &Requester{provider: p}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ResponseKey hashes everything that determines a response.
func ResponseKey(namespace, model string, temperature float64, messages []Message) string {
	data, _ := json.Marshal(messages)
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(temperature, 'f', 3, 64)))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Request returns the model's answer to messages. namespace groups cache
// entries, typically by consolidation stage. An empty answer is returned
// as-is and never cached; callers that cannot parse a non-empty answer
// should Forget it.
func (r *Requester) Request(ctx context.Context, messages []Message, namespace string, temperature float64) (string, error) {
	key := ResponseKey(namespace, r.model, temperature, messages)
	if r.cache != nil {
		cached, ok, err := r.cache.GetResponse(ctx, key)
		if err != nil {
			slog.Warn("llm: response cache read failed", "error", err)
		} else if ok {
			r.record(func(u *Usage) { u.CacheHits++ })
			requestsTotal.WithLabelValues(namespace, "cache").Inc()
			return cached, nil
		}
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	start := time.Now()
	resp, err := r.provider.Chat(ctx, ChatRequest{
		Model:       r.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   r.maxTokens,
	})
	requestDuration.WithLabelValues(namespace).Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(namespace, "error").Inc()
		return "", fmt.Errorf("chat request %s: %w", namespace, err)
	}
	requestsTotal.WithLabelValues(namespace, "ok").Inc()
	r.record(func(u *Usage) {
		u.Requests++
		u.PromptTokens += resp.PromptTokens
		u.CompletionTokens += resp.CompletionTokens
	})

	slog.Debug("llm: response received",
		"namespace", namespace,
		"temperature", temperature,
		"prompt_tokens", resp.PromptTokens,
		"completion_tokens", resp.CompletionTokens,
		"finish_reason", resp.FinishReason,
	)

	if resp.Content != "" && r.cache != nil {
		if err := r.cache.PutResponse(ctx, key, namespace, r.model, temperature, resp.Content); err != nil {
			slog.Warn("llm: response cache write failed", "error", err)
		}
	}
	return resp.Content, nil
}

// Forget drops the cached answer to messages so the next identical request
// reaches the model. Callers use it for answers they could not use.
func (r *Requester) Forget(ctx context.Context, messages []Message, namespace string, temperature float64) {
	if r.cache == nil {
		return
	}
	key := ResponseKey(namespace, r.model, temperature, messages)
	if err := r.cache.DeleteResponse(ctx, key); err != nil {
		slog.Warn("llm: response cache delete failed", "error", err)
	}
}

// Usage returns a snapshot of the accumulated usage.
func (r *Requester) Usage() Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage
}

func (r *Requester) record(fn func(*Usage)) {
	r.mu.Lock()
	fn(&r.usage)
	r.mu.Unlock()
}
