package llm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
	requests  []ChatRequest
	err       error
}

func (p *scriptedProvider) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	content := ""
	if len(p.responses) > 0 {
		content = p.responses[0]
		p.responses = p.responses[1:]
	}
	return &ChatResponse{Content: content, PromptTokens: 3, CompletionTokens: 2}, nil
}

func (p *scriptedProvider) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

type memoryResponses struct {
	data map[string]string
}

func (m *memoryResponses) GetResponse(_ context.Context, key string) (string, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryResponses) PutResponse(_ context.Context, key, _, _ string, _ float64, response string) error {
	m.data[key] = response
	return nil
}

func (m *memoryResponses) DeleteResponse(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func TestRequesterCachesResponses(t *testing.T) {
	p := &scriptedProvider{responses: []string{"first", "second"}}
	cache := &memoryResponses{data: map[string]string{}}
	r := NewRequester(p, WithResponseCache(cache), WithModel("m"))
	msgs := Prompt("sys", "codes")

	got, err := r.Request(context.Background(), msgs, "refine", 0.5)
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	got, err = r.Request(context.Background(), msgs, "refine", 0.5)
	require.NoError(t, err)
	assert.Equal(t, "first", got)
	assert.Len(t, p.requests, 1)

	// A retry at a higher temperature must reach the model again.
	got, err = r.Request(context.Background(), msgs, "refine", 0.7)
	require.NoError(t, err)
	assert.Equal(t, "second", got)

	u := r.Usage()
	assert.Equal(t, 2, u.Requests)
	assert.Equal(t, 1, u.CacheHits)
	assert.Equal(t, 6, u.PromptTokens)
	assert.Equal(t, "m", p.requests[0].Model)
	assert.InDelta(t, 0.7, p.requests[1].Temperature, 1e-9)
}

func TestRequesterDoesNotCacheEmpty(t *testing.T) {
	p := &scriptedProvider{responses: []string{"", "answer"}}
	cache := &memoryResponses{data: map[string]string{}}
	r := NewRequester(p, WithResponseCache(cache))

	got, err := r.Request(context.Background(), Prompt("", "x"), "ns", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, cache.data)

	got, err = r.Request(context.Background(), Prompt("", "x"), "ns", 0)
	require.NoError(t, err)
	assert.Equal(t, "answer", got)
}

func TestRequesterForget(t *testing.T) {
	p := &scriptedProvider{responses: []string{"garbled", "1. delay"}}
	cache := &memoryResponses{data: map[string]string{}}
	r := NewRequester(p, WithResponseCache(cache))
	msgs := Prompt("", "x")

	got, err := r.Request(context.Background(), msgs, "ns", 0.5)
	require.NoError(t, err)
	assert.Equal(t, "garbled", got)
	r.Forget(context.Background(), msgs, "ns", 0.5)
	assert.Empty(t, cache.data)

	got, err = r.Request(context.Background(), msgs, "ns", 0.5)
	require.NoError(t, err)
	assert.Equal(t, "1. delay", got)
	assert.Len(t, p.requests, 2)
	assert.Zero(t, r.Usage().CacheHits)

	NewRequester(p).Forget(context.Background(), msgs, "ns", 0.5)
}

func TestRequesterWrapsProviderError(t *testing.T) {
	r := NewRequester(&scriptedProvider{err: errors.New("down")}, WithRateLimit(6000))
	_, err := r.Request(context.Background(), Prompt("", "x"), "ns", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
}

func TestResponseKey(t *testing.T) {
	msgs := Prompt("a", "b")
	assert.Equal(t, ResponseKey("ns", "m", 0.2, msgs), ResponseKey("ns", "m", 0.2, msgs))
	assert.NotEqual(t, ResponseKey("ns", "m", 0.2, msgs), ResponseKey("ns", "m", 0.4, msgs))
	assert.NotEqual(t, ResponseKey("ns", "m", 0.2, msgs), ResponseKey("other", "m", 0.2, msgs))
	assert.NotEqual(t, ResponseKey("ns", "m", 0.2, msgs), ResponseKey("ns", "m", 0.2, Prompt("a", "c")))
}
