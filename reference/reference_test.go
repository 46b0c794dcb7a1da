package reference

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/qualcode/cluster"
	"github.com/brunobiangulo/qualcode/codebook"
	"github.com/brunobiangulo/qualcode/llm"
)

type staticEmbedder map[string][]float32

func (e staticEmbedder) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		label, _, _ := strings.Cut(t, ": ")
		v, ok := e[label]
		if !ok {
			return nil, errors.New("unknown text " + t)
		}
		out[i] = v
	}
	return out, nil
}

var itemLine = regexp.MustCompile(`(?m)^(\d+)\. (.+)$`)

// definer answers every numbered item with a definition naming its label.
type definer struct {
	calls int
}

func (d *definer) Request(_ context.Context, messages []llm.Message, _ string, _ float64) (string, error) {
	d.calls++
	var b strings.Builder
	for _, m := range itemLine.FindAllStringSubmatch(messages[len(messages)-1].Content, -1) {
		fmt.Fprintf(&b, "%s. Label: %s\nDefinition: About %s.\nCategory: Timing\n", m[1], m[2], m[2])
	}
	return b.String(), nil
}

func embedder() staticEmbedder {
	return staticEmbedder{
		"delay":    {1, 0, 0},
		"postpone": {0.995, 0.0998749, 0},
		"cancel":   {0, 0, 1},
	}
}

func TestBuildReferenceSingleCodebook(t *testing.T) {
	cb := codebook.New(&codebook.Code{Label: "delay", Examples: []string{"a"}})
	req := &definer{}

	got, err := BuildReference(context.Background(), []codebook.Codebook{cb}, Options{})
	require.NoError(t, err)
	assert.Equal(t, cb, got)
	assert.Zero(t, req.calls)
}

func TestBuildReferenceNoCodebooks(t *testing.T) {
	_, err := BuildReference(context.Background(), nil, Options{})
	assert.Error(t, err)
}

func TestBuildReferenceMergesAndDefines(t *testing.T) {
	codebooks := []codebook.Codebook{
		codebook.New(&codebook.Code{Label: "delay", Examples: []string{"1|||we had to wait"}}),
		codebook.New(
			&codebook.Code{Label: "postpone", Examples: []string{"2|||pushed back"}},
			&codebook.Code{Label: "cancel", Examples: []string{"3|||called off"}},
		),
		codebook.New(&codebook.Code{Label: "delay", Examples: []string{"4|||still waiting"}}),
	}
	req := &definer{}

	got, err := BuildReference(context.Background(), codebooks, Options{
		Clusterer: cluster.NewHierarchical(embedder()),
		Requester: req,
		Strict:    true,
	})
	require.NoError(t, err)

	require.Equal(t, 2, got.Len())
	delay := got["delay"]
	require.NotNil(t, delay)
	assert.Equal(t, []string{"postpone"}, delay.Alternatives)
	assert.Len(t, delay.Examples, 3)
	assert.Equal(t, []string{"About delay."}, delay.Definitions)
	assert.Equal(t, []string{"About cancel."}, got["cancel"].Definitions)
	assert.Positive(t, req.calls)

	// Inputs are not modified.
	assert.Len(t, codebooks[0]["delay"].Examples, 1)
}

func TestRefineCodebookWithRefining(t *testing.T) {
	cb := codebook.New(
		&codebook.Code{Label: "delay", Examples: []string{"a"}},
		&codebook.Code{Label: "cancel", Examples: []string{"b"}},
	)
	req := &definer{}

	got, err := RefineCodebook(context.Background(), cb, Options{
		Clusterer: cluster.NewHierarchical(embedder()),
		Requester: req,
		Refining:  true,
		SameData:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Len())
	assert.Equal(t, []string{"About delay."}, got["delay"].Definitions)
}

func TestRefineCodebookRequiresCollaborators(t *testing.T) {
	cb := codebook.New(&codebook.Code{Label: "delay"})

	_, err := RefineCodebook(context.Background(), cb, Options{Requester: &definer{}})
	assert.Error(t, err)

	_, err = RefineCodebook(context.Background(), cb, Options{Clusterer: cluster.NewHierarchical(embedder())})
	assert.Error(t, err)
}

func TestRefineBands(t *testing.T) {
	same := refineBands(true)
	require.Len(t, same, 2)
	assert.Equal(t, refineBand{0.5, 0.4}, same[0])
	assert.Equal(t, refineBand{0.6, 0.4}, same[1])

	different := refineBands(false)
	assert.InDelta(t, 0.45, different[0].maximum, 1e-9)
	assert.InDelta(t, 0.55, different[1].maximum, 1e-9)
	assert.InDelta(t, 0.4, different[1].minimum, 1e-9)
}

func TestSanityCheck(t *testing.T) {
	cb := codebook.New(
		&codebook.Code{Label: "delay", Alternatives: []string{"postpone"}},
		&codebook.Code{Label: "cancel"},
	)
	known := map[string]struct{}{"delay": {}, "postpone": {}, "cancel": {}, "wait": {}, "abort": {}}

	assert.Equal(t, []string{"abort", "wait"}, SanityCheck(known, cb))

	delete(known, "abort")
	delete(known, "wait")
	assert.Empty(t, SanityCheck(known, cb))
}
