package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/qualcode"
	"github.com/brunobiangulo/qualcode/codebook"
	"github.com/brunobiangulo/qualcode/eval"
	"github.com/brunobiangulo/qualcode/store"
)

type fakeEngine struct {
	analysis  *codebook.CodedThreads
	codebooks []codebook.Codebook
	input     qualcode.EvaluateInput
	kind      string
	limit     int
	err       error
}

func (f *fakeEngine) Consolidate(_ context.Context, name string, analysis *codebook.CodedThreads) (*qualcode.RunResult, error) {
	f.analysis = analysis
	if f.err != nil {
		return nil, f.err
	}
	return &qualcode.RunResult{RunID: "run-" + name, Codebook: analysis.Codebook, Codes: analysis.Codebook.Len()}, nil
}

func (f *fakeEngine) BuildReference(_ context.Context, name string, codebooks []codebook.Codebook) (*qualcode.RunResult, error) {
	f.codebooks = codebooks
	if f.err != nil {
		return nil, f.err
	}
	return &qualcode.RunResult{RunID: "run-" + name, Codes: len(codebooks)}, nil
}

func (f *fakeEngine) Evaluate(_ context.Context, in qualcode.EvaluateInput) (*qualcode.Evaluation, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &qualcode.Evaluation{RunID: "eval", Results: map[string]eval.Result{"a": {Coverage: 0.5}}}, nil
}

func (f *fakeEngine) Runs(_ context.Context, kind string, limit int) ([]store.Run, error) {
	f.kind, f.limit = kind, limit
	return []store.Run{{ID: "r1", Kind: store.RunEvaluate, Status: store.StatusDone}}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestConsolidateMergesThreads(t *testing.T) {
	f := &fakeEngine{}
	srv := newServer(f, "", "")

	rec := do(t, srv, http.MethodPost, "/consolidate", `{
		"name": "study",
		"threads": {
			"t1": {"delay": {"examples": ["1|||wait"]}},
			"t2": {"delay": {"examples": ["2|||later"]}, "cancel": {"examples": ["3|||off"]}}
		}
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.NotNil(t, f.analysis)
	assert.Equal(t, 2, f.analysis.Codebook.Len())
	assert.Len(t, f.analysis.Codebook["delay"].Examples, 2)

	var res qualcode.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "run-study", res.RunID)
}

func TestConsolidateValidation(t *testing.T) {
	srv := newServer(&fakeEngine{}, "", "")

	rec := do(t, srv, http.MethodPost, "/consolidate", `{"name": "study"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/consolidate", `{"codebook": {"delay": {}}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/consolidate", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsolidateUnknownStage(t *testing.T) {
	srv := newServer(&fakeEngine{err: qualcode.ErrUnknownStage}, "", "")
	rec := do(t, srv, http.MethodPost, "/consolidate", `{"name": "x", "codebook": {"delay": {}}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReferenceDefaultsName(t *testing.T) {
	f := &fakeEngine{}
	srv := newServer(f, "", "")

	rec := do(t, srv, http.MethodPost, "/reference", `{"codebooks": [{"delay": {}}, {"cancel": {}}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "run-reference")
	require.Len(t, f.codebooks, 2)
	assert.Equal(t, "cancel", f.codebooks[1]["cancel"].Label)

	rec = do(t, srv, http.MethodPost, "/reference", `{"codebooks": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluate(t *testing.T) {
	f := &fakeEngine{}
	srv := newServer(f, "", "")

	rec := do(t, srv, http.MethodPost, "/evaluate", `{
		"reference": {"delay": {}},
		"codebooks": [{"delay": {}}, {"cancel": {}}],
		"names": ["a", "b"]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"a", "b"}, f.input.Names)
	assert.Equal(t, 1, f.input.Reference.Len())

	rec = do(t, srv, http.MethodPost, "/evaluate", `{
		"reference": {"delay": {}},
		"codebooks": [{"delay": {}}],
		"names": ["a", "b"]
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/evaluate", `{"codebooks": [{"delay": {}}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluateEngineFailure(t *testing.T) {
	srv := newServer(&fakeEngine{err: context.Canceled}, "", "")
	rec := do(t, srv, http.MethodPost, "/evaluate", `{"reference": {"a": {}}, "codebooks": [{"a": {}}]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "evaluation failed")
}

func TestListRuns(t *testing.T) {
	f := &fakeEngine{}
	srv := newServer(f, "", "")

	rec := do(t, srv, http.MethodGet, "/runs?kind=evaluate&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "evaluate", f.kind)
	assert.Equal(t, 5, f.limit)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = do(t, srv, http.MethodGet, "/runs?kind=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, srv, http.MethodGet, "/runs?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthSkipsPublicPaths(t *testing.T) {
	srv := newServer(&fakeEngine{}, "secret", "")

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodGet, "/runs", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newServer(&fakeEngine{}, "", "")
	do(t, srv, http.MethodGet, "/health", "")

	rec := do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "qualcode_http_requests_total")
}
