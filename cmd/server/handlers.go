package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brunobiangulo/qualcode"
	"github.com/brunobiangulo/qualcode/codebook"
	"github.com/brunobiangulo/qualcode/store"
)

// runTimeout bounds a single consolidation, reference or evaluation request.
const runTimeout = 2 * time.Hour

// engine is the part of *qualcode.Engine the handlers use.
type engine interface {
	Consolidate(ctx context.Context, name string, analysis *codebook.CodedThreads) (*qualcode.RunResult, error)
	BuildReference(ctx context.Context, name string, codebooks []codebook.Codebook) (*qualcode.RunResult, error)
	Evaluate(ctx context.Context, in qualcode.EvaluateInput) (*qualcode.Evaluation, error)
	Runs(ctx context.Context, kind string, limit int) ([]store.Run, error)
}

type handler struct {
	engine   engine
	validate *validator.Validate
}

func newHandler(e engine) *handler {
	return &handler{engine: e, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// newServer wires routes and the middleware chain.
func newServer(e engine, apiKey, corsOrigins string) http.Handler {
	h := newHandler(e)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /consolidate", h.handleConsolidate)
	mux.HandleFunc("POST /reference", h.handleReference)
	mux.HandleFunc("POST /evaluate", h.handleEvaluate)
	mux.HandleFunc("GET /runs", h.handleListRuns)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)
	return handler
}

type consolidateRequest struct {
	Name     string                       `json:"name" validate:"required"`
	Threads  map[string]codebook.Codebook `json:"threads" validate:"required_without=Codebook"`
	Codebook codebook.Codebook            `json:"codebook" validate:"required_without=Threads"`
}

// POST /consolidate
// Accepts a coded analysis: per-thread codebooks, a merged codebook, or both.
func (h *handler) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	var req consolidateRequest
	if !h.decode(w, r, &req) {
		return
	}

	for id, cb := range req.Threads {
		req.Threads[id] = cb.Normalize()
	}
	analysis := &codebook.CodedThreads{Threads: req.Threads, Codebook: req.Codebook.Normalize()}
	if req.Codebook == nil {
		ids := make([]string, 0, len(req.Threads))
		for id := range req.Threads {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		threads := make([]codebook.Codebook, 0, len(ids))
		for _, id := range ids {
			threads = append(threads, req.Threads[id])
		}
		analysis.Codebook = codebook.MergeThreads(threads)
	}

	ctx, cancel := context.WithTimeout(r.Context(), runTimeout)
	defer cancel()

	res, err := h.engine.Consolidate(ctx, req.Name, analysis)
	if err != nil {
		writeRunError(w, "consolidation", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type referenceRequest struct {
	Name      string              `json:"name"`
	Codebooks []codebook.Codebook `json:"codebooks" validate:"required,min=1"`
}

// POST /reference
func (h *handler) handleReference(w http.ResponseWriter, r *http.Request) {
	var req referenceRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		req.Name = "reference"
	}
	normalize(req.Codebooks)

	ctx, cancel := context.WithTimeout(r.Context(), runTimeout)
	defer cancel()

	res, err := h.engine.BuildReference(ctx, req.Name, req.Codebooks)
	if err != nil {
		writeRunError(w, "reference", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type evaluateRequest struct {
	Reference codebook.Codebook   `json:"reference" validate:"required"`
	Codebooks []codebook.Codebook `json:"codebooks" validate:"required,min=1"`
	Names     []string            `json:"names" validate:"omitempty,dive,required"`
	Weights   []float64           `json:"weights" validate:"omitempty,dive,gte=0"`
}

// POST /evaluate
func (h *handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Names) > 0 && len(req.Names) != len(req.Codebooks) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("got %d names for %d codebooks", len(req.Names), len(req.Codebooks)))
		return
	}
	if len(req.Weights) > 0 && len(req.Weights) != len(req.Codebooks) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("got %d weights for %d codebooks", len(req.Weights), len(req.Codebooks)))
		return
	}

	normalize(req.Codebooks)

	ctx, cancel := context.WithTimeout(r.Context(), runTimeout)
	defer cancel()

	res, err := h.engine.Evaluate(ctx, qualcode.EvaluateInput{
		Reference: req.Reference.Normalize(),
		Codebooks: req.Codebooks,
		Names:     req.Names,
		Weights:   req.Weights,
	})
	if err != nil {
		writeRunError(w, "evaluation", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /runs?kind=evaluate&limit=20
func (h *handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	switch kind {
	case "", store.RunConsolidate, store.RunReference, store.RunEvaluate:
	default:
		writeError(w, http.StatusBadRequest, "unknown run kind")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := h.engine.Runs(r.Context(), kind, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		slog.Error("list runs error", "error", err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func normalize(codebooks []codebook.Codebook) {
	for i, cb := range codebooks {
		codebooks[i] = cb.Normalize()
	}
}

func writeRunError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, qualcode.ErrNoCodebooks), errors.Is(err, qualcode.ErrUnknownStage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, op+" timed out")
	default:
		writeError(w, http.StatusInternalServerError, op+" failed")
		slog.Error(op+" error", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
