// Package store persists caches, runs, codebooks and evaluation results in
// SQLite with the sqlite-vec extension loaded.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/brunobiangulo/qualcode/codebook"
	"github.com/brunobiangulo/qualcode/eval"
)

func init() {
	sqlite_vec.Auto()
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Run kinds.
const (
	RunConsolidate = "consolidate"
	RunReference   = "reference"
	RunEvaluate    = "evaluate"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Run represents a row in the runs table.
type Run struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	Config     string `json:"config,omitempty"`
	Error      string `json:"error,omitempty"`
	Threads    int    `json:"threads"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// StoredCodebook is a row in the codebooks table without its body.
type StoredCodebook struct {
	ID        int64  `json:"id"`
	RunID     string `json:"run_id,omitempty"`
	Name      string `json:"name"`
	Codes     int    `json:"codes"`
	CreatedAt string `json:"created_at"`
}

// Evaluation is a row in the evaluations table.
type Evaluation struct {
	RunID    string `json:"run_id"`
	Codebook string `json:"codebook"`
	eval.Result
}

// Stats holds row counts per table.
type Stats struct {
	Embeddings  int `json:"embeddings"`
	Responses   int `json:"responses"`
	Runs        int `json:"runs"`
	Codebooks   int `json:"codebooks"`
	Evaluations int `json:"evaluations"`
}

// Store wraps the SQLite database for all qualcode persistence.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- Embedding cache ---

// GetEmbedding returns the cached vector for key.
func (s *Store) GetEmbedding(ctx context.Context, key string) ([]float32, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT vector FROM embeddings WHERE key = ?", key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	vec, err := deserializeFloat32(blob)
	if err != nil {
		return nil, false, fmt.Errorf("embedding %s: %w", key, err)
	}
	return vec, true, nil
}

// PutEmbedding stores vec under key, replacing any previous vector.
func (s *Store) PutEmbedding(ctx context.Context, key, model string, vec []float32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO embeddings (key, model, dimensions, vector)
		VALUES (?, ?, ?, ?)
	`, key, model, len(vec), serializeFloat32(vec))
	return err
}

// PairwiseDistances returns the euclidean distance matrix between the
// L2-normalised embeddings stored under keys, computed by sqlite-vec. Every
// key must be cached and all vectors must share a dimension.
func (s *Store) PairwiseDistances(ctx context.Context, keys []string) ([][]float64, error) {
	n := len(keys)
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
	}
	if n == 0 {
		return out, nil
	}

	index := make(map[string][]int, n)
	args := make([]any, 0, n)
	for i, k := range keys {
		if _, ok := index[k]; !ok {
			args = append(args, k)
		}
		index[k] = append(index[k], i)
	}

	var found, dims int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT dimensions) FROM embeddings
		WHERE key IN (?`+repeatPlaceholders(len(args)-1)+`)
	`, args...).Scan(&found, &dims)
	if err != nil {
		return nil, err
	}
	if found != len(args) {
		return nil, fmt.Errorf("store: %d of %d embeddings missing: %w", len(args)-found, len(args), ErrNotFound)
	}
	if dims > 1 {
		return nil, fmt.Errorf("store: embeddings have %d different dimensions", dims)
	}

	in := "(?" + repeatPlaceholders(len(args)-1) + ")"
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.key, b.key,
			vec_distance_l2(vec_normalize(a.vector), vec_normalize(b.vector))
		FROM embeddings a
		JOIN embeddings b ON a.key < b.key
		WHERE a.key IN `+in+` AND b.key IN `+in,
		append(append([]any{}, args...), args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var a, b string
		var d float64
		if err := rows.Scan(&a, &b, &d); err != nil {
			return nil, err
		}
		for _, i := range index[a] {
			for _, j := range index[b] {
				out[i][j], out[j][i] = d, d
			}
		}
	}
	return out, rows.Err()
}

// --- LLM response cache ---

// GetResponse returns the cached response for key.
func (s *Store) GetResponse(ctx context.Context, key string) (string, bool, error) {
	var resp string
	err := s.db.QueryRowContext(ctx, "SELECT response FROM llm_responses WHERE key = ?", key).Scan(&resp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return resp, true, nil
}

// PutResponse stores a response under key.
func (s *Store) PutResponse(ctx context.Context, key, namespace, model string, temperature float64, response string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO llm_responses (key, namespace, model, temperature, response)
		VALUES (?, ?, ?, ?, ?)
	`, key, namespace, model, temperature, response)
	return err
}

// DeleteResponse removes the response cached under key, if any.
func (s *Store) DeleteResponse(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM llm_responses WHERE key = ?", key)
	return err
}

// ClearResponses deletes cached responses in namespace, or all of them when
// namespace is empty.
func (s *Store) ClearResponses(ctx context.Context, namespace string) (int64, error) {
	var res sql.Result
	var err error
	if namespace == "" {
		res, err = s.db.ExecContext(ctx, "DELETE FROM llm_responses")
	} else {
		res, err = s.db.ExecContext(ctx, "DELETE FROM llm_responses WHERE namespace = ?", namespace)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Runs ---

// StartRun records a new running run and returns its id. config is stored
// as JSON.
func (s *Store) StartRun(ctx context.Context, kind string, threads int, config any) (string, error) {
	body, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("encoding run config: %w", err)
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, kind, status, config, threads) VALUES (?, ?, ?, ?, ?)
	`, id, kind, StatusRunning, string(body), threads)
	if err != nil {
		return "", err
	}
	return id, nil
}

// FinishRun marks a run done, or failed when runErr is non-nil.
func (s *Store) FinishRun(ctx context.Context, id string, runErr error) error {
	status, msg := StatusDone, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, finished_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, msg, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	var config, runErr, finished sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, status, config, error, COALESCE(threads, 0), started_at, finished_at
		FROM runs WHERE id = ?
	`, id).Scan(&r.ID, &r.Kind, &r.Status, &config, &runErr, &r.Threads, &r.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	r.Config, r.Error, r.FinishedAt = config.String, runErr.String, finished.String
	return &r, nil
}

// ListRuns returns the most recent runs, newest first. kind filters when
// non-empty.
func (s *Store) ListRuns(ctx context.Context, kind string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, kind, status, COALESCE(error, ''), COALESCE(threads, 0), started_at, COALESCE(finished_at, '')
		FROM runs`
	args := []any{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY started_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &r.Error, &r.Threads, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Codebooks ---

// SaveCodebook stores cb under name. runID may be empty for imports.
func (s *Store) SaveCodebook(ctx context.Context, runID, name string, cb codebook.Codebook) (int64, error) {
	body, err := json.Marshal(cb)
	if err != nil {
		return 0, fmt.Errorf("encoding codebook %s: %w", name, err)
	}
	var run any
	if runID != "" {
		run = runID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO codebooks (run_id, name, codes, body) VALUES (?, ?, ?, ?)
	`, run, name, cb.Len(), string(body))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LoadCodebook returns the latest codebook saved under name.
func (s *Store) LoadCodebook(ctx context.Context, name string) (codebook.Codebook, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM codebooks WHERE name = ? ORDER BY id DESC LIMIT 1
	`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("codebook %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var cb codebook.Codebook
	if err := json.Unmarshal([]byte(body), &cb); err != nil {
		return nil, fmt.Errorf("decoding codebook %s: %w", name, err)
	}
	return cb, nil
}

// ListCodebooks returns stored codebooks, newest first.
func (s *Store) ListCodebooks(ctx context.Context) ([]StoredCodebook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(run_id, ''), name, codes, created_at FROM codebooks ORDER BY id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredCodebook
	for rows.Next() {
		var c StoredCodebook
		if err := rows.Scan(&c.ID, &c.RunID, &c.Name, &c.Codes, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Evaluations ---

// SaveEvaluation stores every codebook's result for a run.
func (s *Store) SaveEvaluation(ctx context.Context, runID string, results map[string]eval.Result) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO evaluations
				(run_id, codebook, coverage, density, overlap, novelty, divergence, count, consolidated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for name, r := range results {
			if _, err := stmt.ExecContext(ctx, runID, name,
				r.Coverage, r.Density, r.Overlap, r.Novelty, r.Divergence, r.Count, r.Consolidated); err != nil {
				return fmt.Errorf("saving evaluation of %s: %w", name, err)
			}
		}
		return nil
	})
}

// ListEvaluations returns a run's results ordered by codebook name.
func (s *Store) ListEvaluations(ctx context.Context, runID string) ([]Evaluation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, codebook, coverage, density, overlap, novelty, divergence, count, consolidated
		FROM evaluations WHERE run_id = ? ORDER BY codebook
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Evaluation
	for rows.Next() {
		var e Evaluation
		if err := rows.Scan(&e.RunID, &e.Codebook, &e.Coverage, &e.Density, &e.Overlap,
			&e.Novelty, &e.Divergence, &e.Count, &e.Consolidated); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DBStats returns row counts per table.
func (s *Store) DBStats(ctx context.Context) (*Stats, error) {
	var st Stats
	for table, dst := range map[string]*int{
		"embeddings":    &st.Embeddings,
		"llm_responses": &st.Responses,
		"runs":          &st.Runs,
		"codebooks":     &st.Codebooks,
		"evaluations":   &st.Evaluations,
	} {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(dst); err != nil {
			return nil, fmt.Errorf("counting %s: %w", table, err)
		}
	}
	return &st, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	return strings.Repeat(", ?", n)
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeFloat32(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("vector blob of %d bytes", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}
