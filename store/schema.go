package store

// schemaSQL is the DDL for all tables. Vectors are stored as little-endian
// float32 blobs, the format sqlite-vec's scalar functions read.
const schemaSQL = `
-- Embedding cache keyed by embedding.Key
CREATE TABLE IF NOT EXISTS embeddings (
    key TEXT PRIMARY KEY,
    model TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    vector BLOB NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- LLM response cache keyed by llm.ResponseKey
CREATE TABLE IF NOT EXISTS llm_responses (
    key TEXT PRIMARY KEY,
    namespace TEXT NOT NULL,
    model TEXT,
    temperature REAL,
    response TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- One row per consolidation, reference or evaluation run
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    config JSON,
    error TEXT,
    started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    finished_at DATETIME
);

-- Codebooks produced or imported by a run
CREATE TABLE IF NOT EXISTS codebooks (
    id INTEGER PRIMARY KEY,
    run_id TEXT REFERENCES runs(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    codes INTEGER NOT NULL,
    body JSON NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Evaluation results, one row per scored codebook
CREATE TABLE IF NOT EXISTS evaluations (
    id INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    codebook TEXT NOT NULL,
    coverage REAL,
    density REAL,
    overlap REAL,
    novelty REAL,
    divergence REAL,
    count INTEGER,
    consolidated INTEGER,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(run_id, codebook)
);

CREATE INDEX IF NOT EXISTS idx_llm_responses_namespace ON llm_responses(namespace);
CREATE INDEX IF NOT EXISTS idx_codebooks_name ON codebooks(name);
CREATE INDEX IF NOT EXISTS idx_codebooks_run ON codebooks(run_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_run ON evaluations(run_id);
`
