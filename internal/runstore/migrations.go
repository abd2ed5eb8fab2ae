package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    category TEXT NOT NULL,
    subject_key TEXT NOT NULL,
    status TEXT NOT NULL,
    phase_index INTEGER NOT NULL DEFAULT 0,
    phase_label TEXT,
    lines TEXT,
    result TEXT,
    error TEXT,
    started_at TIMESTAMP,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_category ON runs(category);
CREATE INDEX IF NOT EXISTS idx_runs_subject ON runs(category, subject_key);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS traces (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    entries TEXT,
    started_at TIMESTAMP,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_traces_run_id ON traces(run_id);
`
