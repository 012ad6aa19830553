package db

// Schema creates the exports table holding one row per finished export job.
const Schema = `
CREATE TABLE IF NOT EXISTS exports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL UNIQUE,
    vm_name TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('completed', 'failed', 'cancelled')),
    progress INTEGER NOT NULL DEFAULT 0,
    output_dir TEXT,
    output_path TEXT,
    published_to TEXT,
    poweroff_before INTEGER NOT NULL DEFAULT 1,
    error_kind TEXT,
    error_message TEXT,
    created_at TEXT NOT NULL,
    started_at TEXT,
    finished_at TEXT,
    recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_exports_vm_name ON exports(vm_name);
CREATE INDEX IF NOT EXISTS idx_exports_status ON exports(status);
CREATE INDEX IF NOT EXISTS idx_exports_finished_at ON exports(finished_at);
`
