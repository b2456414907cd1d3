package db

// Schema defines the SQLite schema for update flow history.
// One row per check or apply flow, finished in place when the flow settles.
const Schema = `
CREATE TABLE IF NOT EXISTS flows (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL CHECK(kind IN ('check', 'apply')),
    from_version TEXT NOT NULL,
    to_version TEXT,
    asset_url TEXT,
    sha256 TEXT,
    state TEXT NOT NULL CHECK(state IN ('running', 'completed', 'failed', 'cancelled')),
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_flows_kind ON flows(kind);
CREATE INDEX IF NOT EXISTS idx_flows_state ON flows(state);
CREATE INDEX IF NOT EXISTS idx_flows_created_at ON flows(created_at);
`

// Flow kinds
const (
	KindCheck = "check"
	KindApply = "apply"
)

// Flow states
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Flow is one recorded check or apply run.
type Flow struct {
	ID           string
	Kind         string
	FromVersion  string
	ToVersion    string
	AssetURL     string
	SHA256       string
	State        string
	ErrorMessage string
	CreatedAt    string
	FinishedAt   string
}
