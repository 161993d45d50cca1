package history

const schemaSQL = `
CREATE TABLE IF NOT EXISTS interactions (
  id TEXT PRIMARY KEY,
  project_id TEXT NOT NULL,
  task_id TEXT NOT NULL,
  conversation_id TEXT,
  parent_id TEXT,
  sequence INTEGER NOT NULL,
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  agent_name TEXT,
  tool_name TEXT,
  message TEXT,
  detail TEXT NOT NULL,
  created_at TEXT NOT NULL,
  UNIQUE(task_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_interactions_task_seq ON interactions(task_id, sequence);

CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at, task_id, sequence);

CREATE INDEX IF NOT EXISTS idx_interactions_project ON interactions(project_id, created_at);

CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  project_id TEXT NOT NULL,
  conversation_id TEXT,
  status TEXT NOT NULL,
  error TEXT,
  metadata TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, created_at);

CREATE TABLE IF NOT EXISTS project_stats (
  project_id TEXT PRIMARY KEY,
  files_count INTEGER NOT NULL DEFAULT 0,
  embeddings_count INTEGER NOT NULL DEFAULT 0,
  graph_nodes INTEGER NOT NULL DEFAULT 0,
  graph_relationships INTEGER NOT NULL DEFAULT 0,
  last_updated TEXT NOT NULL
);
`
