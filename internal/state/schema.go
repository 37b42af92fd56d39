package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS chat_events (
  id TEXT PRIMARY KEY,
  channel TEXT NOT NULL,
  run_id TEXT NOT NULL,
  session_key TEXT NOT NULL,
  session_id TEXT,
  state TEXT NOT NULL,
  message TEXT,
  error_message TEXT,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_events_session_created ON chat_events(session_key, created_at);

CREATE INDEX IF NOT EXISTS idx_chat_events_run ON chat_events(run_id, created_at);
`
