// journal/schema.go
package journal

const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	cycle INTEGER NOT NULL,
	account TEXT NOT NULL,
	ticket INTEGER NOT NULL,
	instrument TEXT NOT NULL,
	kind TEXT NOT NULL,
	detail TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS adjustments (
	id TEXT PRIMARY KEY,
	cycle INTEGER NOT NULL,
	account TEXT NOT NULL,
	ticket INTEGER NOT NULL,
	instrument TEXT NOT NULL,
	old_stop REAL NOT NULL,
	new_stop REAL NOT NULL,
	reason TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_account ON events(account, cycle);
CREATE INDEX IF NOT EXISTS idx_adjustments_ticket ON adjustments(ticket);
`
