package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	receiver_id TEXT NOT NULL,
	id          TEXT NOT NULL,
	position    INTEGER NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL DEFAULT '',
	is_read     INTEGER NOT NULL DEFAULT 0 CHECK(is_read IN (0, 1)),
	created_at  DATETIME,
	updated_at  DATETIME,
	data        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (receiver_id, id)
);

CREATE INDEX IF NOT EXISTS idx_notifications_position ON notifications(receiver_id, position);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE notifications ADD COLUMN saved_at DATETIME;

CREATE INDEX IF NOT EXISTS idx_notifications_unread
	ON notifications(receiver_id, is_read);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
