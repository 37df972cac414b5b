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

CREATE TABLE IF NOT EXISTS accounts (
	id          TEXT PRIMARY KEY,
	email       TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS account_addresses (
	account_id  TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	address     TEXT NOT NULL COLLATE NOCASE,
	PRIMARY KEY (account_id, address)
);

CREATE TABLE IF NOT EXISTS campaigns (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	slug        TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	sync_labels INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (account_id, slug)
);

CREATE TABLE IF NOT EXISTS contacts (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	email       TEXT NOT NULL COLLATE NOCASE,
	name        TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (account_id, email)
);

CREATE TABLE IF NOT EXISTS campaign_contacts (
	campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
	contact_id  TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (campaign_id, contact_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id            TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	header_message_id     TEXT NOT NULL,
	in_reply_to_header_id TEXT NOT NULL DEFAULT '',
	reference_chain       TEXT NOT NULL DEFAULT '[]',
	parent_id             INTEGER REFERENCES messages(id),
	protocol_id           INTEGER,
	thread_id             TEXT NOT NULL DEFAULT '',
	category              TEXT NOT NULL,
	delivery_status       TEXT NOT NULL DEFAULT 'none',
	campaign_id           TEXT NOT NULL REFERENCES campaigns(id),
	contact_id            TEXT NOT NULL REFERENCES contacts(id),
	template_id           TEXT NOT NULL DEFAULT '',
	from_addr             TEXT NOT NULL DEFAULT '',
	to_addr               TEXT NOT NULL DEFAULT '',
	cc_addr               TEXT NOT NULL DEFAULT '',
	subject               TEXT NOT NULL DEFAULT '',
	body_text             TEXT NOT NULL DEFAULT '',
	body_html             TEXT NOT NULL DEFAULT '',
	sent_or_received_at   DATETIME,
	created_at            DATETIME NOT NULL,
	updated_at            DATETIME NOT NULL,
	UNIQUE (account_id, header_message_id)
);

CREATE TABLE IF NOT EXISTS attachments (
	id           TEXT PRIMARY KEY,
	message_id   INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	file_name    TEXT NOT NULL,
	file_path    TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS raw_mails (
	message_id  INTEGER PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
	content     BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS mailbox_cursors (
	account_id     TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	mailbox        TEXT NOT NULL,
	validity_token INTEGER NOT NULL DEFAULT 0,
	next_marker    INTEGER NOT NULL DEFAULT 0,
	seen_count     INTEGER NOT NULL DEFAULT 0,
	indexed_count  INTEGER NOT NULL DEFAULT 0,
	bad_count      INTEGER NOT NULL DEFAULT 0,
	updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (account_id, mailbox)
);

CREATE TABLE IF NOT EXISTS notifications (
	id                TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL,
	kind              TEXT NOT NULL,
	detail            TEXT NOT NULL DEFAULT '',
	header_message_id TEXT NOT NULL DEFAULT '',
	address           TEXT NOT NULL DEFAULT '',
	resolved          INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(account_id, thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_protocol ON messages(account_id, protocol_id);
CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(account_id, delivery_status);
CREATE INDEX IF NOT EXISTS idx_notifications_open ON notifications(account_id, kind, resolved);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
