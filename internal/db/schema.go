package db

import "fmt"

// schemaTemplate is valid for postgres and sqlite once the primary key type is substituted.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS queues (
	id %[1]s,
	tenant_id BIGINT NOT NULL,
	name TEXT NOT NULL,
	color TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS users (
	id %[1]s,
	tenant_id BIGINT NOT NULL,
	name TEXT NOT NULL,
	profile TEXT NOT NULL DEFAULT 'user'
);

CREATE TABLE IF NOT EXISTS user_queues (
	user_id BIGINT NOT NULL,
	queue_id BIGINT NOT NULL,
	position INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, queue_id)
);

CREATE TABLE IF NOT EXISTS channels (
	id %[1]s,
	tenant_id BIGINT NOT NULL,
	name TEXT NOT NULL,
	family TEXT NOT NULL DEFAULT 'whatsapp',
	base_url TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'DISCONNECTED',
	greeting TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_queues (
	channel_id BIGINT NOT NULL,
	queue_id BIGINT NOT NULL,
	PRIMARY KEY (channel_id, queue_id)
);

CREATE TABLE IF NOT EXISTS contacts (
	id %[1]s,
	tenant_id BIGINT NOT NULL,
	family TEXT NOT NULL,
	number TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	profile_pic_url TEXT NOT NULL DEFAULT '',
	is_group BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS contacts_identity_idx ON contacts (tenant_id, family, number);

CREATE TABLE IF NOT EXISTS tickets (
	id %[1]s,
	tenant_id BIGINT NOT NULL,
	channel_id BIGINT NOT NULL,
	contact_id BIGINT NOT NULL,
	status TEXT NOT NULL,
	queue_id BIGINT,
	user_id BIGINT,
	last_message TEXT NOT NULL DEFAULT '',
	unread_messages INTEGER NOT NULL DEFAULT 0,
	is_group BOOLEAN NOT NULL DEFAULT FALSE,
	queue_locked BOOLEAN NOT NULL DEFAULT FALSE,
	generation BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS tickets_one_active_idx
	ON tickets (tenant_id, channel_id, contact_id) WHERE status <> 'closed';

CREATE TABLE IF NOT EXISTS messages (
	seq %[1]s,
	id TEXT NOT NULL,
	tenant_id BIGINT NOT NULL,
	channel_id BIGINT NOT NULL,
	ticket_id BIGINT NOT NULL,
	contact_id BIGINT NOT NULL,
	from_me BOOLEAN NOT NULL DEFAULT FALSE,
	body TEXT NOT NULL DEFAULT '',
	media_type TEXT NOT NULL,
	media_url TEXT NOT NULL DEFAULT '',
	thumbnail_url TEXT NOT NULL DEFAULT '',
	ack INTEGER NOT NULL DEFAULT 0,
	quoted_msg_id TEXT,
	is_edited BOOLEAN NOT NULL DEFAULT FALSE,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS messages_identity_idx ON messages (tenant_id, channel_id, id);
CREATE INDEX IF NOT EXISTS messages_id_idx ON messages (tenant_id, id);
CREATE INDEX IF NOT EXISTS messages_ticket_idx ON messages (ticket_id, created_at, seq);
`

// Schema returns the DDL for the given driver name ("postgres" or "sqlite").
func Schema(driver string) (string, error) {
	switch driver {
	case "postgres":
		return fmt.Sprintf(schemaTemplate, "BIGSERIAL PRIMARY KEY"), nil
	case "sqlite":
		return fmt.Sprintf(schemaTemplate, "INTEGER PRIMARY KEY AUTOINCREMENT"), nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}
