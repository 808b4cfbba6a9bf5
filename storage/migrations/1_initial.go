package migrations

import (
	"github.com/go-pg/migrations/v8"
)

// Initial schema. Hash, key and value columns are opaque binary; height and
// version columns fit an unsigned 64-bit range. Children of blocks cascade on
// delete so a corrected block takes its derived rows with it.
func init() {
	up := `
CREATE TABLE IF NOT EXISTS metadata (
	version bigint PRIMARY KEY CHECK (version >= 0),
	meta bytea NOT NULL
);

CREATE TABLE IF NOT EXISTS blocks (
	hash bytea PRIMARY KEY,
	parent_hash bytea NOT NULL,
	height bigint NOT NULL UNIQUE CHECK (height >= 0),
	state_root bytea NOT NULL,
	extrinsics_root bytea NOT NULL,
	digest bytea,
	body bytea,
	spec_version bigint NOT NULL REFERENCES metadata (version)
);

CREATE TABLE IF NOT EXISTS extrinsics (
	block_hash bytea NOT NULL REFERENCES blocks (hash) ON DELETE CASCADE,
	idx int NOT NULL,
	height bigint NOT NULL CHECK (height >= 0),
	module text NOT NULL,
	call text NOT NULL,
	signature bytea,
	args jsonb,
	PRIMARY KEY (block_hash, idx)
);

CREATE TABLE IF NOT EXISTS events (
	block_hash bytea NOT NULL REFERENCES blocks (hash) ON DELETE CASCADE,
	idx int NOT NULL,
	height bigint NOT NULL CHECK (height >= 0),
	module text NOT NULL,
	event text NOT NULL,
	parameters jsonb,
	PRIMARY KEY (block_hash, idx)
);

CREATE TABLE IF NOT EXISTS storage (
	id bigserial PRIMARY KEY,
	block_hash bytea NOT NULL REFERENCES blocks (hash) ON DELETE CASCADE,
	height bigint NOT NULL CHECK (height >= 0),
	is_full boolean NOT NULL DEFAULT false,
	key bytea NOT NULL,
	value bytea
);

CREATE UNIQUE INDEX IF NOT EXISTS storage_block_hash_key_value_idx
	ON storage (block_hash, key, md5(value));
CREATE INDEX IF NOT EXISTS storage_height_idx ON storage (height);

CREATE TABLE IF NOT EXISTS recovery_tasks (
	id bigserial PRIMARY KEY,
	target_height bigint NOT NULL UNIQUE CHECK (target_height >= 0),
	status text NOT NULL DEFAULT 'pending',
	attempt_count int NOT NULL DEFAULT 0,
	payload jsonb,
	last_error text,
	run_at timestamptz NOT NULL DEFAULT now(),
	last_run_at timestamptz,
	created_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS recovery_tasks_claim_idx
	ON recovery_tasks (status, run_at, target_height);

CREATE TABLE IF NOT EXISTS gap_reports (
	id bigserial PRIMARY KEY,
	height bigint NOT NULL CHECK (height >= 0),
	kind text NOT NULL,
	status text NOT NULL,
	reporter text NOT NULL,
	reported_at timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS gap_reports_height_idx ON gap_reports (height, kind);
`

	down := `
DROP TABLE IF EXISTS gap_reports;
DROP TABLE IF EXISTS recovery_tasks;
DROP TABLE IF EXISTS storage;
DROP TABLE IF EXISTS events;
DROP TABLE IF EXISTS extrinsics;
DROP TABLE IF EXISTS blocks;
DROP TABLE IF EXISTS metadata;
`

	Collection.MustRegisterTx(func(db migrations.DB) error {
		_, err := db.Exec(up)
		return err
	}, func(db migrations.DB) error {
		_, err := db.Exec(down)
		return err
	})
}
