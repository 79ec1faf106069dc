package datastore

import "context"

// schema is the metadata DDL. Statements are idempotent so startup can apply
// them unconditionally; anything more elaborate belongs in an external
// migration tool.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS repositories (
		id   uuid PRIMARY KEY,
		name text NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS blobs (
		id            uuid PRIMARY KEY,
		digest        text NOT NULL UNIQUE,
		bytes_on_disk bigint NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS manifests (
		id            uuid PRIMARY KEY,
		repository_id uuid NOT NULL REFERENCES repositories (id),
		blob_id       uuid NOT NULL REFERENCES blobs (id),
		digest        text NOT NULL,
		media_type    text,
		artifact_type text,
		subject       text,
		UNIQUE (repository_id, digest)
	)`,
	`CREATE TABLE IF NOT EXISTS layers (
		manifest_id uuid NOT NULL REFERENCES manifests (id),
		blob_id     uuid NOT NULL REFERENCES blobs (id),
		PRIMARY KEY (manifest_id, blob_id)
	)`,
	`CREATE TABLE IF NOT EXISTS index_manifests (
		parent_manifest_id uuid NOT NULL REFERENCES manifests (id),
		child_manifest_id  uuid NOT NULL REFERENCES manifests (id),
		PRIMARY KEY (parent_manifest_id, child_manifest_id)
	)`,
	`CREATE TABLE IF NOT EXISTS tags (
		repository_id uuid NOT NULL REFERENCES repositories (id),
		name          text NOT NULL,
		manifest_id   uuid NOT NULL REFERENCES manifests (id),
		PRIMARY KEY (repository_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS upload_sessions (
		id             uuid PRIMARY KEY,
		start_date     timestamptz NOT NULL DEFAULT now(),
		upload_id      text,
		chunk_number   bigint NOT NULL DEFAULT 1,
		last_range_end bigint NOT NULL DEFAULT -1,
		digest_state   jsonb
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		upload_session_id uuid NOT NULL REFERENCES upload_sessions (id) ON DELETE CASCADE,
		part_number       bigint NOT NULL,
		e_tag             text,
		PRIMARY KEY (upload_session_id, part_number)
	)`,
	`CREATE INDEX IF NOT EXISTS manifests_subject_idx ON manifests (repository_id, subject)`,
}

// CreateSchema applies the metadata DDL to the store. Only meaningful for
// SQL-backed stores; others ignore it.
func CreateSchema(ctx context.Context, s Store) error {
	pg, ok := s.(*pgStore)
	if !ok {
		return nil
	}
	for _, stmt := range schema {
		if _, err := pg.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
