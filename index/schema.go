package index

// Timestamps are stored as unix nanoseconds so the same schema and the
// same keyset comparisons work on postgres and sqlite.
//
// The *_lc columns and repository_tags hold search text lower-cased in Go;
// database LOWER() only folds ASCII on sqlite.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS repositories (
  id             VARCHAR(64)  NOT NULL PRIMARY KEY,
  name           VARCHAR(255) NOT NULL,
  name_lc        VARCHAR(255) NOT NULL DEFAULT '',
  description    TEXT         NOT NULL DEFAULT '',
  description_lc TEXT         NOT NULL DEFAULT '',
  type           VARCHAR(16)  NOT NULL,
  visibility     VARCHAR(16)  NOT NULL,
  owner          VARCHAR(255) NOT NULL,
  tags           TEXT         NOT NULL DEFAULT '[]',
  starred        BOOLEAN      NOT NULL DEFAULT FALSE,
  artifact_count BIGINT       NOT NULL DEFAULT 0,
  artifact_seq   BIGINT       NOT NULL DEFAULT 0,
  size_bytes     BIGINT       NOT NULL DEFAULT 0,
  downloads      BIGINT       NOT NULL DEFAULT 0,
  deleting       BOOLEAN      NOT NULL DEFAULT FALSE,
  created_at     BIGINT       NOT NULL,
  last_modified  BIGINT       NOT NULL,
  UNIQUE (owner, name)
)`,
	`CREATE TABLE IF NOT EXISTS repository_tags (
  repository_id VARCHAR(64) NOT NULL REFERENCES repositories (id),
  tag_lc        TEXT        NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
  id            VARCHAR(64)  NOT NULL PRIMARY KEY,
  repository_id VARCHAR(64)  NOT NULL REFERENCES repositories (id),
  seq           BIGINT       NOT NULL,
  name          VARCHAR(512) NOT NULL,
  version       VARCHAR(255) NOT NULL,
  content_hash  VARCHAR(160) NOT NULL,
  size_bytes    BIGINT       NOT NULL,
  downloads     BIGINT       NOT NULL DEFAULT 0,
  released      BOOLEAN      NOT NULL DEFAULT FALSE,
  uploaded_at   BIGINT       NOT NULL,
  UNIQUE (repository_id, name, version),
  UNIQUE (repository_id, seq)
)`,
	`CREATE INDEX IF NOT EXISTS artifacts_content_hash_idx ON artifacts (content_hash)`,
	`CREATE INDEX IF NOT EXISTS repositories_name_idx ON repositories (name, id)`,
	`CREATE INDEX IF NOT EXISTS repository_tags_repository_idx ON repository_tags (repository_id)`,
}

const repositoryColumns = `id, name, description, type, visibility, owner, tags, starred,
  artifact_count, size_bytes, downloads, deleting, created_at, last_modified`

const artifactColumns = `id, repository_id, seq, name, version, content_hash, size_bytes,
  downloads, released, uploaded_at`
