package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/novatra/novatra/log"
	"github.com/novatra/novatra/models"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type SQLOptions struct {
	CreateSchema   bool
	MaxOpenConns   int
	MaxIdleConns   int
	MaxLifetime    time.Duration
	ConnectTimeout time.Duration
}

// SQL is an Index backed by postgres (driver "postgres") or sqlite
// (driver "sqlite"). Queries are written with '?' and rebound per driver.
type SQL struct {
	db *sqlx.DB
}

// OpenSQL connects, waits for the database to answer and optionally
// creates the schema.
func OpenSQL(ctx context.Context, driver, dsn string, opts SQLOptions) (*SQL, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s db", driver)
	}

	if driver == "sqlite" {
		// a single connection serializes writers and keeps in-memory
		// databases alive for the lifetime of the pool
		db.SetMaxOpenConns(1)
	} else {
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			db.SetMaxIdleConns(opts.MaxIdleConns)
		}
	}
	if opts.MaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.MaxLifetime)
	}

	// the database may still be starting next to us
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = opts.ConnectTimeout
	if policy.MaxElapsedTime <= 0 {
		policy.MaxElapsedTime = 30 * time.Second
	}
	err = backoff.RetryNotify(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		log.LogAppWarn("database not reachable yet", err, "driver", driver, "retry_in", wait)
	})
	if err != nil {
		db.Close()
		return nil, models.IOFailure(err, "error trying to connect to %s db, retries exhausted", driver)
	}

	s := &SQL{db: db}
	if opts.CreateSchema {
		if err := s.createTables(ctx); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "problem executing create tables sql")
		}
	}
	return s, nil
}

func (s *SQL) createTables(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

type repositoryRow struct {
	ID            string `db:"id"`
	Name          string `db:"name"`
	Description   string `db:"description"`
	Type          string `db:"type"`
	Visibility    string `db:"visibility"`
	Owner         string `db:"owner"`
	Tags          string `db:"tags"`
	Starred       bool   `db:"starred"`
	ArtifactCount int64  `db:"artifact_count"`
	SizeBytes     int64  `db:"size_bytes"`
	Downloads     int64  `db:"downloads"`
	Deleting      bool   `db:"deleting"`
	CreatedAt     int64  `db:"created_at"`
	LastModified  int64  `db:"last_modified"`
}

func (row repositoryRow) toModel() models.Repository {
	var tags []string
	if err := json.Unmarshal([]byte(row.Tags), &tags); err != nil {
		tags = nil
	}
	return models.Repository{
		ID:            row.ID,
		Name:          row.Name,
		Description:   row.Description,
		Type:          models.RepositoryType(row.Type),
		Visibility:    models.Visibility(row.Visibility),
		Owner:         row.Owner,
		Tags:          tags,
		Starred:       row.Starred,
		ArtifactCount: row.ArtifactCount,
		SizeBytes:     row.SizeBytes,
		Downloads:     row.Downloads,
		Deleting:      row.Deleting,
		CreatedAt:     time.Unix(0, row.CreatedAt).UTC(),
		LastModified:  time.Unix(0, row.LastModified).UTC(),
	}
}

type artifactRow struct {
	ID           string `db:"id"`
	RepositoryID string `db:"repository_id"`
	Seq          int64  `db:"seq"`
	Name         string `db:"name"`
	Version      string `db:"version"`
	ContentHash  string `db:"content_hash"`
	Size         int64  `db:"size_bytes"`
	Downloads    int64  `db:"downloads"`
	Released     bool   `db:"released"`
	UploadedAt   int64  `db:"uploaded_at"`
}

func (row artifactRow) toModel() models.Artifact {
	return models.Artifact{
		ID:           row.ID,
		RepositoryID: row.RepositoryID,
		Sequence:     row.Seq,
		Name:         row.Name,
		Version:      row.Version,
		ContentHash:  digest.Digest(row.ContentHash),
		Size:         row.Size,
		Downloads:    row.Downloads,
		Released:     row.Released,
		UploadedAt:   time.Unix(0, row.UploadedAt).UTC(),
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// storageErr maps driver errors onto the taxonomy.
func storageErr(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(models.ErrNotFound, format, args...)
	}
	if isUniqueViolation(err) {
		return errors.Wrapf(models.ErrConflict, format, args...)
	}
	return models.IOFailure(err, format, args...)
}

// inTx runs fn in a transaction, rolling back on error.
func (s *SQL) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.IOFailure(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return models.IOFailure(err, "commit transaction")
	}
	return nil
}

func (s *SQL) CreateRepository(ctx context.Context, repo models.Repository) error {
	tags, err := json.Marshal(repo.Tags)
	if err != nil {
		return errors.WithStack(err)
	}
	if repo.Tags == nil {
		tags = []byte("[]")
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		insert := tx.Rebind(`INSERT INTO repositories (id, name, name_lc, description, description_lc,
  type, visibility, owner, tags, starred, deleting, created_at, last_modified)
  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err := tx.ExecContext(ctx, insert,
			repo.ID, repo.Name, strings.ToLower(repo.Name), repo.Description, strings.ToLower(repo.Description),
			string(repo.Type), string(repo.Visibility), repo.Owner,
			string(tags), repo.Starred, false, repo.CreatedAt.UnixNano(), repo.LastModified.UnixNano())
		if err != nil {
			return storageErr(err, "create repository %s", repo.Name)
		}
		insertTag := tx.Rebind(`INSERT INTO repository_tags (repository_id, tag_lc) VALUES (?, ?)`)
		for _, tag := range searchTags(repo.Tags) {
			if _, err := tx.ExecContext(ctx, insertTag, repo.ID, tag); err != nil {
				return storageErr(err, "tag repository %s", repo.Name)
			}
		}
		return nil
	})
}

// searchTags lower-cases tags and drops duplicates.
func searchTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		lc := strings.ToLower(tag)
		if lc == "" || seen[lc] {
			continue
		}
		seen[lc] = true
		out = append(out, lc)
	}
	return out
}

func (s *SQL) getRepository(ctx context.Context, q sqlx.QueryerContext, id string) (models.Repository, error) {
	var row repositoryRow
	query := s.db.Rebind(`SELECT ` + repositoryColumns + ` FROM repositories WHERE id = ?`)
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		return models.Repository{}, storageErr(err, "repository %s", id)
	}
	return row.toModel(), nil
}

func (s *SQL) GetRepository(ctx context.Context, id string) (models.Repository, error) {
	return s.getRepository(ctx, s.db, id)
}

func likePattern(filter string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.ToLower(filter))
	return "%" + escaped + "%"
}

func (s *SQL) ListRepositories(ctx context.Context, q RepositoryQuery) (RepositoryPage, error) {
	limit := normalizeLimit(q.Limit)

	where := []string{"deleting = ?", "(visibility = ? OR (owner = ? AND owner <> ''))"}
	args := []interface{}{false, string(models.Public), q.Viewer}
	if q.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, q.Owner)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}
	if q.Starred != nil {
		where = append(where, "starred = ?")
		args = append(args, *q.Starred)
	}
	if filter := strings.TrimSpace(q.Filter); filter != "" {
		pattern := likePattern(filter)
		where = append(where, `(name_lc LIKE ? ESCAPE '\' OR description_lc LIKE ? ESCAPE '\'
  OR EXISTS (SELECT 1 FROM repository_tags t WHERE t.repository_id = repositories.id AND t.tag_lc LIKE ? ESCAPE '\'))`)
		args = append(args, pattern, pattern, pattern)
	}
	if q.Cursor != "" {
		var after repositoryCursor
		if err := decodeCursor(q.Cursor, &after); err != nil {
			return RepositoryPage{}, err
		}
		where = append(where, "(name > ? OR (name = ? AND id > ?))")
		args = append(args, after.Name, after.Name, after.ID)
	}
	args = append(args, limit+1)

	query := s.db.Rebind(`SELECT ` + repositoryColumns + ` FROM repositories WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY name, id LIMIT ?`)
	var rows []repositoryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return RepositoryPage{}, storageErr(err, "list repositories")
	}

	page := RepositoryPage{Items: make([]models.Repository, 0, len(rows))}
	for _, row := range rows {
		page.Items = append(page.Items, row.toModel())
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = encodeCursor(repositoryCursor{Name: last.Name, ID: last.ID})
	}
	return page, nil
}

func (s *SQL) CompareAndSetStarred(ctx context.Context, id string, old, new bool) (bool, error) {
	update := s.db.Rebind(`UPDATE repositories SET starred = ? WHERE id = ? AND starred = ?`)
	res, err := s.db.ExecContext(ctx, update, new, id, old)
	if err != nil {
		return false, storageErr(err, "star repository %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, models.IOFailure(err, "star repository %s", id)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetRepository(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQL) MarkRepositoryDeleting(ctx context.Context, id string) error {
	update := s.db.Rebind(`UPDATE repositories SET deleting = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, update, true, id)
	if err != nil {
		return storageErr(err, "mark repository %s deleting", id)
	}
	return expectOneRow(res, "repository %s", id)
}

func expectOneRow(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return models.IOFailure(err, format, args...)
	}
	if n == 0 {
		return errors.Wrapf(models.ErrNotFound, format, args...)
	}
	return nil
}

func (s *SQL) DeleteRepository(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM artifacts WHERE repository_id = ?`), id); err != nil {
			return storageErr(err, "delete artifacts of repository %s", id)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM repository_tags WHERE repository_id = ?`), id); err != nil {
			return storageErr(err, "delete tags of repository %s", id)
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM repositories WHERE id = ?`), id)
		if err != nil {
			return storageErr(err, "delete repository %s", id)
		}
		return expectOneRow(res, "repository %s", id)
	})
}

func (s *SQL) InsertArtifact(ctx context.Context, a models.Artifact) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		repo, err := s.getRepository(ctx, tx, a.RepositoryID)
		if err != nil {
			return err
		}
		if repo.Deleting {
			return errors.Wrapf(models.ErrConflict, "repository %s is being deleted", a.RepositoryID)
		}

		// the row lock taken here also hands out the next sequence number
		update := tx.Rebind(`UPDATE repositories
  SET artifact_count = artifact_count + 1, artifact_seq = artifact_seq + 1,
      size_bytes = size_bytes + ?, last_modified = ?
  WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, update, a.Size, a.UploadedAt.UnixNano(), a.RepositoryID); err != nil {
			return storageErr(err, "update aggregates of repository %s", a.RepositoryID)
		}
		var seq int64
		if err := tx.GetContext(ctx, &seq, tx.Rebind(`SELECT artifact_seq FROM repositories WHERE id = ?`), a.RepositoryID); err != nil {
			return storageErr(err, "sequence of repository %s", a.RepositoryID)
		}

		insert := tx.Rebind(`INSERT INTO artifacts (` + artifactColumns + `)
  VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`)
		if _, err := tx.ExecContext(ctx, insert, a.ID, a.RepositoryID, seq, a.Name, a.Version,
			a.ContentHash.String(), a.Size, false, a.UploadedAt.UnixNano()); err != nil {
			return storageErr(err, "%s:%s", a.Name, a.Version)
		}
		return nil
	})
}

func (s *SQL) getArtifact(ctx context.Context, q sqlx.QueryerContext, id string) (models.Artifact, error) {
	var row artifactRow
	query := s.db.Rebind(`SELECT ` + artifactColumns + ` FROM artifacts WHERE id = ?`)
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		return models.Artifact{}, storageErr(err, "artifact %s", id)
	}
	return row.toModel(), nil
}

func (s *SQL) ReplaceArtifact(ctx context.Context, a models.Artifact) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := s.getArtifact(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		repo, err := s.getRepository(ctx, tx, existing.RepositoryID)
		if err != nil {
			return err
		}
		if repo.Deleting {
			return errors.Wrapf(models.ErrConflict, "repository %s is being deleted", repo.ID)
		}

		update := tx.Rebind(`UPDATE artifacts SET content_hash = ?, size_bytes = ?, uploaded_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, update, a.ContentHash.String(), a.Size, a.UploadedAt.UnixNano(), a.ID); err != nil {
			return storageErr(err, "replace artifact %s", a.ID)
		}
		aggregates := tx.Rebind(`UPDATE repositories SET size_bytes = size_bytes + ?, last_modified = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, aggregates, a.Size-existing.Size, a.UploadedAt.UnixNano(), repo.ID); err != nil {
			return storageErr(err, "update aggregates of repository %s", repo.ID)
		}
		return nil
	})
}

func (s *SQL) DeleteArtifact(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := s.getArtifact(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM artifacts WHERE id = ?`), id); err != nil {
			return storageErr(err, "delete artifact %s", id)
		}
		update := tx.Rebind(`UPDATE repositories
  SET artifact_count = artifact_count - 1, size_bytes = size_bytes - ?
  WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, update, existing.Size, existing.RepositoryID); err != nil {
			return storageErr(err, "update aggregates of repository %s", existing.RepositoryID)
		}
		return nil
	})
}

func (s *SQL) GetArtifact(ctx context.Context, id string) (models.Artifact, error) {
	return s.getArtifact(ctx, s.db, id)
}

func (s *SQL) FindByCoordinate(ctx context.Context, repositoryID, name, version string) (models.Artifact, error) {
	var row artifactRow
	query := s.db.Rebind(`SELECT ` + artifactColumns + ` FROM artifacts
  WHERE repository_id = ? AND name = ? AND version = ?`)
	if err := s.db.GetContext(ctx, &row, query, repositoryID, name, version); err != nil {
		return models.Artifact{}, storageErr(err, "%s:%s", name, version)
	}
	return row.toModel(), nil
}

func (s *SQL) ListArtifacts(ctx context.Context, repositoryID string, page Page) (ArtifactPage, error) {
	limit := normalizeLimit(page.Limit)
	if _, err := s.GetRepository(ctx, repositoryID); err != nil {
		return ArtifactPage{}, err
	}

	where := "repository_id = ?"
	args := []interface{}{repositoryID}
	if page.Cursor != "" {
		var after artifactCursor
		if err := decodeCursor(page.Cursor, &after); err != nil {
			return ArtifactPage{}, err
		}
		where += " AND seq > ?"
		args = append(args, after.Seq)
	}
	args = append(args, limit+1)

	query := s.db.Rebind(`SELECT ` + artifactColumns + ` FROM artifacts WHERE ` + where +
		` ORDER BY seq LIMIT ?`)
	var rows []artifactRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return ArtifactPage{}, storageErr(err, "list artifacts of repository %s", repositoryID)
	}

	out := ArtifactPage{Items: make([]models.Artifact, 0, len(rows))}
	for _, row := range rows {
		out.Items = append(out.Items, row.toModel())
	}
	if len(out.Items) > limit {
		out.Items = out.Items[:limit]
		last := out.Items[limit-1]
		out.NextCursor = encodeCursor(artifactCursor{Seq: last.Sequence})
	}
	return out, nil
}

func (s *SQL) UnreleasedArtifacts(ctx context.Context, repositoryID string) ([]models.Artifact, error) {
	if _, err := s.GetRepository(ctx, repositoryID); err != nil {
		return nil, err
	}
	query := s.db.Rebind(`SELECT ` + artifactColumns + ` FROM artifacts
  WHERE repository_id = ? AND released = ? ORDER BY seq`)
	var rows []artifactRow
	if err := s.db.SelectContext(ctx, &rows, query, repositoryID, false); err != nil {
		return nil, storageErr(err, "list unreleased artifacts of repository %s", repositoryID)
	}
	out := make([]models.Artifact, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (s *SQL) MarkArtifactReleased(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE artifacts SET released = ? WHERE id = ?`), true, id)
	if err != nil {
		return storageErr(err, "mark artifact %s released", id)
	}
	return expectOneRow(res, "artifact %s", id)
}

func (s *SQL) IncrementDownloads(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := s.getArtifact(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE artifacts SET downloads = downloads + 1 WHERE id = ?`), id); err != nil {
			return storageErr(err, "count download of artifact %s", id)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE repositories SET downloads = downloads + 1 WHERE id = ?`), existing.RepositoryID); err != nil {
			return storageErr(err, "count download of repository %s", existing.RepositoryID)
		}
		return nil
	})
}

func (s *SQL) BlobReferences(ctx context.Context) (BlobRefs, error) {
	var rows []artifactRow
	query := s.db.Rebind(`SELECT ` + artifactColumns + ` FROM artifacts WHERE released = ?`)
	if err := s.db.SelectContext(ctx, &rows, query, false); err != nil {
		return BlobRefs{}, storageErr(err, "list blob references")
	}
	refs := BlobRefs{
		Holders: make(map[digest.Digest][]string),
		Sizes:   make(map[digest.Digest]int64),
	}
	for _, row := range rows {
		d := digest.Digest(row.ContentHash)
		refs.Holders[d] = append(refs.Holders[d], row.ID)
		refs.Sizes[d] = row.Size
	}
	return refs, nil
}

func (s *SQL) HoldsBlob(ctx context.Context, artifactID string, d digest.Digest) (bool, error) {
	var count int64
	query := s.db.Rebind(`SELECT COUNT(*) FROM artifacts WHERE id = ? AND released = ? AND content_hash = ?`)
	if err := s.db.GetContext(ctx, &count, query, artifactID, false, d.String()); err != nil {
		return false, storageErr(err, "artifact %s", artifactID)
	}
	return count > 0, nil
}

type typeTotals struct {
	Type          string `db:"type"`
	Repositories  int64  `db:"repositories"`
	ArtifactCount int64  `db:"artifact_count"`
	SizeBytes     int64  `db:"size_bytes"`
	Downloads     int64  `db:"downloads"`
}

func (s *SQL) Stats(ctx context.Context) (models.Stats, error) {
	var rows []typeTotals
	query := `SELECT type, COUNT(*) AS repositories,
  COALESCE(SUM(artifact_count), 0) AS artifact_count,
  COALESCE(SUM(size_bytes), 0) AS size_bytes,
  COALESCE(SUM(downloads), 0) AS downloads
  FROM repositories GROUP BY type`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return models.Stats{}, storageErr(err, "repository statistics")
	}
	st := models.Stats{ByType: make(map[models.RepositoryType]int64)}
	for _, row := range rows {
		st.Repositories += row.Repositories
		st.Artifacts += row.ArtifactCount
		st.SizeBytes += row.SizeBytes
		st.Downloads += row.Downloads
		st.ByType[models.RepositoryType(row.Type)] += row.SizeBytes
	}
	return st, nil
}
