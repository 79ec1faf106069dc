package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/opencontainers/go-digest"
)

// OpenOptions tune the connection pool backing a Store.
type OpenOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the metadata database identified by dsn and returns a
// Store backed by a pgx connection pool.
func Open(dsn string, opts OpenOptions) (Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return &pgStore{db: db, queries: queries{ex: db}}, nil
}

// NewFromDB wraps an already-open database handle. Used by tests and by
// callers that manage the pool themselves.
func NewFromDB(db *sql.DB) Store {
	return &pgStore{db: db, queries: queries{ex: db}}
}

type pgStore struct {
	queries
	db *sql.DB
}

func (s *pgStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning metadata transaction: %w", err)
	}
	return &pgTx{queries: queries{ex: tx}, tx: tx}, nil
}

type pgTx struct {
	queries
	tx   *sql.Tx
	done bool
}

func (t *pgTx) Commit() error {
	t.done = true
	return t.tx.Commit()
}

func (t *pgTx) Rollback() error {
	if t.done {
		return nil
	}
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// executor abstracts over *sql.DB and *sql.Tx so one query set serves both.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type queries struct {
	ex executor
}

func (q queries) CreateRepository(ctx context.Context, name string) (*Repository, error) {
	// Upsert so that two requests racing on the first reference to a name
	// both land on the same row.
	r := &Repository{}
	err := q.ex.QueryRowContext(ctx,
		`INSERT INTO repositories (id, name) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id, name`,
		uuid.New(), name).Scan(&r.ID, &r.Name)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (q queries) GetRepository(ctx context.Context, name string) (*Repository, error) {
	r := &Repository{}
	err := q.ex.QueryRowContext(ctx,
		`SELECT id, name FROM repositories WHERE name = $1`,
		name).Scan(&r.ID, &r.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (q queries) RepositoryExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := q.ex.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM repositories WHERE name = $1)`,
		name).Scan(&exists)
	return exists, err
}

func (q queries) CreateBlob(ctx context.Context, dgst digest.Digest, bytesOnDisk int64) (*Blob, error) {
	b := &Blob{ID: uuid.New(), Digest: dgst, BytesOnDisk: bytesOnDisk}
	_, err := q.ex.ExecContext(ctx,
		`INSERT INTO blobs (id, digest, bytes_on_disk) VALUES ($1, $2, $3)`,
		b.ID, dgst.String(), bytesOnDisk)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (q queries) GetBlob(ctx context.Context, dgst digest.Digest) (*Blob, error) {
	b := &Blob{}
	var dgstStr string
	err := q.ex.QueryRowContext(ctx,
		`SELECT id, digest, bytes_on_disk FROM blobs WHERE digest = $1`,
		dgst.String()).Scan(&b.ID, &dgstStr, &b.BytesOnDisk)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Digest = digest.Digest(dgstStr)
	return b, nil
}

func (q queries) GetBlobs(ctx context.Context, dgsts []digest.Digest) ([]*Blob, error) {
	if len(dgsts) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(dgsts))
	args := make([]interface{}, len(dgsts))
	for i, d := range dgsts {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = d.String()
	}
	rows, err := q.ex.QueryContext(ctx,
		`SELECT id, digest, bytes_on_disk FROM blobs WHERE digest IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blobs []*Blob
	for rows.Next() {
		b := &Blob{}
		var dgstStr string
		if err := rows.Scan(&b.ID, &dgstStr, &b.BytesOnDisk); err != nil {
			return nil, err
		}
		b.Digest = digest.Digest(dgstStr)
		blobs = append(blobs, b)
	}
	return blobs, rows.Err()
}

func (q queries) DeleteBlob(ctx context.Context, id uuid.UUID) error {
	_, err := q.ex.ExecContext(ctx, `DELETE FROM blobs WHERE id = $1`, id)
	if isForeignKeyViolation(err) {
		return ErrContentReferenced
	}
	return err
}

const manifestColumns = `m.id, m.repository_id, m.blob_id, m.digest, m.media_type, m.artifact_type, m.subject, b.bytes_on_disk`

func scanManifest(row interface{ Scan(...interface{}) error }) (*Manifest, error) {
	m := &Manifest{}
	var dgstStr string
	err := row.Scan(&m.ID, &m.RepositoryID, &m.BlobID, &dgstStr, &m.MediaType, &m.ArtifactType, &m.Subject, &m.BytesOnDisk)
	if err != nil {
		return nil, err
	}
	m.Digest = digest.Digest(dgstStr)
	return m, nil
}

func (q queries) CreateManifest(ctx context.Context, m *Manifest) error {
	_, err := q.ex.ExecContext(ctx,
		`INSERT INTO manifests (id, repository_id, blob_id, digest, media_type, artifact_type, subject)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.RepositoryID, m.BlobID, m.Digest.String(), m.MediaType, m.ArtifactType, m.Subject)
	return err
}

func (q queries) GetManifestByDigest(ctx context.Context, repositoryID uuid.UUID, dgst digest.Digest) (*Manifest, error) {
	row := q.ex.QueryRowContext(ctx,
		`SELECT `+manifestColumns+`
		 FROM manifests m
		 JOIN blobs b ON m.blob_id = b.id
		 WHERE m.repository_id = $1 AND m.digest = $2`,
		repositoryID, dgst.String())
	m, err := scanManifest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (q queries) GetManifestByTag(ctx context.Context, repositoryID uuid.UUID, tag string) (*Manifest, error) {
	row := q.ex.QueryRowContext(ctx,
		`SELECT `+manifestColumns+`
		 FROM manifests m
		 JOIN blobs b ON m.blob_id = b.id
		 JOIN tags t ON t.manifest_id = m.id
		 WHERE m.repository_id = $1 AND t.name = $2`,
		repositoryID, tag)
	m, err := scanManifest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (q queries) GetManifests(ctx context.Context, repositoryID uuid.UUID, dgsts []digest.Digest) ([]*Manifest, error) {
	if len(dgsts) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(dgsts))
	args := []interface{}{repositoryID}
	for i, d := range dgsts {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, d.String())
	}
	rows, err := q.ex.QueryContext(ctx,
		`SELECT `+manifestColumns+`
		 FROM manifests m
		 JOIN blobs b ON m.blob_id = b.id
		 WHERE m.repository_id = $1 AND m.digest IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var manifests []*Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, rows.Err()
}

func (q queries) DeleteManifest(ctx context.Context, id uuid.UUID) error {
	_, err := q.ex.ExecContext(ctx, `DELETE FROM manifests WHERE id = $1`, id)
	if isForeignKeyViolation(err) {
		return ErrContentReferenced
	}
	return err
}

func (q queries) GetReferrers(ctx context.Context, repositoryID uuid.UUID, subject digest.Digest, artifactType string) ([]*Manifest, error) {
	query := `SELECT ` + manifestColumns + `
		 FROM manifests m
		 JOIN blobs b ON m.blob_id = b.id
		 WHERE m.repository_id = $1 AND m.subject = $2`
	args := []interface{}{repositoryID, subject.String()}
	if artifactType != "" {
		query += ` AND m.artifact_type = $3`
		args = append(args, artifactType)
	}
	query += ` ORDER BY m.digest ASC`

	rows, err := q.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var manifests []*Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, rows.Err()
}

func (q queries) AssociateLayers(ctx context.Context, manifestID uuid.UUID, blobIDs []uuid.UUID) error {
	for _, blobID := range blobIDs {
		_, err := q.ex.ExecContext(ctx,
			`INSERT INTO layers (manifest_id, blob_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			manifestID, blobID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (q queries) DeleteLayerAssociations(ctx context.Context, manifestID uuid.UUID) error {
	_, err := q.ex.ExecContext(ctx, `DELETE FROM layers WHERE manifest_id = $1`, manifestID)
	return err
}

func (q queries) AssociateIndexManifests(ctx context.Context, parentID uuid.UUID, childIDs []uuid.UUID) error {
	for _, childID := range childIDs {
		_, err := q.ex.ExecContext(ctx,
			`INSERT INTO index_manifests (parent_manifest_id, child_manifest_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			parentID, childID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (q queries) DeleteIndexAssociations(ctx context.Context, parentID uuid.UUID) error {
	_, err := q.ex.ExecContext(ctx, `DELETE FROM index_manifests WHERE parent_manifest_id = $1`, parentID)
	return err
}

func (q queries) UpsertTag(ctx context.Context, repositoryID, manifestID uuid.UUID, name string) error {
	_, err := q.ex.ExecContext(ctx,
		`INSERT INTO tags (repository_id, name, manifest_id) VALUES ($1, $2, $3)
		 ON CONFLICT (repository_id, name) DO UPDATE SET manifest_id = EXCLUDED.manifest_id`,
		repositoryID, name, manifestID)
	return err
}

func (q queries) GetTags(ctx context.Context, repositoryID uuid.UUID, n int, last string) ([]string, error) {
	query := `SELECT name FROM tags WHERE repository_id = $1`
	args := []interface{}{repositoryID}
	if last != "" {
		query += ` AND name > $2`
		args = append(args, last)
	}
	query += ` ORDER BY name ASC`
	if n >= 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, n)
	}

	rows, err := q.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tags := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}

func (q queries) DeleteTagsByManifest(ctx context.Context, manifestID uuid.UUID) error {
	_, err := q.ex.ExecContext(ctx, `DELETE FROM tags WHERE manifest_id = $1`, manifestID)
	return err
}

func (q queries) CreateUploadSession(ctx context.Context) (*UploadSession, error) {
	session := &UploadSession{
		ID:           uuid.New(),
		StartDate:    time.Now().UTC(),
		ChunkNumber:  1,
		LastRangeEnd: -1,
	}
	_, err := q.ex.ExecContext(ctx,
		`INSERT INTO upload_sessions (id, start_date, chunk_number, last_range_end) VALUES ($1, $2, $3, $4)`,
		session.ID, session.StartDate, session.ChunkNumber, session.LastRangeEnd)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (q queries) GetUploadSession(ctx context.Context, id uuid.UUID) (*UploadSession, error) {
	session := &UploadSession{}
	err := q.ex.QueryRowContext(ctx,
		`SELECT id, start_date, upload_id, chunk_number, last_range_end, digest_state
		 FROM upload_sessions WHERE id = $1`,
		id).Scan(&session.ID, &session.StartDate, &session.UploadID, &session.ChunkNumber, &session.LastRangeEnd, &session.DigestState)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (q queries) UpdateUploadSession(ctx context.Context, session *UploadSession) error {
	// The digest state is bound as text so it coerces into the jsonb
	// column; a []byte parameter would bind as bytea.
	var state interface{}
	if len(session.DigestState) > 0 {
		state = string(session.DigestState)
	}
	_, err := q.ex.ExecContext(ctx,
		`UPDATE upload_sessions SET upload_id = $2, chunk_number = $3, last_range_end = $4, digest_state = $5
		 WHERE id = $1`,
		session.ID, session.UploadID, session.ChunkNumber, session.LastRangeEnd, state)
	return err
}

func (q queries) DeleteUploadSession(ctx context.Context, id uuid.UUID) error {
	_, err := q.ex.ExecContext(ctx, `DELETE FROM upload_sessions WHERE id = $1`, id)
	return err
}

func (q queries) CreateChunk(ctx context.Context, sessionID uuid.UUID, chunk *Chunk) error {
	_, err := q.ex.ExecContext(ctx,
		`INSERT INTO chunks (upload_session_id, part_number, e_tag) VALUES ($1, $2, $3)`,
		sessionID, chunk.PartNumber, chunk.ETag)
	return err
}

func (q queries) GetChunks(ctx context.Context, sessionID uuid.UUID) ([]Chunk, error) {
	rows, err := q.ex.QueryContext(ctx,
		`SELECT part_number, e_tag FROM chunks WHERE upload_session_id = $1 ORDER BY part_number ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.PartNumber, &c.ETag); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (q queries) DeleteChunks(ctx context.Context, sessionID uuid.UUID) error {
	_, err := q.ex.ExecContext(ctx, `DELETE FROM chunks WHERE upload_session_id = $1`, sessionID)
	return err
}

// isForeignKeyViolation reports whether err is a Postgres foreign key
// violation (SQLSTATE 23503).
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}
