// Package artifact stores captured screenshots and their metadata.
//
// LocalStore writes files under a root directory served at BaseURL and
// keeps one metadata row per distinct artifact in SQLite. Re-running a
// job uploads under a fresh key and never overwrites an earlier file.
package artifact

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/hazyhaar/scrollshot/dbopen"
)

var (
	// ErrUpload wraps failures to persist artifact bytes.
	ErrUpload = errors.New("artifact: upload failed")
	// ErrMetadataWrite wraps failures to persist artifact metadata.
	ErrMetadataWrite = errors.New("artifact: metadata write failed")
)

// Schema creates the metadata table.
const Schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	fingerprint  TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL,
	type         TEXT NOT NULL,
	source_url   TEXT NOT NULL DEFAULT '',
	public_url   TEXT NOT NULL,
	byte_size    INTEGER NOT NULL,
	sha256       TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id, created_at);
`

// Metadata describes one uploaded artifact.
type Metadata struct {
	JobID       string    `json:"job_id"`
	Type        string    `json:"type"`
	SourceURL   string    `json:"source_url"`
	PublicURL   string    `json:"public_url"`
	ByteSize    int64     `json:"byte_size"`
	SHA256      string    `json:"sha256"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// Fingerprint identifies the artifact content for a job and type: the
// SHA-256 of the RFC 8785 canonical JSON of {job_id, sha256, type}.
// Uploading identical bytes again for the same job maps to the same row.
func (m Metadata) Fingerprint() (string, error) {
	raw, err := json.Marshal(map[string]string{
		"job_id": m.JobID,
		"type":   m.Type,
		"sha256": m.SHA256,
	})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("artifact: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Option configures a LocalStore.
type Option func(*LocalStore)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *LocalStore) { s.logger = l }
}

// LocalStore keeps artifacts on the local filesystem.
type LocalStore struct {
	root    string
	baseURL string
	db      *sql.DB
	logger  *slog.Logger
}

// NewLocalStore creates a store writing under root, publishing URLs under
// baseURL and recording metadata in db.
func NewLocalStore(ctx context.Context, root, baseURL string, db *sql.DB, opts ...Option) (*LocalStore, error) {
	if err := dbopen.Migrate(ctx, db, Schema); err != nil {
		return nil, fmt.Errorf("artifact: %w", err)
	}
	s := &LocalStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		db:      db,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Root returns the directory artifacts are written to.
func (s *LocalStore) Root() string { return s.root }

// Put writes data under key and returns its public URL. The file appears
// atomically; a key that already exists is rejected.
func (s *LocalStore) Put(ctx context.Context, data []byte, key, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	dst, err := s.pathFor(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	// Link fails when dst exists, so an earlier upload is never replaced.
	if err := os.Link(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}

	url := s.baseURL + "/" + key
	s.logger.Debug("artifact: stored", "key", key, "bytes", len(data), "content_type", contentType)
	return url, nil
}

func (s *LocalStore) pathFor(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: invalid key %q", ErrUpload, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

// WriteMetadata records m. Writing the same content twice for a job
// updates the existing row instead of adding one.
func (s *LocalStore) WriteMetadata(ctx context.Context, m Metadata) error {
	fp, err := m.Fingerprint()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataWrite, err)
	}
	now := time.Now().UnixMilli()
	_, err = dbopen.Exec(ctx, s.db, `
		INSERT INTO artifacts (fingerprint, job_id, type, source_url, public_url, byte_size, sha256, content_type, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			source_url = excluded.source_url,
			public_url = excluded.public_url,
			updated_at = excluded.updated_at`,
		fp, m.JobID, m.Type, m.SourceURL, m.PublicURL, m.ByteSize, m.SHA256, m.ContentType, now, now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataWrite, err)
	}
	return nil
}

// ListByJob returns the metadata rows of jobID, oldest first.
func (s *LocalStore) ListByJob(ctx context.Context, jobID string) ([]Metadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, type, source_url, public_url, byte_size, sha256, content_type, created_at
		FROM artifacts WHERE job_id = ? ORDER BY created_at, rowid`, jobID)
	if err != nil {
		return nil, fmt.Errorf("artifact: list %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		var m Metadata
		var created int64
		if err := rows.Scan(&m.JobID, &m.Type, &m.SourceURL, &m.PublicURL, &m.ByteSize, &m.SHA256, &m.ContentType, &created); err != nil {
			return nil, fmt.Errorf("artifact: list scan: %w", err)
		}
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	return out, rows.Err()
}
