package artifact

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/scrollshot/dbopen"
)

func newStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(context.Background(), t.TempDir(), "http://files.local/artifacts/", dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPut(t *testing.T) {
	s := newStore(t)
	data := []byte("\x89PNG fake")

	url, err := s.Put(context.Background(), data, "job-1/20260101T000000Z_a.png", "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if url != "http://files.local/artifacts/job-1/20260101T000000Z_a.png" {
		t.Fatalf("got url %q", url)
	}
	got, err := os.ReadFile(filepath.Join(s.Root(), "job-1", "20260101T000000Z_a.png"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("stored bytes differ")
	}

	entries, _ := os.ReadDir(filepath.Join(s.Root(), "job-1"))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestPutNeverOverwrites(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if _, err := s.Put(ctx, []byte("first"), "job-1/a.png", "image/png"); err != nil {
		t.Fatal(err)
	}
	_, err := s.Put(ctx, []byte("second"), "job-1/a.png", "image/png")
	if !errors.Is(err, ErrUpload) {
		t.Fatalf("got %v, want ErrUpload", err)
	}
	got, _ := os.ReadFile(filepath.Join(s.Root(), "job-1", "a.png"))
	if string(got) != "first" {
		t.Fatalf("prior upload corrupted: %q", got)
	}
}

func TestPutRejectsEscapingKeys(t *testing.T) {
	s := newStore(t)
	for _, key := range []string{"", "/etc/passwd", "../x.png", "a/../../x.png"} {
		if _, err := s.Put(context.Background(), []byte("x"), key, "image/png"); !errors.Is(err, ErrUpload) {
			t.Errorf("key %q: got %v, want ErrUpload", key, err)
		}
	}
}

func TestPutUnwritableRoot(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	os.WriteFile(file, []byte("x"), 0o644)
	s, err := NewLocalStore(context.Background(), file, "http://x", dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(context.Background(), []byte("x"), "job/a.png", "image/png"); !errors.Is(err, ErrUpload) {
		t.Fatalf("got %v, want ErrUpload", err)
	}
}

func TestWriteMetadataIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	m := Metadata{
		JobID:       "job-1",
		Type:        "scroll_match",
		SourceURL:   "https://example.com",
		PublicURL:   "http://files.local/artifacts/job-1/a.png",
		ByteSize:    9,
		SHA256:      Digest([]byte("\x89PNG fake")),
		ContentType: "image/png",
	}
	if err := s.WriteMetadata(ctx, m); err != nil {
		t.Fatal(err)
	}
	m.PublicURL = "http://files.local/artifacts/job-1/b.png"
	if err := s.WriteMetadata(ctx, m); err != nil {
		t.Fatal(err)
	}

	rows, err := s.ListByJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].PublicURL != m.PublicURL {
		t.Fatalf("public url not updated: %q", rows[0].PublicURL)
	}

	// Different content is a different artifact.
	m.SHA256 = Digest([]byte("other"))
	if err := s.WriteMetadata(ctx, m); err != nil {
		t.Fatal(err)
	}
	rows, _ = s.ListByJob(ctx, "job-1")
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
}

func TestWriteMetadataFailure(t *testing.T) {
	db := dbopen.OpenMemory(t)
	s, err := NewLocalStore(context.Background(), t.TempDir(), "http://x", db)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()
	if err := s.WriteMetadata(context.Background(), Metadata{JobID: "j"}); !errors.Is(err, ErrMetadataWrite) {
		t.Fatalf("got %v, want ErrMetadataWrite", err)
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Metadata{JobID: "j", Type: "viewport", SHA256: "abc", PublicURL: "u1"}
	b := Metadata{JobID: "j", Type: "viewport", SHA256: "abc", PublicURL: "u2", ByteSize: 10}
	fa, err := a.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	fb, _ := b.Fingerprint()
	if fa != fb {
		t.Fatal("fingerprint depends on fields outside job/type/sha256")
	}
	c := Metadata{JobID: "j", Type: "scroll_match", SHA256: "abc"}
	if fc, _ := c.Fingerprint(); fc == fa {
		t.Fatal("type not part of fingerprint")
	}
}
