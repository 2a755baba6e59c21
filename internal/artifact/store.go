// Package artifact stores rendered exports under identity-scoped paths.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/xid"

	"invoice-export/internal/infra/logging"
)

var (
	ErrEmptyIdentity = errors.New("artifact: identity is required")
	ErrEscapesRoot   = errors.New("artifact: path escapes store root")
	ErrEmptyArtifact = errors.New("artifact: no data")
)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lower-cases s and collapses everything but letters and digits into
// single dashes.
func Slug(s string) string {
	s = nonSlug.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-")
}

// IdentitySegment maps identity to a single path segment. The readable slug
// is followed by a short hash of the raw identity, so identities that slug
// alike ("a@b.c", "a-b-c") or not at all (non-ASCII) stay apart.
func IdentitySegment(identity string) (string, error) {
	if identity == "" {
		return "", ErrEmptyIdentity
	}
	sum := sha256.Sum256([]byte(identity))
	h := hex.EncodeToString(sum[:4])
	slug := Slug(identity)
	if slug == "" {
		return "id-" + h, nil
	}
	return slug + "-" + h, nil
}

// BuildPath returns <identity>/<slug(contextName)>/<yyyymmdd-hhmmss>-<xid>.<ext>
// with the identity segment built by IdentitySegment.
func BuildPath(identity, contextName, ext string, now time.Time) (string, error) {
	id, err := IdentitySegment(identity)
	if err != nil {
		return "", err
	}
	name := Slug(contextName)
	if name == "" {
		name = "untitled"
	}
	ext = strings.TrimPrefix(ext, ".")
	return path.Join(id, name, fmt.Sprintf("%s-%s.%s", now.UTC().Format("20060102-150405"), xid.New().String(), ext)), nil
}

// FSStore keeps artifacts below Root on the local filesystem.
type FSStore struct {
	Root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("artifact: root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create root: %w", err)
	}
	return &FSStore{Root: root}, nil
}

// Upload writes data to rel below Root and returns the stored path relative
// to Root. The file appears atomically.
func (s *FSStore) Upload(ctx context.Context, data []byte, rel string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyArtifact
	}
	full, clean, err := s.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("artifact: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("artifact: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("artifact: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("artifact: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fmt.Errorf("artifact: rename: %w", err)
	}

	logging.Info("Artifact stored", "path", clean, "bytes", len(data))
	return clean, nil
}

// Open returns the content of a stored artifact.
func (s *FSStore) Open(rel string) ([]byte, error) {
	full, _, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

func (s *FSStore) resolve(rel string) (full, clean string, err error) {
	clean = path.Clean("/" + filepath.ToSlash(rel))[1:]
	if clean == "" || clean != filepath.ToSlash(rel) {
		return "", "", fmt.Errorf("%w: %q", ErrEscapesRoot, rel)
	}
	full = filepath.Join(s.Root, filepath.FromSlash(clean))
	back, err := filepath.Rel(s.Root, full)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %q", ErrEscapesRoot, rel)
	}
	return full, clean, nil
}
