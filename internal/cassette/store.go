package cassette

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by a [Store] when no cassette has the name.
var ErrNotFound = errors.New("cassette not found")

// Store loads and saves cassettes by name. Save stores c under name,
// which need not match c.TestName.
type Store interface {
	Load(ctx context.Context, name string) (*Cassette, error)
	Save(ctx context.Context, name string, c *Cassette) error
}

// FileStore keeps one JSON file per cassette in a directory. Names
// that map to the same [FileName], such as "a/b" and "a_b", share a
// file.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir. The directory is created
// on first save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the file that holds the named cassette.
func (s *FileStore) Path(name string) string {
	return filepath.Join(s.dir, FileName(name))
}

// Load reads and decodes the named cassette.
func (s *FileStore) Load(_ context.Context, name string) (*Cassette, error) {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("read cassette %s: %w", name, err)
	}
	return Decode(data)
}

// Save writes the cassette to the file for name atomically: to a temp
// file in the same directory, then renamed over the target.
func (s *FileStore) Save(_ context.Context, name string, c *Cassette) error {
	data, err := c.Encode()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create cassette dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".cassette-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cassette: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp cassette: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cassette: %w", err)
	}
	if err := os.Rename(tmpName, s.Path(name)); err != nil {
		return fmt.Errorf("rename cassette into place: %w", err)
	}
	return nil
}

// FileName maps a cassette name to a safe file name. Path separators,
// spaces, and other unsafe characters become underscores, so distinct
// names can collide.
func FileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.Trim(b.String(), ".")
	if s == "" {
		s = "cassette"
	}
	return s + ".json"
}
