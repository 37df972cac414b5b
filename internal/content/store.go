// Package content stores attachment bodies on the local filesystem.
package content

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// maxSuffix bounds the search for a free file name.
const maxSuffix = 10000

// Key places a file under <root>/<account>/<campaign>/<contact>.
type Key struct {
	AccountID    string
	CampaignSlug string
	ContactID    string
}

func (k Key) dir() string {
	return filepath.Join(safeName(k.AccountID), safeName(k.CampaignSlug), safeName(k.ContactID))
}

// Store writes attachment files below a root directory.
type Store struct {
	root string
}

// New returns a store rooted at dir.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the base directory.
func (s *Store) Root() string { return s.root }

// Put streams r into a new file named after filename. When the name is
// taken, "-1", "-2" and so on are inserted before the extension. It returns
// the absolute path and the number of bytes written.
func (s *Store) Put(key Key, filename string, r io.Reader) (string, int64, error) {
	dir := filepath.Join(s.root, key.dir())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("creating attachment directory: %w", err)
	}

	name := safeName(filename)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for i := 0; i < maxSuffix; i++ {
		candidate := name
		if i > 0 {
			candidate = base + "-" + strconv.Itoa(i) + ext
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", 0, fmt.Errorf("creating attachment file: %w", err)
		}

		n, err := io.Copy(f, r)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
			return "", 0, fmt.Errorf("writing attachment %s: %w", candidate, err)
		}
		return path, n, nil
	}
	return "", 0, fmt.Errorf("no free file name for %s in %s", name, dir)
}

// Open opens a stored file for reading.
func (s *Store) Open(path string) (io.ReadCloser, error) {
	if err := s.within(path); err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Remove deletes a stored file. Missing files are not an error.
func (s *Store) Remove(path string) error {
	if err := s.within(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) within(path string) error {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %s is outside the content store", path)
	}
	return nil
}

// safeName reduces s to a single path element.
func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == 0:
			return '_'
		case r < 0x20:
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if s == "" || s == "." || s == ".." {
		return "attachment"
	}
	return s
}
