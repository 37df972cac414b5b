package content

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutResolvesCollisions(t *testing.T) {
	s := New(t.TempDir())
	key := Key{AccountID: "acct", CampaignSlug: "launch", ContactID: "c1"}

	first, n, err := s.Put(key, "report.pdf", strings.NewReader("one"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, "report.pdf", filepath.Base(first))

	second, _, err := s.Put(key, "report.pdf", strings.NewReader("two"))
	require.NoError(t, err)
	assert.Equal(t, "report-1.pdf", filepath.Base(second))

	third, _, err := s.Put(key, "report.pdf", strings.NewReader("three"))
	require.NoError(t, err)
	assert.Equal(t, "report-2.pdf", filepath.Base(third))

	assert.Equal(t, filepath.Join(s.Root(), "acct", "launch", "c1"), filepath.Dir(first))

	f, err := s.Open(second)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestPutSanitizesNames(t *testing.T) {
	s := New(t.TempDir())
	path, _, err := s.Put(Key{AccountID: "a", CampaignSlug: "../x", ContactID: "c"}, "../../etc/passwd", strings.NewReader("x"))
	require.NoError(t, err)
	rel, err := filepath.Rel(s.Root(), path)
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(rel, ".."))

	noName, _, err := s.Put(Key{AccountID: "a"}, "", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "attachment", filepath.Base(noName))
}

func TestRemove(t *testing.T) {
	s := New(t.TempDir())
	path, _, err := s.Put(Key{AccountID: "a"}, "f.txt", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, s.Remove(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, s.Remove(path))
	assert.Error(t, s.Remove("/etc/hosts"))
}
