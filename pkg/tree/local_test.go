package tree

import (
	"net"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorusdata/dsync/pkg/errors"
)

func TestBuildProject(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/README.md", []byte("hello"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/src/docs/a.txt", []byte("x"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/src/docs/nested/deep.bin", []byte{0, 1, 2}, 0644))

	root, err := BuildProject("mouse", []string{"/src"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, KindProject, root.Kind)
	assert.Equal(t, "mouse", root.Name)
	assert.Equal(t, int64(9), root.Size)
	assert.Equal(t, 3, root.FileCount)

	byKey := Flatten(root)
	require.Contains(t, byKey, "src")
	require.Contains(t, byKey, "src/README.md")
	require.Contains(t, byKey, "src/docs/a.txt")
	require.Contains(t, byKey, "src/docs/nested/deep.bin")

	readme := byKey["src/README.md"]
	assert.Equal(t, KindFile, readme.Kind)
	assert.Equal(t, int64(5), readme.Size)
	assert.Equal(t, "/src/README.md", readme.LocalPath)

	docs := byKey["src/docs"]
	assert.Equal(t, KindFolder, docs.Kind)
	assert.Equal(t, int64(4), docs.Size)
	assert.Equal(t, 2, docs.FileCount)
}

func TestBuildProjectMultiplePaths(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/results.csv", []byte("a,b"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/notes.txt", []byte("note"), 0644))

	root, err := BuildProject("mouse", []string{"/data", "/notes.txt"}, Options{})
	require.NoError(t, err)

	byKey := Flatten(root)
	assert.Contains(t, byKey, "data/results.csv")
	assert.Contains(t, byKey, "notes.txt")
	assert.Equal(t, int64(7), root.Size)
}

func TestBuildProjectValidation(t *testing.T) {
	fs = afero.NewMemMapFs()

	_, err := BuildProject("", []string{"/src"}, Options{})
	require.Error(t, err)
	_, ok := errors.RootCause(err).(errors.ValidationError)
	assert.True(t, ok)

	_, err = BuildProject("mouse", nil, Options{})
	require.Error(t, err)
	_, ok = errors.RootCause(err).(errors.ValidationError)
	assert.True(t, ok)

	_, err = BuildProject("mouse", []string{"/does-not-exist"}, Options{})
	require.Error(t, err)
	_, ok = errors.RootCause(err).(errors.FileNotFound)
	assert.True(t, ok)
}

func TestBuildProjectExcludes(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/.DS_Store", []byte("junk"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/src/keep.txt", []byte("keep"), 0644))

	exclude := regexp.MustCompile(`^\.DS_Store$`)
	root, err := BuildProject("mouse", []string{"/src"}, Options{Exclude: exclude})
	require.NoError(t, err)

	byKey := Flatten(root)
	assert.Contains(t, byKey, "src/keep.txt")
	assert.NotContains(t, byKey, "src/.DS_Store")
	assert.Equal(t, 1, root.FileCount)
}

// The in-memory filesystem can't represent symlinks or sockets, so these
// run against a real temporary directory.

func TestBuildProjectSymlinkCycle(t *testing.T) {
	fs = afero.NewOsFs()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))
	require.NoError(t, os.Symlink(dir, filepath.Join(dir, "nested", "loop")))

	_, err := BuildProject("mouse", []string{dir}, Options{FollowSymlinks: true})
	require.Error(t, err)
	fsErr, ok := errors.RootCause(err).(errors.FilesystemError)
	require.True(t, ok)
	assert.Contains(t, fsErr.Reason, "symlink cycle")
}

func TestBuildProjectRejectsSymlinksByDefault(t *testing.T) {
	fs = afero.NewOsFs()
	dir := t.TempDir()
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "real.txt"), []byte("x"), 0644))
	require.NoError(t, os.Symlink(
		filepath.Join(dir, "real.txt"), filepath.Join(dir, "alias.txt")))

	_, err := BuildProject("mouse", []string{dir}, Options{})
	require.Error(t, err)
	_, ok := errors.RootCause(err).(errors.FilesystemError)
	assert.True(t, ok)

	// Following resolves the link to its regular target.
	root, err := BuildProject("mouse", []string{dir}, Options{FollowSymlinks: true})
	require.NoError(t, err)
	assert.Equal(t, 2, root.FileCount)
}

func TestBuildProjectRejectsIrregularEntries(t *testing.T) {
	fs = afero.NewOsFs()
	dir := t.TempDir()
	listener, err := net.Listen("unix", filepath.Join(dir, "ipc.sock"))
	require.NoError(t, err)
	defer listener.Close()

	_, err = BuildProject("mouse", []string{dir}, Options{})
	require.Error(t, err)
	fsErr, ok := errors.RootCause(err).(errors.FilesystemError)
	require.True(t, ok)
	assert.Contains(t, fsErr.Reason, "unsupported file type")
}

func TestContentHash(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/README.md", []byte("hello"), 0644))

	root, err := BuildProject("mouse", []string{"/src"}, Options{})
	require.NoError(t, err)

	readme := Flatten(root)["src/README.md"]
	// The fingerprint isn't computed until asked for.
	assert.Empty(t, readme.Fingerprint)

	hash, err := readme.ContentHash()
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", hash)
	assert.Equal(t, hash, readme.Fingerprint)

	// Containers have no fingerprint.
	_, err = Flatten(root)["src"].ContentHash()
	assert.Error(t, err)
}

func TestHashBytes(t *testing.T) {
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", HashBytes([]byte("hello")))
	// The empty chunk hash matters: empty files upload one empty chunk.
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", HashBytes(nil))
}
