package sync

import (
	"io"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/chorusdata/dsync/pkg/retry"
	"github.com/chorusdata/dsync/pkg/tree"
)

func mockFs(t *testing.T) {
	fs = afero.NewMemMapFs()
	t.Cleanup(func() {
		fs = afero.NewOsFs()
	})
}

func mockFetchBytes(t *testing.T, n int64) {
	old := fetchBytes
	fetchBytes = n
	t.Cleanup(func() {
		fetchBytes = old
	})
}

// trackedFs counts ReadAt calls on the files it opens, and reports io.EOF
// together with a full read of a file's final bytes, as io.ReaderAt permits.
type trackedFs struct {
	afero.Fs
	reads int64
}

func (t *trackedFs) Open(name string) (afero.File, error) {
	file, err := t.Fs.Open(name)
	if err != nil {
		return nil, err
	}
	return &trackedFile{File: file, owner: t}, nil
}

type trackedFile struct {
	afero.File
	owner *trackedFs
}

func (f *trackedFile) ReadAt(p []byte, off int64) (int, error) {
	atomic.AddInt64(&f.owner.reads, 1)
	n, err := f.File.ReadAt(p, off)
	if err == nil {
		if info, statErr := f.File.Stat(); statErr == nil && off+int64(n) == info.Size() {
			err = io.EOF
		}
	}
	return n, err
}

// quickPolicy retries like the default policy but backs off in milliseconds
// so tests don't sleep.
func quickPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Clock:       clockwork.NewRealClock(),
	}
}

// writeLocalTree builds a local project tree from key/content pairs, writing
// each file's content to the mock filesystem. Fingerprints are precomputed so
// the scheduler never has to read outside the mock.
func writeLocalTree(t *testing.T, files map[string]string) *tree.Node {
	keys := make([]string, 0, len(files))
	for key := range files {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	root := tree.NewProject("mouse")
	for _, key := range keys {
		parts := strings.Split(key, "/")
		parent := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := parent.Child(part)
			if !ok {
				var err error
				child, err = parent.NewFolder(part)
				require.NoError(t, err)
			}
			parent = child
		}

		content := files[key]
		file, err := parent.NewFile(parts[len(parts)-1], int64(len(content)))
		require.NoError(t, err)
		file.LocalPath = "/src/" + key
		file.Fingerprint = tree.HashBytes([]byte(content))
		require.NoError(t, afero.WriteFile(fs, file.LocalPath, []byte(content), 0644))
	}
	return root
}

// buildRemote builds a remote project tree from key/content pairs, with
// deterministic remote ids derived from each node's path.
func buildRemote(t *testing.T, files map[string]string) *tree.Node {
	keys := make([]string, 0, len(files))
	for key := range files {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	root := tree.NewProject("mouse")
	root.RemoteID = "p1"
	for _, key := range keys {
		parts := strings.Split(key, "/")
		parent := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := parent.Child(part)
			if !ok {
				var err error
				child, err = parent.NewFolder(part)
				require.NoError(t, err)
				child.RemoteID = "folder-" + child.Key()
			}
			parent = child
		}

		content := files[key]
		file, err := parent.NewFile(parts[len(parts)-1], int64(len(content)))
		require.NoError(t, err)
		file.RemoteID = "file-" + key
		file.Fingerprint = tree.HashBytes([]byte(content))
	}
	return root
}

func resultByKey(result *Result) map[string]NodeResult {
	byKey := map[string]NodeResult{}
	for _, node := range result.Nodes() {
		byKey[node.Key] = node
	}
	return byKey
}
