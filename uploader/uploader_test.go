package uploader

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote records directory creation and uploads.  failPaths names
// files whose upload fails; dirIDs are synthesised as "dir-<name>".
type fakeRemote struct {
	mu        sync.Mutex
	dirs      []string // "parentID/name" per CreateDirectory call
	uploads   map[string]string
	failPaths map[string]bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		uploads:   map[string]string{},
		failPaths: map[string]bool{},
	}
}

func (f *fakeRemote) CreateDirectory(ctx context.Context, parentID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs = append(f.dirs, parentID+"/"+name)
	return "dir-" + name, nil
}

func (f *fakeRemote) Upload(ctx context.Context, in io.Reader, size int64, name, directoryID string, progress func(uploaded, total int64)) (string, error) {
	if _, err := io.Copy(io.Discard, in); err != nil {
		return "", err
	}
	if progress != nil {
		progress(size, size)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPaths[name] {
		return "", errors.New("upstream rejected " + name)
	}
	f.uploads[name] = directoryID
	return "fid-" + name, nil
}

// writeTree materialises files (relative slash paths) under a temp dir
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return root
}

func TestNewJobSingleFile(t *testing.T) {
	root := writeTree(t, map[string]string{"solo.txt": "hello"})
	j, err := NewJob(newFakeRemote(), filepath.Join(root, "solo.txt"), "42")
	require.NoError(t, err)
	require.Equal(t, 1, j.Total())
	items := j.Items()
	assert.Equal(t, "solo.txt", items[0].RelPath)
	assert.Equal(t, int64(5), items[0].Size)
	assert.Equal(t, StateWaiting, items[0].State)
}

func TestNewJobWalksDirectory(t *testing.T) {
	root := writeTree(t, map[string]string{
		"b.txt":       "b",
		"a.txt":       "a",
		"sub/c.txt":   "c",
		"sub/d/e.txt": "e",
	})
	j, err := NewJob(newFakeRemote(), root, "42")
	require.NoError(t, err)
	items := j.Items()
	require.Len(t, items, 4)
	// deterministic order by relative path
	assert.Equal(t, "a.txt", items[0].RelPath)
	assert.Equal(t, "b.txt", items[1].RelPath)
	assert.Equal(t, "sub/c.txt", items[2].RelPath)
	assert.Equal(t, "sub/d/e.txt", items[3].RelPath)
}

func TestNewJobMissingPath(t *testing.T) {
	_, err := NewJob(newFakeRemote(), filepath.Join(t.TempDir(), "nope"), "42")
	require.Error(t, err)
}

func TestRunUploadsEverything(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.txt":     "aaa",
		"sub/b.txt": "bb",
	})
	remote := newFakeRemote()
	j, err := NewJob(remote, root, "42")
	require.NoError(t, err)
	j.Run(context.Background())

	assert.Equal(t, 2, j.Completed())
	for _, item := range j.Items() {
		assert.Equal(t, StateSuccess, item.State)
		assert.Equal(t, 100, item.Progress)
		assert.NotEmpty(t, item.Fid)
		assert.Empty(t, item.Err)
	}
	// a.txt lands in the parent, b.txt in the created sub directory
	assert.Equal(t, "42", remote.uploads["a.txt"])
	assert.Equal(t, "dir-sub", remote.uploads["b.txt"])
}

func TestSharedPrefixCreatesDirectoryOnce(t *testing.T) {
	root := writeTree(t, map[string]string{
		"sub/a.txt": "a",
		"sub/b.txt": "b",
		"sub/c.txt": "c",
	})
	remote := newFakeRemote()
	j, err := NewJob(remote, root, "42")
	require.NoError(t, err)
	j.Run(context.Background())

	assert.Equal(t, 3, j.Completed())
	// one CreateDirectory for "sub" no matter how many files share it
	assert.Equal(t, []string{"42/sub"}, remote.dirs)
}

func TestNestedDirectoriesCreatedTopDown(t *testing.T) {
	root := writeTree(t, map[string]string{"x/y/z/deep.txt": "d"})
	remote := newFakeRemote()
	j, err := NewJob(remote, root, "42")
	require.NoError(t, err)
	j.Run(context.Background())

	assert.Equal(t, []string{"42/x", "dir-x/y", "dir-y/z"}, remote.dirs)
	assert.Equal(t, "dir-z", remote.uploads["deep.txt"])
}

func TestPerFileFailureIsolation(t *testing.T) {
	root := writeTree(t, map[string]string{
		"good.txt": "g",
		"bad.txt":  "b",
	})
	remote := newFakeRemote()
	remote.failPaths["bad.txt"] = true
	j, err := NewJob(remote, root, "42")
	require.NoError(t, err)
	j.Run(context.Background())

	assert.Equal(t, 2, j.Completed())
	byPath := map[string]Item{}
	for _, item := range j.Items() {
		byPath[item.RelPath] = item
	}
	assert.Equal(t, StateSuccess, byPath["good.txt"].State)
	assert.Equal(t, StateFailed, byPath["bad.txt"].State)
	assert.Contains(t, byPath["bad.txt"].Err, "upstream rejected")
}

// gateRemote blocks each Upload until two are in flight (or a timeout
// for jobs that can never get there) and records the peak concurrency
type gateRemote struct {
	mu         sync.Mutex
	n          int
	peak       int
	paired     chan struct{}
	pairedOnce sync.Once
}

func newGateRemote() *gateRemote {
	return &gateRemote{paired: make(chan struct{})}
}

func (g *gateRemote) CreateDirectory(ctx context.Context, parentID, name string) (string, error) {
	return "dir-" + name, nil
}

func (g *gateRemote) Upload(ctx context.Context, in io.Reader, size int64, name, directoryID string, progress func(uploaded, total int64)) (string, error) {
	if _, err := io.Copy(io.Discard, in); err != nil {
		return "", err
	}
	g.mu.Lock()
	g.n++
	if g.n > g.peak {
		g.peak = g.n
	}
	if g.n == 2 {
		g.pairedOnce.Do(func() { close(g.paired) })
	}
	g.mu.Unlock()
	select {
	case <-g.paired:
	case <-time.After(100 * time.Millisecond):
	}
	g.mu.Lock()
	g.n--
	g.mu.Unlock()
	return "fid-" + name, nil
}

func TestParallelismCeiling(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.txt": "a",
		"b.txt": "b",
		"c.txt": "c",
	})
	remote := newGateRemote()
	j, err := NewJob(remote, root, "42")
	require.NoError(t, err)
	j.Run(context.Background())

	// three items but never more than two uploads in flight
	assert.Equal(t, 3, j.Completed())
	assert.Equal(t, 2, remote.peak)
}

func TestSingleItemRunsAlone(t *testing.T) {
	root := writeTree(t, map[string]string{"only.txt": "x"})
	remote := newGateRemote()
	j, err := NewJob(remote, root, "42")
	require.NoError(t, err)
	j.Run(context.Background())

	assert.Equal(t, 1, j.Completed())
	assert.Equal(t, 1, remote.peak)
}

func TestRunEmptyJob(t *testing.T) {
	root := writeTree(t, nil)
	j, err := NewJob(newFakeRemote(), root, "42")
	require.NoError(t, err)
	j.Run(context.Background())
	assert.Equal(t, 0, j.Total())
	assert.Equal(t, 0, j.Completed())
}

func TestZeroByteFileSucceeds(t *testing.T) {
	root := writeTree(t, map[string]string{"empty.bin": ""})
	remote := newFakeRemote()
	j, err := NewJob(remote, root, "42")
	require.NoError(t, err)
	j.Run(context.Background())

	items := j.Items()
	require.Len(t, items, 1)
	assert.Equal(t, StateSuccess, items[0].State)
	assert.Equal(t, 100, items[0].Progress)
}
