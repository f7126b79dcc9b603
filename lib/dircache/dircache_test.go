package dircache

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memCacher implements DirCacher over an in-memory tree
type memCacher struct {
	children map[string]map[string]string // pathID -> leaf -> pathID
	nextID   int
	finds    int
	creates  int
}

func newMemCacher() *memCacher {
	return &memCacher{
		children: map[string]map[string]string{
			"0": {},
		},
		nextID: 100,
	}
}

func (m *memCacher) FindLeaf(ctx context.Context, pathID, leaf string) (string, bool, error) {
	m.finds++
	kids, ok := m.children[pathID]
	if !ok {
		return "", false, fmt.Errorf("unknown directory ID %q", pathID)
	}
	id, found := kids[leaf]
	return id, found, nil
}

func (m *memCacher) CreateDir(ctx context.Context, pathID, leaf string) (string, error) {
	m.creates++
	kids, ok := m.children[pathID]
	if !ok {
		return "", fmt.Errorf("unknown directory ID %q", pathID)
	}
	m.nextID++
	id := fmt.Sprintf("%d", m.nextID)
	kids[leaf] = id
	m.children[id] = map[string]string{}
	return id, nil
}

func TestSplitPath(t *testing.T) {
	for _, test := range []struct {
		path, dir, leaf string
	}{
		{"", "", ""},
		{"photos", "", "photos"},
		{"photos/2024", "photos", "2024"},
		{"a/b/c", "a/b", "c"},
	} {
		dir, leaf := SplitPath(test.path)
		assert.Equal(t, test.dir, dir, test.path)
		assert.Equal(t, test.leaf, leaf, test.path)
	}
}

func TestFindDirCreate(t *testing.T) {
	ctx := context.Background()
	m := newMemCacher()
	dc := New("", "0", m)
	require.NoError(t, dc.FindRoot(ctx, false))

	id, err := dc.FindDir(ctx, "photos/2024", true)
	require.NoError(t, err)
	assert.NotEqual(t, "", id)
	assert.Equal(t, 2, m.creates)

	// Both levels should now be cached
	_, ok := dc.Get("photos")
	assert.True(t, ok)
	cached, ok := dc.Get("photos/2024")
	assert.True(t, ok)
	assert.Equal(t, id, cached)

	// A second lookup must be served from the cache
	finds := m.finds
	id2, err := dc.FindDir(ctx, "photos/2024", false)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	assert.Equal(t, finds, m.finds)
}

func TestFindDirNoCreate(t *testing.T) {
	ctx := context.Background()
	m := newMemCacher()
	dc := New("", "0", m)
	require.NoError(t, dc.FindRoot(ctx, false))

	_, err := dc.FindDir(ctx, "missing", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "couldn't find directory")
	assert.Equal(t, 0, m.creates)
}

func TestFindPath(t *testing.T) {
	ctx := context.Background()
	m := newMemCacher()
	dc := New("", "0", m)
	require.NoError(t, dc.FindRoot(ctx, false))

	leaf, dirID, err := dc.FindPath(ctx, "docs/report.pdf", true)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", leaf)
	docsID, ok := dc.Get("docs")
	require.True(t, ok)
	assert.Equal(t, docsID, dirID)

	// Leaf at the root resolves to the root ID
	leaf, dirID, err = dc.FindPath(ctx, "top.txt", false)
	require.NoError(t, err)
	assert.Equal(t, "top.txt", leaf)
	assert.Equal(t, "0", dirID)
}

func TestGetInv(t *testing.T) {
	dc := New("", "0", newMemCacher())
	dc.Put("music", "42")
	path, ok := dc.GetInv("42")
	assert.True(t, ok)
	assert.Equal(t, "music", path)
	_, ok = dc.GetInv("99")
	assert.False(t, ok)
}

func TestResetRoot(t *testing.T) {
	ctx := context.Background()
	m := newMemCacher()
	dc := New("", "0", m)
	require.NoError(t, dc.FindRoot(ctx, false))

	_, err := dc.FindDir(ctx, "tmp", true)
	require.NoError(t, err)
	_, ok := dc.Get("tmp")
	require.True(t, ok)

	dc.ResetRoot()
	_, ok = dc.Get("tmp")
	assert.False(t, ok)
	assert.Equal(t, "0", dc.RootID())
}
