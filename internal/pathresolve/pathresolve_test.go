package pathresolve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	owners map[int64][]Owner
	err    error
}

func (f *fakeIndex) OwnersOf(logical int64) ([]Owner, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.owners[logical], nil
}

func TestResolveReturnsKnownPathForInode(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0o644))

	ino, ok := inodeOf(filePath)
	if !ok {
		t.Skip("inodeOf unsupported on this platform")
	}

	idx := &fakeIndex{owners: map[int64][]Owner{
		1000: {{Inode: ino, FileOffset: 0}},
	}}
	r := New(idx, dir)

	paths, err := r.Resolve(1000)
	require.NoError(t, err)
	require.Equal(t, []string{filePath}, paths)
}

func TestResolveWithNoMatchingOwnerReturnsEmpty(t *testing.T) {
	idx := &fakeIndex{owners: map[int64][]Owner{}}
	r := New(idx, t.TempDir())

	paths, err := r.Resolve(42)
	require.NoError(t, err)
	require.Empty(t, paths)
}

func TestResolveWithNilOwnerIndexReturnsEmpty(t *testing.T) {
	r := New(nil, "")
	paths, err := r.Resolve(1)
	require.NoError(t, err)
	require.Nil(t, paths)
}

func TestResolvePropagatesOwnerIndexError(t *testing.T) {
	idx := &fakeIndex{err: os.ErrInvalid}
	r := New(idx, t.TempDir())

	_, err := r.Resolve(1)
	require.Error(t, err)
}

func TestResolveSkipsUnknownInodeWithoutError(t *testing.T) {
	idx := &fakeIndex{owners: map[int64][]Owner{
		1000: {{Inode: 0xdeadbeef, FileOffset: 0}},
	}}
	r := New(idx, t.TempDir())

	paths, err := r.Resolve(1000)
	require.NoError(t, err)
	require.Empty(t, paths)
}
