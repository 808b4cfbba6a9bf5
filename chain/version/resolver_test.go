package version_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/paritytech/substrate-archive/chain/version"
	"github.com/paritytech/substrate-archive/storage"
)

type fakeStore struct {
	breakpoints []storage.VersionBreakpoint
	metadata    map[uint32][]byte
	blobReads   int
}

func (f *fakeStore) VersionBreakpoints(ctx context.Context) ([]storage.VersionBreakpoint, error) {
	return f.breakpoints, nil
}

func (f *fakeStore) MetadataBlob(ctx context.Context, v uint32) ([]byte, error) {
	f.blobReads++
	meta, ok := f.metadata[v]
	if !ok {
		return nil, xerrors.Errorf("no metadata for version %d", v)
	}
	return meta, nil
}

func (f *fakeStore) MetadataVersions(ctx context.Context) ([]uint32, error) {
	versions := make([]uint32, 0, len(f.metadata))
	for v := range f.metadata {
		versions = append(versions, v)
	}
	return versions, nil
}

func TestResolverResolve(t *testing.T) {
	store := &fakeStore{
		breakpoints: []storage.VersionBreakpoint{
			{Height: 0, Version: 1},
			{Height: 100, Version: 2},
			{Height: 250, Version: 3},
		},
		metadata: map[uint32][]byte{1: []byte("m1"), 2: []byte("m2"), 3: []byte("m3")},
	}

	r, err := version.NewResolver(store)
	require.NoError(t, err)
	require.NoError(t, r.Load(context.Background()))

	cases := []struct {
		height uint64
		want   uint32
	}{
		{0, 1},
		{99, 1},
		{100, 2},
		{150, 2},
		{249, 2},
		{250, 3},
		{1_000_000, 3},
	}
	for _, tc := range cases {
		got, err := r.Resolve(tc.height)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "height %d", tc.height)
	}
}

func TestResolverResolveBeforeFirstBreakpoint(t *testing.T) {
	store := &fakeStore{
		breakpoints: []storage.VersionBreakpoint{{Height: 50, Version: 4}},
		metadata:    map[uint32][]byte{4: []byte("m4")},
	}

	r, err := version.NewResolver(store)
	require.NoError(t, err)
	require.NoError(t, r.Load(context.Background()))

	_, err = r.Resolve(49)
	assert.ErrorIs(t, err, version.ErrVersionNotFound)

	got, err := r.Resolve(50)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), got)
}

func TestResolverResolveEmpty(t *testing.T) {
	r, err := version.NewResolver(&fakeStore{})
	require.NoError(t, err)
	require.NoError(t, r.Load(context.Background()))

	_, err = r.Resolve(0)
	assert.ErrorIs(t, err, version.ErrVersionNotFound)
}

func TestResolverInsert(t *testing.T) {
	r, err := version.NewResolver(&fakeStore{})
	require.NoError(t, err)

	r.Insert(0, 1)
	r.Insert(500, 3)
	// out of order insert lands in the right place
	r.Insert(100, 2)

	got, err := r.Resolve(99)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got)

	got, err = r.Resolve(100)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got)

	got, err = r.Resolve(499)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got)

	got, err = r.Resolve(500)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got)

	latest, ok := r.LatestHeight()
	require.True(t, ok)
	assert.Equal(t, uint64(500), latest)

	// duplicate height is a no-op
	r.Insert(100, 99)
	got, err = r.Resolve(100)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got)

	assert.True(t, r.Known(1))
	assert.True(t, r.Known(3))
	assert.False(t, r.Known(99))
}

func TestResolverMetadataCaching(t *testing.T) {
	store := &fakeStore{
		metadata: map[uint32][]byte{7: []byte("m7")},
	}
	r, err := version.NewResolver(store)
	require.NoError(t, err)

	meta, err := r.Metadata(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("m7"), meta)
	assert.Equal(t, 1, store.blobReads)

	// second read served from cache
	meta, err = r.Metadata(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("m7"), meta)
	assert.Equal(t, 1, store.blobReads)

	// registered metadata never hits the store
	r.RegisterMetadata(8, []byte("m8"))
	meta, err = r.Metadata(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("m8"), meta)
	assert.Equal(t, 1, store.blobReads)
	assert.True(t, r.Known(8))

	_, err = r.Metadata(context.Background(), 9)
	assert.Error(t, err)
}
