package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveListDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.Save(ctx, Record{ID: 2, Location: "b", SymbolicName: "b", Version: "1", StartLevel: 1, LastModified: now}, []byte("bbb")))
	require.NoError(t, s.Save(ctx, Record{ID: 1, Location: "a", SymbolicName: "a", Version: "1", StartLevel: 3, AutoStart: true, LastModified: now}, []byte("aaa")))

	// update in place without touching the artifact
	require.NoError(t, s.Save(ctx, Record{ID: 2, Location: "b", SymbolicName: "b", Version: "2", StartLevel: 1, LastModified: now}, nil))

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1), recs[0].ID)
	assert.True(t, recs[0].AutoStart)
	assert.Equal(t, 3, recs[0].StartLevel)
	assert.Equal(t, "2", recs[1].Version)

	data, err := s.ReadArtifact(2)
	require.NoError(t, err)
	assert.Equal(t, "bbb", string(data))

	require.NoError(t, s.Delete(ctx, 2))
	_, err = s.ReadArtifact(2)
	assert.Error(t, err)
	require.NoError(t, s.Close())

	// survives reopen
	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	recs, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].Location)
}

func TestStore_Meta(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	v, err := s.GetInt(ctx, "next_id", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	require.NoError(t, s.SetInt(ctx, "next_id", 9))
	require.NoError(t, s.SetInt(ctx, "next_id", 10))
	v, err = s.GetInt(ctx, "next_id", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)
}

func TestStore_Clear(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, Record{ID: 1, Location: "a", SymbolicName: "a", Version: "1", LastModified: time.Now()}, []byte("x")))
	require.NoError(t, s.Clear(ctx))

	recs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
	_, err = s.ReadArtifact(1)
	assert.Error(t, err)
}
