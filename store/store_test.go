package store

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/verso/oid"
	"github.com/drpcorg/verso/utils"
)

func openMem(t *testing.T) *Store {
	s, err := Open("", utils.NewDefaultLogger(slog.LevelError))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fill(t *testing.T, s *Store, id oid.ID, upto oid.Version) {
	for v := oid.VersionFirst; v <= upto; v++ {
		var delta []byte
		if v > oid.VersionFirst {
			delta = []byte(fmt.Sprintf("delta %d", v))
		}
		require.NoError(t, s.Put(oid.NewObjectVersion(id, v), delta, []byte(fmt.Sprintf("snap %d", v))))
	}
}

func TestStore_PutGet(t *testing.T) {
	s := openMem(t)
	id, other := oid.NewID(), oid.NewID()
	fill(t, s, id, 5)
	fill(t, s, other, 2)

	snap, err := s.Snapshot(oid.NewObjectVersion(id, 3))
	require.NoError(t, err)
	assert.Equal(t, "snap 3", string(snap))

	_, err = s.Snapshot(oid.NewObjectVersion(id, 6))
	assert.ErrorIs(t, err, ErrNotFound)

	deltas, err := s.Deltas(id, 2, oid.VersionHead)
	require.NoError(t, err)
	require.Len(t, deltas, 3)
	assert.Equal(t, oid.Version(3), deltas[0].Version)
	assert.Equal(t, "delta 5", string(deltas[2].Data))

	deltas, err = s.Deltas(id, 1, 3)
	require.NoError(t, err)
	assert.Len(t, deltas, 2)

	deltas, err = s.Deltas(id, 5, oid.VersionHead)
	require.NoError(t, err)
	assert.Empty(t, deltas)

	head, err := s.Head(id)
	require.NoError(t, err)
	assert.Equal(t, oid.Version(5), head)
	s.heads.Purge()
	head, err = s.Head(other)
	require.NoError(t, err)
	assert.Equal(t, oid.Version(2), head)
	head, err = s.Head(oid.NewID())
	require.NoError(t, err)
	assert.Equal(t, oid.VersionNone, head)
}

func TestStore_Trim(t *testing.T) {
	s := openMem(t)
	id := oid.NewID()
	fill(t, s, id, 10)
	require.NoError(t, s.Trim(id, 3))

	oldest, err := s.Oldest(id)
	require.NoError(t, err)
	assert.Equal(t, oid.Version(8), oldest)
	_, err = s.Snapshot(oid.NewObjectVersion(id, 7))
	assert.ErrorIs(t, err, ErrNotFound)
	deltas, err := s.Deltas(id, oid.VersionNone, oid.VersionHead)
	require.NoError(t, err)
	require.Len(t, deltas, 3)
	assert.Equal(t, oid.Version(8), deltas[0].Version)

	// nothing to trim
	require.NoError(t, s.Trim(id, 20))
	oldest, _ = s.Oldest(id)
	assert.Equal(t, oid.Version(8), oldest)
}

func TestStore_Drop(t *testing.T) {
	s := openMem(t)
	id, other := oid.NewID(), oid.NewID()
	fill(t, s, id, 3)
	fill(t, s, other, 3)
	require.NoError(t, s.Drop(id))

	head, err := s.Head(id)
	require.NoError(t, err)
	assert.Equal(t, oid.VersionNone, head)
	head, _ = s.Head(other)
	assert.Equal(t, oid.Version(3), head)
}

func TestStore_Checksum(t *testing.T) {
	s := openMem(t)
	ov := oid.NewObjectVersion(oid.NewID(), 1)
	require.NoError(t, s.db.Set(key(litSnapshot, ov.ID, ov.Version), []byte("0123456789"), &WriteOptions))
	_, err := s.Snapshot(ov)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestStore_Collector(t *testing.T) {
	s := openMem(t)
	fill(t, s, oid.NewID(), 3)
	assert.Equal(t, 9, testutil.CollectAndCount(s.Collector()))
}
