package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/verso/object"
	"github.com/drpcorg/verso/oid"
	"github.com/drpcorg/verso/protocol"
)

func TestEntity_NameCommitSync(t *testing.T) {
	r := newMemRegistry()
	m := NewEntity()
	require.NoError(t, r.RegisterObject(m.Object))
	v0 := m.Version()

	s := NewEntity()
	require.NoError(t, r.MapObject(s.Object, m.ObjectVersion()))

	m.SetName("left eye")
	assert.Equal(t, BitName, m.Dirty())
	v1, err := m.Commit(0)
	require.NoError(t, err)
	assert.Greater(t, v1, v0)
	assert.False(t, m.IsDirty())

	require.NoError(t, s.Sync(v1))
	assert.Equal(t, "left eye", s.Name())
	assert.Equal(t, v1, s.Version())
	assert.False(t, s.IsDirty())
}

func TestEntity_RoundTrip(t *testing.T) {
	r := newMemRegistry()
	m := NewEntity()
	require.NoError(t, r.RegisterObject(m.Object))
	m.SetName("canvas")
	m.SetTasks(0b1011)
	m.SetSerial(42)
	_, err := m.Commit(7)
	require.NoError(t, err)

	s := NewEntity()
	require.NoError(t, r.MapObject(s.Object, m.ObjectVersion()))
	assert.Equal(t, m.fields, s.fields)
	assert.Equal(t, m.ObjectVersion(), s.ObjectVersion())
	assert.Equal(t, object.Slave, s.Role())
}

func TestEntity_RemovedOnMaster(t *testing.T) {
	r := newMemRegistry()
	m := NewEntity()
	require.NoError(t, r.RegisterObject(m.Object))

	out := protocol.NewOutStream()
	out.WriteMask(uint64(BitRemoved))
	out.WriteIDs([]oid.ID{oid.NewID()})
	err := m.Unpack(out.Bytes())
	assert.ErrorIs(t, err, object.ErrRemovedOnMaster)
	assert.True(t, object.IsProtocolError(err))

	// an empty list is fine
	out.Reset()
	out.WriteMask(uint64(BitRemoved))
	out.WriteIDs(nil)
	assert.NoError(t, m.Unpack(out.Bytes()))
	assert.False(t, m.Dirty().Has(BitRemoved))
}

func TestEntity_BackupRestore(t *testing.T) {
	r := newMemRegistry()
	m := NewEntity()
	m.SetName("before")
	require.NoError(t, r.RegisterObject(m.Object))

	m.Backup()
	m.SetName("after")
	m.SetSerial(9)
	_, err := m.Commit(0)
	require.NoError(t, err)

	m.Restore()
	assert.Equal(t, "before", m.Name())
	assert.EqualValues(t, 0, m.Serial())
	assert.Equal(t, BitName|BitSerial, m.Dirty())
}

func TestEntity_SlaveEchoRedistributes(t *testing.T) {
	r := newMemRegistry()
	m := NewEntity()
	require.NoError(t, r.RegisterObject(m.Object))
	s1, s2 := NewEntity(), NewEntity()
	require.NoError(t, r.MapObject(s1.Object, m.ObjectVersion()))
	require.NoError(t, r.MapObject(s2.Object, m.ObjectVersion()))

	s1.SetName("renamed by a slave")
	s1.SetSerial(3)
	require.NoError(t, s1.SlaveCommit(0))

	require.NoError(t, m.Sync(oid.VersionHead))
	assert.Equal(t, "renamed by a slave", m.Name())
	// serial is not redistributable
	assert.Equal(t, BitName, m.Dirty())

	v, err := m.Commit(0)
	require.NoError(t, err)
	require.NoError(t, s2.Sync(v))
	assert.Equal(t, "renamed by a slave", s2.Name())
	assert.EqualValues(t, 0, s2.Serial())
}

func TestEntity_SlaveHoldsMasterUserData(t *testing.T) {
	r := newMemRegistry()
	m := NewEntity()
	require.NoError(t, r.RegisterObject(m.Object))
	s1, s2 := NewEntity(), NewEntity()
	require.NoError(t, r.MapObject(s1.Object, m.ObjectVersion()))
	require.NoError(t, r.MapObject(s2.Object, m.ObjectVersion()))

	blob := NewBlob()
	blob.SetData([]byte("per view"))
	s1.SetUserData(blob.Object, true)
	mirror := NewBlob()
	s2.SetUserData(mirror.Object, false)

	require.NoError(t, s1.SlaveCommit(0))
	require.True(t, blob.IsMaster())
	require.NoError(t, m.Sync(oid.VersionHead))
	assert.Equal(t, blob.ObjectVersion(), m.UserDataRef())
	assert.Nil(t, m.UserData())

	v, err := m.Commit(0)
	require.NoError(t, err)
	require.NoError(t, s2.Sync(v))
	require.True(t, mirror.IsAttached())
	assert.Equal(t, []byte("per view"), mirror.Data())

	blob.Add(5)
	assert.True(t, s1.IsDirty())
	require.NoError(t, s1.SlaveCommit(0))
	assert.Equal(t, oid.Version(2), s1.UserDataRef().Version)
	require.NoError(t, m.Sync(oid.VersionHead))
	v, err = m.Commit(0)
	require.NoError(t, err)
	require.NoError(t, s2.Sync(v))
	assert.EqualValues(t, 5, mirror.Counter())
	assert.Equal(t, oid.Version(2), mirror.Version())

	// the slave's own echo leaves its master user data alone
	require.NoError(t, s1.Sync(v))
	assert.True(t, blob.IsMaster())
}

func TestEntity_MasterUserDataRefAdvances(t *testing.T) {
	r := newMemRegistry()
	m := NewEntity()
	require.NoError(t, r.RegisterObject(m.Object))
	blob := NewBlob()
	m.SetUserData(blob.Object, true)
	v1, err := m.Commit(0)
	require.NoError(t, err)
	assert.Equal(t, oid.NewObjectVersion(blob.ID(), oid.VersionFirst), m.UserDataRef())

	assert.False(t, m.IsDirty())
	blob.Add(1)
	assert.True(t, m.IsDirty())
	v2, err := m.Commit(0)
	require.NoError(t, err)
	assert.Greater(t, v2, v1)
	assert.Equal(t, blob.ObjectVersion(), m.UserDataRef())
	assert.Equal(t, oid.Version(2), blob.Version())
	assert.False(t, m.IsDirty())
}
