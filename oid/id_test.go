package oid

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestID_ParseString(t *testing.T) {
	id := NewID()
	assert.False(t, id.IsZero())
	parsed, err := ParseID(id.String())
	assert.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseID("not-an-id")
	assert.ErrorIs(t, err, ErrBadID)
	assert.Equal(t, "0", ID0.String())
}

func TestID_TimeOrdered(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.True(t, a.Less(b))
	assert.Equal(t, 0, a.Compare(a))
}

func TestObjectVersion_Order(t *testing.T) {
	a, b := NewID(), NewID()
	ovs := []ObjectVersion{
		{b, 1},
		{a, 7},
		{a, 2},
		{b, VersionFirst},
	}
	slices.SortFunc(ovs, ObjectVersion.Compare)
	assert.Equal(t, []ObjectVersion{{a, 2}, {a, 7}, {b, 1}, {b, 1}}, ovs)
	assert.True(t, ObjectVersion{a, 2}.Less(ObjectVersion{a, VersionHead}))
}

func TestObjectVersion_Bytes(t *testing.T) {
	ov := NewObjectVersion(NewID(), 0x0102030405)
	raw := ov.Bytes()
	assert.Len(t, raw, ObjectVersionLen)
	assert.Equal(t, []byte{0, 0, 0, 1, 2, 3, 4, 5}, raw[IDLen:])
	back, err := ObjectVersionFromBytes(raw)
	assert.NoError(t, err)
	assert.Equal(t, ov, back)

	none, err := ObjectVersionFromBytes(None.Bytes())
	assert.NoError(t, err)
	assert.True(t, none.IsNone())
	assert.Equal(t, VersionNone, none.Version)

	_, err = ObjectVersionFromBytes(raw[:5])
	assert.ErrorIs(t, err, ErrBadID)
}
