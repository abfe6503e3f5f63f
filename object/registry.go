package object

import (
	"github.com/drpcorg/verso/oid"
	"github.com/drpcorg/verso/utils"
)

// Registry owns the identifier to instance mapping and moves object data
// between nodes. Objects call it, they never talk to the network directly.
type Registry interface {
	Logger() utils.Logger
	// RegisterObject makes obj the master copy of a new distributed object.
	RegisterObject(obj *Object) error
	// MapObject attaches obj as a slave of ov.ID, initialised at ov.Version.
	MapObject(obj *Object, ov oid.ObjectVersion) error
	UnmapObject(obj *Object)
	ReleaseObject(obj *Object)
	// SyncObject brings a slave to version v, waiting for the data if needed.
	SyncObject(obj *Object, v oid.Version) error
	// Distribute ships a freshly committed version to the slaves.
	Distribute(obj *Object, delta, snapshot []byte, incarnation uint32) error
	// SendSlaveCommit ships a slave's local changes to its master.
	SendSlaveCommit(obj *Object, delta []byte) error
}

type Versioned interface {
	ID() oid.ID
	Version() oid.Version
	ObjectVersion() oid.ObjectVersion
	Role() Role
	IsAttached() bool
	IsMaster() bool
}

type DirtyTracked interface {
	IsDirty() bool
	Dirty() Mask
	SetDirty(bits Mask)
}

type Nestable interface {
	UserData() *Object
	SetUserData(ud *Object, master bool)
	UserDataRef() oid.ObjectVersion
}

// Distributed is everything a registry or an application needs from a
// replicated object.
type Distributed interface {
	Versioned
	DirtyTracked
	Nestable
	Commit(incarnation uint32) (oid.Version, error)
	Sync(target oid.Version) error
	Backup()
	Restore()
}

var _ Distributed = (*Object)(nil)
