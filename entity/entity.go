// Package entity holds the concrete distributed kinds: Entity (a named
// node of the object graph), Group (an Entity owning children) and Blob
// (opaque data, mostly used as nested user data).
package entity

import (
	"github.com/drpcorg/verso/object"
	"github.com/drpcorg/verso/oid"
	"github.com/drpcorg/verso/protocol"
)

const (
	BitName object.Mask = 1 << iota
	BitUserData
	BitTasks
	BitRemoved
	BitSerial
	BitChildren
)

const (
	entityBits          = BitName | BitUserData | BitTasks | BitRemoved | BitSerial
	entityRedistributed = BitName | BitUserData | BitTasks
)

// Member is anything a Group can hold.
type Member interface {
	object.Distributed
	Base() *object.Object
	Parent() oid.ID
	setParent(id oid.ID)
}

type fields struct {
	name   string
	tasks  uint64
	serial uint64
}

type Entity struct {
	*object.Object
	fields

	parent  oid.ID
	removed []oid.ID
	saved   *fields
	// called for every removed child id a slave receives
	onRemove func(id oid.ID)
}

func NewEntity() *Entity {
	e := &Entity{}
	e.Object = object.New(e)
	return e
}

func (e *Entity) Base() *object.Object {
	return e.Object
}

// Parent is the identifier of the group holding e, zero for a root.
func (e *Entity) Parent() oid.ID {
	return e.parent
}

func (e *Entity) setParent(id oid.ID) {
	e.parent = id
}

func (e *Entity) Name() string {
	return e.name
}

func (e *Entity) SetName(name string) {
	if e.name == name {
		return
	}
	e.name = name
	e.SetDirty(BitName)
}

func (e *Entity) Tasks() uint64 {
	return e.tasks
}

func (e *Entity) SetTasks(tasks uint64) {
	if e.tasks == tasks {
		return
	}
	e.tasks = tasks
	e.SetDirty(BitTasks)
}

func (e *Entity) Serial() uint64 {
	return e.serial
}

func (e *Entity) SetSerial(serial uint64) {
	if e.serial == serial {
		return
	}
	e.serial = serial
	e.SetDirty(BitSerial)
}

// Removed lists child ids removed since the last commit.
func (e *Entity) Removed() []oid.ID {
	return e.removed
}

func (e *Entity) Layout() object.Layout {
	return object.Layout{
		All:             entityBits,
		Redistributable: entityRedistributed,
		UserData:        BitUserData,
		Transient:       BitRemoved,
	}
}

func (e *Entity) Serialize(out *protocol.OutStream, bits object.Mask) error {
	if bits.Has(BitName) {
		out.WriteString(e.name)
	}
	if bits.Has(BitUserData) {
		out.WriteObjectVersion(e.UserDataRef())
	}
	if bits.Has(BitTasks) {
		out.WriteUint64(e.tasks)
	}
	if bits.Has(BitRemoved) {
		out.WriteIDs(e.removed)
	}
	if bits.Has(BitSerial) {
		out.WriteUint64(e.serial)
	}
	return nil
}

func (e *Entity) Deserialize(in *protocol.InStream, bits object.Mask) (err error) {
	if bits.Has(BitName) {
		if e.name, err = in.ReadString(); err != nil {
			return
		}
	}
	if bits.Has(BitUserData) {
		var ref oid.ObjectVersion
		if ref, err = in.ReadObjectVersion(); err != nil {
			return
		}
		e.ApplyUserDataRef(ref)
	}
	if bits.Has(BitTasks) {
		if e.tasks, err = in.ReadUint64(); err != nil {
			return
		}
	}
	if bits.Has(BitRemoved) {
		var ids []oid.ID
		if ids, err = in.ReadIDs(); err != nil {
			return
		}
		if len(ids) > 0 && e.IsMaster() {
			e.Logger().Error("removed children arrived at a master", "count", len(ids))
			return object.NewProtocolError("deserialize", e.ID(), object.ErrRemovedOnMaster)
		}
		for _, id := range ids {
			if e.onRemove != nil {
				e.onRemove(id)
			}
		}
	}
	if bits.Has(BitSerial) {
		if e.serial, err = in.ReadUint64(); err != nil {
			return
		}
	}
	return nil
}

// Committed drops the removed list once it went out in a delta.
func (e *Entity) Committed(bits object.Mask) {
	if bits.Has(BitRemoved) {
		e.removed = nil
	}
}

func (e *Entity) BackupFields() {
	saved := e.fields
	e.saved = &saved
}

func (e *Entity) RestoreFields() (changed object.Mask) {
	if e.saved == nil {
		return 0
	}
	if e.name != e.saved.name {
		changed |= BitName
	}
	if e.tasks != e.saved.tasks {
		changed |= BitTasks
	}
	if e.serial != e.saved.serial {
		changed |= BitSerial
	}
	e.fields = *e.saved
	return changed
}
