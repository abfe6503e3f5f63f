package entity

import (
	"errors"
	"log/slog"
	"slices"

	"github.com/drpcorg/verso/object"
	"github.com/drpcorg/verso/oid"
	"github.com/drpcorg/verso/utils"
)

var errNoVersion = errors.New("no such version")

// memRegistry plays every node of a cluster in one process. Deltas and
// slave commits are queued on the receiving instances right away; nothing
// applies until the receiver syncs.
type memRegistry struct {
	log       utils.Logger
	masters   map[oid.ID]*object.Object
	slaves    map[oid.ID][]*object.Object
	snapshots map[oid.ObjectVersion][]byte
	// distributeErr fails every Distribute while set
	distributeErr error
}

func newMemRegistry() *memRegistry {
	return &memRegistry{
		log:       utils.NewDefaultLogger(slog.LevelError),
		masters:   make(map[oid.ID]*object.Object),
		slaves:    make(map[oid.ID][]*object.Object),
		snapshots: make(map[oid.ObjectVersion][]byte),
	}
}

func (r *memRegistry) Logger() utils.Logger { return r.log }

func (r *memRegistry) RegisterObject(obj *object.Object) error {
	if err := obj.Attach(oid.NewID(), oid.VersionFirst, object.Master, r); err != nil {
		return err
	}
	snap, err := obj.Snapshot()
	if err != nil {
		return err
	}
	r.snapshots[obj.ObjectVersion()] = snap
	r.masters[obj.ID()] = obj
	return nil
}

func (r *memRegistry) MapObject(obj *object.Object, ov oid.ObjectVersion) error {
	snap, ok := r.snapshots[ov]
	if !ok {
		return errNoVersion
	}
	if err := obj.Attach(ov.ID, ov.Version, object.Slave, r); err != nil {
		return err
	}
	r.slaves[ov.ID] = append(r.slaves[ov.ID], obj)
	return obj.Unpack(snap)
}

func (r *memRegistry) UnmapObject(obj *object.Object) {
	r.slaves[obj.ID()] = slices.DeleteFunc(r.slaves[obj.ID()], func(o *object.Object) bool {
		return o == obj
	})
	obj.Detach()
}

func (r *memRegistry) ReleaseObject(obj *object.Object) {
	if obj.IsMaster() {
		delete(r.masters, obj.ID())
	}
	obj.Detach()
}

func (r *memRegistry) SyncObject(obj *object.Object, v oid.Version) error {
	return obj.Sync(v)
}

func (r *memRegistry) Distribute(obj *object.Object, delta, snapshot []byte, _ uint32) error {
	if r.distributeErr != nil {
		return r.distributeErr
	}
	r.snapshots[obj.ObjectVersion()] = snapshot
	for _, s := range r.slaves[obj.ID()] {
		s.PushDelta(obj.Version(), delta)
	}
	return nil
}

func (r *memRegistry) SendSlaveCommit(obj *object.Object, delta []byte) error {
	master, ok := r.masters[obj.ID()]
	if !ok {
		return errNoVersion
	}
	master.PushEcho(delta)
	return nil
}
