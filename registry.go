package verso

import (
	"github.com/pkg/errors"

	"github.com/drpcorg/verso/cmdq"
	"github.com/drpcorg/verso/object"
	"github.com/drpcorg/verso/oid"
	"github.com/drpcorg/verso/protocol"
	"github.com/drpcorg/verso/utils"
)

func (n *Node) Logger() utils.Logger {
	return n.log
}

// RegisterObject makes obj a master at VersionFirst, archives its first
// snapshot and tells the connected nodes where it lives. A preset ID
// (object.SetID) is kept, otherwise a new one is made.
func (n *Node) RegisterObject(obj *object.Object) error {
	if obj.IsAttached() {
		return object.NewProtocolError("register", obj.ID(), object.ErrAttached)
	}
	id := obj.ID()
	if id.IsZero() {
		id = oid.NewID()
	}
	if _, ok := n.objects.Load(id); ok {
		return errors.Wrapf(ErrAlreadyMapped, "register %s", id)
	}
	if err := obj.Attach(id, oid.VersionFirst, object.Master, n); err != nil {
		return err
	}
	snapshot, err := obj.Snapshot()
	if err == nil {
		err = n.store.Put(obj.ObjectVersion(), nil, snapshot)
	}
	if err != nil {
		obj.Detach()
		return errors.Wrapf(err, "register %s", id)
	}
	n.objects.Store(id, obj)
	n.masters.Store(id, n.name)
	Registered.WithLabelValues(n.name).Inc()
	n.broadcast(&cmdq.Command{Type: cmdq.CmdAnnounce, Object: id, Version: oid.VersionFirst})
	n.log.Debug("registered", "object", id.Short())
	return nil
}

// MapObject attaches obj as a slave of ov.ID at ov.Version, or at the
// master's current version for VersionHead. The node's queue is pumped
// while the master answers. A snapshot found in the cache is not sent
// again; the master only confirms it and sends the later deltas.
func (n *Node) MapObject(obj *object.Object, ov oid.ObjectVersion) (err error) {
	if obj.IsAttached() {
		return object.NewProtocolError("map", obj.ID(), object.ErrAttached)
	}
	id := ov.ID
	if _, ok := n.objects.Load(id); ok || n.pending[id] != nil {
		return errors.Wrapf(ErrAlreadyMapped, "map %s", ov)
	}
	master, err := n.waitMaster(id)
	if err != nil {
		MapRequests.WithLabelValues(n.name, "failed").Inc()
		return err
	}
	if master == n.name {
		MapRequests.WithLabelValues(n.name, "failed").Inc()
		return errors.Wrapf(ErrNotRegistered, "map %s", ov)
	}
	n.Maintain()

	// pinned is the cache entry held by this call, if any
	var (
		pinned     oid.ObjectVersion
		cachedData []byte
		requested  bool
	)
	defer func() {
		if !pinned.IsNone() {
			n.cache.Unpin(pinned)
		}
		if err == nil {
			return
		}
		MapRequests.WithLabelValues(n.name, "failed").Inc()
		if requested {
			n.send(master, &cmdq.Command{Type: cmdq.CmdUnsubscribe, Object: id})
		}
	}()

	target := ov.Version
	if target != oid.VersionHead && target != oid.VersionNone {
		if data, hit := n.cache.Get(ov); hit {
			pinned, cachedData = ov, data
		}
	}
	m := &mapping{}
	n.pending[id] = m
	defer delete(n.pending, id)

	body := protocol.NewOutStream()
	body.WriteBool(!pinned.IsNone())
	n.send(master, &cmdq.Command{Type: cmdq.CmdMapRequest, Object: id, Version: target, Body: body.Bytes()})
	requested = true
	err = n.pumpUntil("map "+ov.String(), func() bool { return m.reply != nil || m.err != nil })
	if err == nil {
		err = m.err
	}
	if err != nil {
		return errors.Wrapf(err, "map %s", ov)
	}

	at := oid.NewObjectVersion(id, m.reply.Version)
	data := m.reply.Body
	if len(data) == 0 {
		if pinned.IsNone() || pinned != at {
			return errors.Wrapf(ErrMapFailed, "empty reply for %s", at)
		}
		data = cachedData
		MapRequests.WithLabelValues(n.name, "cached").Inc()
	} else {
		if !pinned.IsNone() {
			n.cache.Unpin(pinned)
			pinned = oid.None
		}
		if n.cache.Add(at, data, true) {
			pinned = at
		} else if _, hit := n.cache.Get(at); hit {
			pinned = at
		}
		MapRequests.WithLabelValues(n.name, "fetched").Inc()
	}

	if err = obj.Attach(id, at.Version, object.Slave, n); err != nil {
		return err
	}
	n.objects.Store(id, obj)
	if err = obj.Unpack(data); err != nil {
		n.forget(id, obj)
		obj.Detach()
		return errors.Wrapf(err, "map %s", at)
	}
	for _, d := range m.deltas {
		obj.PushDelta(d.Version, d.Body)
	}
	n.log.Debug("mapped", "object", at.String(), "master", master)
	return nil
}

func (n *Node) waitMaster(id oid.ID) (string, error) {
	if master, ok := n.masters.Load(id); ok {
		return master, nil
	}
	err := n.pumpUntil("master of "+id.Short(), func() bool {
		_, ok := n.masters.Load(id)
		return ok
	})
	if err != nil {
		return "", errors.Wrapf(ErrMasterUnknown, "%s: %v", id, err)
	}
	master, _ := n.masters.Load(id)
	return master, nil
}

// UnmapObject detaches a slave and unsubscribes it from the master.
func (n *Node) UnmapObject(obj *object.Object) {
	if !obj.IsAttached() {
		return
	}
	id := obj.ID()
	if obj.IsMaster() {
		n.log.Warn("unmap of a master object ignored", "object", id.Short())
		return
	}
	n.forget(id, obj)
	if master, ok := n.masters.Load(id); ok {
		n.send(master, &cmdq.Command{Type: cmdq.CmdUnsubscribe, Object: id})
	}
	obj.Detach()
}

// ReleaseObject deletes a master everywhere: slaves are detached and the
// archive is dropped. A slave is only unmapped.
func (n *Node) ReleaseObject(obj *object.Object) {
	if !obj.IsAttached() {
		return
	}
	if !obj.IsMaster() {
		n.UnmapObject(obj)
		return
	}
	id := obj.ID()
	n.broadcast(&cmdq.Command{Type: cmdq.CmdRelease, Object: id, Version: obj.Version()})
	delete(n.subs, id)
	n.forget(id, obj)
	n.masters.Delete(id)
	if err := n.store.Drop(id); err != nil {
		n.log.Warn("couldn't drop archived versions", "object", id.Short(), "err", err)
	}
	obj.Detach()
	n.log.Debug("released", "object", id.Short())
}

// forget removes id from the instance table if obj is the instance.
func (n *Node) forget(id oid.ID, obj *object.Object) {
	n.objects.Compute(id, func(old *object.Object, loaded bool) (*object.Object, bool) {
		return old, !loaded || old == obj
	})
}

// SyncObject brings obj to version v. A slave waits, pumping the queue,
// until the deltas up to v are in; VersionHead takes whatever is queued
// right now. A master applies the slave commits received so far.
func (n *Node) SyncObject(obj *object.Object, v oid.Version) error {
	if !obj.IsAttached() {
		return obj.Sync(v)
	}
	if obj.IsMaster() || v == oid.VersionHead {
		n.ProcessPending()
		return obj.Sync(v)
	}
	if v >= obj.Version() && obj.Available() < v {
		err := n.pumpUntil("sync "+obj.ID().Short(), func() bool {
			return !obj.IsAttached() || obj.Available() >= v
		})
		if err != nil {
			return err
		}
	}
	return obj.Sync(v)
}

// Distribute archives a committed version and sends the delta to every
// subscribed node.
func (n *Node) Distribute(obj *object.Object, delta, snapshot []byte, incarnation uint32) error {
	ov := obj.ObjectVersion()
	if err := n.store.Put(ov, delta, snapshot); err != nil {
		return errors.Wrapf(err, "distribute %s", ov)
	}
	if err := n.store.Trim(ov.ID, n.opts.KeepVersions); err != nil {
		n.log.Warn("couldn't trim archive", "object", ov.ID.Short(), "err", err)
	}
	subs := n.subs[ov.ID]
	for peer := range subs {
		n.send(peer, &cmdq.Command{Type: cmdq.CmdDelta, Object: ov.ID, Version: ov.Version, Body: delta})
	}
	DeltasSent.WithLabelValues(n.name).Add(float64(len(subs)))
	n.log.Debug("distributed", "object", ov.String(), "incarnation", incarnation, "slaves", len(subs))
	return nil
}

// SendSlaveCommit sends a slave's changes to the node holding its master.
func (n *Node) SendSlaveCommit(obj *object.Object, delta []byte) error {
	master, ok := n.masters.Load(obj.ID())
	if !ok {
		return errors.Wrapf(ErrMasterUnknown, "slave commit %s", obj.ID())
	}
	n.send(master, &cmdq.Command{Type: cmdq.CmdSlaveCommit, Object: obj.ID(), Version: obj.Version(), Body: delta})
	return nil
}
