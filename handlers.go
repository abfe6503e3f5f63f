package verso

import (
	"github.com/pkg/errors"

	"github.com/drpcorg/verso/cmdq"
	"github.com/drpcorg/verso/object"
	"github.com/drpcorg/verso/oid"
	"github.com/drpcorg/verso/store"
)

func (n *Node) onAnnounce(cmd *cmdq.Command) error {
	if prev, ok := n.masters.Load(cmd.Object); ok && prev == n.name {
		n.log.Warn("another node claims our master", "object", cmd.Object.Short(), "node", cmd.Node)
		return nil
	}
	n.masters.Store(cmd.Object, cmd.Node)
	n.log.Debug("master announced", "object", cmd.Object.Short(), "node", cmd.Node)
	return nil
}

// onMapRequest subscribes the requesting node and answers with the state
// at the requested version followed by every later delta. Versions no
// longer archived are answered with the current one, versions not yet
// committed are refused.
func (n *Node) onMapRequest(cmd *cmdq.Command) error {
	id := cmd.Object
	obj, ok := n.objects.Load(id)
	if !ok || !obj.IsMaster() {
		n.send(cmd.Node, &cmdq.Command{Type: cmdq.CmdMapFailed, Object: id, Version: cmd.Version})
		return errors.Wrapf(ErrNotRegistered, "map request for %s", id)
	}
	cached, err := cmd.In().ReadBool()
	if err != nil {
		cached = false
	}
	head := obj.Version()
	v := cmd.Version
	switch {
	case v == oid.VersionNone || v == oid.VersionHead:
		v = head
	case v > head:
		n.send(cmd.Node, &cmdq.Command{Type: cmdq.CmdMapFailed, Object: id, Version: cmd.Version})
		return errors.Wrapf(ErrMapFailed, "%s requested, head is %s", oid.NewObjectVersion(id, cmd.Version), head)
	}
	// a cached snapshot only stands for the version asked for
	cached = cached && v == cmd.Version
	deltas, err := n.store.Deltas(id, v, head)
	if err != nil {
		n.send(cmd.Node, &cmdq.Command{Type: cmdq.CmdMapFailed, Object: id, Version: cmd.Version})
		return err
	}
	if len(deltas) != int(head-v) {
		v, deltas, cached = head, nil, false
	}
	var snapshot []byte
	if !cached {
		snapshot, err = n.store.Snapshot(oid.NewObjectVersion(id, v))
		if errors.Is(err, store.ErrNotFound) && v != head {
			v, deltas = head, nil
			snapshot, err = n.store.Snapshot(oid.NewObjectVersion(id, v))
		}
		if err != nil {
			n.send(cmd.Node, &cmdq.Command{Type: cmdq.CmdMapFailed, Object: id, Version: cmd.Version})
			return err
		}
		SnapshotsSent.WithLabelValues(n.name).Inc()
	}

	subs := n.subs[id]
	if subs == nil {
		subs = make(map[string]struct{})
		n.subs[id] = subs
	}
	subs[cmd.Node] = struct{}{}

	n.send(cmd.Node, &cmdq.Command{Type: cmdq.CmdMapReply, Object: id, Version: v, Body: snapshot})
	for _, d := range deltas {
		n.send(cmd.Node, &cmdq.Command{Type: cmdq.CmdDelta, Object: id, Version: d.Version, Body: d.Data})
	}
	DeltasSent.WithLabelValues(n.name).Add(float64(len(deltas)))
	n.log.Debug("slave subscribed", "object", id.Short(), "node", cmd.Node, "version", v, "cached", cached)
	return nil
}

func (n *Node) onMapReply(cmd *cmdq.Command) error {
	if m := n.pending[cmd.Object]; m != nil {
		m.reply = cmd
		return nil
	}
	// nobody waits any more; keep the snapshot for the next mapping
	if len(cmd.Body) > 0 {
		n.cache.Add(oid.NewObjectVersion(cmd.Object, cmd.Version), cmd.Body, false)
	}
	return nil
}

func (n *Node) onMapFailed(cmd *cmdq.Command) error {
	if m := n.pending[cmd.Object]; m != nil {
		m.err = errors.Wrapf(ErrMapFailed, "refused by %s", cmd.Node)
	}
	return nil
}

func (n *Node) onDelta(cmd *cmdq.Command) error {
	if obj, ok := n.objects.Load(cmd.Object); ok && obj.Role() == object.Slave {
		obj.PushDelta(cmd.Version, cmd.Body)
		return nil
	}
	if m := n.pending[cmd.Object]; m != nil {
		m.deltas = append(m.deltas, cmd)
		return nil
	}
	n.log.Debug("delta for an object not mapped here", "object", cmd.Object.Short(), "version", cmd.Version)
	return nil
}

// onUnsubscribe drops one subscription, or every subscription of a node
// when no object is given.
func (n *Node) onUnsubscribe(cmd *cmdq.Command) error {
	if !cmd.Object.IsZero() {
		delete(n.subs[cmd.Object], cmd.Node)
		return nil
	}
	for _, subs := range n.subs {
		delete(subs, cmd.Node)
	}
	return nil
}

func (n *Node) onSlaveCommit(cmd *cmdq.Command) error {
	obj, ok := n.objects.Load(cmd.Object)
	if !ok || !obj.IsMaster() {
		return object.NewProtocolError("slave commit", cmd.Object, object.ErrNotMaster)
	}
	obj.PushEcho(cmd.Body)
	return nil
}

func (n *Node) onRelease(cmd *cmdq.Command) error {
	n.masters.Compute(cmd.Object, func(old string, loaded bool) (string, bool) {
		return old, !loaded || old == cmd.Node
	})
	n.cache.EraseObject(cmd.Object)
	obj, ok := n.objects.Load(cmd.Object)
	if !ok || obj.Role() != object.Slave {
		return nil
	}
	n.forget(cmd.Object, obj)
	obj.Detach()
	n.log.Info("object released by its master", "object", cmd.Object.Short(), "node", cmd.Node)
	return nil
}
