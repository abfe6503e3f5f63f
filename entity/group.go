package entity

import (
	"slices"

	"github.com/drpcorg/verso/object"
	"github.com/drpcorg/verso/oid"
	"github.com/drpcorg/verso/protocol"
)

// Factory makes an empty member for a child a slave group learns about.
type Factory func(ov oid.ObjectVersion) Member

// Group is an Entity owning an ordered set of children. The master adds
// and removes children; slaves follow the child list it commits.
type Group struct {
	Entity

	children []Member
	refs     []oid.ObjectVersion
	factory  Factory
}

func NewGroup(factory Factory) *Group {
	g := &Group{factory: factory}
	g.Object = object.New(g)
	g.onRemove = g.dropChild
	return g
}

func (g *Group) Layout() object.Layout {
	return object.Layout{
		All:             entityBits | BitChildren,
		Redistributable: entityRedistributed,
		UserData:        BitUserData,
		Transient:       BitRemoved,
	}
}

func (g *Group) Children() []Member {
	return g.children
}

func (g *Group) Child(id oid.ID) Member {
	if i := g.find(id); i >= 0 {
		return g.children[i]
	}
	return nil
}

func (g *Group) find(id oid.ID) int {
	return slices.IndexFunc(g.children, func(m Member) bool {
		return m.ID() == id
	})
}

// AddChild appends a detached member; it gets registered on the next
// commit of the group.
func (g *Group) AddChild(m Member) error {
	if !g.IsMaster() {
		return object.NewProtocolError("add child", g.ID(), object.ErrNotMaster)
	}
	if m.IsAttached() {
		return object.NewProtocolError("add child", m.ID(), object.ErrAttached)
	}
	m.setParent(g.ID())
	g.children = append(g.children, m)
	g.SetDirty(BitChildren)
	return nil
}

// PostRemove detaches a child from the master group. The id goes out in
// the removed list of the next commit; the registry releases the child.
func (g *Group) PostRemove(id oid.ID) error {
	if !g.IsMaster() {
		return object.NewProtocolError("remove child", g.ID(), object.ErrNotMaster)
	}
	i := g.find(id)
	if i < 0 {
		return nil
	}
	child := g.children[i]
	g.children = slices.Delete(g.children, i, i+1)
	child.setParent(oid.ID0)
	if child.IsAttached() {
		g.removed = append(g.removed, id)
		g.SetDirty(BitRemoved)
		g.Registry().ReleaseObject(child.Base())
	}
	g.SetDirty(BitChildren)
	return nil
}

// PreCommit registers new children and commits the dirty ones.
func (g *Group) PreCommit(incarnation uint32) error {
	for _, child := range g.children {
		if !child.IsAttached() {
			if err := g.Registry().RegisterObject(child.Base()); err != nil {
				return err
			}
			g.SetDirty(BitChildren)
		}
		if !child.IsDirty() {
			continue
		}
		before := child.Version()
		v, err := child.Commit(incarnation)
		if err != nil {
			return err
		}
		if v != before {
			g.SetDirty(BitChildren)
		}
	}
	return nil
}

func (g *Group) Serialize(out *protocol.OutStream, bits object.Mask) error {
	if err := g.Entity.Serialize(out, bits&entityBits); err != nil {
		return err
	}
	if bits.Has(BitChildren) {
		refs := make([]oid.ObjectVersion, 0, len(g.children))
		for _, child := range g.children {
			refs = append(refs, child.ObjectVersion())
		}
		out.WriteObjectVersions(refs)
	}
	return nil
}

func (g *Group) Deserialize(in *protocol.InStream, bits object.Mask) error {
	if err := g.Entity.Deserialize(in, bits&entityBits); err != nil {
		return err
	}
	if !bits.Has(BitChildren) {
		return nil
	}
	refs, err := in.ReadObjectVersions()
	if err != nil {
		return err
	}
	g.refs = refs
	if g.IsMaster() {
		return nil
	}
	for _, ref := range refs {
		g.followChild(ref)
	}
	return nil
}

// ChildRefs is the child list as last received.
func (g *Group) ChildRefs() []oid.ObjectVersion {
	return g.refs
}

func (g *Group) followChild(ref oid.ObjectVersion) {
	reg := g.Registry()
	if child := g.Child(ref.ID); child != nil {
		if child.Version() >= ref.Version {
			return
		}
		if err := reg.SyncObject(child.Base(), ref.Version); err != nil {
			g.Logger().Warn("child sync failed", "child", ref.String(), "err", err)
		}
		return
	}
	if g.factory == nil {
		g.Logger().Debug("no factory for child", "child", ref.String())
		return
	}
	child := g.factory(ref)
	if child == nil {
		return
	}
	if err := reg.MapObject(child.Base(), ref); err != nil {
		g.Logger().Warn("child mapping failed", "child", ref.String(), "err", err)
		return
	}
	child.setParent(g.ID())
	g.children = append(g.children, child)
}

func (g *Group) dropChild(id oid.ID) {
	i := g.find(id)
	if i < 0 {
		return
	}
	child := g.children[i]
	g.children = slices.Delete(g.children, i, i+1)
	child.setParent(oid.ID0)
	if child.IsAttached() {
		g.Registry().UnmapObject(child.Base())
	}
}

// Each walks the group depth first, g itself included.
func (g *Group) Each(f func(m Member) bool) bool {
	if !f(g) {
		return false
	}
	for _, child := range g.children {
		if sub, ok := child.(*Group); ok {
			if !sub.Each(f) {
				return false
			}
		} else if !f(child) {
			return false
		}
	}
	return true
}
