// Package object implements the versioning protocol every distributed
// object follows: dirty bits on the master, commits producing numbered
// versions, and slaves applying the deltas in order.
//
// An *Object carries identity, version, role and the dirty mask. Concrete
// kinds embed it and implement Kind to serialize their fields. Fields of an
// Object are only touched by the goroutine that owns its node's command
// queue; there is no locking here.
package object

import (
	"log/slog"
	"slices"

	"github.com/drpcorg/verso/oid"
	"github.com/drpcorg/verso/protocol"
	"github.com/drpcorg/verso/utils"
)

type Role uint8

const (
	Detached Role = iota
	Master
	Slave
)

func (r Role) String() string {
	switch r {
	case Master:
		return "master"
	case Slave:
		return "slave"
	}
	return "detached"
}

// Kind is implemented by concrete object types.
type Kind interface {
	Layout() Layout
	// Serialize writes the fields of every bit in bits, lowest bit first.
	Serialize(out *protocol.OutStream, bits Mask) error
	// Deserialize reads what Serialize wrote for the same bits.
	Deserialize(in *protocol.InStream, bits Mask) error
}

// PreCommitter lets a kind commit what it owns (children, say) before
// its own dirty fields are packed.
type PreCommitter interface {
	PreCommit(incarnation uint32) error
}

// Committer is told which bits went out in a delta, to drop per-commit
// state such as pending removals.
type Committer interface {
	Committed(bits Mask)
}

// Restorer keeps a copy of the local fields for rollback. RestoreFields returns
// the bits it changed.
type Restorer interface {
	BackupFields()
	RestoreFields() Mask
}

var defaultLog utils.Logger = utils.NewDefaultLogger(slog.LevelWarn)

type Object struct {
	id      oid.ID
	version oid.Version
	role    Role
	dirty   Mask
	kind    Kind
	reg     Registry
	log     utils.Logger

	// slave: received deltas keyed by the version they produce
	deltas map[oid.Version][]byte
	// master: slave commits waiting for Sync
	echoes [][]byte

	userData       *Object
	userDataRef    oid.ObjectVersion
	userDataMaster bool
}

func New(kind Kind) *Object {
	return &Object{kind: kind, log: defaultLog}
}

func (o *Object) Kind() Kind {
	return o.kind
}

func (o *Object) ID() oid.ID {
	return o.id
}

func (o *Object) Version() oid.Version {
	return o.version
}

func (o *Object) ObjectVersion() oid.ObjectVersion {
	return oid.NewObjectVersion(o.id, o.version)
}

func (o *Object) Role() Role {
	return o.role
}

func (o *Object) IsAttached() bool {
	return o.role != Detached
}

func (o *Object) IsMaster() bool {
	return o.role == Master
}

func (o *Object) Registry() Registry {
	return o.reg
}

func (o *Object) Logger() utils.Logger {
	return o.log
}

// SetID presets the identifier a master gets registered under.
func (o *Object) SetID(id oid.ID) error {
	if o.IsAttached() {
		return protoErr("set id", o.id, ErrAttached)
	}
	o.id = id
	return nil
}

// Attach is called by the registry once obj has an identity and a role.
// Attaching clears the dirty bits: version v already holds every field.
func (o *Object) Attach(id oid.ID, v oid.Version, role Role, reg Registry) error {
	if o.IsAttached() {
		return protoErr("attach", o.id, ErrAttached)
	}
	if role == Detached || id.IsZero() {
		return protoErr("attach", id, ErrNotAttached)
	}
	o.id, o.version, o.role, o.reg = id, v, role, reg
	o.dirty = 0
	if reg != nil && reg.Logger() != nil {
		o.log = reg.Logger().With("object", id.Short(), "role", role.String())
	}
	return nil
}

// Detach is called by the registry on unmap or release. Queued data
// is dropped; the identifier stays so the object can be mapped again.
func (o *Object) Detach() {
	o.role = Detached
	o.version = oid.VersionNone
	o.reg = nil
	o.deltas = nil
	o.echoes = nil
	o.log = defaultLog
}

func (o *Object) Dirty() Mask {
	return o.dirty
}

// SetDirty marks fields changed; bits the kind does not define are ignored.
func (o *Object) SetDirty(bits Mask) {
	o.dirty |= bits & o.kind.Layout().All
}

// IsDirty reports local changes, or changes of nested user data this
// instance masters. For such user data it first applies pending slave
// commits, so the answer is not free of side effects.
func (o *Object) IsDirty() bool {
	if o.dirty != 0 {
		return true
	}
	ud := o.userData
	if ud == nil || !ud.IsMaster() {
		return false
	}
	if err := ud.applyEchoes(); err != nil {
		o.log.Error("user data sync failed", "err", err)
	}
	return ud.IsDirty()
}

func (o *Object) UserData() *Object {
	return o.userData
}

// SetUserData installs the nested user data instance. With master set,
// this instance is the one that registers it and holds its master copy;
// only one instance in the cluster may do so.
func (o *Object) SetUserData(ud *Object, master bool) {
	o.userData = ud
	o.userDataMaster = master
	if ud == nil {
		if !o.userDataRef.IsNone() {
			o.userDataRef = oid.None
			o.SetDirty(o.kind.Layout().UserData)
		}
		return
	}
	if ud.IsAttached() && ud.IsMaster() {
		o.userDataRef = ud.ObjectVersion()
		o.SetDirty(o.kind.Layout().UserData)
	}
}

// UserDataRef is the user data reference as last committed or received.
func (o *Object) UserDataRef() oid.ObjectVersion {
	return o.userDataRef
}

// Commit packs the dirty fields into a new version and hands it to the
// registry for distribution. Only the master commits; a clean object
// keeps its version.
func (o *Object) Commit(incarnation uint32) (oid.Version, error) {
	if o.role != Master {
		return o.version, protoErr("commit", o.id, ErrNotMaster)
	}
	if err := o.commitUserData(incarnation); err != nil {
		return o.version, err
	}
	if pc, ok := o.kind.(PreCommitter); ok {
		if err := pc.PreCommit(incarnation); err != nil {
			return o.version, err
		}
	}
	if o.dirty == 0 {
		return o.version, nil
	}
	bits := o.dirty
	delta, err := o.pack(bits)
	if err != nil {
		return o.version, err
	}
	o.version++
	snapshot, err := o.Snapshot()
	if err == nil {
		err = o.reg.Distribute(o, delta, snapshot, incarnation)
	}
	if err != nil {
		// the version never left this instance; keep the changes for a retry
		o.version--
		return o.version, err
	}
	o.settle(bits)
	o.log.Debug("commit", "version", o.version, "delta", len(delta))
	return o.version, nil
}

func (o *Object) commitUserData(incarnation uint32) error {
	ud := o.userData
	if ud == nil {
		return nil
	}
	bit := o.kind.Layout().UserData
	if !ud.IsAttached() && o.userDataMaster {
		if err := o.reg.RegisterObject(ud); err != nil {
			return err
		}
		o.userDataRef = ud.ObjectVersion()
		o.dirty |= bit
	}
	if !ud.IsAttached() {
		return nil
	}
	if !ud.IsMaster() {
		if ud.dirty != 0 {
			return ud.SlaveCommit(incarnation)
		}
		return nil
	}
	if !ud.IsDirty() {
		return nil
	}
	v, err := ud.Commit(incarnation)
	if err != nil {
		return err
	}
	ref := oid.NewObjectVersion(ud.ID(), v)
	if ref.ID == o.userDataRef.ID && ref.Version <= o.userDataRef.Version {
		return protoErr("commit user data", ud.ID(), ErrStaleUserData)
	}
	o.userDataRef = ref
	o.dirty |= bit
	return nil
}

// SlaveCommit sends the dirty fields of a slave to its master, which
// applies them on its next Sync. The slave's version does not change.
// User data mastered by this slave is committed first, so a new reference
// travels to the master and on to the other slaves.
func (o *Object) SlaveCommit(incarnation uint32) error {
	if o.role != Slave {
		return protoErr("slave commit", o.id, ErrNotSlave)
	}
	if err := o.commitUserData(incarnation); err != nil {
		return err
	}
	if o.dirty == 0 {
		return nil
	}
	bits := o.dirty
	delta, err := o.pack(bits)
	if err != nil {
		return err
	}
	if err := o.reg.SendSlaveCommit(o, delta); err != nil {
		return err
	}
	o.settle(bits)
	return nil
}

// pack serializes the given bits, mask first and fields after.
func (o *Object) pack(bits Mask) ([]byte, error) {
	out := protocol.NewOutStream()
	out.WriteMask(uint64(bits))
	if err := o.kind.Serialize(out, bits); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// settle clears bits once their delta has been handed over.
func (o *Object) settle(bits Mask) {
	o.dirty &^= bits
	if c, ok := o.kind.(Committer); ok {
		c.Committed(bits)
	}
}

// Snapshot serializes every field but the transient ones, leaving the
// dirty bits alone.
func (o *Object) Snapshot() ([]byte, error) {
	layout := o.kind.Layout()
	all := layout.All &^ layout.Transient
	out := protocol.NewOutStream()
	out.WriteMask(uint64(all))
	if err := o.kind.Serialize(out, all); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Unpack applies one payload as produced by Commit or Snapshot. A master
// applying a payload re-marks the redistributable bits it received.
func (o *Object) Unpack(data []byte) error {
	in := protocol.NewInStream(data)
	raw, err := in.ReadMask()
	if err != nil {
		return err
	}
	layout := o.kind.Layout()
	bits := Mask(raw)
	if bits&^layout.All != 0 {
		return protoErr("unpack", o.id, ErrBadMask)
	}
	if err := o.kind.Deserialize(in, bits); err != nil {
		return err
	}
	if o.role == Master {
		o.dirty |= bits & layout.Redistributable
	}
	return nil
}

// PushDelta queues a received delta producing version v.
// Deltas at or below the current version are dropped.
func (o *Object) PushDelta(v oid.Version, delta []byte) {
	if v <= o.version {
		return
	}
	if o.deltas == nil {
		o.deltas = make(map[oid.Version][]byte)
	}
	o.deltas[v] = delta
}

// PushEcho queues a slave commit on the master.
func (o *Object) PushEcho(delta []byte) {
	o.echoes = append(o.echoes, delta)
}

// Available is the highest version Sync can reach without waiting.
func (o *Object) Available() oid.Version {
	v := o.version
	for {
		if _, ok := o.deltas[v+1]; !ok {
			return v
		}
		v++
	}
}

// Pending lists queued versions, for diagnostics.
func (o *Object) Pending() []oid.Version {
	vs := make([]oid.Version, 0, len(o.deltas))
	for v := range o.deltas {
		vs = append(vs, v)
	}
	slices.Sort(vs)
	return vs
}

// Sync brings a slave to target, applying queued deltas in version order;
// VersionHead applies everything queued. It never moves a slave backward.
// On a master Sync applies pending slave commits.
func (o *Object) Sync(target oid.Version) error {
	switch o.role {
	case Master:
		return o.applyEchoes()
	case Detached:
		return protoErr("sync", o.id, ErrNotAttached)
	}
	if target < o.version {
		o.log.Warn("sync target behind current version", "target", target, "version", o.version)
		return protoErr("sync", o.id, ErrVersionBackward)
	}
	for target == oid.VersionHead || o.version < target {
		next := o.version + 1
		delta, ok := o.deltas[next]
		if !ok {
			break
		}
		delete(o.deltas, next)
		if err := o.Unpack(delta); err != nil {
			return err
		}
		o.version = next
	}
	if target != oid.VersionHead && o.version < target {
		return ErrVersionPending
	}
	return nil
}

func (o *Object) applyEchoes() error {
	for len(o.echoes) > 0 {
		echo := o.echoes[0]
		o.echoes = o.echoes[1:]
		if err := o.Unpack(echo); err != nil {
			return err
		}
	}
	return nil
}

// ApplyUserDataRef is what a kind calls when it reads the user data bit.
// A none reference unmaps a slave user data instance; an unattached
// instance gets mapped at ref; an attached slave advances to ref.Version.
// Failures are logged and the object carries on without user data.
func (o *Object) ApplyUserDataRef(ref oid.ObjectVersion) {
	ud := o.userData
	if ud != nil && ud.IsMaster() {
		return
	}
	o.userDataRef = ref
	switch {
	case ref.IsNone():
		if ud != nil && ud.IsAttached() {
			o.reg.UnmapObject(ud)
		}
	case ud == nil:
		o.log.Debug("no user data instance to map", "ref", ref.String())
	case ud.IsAttached() && ud.ID() != ref.ID:
		o.reg.UnmapObject(ud)
		o.mapUserData(ud, ref)
	case !ud.IsAttached():
		o.mapUserData(ud, ref)
	case ref.Version < ud.Version():
		o.log.Warn("user data reference moves backward", "ref", ref.String(), "version", ud.Version())
	default:
		if err := o.reg.SyncObject(ud, ref.Version); err != nil {
			o.log.Warn("user data sync failed", "ref", ref.String(), "err", err)
		}
	}
}

func (o *Object) mapUserData(ud *Object, ref oid.ObjectVersion) {
	if o.reg == nil {
		o.log.Warn("cannot map user data of a detached object", "ref", ref.String())
		return
	}
	if err := o.reg.MapObject(ud, ref); err != nil {
		o.log.Warn("user data mapping failed", "ref", ref.String(), "err", err)
	}
}

// Backup keeps a copy of the local fields; user data and children are
// not part of it.
func (o *Object) Backup() {
	if r, ok := o.kind.(Restorer); ok {
		r.BackupFields()
	}
}

// Restore rolls the local fields back to the last Backup and marks the
// fields it touched dirty.
func (o *Object) Restore() {
	if r, ok := o.kind.(Restorer); ok {
		o.SetDirty(r.RestoreFields())
	}
}

// NewProtocolError is for kinds reporting invariant violations.
func NewProtocolError(op string, id oid.ID, err error) error {
	return protoErr(op, id, err)
}
