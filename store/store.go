// Package store archives what a master committed: the full snapshot and
// the delta of every version, so slaves can map an object at an older
// version and catch up delta by delta.
package store

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/drpcorg/verso/oid"
	"github.com/drpcorg/verso/utils"
)

const (
	litSnapshot = 'S'
	litDelta    = 'D'

	keyLen  = 1 + oid.IDLen + 8
	sumLen  = 8
	headLRU = 4096
)

var (
	ErrNotFound = errors.New("verso: version not archived")
	ErrCorrupt  = errors.New("verso: archived value checksum mismatch")
)

var WriteOptions = pebble.WriteOptions{Sync: false}

type Delta struct {
	Version oid.Version
	Data    []byte
}

type Store struct {
	db    *pebble.DB
	log   utils.Logger
	heads *lru.Cache[oid.ID, oid.Version]
}

// Open opens the archive in dir; an empty dir keeps everything in memory.
func Open(dir string, log utils.Logger) (*Store, error) {
	opts := pebble.Options{
		ErrorIfExists: false,
	}
	path := dir
	if dir == "" {
		opts.FS = vfs.NewMem()
		path = "verso"
	}
	db, err := pebble.Open(path, &opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open store %q", dir)
	}
	heads, _ := lru.New[oid.ID, oid.Version](headLRU)
	return &Store{db: db, log: log, heads: heads}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(lit byte, id oid.ID, v oid.Version) []byte {
	k := make([]byte, 0, keyLen)
	k = append(k, lit)
	k = append(k, id[:]...)
	return binary.BigEndian.AppendUint64(k, uint64(v))
}

// bounds covers versions from..upto of one object, both inclusive.
func bounds(lit byte, id oid.ID, from, upto oid.Version) *pebble.IterOptions {
	opts := &pebble.IterOptions{LowerBound: key(lit, id, from)}
	if upto == oid.VersionHead {
		opts.UpperBound = append(key(lit, id, oid.VersionHead), 0)
	} else {
		opts.UpperBound = key(lit, id, upto+1)
	}
	return opts
}

func seal(data []byte) []byte {
	val := make([]byte, sumLen, sumLen+len(data))
	binary.BigEndian.PutUint64(val, xxhash.Sum64(data))
	return append(val, data...)
}

func unseal(val []byte) ([]byte, error) {
	if len(val) < sumLen {
		return nil, ErrCorrupt
	}
	data := val[sumLen:]
	if binary.BigEndian.Uint64(val) != xxhash.Sum64(data) {
		return nil, ErrCorrupt
	}
	return data, nil
}

// Put archives version ov.Version of ov.ID: the delta leading to it and
// the full snapshot at it. The first version has no delta.
func (s *Store) Put(ov oid.ObjectVersion, delta, snapshot []byte) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(key(litSnapshot, ov.ID, ov.Version), seal(snapshot), nil); err != nil {
		return err
	}
	if delta != nil {
		if err := b.Set(key(litDelta, ov.ID, ov.Version), seal(delta), nil); err != nil {
			return err
		}
	}
	if err := s.db.Apply(b, &WriteOptions); err != nil {
		return errors.Wrapf(err, "put %s", ov)
	}
	if head, ok := s.heads.Get(ov.ID); !ok || head < ov.Version {
		s.heads.Add(ov.ID, ov.Version)
	}
	return nil
}

// Snapshot returns a copy of the archived snapshot at ov.
func (s *Store) Snapshot(ov oid.ObjectVersion) ([]byte, error) {
	val, closer, err := s.db.Get(key(litSnapshot, ov.ID, ov.Version))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "snapshot %s", ov)
	} else if err != nil {
		return nil, err
	}
	defer closer.Close()
	data, err := unseal(val)
	if err != nil {
		return nil, errors.Wrapf(err, "snapshot %s", ov)
	}
	return append([]byte(nil), data...), nil
}

// Deltas returns the archived deltas of id for versions after+1..upto
// in order; upto may be VersionHead.
func (s *Store) Deltas(id oid.ID, after, upto oid.Version) (deltas []Delta, err error) {
	it, err := s.db.NewIter(bounds(litDelta, id, after+1, upto))
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := it.Key()
		v := oid.Version(binary.BigEndian.Uint64(k[1+oid.IDLen:]))
		data, err := unseal(it.Value())
		if err != nil {
			return nil, errors.Wrapf(err, "delta %s", oid.NewObjectVersion(id, v))
		}
		deltas = append(deltas, Delta{Version: v, Data: append([]byte(nil), data...)})
	}
	return deltas, it.Error()
}

// Head is the newest archived version of id, VersionNone if there is none.
func (s *Store) Head(id oid.ID) (oid.Version, error) {
	if v, ok := s.heads.Get(id); ok {
		return v, nil
	}
	it, err := s.db.NewIter(bounds(litSnapshot, id, oid.VersionNone, oid.VersionHead))
	if err != nil {
		return oid.VersionNone, err
	}
	defer it.Close()
	if !it.Last() {
		return oid.VersionNone, it.Error()
	}
	v := oid.Version(binary.BigEndian.Uint64(it.Key()[1+oid.IDLen:]))
	s.heads.Add(id, v)
	return v, nil
}

// Trim keeps the newest keep versions of id and deletes older ones.
func (s *Store) Trim(id oid.ID, keep int) error {
	head, err := s.Head(id)
	if err != nil || keep <= 0 || head <= oid.Version(keep) {
		return err
	}
	cut := head - oid.Version(keep) + 1
	b := s.db.NewBatch()
	defer b.Close()
	for _, lit := range []byte{litSnapshot, litDelta} {
		if err := b.DeleteRange(key(lit, id, oid.VersionNone), key(lit, id, cut), nil); err != nil {
			return err
		}
	}
	s.log.Debug("trimmed archive", "object", id.Short(), "below", cut)
	return s.db.Apply(b, &WriteOptions)
}

// Oldest is the oldest archived version of id.
func (s *Store) Oldest(id oid.ID) (oid.Version, error) {
	it, err := s.db.NewIter(bounds(litSnapshot, id, oid.VersionNone, oid.VersionHead))
	if err != nil {
		return oid.VersionNone, err
	}
	defer it.Close()
	if !it.First() {
		return oid.VersionNone, it.Error()
	}
	return oid.Version(binary.BigEndian.Uint64(it.Key()[1+oid.IDLen:])), nil
}

// Drop deletes everything archived for id.
func (s *Store) Drop(id oid.ID) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, lit := range []byte{litSnapshot, litDelta} {
		o := bounds(lit, id, oid.VersionNone, oid.VersionHead)
		if err := b.DeleteRange(o.LowerBound, o.UpperBound, nil); err != nil {
			return err
		}
	}
	s.heads.Remove(id)
	return s.db.Apply(b, &WriteOptions)
}
