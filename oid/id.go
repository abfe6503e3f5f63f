// Package oid defines object identifiers and versions.
package oid

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// ID is a 128-bit globally unique object identifier.
// The zero value means "unassigned".
type ID [16]byte

var ID0 ID

const IDLen = 16

var ErrBadID = errors.New("oid: malformed identifier")

// NewID makes a fresh time-ordered identifier.
func NewID() ID {
	return ID(uuid.Must(uuid.NewV7()))
}

func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID0, fmt.Errorf("%w: %s", ErrBadID, s)
	}
	return ID(u), nil
}

func IDFromBytes(b []byte) (id ID, err error) {
	if len(b) != IDLen {
		return ID0, ErrBadID
	}
	copy(id[:], b)
	return
}

func (id ID) IsZero() bool {
	return id == ID0
}

func (id ID) Compare(b ID) int {
	return bytes.Compare(id[:], b[:])
}

func (id ID) Less(b ID) bool {
	return id.Compare(b) < 0
}

func (id ID) String() string {
	if id.IsZero() {
		return "0"
	}
	return uuid.UUID(id).String()
}

// Short is the last 12 hex digits, enough to tell objects apart in logs.
func (id ID) Short() string {
	return fmt.Sprintf("%x", id[10:])
}

// Version is the per-object commit counter.
type Version uint64

const (
	VersionNone  Version = 0
	VersionFirst Version = 1
	// VersionHead stands for "the latest version available".
	VersionHead Version = math.MaxUint64
)

func (v Version) String() string {
	switch v {
	case VersionNone:
		return "none"
	case VersionHead:
		return "head"
	}
	return fmt.Sprintf("v%d", uint64(v))
}

// ObjectVersion names one snapshot of one object.
type ObjectVersion struct {
	ID      ID
	Version Version
}

// None is the "no object" reference.
var None = ObjectVersion{}

const ObjectVersionLen = IDLen + 8

func NewObjectVersion(id ID, v Version) ObjectVersion {
	return ObjectVersion{ID: id, Version: v}
}

func (ov ObjectVersion) IsNone() bool {
	return ov.ID.IsZero()
}

// Compare orders by identifier first, then by version.
func (ov ObjectVersion) Compare(b ObjectVersion) int {
	if c := ov.ID.Compare(b.ID); c != 0 {
		return c
	}
	switch {
	case ov.Version < b.Version:
		return -1
	case ov.Version > b.Version:
		return 1
	}
	return 0
}

func (ov ObjectVersion) Less(b ObjectVersion) bool {
	return ov.Compare(b) < 0
}

// Bytes is the fixed-width wire form: the identifier, then a big-endian version.
func (ov ObjectVersion) Bytes() []byte {
	return ov.AppendBytes(make([]byte, 0, ObjectVersionLen))
}

func (ov ObjectVersion) AppendBytes(into []byte) []byte {
	into = append(into, ov.ID[:]...)
	return binary.BigEndian.AppendUint64(into, uint64(ov.Version))
}

func ObjectVersionFromBytes(b []byte) (ov ObjectVersion, err error) {
	if len(b) != ObjectVersionLen {
		return None, ErrBadID
	}
	copy(ov.ID[:], b[:IDLen])
	ov.Version = Version(binary.BigEndian.Uint64(b[IDLen:]))
	return
}

func (ov ObjectVersion) String() string {
	if ov.IsNone() {
		return "none"
	}
	return ov.ID.String() + "@" + ov.Version.String()
}
