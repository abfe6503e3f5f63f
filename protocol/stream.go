package protocol

import (
	"github.com/pkg/errors"

	"github.com/drpcorg/verso/oid"
)

// Field type letters used by OutStream and InStream.
const (
	LitUint    = 'U'
	LitInt     = 'Z'
	LitString  = 'S'
	LitBytes   = 'B'
	LitID      = 'I'
	LitRef     = 'R'
	LitIDList  = 'L'
	LitRefList = 'A'
	LitMask    = 'K'
)

// OutStream collects typed fields into a TLV payload.
type OutStream struct {
	buf []byte
}

func NewOutStream() *OutStream {
	return &OutStream{}
}

func (o *OutStream) Bytes() []byte {
	return o.buf
}

func (o *OutStream) Len() int {
	return len(o.buf)
}

func (o *OutStream) Reset() {
	o.buf = o.buf[:0]
}

func (o *OutStream) WriteMask(bits uint64) {
	o.buf = Append(o.buf, LitMask, ZipUint64(bits))
}

func (o *OutStream) WriteUint64(v uint64) {
	o.buf = Append(o.buf, LitUint, ZipUint64(v))
}

func (o *OutStream) WriteInt64(v int64) {
	o.buf = Append(o.buf, LitInt, ZipInt64(v))
}

func (o *OutStream) WriteBool(v bool) {
	var u uint64
	if v {
		u = 1
	}
	o.WriteUint64(u)
}

func (o *OutStream) WriteString(s string) {
	o.buf = AppendHeader(o.buf, LitString, len(s))
	o.buf = append(o.buf, s...)
}

func (o *OutStream) WriteBytes(b []byte) {
	o.buf = Append(o.buf, LitBytes, b)
}

func (o *OutStream) WriteID(id oid.ID) {
	o.buf = Append(o.buf, LitID, id[:])
}

func (o *OutStream) WriteObjectVersion(ov oid.ObjectVersion) {
	o.buf = AppendHeader(o.buf, LitRef, oid.ObjectVersionLen)
	o.buf = ov.AppendBytes(o.buf)
}

// WriteIDs writes a length-prefixed identifier list.
func (o *OutStream) WriteIDs(ids []oid.ID) {
	o.buf = AppendHeader(o.buf, LitIDList, len(ids)*oid.IDLen)
	for _, id := range ids {
		o.buf = append(o.buf, id[:]...)
	}
}

func (o *OutStream) WriteObjectVersions(ovs []oid.ObjectVersion) {
	o.buf = AppendHeader(o.buf, LitRefList, len(ovs)*oid.ObjectVersionLen)
	for _, ov := range ovs {
		o.buf = ov.AppendBytes(o.buf)
	}
}

// InStream reads back what an OutStream wrote, in the same order.
type InStream struct {
	rest []byte
}

func NewInStream(data []byte) *InStream {
	return &InStream{rest: data}
}

// Remaining is the number of unread bytes.
func (in *InStream) Remaining() int {
	return len(in.rest)
}

func (in *InStream) take(lit byte, what string) ([]byte, error) {
	body, rest, err := TakeWary(lit, in.rest)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", what)
	}
	in.rest = rest
	return body, nil
}

func (in *InStream) ReadMask() (uint64, error) {
	body, err := in.take(LitMask, "mask")
	return UnzipUint64(body), err
}

func (in *InStream) ReadUint64() (uint64, error) {
	body, err := in.take(LitUint, "uint")
	if len(body) > 8 {
		return 0, errors.Wrap(ErrBadRecord, "read uint: too long")
	}
	return UnzipUint64(body), err
}

func (in *InStream) ReadInt64() (int64, error) {
	body, err := in.take(LitInt, "int")
	return UnzipInt64(body), err
}

func (in *InStream) ReadBool() (bool, error) {
	u, err := in.ReadUint64()
	return u != 0, err
}

func (in *InStream) ReadString() (string, error) {
	body, err := in.take(LitString, "string")
	return string(body), err
}

// ReadBytes returns a copy of the field, safe to keep.
func (in *InStream) ReadBytes() ([]byte, error) {
	body, err := in.take(LitBytes, "bytes")
	if err != nil {
		return nil, err
	}
	return append([]byte{}, body...), nil
}

func (in *InStream) ReadID() (oid.ID, error) {
	body, err := in.take(LitID, "id")
	if err != nil {
		return oid.ID0, err
	}
	return oid.IDFromBytes(body)
}

func (in *InStream) ReadObjectVersion() (oid.ObjectVersion, error) {
	body, err := in.take(LitRef, "object version")
	if err != nil {
		return oid.None, err
	}
	return oid.ObjectVersionFromBytes(body)
}

func (in *InStream) ReadIDs() (ids []oid.ID, err error) {
	body, err := in.take(LitIDList, "id list")
	if err != nil {
		return nil, err
	}
	if len(body)%oid.IDLen != 0 {
		return nil, errors.Wrap(oid.ErrBadID, "read id list")
	}
	for len(body) > 0 {
		var id oid.ID
		copy(id[:], body[:oid.IDLen])
		ids = append(ids, id)
		body = body[oid.IDLen:]
	}
	return ids, nil
}

func (in *InStream) ReadObjectVersions() (ovs []oid.ObjectVersion, err error) {
	body, err := in.take(LitRefList, "object version list")
	if err != nil {
		return nil, err
	}
	if len(body)%oid.ObjectVersionLen != 0 {
		return nil, errors.Wrap(oid.ErrBadID, "read object version list")
	}
	for len(body) > 0 {
		ov, _ := oid.ObjectVersionFromBytes(body[:oid.ObjectVersionLen])
		ovs = append(ovs, ov)
		body = body[oid.ObjectVersionLen:]
	}
	return ovs, nil
}
