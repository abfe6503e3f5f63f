package entity

import (
	"bytes"

	"github.com/drpcorg/verso/object"
	"github.com/drpcorg/verso/protocol"
)

const (
	BlobData object.Mask = 1 << iota
	BlobCounter
)

// Blob is an opaque payload plus a counter. Slaves may change both and
// send them back with a slave commit.
type Blob struct {
	*object.Object

	data    []byte
	counter int64
	saved   *Blob
}

func NewBlob() *Blob {
	b := &Blob{}
	b.Object = object.New(b)
	return b
}

func (b *Blob) Data() []byte {
	return b.data
}

func (b *Blob) SetData(data []byte) {
	if bytes.Equal(b.data, data) {
		return
	}
	b.data = bytes.Clone(data)
	b.SetDirty(BlobData)
}

func (b *Blob) Counter() int64 {
	return b.counter
}

func (b *Blob) Add(n int64) int64 {
	if n != 0 {
		b.counter += n
		b.SetDirty(BlobCounter)
	}
	return b.counter
}

func (b *Blob) Layout() object.Layout {
	return object.Layout{
		All:             BlobData | BlobCounter,
		Redistributable: BlobData | BlobCounter,
	}
}

func (b *Blob) Serialize(out *protocol.OutStream, bits object.Mask) error {
	if bits.Has(BlobData) {
		out.WriteBytes(b.data)
	}
	if bits.Has(BlobCounter) {
		out.WriteInt64(b.counter)
	}
	return nil
}

func (b *Blob) Deserialize(in *protocol.InStream, bits object.Mask) (err error) {
	if bits.Has(BlobData) {
		if b.data, err = in.ReadBytes(); err != nil {
			return
		}
	}
	if bits.Has(BlobCounter) {
		b.counter, err = in.ReadInt64()
	}
	return
}

func (b *Blob) BackupFields() {
	b.saved = &Blob{data: bytes.Clone(b.data), counter: b.counter}
}

func (b *Blob) RestoreFields() (changed object.Mask) {
	if b.saved == nil {
		return 0
	}
	if !bytes.Equal(b.data, b.saved.data) {
		b.data = b.saved.data
		changed |= BlobData
	}
	if b.counter != b.saved.counter {
		b.counter = b.saved.counter
		changed |= BlobCounter
	}
	return
}
