package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTLVAppend(t *testing.T) {
	buf := []byte{}
	buf = Append(buf, 'A', []byte{'A'})
	buf = Append(buf, 'b', []byte{'B', 'B'})
	correct2 := []byte{'a', 1, 'A', '2', 'B', 'B'}
	assert.Equal(t, correct2, buf, "basic TLV fail")

	var c256 [256]byte
	for n := range c256 {
		c256[n] = 'c'
	}
	buf = Append(buf, 'C', c256[:])
	assert.Equal(t, len(correct2)+1+4+len(c256), len(buf))
	assert.Equal(t, uint8('C'), buf[len(correct2)])
	assert.Equal(t, uint8(1), buf[len(correct2)+2])

	lit, body, buf, err := TakeAnyWary(buf)
	assert.NoError(t, err)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, []byte{'A'}, body)

	body2, buf, err := TakeWary('B', buf)
	assert.NoError(t, err)
	assert.Equal(t, []byte{'B', 'B'}, body2)

	_, _, err = TakeWary('D', buf)
	assert.ErrorIs(t, err, ErrBadRecord)
	body3, rest := Take('C', buf)
	assert.Len(t, body3, 256)
	assert.Empty(t, rest)
}

func TestTakeIncomplete(t *testing.T) {
	rec := Record('S', []byte("hello world"))
	body, rest, err := TakeWary('S', rec[:5])
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Nil(t, body)
	assert.Equal(t, rec[:5], rest)

	_, _, err = TakeWary('S', []byte{0xff, 1})
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestSplit(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Record('A', []byte("one")))
	buf.Write(Record('B', make([]byte, 300)))
	tail := Record('C', []byte("three"))
	buf.Write(tail[:3])

	recs, err := Split(&buf)
	assert.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, Concat(Record('A', []byte("one")), Record('B', make([]byte, 300))), Concat(recs...))
	assert.Equal(t, 3, buf.Len())

	buf.Write(tail[3:])
	recs, err = Split(&buf)
	assert.NoError(t, err)
	assert.Equal(t, Records{tail}, recs)
	assert.Equal(t, int64(len(tail)), recs.TotalLen())
}

func TestZipInt(t *testing.T) {
	assert.Empty(t, ZipUint64(0))
	assert.Equal(t, []byte{1, 1}, ZipUint64(0x101))
	for _, v := range []int64{0, 1, -1, 300, -70000, 1 << 40} {
		assert.Equal(t, v, UnzipInt64(ZipInt64(v)))
	}
}
