// TLV framing follows ToyTLV (MIT licence) by Victor Grishchenko, 2024:
// https://github.com/learn-decentralized-systems/toytlv

/*
Package protocol is the verso wire layer: TLV framing, zipped integers
and the typed streams objects serialize their fields into.

# Record format

A record is a type letter A-Z, a length and a body. The header is

  - tiny, 1 byte: '0'+len, bodies of 0..9 bytes, the type is dropped;
    only produced when the caller passes a lowercase letter;
  - short, 2 bytes: lowercase letter, 1 byte length, bodies up to 255;
  - long, 5 bytes: uppercase letter, 4 byte little-endian length.

Verso streams always pass uppercase letters, so every field keeps its type
on the wire and a reader can tell a missing field from a misplaced one.
*/
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const CaseBit uint8 = 'a' - 'A'

const maxBody = 0x7fffffff

var (
	ErrIncomplete = errors.New("protocol: incomplete record")
	ErrBadRecord  = errors.New("protocol: bad TLV record")
)

// ProbeHeader reads a record header: lit is 'A'..'Z', '0' for a tiny
// record, '-' for garbage and 0 when more bytes are needed.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	b := data[0]
	switch {
	case b >= '0' && b <= '9':
		return '0', 1, int(b - '0')
	case b >= 'a' && b <= 'z':
		if len(data) < 2 {
			return 0, 0, 0
		}
		return b - CaseBit, 2, int(data[1])
	case b >= 'A' && b <= 'Z':
		if len(data) < 5 {
			return 0, 0, 0
		}
		l := binary.LittleEndian.Uint32(data[1:5])
		if l > maxBody {
			return '-', 0, 0
		}
		return b, 5, int(l)
	}
	return '-', 0, 0
}

// AppendHeader appends a header for a body of bodylen bytes.
func AppendHeader(into []byte, lit byte, bodylen int) []byte {
	big := lit &^ CaseBit
	if big < 'A' || big > 'Z' {
		panic("TLV record type is A..Z")
	}
	switch {
	case bodylen < 10 && lit&CaseBit != 0:
		return append(into, byte('0'+bodylen))
	case bodylen <= 0xff:
		return append(into, big|CaseBit, byte(bodylen))
	case bodylen <= maxBody:
		into = append(into, big)
		return binary.LittleEndian.AppendUint32(into, uint32(bodylen))
	}
	panic("oversized TLV record")
}

func TotalLen(parts [][]byte) (sum int) {
	for _, p := range parts {
		sum += len(p)
	}
	return
}

// Append appends one record made of the concatenated body parts.
func Append(into []byte, lit byte, body ...[]byte) []byte {
	into = AppendHeader(into, lit, TotalLen(body))
	for _, b := range body {
		into = append(into, b...)
	}
	return into
}

func Record(lit byte, body ...[]byte) []byte {
	return Append(make([]byte, 0, TotalLen(body)+5), lit, body...)
}

func Concat(parts ...[]byte) []byte {
	ret := make([]byte, 0, TotalLen(parts))
	for _, p := range parts {
		ret = append(ret, p...)
	}
	return ret
}

// Take cuts a record of the given type off trusted data. A nil body with
// rest == data means the record is incomplete; nil, nil means a type mismatch.
func Take(lit byte, data []byte) (body, rest []byte) {
	body, rest, err := TakeWary(lit, data)
	if errors.Is(err, ErrBadRecord) {
		return nil, nil
	}
	return
}

// TakeWary is Take for untrusted data.
func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == '-' {
		return nil, nil, ErrBadRecord
	}
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil, fmt.Errorf("%w: want %c have %c", ErrBadRecord, lit, flit)
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

// TakeAnyWary cuts off the next record whatever its type.
func TakeAnyWary(data []byte) (lit byte, body, rest []byte, err error) {
	lit, hdrlen, bodylen := ProbeHeader(data)
	switch {
	case lit == '-':
		return 0, nil, nil, ErrBadRecord
	case lit == 0 || hdrlen+bodylen > len(data):
		return 0, nil, data, ErrIncomplete
	}
	return lit, data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

// Split consumes every complete record in the buffer. An incomplete tail
// stays in the buffer and is not an error.
func Split(data *bytes.Buffer) (recs Records, err error) {
	for data.Len() > 0 {
		lit, hlen, blen := ProbeHeader(data.Bytes())
		if lit == '-' {
			return recs, ErrBadRecord
		}
		if lit == 0 || hlen+blen > data.Len() {
			return recs, nil
		}
		rec := make([]byte, hlen+blen)
		_, _ = data.Read(rec)
		recs = append(recs, rec)
	}
	return recs, nil
}
