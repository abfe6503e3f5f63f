package protocol

// ZipUint64 packs v into the shortest little-endian byte string;
// zero packs into nothing.
func ZipUint64(v uint64) []byte {
	var buf [8]byte
	i := 0
	for v > 0 {
		buf[i] = uint8(v)
		v >>= 8
		i++
	}
	return buf[:i]
}

func UnzipUint64(zip []byte) (v uint64) {
	for i := len(zip) - 1; i >= 0; i-- {
		v = v<<8 | uint64(zip[i])
	}
	return
}

func ZigZagInt64(i int64) uint64 {
	return uint64(i<<1) ^ uint64(i>>63)
}

func ZagZigUint64(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

func ZipInt64(v int64) []byte {
	return ZipUint64(ZigZagInt64(v))
}

func UnzipInt64(zip []byte) int64 {
	return ZagZigUint64(UnzipUint64(zip))
}
