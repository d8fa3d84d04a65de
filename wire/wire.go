// Package wire packs and unpacks the little-endian bit-field payloads used by
// the CANduit register map.
//
// A payload is read as one little-endian integer (byte 0 least significant)
// and split into consecutive fields starting at bit 0. The same helpers serve
// every register that shares that shape: timing configuration, pulse width
// plus period, and plain scalars.
package wire

// maxBits is the width of the accumulator used by Pack and Unpack.
const maxBits = 64

// Unpack splits data into one unsigned field per entry of widths, consuming
// bits from the least-significant end of the merged payload.
//
// At most the first 8 bytes take part. A payload shorter than the sum of the
// widths is accepted and its missing high bits read as zero; fields that
// start past bit 63 are zero. A width of 64 or more takes every remaining
// bit; a non-positive width yields a zero field and consumes nothing.
func Unpack(data []byte, widths ...int) []uint64 {
	var merged uint64
	for i, b := range data {
		if i >= maxBits/8 {
			break
		}
		merged |= uint64(b) << (8 * uint(i))
	}
	out := make([]uint64, len(widths))
	for i, w := range widths {
		if w <= 0 {
			continue
		}
		out[i] = merged & mask(w)
		merged = shiftRight(merged, w)
	}
	return out
}

// Pack is the inverse of Unpack: each value, masked to its width, is placed
// at its running bit offset and the result is emitted as byteLen bytes,
// least-significant first. Bytes past the 8th are zero.
//
// When the value and width counts differ, a width is negative, or the widths
// add up to 64 bits or more, Pack returns byteLen zero bytes. Callers that
// encode a non-zero value and get an all-zero buffer back passed bad widths.
func Pack(values []uint64, widths []int, byteLen int) []byte {
	if byteLen < 0 {
		byteLen = 0
	}
	out := make([]byte, byteLen)
	if len(values) != len(widths) {
		return out
	}
	total := 0
	for _, w := range widths {
		if w < 0 {
			return out
		}
		total += w
	}
	if total >= maxBits {
		return out
	}
	var acc uint64
	offset := 0
	for i, v := range values {
		acc |= (v & mask(widths[i])) << uint(offset)
		offset += widths[i]
	}
	for i := 0; i < byteLen && i < maxBits/8; i++ {
		out[i] = byte(acc >> (8 * uint(i)))
	}
	return out
}

// Int32 decodes up to four little-endian bytes as a signed 32-bit integer.
// It is Unpack with a single 32-bit field; nil or empty input yields 0.
func Int32(data []byte) int32 {
	if len(data) == 0 {
		return 0
	}
	if len(data) > 4 {
		data = data[:4]
	}
	return int32(uint32(Unpack(data, 32)[0]))
}

// Uint16 encodes v as a two byte little-endian payload.
func Uint16(v uint16) []byte {
	return Pack([]uint64{uint64(v)}, []int{16}, 2)
}

func mask(width int) uint64 {
	if width >= maxBits {
		return ^uint64(0)
	}
	return (uint64(1) << uint(width)) - 1
}

func shiftRight(v uint64, n int) uint64 {
	if n >= maxBits {
		return 0
	}
	return v >> uint(n)
}
