package wire

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnpack(t *testing.T) {
	cases := []struct {
		name   string
		data   []byte
		widths []int
		want   []uint64
	}{
		{"nibbles", []byte{0x05}, []int{4, 4}, []uint64{5, 0}},
		{"both nibbles", []byte{0xA5}, []int{4, 4}, []uint64{5, 0xA}},
		{"truncated payload", []byte{0x34, 0x12}, []int{16, 16}, []uint64{0x1234, 0}},
		{"pwm broadcast", []byte{0xFA, 0, 0, 0, 0xE8, 0x03, 0, 0}, []int{32, 32}, []uint64{250, 1000}},
		{"sub-byte fields", []byte{0b1011_0110}, []int{1, 2, 5}, []uint64{0, 0b11, 0b10110}},
		{"past bit 63", []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, []int{60, 8}, []uint64{1<<60 - 1, 0xF}},
		{"full width", []byte{1, 2, 3, 4, 5, 6, 7, 8}, []int{64}, []uint64{0x0807060504030201}},
		{"field beyond accumulator", []byte{0xFF}, []int{64, 8}, []uint64{0xFF, 0}},
		{"ninth byte ignored", []byte{0, 0, 0, 0, 0, 0, 0, 0, 0xFF}, []int{8}, []uint64{0}},
		{"empty payload", nil, []int{8, 8}, []uint64{0, 0}},
		{"zero width", []byte{0x0F}, []int{0, 4}, []uint64{0, 0xF}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Unpack(tc.data, tc.widths...))
		})
	}
}

func TestPack(t *testing.T) {
	assert.Equal(t, []byte{0xE8, 0x03}, Pack([]uint64{1000}, []int{16}, 2))
	assert.Equal(t, []byte{0xA5}, Pack([]uint64{5, 0xA}, []int{4, 4}, 1))
	// Values wider than their field are masked.
	assert.Equal(t, []byte{0x0F, 0x00}, Pack([]uint64{0xFF}, []int{4}, 2))
	// Extra output bytes are zero filled.
	assert.Equal(t, []byte{0x01, 0, 0, 0, 0, 0, 0, 0, 0, 0}, Pack([]uint64{1}, []int{8}, 10))
}

func TestPackDegradedContract(t *testing.T) {
	zero4 := []byte{0, 0, 0, 0}
	assert.Equal(t, zero4, Pack([]uint64{1, 2}, []int{8}, 4), "count mismatch")
	assert.Equal(t, zero4, Pack([]uint64{1, 2}, []int{32, 32}, 4), "64 bits")
	assert.Equal(t, zero4, Pack([]uint64{1}, []int{70}, 4), "over 64 bits")
	assert.Equal(t, zero4, Pack([]uint64{1}, []int{-1}, 4), "negative width")
	assert.Empty(t, Pack([]uint64{1}, []int{8}, -3))
}

func TestPackUnpackRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(2702))
	for iter := 0; iter < 2000; iter++ {
		n := 1 + rng.Intn(6)
		widths := make([]int, n)
		values := make([]uint64, n)
		total := 0
		for i := range widths {
			remaining := 63 - total - (n - i - 1)
			if remaining < 1 {
				remaining = 1
			}
			w := 1 + rng.Intn(min(remaining, 32))
			widths[i] = w
			total += w
			values[i] = rng.Uint64() & mask(w)
		}
		require.Less(t, total, 64)
		minLen := (total + 7) / 8
		for byteLen := minLen; byteLen <= 9; byteLen++ {
			got := Unpack(Pack(values, widths, byteLen), widths...)
			require.Equal(t, values, got, "widths=%v byteLen=%d", widths, byteLen)
		}
	}
}

func TestInt32(t *testing.T) {
	assert.Equal(t, int32(1), Int32([]byte{0x01, 0x00, 0x00, 0x00}))
	assert.Equal(t, int32(0), Int32([]byte{}))
	assert.Equal(t, int32(0), Int32(nil))
	assert.Equal(t, int32(0x0201), Int32([]byte{0x01, 0x02}))
	assert.Equal(t, int32(-1), Int32([]byte{0xFF, 0xFF, 0xFF, 0xFF}))
	assert.Equal(t, int32(0x04030201), Int32([]byte{1, 2, 3, 4, 5, 6}))
}

func TestUint16(t *testing.T) {
	assert.Equal(t, []byte{0x14, 0x00}, Uint16(20))
	assert.Equal(t, []uint64{65535}, Unpack(Uint16(65535), 16))
}
