package ident

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKinds = []Kind{KindRealm, KindBlock}

func sampleKeys() []int64 {
	keys := []int64{0, 1, 2, 3, 41, 42, 1 << 32, math.MaxInt64, -1, math.MinInt64}
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		keys = append(keys, r.Int63()-r.Int63())
	}
	return keys
}

func TestRoundTrip(t *testing.T) {
	for _, kind := range allKinds {
		for _, key := range sampleKeys() {
			got, err := Decode(Encode(kind, key), kind)
			require.NoError(t, err, "kind %s key %d", kind, key)
			require.Equal(t, key, got)
		}
	}
}

func TestKindSafety(t *testing.T) {
	for _, from := range allKinds {
		for _, to := range allKinds {
			if from == to {
				continue
			}
			for _, key := range sampleKeys() {
				_, err := Decode(Encode(from, key), to)
				require.ErrorIs(t, err, ErrKindMismatch, "%s -> %s key %d", from, to, key)
			}
		}
	}
}

func TestEncode_Deterministic(t *testing.T) {
	assert.Equal(t, Encode(KindRealm, 17), Encode(KindRealm, 17))
	assert.Len(t, string(Encode(KindRealm, 17)), tokenLen)
	assert.True(t, strings.HasPrefix(string(Encode(KindBlock, 17)), "bl"))
}

func TestEncode_AdjacentKeysDiffer(t *testing.T) {
	a := string(Encode(KindRealm, 1000))[2:]
	b := string(Encode(KindRealm, 1001))[2:]
	// A plain big-endian encoding would share the first ten characters.
	assert.NotEqual(t, a[:8], b[:8])
}

func TestDecode_Malformed(t *testing.T) {
	valid := string(Encode(KindRealm, 5))
	cases := map[string]ID{
		"empty":          "",
		"too short":      ID(valid[:tokenLen-1]),
		"too long":       ID(valid + "A"),
		"unknown kind":   ID("zz" + valid[2:]),
		"bad alphabet":   ID("re" + "!!!!!!!!!!!"),
		"non canonical":  ID(valid[:tokenLen-1] + flipLastBits(valid[tokenLen-1])),
		"plain integer":  "42",
		"padding in key": ID("re" + "AAAAAAAAAA="),
	}
	for name, id := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(id, KindRealm)
			require.ErrorIs(t, err, ErrMalformed)
			assert.NotErrorIs(t, err, ErrKindMismatch)
		})
	}
}

// flipLastBits returns a base64url character that differs from c only in the
// two low bits, which the 8-byte payload does not use.
func flipLastBits(c byte) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	i := strings.IndexByte(alphabet, c)
	return string(alphabet[i^1])
}

func TestMixIsBijective(t *testing.T) {
	assert.Equal(t, uint64(1), mul*mulInv)
	for _, key := range sampleKeys() {
		assert.Equal(t, uint64(key), unmix(mix(uint64(key))))
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "realm", KindRealm.String())
	assert.Contains(t, Kind{'x', 'y'}.String(), "unknown")

	kind, err := Encode(KindBlock, 3).Kind()
	require.NoError(t, err)
	assert.Equal(t, KindBlock, kind)
}
