package compress

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	random := make([]byte, 4096)
	_, err := rand.Read(random)
	require.NoError(t, err)

	cases := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"nil", nil},
		{"single byte", []byte{7}},
		{"repetitive", bytes.Repeat([]byte("#include <stdio.h>\n"), 500)},
		{"incompressible", random},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := Compress(tc.data)
			assert.True(t, IsValid(buf))

			out, err := Decompress(buf)
			require.NoError(t, err)
			assert.Equal(t, len(tc.data), len(out))
			assert.True(t, bytes.Equal(tc.data, out))
		})
	}
}

func TestCompressiblePicksLZ4(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 1024)
	buf := Compress(data)

	h, err := ParseHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, TypeLZ4, h.Type)
	assert.Equal(t, uint32(len(data)), h.OriginalSize)
	assert.Less(t, h.CompressedSize, h.OriginalSize)
}

func TestIncompressibleStoredRaw(t *testing.T) {
	data := make([]byte, 1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	h, err := ParseHeader(Compress(data))
	require.NoError(t, err)
	assert.Equal(t, TypeNone, h.Type)
	assert.Equal(t, h.OriginalSize, h.CompressedSize)
}

func TestRejectsLengthMismatch(t *testing.T) {
	buf := Compress(bytes.Repeat([]byte("x"), 256))

	_, err := Decompress(buf[:len(buf)-1])
	assert.True(t, errors.Is(err, ErrLengthMismatch))

	_, err = Decompress(append(append([]byte(nil), buf...), 0))
	assert.True(t, errors.Is(err, ErrLengthMismatch))

	_, err = Decompress(buf[:HeaderSize-1])
	assert.True(t, errors.Is(err, ErrShortBuffer))
}

func TestRejectsCompressedLargerThanOriginal(t *testing.T) {
	buf := make([]byte, HeaderSize+8)
	binary.LittleEndian.PutUint32(buf[0:], uint32(TypeNone))
	binary.LittleEndian.PutUint32(buf[4:], 4)
	binary.LittleEndian.PutUint32(buf[8:], 8)

	_, err := Decompress(buf)
	assert.True(t, errors.Is(err, ErrSizeInvalid))
	assert.False(t, IsValid(buf))
}

func TestRejectsUnknownTypeAndCorruptBody(t *testing.T) {
	buf := Compress(bytes.Repeat([]byte("toolchain"), 100))
	binary.LittleEndian.PutUint32(buf[0:], 99)
	_, err := Decompress(buf)
	assert.True(t, errors.Is(err, ErrUnknownType))

	buf = Compress(bytes.Repeat([]byte("toolchain"), 100))
	binary.LittleEndian.PutUint32(buf[4:], binary.LittleEndian.Uint32(buf[4:])+10)
	_, err = Decompress(buf)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

// reverseAlg is a toy algorithm: it drops a trailing zero and reverses the rest.
type reverseAlg struct{}

func (reverseAlg) Type() Type { return 7 }

func (reverseAlg) Compress(src []byte) ([]byte, error) {
	if len(src) < 2 || src[len(src)-1] != 0 {
		return nil, errNotCompressible
	}
	out := make([]byte, len(src)-1)
	for i := range out {
		out[i] = src[len(src)-2-i]
	}
	return out, nil
}

func (reverseAlg) Decompress(src []byte, originalSize int) ([]byte, error) {
	out := make([]byte, 0, originalSize)
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
	}
	return append(out, 0), nil
}

func TestCustomAlgorithm(t *testing.T) {
	codec := New(reverseAlg{})
	data := []byte{1, 2, 3, 0}

	buf := codec.Compress(data)
	h, err := ParseHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, Type(7), h.Type)

	out, err := codec.Decompress(buf)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	// the default codec does not know type 7
	_, err = Decompress(buf)
	assert.True(t, errors.Is(err, ErrUnknownType))
}
