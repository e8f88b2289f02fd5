// Package compress implements the compression envelope that wraps job
// payloads and toolchain file payloads on the wire.
//
// Envelope layout (little endian):
//
//	type u32 | originalSize u32 | compressedSize u32 | compressedSize bytes
//
// The envelope is algorithm agnostic. Type 0 stores the data raw and is used
// whenever the algorithm does not make the data smaller, so Compress never
// fails.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// HeaderSize is the size of the envelope header.
const HeaderSize = 12

// Type identifies the algorithm used for the envelope body.
type Type uint32

const (
	TypeNone Type = 0
	TypeLZ4  Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

var (
	ErrShortBuffer     = errors.New("compress: buffer shorter than header")
	ErrLengthMismatch  = errors.New("compress: buffer length does not match header")
	ErrSizeInvalid     = errors.New("compress: compressed size exceeds original size")
	ErrUnknownType     = errors.New("compress: unknown compression type")
	ErrCorrupt         = errors.New("compress: corrupt compressed data")
	errNotCompressible = errors.New("compress: not compressible")
)

// Header is the decoded envelope header.
type Header struct {
	Type           Type
	OriginalSize   uint32
	CompressedSize uint32
}

// Algorithm is a block compression algorithm usable inside the envelope.
type Algorithm interface {
	Type() Type
	// Compress returns the compressed form of src, or an error when src
	// cannot be made smaller.
	Compress(src []byte) ([]byte, error)
	// Decompress expands src into exactly originalSize bytes.
	Decompress(src []byte, originalSize int) ([]byte, error)
}

// Codec builds envelopes with one algorithm. Opening recognises the codec's
// own algorithm and every built-in one.
type Codec struct {
	alg Algorithm
}

var algorithms = map[Type]Algorithm{
	TypeLZ4: LZ4{},
}

// New returns a codec compressing with alg.
func New(alg Algorithm) *Codec {
	return &Codec{alg: alg}
}

var defaultCodec = New(LZ4{})

// Compress wraps data with the default (LZ4) codec.
func Compress(data []byte) []byte {
	return defaultCodec.Compress(data)
}

// Decompress opens an envelope built by any codec.
func Decompress(buf []byte) ([]byte, error) {
	return defaultCodec.Decompress(buf)
}

// Compress wraps data in an envelope. Data the algorithm cannot shrink is
// stored with TypeNone. Inputs must fit the 32-bit header fields; the wire
// layer bounds payloads far below that.
func (c *Codec) Compress(data []byte) []byte {
	if c.alg != nil && len(data) > 0 {
		out, err := c.alg.Compress(data)
		if err == nil && len(out) < len(data) {
			return build(c.alg.Type(), uint32(len(data)), out)
		}
	}
	return build(TypeNone, uint32(len(data)), data)
}

// Decompress validates the envelope and returns the original data.
func (c *Codec) Decompress(buf []byte) ([]byte, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	body := buf[HeaderSize:]

	switch h.Type {
	case TypeNone:
		if h.CompressedSize != h.OriginalSize {
			return nil, fmt.Errorf("%w: raw envelope %d != %d", ErrCorrupt, h.CompressedSize, h.OriginalSize)
		}
		return append([]byte(nil), body...), nil
	default:
		alg, ok := algorithms[h.Type]
		if c.alg != nil && c.alg.Type() == h.Type {
			alg, ok = c.alg, true
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownType, h.Type)
		}
		return alg.Decompress(body, int(h.OriginalSize))
	}
}

// ParseHeader decodes and validates the envelope header against buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	h := Header{
		Type:           Type(binary.LittleEndian.Uint32(buf[0:])),
		OriginalSize:   binary.LittleEndian.Uint32(buf[4:]),
		CompressedSize: binary.LittleEndian.Uint32(buf[8:]),
	}
	if h.CompressedSize > h.OriginalSize {
		return h, fmt.Errorf("%w: %d > %d", ErrSizeInvalid, h.CompressedSize, h.OriginalSize)
	}
	if uint64(len(buf)) != HeaderSize+uint64(h.CompressedSize) {
		return h, fmt.Errorf("%w: have %d, want %d", ErrLengthMismatch, len(buf), HeaderSize+uint64(h.CompressedSize))
	}
	return h, nil
}

// IsValid reports whether buf carries a well formed envelope header.
func IsValid(buf []byte) bool {
	_, err := ParseHeader(buf)
	return err == nil
}

func build(t Type, originalSize uint32, body []byte) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	binary.LittleEndian.PutUint32(buf[0:], uint32(t))
	binary.LittleEndian.PutUint32(buf[4:], originalSize)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(body)))
	return append(buf, body...)
}

// ============================================================================
// LZ4
// ============================================================================

// LZ4 is the LZ4 block algorithm.
type LZ4 struct{}

func (LZ4) Type() Type { return TypeLZ4 }

func (LZ4) Compress(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	if n == 0 || n >= len(src) {
		return nil, errNotCompressible
	}
	return dst[:n], nil
}

func (LZ4) Decompress(src []byte, originalSize int) ([]byte, error) {
	dst := make([]byte, originalSize)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if n != originalSize {
		return nil, fmt.Errorf("%w: expanded to %d bytes, want %d", ErrCorrupt, n, originalSize)
	}
	return dst, nil
}
