package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/distbuild/pkg/types"
)

// Payload blocks are encoded with protobuf wire primitives: every field is
// tagged, so unknown fields from newer clients are skipped rather than
// misread.

// ManifestEntry describes one toolchain file as reported by the client.
type ManifestEntry struct {
	Name      string
	Hash      uint64
	Timestamp uint64
	Size      uint64
}

const (
	fieldManifestEntry protowire.Number = 1

	fieldEntryName      protowire.Number = 1
	fieldEntryHash      protowire.Number = 2
	fieldEntryTimestamp protowire.Number = 3
	fieldEntrySize      protowire.Number = 4
)

// EncodeManifest encodes an ordered manifest description.
func EncodeManifest(entries []ManifestEntry) []byte {
	var b []byte
	for _, e := range entries {
		var eb []byte
		eb = protowire.AppendTag(eb, fieldEntryName, protowire.BytesType)
		eb = protowire.AppendString(eb, e.Name)
		eb = protowire.AppendTag(eb, fieldEntryHash, protowire.Fixed64Type)
		eb = protowire.AppendFixed64(eb, e.Hash)
		eb = protowire.AppendTag(eb, fieldEntryTimestamp, protowire.VarintType)
		eb = protowire.AppendVarint(eb, e.Timestamp)
		eb = protowire.AppendTag(eb, fieldEntrySize, protowire.VarintType)
		eb = protowire.AppendVarint(eb, e.Size)

		b = protowire.AppendTag(b, fieldManifestEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	return b
}

// DecodeManifest is the inverse of EncodeManifest. Entry order is preserved.
func DecodeManifest(b []byte) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	r := NewWireReader(b)
	for {
		num, typ, ok := r.Next()
		if !ok {
			break
		}
		if num != fieldManifestEntry || typ != protowire.BytesType {
			r.Skip(num, typ)
			continue
		}
		e, err := decodeManifestEntry(r.Bytes())
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func decodeManifestEntry(b []byte) (ManifestEntry, error) {
	var e ManifestEntry
	r := NewWireReader(b)
	for {
		num, typ, ok := r.Next()
		if !ok {
			break
		}
		switch {
		case num == fieldEntryName && typ == protowire.BytesType:
			e.Name = string(r.Bytes())
		case num == fieldEntryHash && typ == protowire.Fixed64Type:
			e.Hash = r.Fixed64()
		case num == fieldEntryTimestamp && typ == protowire.VarintType:
			e.Timestamp = r.Varint()
		case num == fieldEntrySize && typ == protowire.VarintType:
			e.Size = r.Varint()
		default:
			r.Skip(num, typ)
		}
	}
	if err := r.Err(); err != nil {
		return e, err
	}
	if e.Name == "" {
		return e, fmt.Errorf("%w: manifest entry without name", ErrMalformedPayload)
	}
	return e, nil
}

// JobResult is the payload of a JobResult message.
type JobResult struct {
	JobID       types.JobID
	TargetName  string
	Success     bool
	SystemError bool
	Messages    []string
	BuildTimeMS uint32
	Output      []byte
}

const (
	fieldResultJobID       protowire.Number = 1
	fieldResultTarget      protowire.Number = 2
	fieldResultSuccess     protowire.Number = 3
	fieldResultSystemError protowire.Number = 4
	fieldResultMessage     protowire.Number = 5
	fieldResultBuildTime   protowire.Number = 6
	fieldResultOutput      protowire.Number = 7
)

// Marshal encodes the result payload.
func (r *JobResult) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldResultJobID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.JobID))
	b = protowire.AppendTag(b, fieldResultTarget, protowire.BytesType)
	b = protowire.AppendString(b, r.TargetName)
	b = protowire.AppendTag(b, fieldResultSuccess, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(r.Success))
	b = protowire.AppendTag(b, fieldResultSystemError, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(r.SystemError))
	for _, m := range r.Messages {
		b = protowire.AppendTag(b, fieldResultMessage, protowire.BytesType)
		b = protowire.AppendString(b, m)
	}
	b = protowire.AppendTag(b, fieldResultBuildTime, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.BuildTimeMS))
	b = protowire.AppendTag(b, fieldResultOutput, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Output)
	return b
}

// UnmarshalJobResult decodes a result payload.
func UnmarshalJobResult(b []byte) (*JobResult, error) {
	res := &JobResult{}
	r := NewWireReader(b)
	for {
		num, typ, ok := r.Next()
		if !ok {
			break
		}
		switch {
		case num == fieldResultJobID && typ == protowire.VarintType:
			res.JobID = types.JobID(r.Varint())
		case num == fieldResultTarget && typ == protowire.BytesType:
			res.TargetName = string(r.Bytes())
		case num == fieldResultSuccess && typ == protowire.VarintType:
			res.Success = protowire.DecodeBool(r.Varint())
		case num == fieldResultSystemError && typ == protowire.VarintType:
			res.SystemError = protowire.DecodeBool(r.Varint())
		case num == fieldResultMessage && typ == protowire.BytesType:
			res.Messages = append(res.Messages, string(r.Bytes()))
		case num == fieldResultBuildTime && typ == protowire.VarintType:
			res.BuildTimeMS = uint32(r.Varint())
		case num == fieldResultOutput && typ == protowire.BytesType:
			res.Output = append([]byte(nil), r.Bytes()...)
		default:
			r.Skip(num, typ)
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// ============================================================================
// WireReader
// ============================================================================

// WireReader walks the tagged fields of a payload. The first malformed field
// stops iteration; Err reports it.
type WireReader struct {
	b   []byte
	err error
}

// NewWireReader returns a reader over b.
func NewWireReader(b []byte) *WireReader {
	return &WireReader{b: b}
}

// Next consumes the next tag. It returns false at the end of input or after
// an error.
func (r *WireReader) Next() (protowire.Number, protowire.Type, bool) {
	if r.err != nil || len(r.b) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if !r.advance(n) {
		return 0, 0, false
	}
	return num, typ, true
}

// Varint consumes a varint value.
func (r *WireReader) Varint() uint64 {
	v, n := protowire.ConsumeVarint(r.b)
	r.advance(n)
	return v
}

// Fixed64 consumes a fixed 64-bit value.
func (r *WireReader) Fixed64() uint64 {
	v, n := protowire.ConsumeFixed64(r.b)
	r.advance(n)
	return v
}

// Bytes consumes a length-delimited value. The slice aliases the input.
func (r *WireReader) Bytes() []byte {
	v, n := protowire.ConsumeBytes(r.b)
	r.advance(n)
	return v
}

// Skip consumes the value of a field the caller does not know.
func (r *WireReader) Skip(num protowire.Number, typ protowire.Type) {
	r.advance(protowire.ConsumeFieldValue(num, typ, r.b))
}

// Err returns the first decoding error.
func (r *WireReader) Err() error {
	return r.err
}

func (r *WireReader) advance(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 {
		r.err = fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(n))
		r.b = nil
		return false
	}
	r.b = r.b[n:]
	return true
}
