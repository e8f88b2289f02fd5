// ============================================================================
// distbuild Protocol - Message Envelope
// ============================================================================
//
// Package: internal/protocol
// File: protocol.go
// Purpose: Message kinds, the fixed header and wire constants shared by the
//          worker and its build clients.
//
// Frame layout (little endian, no padding):
//
//   ┌──────────┬──────────────┬──────────┬──────────────┐
//   │ kind u8  │ hasPayload u8│ size u16 │ fixed fields │   fixed part (size bytes)
//   └──────────┴──────────────┴──────────┴──────────────┘
//   ┌──────────────┬───────────────────┐
//   │ length u32   │ payload bytes ... │                   only if hasPayload
//   └──────────────┴───────────────────┘
//
// The header's size always equals the serialized fixed part for its kind.
// The payload length is carried by the frame only, never repeated inside the
// fixed fields.
//
// ============================================================================

package protocol

import (
	"errors"
	"fmt"
	"time"
)

const (
	// ProtocolVersion must match exactly between client and worker.
	ProtocolVersion uint32 = 22

	// DefaultPort is the TCP port workers listen on.
	DefaultPort = 31264

	// HeartbeatInterval is how often the worker sends a heartbeat to each client.
	HeartbeatInterval = 10 * time.Second

	// HeartbeatTimeout is how long a client waits without heartbeats before
	// treating the worker as gone. Detection happens on the client.
	HeartbeatTimeout = 30 * time.Second

	// HeaderSize is the size of the fixed header every message starts with.
	HeaderSize = 4

	// HostNameSize is the fixed width of the host name in the handshake.
	HostNameSize = 64

	// MaxPayloadSize bounds a single payload block.
	MaxPayloadSize = 256 << 20
)

// Kind identifies a message type on the wire.
type Kind uint8

const (
	KindConnection Kind = iota + 1
	KindStatus
	KindRequestJob
	KindNoJobAvailable
	KindJob
	KindJobResult
	KindRequestManifest
	KindManifest
	KindRequestFile
	KindFile
	KindServerStatus
)

var kindNames = map[Kind]string{
	KindConnection:      "Connection",
	KindStatus:          "Status",
	KindRequestJob:      "RequestJob",
	KindNoJobAvailable:  "NoJobAvailable",
	KindJob:             "Job",
	KindJobResult:       "JobResult",
	KindRequestManifest: "RequestManifest",
	KindManifest:        "Manifest",
	KindRequestFile:     "RequestFile",
	KindFile:            "File",
	KindServerStatus:    "ServerStatus",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// HasPayload reports whether messages of this kind carry a payload block.
func (k Kind) HasPayload() bool {
	return kinds[k].payload
}

// FixedSize returns the size of the fixed part (header included) for k, or 0
// for an unknown kind.
func (k Kind) FixedSize() int {
	return kinds[k].size
}

// Header is the fixed prefix of every message.
type Header struct {
	Kind       Kind
	HasPayload bool
	Size       uint16
}

// ============================================================================
// Errors
// ============================================================================

var (
	ErrShortHeader       = errors.New("protocol: short header")
	ErrUnknownKind       = errors.New("protocol: unknown message kind")
	ErrSizeMismatch      = errors.New("protocol: declared size does not match message")
	ErrPayloadFlag       = errors.New("protocol: payload flag inconsistent with kind")
	ErrPayloadTooLarge   = errors.New("protocol: payload too large")
	ErrUnexpectedPayload = errors.New("protocol: kind carries no payload")
	ErrMalformedPayload  = errors.New("protocol: malformed payload")
)

// Error describes a message that could not be decoded. Any Error is fatal
// for the connection it arrived on.
type Error struct {
	Kind Kind
	Size int
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v (kind=%s size=%d)", e.Err, e.Kind, e.Size)
}

func (e *Error) Unwrap() error {
	return e.Err
}
