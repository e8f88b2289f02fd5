// Package types defines the identifiers shared by the distbuild worker core.
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// JobID identifies a job within one process. Ids increase monotonically; a
// job received from a client also carries the id that client assigned.
type JobID uint32

// ToolID is the opaque 64-bit toolchain identifier computed by the client
// from the toolchain content.
type ToolID uint64

func (t ToolID) String() string {
	return fmt.Sprintf("%016x", uint64(t))
}

// ClientID is a handle to one connected build client. A handle outlives the
// connection it names; looking it up after disconnect is a miss, never a
// dangling reference.
type ClientID string

// NoClient is the zero handle. Jobs whose owner disconnected carry it.
const NoClient ClientID = ""

// NewClientID returns a fresh, process-unique client handle.
func NewClientID() ClientID {
	return ClientID(uuid.New().String())
}

// JobState is where a job currently lives.
type JobState string

const (
	StateWaiting   JobState = "waiting"   // parked on a client, manifest not yet synchronized
	StatePending   JobState = "pending"   // queued for a worker
	StateInFlight  JobState = "in_flight" // claimed by a worker
	StateCompleted JobState = "completed" // finished, result not yet dispatched
)
