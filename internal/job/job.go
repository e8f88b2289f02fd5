// ============================================================================
// distbuild Job - one transferable unit of build work
// ============================================================================
//
// Package: internal/job
// File: job.go
//
// Lifecycle (server side):
//
//   Deserialize ──▶ Waiting (parked on a client until its toolchain syncs)
//        │              │ manifest released
//        └──────────────┴──▶ Pending ──claim──▶ InFlight ──finish──▶ Completed
//                                                                      │
//                                               result sent or discarded ▼
//
// A job is in exactly one of those places at a time. The owner handle is
// the only link back to the connection that sent it; clearing it turns the
// eventual result into a discard.
//
// ID is unique within this process. RemoteID is the id the creating client
// assigned and is only echoed back in the result.
//
// ============================================================================

package job

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/distbuild/internal/compress"
	"github.com/ChuLiYu/distbuild/internal/protocol"
	"github.com/ChuLiYu/distbuild/pkg/types"
)

var (
	// ErrMissingField is returned when a serialized job lacks a required field.
	ErrMissingField = errors.New("job: missing field")
	// ErrPayloadLength is returned when the declared payload length does not
	// match the payload bytes.
	ErrPayloadLength = errors.New("job: payload length mismatch")
	// ErrBadEnvelope is returned when a compressed payload is not a valid
	// compression envelope.
	ErrBadEnvelope = errors.New("job: invalid compression envelope")
)

// Target is the placeholder for the opaque build target a job produces. The
// state bytes are serialized by the client's build graph and passed through
// untouched.
type Target struct {
	Name  string
	State []byte
}

// Result is the outcome of executing a job.
type Result struct {
	Success   bool
	BuildTime time.Duration
	Output    []byte
}

var lastID atomic.Uint32

// Job is one unit of distributable work. The identity fields are immutable;
// the diagnostics, owner and result are safe for concurrent use.
type Job struct {
	id         types.JobID
	remoteID   types.JobID
	toolID     types.ToolID
	target     Target
	payload    []byte
	compressed bool
	received   time.Time

	mu           sync.Mutex
	state        types.JobState
	messages     []string
	systemErrors uint32
	owner        types.ClientID
	result       *Result
}

// New creates a job with the next process-unique id. With compressData set
// the payload is stored in a compression envelope.
func New(toolID types.ToolID, target Target, data []byte, compressData bool) *Job {
	id := types.JobID(lastID.Add(1))
	j := &Job{
		id:       id,
		remoteID: id,
		toolID:   toolID,
		target:   target,
		received: time.Now(),
	}
	if compressData {
		j.payload = compress.Compress(data)
		j.compressed = true
	} else {
		j.payload = append([]byte(nil), data...)
	}
	return j
}

func (j *Job) ID() types.JobID       { return j.id }
func (j *Job) RemoteID() types.JobID { return j.remoteID }
func (j *Job) ToolID() types.ToolID  { return j.toolID }
func (j *Job) Target() Target        { return j.target }
func (j *Job) Compressed() bool      { return j.compressed }
func (j *Job) ReceivedAt() time.Time { return j.received }
func (j *Job) Payload() []byte       { return j.payload }

// Data returns the job's input, decompressed when needed.
func (j *Job) Data() ([]byte, error) {
	if !j.compressed {
		return j.payload, nil
	}
	return compress.Decompress(j.payload)
}

// ============================================================================
// Diagnostics
// ============================================================================

// Error appends a diagnostic message. It does not change the job's state.
func (j *Job) Error(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.messages = append(j.messages, msg)
}

// Errorf is Error with formatting.
func (j *Job) Errorf(format string, args ...any) {
	j.Error(fmt.Sprintf(format, args...))
}

// OnSystemError records an infrastructure failure, as opposed to an ordinary
// build failure.
func (j *Job) OnSystemError() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.systemErrors++
}

func (j *Job) Messages() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.messages...)
}

func (j *Job) SystemErrors() uint32 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.systemErrors
}

// ============================================================================
// Ownership and state
// ============================================================================

// Owner returns the client the result belongs to, or types.NoClient once the
// owner disconnected.
func (j *Job) Owner() types.ClientID {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.owner
}

func (j *Job) SetOwner(c types.ClientID) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.owner = c
}

// ClearOwner detaches the job from its client if c still owns it and reports
// whether it did.
func (j *Job) ClearOwner(c types.ClientID) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.owner != c || c == types.NoClient {
		return false
	}
	j.owner = types.NoClient
	return true
}

func (j *Job) State() types.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) SetState(s types.JobState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = s
}

// SetResult records the execution outcome.
func (j *Job) SetResult(r Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.result = &r
}

// Result returns the execution outcome, if any.
func (j *Job) Result() (Result, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.result == nil {
		return Result{}, false
	}
	return *j.result, true
}

// ResultMessage builds the JobResult payload sent back to the owner. A job
// without a result is reported as failed.
func (j *Job) ResultMessage() *protocol.JobResult {
	j.mu.Lock()
	defer j.mu.Unlock()

	msg := &protocol.JobResult{
		JobID:       j.remoteID,
		TargetName:  j.target.Name,
		SystemError: j.systemErrors > 0,
		Messages:    append([]string(nil), j.messages...),
	}
	if j.result != nil {
		msg.Success = j.result.Success
		msg.BuildTimeMS = uint32(j.result.BuildTime / time.Millisecond)
		msg.Output = j.result.Output
	}
	return msg
}

// ============================================================================
// Serialization
// ============================================================================

const (
	fieldID          protowire.Number = 1
	fieldTargetName  protowire.Number = 2
	fieldTargetState protowire.Number = 3
	fieldCompressed  protowire.Number = 4
	fieldPayloadLen  protowire.Number = 5
	fieldPayload     protowire.Number = 6
)

// Serialize encodes the job for transfer in a Job message payload.
func (j *Job) Serialize() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(j.remoteID))
	b = protowire.AppendTag(b, fieldTargetName, protowire.BytesType)
	b = protowire.AppendString(b, j.target.Name)
	b = protowire.AppendTag(b, fieldTargetState, protowire.BytesType)
	b = protowire.AppendBytes(b, j.target.State)
	b = protowire.AppendTag(b, fieldCompressed, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(j.compressed))
	b = protowire.AppendTag(b, fieldPayloadLen, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(len(j.payload)))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, j.payload)
	return b
}

// Deserialize rebuilds a job received from a client. The toolchain id comes
// from the message's fixed part. The job gets a fresh local id; the client's
// id is kept as RemoteID.
func Deserialize(toolID types.ToolID, b []byte) (*Job, error) {
	j := &Job{toolID: toolID, received: time.Now()}

	var haveID, haveLen bool
	var payloadLen uint64
	r := protocol.NewWireReader(b)
	for {
		num, typ, ok := r.Next()
		if !ok {
			break
		}
		switch {
		case num == fieldID && typ == protowire.VarintType:
			j.remoteID = types.JobID(r.Varint())
			haveID = true
		case num == fieldTargetName && typ == protowire.BytesType:
			j.target.Name = string(r.Bytes())
		case num == fieldTargetState && typ == protowire.BytesType:
			j.target.State = append([]byte(nil), r.Bytes()...)
		case num == fieldCompressed && typ == protowire.VarintType:
			j.compressed = protowire.DecodeBool(r.Varint())
		case num == fieldPayloadLen && typ == protowire.VarintType:
			payloadLen = r.Varint()
			haveLen = true
		case num == fieldPayload && typ == protowire.BytesType:
			j.payload = append([]byte(nil), r.Bytes()...)
		default:
			r.Skip(num, typ)
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("job: %w", err)
	}

	if !haveID {
		return nil, fmt.Errorf("%w: id", ErrMissingField)
	}
	if !haveLen {
		return nil, fmt.Errorf("%w: payload length", ErrMissingField)
	}
	if payloadLen != uint64(len(j.payload)) {
		return nil, fmt.Errorf("%w: declared %d, have %d", ErrPayloadLength, payloadLen, len(j.payload))
	}
	if j.compressed && !compress.IsValid(j.payload) {
		return nil, ErrBadEnvelope
	}
	j.id = types.JobID(lastID.Add(1))
	return j, nil
}

func (j *Job) String() string {
	return fmt.Sprintf("job %d/%d (%s, toolchain %s)", j.id, j.remoteID, j.target.Name, j.toolID)
}
