package protocol

import (
	"encoding/binary"
	"strings"

	"github.com/ChuLiYu/distbuild/pkg/types"
)

// Message is one decoded fixed part. Each kind has its own struct; callers
// switch on the concrete type.
type Message interface {
	Kind() Kind
	appendFields(b []byte) []byte
	decodeFields(b []byte)
}

type kindInfo struct {
	size    int
	payload bool
	new     func() Message
}

var kinds = map[Kind]kindInfo{
	KindConnection:      {HeaderSize + 4 + 4 + HostNameSize, false, func() Message { return &Connection{} }},
	KindStatus:          {HeaderSize + 4, false, func() Message { return &Status{} }},
	KindRequestJob:      {HeaderSize, false, func() Message { return &RequestJob{} }},
	KindNoJobAvailable:  {HeaderSize, false, func() Message { return &NoJobAvailable{} }},
	KindJob:             {HeaderSize + 8, true, func() Message { return &Job{} }},
	KindJobResult:       {HeaderSize, true, func() Message { return &JobResultMsg{} }},
	KindRequestManifest: {HeaderSize + 8, false, func() Message { return &RequestManifest{} }},
	KindManifest:        {HeaderSize + 8, true, func() Message { return &Manifest{} }},
	KindRequestFile:     {HeaderSize + 8 + 4, false, func() Message { return &RequestFile{} }},
	KindFile:            {HeaderSize + 8 + 4, true, func() Message { return &File{} }},
	KindServerStatus:    {HeaderSize, false, func() Message { return &ServerStatus{} }},
}

var le = binary.LittleEndian

// Connection is the client handshake.
type Connection struct {
	ProtocolVersion  uint32
	NumJobsAvailable uint32
	HostName         string
}

func (*Connection) Kind() Kind { return KindConnection }

func (m *Connection) appendFields(b []byte) []byte {
	b = le.AppendUint32(b, m.ProtocolVersion)
	b = le.AppendUint32(b, m.NumJobsAvailable)
	var host [HostNameSize]byte
	// always leave a terminating zero
	copy(host[:HostNameSize-1], m.HostName)
	return append(b, host[:]...)
}

func (m *Connection) decodeFields(b []byte) {
	m.ProtocolVersion = le.Uint32(b[0:])
	m.NumJobsAvailable = le.Uint32(b[4:])
	host := string(b[8 : 8+HostNameSize])
	if i := strings.IndexByte(host, 0); i >= 0 {
		host = host[:i]
	}
	m.HostName = host
}

// Status updates the number of jobs a client has available to distribute.
type Status struct {
	NumJobsAvailable uint32
}

func (*Status) Kind() Kind { return KindStatus }

func (m *Status) appendFields(b []byte) []byte { return le.AppendUint32(b, m.NumJobsAvailable) }

func (m *Status) decodeFields(b []byte) { m.NumJobsAvailable = le.Uint32(b) }

// RequestJob asks a client for one job.
type RequestJob struct{}

func (*RequestJob) Kind() Kind                   { return KindRequestJob }
func (*RequestJob) appendFields(b []byte) []byte { return b }
func (*RequestJob) decodeFields([]byte)          {}

// NoJobAvailable answers a RequestJob the client could not satisfy.
type NoJobAvailable struct{}

func (*NoJobAvailable) Kind() Kind                   { return KindNoJobAvailable }
func (*NoJobAvailable) appendFields(b []byte) []byte { return b }
func (*NoJobAvailable) decodeFields([]byte)          {}

// Job transfers one serialized job. The payload is the serialized job.
type Job struct {
	ToolID types.ToolID
}

func (*Job) Kind() Kind                     { return KindJob }
func (m *Job) appendFields(b []byte) []byte { return le.AppendUint64(b, uint64(m.ToolID)) }
func (m *Job) decodeFields(b []byte)        { m.ToolID = types.ToolID(le.Uint64(b)) }

// JobResultMsg carries a finished job back to its client. The payload is an
// encoded JobResult.
type JobResultMsg struct{}

func (*JobResultMsg) Kind() Kind                   { return KindJobResult }
func (*JobResultMsg) appendFields(b []byte) []byte { return b }
func (*JobResultMsg) decodeFields([]byte)          {}

// RequestManifest asks a client to describe a toolchain.
type RequestManifest struct {
	ToolID types.ToolID
}

func (*RequestManifest) Kind() Kind                     { return KindRequestManifest }
func (m *RequestManifest) appendFields(b []byte) []byte { return le.AppendUint64(b, uint64(m.ToolID)) }
func (m *RequestManifest) decodeFields(b []byte)        { m.ToolID = types.ToolID(le.Uint64(b)) }

// Manifest describes a toolchain. The payload is an encoded entry list.
type Manifest struct {
	ToolID types.ToolID
}

func (*Manifest) Kind() Kind                     { return KindManifest }
func (m *Manifest) appendFields(b []byte) []byte { return le.AppendUint64(b, uint64(m.ToolID)) }
func (m *Manifest) decodeFields(b []byte)        { m.ToolID = types.ToolID(le.Uint64(b)) }

// RequestFile asks a client for one file of a toolchain.
type RequestFile struct {
	ToolID types.ToolID
	FileID uint32
}

func (*RequestFile) Kind() Kind { return KindRequestFile }

func (m *RequestFile) appendFields(b []byte) []byte {
	b = le.AppendUint64(b, uint64(m.ToolID))
	return le.AppendUint32(b, m.FileID)
}

func (m *RequestFile) decodeFields(b []byte) {
	m.ToolID = types.ToolID(le.Uint64(b))
	m.FileID = le.Uint32(b[8:])
}

// File transfers the contents of one toolchain file.
type File struct {
	ToolID types.ToolID
	FileID uint32
}

func (*File) Kind() Kind { return KindFile }

func (m *File) appendFields(b []byte) []byte {
	b = le.AppendUint64(b, uint64(m.ToolID))
	return le.AppendUint32(b, m.FileID)
}

func (m *File) decodeFields(b []byte) {
	m.ToolID = types.ToolID(le.Uint64(b))
	m.FileID = le.Uint32(b[8:])
}

// ServerStatus is the worker heartbeat.
type ServerStatus struct{}

func (*ServerStatus) Kind() Kind                   { return KindServerStatus }
func (*ServerStatus) appendFields(b []byte) []byte { return b }
func (*ServerStatus) decodeFields([]byte)          {}
