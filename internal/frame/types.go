// Package frame implements the RSocket frame codec façade: pure encode/decode
// functions over opaque byte buffers plus field accessors. Nothing in this
// package touches a transport or a stream table.
package frame

// Type is the 6-bit RSocket frame type carried in the frame header.
type Type uint8

const (
	TypeReserved Type = iota
	TypeSetup
	TypeLease
	TypeKeepalive
	TypeRequestResponse
	TypeRequestFNF
	TypeRequestStream
	TypeRequestChannel
	TypeRequestN
	TypeCancel
	TypePayload
	TypeError
	TypeMetadataPush
	TypeResume
	TypeResumeOK
	TypeExt Type = 0x3F
)

func (t Type) String() string {
	switch t {
	case TypeSetup:
		return "SETUP"
	case TypeLease:
		return "LEASE"
	case TypeKeepalive:
		return "KEEPALIVE"
	case TypeRequestResponse:
		return "REQUEST_RESPONSE"
	case TypeRequestFNF:
		return "REQUEST_FNF"
	case TypeRequestStream:
		return "REQUEST_STREAM"
	case TypeRequestChannel:
		return "REQUEST_CHANNEL"
	case TypeRequestN:
		return "REQUEST_N"
	case TypeCancel:
		return "CANCEL"
	case TypePayload:
		return "PAYLOAD"
	case TypeError:
		return "ERROR"
	case TypeMetadataPush:
		return "METADATA_PUSH"
	case TypeResume:
		return "RESUME"
	case TypeResumeOK:
		return "RESUME_OK"
	case TypeExt:
		return "EXT"
	default:
		return "RESERVED"
	}
}

// IsRequestInitiator reports whether a frame of this type is legal as the
// first frame for a fresh stream id.
func (t Type) IsRequestInitiator() bool {
	switch t {
	case TypeRequestResponse, TypeRequestFNF, TypeRequestStream, TypeRequestChannel:
		return true
	default:
		return false
	}
}

// Flags is the 10-bit flag field. Only the low 10 bits are meaningful.
type Flags uint16

const (
	FlagMetadata  Flags = 1 << 8 // M: metadata present
	FlagFollows   Flags = 1 << 7 // F: fragment follows
	FlagComplete  Flags = 1 << 6 // C: stream complete
	FlagNext      Flags = 1 << 5 // N: payload carries data
	FlagIgnore    Flags = 1 << 9
	flagsBitmask        = 0x3FF
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// ErrorCode is the 32-bit RSocket wire error code.
type ErrorCode uint32

const (
	ErrorCodeInvalidSetup       ErrorCode = 0x00000001
	ErrorCodeUnsupportedSetup   ErrorCode = 0x00000002
	ErrorCodeRejectedSetup      ErrorCode = 0x00000003
	ErrorCodeRejectedResume     ErrorCode = 0x00000004
	ErrorCodeConnectionError    ErrorCode = 0x00000101
	ErrorCodeConnectionClose    ErrorCode = 0x00000102
	ErrorCodeApplicationError   ErrorCode = 0x00000201
	ErrorCodeRejected           ErrorCode = 0x00000202
	ErrorCodeCanceled           ErrorCode = 0x00000203
	ErrorCodeInvalid            ErrorCode = 0x00000204
	ErrorCodeCustomRangeStart   ErrorCode = 0x00000301
	ErrorCodeCustomRangeEnd     ErrorCode = 0xFFFFFFFE
)

// StreamMaxRequestN is the wire sentinel for "as much as you can send"; the
// API boundary represents this as an unbounded (math.MaxInt64) demand.
const StreamMaxRequestN uint32 = 0x7FFFFFFF

// StreamID0 is reserved for connection-level frames.
const StreamID0 uint32 = 0

// FrameLengthMask is the 24-bit frame length field mask used by the payload
// validator when MTU == 0.
const FrameLengthMask = 1<<24 - 1

// HeaderLength is the fixed non-metadata header: stream id (4, top bit
// unused) + type/flags (2).
const HeaderLength = 6

// Frame is the decoded, in-memory representation of a wire frame. It is the
// unit exchanged between the connection driver and the requester/responder
// state machines; frame.Encode/frame.Decode are the only functions that know
// its byte layout.
type Frame struct {
	StreamID        uint32
	Type            Type
	Flags           Flags
	Data            []byte
	Metadata        []byte // nil means absent; non-nil-empty means present-but-empty
	InitialRequestN int64  // REQUEST_STREAM / REQUEST_CHANNEL; LEASE: number of requests
	RequestN        int64  // REQUEST_N; KEEPALIVE: last received position; LEASE: time-to-live
	ErrorCode       ErrorCode
	ErrorData       string
}

func (f *Frame) HasMetadata() bool { return f.Flags.Has(FlagMetadata) }
