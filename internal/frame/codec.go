package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrFrameTooShort = errors.New("frame: buffer shorter than header")
	ErrFrameTooLarge = errors.New("frame: exceeds 24-bit length field")
	ErrBadMetadata   = errors.New("frame: metadata length exceeds frame body")
)

// Encode serialises f into a freshly allocated buffer, including the 3-byte
// length prefix. Encoders that carry a caller-supplied Data
// buffer transfer that one reference in; they never retain it past return.
func Encode(f *Frame) ([]byte, error) {
	body, flags, err := encodeBody(f)
	if err != nil {
		return nil, err
	}
	total := HeaderLength + len(body)
	if total > FrameLengthMask {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, 3+total)
	putUint24(buf[0:3], uint32(total))
	binary.BigEndian.PutUint32(buf[3:7], f.StreamID&0x7FFFFFFF)
	binary.BigEndian.PutUint16(buf[7:9], uint16(f.Type)<<10|uint16(flags)&flagsBitmask)
	copy(buf[9:], body)
	return buf, nil
}

// Decode parses a single length-prefixed frame from buf. buf must contain
// exactly one frame (the transport is responsible for splitting the stream
// on the length prefix); Decode does not mutate buf.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < 3+HeaderLength {
		return nil, ErrFrameTooShort
	}
	length := getUint24(buf[0:3])
	if int(length)+3 != len(buf) {
		return nil, fmt.Errorf("frame: declared length %d does not match buffer of %d", length, len(buf)-3)
	}
	streamID := binary.BigEndian.Uint32(buf[3:7]) & 0x7FFFFFFF
	typeAndFlags := binary.BigEndian.Uint16(buf[7:9])
	typ := Type(typeAndFlags >> 10)
	flags := Flags(typeAndFlags & flagsBitmask)

	f := &Frame{StreamID: streamID, Type: typ, Flags: flags}
	if err := decodeBody(f, buf[9:]); err != nil {
		return nil, err
	}
	return f, nil
}

func encodeBody(f *Frame) ([]byte, Flags, error) {
	flags := f.Flags &^ (FlagMetadata | FlagFollows | FlagComplete | FlagNext)

	switch f.Type {
	case TypeRequestFNF, TypeRequestResponse:
		md, hasMD := f.Metadata, f.Metadata != nil
		if hasMD {
			flags |= FlagMetadata
		}
		return encodeMetadataAndData(md, hasMD, f.Data), flags, nil

	case TypeRequestStream, TypeRequestChannel:
		md, hasMD := f.Metadata, f.Metadata != nil
		if hasMD {
			flags |= FlagMetadata
		}
		if f.Type == TypeRequestChannel {
			if f.Flags.Has(FlagComplete) {
				flags |= FlagComplete
			}
			if f.Flags.Has(FlagNext) {
				flags |= FlagNext
			}
		}
		body := make([]byte, 4)
		binary.BigEndian.PutUint32(body, saturateRequestN(f.InitialRequestN))
		return append(body, encodeMetadataAndData(md, hasMD, f.Data)...), flags, nil

	case TypeRequestN:
		body := make([]byte, 4)
		binary.BigEndian.PutUint32(body, saturateRequestN(f.RequestN))
		return body, flags, nil

	case TypeCancel:
		return nil, flags, nil

	case TypePayload:
		md, hasMD := f.Metadata, f.Metadata != nil
		if hasMD {
			flags |= FlagMetadata
		}
		if f.Flags.Has(FlagComplete) {
			flags |= FlagComplete
		}
		if f.Flags.Has(FlagNext) {
			flags |= FlagNext
		}
		return encodeMetadataAndData(md, hasMD, f.Data), flags, nil

	case TypeError:
		body := make([]byte, 4+len(f.ErrorData))
		binary.BigEndian.PutUint32(body[0:4], uint32(f.ErrorCode))
		copy(body[4:], f.ErrorData)
		return body, flags, nil

	case TypeMetadataPush:
		flags |= FlagMetadata
		return f.Metadata, flags, nil

	case TypeKeepalive:
		if f.Flags.Has(FlagComplete) {
			flags |= FlagComplete // C here is overloaded as "respond" (RESPOND flag)
		}
		body := make([]byte, 8+len(f.Data))
		binary.BigEndian.PutUint64(body[0:8], uint64(f.RequestN))
		copy(body[8:], f.Data)
		return body, flags, nil

	case TypeLease:
		body := make([]byte, 8)
		binary.BigEndian.PutUint32(body[0:4], uint32(f.RequestN))    // time-to-live
		binary.BigEndian.PutUint32(body[4:8], saturateRequestN(f.InitialRequestN)) // number of requests
		return append(body, f.Metadata...), flags, nil

	case TypeSetup, TypeResume, TypeResumeOK, TypeExt:
		return f.Data, flags, nil

	default:
		return nil, 0, fmt.Errorf("frame: unknown type %d", f.Type)
	}
}

func decodeBody(f *Frame, body []byte) error {
	switch f.Type {
	case TypeRequestFNF, TypeRequestResponse:
		return decodeMetadataAndData(f, body)

	case TypeRequestStream, TypeRequestChannel:
		if len(body) < 4 {
			return ErrFrameTooShort
		}
		f.InitialRequestN = unsaturateRequestN(binary.BigEndian.Uint32(body[0:4]))
		return decodeMetadataAndData(f, body[4:])

	case TypeRequestN:
		if len(body) < 4 {
			return ErrFrameTooShort
		}
		f.RequestN = unsaturateRequestN(binary.BigEndian.Uint32(body[0:4]))
		return nil

	case TypeCancel:
		return nil

	case TypePayload:
		return decodeMetadataAndData(f, body)

	case TypeError:
		if len(body) < 4 {
			return ErrFrameTooShort
		}
		f.ErrorCode = ErrorCode(binary.BigEndian.Uint32(body[0:4]))
		f.ErrorData = string(body[4:])
		return nil

	case TypeMetadataPush:
		// metadata spans the remainder of the frame; no length prefix.
		f.Metadata = append([]byte(nil), body...)
		return nil

	case TypeKeepalive:
		if len(body) < 8 {
			return ErrFrameTooShort
		}
		f.RequestN = int64(binary.BigEndian.Uint64(body[0:8]))
		f.Data = append([]byte(nil), body[8:]...)
		return nil

	case TypeLease:
		if len(body) < 8 {
			return ErrFrameTooShort
		}
		f.RequestN = int64(binary.BigEndian.Uint32(body[0:4]))
		f.InitialRequestN = unsaturateRequestN(binary.BigEndian.Uint32(body[4:8]))
		f.Metadata = append([]byte(nil), body[8:]...)
		return nil

	case TypeSetup, TypeResume, TypeResumeOK, TypeExt:
		f.Data = append([]byte(nil), body...)
		return nil

	default:
		return fmt.Errorf("frame: unknown type %d", f.Type)
	}
}

// encodeMetadataAndData lays out [24-bit metadata length][metadata][data]
// when hasMetadata, else just [data]. metadata == nil && !hasMetadata means
// "no metadata field" (M flag unset); metadata == []byte{} && hasMetadata
// means "empty metadata present" (M flag set, zero-length field).
func encodeMetadataAndData(metadata []byte, hasMetadata bool, data []byte) []byte {
	if !hasMetadata {
		return append([]byte(nil), data...)
	}
	out := make([]byte, 3+len(metadata)+len(data))
	putUint24(out[0:3], uint32(len(metadata)))
	copy(out[3:], metadata)
	copy(out[3+len(metadata):], data)
	return out
}

func decodeMetadataAndData(f *Frame, body []byte) error {
	if !f.Flags.Has(FlagMetadata) {
		f.Metadata = nil
		f.Data = append([]byte(nil), body...)
		return nil
	}
	if len(body) < 3 {
		return ErrBadMetadata
	}
	mdLen := int(getUint24(body[0:3]))
	if 3+mdLen > len(body) {
		return ErrBadMetadata
	}
	// make+copy rather than append onto nil: a zero-length metadata field
	// must decode to a non-nil empty slice, not to absent metadata.
	f.Metadata = make([]byte, mdLen)
	copy(f.Metadata, body[3:3+mdLen])
	f.Data = append([]byte(nil), body[3+mdLen:]...)
	return nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// saturateRequestN clamps a requested demand to the 31-bit wire field,
// mapping any value at or beyond StreamMaxRequestN to the wire sentinel.
func saturateRequestN(n int64) uint32 {
	if n <= 0 {
		return 0
	}
	if n >= int64(StreamMaxRequestN) {
		return StreamMaxRequestN
	}
	return uint32(n)
}

// unsaturateRequestN is saturateRequestN's inverse: the wire sentinel decodes
// back to an unbounded (math.MaxInt64) demand at the API boundary.
func unsaturateRequestN(w uint32) int64 {
	if w == StreamMaxRequestN {
		return math.MaxInt64
	}
	return int64(w)
}
