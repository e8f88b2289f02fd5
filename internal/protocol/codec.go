package protocol

import (
	"fmt"
	"io"
)

// Encode serializes the fixed part of msg, header included.
func Encode(msg Message) []byte {
	info := kinds[msg.Kind()]
	b := make([]byte, 0, info.size)
	b = appendHeader(b, Header{
		Kind:       msg.Kind(),
		HasPayload: info.payload,
		Size:       uint16(info.size),
	})
	return msg.appendFields(b)
}

// ParseHeader reads the header at the start of b without validating it
// against the kind table.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, &Error{Size: len(b), Err: ErrShortHeader}
	}
	return Header{
		Kind:       Kind(b[0]),
		HasPayload: b[1] != 0,
		Size:       le.Uint16(b[2:]),
	}, nil
}

// checkHeader validates h against the kind table.
func checkHeader(h Header) (kindInfo, error) {
	info, ok := kinds[h.Kind]
	if !ok {
		return info, &Error{Kind: h.Kind, Size: int(h.Size), Err: ErrUnknownKind}
	}
	if int(h.Size) != info.size {
		return info, &Error{Kind: h.Kind, Size: int(h.Size), Err: ErrSizeMismatch}
	}
	if h.HasPayload != info.payload {
		return info, &Error{Kind: h.Kind, Size: int(h.Size), Err: ErrPayloadFlag}
	}
	return info, nil
}

// Decode parses one complete fixed part. The buffer length must equal the
// size the header declares, and that size must match the kind.
func Decode(b []byte) (Message, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	info, err := checkHeader(h)
	if err != nil {
		return nil, err
	}
	if len(b) != info.size {
		return nil, &Error{Kind: h.Kind, Size: len(b), Err: ErrSizeMismatch}
	}
	msg := info.new()
	msg.decodeFields(b[HeaderSize:])
	return msg, nil
}

// WriteMessage writes msg and, for payload-bearing kinds, its payload as a
// single frame. A nil payload on such a kind is sent as an empty block.
func WriteMessage(w io.Writer, msg Message, payload []byte) error {
	frame, err := AppendFrame(nil, msg, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// AppendFrame appends the complete frame for msg and payload to dst.
func AppendFrame(dst []byte, msg Message, payload []byte) ([]byte, error) {
	info := kinds[msg.Kind()]
	if !info.payload && payload != nil {
		return dst, &Error{Kind: msg.Kind(), Size: info.size, Err: ErrUnexpectedPayload}
	}
	if len(payload) > MaxPayloadSize {
		return dst, &Error{Kind: msg.Kind(), Size: len(payload), Err: ErrPayloadTooLarge}
	}
	dst = append(dst, Encode(msg)...)
	if info.payload {
		dst = le.AppendUint32(dst, uint32(len(payload)))
		dst = append(dst, payload...)
	}
	return dst, nil
}

// ReadMessage reads one frame from r. The payload is nil for kinds that do
// not carry one.
func ReadMessage(r io.Reader) (Message, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil, err
	}
	h, _ := ParseHeader(hdr[:])
	info, err := checkHeader(h)
	if err != nil {
		return nil, nil, err
	}

	fixed := make([]byte, info.size)
	copy(fixed, hdr[:])
	if _, err := io.ReadFull(r, fixed[HeaderSize:]); err != nil {
		return nil, nil, fmt.Errorf("read %s fields: %w", h.Kind, err)
	}
	msg, err := Decode(fixed)
	if err != nil {
		return nil, nil, err
	}
	if !info.payload {
		return msg, nil, nil
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, nil, fmt.Errorf("read %s payload length: %w", h.Kind, err)
	}
	n := le.Uint32(lenBuf[:])
	if n > MaxPayloadSize {
		return nil, nil, &Error{Kind: h.Kind, Size: int(n), Err: ErrPayloadTooLarge}
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, fmt.Errorf("read %s payload: %w", h.Kind, err)
	}
	return msg, payload, nil
}

func appendHeader(b []byte, h Header) []byte {
	var flag byte
	if h.HasPayload {
		flag = 1
	}
	b = append(b, byte(h.Kind), flag)
	return le.AppendUint16(b, h.Size)
}
