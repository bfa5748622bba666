// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package castv2

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds a single Cast frame.
const MaxFrameSize = 64 * 1024

// PayloadType selects which payload field of a CastMessage is set.
type PayloadType int32

// Payload types
const (
	PayloadString PayloadType = 0
	PayloadBinary PayloadType = 1
)

// CastMessage field numbers
const (
	fieldProtocolVersion protowire.Number = 1
	fieldSourceID        protowire.Number = 2
	fieldDestinationID   protowire.Number = 3
	fieldNamespace       protowire.Number = 4
	fieldPayloadType     protowire.Number = 5
	fieldPayloadUTF8     protowire.Number = 6
	fieldPayloadBinary   protowire.Number = 7
)

// CastMessage is the envelope of every Cast V2 frame.
type CastMessage struct {
	ProtocolVersion int32 // CASTV2_1_0 is 0
	SourceID        string
	DestinationID   string
	Namespace       string
	PayloadType     PayloadType
	PayloadUTF8     string
	PayloadBinary   []byte
}

// Marshal encodes m in protobuf wire format.
func (m *CastMessage) Marshal() []byte {
	b := make([]byte, 0, 64+len(m.PayloadUTF8)+len(m.PayloadBinary))
	b = protowire.AppendTag(b, fieldProtocolVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.ProtocolVersion))
	b = protowire.AppendTag(b, fieldSourceID, protowire.BytesType)
	b = protowire.AppendString(b, m.SourceID)
	b = protowire.AppendTag(b, fieldDestinationID, protowire.BytesType)
	b = protowire.AppendString(b, m.DestinationID)
	b = protowire.AppendTag(b, fieldNamespace, protowire.BytesType)
	b = protowire.AppendString(b, m.Namespace)
	b = protowire.AppendTag(b, fieldPayloadType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.PayloadType))
	if m.PayloadType == PayloadBinary {
		b = protowire.AppendTag(b, fieldPayloadBinary, protowire.BytesType)
		b = protowire.AppendBytes(b, m.PayloadBinary)
	} else {
		b = protowire.AppendTag(b, fieldPayloadUTF8, protowire.BytesType)
		b = protowire.AppendString(b, m.PayloadUTF8)
	}
	return b
}

// Unmarshal decodes a CastMessage. Unknown fields are skipped.
func Unmarshal(b []byte) (*CastMessage, error) {
	m := &CastMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("cast message tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldProtocolVersion || num == fieldPayloadType):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("cast message field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldProtocolVersion {
				m.ProtocolVersion = int32(v)
			} else {
				m.PayloadType = PayloadType(v)
			}
		case typ == protowire.BytesType && num >= fieldSourceID && num <= fieldPayloadBinary && num != fieldPayloadType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("cast message field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldSourceID:
				m.SourceID = string(v)
			case fieldDestinationID:
				m.DestinationID = string(v)
			case fieldNamespace:
				m.Namespace = string(v)
			case fieldPayloadUTF8:
				m.PayloadUTF8 = string(v)
			case fieldPayloadBinary:
				m.PayloadBinary = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("cast message field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

// WriteFrame writes m prefixed with its big-endian 32-bit length.
func WriteFrame(w io.Writer, m *CastMessage) error {
	body := m.Marshal()
	if len(body) > MaxFrameSize {
		return fmt.Errorf("cast frame of %d bytes exceeds %d", len(body), MaxFrameSize)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed CastMessage.
func ReadFrame(r io.Reader) (*CastMessage, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("cast frame of %d bytes exceeds %d", size, MaxFrameSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Unmarshal(body)
}
