package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the fixed wire header size:
// type(2) id(4) sequence(4) timestamp(8) flags(4) checksum(4) priority(1).
const HeaderLen = 27

const metaEntryHeaderLen = 1 + 4

// Limits constrains packet decode/encode memory use.
type Limits struct {
	MaxPayloadBytes  uint32
	MaxMetadataBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes:  8 * 1024 * 1024,
		MaxMetadataBytes: 64 * 1024,
	}
}

// EncodeHeader serializes the fixed header in network byte order.
func EncodeHeader(p *Packet) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], p.Type)
	binary.BigEndian.PutUint32(buf[2:6], p.ID)
	binary.BigEndian.PutUint32(buf[6:10], p.Sequence)
	binary.BigEndian.PutUint64(buf[10:18], p.Timestamp)
	binary.BigEndian.PutUint32(buf[18:22], p.Flags)
	binary.BigEndian.PutUint32(buf[22:26], p.Checksum)
	buf[26] = p.Priority
	return buf
}

// DecodeHeader parses a fixed header into an empty packet shell.
func DecodeHeader(b []byte) (*Packet, error) {
	if len(b) != HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	return &Packet{
		Type:      binary.BigEndian.Uint16(b[0:2]),
		ID:        binary.BigEndian.Uint32(b[2:6]),
		Sequence:  binary.BigEndian.Uint32(b[6:10]),
		Timestamp: binary.BigEndian.Uint64(b[10:18]),
		Flags:     binary.BigEndian.Uint32(b[18:22]),
		Checksum:  binary.BigEndian.Uint32(b[22:26]),
		Priority:  b[26],
	}, nil
}

// WritePacket frames p onto w: fixed header, u32 payload length,
// payload bytes, and a metadata block when the METADATA flag is set.
func WritePacket(w io.Writer, p *Packet, limits Limits) error {
	if p == nil {
		return ErrInvalidParameters
	}
	if uint32(p.Len()) > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	meta := encodeMetadata(p.MetaEntries())
	if uint32(len(meta)) > limits.MaxMetadataBytes {
		return ErrMetadataTooLarge
	}

	if _, err := w.Write(EncodeHeader(p)); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(p.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if p.Len() > 0 {
		if _, err := w.Write(p.Data()); err != nil {
			return err
		}
	}
	if p.HasFlag(FlagMetadata) {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(meta)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		if len(meta) > 0 {
			if _, err := w.Write(meta); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadPacket reads one framed packet from r. It verifies the payload
// checksum against the header before returning.
func ReadPacket(r io.Reader, limits Limits) (*Packet, error) {
	var head [HeaderLen]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}
	p, err := DecodeHeader(head[:])
	if err != nil {
		return nil, err
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, ErrTruncated
	}
	payloadLen := binary.BigEndian.Uint32(lenBuf[:])
	if payloadLen > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	if payloadLen > 0 {
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, ErrTruncated
		}
		want := p.Checksum
		p.SetData(payload)
		if p.Checksum != want {
			return nil, ErrChecksumMismatch
		}
	} else if p.Checksum != 0 {
		return nil, ErrChecksumMismatch
	}

	if p.HasFlag(FlagMetadata) {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, ErrTruncated
		}
		metaLen := binary.BigEndian.Uint32(lenBuf[:])
		if metaLen > limits.MaxMetadataBytes {
			return nil, ErrMetadataTooLarge
		}
		block := make([]byte, metaLen)
		if _, err := io.ReadFull(r, block); err != nil {
			return nil, ErrTruncated
		}
		if err := decodeMetadata(p, block); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// encodeMetadata serializes entries as (klen:u8, key, vlen:u32, value).
func encodeMetadata(entries []MetaEntry) []byte {
	size := 0
	for _, e := range entries {
		size += metaEntryHeaderLen + len(e.Key) + len(e.Value)
	}
	out := make([]byte, 0, size)
	for _, e := range entries {
		out = append(out, byte(len(e.Key)))
		out = append(out, e.Key...)
		var vlen [4]byte
		binary.BigEndian.PutUint32(vlen[:], uint32(len(e.Value)))
		out = append(out, vlen[:]...)
		out = append(out, e.Value...)
	}
	return out
}

func decodeMetadata(p *Packet, block []byte) error {
	i := 0
	for i < len(block) {
		klen := int(block[i])
		i++
		if klen == 0 || klen > MaxMetadataKeyLen || len(block)-i < klen {
			return ErrTruncated
		}
		key := string(block[i : i+klen])
		i += klen
		if len(block)-i < 4 {
			return ErrTruncated
		}
		vlen := int(binary.BigEndian.Uint32(block[i : i+4]))
		i += 4
		if len(block)-i < vlen {
			return ErrTruncated
		}
		if err := p.SetMetadata(key, block[i:i+vlen]); err != nil {
			return err
		}
		i += vlen
	}
	return nil
}
