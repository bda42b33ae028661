package wire

import (
	"fmt"
	"hash/crc32"
	"time"
)

// MaxMetadataKeyLen bounds the length of one metadata key.
const MaxMetadataKeyLen = 31

// MetaEntry is one key/value metadata pair. Entries keep their
// insertion order; upserting an existing key keeps its position.
type MetaEntry struct {
	Key   string
	Value []byte
}

// Packet is the framed envelope carried over an endpoint. Header
// fields are plain values; the payload is only mutated through the
// packet so the checksum stays current.
type Packet struct {
	Type      uint16
	ID        uint32
	Sequence  uint32
	Timestamp uint64
	Flags     uint32
	Checksum  uint32
	Priority  uint8

	payload []byte
	meta    []MetaEntry
}

// New creates an empty packet with the given payload capacity and a
// fresh timestamp.
func New(capacity int) *Packet {
	if capacity < 0 {
		capacity = 0
	}
	return &Packet{
		Timestamp: uint64(time.Now().UnixNano()),
		payload:   make([]byte, 0, capacity),
	}
}

// NewFromBytes creates a packet whose payload is data. With
// takeOwnership the slice is adopted directly and the caller must not
// touch it afterward; otherwise the bytes are copied.
func NewFromBytes(data []byte, takeOwnership bool) *Packet {
	p := &Packet{Timestamp: uint64(time.Now().UnixNano())}
	if takeOwnership {
		p.payload = data
	} else {
		p.payload = make([]byte, len(data))
		copy(p.payload, data)
	}
	p.Checksum = crc32.ChecksumIEEE(p.payload)
	return p
}

// Data returns the current payload. The slice is a view; callers that
// mutate it bypass the checksum and will fail VerifyChecksum.
func (p *Packet) Data() []byte { return p.payload }

// Len returns the payload length.
func (p *Packet) Len() int { return len(p.payload) }

// Cap returns the payload capacity.
func (p *Packet) Cap() int { return cap(p.payload) }

// SetData replaces the payload and recomputes the checksum.
func (p *Packet) SetData(data []byte) {
	p.payload = p.grow(p.payload[:0], len(data))
	p.payload = p.payload[:len(data)]
	copy(p.payload, data)
	p.Checksum = crc32.ChecksumIEEE(p.payload)
}

// AppendData appends data to the payload, growing the buffer without
// dropping previously written bytes, and recomputes the checksum.
func (p *Packet) AppendData(data []byte) {
	old := len(p.payload)
	p.payload = p.grow(p.payload, old+len(data))
	p.payload = p.payload[:old+len(data)]
	copy(p.payload[old:], data)
	p.Checksum = crc32.ChecksumIEEE(p.payload)
}

// grow returns buf with capacity for at least need bytes, preserving
// buf's contents. Growth is at least 1.5x the current capacity.
func (p *Packet) grow(buf []byte, need int) []byte {
	if need <= cap(buf) {
		return buf
	}
	newCap := cap(buf) + cap(buf)/2
	if newCap < need {
		newCap = need
	}
	next := make([]byte, len(buf), newCap)
	copy(next, buf)
	return next
}

// Clear resets the payload length to zero, keeps the buffer, and
// resets the checksum to the CRC of the empty payload.
func (p *Packet) Clear() {
	p.payload = p.payload[:0]
	p.Checksum = 0
}

// Clone deep-copies the packet including payload and metadata values.
func (p *Packet) Clone() *Packet {
	out := &Packet{
		Type:      p.Type,
		ID:        p.ID,
		Sequence:  p.Sequence,
		Timestamp: p.Timestamp,
		Flags:     p.Flags,
		Checksum:  p.Checksum,
		Priority:  p.Priority,
		payload:   make([]byte, len(p.payload), cap(p.payload)),
	}
	copy(out.payload, p.payload)
	if len(p.meta) > 0 {
		out.meta = make([]MetaEntry, len(p.meta))
		for i, e := range p.meta {
			v := make([]byte, len(e.Value))
			copy(v, e.Value)
			out.meta[i] = MetaEntry{Key: e.Key, Value: v}
		}
	}
	return out
}

// CalculateChecksum recomputes and stores the CRC-32 of the payload.
func (p *Packet) CalculateChecksum() uint32 {
	if len(p.payload) == 0 {
		p.Checksum = 0
		return 0
	}
	p.Checksum = crc32.ChecksumIEEE(p.payload)
	return p.Checksum
}

// VerifyChecksum reports whether the stored checksum matches the
// current payload bytes.
func (p *Packet) VerifyChecksum() bool {
	if len(p.payload) == 0 {
		return p.Checksum == 0
	}
	return p.Checksum == crc32.ChecksumIEEE(p.payload)
}

// PayloadTransform rewrites a payload. The real compression and
// encryption codecs live outside the transport; a nil transform only
// toggles the flag, which matches the runtime's stub codecs.
type PayloadTransform func([]byte) ([]byte, error)

// Compress marks the payload compressed, delegating the byte transform
// to t. A packet that is already compressed is left untouched.
func (p *Packet) Compress(t PayloadTransform) error {
	return p.applyTransform(t, FlagCompressed, true)
}

// Decompress reverses Compress. A packet that is not compressed is
// left untouched.
func (p *Packet) Decompress(t PayloadTransform) error {
	return p.applyTransform(t, FlagCompressed, false)
}

// Encrypt marks the payload encrypted, delegating the byte transform
// to t. A packet that is already encrypted is left untouched.
func (p *Packet) Encrypt(t PayloadTransform) error {
	return p.applyTransform(t, FlagEncrypted, true)
}

// Decrypt reverses Encrypt. A packet that is not encrypted is left
// untouched.
func (p *Packet) Decrypt(t PayloadTransform) error {
	return p.applyTransform(t, FlagEncrypted, false)
}

func (p *Packet) applyTransform(t PayloadTransform, flag uint32, set bool) error {
	if p.HasFlag(flag) == set {
		return nil
	}
	if t != nil {
		out, err := t(p.payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		p.SetData(out)
	}
	if set {
		p.SetFlag(flag)
	} else {
		p.ClearFlag(flag)
	}
	return nil
}

// SetMetadata upserts one metadata entry by key and sets the METADATA
// flag. The value is copied.
func (p *Packet) SetMetadata(key string, value []byte) error {
	if key == "" {
		return ErrInvalidParameters
	}
	if len(key) > MaxMetadataKeyLen {
		return fmt.Errorf("%w: %q", ErrKeyTooLong, key)
	}
	v := make([]byte, len(value))
	copy(v, value)
	for i := range p.meta {
		if p.meta[i].Key == key {
			p.meta[i].Value = v
			return nil
		}
	}
	p.meta = append(p.meta, MetaEntry{Key: key, Value: v})
	p.SetFlag(FlagMetadata)
	return nil
}

// Metadata returns the value stored under key.
func (p *Packet) Metadata(key string) ([]byte, bool) {
	for _, e := range p.meta {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// CopyMetadata copies the value stored under key into dst. It returns
// the value length; when dst is too small the error is
// ErrBufferTooSmall and the returned length is the required size.
func (p *Packet) CopyMetadata(key string, dst []byte) (int, error) {
	v, ok := p.Metadata(key)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if len(dst) < len(v) {
		return len(v), ErrBufferTooSmall
	}
	return copy(dst, v), nil
}

// MetaEntries returns the metadata entries in insertion order.
func (p *Packet) MetaEntries() []MetaEntry { return p.meta }
