package wire

// Packet header flags. Flags are informative, not exclusive: a packet
// may be COMPRESSED, FRAGMENTED and carry METADATA at the same time.
const (
	FlagCompressed    uint32 = 0x01
	FlagEncrypted     uint32 = 0x02
	FlagFragmented    uint32 = 0x04
	FlagFirstFragment uint32 = 0x08
	FlagLastFragment  uint32 = 0x10
	FlagMetadata      uint32 = 0x20
	FlagProtocol      uint32 = 0x40
	FlagUrgent        uint32 = 0x80
)

// HasFlag reports whether every bit in mask is set on the packet.
func (p *Packet) HasFlag(mask uint32) bool {
	return p.Flags&mask == mask
}

// SetFlag sets the given flag bits.
func (p *Packet) SetFlag(mask uint32) {
	p.Flags |= mask
}

// ClearFlag clears the given flag bits.
func (p *Packet) ClearFlag(mask uint32) {
	p.Flags &^= mask
}
