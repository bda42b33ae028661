package wire

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Metadata keys stamped on every fragment. Values are big-endian u16.
const (
	MetaFragmentIndex  = "fragment_index"
	MetaTotalFragments = "total_fragments"
)

// NewFragment slices src.payload[index*fragSize:] bounded by the
// remaining length into a new packet. The fragment inherits the
// source's id, type, sequence, timestamp and priority, carries the
// FRAGMENTED flag (plus FIRST_FRAGMENT/LAST_FRAGMENT as appropriate)
// and records its index and the total fragment count as metadata.
func NewFragment(src *Packet, index, fragSize int) (*Packet, error) {
	if src == nil || fragSize <= 0 || index < 0 {
		return nil, ErrInvalidParameters
	}
	offset := index * fragSize
	if offset >= src.Len() {
		return nil, fmt.Errorf("%w: fragment index %d beyond payload", ErrInvalidParameters, index)
	}
	end := offset + fragSize
	if end > src.Len() {
		end = src.Len()
	}
	total := (src.Len() + fragSize - 1) / fragSize

	frag := New(end - offset)
	frag.Type = src.Type
	frag.ID = src.ID
	frag.Sequence = src.Sequence
	frag.Timestamp = src.Timestamp
	frag.Priority = src.Priority
	frag.SetData(src.Data()[offset:end])

	frag.SetFlag(FlagFragmented)
	if index == 0 {
		frag.SetFlag(FlagFirstFragment)
	}
	if end == src.Len() {
		frag.SetFlag(FlagLastFragment)
	}

	if err := frag.SetMetadata(MetaFragmentIndex, u16Bytes(uint16(index))); err != nil {
		return nil, err
	}
	if err := frag.SetMetadata(MetaTotalFragments, u16Bytes(uint16(total))); err != nil {
		return nil, err
	}
	return frag, nil
}

// Reassemble joins fragments of one logical packet back together.
// Every fragment must share the source packet id and the supplied
// count must equal the total recorded on the FIRST_FRAGMENT carrier.
// Fragments are sorted by fragment_index before concatenation, so
// out-of-order input reassembles correctly.
func Reassemble(fragments []*Packet) (*Packet, error) {
	if len(fragments) == 0 {
		return nil, ErrInvalidParameters
	}

	id := fragments[0].ID
	var total uint16
	haveTotal := false
	for _, f := range fragments {
		if f == nil {
			return nil, ErrInvalidParameters
		}
		if f.ID != id {
			return nil, fmt.Errorf("%w: fragment id mismatch", ErrInvalidState)
		}
		if !f.HasFlag(FlagFragmented) {
			return nil, fmt.Errorf("%w: packet is not a fragment", ErrInvalidState)
		}
		if f.HasFlag(FlagFirstFragment) {
			t, err := fragmentMetaU16(f, MetaTotalFragments)
			if err != nil {
				return nil, err
			}
			total = t
			haveTotal = true
		}
	}
	if !haveTotal {
		return nil, fmt.Errorf("%w: no first fragment", ErrInvalidState)
	}
	if int(total) != len(fragments) {
		return nil, fmt.Errorf("%w: have %d fragments, first fragment declares %d",
			ErrInvalidState, len(fragments), total)
	}

	type indexed struct {
		idx  uint16
		frag *Packet
	}
	ordered := make([]indexed, len(fragments))
	for i, f := range fragments {
		idx, err := fragmentMetaU16(f, MetaFragmentIndex)
		if err != nil {
			return nil, err
		}
		ordered[i] = indexed{idx: idx, frag: f}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].idx < ordered[j].idx })
	for i, e := range ordered {
		if int(e.idx) != i {
			return nil, fmt.Errorf("%w: duplicate or missing fragment index %d", ErrInvalidState, e.idx)
		}
	}

	size := 0
	for _, e := range ordered {
		size += e.frag.Len()
	}
	first := ordered[0].frag
	out := New(size)
	out.Type = first.Type
	out.ID = first.ID
	out.Sequence = first.Sequence
	out.Timestamp = first.Timestamp
	out.Priority = first.Priority
	out.Flags = first.Flags
	out.ClearFlag(FlagFragmented | FlagFirstFragment | FlagLastFragment | FlagMetadata)
	for _, e := range ordered {
		out.AppendData(e.frag.Data())
	}
	return out, nil
}

func fragmentMetaU16(p *Packet, key string) (uint16, error) {
	v, ok := p.Metadata(key)
	if !ok {
		return 0, fmt.Errorf("%w: fragment missing %q", ErrInvalidState, key)
	}
	if len(v) != 2 {
		return 0, fmt.Errorf("%w: invalid %q length %d", ErrInvalidState, key, len(v))
	}
	return binary.BigEndian.Uint16(v), nil
}

func u16Bytes(v uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return buf
}
