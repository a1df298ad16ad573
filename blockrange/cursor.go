package blockrange

import "fmt"

// Cursor is the position of an enumeration: the next block to emit and the
// object offset it starts at. A canonical cursor never points past the end of
// a non-final group.
type Cursor struct {
	KindIndex int   `cbor:"1,keyasint" json:"kind_index"`
	ItemIndex int   `cbor:"2,keyasint" json:"item_index"`
	Offset    int64 `cbor:"3,keyasint" json:"offset"`
}

func (c Cursor) String() string {
	return fmt.Sprintf("kind %d, item %d, offset %d", c.KindIndex, c.ItemIndex, c.Offset)
}

// Canonical moves c past exhausted groups.
func Canonical(groups []BlockGroup, c Cursor) Cursor {
	for c.KindIndex < len(groups) && c.ItemIndex >= len(groups[c.KindIndex].Blocks) {
		c.KindIndex++
		c.ItemIndex = 0
	}
	if c.KindIndex > len(groups) {
		c.KindIndex = len(groups)
		c.ItemIndex = 0
	}
	return c
}

// Done reports whether no descriptor is left after c.
func Done(groups []BlockGroup, c Cursor) bool {
	return Canonical(groups, c).KindIndex >= len(groups)
}

// Step returns the descriptor at c and the cursor following it.
// ok is false once every group is exhausted.
func Step(groups []BlockGroup, c Cursor) (d BlockDescriptor, next Cursor, ok bool) {
	c = Canonical(groups, c)
	if c.KindIndex >= len(groups) {
		return BlockDescriptor{}, c, false
	}

	group := groups[c.KindIndex]
	block := group.Blocks[c.ItemIndex]
	d = BlockDescriptor{
		Name:  block.Name,
		Size:  block.Size,
		Kind:  group.Kind,
		Start: c.Offset,
		End:   c.Offset + block.Size - 1,
	}
	next = Canonical(groups, Cursor{
		KindIndex: c.KindIndex,
		ItemIndex: c.ItemIndex + 1,
		Offset:    c.Offset + block.Size,
	})
	return d, next, true
}

// OffsetOf returns the object offset of the block c points at, validating
// that c lies within groups.
func OffsetOf(groups []BlockGroup, c Cursor) (int64, error) {
	if c.KindIndex < 0 || c.ItemIndex < 0 || c.KindIndex > len(groups) {
		return 0, fmt.Errorf("cursor out of range: %s", c)
	}
	if c.KindIndex < len(groups) && c.ItemIndex > len(groups[c.KindIndex].Blocks) {
		return 0, fmt.Errorf("cursor out of range: %s", c)
	}
	if c.KindIndex == len(groups) && c.ItemIndex != 0 {
		return 0, fmt.Errorf("cursor out of range: %s", c)
	}

	var offset int64
	for k := 0; k < c.KindIndex; k++ {
		for _, block := range groups[k].Blocks {
			offset += block.Size
		}
	}
	if c.KindIndex < len(groups) {
		for _, block := range groups[c.KindIndex].Blocks[:c.ItemIndex] {
			offset += block.Size
		}
	}
	return offset, nil
}
