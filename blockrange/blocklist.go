// Package blockrange turns the block list of a multi-block object into an
// ordered sequence of byte ranges, replayable from an explicit cursor.
package blockrange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bitrise-io/go-blobtransfer/chunkstream"
)

// ErrMalformedBlockList is returned when a block list query result does not
// have the expected shape.
var ErrMalformedBlockList = errors.New("malformed block list")

// UnknownSize marks a BlockList whose object size was not reported.
const UnknownSize int64 = -1

// BlockKind tells whether a block is part of the stored object yet.
type BlockKind int

const (
	Committed BlockKind = iota
	Uncommitted
)

func (k BlockKind) String() string {
	switch k {
	case Committed:
		return "committed"
	case Uncommitted:
		return "uncommitted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is a known kind.
func (k BlockKind) Valid() bool {
	return k == Committed || k == Uncommitted
}

func (k BlockKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown block kind: %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *BlockKind) UnmarshalText(text []byte) error {
	kind, err := ParseBlockKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ParseBlockKind parses the textual form of a kind.
func ParseBlockKind(s string) (BlockKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "committed":
		return Committed, nil
	case "uncommitted":
		return Uncommitted, nil
	default:
		return 0, fmt.Errorf("%w: unknown block kind %q", ErrMalformedBlockList, s)
	}
}

// Block is one entry of a block list as reported by the service.
type Block struct {
	Name string `json:"name" yaml:"name"`
	Size int64  `json:"size" yaml:"size"`
}

// BlockGroup holds the blocks of one kind in service order.
type BlockGroup struct {
	Kind   BlockKind `json:"kind" yaml:"kind"`
	Blocks []Block   `json:"blocks" yaml:"blocks"`
}

// BlockList is the result of a block list query.
type BlockList struct {
	Groups     []BlockGroup
	ObjectSize int64
}

// ListOptions names the object whose blocks are listed.
type ListOptions struct {
	Container string
	Object    string
}

// Lister queries block metadata from a storage service.
type Lister interface {
	ListBlocks(ctx context.Context, container, object string) (*BlockList, error)
}

// BlockDescriptor is a block placed at its byte range in the object.
type BlockDescriptor struct {
	Name  string
	Size  int64
	Kind  BlockKind
	Start int64
	End   int64
}

// Range returns the byte range covered by the block.
func (d BlockDescriptor) Range() chunkstream.Range {
	return chunkstream.NewRange(d.Start, d.Size)
}

// Normalize validates list and returns its non-empty groups. An object
// without blocks but with a known size is represented by a single committed
// block named after the object.
func Normalize(list *BlockList, object string) ([]BlockGroup, error) {
	if list == nil {
		return nil, fmt.Errorf("%w: no result", ErrMalformedBlockList)
	}

	seen := map[BlockKind]bool{}
	var groups []BlockGroup
	for _, group := range list.Groups {
		if !group.Kind.Valid() {
			return nil, fmt.Errorf("%w: unknown block kind %d", ErrMalformedBlockList, int(group.Kind))
		}
		if seen[group.Kind] {
			return nil, fmt.Errorf("%w: duplicate %s group", ErrMalformedBlockList, group.Kind)
		}
		seen[group.Kind] = true

		for i, block := range group.Blocks {
			if block.Name == "" {
				return nil, fmt.Errorf("%w: %s block %d has no name", ErrMalformedBlockList, group.Kind, i)
			}
			if block.Size <= 0 {
				return nil, fmt.Errorf("%w: %s block %s has size %d", ErrMalformedBlockList, group.Kind, block.Name, block.Size)
			}
		}
		if len(group.Blocks) > 0 {
			groups = append(groups, BlockGroup{
				Kind:   group.Kind,
				Blocks: append([]Block(nil), group.Blocks...),
			})
		}
	}

	if len(groups) > 0 {
		return groups, nil
	}

	switch {
	case list.ObjectSize < 0:
		return nil, fmt.Errorf("%w: no blocks and unknown object size", ErrMalformedBlockList)
	case list.ObjectSize == 0:
		return nil, nil
	default:
		return []BlockGroup{{
			Kind:   Committed,
			Blocks: []Block{{Name: object, Size: list.ObjectSize}},
		}}, nil
	}
}
