// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package allocator

import (
	"github.com/gomlx/tensorcore/pkg/core/device"
	"github.com/gomlx/tensorcore/pkg/support/sets"
	"github.com/google/btree"
)

// block is a contiguous part of a segment (one device allocation). The blocks of a segment form a doubly linked
// list, in address order.
type block struct {
	device int
	stream device.Stream // Allocation stream.
	pool   *blockPool
	ptr    device.Ptr
	size   int64

	// requestedSize is the size asked by the user, before rounding.
	requestedSize int64

	allocated bool

	// streamUses are the streams (other than the allocation stream) that used the block.
	streamUses sets.Set[device.Stream]

	// eventCount is the number of outstanding events that must complete before the block can be reused.
	eventCount int

	// gcCount is the number of pool lookups since the block was last used, when garbage collection is enabled.
	gcCount int

	prev, next *block

	history []History
}

// isSplit returns whether the block is part of a segment split in more than one block.
func (b *block) isSplit() bool {
	return b.prev != nil || b.next != nil
}

// inUse returns whether the block can't be reused: it's allocated or pending events of other streams.
func (b *block) inUse() bool {
	return b.allocated || b.eventCount > 0 || b.streamUses.Len() > 0
}

func streamLess(a, b device.Stream) bool {
	if a.Device != b.Device {
		return a.Device < b.Device
	}
	return a.ID < b.ID
}

// blockLess orders blocks by stream, then size, then address.
// A search key with ptr == 0 sorts before all blocks of the same stream and size.
func blockLess(a, b *block) bool {
	if a.stream != b.stream {
		return streamLess(a.stream, b.stream)
	}
	if a.size != b.size {
		return a.size < b.size
	}
	return a.ptr < b.ptr
}

// blockPool holds the cached free blocks of a size class.
type blockPool struct {
	blocks  *btree.BTreeG[*block]
	isSmall bool
}

func newBlockPool(isSmall bool) *blockPool {
	return &blockPool{
		blocks:  btree.NewG(16, blockLess),
		isSmall: isSmall,
	}
}

// lowerBound returns the smallest block of the stream with at least size bytes, or nil.
func (p *blockPool) lowerBound(stream device.Stream, size int64) *block {
	var found *block
	p.blocks.AscendGreaterOrEqual(&block{stream: stream, size: size}, func(b *block) bool {
		found = b
		return false
	})
	if found == nil || found.stream != stream {
		return nil
	}
	return found
}

// all returns the blocks of the pool in order.
func (p *blockPool) all() []*block {
	blocks := make([]*block, 0, p.blocks.Len())
	p.blocks.Ascend(func(b *block) bool {
		blocks = append(blocks, b)
		return true
	})
	return blocks
}

func (p *blockPool) statTypes() statTypes {
	var types statTypes
	types[StatAggregate] = true
	if p.isSmall {
		types[StatSmallPool] = true
	} else {
		types[StatLargePool] = true
	}
	return types
}
