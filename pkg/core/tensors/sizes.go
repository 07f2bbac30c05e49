// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

// MaxInlineRank is the largest rank whose sizes and strides are stored inline in the Tensor, without
// a separate heap allocation.
const MaxInlineRank = 5

// sizesAndStrides is a small vector of sizes and strides: tensors of rank <= MaxInlineRank store them in the
// inline array, larger ranks in outOfLine (sizes first, then strides).
type sizesAndStrides struct {
	rank      int
	inline    [2 * MaxInlineRank]int64
	outOfLine []int64
}

func (s *sizesAndStrides) isInline() bool { return s.rank <= MaxInlineRank }

func (s *sizesAndStrides) sizes() []int64 {
	if s.isInline() {
		return s.inline[:s.rank:s.rank]
	}
	return s.outOfLine[:s.rank:s.rank]
}

func (s *sizesAndStrides) strides() []int64 {
	if s.isInline() {
		return s.inline[MaxInlineRank : MaxInlineRank+s.rank : MaxInlineRank+s.rank]
	}
	return s.outOfLine[s.rank : 2*s.rank : 2*s.rank]
}

// resize changes the rank. The sizes and strides of the axes kept are preserved, new axes are zeroed.
func (s *sizesAndStrides) resize(rank int) {
	if rank == s.rank {
		return
	}
	oldSizes, oldStrides := s.sizes(), s.strides()
	kept := min(rank, s.rank)
	if rank <= MaxInlineRank {
		var inline [2 * MaxInlineRank]int64
		copy(inline[:kept], oldSizes)
		copy(inline[MaxInlineRank:MaxInlineRank+kept], oldStrides)
		s.inline = inline
		s.outOfLine = nil
	} else {
		outOfLine := make([]int64, 2*rank)
		copy(outOfLine[:kept], oldSizes)
		copy(outOfLine[rank:rank+kept], oldStrides)
		s.outOfLine = outOfLine
		s.inline = [2 * MaxInlineRank]int64{}
	}
	s.rank = rank
}

// set replaces sizes and strides. Both must have the same length.
func (s *sizesAndStrides) set(sizes, strides []int64) {
	s.resize(len(sizes))
	copy(s.sizes(), sizes)
	copy(s.strides(), strides)
}

// clone returns an independent copy: the out-of-line storage is not shared.
func (s *sizesAndStrides) clone() sizesAndStrides {
	c := *s
	if s.outOfLine != nil {
		c.outOfLine = make([]int64, len(s.outOfLine))
		copy(c.outOfLine, s.outOfLine)
	}
	return c
}
