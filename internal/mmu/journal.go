package mmu

import (
	"fmt"
	"io"
)

// Journal tracks which fixed-size blocks of guest memory have been written
// since the last Clear, so that Reset only has to touch memory a case
// actually dirtied.
//
// dirtyBlocks is an append-only list of block indices; dirtyBitmap is one
// bit per block and is the uniqueness oracle — a block index only ever
// appears once in dirtyBlocks between Clear calls because MakeDirty checks
// the bitmap before appending.
type Journal struct {
	dirtyBlocks []uint
	dirtyBitmap []uint64
}

// NewJournal allocates a journal sized for memorySize bytes of guest
// memory, i.e. memorySize/DirtyBlockSize blocks.
func NewJournal(memorySize uint) *Journal {
	nbBlocks := memorySize/DirtyBlockSize + 1
	return &Journal{
		dirtyBlocks: make([]uint, 0, nbBlocks),
		dirtyBitmap: make([]uint64, nbBlocks/64+1),
	}
}

// MakeDirty marks the block containing the mapped address dirty. Runs in
// O(1): the first write to a block appends its index; subsequent writes to
// the same block before the next Clear are no-ops.
func (j *Journal) MakeDirty(mappedAddr uint) {
	block := mappedAddr / DirtyBlockSize
	idx, bit := block/64, block%64

	if j.dirtyBitmap[idx]&(1<<bit) != 0 {
		return
	}
	j.dirtyBitmap[idx] |= 1 << bit
	j.dirtyBlocks = append(j.dirtyBlocks, block)
}

// Blocks returns the dirty block indices accumulated since the last Clear.
func (j *Journal) Blocks() []uint {
	return j.dirtyBlocks
}

// Len returns the number of distinct dirty blocks.
func (j *Journal) Len() int {
	return len(j.dirtyBlocks)
}

// Clear empties the dirty list and zeros the bitmap. It does not touch
// guest memory — memory is restored separately by MMU.Reset.
func (j *Journal) Clear() {
	for _, block := range j.dirtyBlocks {
		j.dirtyBitmap[block/64] = 0
	}
	j.dirtyBlocks = j.dirtyBlocks[:0]
}

// Print writes a diagnostic dump of the dirty bitmap to w.
func (j *Journal) Print(w io.Writer) {
	fmt.Fprintf(w, "dirty blocks: %d\n", len(j.dirtyBlocks))
	for i, word := range j.dirtyBitmap {
		if word == 0 {
			continue
		}
		fmt.Fprintf(w, "  bitmap[%d] = %#016x\n", i, word)
	}
}
