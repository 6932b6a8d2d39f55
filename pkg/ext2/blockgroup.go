package ext2

import (
	"github.com/boljen/go-bitmap"
)

// blockGroup is the in-memory view of one block group descriptor plus
// the bitmap-scan cursors used to allocate blocks and inodes from it.
// The allocator state (allocChunk/bitmapI) is kept per-group so each
// group's free/allocate calls resume scanning where they left off
// instead of restarting from the front every time.
type blockGroup struct {
	fs      *Filesystem
	groupID uint32

	descBlock  *Block
	desc       *rawBlockGroupDesc
	descOffset uint32

	blockBitmap *Block
	inodeBitmap *Block

	blockAllocChunk uint32
	inodeAllocChunk uint32
	// bitmapI is the bit offset within the currently-cached bitmap
	// block to resume scanning from; kept separate for blocks and
	// inodes so freeing one never perturbs the other's cursor.
	blockBitmapI uint32
	inodeBitmapI uint32

	numBlockBitmapBlocks uint32
	numInodeBitmapBlocks uint32

	numBlocks uint32
	numInodes uint32

	firstBlockID uint32
	firstInodeID uint32

	dirty bool
}

func (g *blockGroup) numChunkBits() uint32 { return g.fs.blockSize * 8 }

// AllocateBlock claims and returns the id of one free block from this
// group, or 0 with ErrNoSpace if the group is full.
func (g *blockGroup) AllocateBlock() (uint32, error) {
	if g.desc.FreeBlocksCount == 0 {
		return 0, ErrNoSpace
	}
	numChunkBits := g.numChunkBits()
	begun := g.blockAllocChunk
	for i := uint32(0); i < g.numBlockBitmapBlocks; i++ {
		chunk := (begun + i) % g.numBlockBitmapBlocks
		g.blockAllocChunk = chunk
		last := chunk+1 == g.numBlockBitmapBlocks

		if g.blockBitmap == nil {
			blk, err := g.fs.device.GetBlock(g.desc.BlockBitmap + chunk)
			if err != nil {
				return 0, err
			}
			g.blockBitmap = blk
			g.blockBitmapI = 0
		}

		chunkOffset := chunk * numChunkBits
		numBits := numChunkBits
		if last {
			numBits = g.numBlocks - chunkOffset
		}
		bm := bitmap.Bitmap(g.blockBitmap.Data())

		for ; g.blockBitmapI < numBits; g.blockBitmapI++ {
			if !bm.Get(int(g.blockBitmapI)) {
				bm.Set(int(g.blockBitmapI), true)
				g.blockBitmap.Dirty()
				g.desc.FreeBlocksCount--
				g.flushDesc()
				g.fs.sb.FreeBlocksCount--
				g.fs.markDirty()
				groupBlockID := chunkOffset + g.blockBitmapI
				g.blockBitmapI++
				return g.firstBlockID + groupBlockID, nil
			}
		}
		g.blockBitmap.Unref()
		g.blockBitmap = nil
	}
	g.desc.FreeBlocksCount = 0
	g.flushDesc()
	return 0, ErrNoSpace
}

// AllocateInode claims and returns the id of one free inode from this group.
func (g *blockGroup) AllocateInode() (uint32, error) {
	if g.desc.FreeInodesCount == 0 {
		return 0, ErrNoSpace
	}
	numChunkBits := g.numChunkBits()
	begun := g.inodeAllocChunk
	for i := uint32(0); i < g.numInodeBitmapBlocks; i++ {
		chunk := (begun + i) % g.numInodeBitmapBlocks
		g.inodeAllocChunk = chunk
		last := chunk+1 == g.numInodeBitmapBlocks

		if g.inodeBitmap == nil {
			blk, err := g.fs.device.GetBlock(g.desc.InodeBitmap + chunk)
			if err != nil {
				return 0, err
			}
			g.inodeBitmap = blk
			g.inodeBitmapI = 0
		}

		chunkOffset := chunk * numChunkBits
		numBits := numChunkBits
		if last {
			numBits = g.numInodes - chunkOffset
		}
		bm := bitmap.Bitmap(g.inodeBitmap.Data())

		for ; g.inodeBitmapI < numBits; g.inodeBitmapI++ {
			if !bm.Get(int(g.inodeBitmapI)) {
				bm.Set(int(g.inodeBitmapI), true)
				g.inodeBitmap.Dirty()
				g.desc.FreeInodesCount--
				g.flushDesc()
				g.fs.sb.FreeInodesCount--
				g.fs.markDirty()
				groupInodeID := chunkOffset + g.inodeBitmapI
				g.inodeBitmapI++
				return g.firstInodeID + groupInodeID, nil
			}
		}
		g.inodeBitmap.Unref()
		g.inodeBitmap = nil
	}
	g.desc.FreeInodesCount = 0
	g.flushDesc()
	return 0, ErrNoSpace
}

// FreeBlock releases blockID, which must belong to this group. Only
// touches the block cursor, never the inode one.
func (g *blockGroup) FreeBlock(blockID uint32) error {
	rel := blockID - g.firstBlockID
	numChunkBits := g.numChunkBits()
	chunk := rel / numChunkBits
	bit := rel % numChunkBits

	if g.blockBitmap == nil || chunk != g.blockAllocChunk {
		if g.blockBitmap != nil {
			g.blockBitmap.Unref()
		}
		g.blockAllocChunk = chunk
		blk, err := g.fs.device.GetBlock(g.desc.BlockBitmap + chunk)
		if err != nil {
			return err
		}
		g.blockBitmap = blk
		g.blockBitmapI = 0
	}

	bm := bitmap.Bitmap(g.blockBitmap.Data())
	bm.Set(int(bit), false)
	g.blockBitmap.Dirty()
	if bit < g.blockBitmapI {
		g.blockBitmapI = bit
	}
	g.desc.FreeBlocksCount++
	g.flushDesc()
	g.fs.sb.FreeBlocksCount++
	g.fs.markDirty()
	return nil
}

// FreeInode releases inodeID, which must belong to this group. Only
// touches the inode cursor, never the block one.
func (g *blockGroup) FreeInode(inodeID uint32) error {
	rel := inodeID - g.firstInodeID
	numChunkBits := g.numChunkBits()
	chunk := rel / numChunkBits
	bit := rel % numChunkBits

	if g.inodeBitmap == nil || chunk != g.inodeAllocChunk {
		if g.inodeBitmap != nil {
			g.inodeBitmap.Unref()
		}
		g.inodeAllocChunk = chunk
		blk, err := g.fs.device.GetBlock(g.desc.InodeBitmap + chunk)
		if err != nil {
			return err
		}
		g.inodeBitmap = blk
		g.inodeBitmapI = 0
	}

	bm := bitmap.Bitmap(g.inodeBitmap.Data())
	bm.Set(int(bit), false)
	g.inodeBitmap.Dirty()
	if bit < g.inodeBitmapI {
		g.inodeBitmapI = bit
	}
	g.desc.FreeInodesCount++
	g.flushDesc()
	g.fs.sb.FreeInodesCount++
	g.fs.markDirty()
	return nil
}

// flushDesc re-encodes the in-memory descriptor into its backing block
// and marks that block dirty; called after every counter/cursor change
// so the bytes Sync eventually flushes are never stale.
func (g *blockGroup) flushDesc() {
	encodeBlockGroupDesc(g.descBlock.Data()[g.descOffset:], g.desc)
	g.dirty = true
	g.descBlock.Dirty()
}

// Sync flushes this group's bitmap blocks and descriptor block.
func (g *blockGroup) Sync() error {
	if g.blockBitmap != nil {
		if err := g.blockBitmap.Sync(); err != nil {
			return err
		}
	}
	if g.inodeBitmap != nil {
		if err := g.inodeBitmap.Sync(); err != nil {
			return err
		}
	}
	if g.dirty {
		if err := g.descBlock.Sync(); err != nil {
			return err
		}
		g.dirty = false
	}
	return nil
}
