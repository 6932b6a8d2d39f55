package ext2

import (
	"encoding/binary"
	"time"
)

// Inode is a live, reference-counted view of one on-disk inode. Two
// independent counters track local uses (open file handles, a path
// walk holding a directory open) and remote ones (references held by
// the FUSE kernel client across calls), since the two have different
// lifetimes: remote references survive across many driver calls,
// local ones don't outlive a single one.
type Inode struct {
	fs         *Filesystem
	inodeID    uint32
	dataBlock  *Block
	dataOffset int
	data       *rawInode

	refs       int
	remoteRefs int
}

// ID returns the inode number.
func (in *Inode) ID() uint32 { return in.inodeID }

func (in *Inode) flush() {
	encodeInode(in.dataBlock.Data()[in.dataOffset:], in.data)
	in.dataBlock.Dirty()
}

// Mode returns the type+permission bits. High mode bits (i_mode_high)
// are not implemented (TODO: uid/gid/mode high-bit extensions).
func (in *Inode) Mode() uint16 { return in.data.Mode }

func (in *Inode) SetMode(mode uint16) {
	in.data.Mode = mode
	in.flush()
}

func (in *Inode) UID() uint32 { return uint32(in.data.UID) }

func (in *Inode) SetUID(uid uint32) {
	in.data.UID = uint16(uid)
	in.flush()
}

func (in *Inode) GID() uint32 { return uint32(in.data.GID) }

func (in *Inode) SetGID(gid uint32) {
	in.data.GID = uint16(gid)
	in.flush()
}

func (in *Inode) Links() uint16 { return in.data.LinksCount }

// Atime, Mtime and Ctime report the inode's stored timestamps, the
// fields a stat(2) caller — or a FUSE GetInodeAttributes request —
// needs alongside Size/Mode/UID/GID.
func (in *Inode) Atime() time.Time { return time.Unix(int64(in.data.ATime), 0) }
func (in *Inode) Mtime() time.Time { return time.Unix(int64(in.data.MTime), 0) }
func (in *Inode) Ctime() time.Time { return time.Unix(int64(in.data.CTime), 0) }

// SetTimes stamps the inode's atime and/or mtime (nil leaves the
// corresponding field unchanged), answering a utimens(2)-style
// request; ctime always advances, matching POSIX's rule that changing
// any other inode attribute bumps ctime too.
func (in *Inode) SetTimes(atime, mtime *time.Time) {
	if atime != nil {
		in.data.ATime = uint32(atime.Unix())
	}
	if mtime != nil {
		in.data.MTime = uint32(mtime.Unix())
	}
	in.data.CTime = uint32(in.fs.clock.Now().Unix())
	in.flush()
}

func (in *Inode) linked() {
	in.data.LinksCount++
	in.flush()
}

func (in *Inode) unlinked() {
	in.data.LinksCount--
	in.flush()
}

func (in *Inode) largeFile() bool {
	return in.fs.sb.FeatureROCompat&FeatureROCompatLargeFile != 0
}

// Size returns the file size in bytes, consulting DirACL as the high
// 32 bits when the large-file feature is on (the on-disk field is
// reused as a size extension for regular files only).
func (in *Inode) Size() uint64 {
	if !isReg(in.data.Mode) || !in.largeFile() {
		return uint64(in.data.SizeLower)
	}
	return uint64(in.data.SizeLower) | uint64(in.data.DirACL)<<32
}

// SetSize updates the recorded size and the i_blocks occupancy
// estimate (direct + indirect table blocks the new size would need),
// without allocating or freeing any blocks itself — Truncate and
// WriteAt call this and then adjust the block tree to match.
func (in *Inode) SetSize(newSize uint64) {
	in.data.SizeLower = uint32(newSize)

	entries := uint64(in.fs.blockSize) / pointerSize
	direct := uint64(maxDirectPointers)
	singly := entries
	doubly := entries * entries
	triply := doubly * entries
	maxDirect := direct
	maxSingly := maxDirect + singly
	maxDoubly := maxSingly + doubly

	logicalBlocks := divup(newSize, uint64(in.fs.blockSize))
	actualBlocks := logicalBlocks
	if maxDirect <= logicalBlocks {
		actualBlocks += divup(logicalBlocks-maxDirect, entries)
	}
	if maxSingly <= logicalBlocks {
		actualBlocks += divup(logicalBlocks-maxSingly, doubly)
	}
	if maxDoubly <= logicalBlocks {
		actualBlocks += divup(logicalBlocks-maxDoubly, triply)
	}
	in.data.Blocks = uint32(actualBlocks * uint64(in.fs.blockSize) / SectorSize)

	if isReg(in.data.Mode) && in.largeFile() {
		in.data.DirACL = uint32(newSize >> 32)
	}
	in.flush()
}

// preferredGroup returns the block group this inode lives in, used as
// the allocation-locality hint when it needs a new data or indirect
// block.
func (in *Inode) preferredGroup() (*blockGroup, error) {
	groupID := (in.inodeID - 1) / in.fs.sb.InodesPerGroup
	return in.fs.GetBlockGroup(groupID)
}

// tablePointer reads one uint32 slot of an indirect block's pointer
// table, and setTablePointer writes one and marks the table dirty.
// Neither handles the inode's own i_block[] array: blockFromTable reads
// and writes in.data.Block directly when its table is nil.
func tablePointer(table *Block, index uint32) uint32 {
	if table == nil {
		return 0 // never read; direct slots are read via in.data.Block directly
	}
	return binary.LittleEndian.Uint32(table.Data()[index*pointerSize:])
}

func setTablePointer(table *Block, index uint32, value uint32) {
	binary.LittleEndian.PutUint32(table.Data()[index*pointerSize:], value)
	table.Dirty()
}

// blockFromTable returns the block referenced by table[index] (or, if
// table is nil, by in.data.Block[index]), allocating and zeroing a
// fresh one if the slot is currently empty.
func (in *Inode) blockFromTable(table *Block, index uint32) (*Block, error) {
	var id uint32
	if table == nil {
		id = in.data.Block[index]
	} else {
		id = tablePointer(table, index)
	}
	if id != 0 {
		return in.fs.device.GetBlock(id)
	}

	group, err := in.preferredGroup()
	if err != nil {
		return nil, err
	}
	id, err = in.fs.AllocateBlock(group)
	if err != nil {
		return nil, err
	}
	blk, err := in.fs.device.GetBlockZeroed(id)
	if err != nil {
		return nil, err
	}
	if table == nil {
		in.data.Block[index] = id
		in.flush()
	} else {
		setTablePointer(table, index, id)
	}
	return blk, nil
}

// GetBlock resolves the logical block number offset to its backing
// Block, walking direct, singly, doubly, or triply indirect pointer
// tables as needed and materializing any missing table/data block
// along the way. Allocation-on-read-path is intentional: there is no
// separate "holes stay sparse" mode for write-through opens.
func (in *Inode) GetBlock(offset uint64) (*Block, error) {
	entries := uint64(in.fs.blockSize) / pointerSize
	maxDirect := uint64(maxDirectPointers)
	maxSingly := maxDirect + entries
	maxDoubly := maxSingly + entries*entries
	maxTriply := maxDoubly + entries*entries*entries

	switch {
	case offset < maxDirect:
		return in.blockFromTable(nil, uint32(offset))

	case offset < maxSingly:
		rem := offset - maxDirect
		table, err := in.blockFromTable(nil, 12)
		if err != nil {
			return nil, err
		}
		return in.blockFromTable(table, uint32(rem))

	case offset < maxDoubly:
		rem := offset - maxSingly
		l1, err := in.blockFromTable(nil, 13)
		if err != nil {
			return nil, err
		}
		l2, err := in.blockFromTable(l1, uint32(rem/entries))
		if err != nil {
			return nil, err
		}
		return in.blockFromTable(l2, uint32(rem%entries))

	case offset < maxTriply:
		rem := offset - maxDoubly
		l1, err := in.blockFromTable(nil, 14)
		if err != nil {
			return nil, err
		}
		l2, err := in.blockFromTable(l1, uint32(rem/(entries*entries)))
		if err != nil {
			return nil, err
		}
		rem2 := rem % (entries * entries)
		l3, err := in.blockFromTable(l2, uint32(rem2/entries))
		if err != nil {
			return nil, err
		}
		return in.blockFromTable(l3, uint32(rem2%entries))

	default:
		return nil, wrap(ErrOverflow, "file offset exceeds triply-indirect range")
	}
}

// freeIndirect frees every data/table block in the subtree rooted at
// blockID whose logical position is >= from, recursing indirection
// more levels deep. Returns whether any child survived (so the caller
// knows whether blockID itself can also be freed). entrySpan is how
// many logical blocks one entry at this level covers.
func (in *Inode) freeIndirect(from, offset uint64, blockID uint32, indirection int, entrySpan uint64) (bool, error) {
	block, err := in.fs.device.GetBlock(blockID)
	if err != nil {
		return false, err
	}
	entries := uint64(in.fs.blockSize) / pointerSize
	anyChildren := false
	for i := uint64(0); i < entries; i++ {
		id := binary.LittleEndian.Uint32(block.Data()[i*pointerSize:])
		if id == 0 {
			continue
		}
		entryOffset := offset + entrySpan*i
		keep := entryOffset+entrySpan <= from
		if !keep && indirection > 0 {
			keep, err = in.freeIndirect(from, entryOffset, id, indirection-1, entrySpan/entries)
			if err != nil {
				return false, err
			}
		}
		if keep {
			anyChildren = true
			continue
		}
		if err := in.fs.FreeBlock(id); err != nil {
			return false, err
		}
		binary.LittleEndian.PutUint32(block.Data()[i*pointerSize:], 0)
		block.Dirty()
	}
	return anyChildren, nil
}

// Truncate shrinks or (via SetSize alone) grows the file to newSize,
// freeing any blocks made unreachable. Every indirection level down to
// the triply indirect tree (i_block[14]) is walked, so shrinking a
// very large file never leaves unreachable blocks allocated.
func (in *Inode) Truncate(newSize uint64) error {
	oldSize := in.Size()
	in.SetSize(newSize)
	if oldSize <= newSize {
		return nil
	}

	blockSize := uint64(in.fs.blockSize)
	oldNumBlocks := divup(oldSize, blockSize)
	newNumBlocks := divup(newSize, blockSize)

	if partial := newSize % blockSize; partial != 0 {
		blk, err := in.GetBlock(newNumBlocks - 1)
		if err != nil {
			return err
		}
		data := blk.Data()
		for i := partial; i < blockSize; i++ {
			data[i] = 0
		}
		blk.Dirty()
	}

	entries := blockSize / pointerSize
	maxDirect := uint64(maxDirectPointers)
	maxSingly := maxDirect + entries
	maxDoubly := maxSingly + entries*entries

	for i := newNumBlocks; i < oldNumBlocks && i < maxDirectPointers; i++ {
		if id := in.data.Block[i]; id != 0 {
			if err := in.fs.FreeBlock(id); err != nil {
				return err
			}
			in.data.Block[i] = 0
		}
	}

	if id := in.data.Block[12]; id != 0 {
		keep, err := in.freeIndirect(newNumBlocks, maxDirect, id, 0, 1)
		if err != nil {
			return err
		}
		if !keep {
			if err := in.fs.FreeBlock(id); err != nil {
				return err
			}
			in.data.Block[12] = 0
		}
	}

	if id := in.data.Block[13]; id != 0 {
		keep, err := in.freeIndirect(newNumBlocks, maxSingly, id, 1, entries)
		if err != nil {
			return err
		}
		if !keep {
			if err := in.fs.FreeBlock(id); err != nil {
				return err
			}
			in.data.Block[13] = 0
		}
	}

	if id := in.data.Block[14]; id != 0 {
		keep, err := in.freeIndirect(newNumBlocks, maxDoubly, id, 2, entries*entries)
		if err != nil {
			return err
		}
		if !keep {
			if err := in.fs.FreeBlock(id); err != nil {
				return err
			}
			in.data.Block[14] = 0
		}
	}

	in.flush()
	return nil
}

// ReadAt reads into buf starting at offset, returning the number of
// bytes read. Short reads past EOF are not an error; reading exactly
// at or past EOF returns (0, nil).
func (in *Inode) ReadAt(buf []byte, offset uint64) (int, error) {
	if !isReg(in.data.Mode) {
		return 0, ErrIsDir
	}
	size := in.Size()
	if size <= offset {
		return 0, nil
	}
	count := uint64(len(buf))
	if size-offset < count {
		count = size - offset
	}
	blockSize := uint64(in.fs.blockSize)
	var sofar uint64
	for sofar < count {
		blockID := (offset + sofar) / blockSize
		blockOffset := (offset + sofar) % blockSize
		left := blockSize - blockOffset
		block, err := in.GetBlock(blockID)
		if err != nil {
			if sofar > 0 {
				return int(sofar), nil
			}
			return 0, err
		}
		amount := count - sofar
		if amount > left {
			amount = left
		}
		copy(buf[sofar:sofar+amount], block.Data()[blockOffset:blockOffset+amount])
		sofar += amount
	}
	return int(sofar), nil
}

// WriteAt writes buf at offset, growing the file (via Truncate, which
// for a growth is just SetSize with nothing to free) if it extends
// past the current size.
func (in *Inode) WriteAt(buf []byte, offset uint64) (int, error) {
	if !isReg(in.data.Mode) {
		return 0, ErrIsDir
	}
	count := uint64(len(buf))
	endAt := offset + count
	if in.Size() < endAt {
		if err := in.Truncate(endAt); err != nil {
			return 0, err
		}
	}
	blockSize := uint64(in.fs.blockSize)
	var sofar uint64
	for sofar < count {
		blockID := (offset + sofar) / blockSize
		blockOffset := (offset + sofar) % blockSize
		left := blockSize - blockOffset
		block, err := in.GetBlock(blockID)
		if err != nil {
			if sofar > 0 {
				return int(sofar), nil
			}
			return 0, err
		}
		amount := count - sofar
		if amount > left {
			amount = left
		}
		copy(block.Data()[blockOffset:blockOffset+amount], buf[sofar:sofar+amount])
		block.Dirty()
		sofar += amount
	}
	return int(sofar), nil
}

// Refer takes one more local reference.
func (in *Inode) Refer() { in.refs++ }

// Unref drops one local reference, deleting the inode once both
// reference counts are zero and it has no remaining directory links.
func (in *Inode) Unref() error {
	in.refs--
	return in.maybeDelete()
}

// RemoteRefer takes one more reference on behalf of the FUSE kernel
// client (a NodeID lookup count), independent of local opens.
func (in *Inode) RemoteRefer() { in.remoteRefs++ }

// RemoteUnref drops one remote reference.
func (in *Inode) RemoteUnref() error {
	in.remoteRefs--
	return in.maybeDelete()
}

func (in *Inode) maybeDelete() error {
	if in.refs != 0 || in.remoteRefs != 0 {
		return nil
	}
	if in.data.LinksCount != 0 {
		return nil
	}
	return in.delete()
}

// delete truncates the inode's content, zeroes its on-disk record,
// stamps a deletion time, and returns its number to the free-inode
// bitmap.
func (in *Inode) delete() error {
	if err := in.Truncate(0); err != nil {
		return err
	}
	id := in.inodeID
	now := uint32(in.fs.clock.Now().Unix())
	*in.data = rawInode{}
	in.data.DTime = now
	in.flush()
	in.fs.dropInode(id)
	return in.fs.FreeInode(id)
}

// Sync persists this inode's on-disk record; changes to it are in fact
// write-through already (see flush), so this only needs to flush the
// backing block. The file's data and indirect blocks are not written
// here; Filesystem.Sync flushes those.
func (in *Inode) Sync() error {
	return in.dataBlock.Sync()
}

// touch stamps atime/ctime/mtime with the filesystem's clock.
func (in *Inode) touch(atime, ctime, mtime bool) {
	now := uint32(in.fs.clock.Now().Unix())
	if atime {
		in.data.ATime = now
	}
	if ctime {
		in.data.CTime = now
	}
	if mtime {
		in.data.MTime = now
	}
	in.flush()
}
