package ext2

import (
	"time"

	"github.com/boljen/go-bitmap"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"
)

// Filesystem is a mounted ext2 image: the decoded superblock, the
// block-group vector, and the live inode cache, all serialized behind
// a single InvariantMutex the way gcsfuse guards its whole inode graph
// with one lock per mount rather than fine-grained per-structure locks
// — appropriate here too, since every FUSE callback runs to completion
// holding the lock rather than interleaving with others.
type Filesystem struct {
	mu syncutil.InvariantMutex

	device *Device
	clock  Clock

	sbBlock      *Block
	sb           *rawSuperblock
	sbDirty      bool
	sbByteOffset int // offset of the superblock within sbBlock's data

	blockSize  uint32
	inodeSize  uint32
	numBlocks  uint32
	numGroups  uint32
	numInodes  uint32

	groups []*blockGroup

	inodes map[uint32]*Inode

	readOnly bool

	mountTimeReal time.Time
}

// realClock is the default Clock, used outside of tests.
type realClock struct{ tu timeutil.Clock }

func (r realClock) Now() time.Time { return r.tu.Now() }

// NewRealClock returns the production Clock, backed by
// jacobsa/timeutil so tests elsewhere in this module can swap in a
// timeutil.SimulateClock instead.
func NewRealClock() Clock {
	return realClock{tu: timeutil.RealClock()}
}

// Mount opens path as an ext2 device and validates its superblock.
// write selects a read-write mount; Probe-only validation without an
// open Filesystem is available via Probe. downgraded reports true when
// write was requested but the superblock carries an unrecognized
// ro_compat feature bit: the driver mounts
// read-only with a warning instead of refusing outright. An unknown
// incompat bit is never downgradable and always fails the mount.
func Mount(path string, write bool, clock Clock) (*Filesystem, bool, error) {
	downgraded := false
	if write {
		peek, err := peekSuperblock(path)
		if err != nil {
			return nil, false, err
		}
		if hasUnsupportedROCompat(decodeSuperblock(peek)) {
			write = false
			downgraded = true
		}
	}

	fd, err := unix.Open(path, openFlags(write), 0)
	if err != nil {
		return nil, downgraded, wrap(ErrIO, err.Error())
	}

	raw := make([]byte, 1024)
	if _, err := unix.Pread(fd, raw, SuperblockOffset); err != nil {
		unix.Close(fd)
		return nil, downgraded, wrap(ErrIO, err.Error())
	}
	sb := decodeSuperblock(raw)
	if err := validateSuperblock(sb, write); err != nil {
		unix.Close(fd)
		return nil, downgraded, err
	}

	blockSize := uint32(1024) << sb.LogBlockSize
	device := newDevice(fd, blockSize, write)

	sbBlockID := SuperblockOffset / blockSize
	sbByteOffset := SuperblockOffset % blockSize
	sbBlock, err := device.GetBlock(sbBlockID)
	if err != nil {
		return nil, downgraded, err
	}
	// Re-decode from the cache-owned buffer; edits to fs.sb (free
	// counters, state, times) are encoded back into that same buffer by
	// flushSuperblock when Sync runs.
	sb = decodeSuperblock(sbBlock.Data()[sbByteOffset:])

	inodeSize := uint32(inodeSize)
	if sb.RevLevel >= revisionDynamic && sb.InodeSize != 0 {
		inodeSize = uint32(sb.InodeSize)
	}

	numGroups := divup(uint64(sb.BlocksCount), uint64(sb.BlocksPerGroup))

	fs := &Filesystem{
		device:       device,
		clock:        clock,
		sbBlock:      sbBlock,
		sb:           sb,
		sbByteOffset: sbByteOffset,
		blockSize:    blockSize,
		inodeSize:    inodeSize,
		numBlocks:    sb.BlocksCount,
		numGroups:    uint32(numGroups),
		numInodes:    sb.InodesCount,
		groups:       make([]*blockGroup, numGroups),
		inodes:       make(map[uint32]*Inode),
		readOnly:     !write,
	}
	fs.mu = syncutil.NewInvariantMutex(0, fs.checkInvariants)

	if clock == nil {
		fs.clock = NewRealClock()
	}

	if write {
		now := fs.clock.Now()
		fs.mountTimeReal = now
		sb.MTime = uint32(now.Unix())
		sb.MountCount++
		sb.State = stateError
		fs.markDirty()
		if err := fs.Sync(); err != nil {
			return nil, downgraded, err
		}
	}

	return fs, downgraded, nil
}

func openFlags(write bool) int {
	if write {
		return unix.O_RDWR
	}
	return unix.O_RDONLY
}

// validateSuperblock rejects images this driver cannot safely serve:
// bad magic, an unsupported incompat feature bit (ext3 journaling,
// the directory-hash index, meta_bg — all explicit non-goals), or
// (for a write mount) an unsupported ro_compat bit.
func validateSuperblock(sb *rawSuperblock, write bool) error {
	if sb.Magic != Signature {
		return wrap(ErrCorrupt, "bad superblock magic")
	}
	if sb.RevLevel < revisionDynamic {
		return wrap(ErrCorrupt, "revision-0 superblocks are not supported")
	}
	if sb.RevLevel > revisionDynamic {
		return wrap(ErrCorrupt, "unsupported superblock revision")
	}
	if sb.RevLevel == revisionDynamic {
		if sb.FeatureIncompat&^uint32(supportedIncompat) != 0 {
			return wrap(ErrNotSupported, "unsupported incompat feature bits")
		}
		if write && sb.FeatureROCompat&^uint32(supportedROCompat) != 0 {
			return wrap(ErrNotSupported, "unsupported ro_compat feature bits for a write mount")
		}
	}
	return nil
}

// hasUnsupportedROCompat reports whether sb carries a ro_compat
// feature bit this driver doesn't recognize, the condition that makes
// Mount downgrade a requested write mount to read-only rather than
// refuse it.
func hasUnsupportedROCompat(sb *rawSuperblock) bool {
	return sb.RevLevel == revisionDynamic && sb.FeatureROCompat&^uint32(supportedROCompat) != 0
}

// peekSuperblock reads the 1024-byte superblock region without
// disturbing any existing mount of path, used to decide up front
// whether a requested write mount must be downgraded.
func peekSuperblock(path string) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, wrap(ErrIO, err.Error())
	}
	defer unix.Close(fd)

	raw := make([]byte, 1024)
	if _, err := unix.Pread(fd, raw, SuperblockOffset); err != nil {
		return nil, wrap(ErrIO, err.Error())
	}
	return raw, nil
}

// markDirty flags the superblock as needing to be written back on Sync.
func (fs *Filesystem) markDirty() { fs.sbDirty = true }

func (fs *Filesystem) flushSuperblock() {
	encodeSuperblock(fs.sbBlock.Data()[fs.sbByteOffset:], fs.sb)
	fs.sbBlock.Dirty()
}

// Sync flushes every dirty inode, block group, and the superblock
// itself, then flushes the device's dirty-block list, in that order.
func (fs *Filesystem) Sync() error {
	for _, inode := range fs.inodes {
		if err := inode.Sync(); err != nil {
			return err
		}
	}
	for _, g := range fs.groups {
		if g == nil {
			continue
		}
		if err := g.Sync(); err != nil {
			return err
		}
	}
	if fs.sbDirty {
		now := fs.clock.Now()
		fs.sb.WTime = uint32(now.Unix())
		fs.sb.MTime = uint32(fs.mountTimeReal.Unix())
		fs.flushSuperblock()
		fs.sbDirty = false
	}
	return fs.device.Sync()
}

// Unmount marks the filesystem clean, syncs, and closes the device.
// Read-only mounts never stamp a dirty state bit to begin with, so
// Unmount for them just syncs (a no-op) and closes.
func (fs *Filesystem) Unmount() error {
	if !fs.readOnly {
		fs.sb.State = stateValid
		fs.markDirty()
	}
	if err := fs.Sync(); err != nil {
		return err
	}
	fs.sbBlock.Unref()
	return fs.device.Close()
}

// GetBlockGroup returns the (cached) block group descriptor for groupID.
func (fs *Filesystem) GetBlockGroup(groupID uint32) (*blockGroup, error) {
	if groupID >= fs.numGroups {
		return nil, wrap(ErrInvalid, "block group out of range")
	}
	if g := fs.groups[groupID]; g != nil {
		return g, nil
	}

	firstBlockID := fs.sb.FirstDataBlock + fs.sb.BlocksPerGroup*groupID
	firstInodeID := 1 + fs.sb.InodesPerGroup*groupID
	numBlocks := fs.sb.BlocksPerGroup
	numInodes := fs.sb.InodesPerGroup
	if groupID+1 == fs.numGroups {
		// The last group may be short: blocks are counted from
		// firstBlockID (already 0-based relative to the addressable
		// range), but inode numbers are 1-based, so the inode count
		// needs firstInodeID-1 subtracted rather than firstInodeID.
		numBlocks = fs.numBlocks - firstBlockID
		numInodes = fs.numInodes - (firstInodeID - 1)
	}
	numChunkBits := fs.blockSize * 8

	descBlockID := fs.sb.FirstDataBlock + 1 + (groupID*blockGroupDescSize)/fs.blockSize
	descOffset := (groupID * blockGroupDescSize) % fs.blockSize
	descBlock, err := fs.device.GetBlock(descBlockID)
	if err != nil {
		return nil, err
	}

	g := &blockGroup{
		fs:                   fs,
		groupID:              groupID,
		descBlock:            descBlock,
		desc:                 decodeBlockGroupDesc(descBlock.Data()[descOffset:]),
		descOffset:           descOffset,
		numBlocks:            numBlocks,
		numInodes:            numInodes,
		firstBlockID:         firstBlockID,
		firstInodeID:         firstInodeID,
		numBlockBitmapBlocks: uint32(divup(uint64(numBlocks), uint64(numChunkBits))),
		numInodeBitmapBlocks: uint32(divup(uint64(numInodes), uint64(numChunkBits))),
	}
	fs.groups[groupID] = g
	return g, nil
}

// GetInode returns the cached Inode for id, loading it from disk on
// first reference. The same id always returns the same live Inode
// while any reference to it survives; a plain map serves that cache
// rather than a fixed-size hash table with an intrusive list, since
// Go's GC makes manual list bookkeeping unnecessary.
func (fs *Filesystem) GetInode(id uint32) (*Inode, error) {
	if id == 0 || id > fs.numInodes {
		return nil, wrap(ErrInvalid, "inode id out of range")
	}
	if in, ok := fs.inodes[id]; ok {
		in.refs++
		return in, nil
	}

	groupID := (id - 1) / fs.sb.InodesPerGroup
	tableIndex := (id - 1) % fs.sb.InodesPerGroup
	group, err := fs.GetBlockGroup(groupID)
	if err != nil {
		return nil, err
	}

	blockID := group.desc.InodeTable + (tableIndex*fs.inodeSize)/fs.blockSize
	offset := (tableIndex * fs.inodeSize) % fs.blockSize
	block, err := fs.device.GetBlock(blockID)
	if err != nil {
		return nil, err
	}

	in := &Inode{
		fs:         fs,
		inodeID:    id,
		dataBlock:  block,
		dataOffset: int(offset),
		data:       decodeInode(block.Data()[offset:]),
		refs:       1,
	}
	fs.inodes[id] = in
	return in, nil
}

// dropInode removes id from the live cache. Called once an Inode's
// local and remote reference counts both reach zero.
func (fs *Filesystem) dropInode(id uint32) {
	delete(fs.inodes, id)
}

// AllocateBlock claims a free block, consulting preferred first if given.
func (fs *Filesystem) AllocateBlock(preferred *blockGroup) (uint32, error) {
	if fs.sb.FreeBlocksCount == 0 {
		return 0, ErrNoSpace
	}
	if preferred != nil {
		if id, err := preferred.AllocateBlock(); err == nil {
			return id, nil
		} else if err != ErrNoSpace {
			return 0, err
		}
	}
	for groupID := uint32(0); groupID < fs.numGroups; groupID++ {
		g, err := fs.GetBlockGroup(groupID)
		if err != nil {
			return 0, err
		}
		id, err := g.AllocateBlock()
		if err == nil {
			return id, nil
		}
		if err != ErrNoSpace {
			return 0, err
		}
	}
	return 0, ErrNoSpace
}

// AllocateInode claims a free inode, consulting preferred first if given.
func (fs *Filesystem) AllocateInode(preferred *blockGroup) (uint32, error) {
	if fs.sb.FreeInodesCount == 0 {
		return 0, ErrNoSpace
	}
	if preferred != nil {
		if id, err := preferred.AllocateInode(); err == nil {
			return id, nil
		} else if err != ErrNoSpace {
			return 0, err
		}
	}
	for groupID := uint32(0); groupID < fs.numGroups; groupID++ {
		g, err := fs.GetBlockGroup(groupID)
		if err != nil {
			return 0, err
		}
		id, err := g.AllocateInode()
		if err == nil {
			return id, nil
		}
		if err != ErrNoSpace {
			return 0, err
		}
	}
	return 0, ErrNoSpace
}

// FreeBlock releases blockID back to its owning group.
func (fs *Filesystem) FreeBlock(blockID uint32) error {
	if blockID >= fs.numBlocks {
		return wrap(ErrInvalid, "block id out of range")
	}
	groupID := (blockID - fs.sb.FirstDataBlock) / fs.sb.BlocksPerGroup
	g, err := fs.GetBlockGroup(groupID)
	if err != nil {
		return err
	}
	return g.FreeBlock(blockID)
}

// FreeInode releases inodeID back to its owning group.
func (fs *Filesystem) FreeInode(inodeID uint32) error {
	if inodeID == 0 || inodeID > fs.numInodes {
		return wrap(ErrInvalid, "inode id out of range")
	}
	groupID := (inodeID - 1) / fs.sb.InodesPerGroup
	g, err := fs.GetBlockGroup(groupID)
	if err != nil {
		return err
	}
	return g.FreeInode(inodeID)
}

// Lock/Unlock expose the InvariantMutex to the FUSE frontend, which
// must hold it for the duration of every operation: the whole inode
// graph is guarded by this one lock rather than per-structure ones.
func (fs *Filesystem) Lock()   { fs.mu.Lock() }
func (fs *Filesystem) Unlock() { fs.mu.Unlock() }

// ReadOnly reports whether this mount was opened read-only, either
// because the caller requested it or because Mount downgraded a
// write request after seeing an unrecognized ro_compat feature bit.
func (fs *Filesystem) ReadOnly() bool { return fs.readOnly }

// UUID returns the superblock's 128-bit volume identifier, used by
// the CLI's --test-uuid check.
func (fs *Filesystem) UUID() [16]byte { return fs.sb.UUID }

// BlockSize returns the mounted filesystem's block size in bytes.
func (fs *Filesystem) BlockSize() uint32 { return fs.blockSize }

// checkInvariants enforces spec.md §8's free-count invariants: the
// superblock's free counters never exceed the filesystem's totals,
// each loaded group's free counters never exceed that group's size,
// a group's resident bitmap (when one happens to be cached) agrees
// with its descriptor's free count, and — once every group has been
// touched at least once — the groups' free counts sum to the
// superblock's. Panics on violation, per syncutil.InvariantMutex's
// contract.
func (fs *Filesystem) checkInvariants() {
	if fs.sb.FreeBlocksCount > fs.numBlocks {
		panic("ext2: free blocks count exceeds total blocks")
	}
	if fs.sb.FreeInodesCount > fs.numInodes {
		panic("ext2: free inodes count exceeds total inodes")
	}

	var sumFreeBlocks, sumFreeInodes uint32
	allLoaded := true
	for _, g := range fs.groups {
		if g == nil {
			allLoaded = false
			continue
		}
		if uint32(g.desc.FreeBlocksCount) > g.numBlocks {
			panic("ext2: block group free blocks count exceeds group size")
		}
		if uint32(g.desc.FreeInodesCount) > g.numInodes {
			panic("ext2: block group free inodes count exceeds group size")
		}
		if g.blockBitmap != nil {
			if free := countFreeBits(g.blockBitmap.Data(), g.numBlocks); free != uint32(g.desc.FreeBlocksCount) {
				panic("ext2: block bitmap population disagrees with group free blocks count")
			}
		}
		if g.inodeBitmap != nil {
			if free := countFreeBits(g.inodeBitmap.Data(), g.numInodes); free != uint32(g.desc.FreeInodesCount) {
				panic("ext2: inode bitmap population disagrees with group free inodes count")
			}
		}
		sumFreeBlocks += uint32(g.desc.FreeBlocksCount)
		sumFreeInodes += uint32(g.desc.FreeInodesCount)
	}
	if allLoaded {
		if sumFreeBlocks != fs.sb.FreeBlocksCount {
			panic("ext2: sum of group free blocks disagrees with superblock free blocks count")
		}
		if sumFreeInodes != fs.sb.FreeInodesCount {
			panic("ext2: sum of group free inodes disagrees with superblock free inodes count")
		}
	}
}

// countFreeBits returns how many of the first n bits of a bitmap
// block are clear, the same quantity a block group descriptor's
// FreeBlocksCount/FreeInodesCount field is supposed to track.
func countFreeBits(data []byte, n uint32) uint32 {
	bm := bitmap.Bitmap(data)
	var free uint32
	for i := uint32(0); i < n; i++ {
		if !bm.Get(int(i)) {
			free++
		}
	}
	return free
}
