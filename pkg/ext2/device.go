package ext2

import (
	"golang.org/x/sys/unix"
)

// none is the sentinel for "no slot" in the arena's index-based linked
// lists, standing in for a NULL block pointer.
const none = -1

const deviceHashBuckets = 1 << 12

// deviceMaxResident caps how many blocks the arena keeps live before
// allocSlot starts reclaiming the least-recently-used unreferenced
// slot instead of growing Device.slots without bound.
const deviceMaxResident = 4096

// blockSlot is one cached block. Rather than six raw pointer fields
// (prev/next on an MRU list, a hash chain, and a dirty list) this
// arena links slots by index into Device.slots, so the cache lives in
// a single Go slice rather than heap-allocated nodes chased by pointer.
type blockSlot struct {
	id   uint32
	data []byte
	refs int
	dirty bool

	prevMRU, nextMRU     int
	prevHash, nextHash   int
	prevDirty, nextDirty int
}

// Device is the block-addressed backing store: a raw device file or
// disk image opened at a fixed block size, fronted by an MRU/hash/dirty
// cache of blockSlot entries.
type Device struct {
	fd        int
	blockSize uint32
	write     bool

	slots []blockSlot
	free  []int // reclaimed slot indices, reused before growing slots

	mru, lru int
	dirty    int
	hash     []int
}

// OpenDevice opens the file at path as a block device of the given
// block size. write controls whether Sync persists dirty blocks back
// to the file or discards them, mirroring a read-only mount.
func OpenDevice(path string, blockSize uint32, write bool) (*Device, error) {
	flags := unix.O_RDONLY
	if write {
		flags = unix.O_RDWR
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, wrap(ErrIO, err.Error())
	}
	return newDevice(fd, blockSize, write), nil
}

func newDevice(fd int, blockSize uint32, write bool) *Device {
	d := &Device{
		fd:        fd,
		blockSize: blockSize,
		write:     write,
		mru:       none,
		lru:       none,
		dirty:     none,
		hash:      make([]int, deviceHashBuckets),
	}
	for i := range d.hash {
		d.hash[i] = none
	}
	return d
}

// Close flushes dirty blocks and closes the underlying file descriptor.
func (d *Device) Close() error {
	if err := d.Sync(); err != nil {
		return err
	}
	return unix.Close(d.fd)
}

func (d *Device) bucket(id uint32) int {
	return int(id % deviceHashBuckets)
}

// getCached returns the slot index for id if already resident, else none.
func (d *Device) getCached(id uint32) int {
	bin := d.bucket(id)
	for i := d.hash[bin]; i != none; i = d.slots[i].nextHash {
		if d.slots[i].id == id {
			d.slots[i].refs++
			return i
		}
	}
	return none
}

func (d *Device) allocSlot(id uint32) int {
	idx, ok := d.reclaimSlot()
	if !ok {
		d.slots = append(d.slots, blockSlot{})
		idx = len(d.slots) - 1
	}
	d.slots[idx] = blockSlot{
		id:   id,
		data: make([]byte, d.blockSize),
		refs: 1,
	}
	d.linkMRU(idx)
	d.linkHash(idx)
	return idx
}

// reclaimSlot returns a slot index ready to be overwritten, either
// off the free list or, once the arena has grown past
// deviceMaxResident, by evicting the least-recently-used resident
// block with no outstanding references. Returns false when neither
// source has one to offer, telling allocSlot to grow the arena
// instead.
func (d *Device) reclaimSlot() (int, bool) {
	if n := len(d.free); n > 0 {
		idx := d.free[n-1]
		d.free = d.free[:n-1]
		return idx, true
	}
	if len(d.slots) < deviceMaxResident {
		return 0, false
	}
	for idx := d.lru; idx != none; idx = d.slots[idx].prevMRU {
		if d.slots[idx].refs != 0 {
			continue
		}
		if d.slots[idx].dirty {
			if err := d.flushSlot(idx); err != nil {
				// Leave a block that failed to flush cached and dirty
				// rather than lose the write; try the next candidate.
				continue
			}
		}
		d.unlinkMRU(idx)
		d.unlinkHash(idx)
		return idx, true
	}
	return 0, false
}

func (d *Device) linkMRU(idx int) {
	s := &d.slots[idx]
	s.prevMRU = none
	s.nextMRU = d.mru
	if d.mru != none {
		d.slots[d.mru].prevMRU = idx
	}
	d.mru = idx
	if d.lru == none {
		d.lru = idx
	}
}

func (d *Device) linkHash(idx int) {
	bin := d.bucket(d.slots[idx].id)
	s := &d.slots[idx]
	s.prevHash = none
	s.nextHash = d.hash[bin]
	if d.hash[bin] != none {
		d.slots[d.hash[bin]].prevHash = idx
	}
	d.hash[bin] = idx
}

// GetBlock returns the block at id, reading it from the device if not
// already cached.
func (d *Device) GetBlock(id uint32) (*Block, error) {
	if idx := d.getCached(id); idx != none {
		return &Block{dev: d, idx: idx}, nil
	}
	idx := d.allocSlot(id)
	offset := int64(d.blockSize) * int64(id)
	if _, err := unix.Pread(d.fd, d.slots[idx].data, offset); err != nil {
		return nil, wrap(ErrIO, err.Error())
	}
	return &Block{dev: d, idx: idx}, nil
}

// GetBlockZeroed returns the block at id with its contents reset to
// zero and marked dirty, without reading the old contents from disk —
// used when allocating a fresh block.
func (d *Device) GetBlockZeroed(id uint32) (*Block, error) {
	var idx int
	if cached := d.getCached(id); cached != none {
		idx = cached
	} else {
		idx = d.allocSlot(id)
	}
	for i := range d.slots[idx].data {
		d.slots[idx].data[i] = 0
	}
	b := &Block{dev: d, idx: idx}
	b.Dirty()
	return b, nil
}

func (d *Device) unlinkMRU(idx int) {
	s := &d.slots[idx]
	if s.prevMRU != none {
		d.slots[s.prevMRU].nextMRU = s.nextMRU
	} else {
		d.mru = s.nextMRU
	}
	if s.nextMRU != none {
		d.slots[s.nextMRU].prevMRU = s.prevMRU
	} else {
		d.lru = s.prevMRU
	}
}

func (d *Device) unlinkHash(idx int) {
	s := &d.slots[idx]
	bin := d.bucket(s.id)
	if s.prevHash != none {
		d.slots[s.prevHash].nextHash = s.nextHash
	} else {
		d.hash[bin] = s.nextHash
	}
	if s.nextHash != none {
		d.slots[s.nextHash].prevHash = s.prevHash
	}
}

func (d *Device) unlinkDirty(idx int) {
	s := &d.slots[idx]
	if s.prevDirty != none {
		d.slots[s.prevDirty].nextDirty = s.nextDirty
	} else {
		d.dirty = s.nextDirty
	}
	if s.nextDirty != none {
		d.slots[s.nextDirty].prevDirty = s.prevDirty
	}
	s.prevDirty, s.nextDirty = none, none
}

func (d *Device) markDirty(idx int) {
	s := &d.slots[idx]
	if s.dirty {
		return
	}
	s.dirty = true
	s.prevDirty = none
	s.nextDirty = d.dirty
	if d.dirty != none {
		d.slots[d.dirty].prevDirty = idx
	}
	d.dirty = idx
}

// Sync writes every dirty block back to the device in write mode, and
// simply clears the dirty list for a read-only mount, since a
// read-only device never needs its writes persisted.
func (d *Device) Sync() error {
	for d.dirty != none {
		idx := d.dirty
		if err := d.flushSlot(idx); err != nil {
			return err
		}
	}
	return nil
}

// flushSlot writes slot idx back to the device if dirty and unlinks
// it from the dirty list either way; a no-op write for a read-only
// device, which never persists what it marks dirty.
func (d *Device) flushSlot(idx int) error {
	s := &d.slots[idx]
	if !s.dirty {
		return nil
	}
	s.dirty = false
	d.unlinkDirty(idx)
	if !d.write {
		return nil
	}
	offset := int64(d.blockSize) * int64(s.id)
	if _, err := unix.Pwrite(d.fd, s.data, offset); err != nil {
		return wrap(ErrIO, err.Error())
	}
	return nil
}

func (d *Device) unref(idx int) {
	d.slots[idx].refs--
	// A slot with refs==0 only becomes eligible for reclaiming once
	// the arena exceeds deviceMaxResident; see reclaimSlot.
}

func (d *Device) refer(idx int) {
	d.slots[idx].refs++
}

// Block is a handle to one cached, block-sized buffer.
type Block struct {
	dev *Device
	idx int
}

// Data returns the block's backing buffer. Mutations must be followed
// by a call to Dirty for them to be persisted.
func (b *Block) Data() []byte { return b.dev.slots[b.idx].data }

// Refer increments the block's reference count and returns itself, so
// callers can chain it directly off GetBlock.
func (b *Block) Refer() *Block {
	b.dev.refer(b.idx)
	return b
}

// Unref decrements the block's reference count.
func (b *Block) Unref() { b.dev.unref(b.idx) }

// Dirty marks the block as needing to be written back on Sync.
func (b *Block) Dirty() { b.dev.markDirty(b.idx) }

// Sync writes this one block back immediately if dirty.
func (b *Block) Sync() error {
	return b.dev.flushSlot(b.idx)
}
