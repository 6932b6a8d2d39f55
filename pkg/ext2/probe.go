package ext2

import (
	"golang.org/x/sys/unix"
)

// Summary reports the superblock facts a probe or pre-mount check
// cares about, without requiring a full read-write Mount.
type Summary struct {
	BlockSize       uint32
	TotalBlocks     uint32
	FreeBlocks      uint32
	TotalInodes     uint32
	FreeInodes      uint32
	BlocksPerGroup  uint32
	InodesPerGroup  uint32
	BlockGroupCount uint32
	VolumeName      string
	LastMountedAt   string
	State           uint16
	Revision        uint32
	ReadWriteSafe   bool
}

// Probe opens path, reads and validates the superblock, and returns a
// Summary without mounting a Filesystem — used by a "probe" CLI mode
// to inspect an image quickly, and by callers that want to validate an
// image before committing to a full Mount.
func Probe(path string) (*Summary, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, wrap(ErrIO, err.Error())
	}
	defer unix.Close(fd)

	raw := make([]byte, 1024)
	if _, err := unix.Pread(fd, raw, SuperblockOffset); err != nil {
		return nil, wrap(ErrIO, err.Error())
	}
	sb := decodeSuperblock(raw)
	if err := validateSuperblock(sb, false); err != nil {
		return nil, err
	}

	numGroups := divup(uint64(sb.BlocksCount), uint64(sb.BlocksPerGroup))

	name := nullTerminatedString(sb.VolumeName[:])
	lastMounted := nullTerminatedString(sb.LastMounted[:])

	return &Summary{
		BlockSize:       uint32(1024) << sb.LogBlockSize,
		TotalBlocks:     sb.BlocksCount,
		FreeBlocks:      sb.FreeBlocksCount,
		TotalInodes:     sb.InodesCount,
		FreeInodes:      sb.FreeInodesCount,
		BlocksPerGroup:  sb.BlocksPerGroup,
		InodesPerGroup:  sb.InodesPerGroup,
		BlockGroupCount: uint32(numGroups),
		VolumeName:      name,
		LastMountedAt:   lastMounted,
		State:           sb.State,
		Revision:        sb.RevLevel,
		ReadWriteSafe:   validateSuperblock(sb, true) == nil,
	}, nil
}

func nullTerminatedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Statvfs reports the POSIX statvfs(2) fields the FUSE frontend needs
// to answer StatFS requests, computed from the live mount rather than
// a fresh read of the superblock.
type Statvfs struct {
	BlockSize   uint32
	Blocks      uint64
	BlocksFree  uint64
	BlocksAvail uint64
	Files       uint64
	FilesFree   uint64
	NameMax     uint32
}

// Statvfs reports filesystem-wide occupancy, consulting the live
// superblock rather than re-reading the device.
func (fs *Filesystem) Statvfs() Statvfs {
	avail := uint64(0)
	if fs.sb.FreeBlocksCount > fs.sb.ReservedBlocks {
		avail = uint64(fs.sb.FreeBlocksCount - fs.sb.ReservedBlocks)
	}
	return Statvfs{
		BlockSize:   fs.blockSize,
		Blocks:      uint64(fs.sb.BlocksCount),
		BlocksFree:  uint64(fs.sb.FreeBlocksCount),
		BlocksAvail: avail,
		Files:       uint64(fs.sb.InodesCount),
		FilesFree:   uint64(fs.sb.FreeInodesCount),
		NameMax:     255,
	}
}
