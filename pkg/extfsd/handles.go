package extfsd

import (
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/extfsd/extfsd/pkg/ext2"
)

// dirHandle buffers one directory's listing, materialized once at
// OpenDir time and served out of thereafter — a ReadDir call at a
// given Offset always sees a consistent snapshot, matching
// mount_memfs's dirHandle in the jacobsa/fuse sample tree, which takes
// the same approach for the same reason (Readdir has no concept of a
// stable iteration cursor once entries start changing underneath it).
type dirHandle struct {
	entries []fuseutil.Dirent
}

// newDirHandle snapshots in's children as fuseutil.Dirents, "." and
// ".." included the way getdents(2) callers expect.
func newDirHandle(fs *FileSystem, inodeID fuseops.InodeID, ents []ext2.DirEntry) *dirHandle {
	h := &dirHandle{entries: make([]fuseutil.Dirent, 0, len(ents))}
	for i, e := range ents {
		h.entries = append(h.entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fs.toFuseID(e.InodeID),
			Name:   e.Name,
			Type:   direntType(e.FileType),
		})
	}
	return h
}

// ReadDir serves op.Dst starting at op.Offset, writing as many
// directory entries as fit and reporting how many bytes were used.
func (h *dirHandle) ReadDir(op *fuseops.ReadDirOp) error {
	if uint64(op.Offset) > uint64(len(h.entries)) {
		return ext2.ToErrno(ext2.ErrInvalid)
	}
	for _, e := range h.entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

// direntType maps an on-disk ext2 directory-entry file-type byte to
// the DirentType fuseutil.WriteDirent expects.
func direntType(ft uint8) fuseutil.DirentType {
	switch ft {
	case ext2.FileTypeDir:
		return fuseutil.DT_Directory
	case ext2.FileTypeSymlink:
		return fuseutil.DT_Link
	case ext2.FileTypeCharDev, ext2.FileTypeBlkDev, ext2.FileTypeFIFO, ext2.FileTypeSocket:
		// Device-special entries are exposed as plain files rather than
		// with their own dirent types.
		return fuseutil.DT_File
	case ext2.FileTypeRegular:
		return fuseutil.DT_File
	default:
		return fuseutil.DT_Unknown
	}
}

// fileHandle identifies one open()'d regular file or symlink. ext2 has
// no separate "open file description" state beyond the inode itself
// (no cursor, since every op carries an explicit offset), so the
// handle only needs to remember which inode it refers to.
type fileHandle struct {
	inode *ext2.Inode
}
