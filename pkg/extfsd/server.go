// Package extfsd wraps pkg/ext2's driver core behind jacobsa/fuse's
// fuseutil.FileSystem interface, the way gcsfuse's fs package wraps a
// GCS-backed inode graph behind the same interface: every method takes
// the op's context and a *fuseops.XOp, mutates the op's output fields,
// and returns an error that the fuse.Server wrapper turns into the
// syscall.Errno a kernel caller sees.
package extfsd

import (
	"context"
	"os"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"

	"github.com/extfsd/extfsd/pkg/elog"
	"github.com/extfsd/extfsd/pkg/ext2"
)

// Flags passed to ext2.Inode.Open; named locally so call sites read as
// intent ("look this name up read-only") rather than raw unix bits.
const (
	openFlagRDONLY = unix.O_RDONLY
	openFlagCREAT  = unix.O_CREAT
	openFlagEXCL   = unix.O_EXCL
)

// attributeTTL bounds how long the kernel trusts a ChildInodeEntry or
// GetInodeAttributes response before re-asking; ext2 has no change
// notification of its own, so a short TTL is used rather than the
// zero gcsfuse uses for its (externally mutable) GCS objects.
const attributeTTL = time.Second

// FileSystem implements fuseutil.FileSystem over a mounted
// ext2.Filesystem. It is the only place inode IDs cross between the
// FUSE kernel's numbering (which reserves 1 for the root) and ext2's
// own (which reserves 2 for the root and 1 for the long-unused
// bad-blocks inode): toFuseID maps ext2.RootInode to
// fuseops.RootInodeID and toExt2ID maps it back; every other id passes
// through unchanged.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	fs  *ext2.Filesystem
	log elog.View

	devicePath string
	mountPath  string

	uidRemap map[uint32]uint32
	gidRemap map[uint32]uint32

	nextHandle fuseops.HandleID
	dirHandles map[fuseops.HandleID]*dirHandle
	fileHandles map[fuseops.HandleID]*fileHandle
}

var _ fuseutil.FileSystem = &FileSystem{}

// New builds a FileSystem serving fs, mounted from devicePath onto
// mountPath. remap may be nil; entries in it override an inode's
// on-disk uid/gid when reporting attributes, implementing the
// configurable ownership remap. devicePath/mountPath are reported back
// through TCGetBlob, the local diagnostics extension (FUSE itself has
// no equivalent op).
func New(fs *ext2.Filesystem, log elog.View, devicePath, mountPath string, uidRemap, gidRemap map[uint32]uint32) *FileSystem {
	return &FileSystem{
		fs:          fs,
		log:         log,
		devicePath:  devicePath,
		mountPath:   mountPath,
		uidRemap:    uidRemap,
		gidRemap:    gidRemap,
		dirHandles:  make(map[fuseops.HandleID]*dirHandle),
		fileHandles: make(map[fuseops.HandleID]*fileHandle),
	}
}

func (fs *FileSystem) toExt2ID(id fuseops.InodeID) uint32 {
	if id == fuseops.RootInodeID {
		return ext2.RootInode
	}
	return uint32(id)
}

func (fs *FileSystem) toFuseID(id uint32) fuseops.InodeID {
	if id == ext2.RootInode {
		return fuseops.RootInodeID
	}
	return fuseops.InodeID(id)
}

// attributes translates an ext2.Inode's fields into the FUSE
// attribute struct, applying the configured uid/gid remap.
func (fs *FileSystem) attributes(in *ext2.Inode) fuseops.InodeAttributes {
	uid := in.UID()
	if mapped, ok := fs.uidRemap[uid]; ok {
		uid = mapped
	}
	gid := in.GID()
	if mapped, ok := fs.gidRemap[gid]; ok {
		gid = mapped
	}
	return fuseops.InodeAttributes{
		Size:   in.Size(),
		Nlink:  uint64(in.Links()),
		Mode:   modeToFileMode(in.Mode()),
		Atime:  in.Atime(),
		Mtime:  in.Mtime(),
		Ctime:  in.Ctime(),
		Uid:    uid,
		Gid:    gid,
	}
}

// modeToFileMode converts an ext2 on-disk mode word into the
// os.FileMode fuseops.InodeAttributes carries; the type nibble and the
// permission bits both need translating, since only the low 9 bits
// overlap in meaning between the two representations.
func modeToFileMode(mode uint16) os.FileMode {
	perm := os.FileMode(mode & ext2.ModePermMask)
	switch mode & ext2.ModeTypeMask {
	case ext2.ModeDir:
		return perm | os.ModeDir
	case ext2.ModeSymlink:
		return perm | os.ModeSymlink
	case ext2.ModeCharDev:
		return perm | os.ModeCharDevice | os.ModeDevice
	case ext2.ModeBlockDev:
		return perm | os.ModeDevice
	case ext2.ModeFIFO:
		return perm | os.ModeNamedPipe
	case ext2.ModeSocket:
		return perm | os.ModeSocket
	default:
		return perm
	}
}

// fileModeToExt2 converts the type+permission bits CreateFile/MkDir
// receive back into the ext2 type/permission encoding Open/Mkdir
// expect (they OR a type constant onto this themselves); only the
// permission bits matter here; the type is implied by the call.
func fileModeToExt2(mode os.FileMode) uint16 {
	return uint16(mode.Perm())
}

func (fs *FileSystem) allocHandle() fuseops.HandleID {
	fs.nextHandle++
	return fs.nextHandle
}

////////////////////////////////////////////////////////////////////
// Inodes
////////////////////////////////////////////////////////////////////

func (fs *FileSystem) Init(ctx context.Context, op *fuseops.InitOp) error {
	return nil
}

func (fs *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	s := fs.fs.Statvfs()
	op.BlockSize = s.BlockSize
	op.Blocks = s.Blocks
	op.BlocksFree = s.BlocksFree
	op.BlocksAvailable = s.BlocksAvail
	op.Inodes = s.Files
	op.InodesFree = s.FilesFree
	op.IoSize = s.BlockSize
	return nil
}

func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	parent, err := fs.fs.GetInode(fs.toExt2ID(op.Parent))
	if err != nil {
		return ext2.ToErrno(err)
	}
	defer parent.Unref()

	child, err := parent.Open(op.Name, openFlagRDONLY, 0)
	if err != nil {
		return ext2.ToErrno(err)
	}
	defer child.Unref()
	child.RemoteRefer()

	op.Entry.Child = fs.toFuseID(child.ID())
	op.Entry.Attributes = fs.attributes(child)
	op.Entry.AttributesExpiration = time.Now().Add(attributeTTL)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	in, err := fs.fs.GetInode(fs.toExt2ID(op.Inode))
	if err != nil {
		return ext2.ToErrno(err)
	}
	defer in.Unref()

	op.Attributes = fs.attributes(in)
	op.AttributesExpiration = time.Now().Add(attributeTTL)
	return nil
}

func (fs *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	in, err := fs.fs.GetInode(fs.toExt2ID(op.Inode))
	if err != nil {
		return ext2.ToErrno(err)
	}
	defer in.Unref()

	if op.Mode != nil {
		in.SetMode((in.Mode() &^ ext2.ModePermMask) | uint16(op.Mode.Perm()))
	}
	if op.Size != nil {
		if err := in.Truncate(*op.Size); err != nil {
			return ext2.ToErrno(err)
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		in.SetTimes(op.Atime, op.Mtime)
	}

	op.Attributes = fs.attributes(in)
	op.AttributesExpiration = time.Now().Add(attributeTTL)
	return nil
}

func (fs *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	in, err := fs.fs.GetInode(fs.toExt2ID(op.Inode))
	if err != nil {
		// Already gone: nothing left to forget.
		return nil
	}
	// Release the local reference GetInode just took before touching the
	// remote count: the last RemoteUnref below may drop the inode to
	// zero references altogether and delete it, and Unref-ing an
	// already-deleted Inode would double-free its bitmap bit.
	in.Unref()

	for i := uint64(0); i < op.N; i++ {
		if err := in.RemoteUnref(); err != nil {
			return ext2.ToErrno(err)
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////
// Inode creation
////////////////////////////////////////////////////////////////////

func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	parent, err := fs.fs.GetInode(fs.toExt2ID(op.Parent))
	if err != nil {
		return ext2.ToErrno(err)
	}
	defer parent.Unref()

	child, err := parent.Mkdir(op.Name, fileModeToExt2(op.Mode))
	if err != nil {
		return ext2.ToErrno(err)
	}
	defer child.Unref()
	child.RemoteRefer()

	op.Entry.Child = fs.toFuseID(child.ID())
	op.Entry.Attributes = fs.attributes(child)
	op.Entry.AttributesExpiration = time.Now().Add(attributeTTL)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	parent, err := fs.fs.GetInode(fs.toExt2ID(op.Parent))
	if err != nil {
		return ext2.ToErrno(err)
	}
	defer parent.Unref()

	child, err := parent.Open(op.Name, openFlagCREAT|openFlagEXCL, fileModeToExt2(op.Mode))
	if err != nil {
		return ext2.ToErrno(err)
	}
	defer child.Unref()
	child.RemoteRefer()

	handle := fs.allocHandle()
	fs.fileHandles[handle] = &fileHandle{inode: child}
	child.Refer()

	op.Handle = handle
	op.Entry.Child = fs.toFuseID(child.ID())
	op.Entry.Attributes = fs.attributes(child)
	op.Entry.AttributesExpiration = time.Now().Add(attributeTTL)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

func (fs *FileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	parent, err := fs.fs.GetInode(fs.toExt2ID(op.Parent))
	if err != nil {
		return ext2.ToErrno(err)
	}
	defer parent.Unref()

	child, err := parent.Symlink(op.Name, op.Target)
	if err != nil {
		return ext2.ToErrno(err)
	}
	defer child.Unref()
	child.RemoteRefer()

	op.Entry.Child = fs.toFuseID(child.ID())
	op.Entry.Attributes = fs.attributes(child)
	op.Entry.AttributesExpiration = time.Now().Add(attributeTTL)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

func (fs *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	newParent, err := fs.fs.GetInode(fs.toExt2ID(op.NewParent))
	if err != nil {
		return ext2.ToErrno(err)
	}
	defer newParent.Unref()

	oldParent, err := fs.fs.GetInode(fs.toExt2ID(op.OldParent))
	if err != nil {
		return ext2.ToErrno(err)
	}
	defer oldParent.Unref()

	if err := newParent.Rename(oldParent, op.OldName, op.NewName); err != nil {
		return ext2.ToErrno(err)
	}
	return nil
}

////////////////////////////////////////////////////////////////////
// Unlinking
////////////////////////////////////////////////////////////////////

func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	parent, err := fs.fs.GetInode(fs.toExt2ID(op.Parent))
	if err != nil {
		return ext2.ToErrno(err)
	}
	defer parent.Unref()

	if err := parent.Rmdir(op.Name); err != nil {
		return ext2.ToErrno(err)
	}
	return nil
}

func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	parent, err := fs.fs.GetInode(fs.toExt2ID(op.Parent))
	if err != nil {
		return ext2.ToErrno(err)
	}
	defer parent.Unref()

	child, err := parent.Unlink(op.Name, false, false)
	if err != nil {
		return ext2.ToErrno(err)
	}
	defer child.Unref()
	return nil
}

////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////

func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	in, err := fs.fs.GetInode(fs.toExt2ID(op.Inode))
	if err != nil {
		return ext2.ToErrno(err)
	}
	defer in.Unref()

	ents, err := in.Readdir()
	if err != nil {
		return ext2.ToErrno(err)
	}

	handle := fs.allocHandle()
	fs.dirHandles[handle] = newDirHandle(fs, op.Inode, ents)
	op.Handle = handle
	return nil
}

func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	h, ok := fs.dirHandles[op.Handle]
	if !ok {
		return ext2.ToErrno(ext2.ErrBadFd)
	}
	return h.ReadDir(op)
}

func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	delete(fs.dirHandles, op.Handle)
	return nil
}

////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////

func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	in, err := fs.fs.GetInode(fs.toExt2ID(op.Inode))
	if err != nil {
		return ext2.ToErrno(err)
	}
	in.Refer()

	handle := fs.allocHandle()
	fs.fileHandles[handle] = &fileHandle{inode: in}
	op.Handle = handle

	in.Unref()
	return nil
}

func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	h, ok := fs.fileHandles[op.Handle]
	if !ok {
		return ext2.ToErrno(ext2.ErrBadFd)
	}

	n, err := h.inode.ReadAt(op.Dst, uint64(op.Offset))
	op.BytesRead = n
	if err != nil {
		return ext2.ToErrno(err)
	}
	return nil
}

func (fs *FileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	in, err := fs.fs.GetInode(fs.toExt2ID(op.Inode))
	if err != nil {
		return ext2.ToErrno(err)
	}
	defer in.Unref()

	target, err := in.Readlink()
	if err != nil {
		return ext2.ToErrno(err)
	}
	op.Target = target
	return nil
}

func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	h, ok := fs.fileHandles[op.Handle]
	if !ok {
		return ext2.ToErrno(ext2.ErrBadFd)
	}

	if _, err := h.inode.WriteAt(op.Data, uint64(op.Offset)); err != nil {
		return ext2.ToErrno(err)
	}
	return nil
}

func (fs *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	h, ok := fs.fileHandles[op.Handle]
	if !ok {
		return ext2.ToErrno(ext2.ErrBadFd)
	}
	if err := h.inode.Sync(); err != nil {
		return ext2.ToErrno(err)
	}
	return nil
}

func (fs *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	h, ok := fs.fileHandles[op.Handle]
	if !ok {
		// dup2(2)-style closes may flush a handle twice; not an error.
		return nil
	}
	if err := h.inode.Sync(); err != nil {
		return ext2.ToErrno(err)
	}
	return nil
}

func (fs *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.fs.Lock()
	defer fs.fs.Unlock()

	h, ok := fs.fileHandles[op.Handle]
	if !ok {
		return nil
	}
	delete(fs.fileHandles, op.Handle)
	return h.inode.Unref()
}
