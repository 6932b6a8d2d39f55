package ext2

import (
	"errors"
	"syscall"

	pkgerrors "github.com/pkg/errors"
)

// Sentinel errors forming the abstract error taxonomy every driver
// operation reports through. Callers (the FUSE frontend, the CLI)
// compare against these with errors.Is rather than inspecting errno
// directly; ToErrno converts at the syscall boundary.
var (
	ErrNoSpace    = errors.New("ext2: no space left on device")
	ErrNoEntry    = errors.New("ext2: no such file or directory")
	ErrExists     = errors.New("ext2: file exists")
	ErrNotDir     = errors.New("ext2: not a directory")
	ErrIsDir      = errors.New("ext2: is a directory")
	ErrNotEmpty   = errors.New("ext2: directory not empty")
	ErrPermission = errors.New("ext2: permission denied")
	ErrReadOnly   = errors.New("ext2: read-only filesystem")
	ErrBadFd      = errors.New("ext2: bad file descriptor")
	ErrInvalid    = errors.New("ext2: invalid argument")
	ErrOverflow   = errors.New("ext2: value too large")
	ErrIO         = errors.New("ext2: input/output error")
	ErrNotSupported = errors.New("ext2: operation not supported")

	// ErrCorrupt indicates the on-disk structure failed a sanity check
	// this driver enforces (signature mismatch, a revision other than
	// 1). Unsupported feature bits are reported as ErrNotSupported
	// instead. Not part of the POSIX-facing taxonomy: it only
	// ever surfaces from Mount/Probe.
	ErrCorrupt = errors.New("ext2: filesystem is corrupt or unsupported")
)

// wrap attaches context to one of the sentinel errors above while
// keeping it matchable by errors.Is.
func wrap(sentinel error, context string) error {
	return pkgerrors.Wrap(sentinel, context)
}

// ToErrno maps a driver error back to the syscall.Errno FUSE expects a
// Respond call to carry. Unrecognized errors map to EIO, the
// conservative default for failures with no more specific errno.
func ToErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNoSpace):
		return syscall.ENOSPC
	case errors.Is(err, ErrNoEntry):
		return syscall.ENOENT
	case errors.Is(err, ErrExists):
		return syscall.EEXIST
	case errors.Is(err, ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, ErrPermission):
		return syscall.EACCES
	case errors.Is(err, ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, ErrBadFd):
		return syscall.EBADF
	case errors.Is(err, ErrInvalid):
		return syscall.EINVAL
	case errors.Is(err, ErrOverflow):
		return syscall.EOVERFLOW
	case errors.Is(err, ErrNotSupported):
		return syscall.ENOSYS
	default:
		return syscall.EIO
	}
}
