package extfsd

import (
	"os"

	"github.com/google/uuid"
	isatty "github.com/mattn/go-isatty"
)

func openDevicePath(path string) (*os.File, error) {
	return os.Open(path)
}

// IsATTY reports whether the device backing this mount is itself a
// terminal. No real ext2 image ever is, but the query is cheap and is
// answered honestly rather than hard-coded false.
func (fs *FileSystem) IsATTY() bool {
	f, err := openDevicePath(fs.devicePath)
	if err != nil {
		return false
	}
	defer f.Close()
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// TCGetBlob returns a small family of descriptive strings about the
// mount that have no FUSE equivalent and so are only reachable
// through this local extension, never through the kernel-facing
// fuseutil.FileSystem surface.
func (fs *FileSystem) TCGetBlob(name string) (string, bool) {
	switch name {
	case "", "device-path":
		return fs.devicePath, true
	case "filesystem-type":
		return "ext2", true
	case "filesystem-uuid":
		return uuid.UUID(fs.fs.UUID()).String(), true
	case "mount-path":
		return fs.mountPath, true
	default:
		return "", false
	}
}
