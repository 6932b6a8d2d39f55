package ext2

import (
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// fixedClock is a deterministic Clock for tests, avoiding a dependency
// on wall-clock time for timestamp assertions.
type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

const (
	testBlockSize      = 1024
	testInodesPerGroup  = 128
	testBlocksPerGroup  = 256
	testBlocksCount     = 256
	testFirstDataBlock  = 1
	testDescBlockID     = 2
	testBlockBitmapID   = 3
	testInodeBitmapID   = 4
	testInodeTableStart = 5
	testInodeTableSize  = (testInodesPerGroup * inodeSize) / testBlockSize // 16 blocks
	testRootDataBlockID = testInodeTableStart + testInodeTableSize        // 21
)

// buildTestImage writes a minimal, single-block-group revision-1 ext2
// image to a temp file and returns its path. Metadata occupies blocks
// 1 through testRootDataBlockID; everything past that is free.
func buildTestImage(t *testing.T) string {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "ext2img")
	if err != nil {
		t.Fatalf("creating temp image: %v", err)
	}
	path := f.Name()
	if err := f.Truncate(testBlocksCount * testBlockSize); err != nil {
		t.Fatalf("truncating temp image: %v", err)
	}

	usedBlocks := testRootDataBlockID + 1 // blocks 1..testRootDataBlockID inclusive
	groupNumBlocks := testBlocksCount - testFirstDataBlock
	freeBlocks := groupNumBlocks - (usedBlocks - testFirstDataBlock)

	usedInodes := 10 // reserve inodes 1..10, matching EXT2_GOOD_OLD_FIRST_INO
	freeInodes := testInodesPerGroup - usedInodes

	sb := &rawSuperblock{
		InodesCount:     testInodesPerGroup,
		BlocksCount:     testBlocksCount,
		FreeBlocksCount: uint32(freeBlocks),
		FreeInodesCount: uint32(freeInodes),
		FirstDataBlock:  testFirstDataBlock,
		LogBlockSize:    0,
		BlocksPerGroup:  testBlocksPerGroup,
		InodesPerGroup:  testInodesPerGroup,
		Magic:           Signature,
		State:           stateValid,
		RevLevel:        revisionDynamic,
		InodeSize:       inodeSize,
		FirstIno:        FirstRegularInode,
	}
	sbBuf := make([]byte, testBlockSize)
	encodeSuperblock(sbBuf, sb)
	writeBlock(t, f, 1, sbBuf)

	desc := &rawBlockGroupDesc{
		BlockBitmap:     testBlockBitmapID,
		InodeBitmap:     testInodeBitmapID,
		InodeTable:      testInodeTableStart,
		FreeBlocksCount: uint16(freeBlocks),
		FreeInodesCount: uint16(freeInodes),
		UsedDirsCount:   1,
	}
	descBuf := make([]byte, testBlockSize)
	encodeBlockGroupDesc(descBuf, desc)
	writeBlock(t, f, testDescBlockID, descBuf)

	blockBitmap := make([]byte, testBlockSize)
	for bit := 0; bit < usedBlocks-testFirstDataBlock; bit++ {
		blockBitmap[bit/8] |= 1 << uint(bit%8)
	}
	writeBlock(t, f, testBlockBitmapID, blockBitmap)

	inodeBitmap := make([]byte, testBlockSize)
	for bit := 0; bit < usedInodes; bit++ {
		inodeBitmap[bit/8] |= 1 << uint(bit%8)
	}
	writeBlock(t, f, testInodeBitmapID, inodeBitmap)

	rootInode := &rawInode{
		Mode:       ModeDir | 0755,
		LinksCount: 2,
		SizeLower:  testBlockSize,
	}
	rootInode.Block[0] = testRootDataBlockID
	inodeTableBlock := make([]byte, testBlockSize)
	// Root is inode 2; inode 1 occupies the first 128-byte slot.
	encodeInode(inodeTableBlock[inodeSize:], rootInode)
	writeBlock(t, f, testInodeTableStart, inodeTableBlock)

	rootData := make([]byte, testBlockSize)
	writeDirent(rootData, 0, &direntHeader{Inode: RootInode, RecLen: 12, NameLen: 1, FileType: FileTypeDir}, ".")
	writeDirent(rootData, 12, &direntHeader{Inode: RootInode, RecLen: uint16(testBlockSize - 12), NameLen: 2, FileType: FileTypeDir}, "..")
	writeBlock(t, f, testRootDataBlockID, rootData)

	if err := f.Close(); err != nil {
		t.Fatalf("closing temp image: %v", err)
	}
	return path
}

func writeBlock(t *testing.T, f *os.File, blockID int, data []byte) {
	t.Helper()
	if _, err := f.WriteAt(data, int64(blockID)*testBlockSize); err != nil {
		t.Fatalf("writing block %d: %v", blockID, err)
	}
}

func writeDirent(buf []byte, offset int, h *direntHeader, name string) {
	encodeDirentHeader(buf[offset:], h)
	copy(buf[offset+direntHeaderSize:], name)
}

func TestMountReadsRootInode(t *testing.T) {
	path := buildTestImage(t)
	fs, _, err := Mount(path, true, fixedClock{t: time.Unix(1700000000, 0)})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer fs.Unmount()

	root, err := fs.GetInode(RootInode)
	if err != nil {
		t.Fatalf("GetInode(root): %v", err)
	}
	if !isDir(root.Mode()) {
		t.Fatalf("root inode is not a directory, mode=%#o", root.Mode())
	}
	if root.Links() != 2 {
		t.Fatalf("root link count = %d, want 2", root.Links())
	}
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	path := buildTestImage(t)
	fs, _, err := Mount(path, true, fixedClock{t: time.Unix(1700000000, 0)})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer fs.Unmount()

	root, err := fs.GetInode(RootInode)
	if err != nil {
		t.Fatalf("GetInode(root): %v", err)
	}

	dir, err := root.Mkdir("greetings", 0755)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	file, err := dir.Open("hello.txt", unix.O_CREAT|unix.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("Open(O_CREAT): %v", err)
	}
	payload := []byte("hello, ext2")
	n, err := file.WriteAt(payload, 0)
	if err != nil || n != len(payload) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}
	if err := file.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	file.Unref()
	dir.Unref()

	reopenedDir, err := root.Open("greetings", 0, 0)
	if err != nil {
		t.Fatalf("reopening dir: %v", err)
	}
	entries, err := reopenedDir.Readdir()
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.Name == "hello.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Readdir did not list hello.txt: %+v", entries)
	}

	reopenedFile, err := reopenedDir.Open("hello.txt", 0, 0)
	if err != nil {
		t.Fatalf("reopening file: %v", err)
	}
	buf := make([]byte, len(payload))
	n, err = reopenedFile.ReadAt(buf, 0)
	if err != nil || n != len(payload) || string(buf) != string(payload) {
		t.Fatalf("ReadAt round-trip mismatch: n=%d err=%v got=%q want=%q", n, err, buf[:n], payload)
	}
	reopenedFile.Unref()

	if _, err := reopenedDir.Unlink("hello.txt", false, false); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	reopenedDir.Unref()

	if err := root.Rmdir("greetings"); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
}

func TestMkdirThenRmdirRequiresEmpty(t *testing.T) {
	path := buildTestImage(t)
	fs, _, err := Mount(path, true, fixedClock{t: time.Unix(1700000000, 0)})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer fs.Unmount()

	root, err := fs.GetInode(RootInode)
	if err != nil {
		t.Fatalf("GetInode(root): %v", err)
	}
	dir, err := root.Mkdir("stuff", 0755)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := dir.Mkdir("nested", 0755); err != nil {
		t.Fatalf("nested Mkdir: %v", err)
	}
	dir.Unref()

	if err := root.Rmdir("stuff"); err == nil {
		t.Fatalf("Rmdir succeeded on a non-empty directory")
	}
}
