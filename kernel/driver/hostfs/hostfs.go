// Package hostfs serves executables from a directory of the host. It stands
// in for the ext2 driver: directories are addressed by inode number and
// results use the same status codes.
package hostfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/Vearance/itb-sub000/kernel/mem/vmm"
	"github.com/Vearance/itb-sub000/kernel/proc"
	"go.uber.org/zap"
)

// RootInode is the inode of the root directory.
const RootInode = uint32(1)

// Read status codes.
const (
	StatusOK          int8 = 0
	StatusNotAFile    int8 = 1
	StatusBufferSmall int8 = 2
	StatusNotFound    int8 = 3
	StatusError       int8 = -1
)

// Driver implements proc.FileReader on top of a host directory. Lookups
// cannot escape the directory.
type Driver struct {
	root *os.Root
	mmu  *vmm.MMU
	log  *zap.Logger

	// dirs maps inode numbers to slash-separated paths below root.
	dirs      map[uint32]string
	nextInode uint32
}

var _ proc.FileReader = (*Driver)(nil)

// New opens dir as the filesystem root. Loaded files are written to virtual
// memory through mmu.
func New(dir string, mmu *vmm.MMU, log *zap.Logger) (*Driver, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("hostfs: open root: %w", err)
	}

	return &Driver{
		root:      root,
		mmu:       mmu,
		log:       log,
		dirs:      map[uint32]string{RootInode: "."},
		nextInode: RootInode + 1,
	}, nil
}

// Close releases the root directory handle.
func (d *Driver) Close() error {
	return d.root.Close()
}

// DirInode returns the inode of the directory at dirPath, relative to the
// root. Inodes are assigned on first lookup.
func (d *Driver) DirInode(dirPath string) (uint32, error) {
	clean := path.Clean(dirPath)
	for inode, p := range d.dirs {
		if p == clean {
			return inode, nil
		}
	}

	info, err := d.root.Stat(clean)
	if err != nil {
		return 0, fmt.Errorf("hostfs: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("hostfs: %s is not a directory", dirPath)
	}

	inode := d.nextInode
	d.nextInode++
	d.dirs[inode] = clean
	return inode, nil
}

// Read implements proc.FileReader.
func (d *Driver) Read(req proc.ReadRequest) (uint32, int8) {
	data, status := d.load(req)
	if status != StatusOK {
		d.log.Debug("read failed", zap.String("name", req.Name), zap.Uint32("parent_inode", req.ParentInode), zap.Int8("fs_status", status))
		return 0, status
	}

	if err := d.mmu.Write(req.Buf, data); err != nil {
		d.log.Warn("read buffer not mapped", zap.Uint32("vaddr", req.Buf), zap.Error(err))
		return 0, StatusError
	}
	return uint32(len(data)), StatusOK
}

func (d *Driver) load(req proc.ReadRequest) ([]byte, int8) {
	dir, ok := d.dirs[req.ParentInode]
	if !ok || req.Name == "" {
		return nil, StatusNotFound
	}

	f, err := d.root.Open(path.Join(dir, req.Name))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, StatusNotFound
	case err != nil:
		return nil, StatusError
	}
	defer f.Close()

	info, err := f.Stat()
	switch {
	case err != nil:
		return nil, StatusError
	case !info.Mode().IsRegular():
		return nil, StatusNotAFile
	case info.Size() > int64(req.BufferSize):
		return nil, StatusBufferSmall
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, StatusError
	}
	return data, StatusOK
}
