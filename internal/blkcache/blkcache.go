// Package blkcache implements the block cache backing /dev/rawdisk
// (D_RAWDISK, §6): fixed-size blocks read through a Disk_i, kept in an
// in-memory map the way the teacher's Bdev_block_t cache sits in front
// of its disk driver. Concurrent reads of the same block — two tasks
// faulting on the same file-backed mapping, in this kernel's case,
// since its trap layer can run several blocked tasks at once where
// biscuit's single-hart scheduler never raced — are collapsed into one
// disk I/O with golang.org/x/sync/singleflight instead of the
// teacher's per-block mutex-and-refcount scheme, since there's no
// physical page allocator here for the cache to hold entries in.
package blkcache

import (
	"io"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// BSIZE is the block size in bytes, matching the on-disk block size
// the teacher's filesystem format uses.
const BSIZE = 4096

// Disk_i abstracts the backing store a Cache_t reads/writes through.
type Disk_i interface {
	ReadBlock(n int) ([]byte, error)
	WriteBlock(n int, data []byte) error
	NumBlocks() int
}

// FileDisk_t is a Disk_i backed by a host file, standing in for the
// block device a real sv39 kernel would talk to over MMIO/virtio.
type FileDisk_t struct {
	mu sync.Mutex
	f  *os.File
}

// OpenFileDisk opens path as a raw block device image.
func OpenFileDisk(path string) (*FileDisk_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &FileDisk_t{f: f}, nil
}

func (d *FileDisk_t) ReadBlock(n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, BSIZE)
	if _, err := d.f.ReadAt(buf, int64(n)*BSIZE); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func (d *FileDisk_t) WriteBlock(n int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.WriteAt(data, int64(n)*BSIZE)
	return err
}

func (d *FileDisk_t) NumBlocks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	fi, err := d.f.Stat()
	if err != nil {
		return 0
	}
	return int(fi.Size() / BSIZE)
}

// Cache_t is a read-through, write-through block cache over a Disk_i.
type Cache_t struct {
	disk Disk_i

	mu     sync.Mutex
	blocks map[int][]byte

	sf singleflight.Group
}

// New wraps disk with a cache.
func New(disk Disk_i) *Cache_t {
	return &Cache_t{disk: disk, blocks: map[int][]byte{}}
}

// ReadBlock returns block n, from cache if present. Concurrent callers
// requesting the same uncached block share one disk read.
func (c *Cache_t) ReadBlock(n int) ([]byte, error) {
	c.mu.Lock()
	if b, ok := c.blocks[n]; ok {
		c.mu.Unlock()
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	}
	c.mu.Unlock()

	key := strconv.Itoa(n)
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		data, rerr := c.disk.ReadBlock(n)
		if rerr != nil {
			return nil, rerr
		}
		c.mu.Lock()
		c.blocks[n] = data
		c.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	b := v.([]byte)
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// WriteBlock writes block n through to disk and updates the cache.
func (c *Cache_t) WriteBlock(n int, data []byte) error {
	buf := make([]byte, BSIZE)
	copy(buf, data)
	if err := c.disk.WriteBlock(n, buf); err != nil {
		return err
	}
	c.mu.Lock()
	c.blocks[n] = buf
	c.mu.Unlock()
	return nil
}

// Invalidate drops block n from the cache, forcing the next ReadBlock
// to go to disk; used after an out-of-band write (e.g. log replay).
func (c *Cache_t) Invalidate(n int) {
	c.mu.Lock()
	delete(c.blocks, n)
	c.mu.Unlock()
}

// NumBlocks reports the device's block count.
func (c *Cache_t) NumBlocks() int { return c.disk.NumBlocks() }
