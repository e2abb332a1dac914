// Package vfs implements the minimal VFS core (§4.J): a superblock
// table, a dentry cache rooted at "/", inode identity, open-file
// handles, mount points, and path resolution. Concrete filesystems
// (internal/rootfs, internal/devfs) plug in by implementing Inode_i.
package vfs

import (
	"sync"

	"rv39/internal/defs"
	"rv39/internal/fdops"
	"rv39/internal/hashtable"
	"rv39/internal/stat"
)

// Ino_t is an inode identity: (superblock id, inode number), totally
// ordered by sno then ino (§3 Dentry/Inode).
type Ino_t struct {
	Sno int
	Ino uint64
}

func (a Ino_t) Less(b Ino_t) bool {
	if a.Sno != b.Sno {
		return a.Sno < b.Sno
	}
	return a.Ino < b.Ino
}

// Inode_i is implemented by each concrete filesystem's inode type.
// Open returns a fresh Fdops_i handle each time, matching the source
// kernel's "File is an open handle distinct from the Inode" model.
type Inode_i interface {
	Ino() Ino_t
	Stat(st *stat.Stat_t) defs.Err_t
	Open(flags int) (fdops.Fdops_i, defs.Err_t)
	Lookup(name string) (Inode_i, defs.Err_t) // ENOENT if absent
	IsDir() bool
	Readdir() ([]fdops.Dirent_t, defs.Err_t)
}

// SuperBlock_i is the per-filesystem contract (§3 SuperBlock): root
// inode plus sync. lookup/read/write happen through Inode_i/Fdops_i
// instead of a separate block-access method, since this kernel's
// concrete filesystems (rootfs, devfs) don't share a common on-disk
// block format to generalize over.
type SuperBlock_i interface {
	Sno() int
	Root() Inode_i
	Sync() defs.Err_t
}

// Dentry_t is a cache node (§3 Dentry): parent, name, and a name→child
// map backed by internal/hashtable the way the dentry cache's lookup
// path wants O(1) reads without a global lock.
type Dentry_t struct {
	mu       sync.RWMutex
	Parent   *Dentry_t
	Name     string
	children *hashtable.Hashtable_t // string -> *Dentry_t, nil entry = negative
	Mount    *Mount_t                // non-nil if this dentry is a mount point
	inode    Inode_i                 // nil for a negative dentry
}

// Mount_t records a mounted filesystem's root dentry and the
// superblock backing it (§3 SuperBlock "mount points live in the
// dentry tree").
type Mount_t struct {
	SB    SuperBlock_i
	Root  *Dentry_t
	under Inode_i // the mount point's own inode, restored by Unmount
}

func newDentry(parent *Dentry_t, name string, ino Inode_i) *Dentry_t {
	return &Dentry_t{Parent: parent, Name: name, children: hashtable.MkHash(16), inode: ino}
}

// VFS_t is the whole-kernel VFS state: the superblock table and the
// dentry tree root.
type VFS_t struct {
	mu     sync.RWMutex
	sbs    map[int]SuperBlock_i
	RootD  *Dentry_t
}

// New constructs an empty VFS with the given root superblock mounted
// at "/" (root superblock = sno 0, per §4.J).
func New(root SuperBlock_i) *VFS_t {
	rootD := newDentry(nil, "/", root.Root())
	rootD.Mount = &Mount_t{SB: root, Root: rootD}
	return &VFS_t{
		sbs:   map[int]SuperBlock_i{root.Sno(): root},
		RootD: rootD,
	}
}

// Mount attaches sb's root inode at the dentry reached by path,
// replacing whatever was cached there (§3 SuperBlock).
func (v *VFS_t) Mount(path string, sb SuperBlock_i) defs.Err_t {
	d, err := v.lookupDentry(v.RootD, path, 0)
	if err != 0 {
		return err
	}
	v.mu.Lock()
	v.sbs[sb.Sno()] = sb
	v.mu.Unlock()
	d.mu.Lock()
	mountRoot := newDentry(d.Parent, d.Name, sb.Root())
	mountRoot.Mount = &Mount_t{SB: sb, Root: mountRoot, under: d.inode}
	d.Mount = mountRoot.Mount
	d.inode = mountRoot.inode
	d.children = mountRoot.children
	d.mu.Unlock()
	return 0
}

// Unmount detaches the filesystem mounted at path.
func (v *VFS_t) Unmount(path string) defs.Err_t {
	d, err := v.lookupDentry(v.RootD, path, 0)
	if err != 0 {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Mount == nil {
		return -defs.EINVAL
	}
	v.mu.Lock()
	delete(v.sbs, d.Mount.SB.Sno())
	v.mu.Unlock()
	if d.Mount.under != nil {
		d.inode = d.Mount.under
	}
	d.Mount = nil
	d.children = hashtable.MkHash(16)
	return 0
}

const maxSymlinkDepth = 8

// Lookup resolves path relative to cwd (nil meaning the VFS root),
// honoring "." and ".." and crossing mount points at each mounted
// dentry's root (§4.J).
func (v *VFS_t) Lookup(cwd *Dentry_t, path string) (*Dentry_t, defs.Err_t) {
	start := v.RootD
	if len(path) > 0 && path[0] != '/' && cwd != nil {
		start = cwd
	}
	return v.lookupDentry(start, path, 0)
}

func (v *VFS_t) lookupDentry(start *Dentry_t, path string, depth int) (*Dentry_t, defs.Err_t) {
	if depth > maxSymlinkDepth {
		return nil, -defs.ENOTDIR // ELOOP not in defs; closest available errno
	}
	cur := start
	for _, comp := range splitPath(path) {
		switch comp {
		case ".":
			continue
		case "..":
			if cur.Parent != nil {
				cur = cur.Parent
			}
			continue
		}
		cur.mu.RLock()
		childAny, ok := cur.children.Get(comp)
		cur.mu.RUnlock()
		var child *Dentry_t
		if ok {
			child, _ = childAny.(*Dentry_t)
		} else {
			ino, err := cur.inode.Lookup(comp)
			if err != 0 {
				cur.mu.Lock()
				cur.children.Set(comp, (*Dentry_t)(nil)) // negative dentry
				cur.mu.Unlock()
				return nil, err
			}
			child = newDentry(cur, comp, ino)
			cur.mu.Lock()
			cur.children.Set(comp, child)
			cur.mu.Unlock()
		}
		if child == nil {
			return nil, -defs.ENOENT
		}
		if child.Mount != nil {
			child = child.Mount.Root
		}
		cur = child
	}
	return cur, 0
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

// Open resolves path and opens the resulting inode (§4.J file-ops).
func (v *VFS_t) Open(cwd *Dentry_t, path string, flags int) (fdops.Fdops_i, defs.Err_t) {
	d, err := v.Lookup(cwd, path)
	if err != 0 {
		return nil, err
	}
	return d.inode.Open(flags)
}

// Inode returns this dentry's inode, for Fstat/Readdir callers that
// already hold a resolved Dentry_t.
func (d *Dentry_t) Inode() Inode_i { return d.inode }

// Path reconstructs the absolute path to d by walking parents.
func (d *Dentry_t) Path() string {
	if d.Parent == nil {
		return "/"
	}
	parent := d.Parent.Path()
	if parent == "/" {
		return "/" + d.Name
	}
	return parent + "/" + d.Name
}
