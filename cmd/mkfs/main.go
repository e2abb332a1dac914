// Command mkfs builds a raw disk image for /dev/rawdisk: a flat,
// block-aligned file, optionally seeded by concatenating every regular
// file under a host skeleton directory into consecutive blocks.
//
// The teacher's mkfs walked a host directory tree into an on-disk
// inode filesystem (ufs.Ufs_t's MkDir/MkFile/Append over a
// bootloader+kernel+fs image). This kernel's only persistent store is
// the raw block device behind /dev/rawdisk (§4.J): there is no on-disk
// inode format to populate, "/" is rebuilt in memory at every boot from
// the host's own filesystem (see cmd/kernel's loadInit), so this tool's
// job shrinks to the one thing that still needs a preformatted image:
// giving /dev/rawdisk content to read before the kernel ever runs.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"rv39/internal/blkcache"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: mkfs <image> <size-in-blocks> [skel-dir]\n")
		os.Exit(1)
	}
	image := os.Args[1]
	var nblocks int
	if _, err := fmt.Sscanf(os.Args[2], "%d", &nblocks); err != nil || nblocks <= 0 {
		fmt.Fprintf(os.Stderr, "mkfs: bad block count %q\n", os.Args[2])
		os.Exit(1)
	}

	f, err := os.Create(image)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
	if err := f.Truncate(int64(nblocks) * blkcache.BSIZE); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
	f.Close()

	if len(os.Args) < 4 {
		return
	}
	if err := seed(image, os.Args[3], nblocks); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
}

// seed concatenates every regular file under skeldir into the image's
// blocks in walk order, failing once it runs past the image's capacity.
func seed(image, skeldir string, nblocks int) error {
	disk, err := blkcache.OpenFileDisk(image)
	if err != nil {
		return err
	}
	blk := 0
	buf := make([]byte, blkcache.BSIZE)
	return filepath.WalkDir(skeldir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		src, operr := os.Open(path)
		if operr != nil {
			return operr
		}
		defer src.Close()
		for {
			n, rerr := io.ReadFull(src, buf)
			if n == 0 {
				break
			}
			if blk >= nblocks {
				return fmt.Errorf("skeleton directory exceeds %d blocks", nblocks)
			}
			block := make([]byte, blkcache.BSIZE)
			copy(block, buf[:n])
			if werr := disk.WriteBlock(blk, block); werr != nil {
				return werr
			}
			blk++
			if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
				break
			}
			if rerr != nil {
				return rerr
			}
		}
		return nil
	})
}
