// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"fmt"
	"io"

	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfstree"
	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfsvol"
	"github.com/ablock84/btrfs-progs/lib/btrfscorrupt"
	"github.com/ablock84/btrfs-progs/lib/caching"
	"github.com/ablock84/btrfs-progs/lib/diskio"
)

// FS is an open btrfs filesystem spanning one or more devices.
type FS struct {
	// You should probably not access .LV directly, except when
	// implementing special things like fsck.
	LV btrfsvol.LogicalVolume[*Device]

	cacheSuperblocks []*diskio.Ref[btrfsvol.PhysicalAddr, btrfstree.Superblock]
	cacheSuperblock  *btrfstree.Superblock

	cacheNodes caching.LRUCache[btrfsvol.LogicalAddr, *diskio.Ref[btrfsvol.LogicalAddr, btrfstree.Node]]
}

var (
	_ diskio.File[btrfsvol.LogicalAddr] = (*FS)(nil)
	_ btrfscorrupt.MirrorMapper         = (*FS)(nil)
	_ btrfscorrupt.BlockIO              = (*FS)(nil)
)

// AddDevice registers a device with the filesystem and loads the
// chunk mappings that its superblock and chunk tree describe.
func (fs *FS) AddDevice(ctx context.Context, dev *Device) error {
	sb, err := dev.Superblock()
	if err != nil {
		return err
	}
	if err := fs.LV.AddPhysicalVolume(sb.DevItem.DevID, dev); err != nil {
		return err
	}
	fs.cacheSuperblocks = nil
	fs.cacheSuperblock = nil
	if err := fs.initDev(ctx, *sb); err != nil {
		return fmt.Errorf("file %q: %w", dev.Name(), err)
	}
	return nil
}

func (fs *FS) Name() string {
	if name := fs.LV.Name(); name != "" {
		return name
	}
	sb, err := fs.Superblock()
	if err != nil {
		return fmt.Sprintf("fs_uuid=%v", "(unreadable)")
	}
	name := fmt.Sprintf("fs_uuid=%v", sb.FSUUID)
	fs.LV.SetName(name)
	return name
}

func (fs *FS) Size() btrfsvol.LogicalAddr {
	return fs.LV.Size()
}

func (fs *FS) ReadAt(p []byte, off btrfsvol.LogicalAddr) (int, error) {
	return fs.LV.ReadAt(p, off)
}

func (fs *FS) WriteAt(p []byte, off btrfsvol.LogicalAddr) (int, error) {
	return fs.LV.WriteAt(p, off)
}

func (fs *FS) Superblocks() ([]*diskio.Ref[btrfsvol.PhysicalAddr, btrfstree.Superblock], error) {
	if fs.cacheSuperblocks != nil {
		return fs.cacheSuperblocks, nil
	}
	var ret []*diskio.Ref[btrfsvol.PhysicalAddr, btrfstree.Superblock]
	devs := fs.LV.PhysicalVolumes()
	if len(devs) == 0 {
		return nil, fmt.Errorf("no devices")
	}
	for _, dev := range devs {
		sbs, err := dev.Superblocks()
		if err != nil {
			return nil, fmt.Errorf("file %q: %w", dev.Name(), err)
		}
		ret = append(ret, sbs...)
	}
	fs.cacheSuperblocks = ret
	return ret, nil
}

func (fs *FS) Superblock() (*btrfstree.Superblock, error) {
	if fs.cacheSuperblock != nil {
		return fs.cacheSuperblock, nil
	}
	sbs, err := fs.Superblocks()
	if err != nil {
		return nil, err
	}
	if len(sbs) == 0 {
		return nil, fmt.Errorf("no superblocks")
	}

	fname := ""
	sbi := 0
	for i, sb := range sbs {
		if sb.File.Name() != fname {
			fname = sb.File.Name()
			sbi = 0
		} else {
			sbi++
		}

		if err := sb.Data.ValidateChecksum(); err != nil {
			return nil, fmt.Errorf("file %q superblock %v: %w", sb.File.Name(), sbi, err)
		}
		if i > 0 {
			if !sb.Data.Equal(sbs[0].Data) {
				return nil, fmt.Errorf("file %q superblock %v and file %q superblock %v disagree",
					sbs[0].File.Name(), 0,
					sb.File.Name(), sbi)
			}
		}
	}

	fs.cacheSuperblock = &sbs[0].Data
	return &sbs[0].Data, nil
}

func (fs *FS) initDev(ctx context.Context, sb btrfstree.Superblock) error {
	syschunks, err := sb.ParseSysChunkArray()
	if err != nil {
		return err
	}
	for _, chunk := range syschunks {
		for _, mapping := range chunk.Chunk.Mappings(chunk.Key) {
			if err := fs.LV.AddMapping(mapping); err != nil {
				return err
			}
		}
	}
	return fs.loadChunkTree(ctx, sb)
}

func (fs *FS) Close() error {
	return fs.LV.Close()
}

var _ io.Closer = (*FS)(nil)

// btrfscorrupt collaborators /////////////////////////////////////////////////////////////////////

func (fs *FS) ResolveMirror(laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, mirror int) (btrfsvol.QualifiedPhysicalAddr, error) {
	return fs.LV.ResolveMirror(laddr, size, mirror)
}

func (fs *FS) NumCopies(laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) int {
	return fs.LV.NumCopies(laddr, size)
}

func (fs *FS) DeviceName(id btrfsvol.DeviceID) string {
	dev, ok := fs.LV.PhysicalVolumes()[id]
	if !ok {
		return fmt.Sprintf("(unknown device %v)", id)
	}
	return dev.Name()
}

func (fs *FS) ReadBlock(dat []byte, paddr btrfsvol.QualifiedPhysicalAddr) error {
	dev, ok := fs.LV.PhysicalVolumes()[paddr.Dev]
	if !ok {
		return fmt.Errorf("read block: could not map device id %v", paddr.Dev)
	}
	_, err := dev.ReadAt(dat, paddr.Addr)
	return err
}

func (fs *FS) WriteBlock(dat []byte, paddr btrfsvol.QualifiedPhysicalAddr) error {
	dev, ok := fs.LV.PhysicalVolumes()[paddr.Dev]
	if !ok {
		return fmt.Errorf("write block: could not map device id %v", paddr.Dev)
	}
	// This write is intentionally to a single physical location;
	// mirror copies are left alone.
	_, err := dev.WriteAt(dat, paddr.Addr)
	return err
}

func (fs *FS) Flush(id btrfsvol.DeviceID) error {
	dev, ok := fs.LV.PhysicalVolumes()[id]
	if !ok {
		return fmt.Errorf("flush: could not map device id %v", id)
	}
	return dev.Sync()
}
