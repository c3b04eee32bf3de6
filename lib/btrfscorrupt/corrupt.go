// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfscorrupt implements deliberate corruption of a btrfs
// filesystem, for exercising its redundancy and recovery paths.
//
// It contains two engines: a block corruptor that zeroes one or all
// mirror copies of a logical extent, and a scrubber that walks the
// extent tree backwards zeroing the extent records of a target
// bytenr.  Neither engine repairs or validates anything; they only
// inject corruption and report what they touched.
package btrfscorrupt

import (
	"context"
	"fmt"
	"io"

	"github.com/datawire/dlib/dlog"

	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfsprim"
	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfsvol"
)

// MirrorMapper resolves logical addresses to physical mirror copies.
type MirrorMapper interface {
	// ResolveMirror resolves one specific mirror (1-based) of the
	// region [laddr, laddr+size).
	ResolveMirror(laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, mirror int) (btrfsvol.QualifiedPhysicalAddr, error)
	// NumCopies returns how many mirror copies the region has.
	// The count is only meaningful after the region has been
	// resolved at least once.
	NumCopies(laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) int
}

// BlockIO is raw per-device block access, bypassing the logical
// mapping layer; writes go to exactly one physical location.
type BlockIO interface {
	DeviceName(id btrfsvol.DeviceID) string
	ReadBlock(dat []byte, paddr btrfsvol.QualifiedPhysicalAddr) error
	WriteBlock(dat []byte, paddr btrfsvol.QualifiedPhysicalAddr) error
	// Flush forces previous writes to the device down to stable
	// storage.
	Flush(id btrfsvol.DeviceID) error
}

// A TreeCursor is a position in a leaf of a metadata tree.  It is
// invalidated by any mutation to the tree; it must be Released before
// the next Search.
type TreeCursor interface {
	Key() btrfsprim.Key
	// ItemPayload returns the raw item body.  The returned slice
	// must not be mutated directly; use PatchPayload.
	ItemPayload() []byte
	// PatchPayload overwrites the item body in place and marks
	// the containing leaf dirty.  The patch must be exactly the
	// payload's current length.
	PatchPayload(dat []byte) error
	// StepBack moves the cursor back one slot within the leaf,
	// returning false if the cursor is already at the first slot.
	StepBack() bool
	Release()
}

// A MetadataTxn is one write transaction against a metadata tree.
type MetadataTxn interface {
	// Search positions a cursor at the given key if it exists
	// (exact=true), or else at the slot where it would be
	// inserted (exact=false).
	Search(key btrfsprim.Key) (cur TreeCursor, exact bool, err error)
	Commit(ctx context.Context) error
}

type MetadataStore interface {
	Begin(ctx context.Context, treeID btrfsprim.ObjID) (MetadataTxn, error)
}

// Corruptor: the block engine ////////////////////////////////////////////////////////////////////

// A Corruptor zeroes mirror copies of logical extents.
type Corruptor struct {
	Map        MirrorMapper
	IO         BlockIO
	SectorSize uint32

	Out io.Writer // per-mirror diagnostics
}

// nextMirror decides whether the mirror loop advances past the given
// (1-based) mirror.  A single-copy extent never repeats the loop; a
// multi-copy extent stops once the last mirror has been visited.
func nextMirror(mirror, totalMirrors int) (int, bool) {
	if totalMirrors == 1 {
		return 0, false
	}
	if mirror+1 > totalMirrors {
		return 0, false
	}
	return mirror + 1, true
}

// CorruptBlock visits the mirrors of the block [laddr, laddr+size) in
// increasing mirror order, reporting each one, and zeroes mirror
// targetCopy (or every mirror, if targetCopy is 0).  Each zeroed
// mirror is flushed to stable storage before the loop proceeds.
//
// A targetCopy beyond the mirror count visits every mirror and
// corrupts none; that is not an error.
func (c *Corruptor) CorruptBlock(ctx context.Context, laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, targetCopy int) error {
	mirror := 1
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		paddr, err := c.Map.ResolveMirror(laddr, size, mirror)
		if err != nil {
			return fmt.Errorf("corrupt block: %w", err)
		}
		fmt.Fprintf(c.Out, "mirror %d logical %d physical %d device %s\n",
			mirror, laddr, paddr.Addr, c.IO.DeviceName(paddr.Dev))

		if targetCopy == 0 || mirror == targetCopy {
			buf := make([]byte, size)
			if err := c.IO.ReadBlock(buf, paddr); err != nil {
				return fmt.Errorf("corrupt block: %w", err)
			}
			fmt.Fprintf(c.Out, "corrupting %d copy %d\n", laddr, mirror)
			for i := range buf {
				buf[i] = 0
			}
			if err := c.IO.WriteBlock(buf, paddr); err != nil {
				return fmt.Errorf("corrupt block: %w", err)
			}
			if err := c.IO.Flush(paddr.Dev); err != nil {
				return fmt.Errorf("corrupt block: %w", err)
			}
		}

		next, ok := nextMirror(mirror, c.Map.NumCopies(laddr, size))
		if !ok {
			return nil
		}
		mirror = next
	}
}

// CorruptRange corrupts a byte range one sector at a time.  The
// length is rounded up to a whole number of sectors; a length of 0
// means one sector.
func (c *Corruptor) CorruptRange(ctx context.Context, laddr btrfsvol.LogicalAddr, numBytes int64, targetCopy int) error {
	sectorSize := int64(c.SectorSize)
	if numBytes == 0 {
		numBytes = sectorSize
	}
	numBytes = ((numBytes + sectorSize - 1) / sectorSize) * sectorSize

	dlog.Debugf(ctx, "corrupting %v bytes (%v sectors) at laddr=%v",
		numBytes, numBytes/sectorSize, laddr)
	for numBytes > 0 {
		if err := c.CorruptBlock(ctx, laddr, btrfsvol.AddrDelta(sectorSize), targetCopy); err != nil {
			return err
		}
		laddr += btrfsvol.LogicalAddr(sectorSize)
		numBytes -= sectorSize
	}
	return nil
}

// Scrubber: the extent-record engine /////////////////////////////////////////////////////////////

// extentRecordTypes are the item types that the scrubber recognizes
// as extent records; anything else under the target objectid is left
// alone.
var extentRecordTypes = map[btrfsprim.ItemType]struct{}{
	btrfsprim.EXTENT_ITEM_KEY:      {},
	btrfsprim.TREE_BLOCK_REF_KEY:   {},
	btrfsprim.EXTENT_DATA_REF_KEY:  {},
	btrfsprim.EXTENT_REF_V0_KEY:    {},
	btrfsprim.SHARED_BLOCK_REF_KEY: {},
	btrfsprim.SHARED_DATA_REF_KEY:  {},
}

// A Scrubber zeroes the extent records of a target bytenr.
type Scrubber struct {
	Store MetadataStore

	Err io.Writer // per-record diagnostics
}

// CorruptExtentRecords walks the extent tree backwards from
// (bytenr, MAX_KEY, max offset), zeroing the payload of every
// recognized extent record for that bytenr, in strictly decreasing
// key order.  The scan stops when it leaves the bytenr's key space or
// when the offset underflows past 0.
//
// The whole scan is one transaction, committed exactly once at the
// end.  A search or patch failure aborts without committing.
func (s *Scrubber) CorruptExtentRecords(ctx context.Context, bytenr btrfsvol.LogicalAddr) error {
	txn, err := s.Store.Begin(ctx, btrfsprim.EXTENT_TREE_OBJECTID)
	if err != nil {
		return fmt.Errorf("corrupt extent records: %w", err)
	}

	key := btrfsprim.Key{
		ObjectID: btrfsprim.ObjID(bytenr),
		ItemType: btrfsprim.MAX_KEY,
		Offset:   btrfsprim.MaxOffset,
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur, exact, err := txn.Search(key)
		if err != nil {
			return fmt.Errorf("corrupt extent records: %w", err)
		}
		// A mutation-oriented search lands after the intended
		// slot when the key is absent; step back to the item
		// that precedes it.
		if !exact && !cur.StepBack() {
			cur.Release()
			break
		}
		key = cur.Key()
		if key.ObjectID != btrfsprim.ObjID(bytenr) {
			cur.Release()
			break
		}

		if _, ok := extentRecordTypes[key.ItemType]; ok {
			fmt.Fprintf(s.Err, "corrupting extent record: key %d %d %d\n",
				key.ObjectID, uint8(key.ItemType), key.Offset)
			if err := cur.PatchPayload(make([]byte, len(cur.ItemPayload()))); err != nil {
				cur.Release()
				return fmt.Errorf("corrupt extent records: %w", err)
			}
		}
		// The patch invalidated the cursor; the next iteration
		// re-seeks from scratch.
		cur.Release()

		if key.Offset == 0 {
			break
		}
		key.Offset--
	}

	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("corrupt extent records: %w", err)
	}
	return nil
}
