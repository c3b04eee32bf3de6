// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"fmt"
	"sort"

	"github.com/datawire/dlib/dlog"

	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfsprim"
	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfstree"
	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfsvol"
	"github.com/ablock84/btrfs-progs/lib/btrfscorrupt"
	"github.com/ablock84/btrfs-progs/lib/diskio"
)

// A Trans is one write transaction against a single tree.  Mutations
// accumulate as dirty leaves in memory; Commit re-checksums each
// dirty leaf, writes it back in place to every mirror, and flushes
// the devices.
//
// This is not a COW transaction: it rewrites leaves at their existing
// logical addresses.  Parent node checksums stay valid because a
// parent only checksums its own block, not its children.  That is
// exactly what a corruption tool wants; a filesystem would want COW.
type Trans struct {
	fs       *FS
	rootAddr btrfsvol.LogicalAddr

	dirty     map[btrfsvol.LogicalAddr]*diskio.Ref[btrfsvol.LogicalAddr, btrfstree.Node]
	committed bool
}

var _ btrfscorrupt.MetadataStore = (*FS)(nil)

// Begin opens a write transaction against the given tree.
func (fs *FS) Begin(ctx context.Context, treeID btrfsprim.ObjID) (btrfscorrupt.MetadataTxn, error) {
	rootAddr, err := fs.TreeRoot(ctx, treeID)
	if err != nil {
		return nil, err
	}
	dlog.Debugf(ctx, "begin transaction on tree %v (root node at laddr=%v)", treeID, rootAddr)
	return &Trans{
		fs:       fs,
		rootAddr: rootAddr,
		dirty:    make(map[btrfsvol.LogicalAddr]*diskio.Ref[btrfsvol.LogicalAddr, btrfstree.Node]),
	}, nil
}

// readNode prefers the transaction's dirty set over the filesystem's
// node cache; a dirty leaf must stay visible to later searches even
// after the cache has evicted and re-read it.
func (tx *Trans) readNode(laddr btrfsvol.LogicalAddr) (*diskio.Ref[btrfsvol.LogicalAddr, btrfstree.Node], error) {
	if ref, ok := tx.dirty[laddr]; ok {
		return ref, nil
	}
	return tx.fs.ReadNode(laddr)
}

func (tx *Trans) Search(key btrfsprim.Key) (btrfscorrupt.TreeCursor, bool, error) {
	leaf, slot, exact, err := searchSlot(tx.readNode, tx.rootAddr, key)
	if err != nil {
		return nil, false, err
	}
	return &cursor{tx: tx, leaf: leaf, slot: slot}, exact, nil
}

func (tx *Trans) Commit(ctx context.Context) error {
	if tx.committed {
		return fmt.Errorf("transaction already committed")
	}
	tx.committed = true

	// sorted, so that a given set of mutations always writes in
	// the same order
	addrs := make([]btrfsvol.LogicalAddr, 0, len(tx.dirty))
	for addr := range tx.dirty {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	dlog.Debugf(ctx, "committing %v dirty leaves", len(addrs))
	for _, addr := range addrs {
		ref := tx.dirty[addr]
		sum, err := ref.Data.CalculateChecksum()
		if err != nil {
			return fmt.Errorf("commit: leaf at laddr=%v: %w", addr, err)
		}
		ref.Data.Head.Checksum = sum
		if err := ref.Write(); err != nil {
			return fmt.Errorf("commit: leaf at laddr=%v: %w", addr, err)
		}
	}
	if err := tx.fs.LV.Fsync(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// A cursor is a (leaf, slot) position.  Release drops the leaf ref;
// using a released cursor panics.
type cursor struct {
	tx   *Trans
	leaf *diskio.Ref[btrfsvol.LogicalAddr, btrfstree.Node]
	slot int
}

var _ btrfscorrupt.TreeCursor = (*cursor)(nil)

func (c *cursor) Key() btrfsprim.Key {
	return c.leaf.Data.BodyLeaf[c.slot].Key
}

func (c *cursor) ItemPayload() []byte {
	return c.leaf.Data.BodyLeaf[c.slot].Body
}

func (c *cursor) PatchPayload(dat []byte) error {
	body := c.leaf.Data.BodyLeaf[c.slot].Body
	if len(dat) != len(body) {
		return fmt.Errorf("patch payload: item %v: payload is %v bytes, patch is %v bytes",
			c.Key(), len(body), len(dat))
	}
	copy(body, dat)
	c.tx.dirty[c.leaf.Addr] = c.leaf
	return nil
}

func (c *cursor) StepBack() bool {
	if c.slot == 0 {
		return false
	}
	c.slot--
	return true
}

func (c *cursor) Release() {
	c.leaf = nil
}
