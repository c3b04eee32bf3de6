// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/ablock84/btrfs-progs/lib/binstruct"
	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfsitem"
	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfsprim"
	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfstree"
	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfsvol"
	"github.com/ablock84/btrfs-progs/lib/diskio"
	"github.com/ablock84/btrfs-progs/lib/slices"
)

// ReadNode reads and validates the node at the given logical address,
// through a node cache.  The cache is best-effort; uncommitted
// transaction mutations live in the transaction's dirty set, not here.
func (fs *FS) ReadNode(laddr btrfsvol.LogicalAddr) (*diskio.Ref[btrfsvol.LogicalAddr, btrfstree.Node], error) {
	if ref, ok := fs.cacheNodes.Get(laddr); ok {
		return ref, nil
	}
	sb, err := fs.Superblock()
	if err != nil {
		return nil, err
	}
	ref, err := btrfstree.ReadNode[btrfsvol.LogicalAddr](fs, *sb, laddr)
	if err != nil {
		return nil, err
	}
	if ref.Data.Head.Addr != laddr {
		return nil, fmt.Errorf("read from laddr=%v but claims to be at laddr=%v",
			laddr, ref.Data.Head.Addr)
	}
	fs.cacheNodes.Add(laddr, ref)
	return ref, nil
}

// TreeRoot returns the logical address of the given tree's root node.
// The root tree and chunk tree are rooted directly from the
// superblock; everything else takes a ROOT_ITEM lookup in the root
// tree.
func (fs *FS) TreeRoot(ctx context.Context, treeID btrfsprim.ObjID) (btrfsvol.LogicalAddr, error) {
	sb, err := fs.Superblock()
	if err != nil {
		return 0, err
	}
	switch treeID {
	case btrfsprim.ROOT_TREE_OBJECTID:
		return sb.RootTree, nil
	case btrfsprim.CHUNK_TREE_OBJECTID:
		return sb.ChunkTree, nil
	}

	// The highest (treeID, ROOT_ITEM, *) key wins; for snapshotted
	// trees the offset is the snapshot's transid.
	leaf, slot, exact, err := fs.searchSlot(sb.RootTree, btrfsprim.Key{
		ObjectID: treeID,
		ItemType: btrfsprim.ROOT_ITEM_KEY,
		Offset:   btrfsprim.MaxOffset,
	})
	if err != nil {
		return 0, fmt.Errorf("tree %v: %w", treeID, err)
	}
	if !exact {
		if slot == 0 {
			return 0, fmt.Errorf("tree %v: no ROOT_ITEM", treeID)
		}
		slot--
	}
	item := leaf.Data.BodyLeaf[slot]
	if item.Key.ObjectID != treeID || item.Key.ItemType != btrfsprim.ROOT_ITEM_KEY {
		return 0, fmt.Errorf("tree %v: no ROOT_ITEM", treeID)
	}
	var rootItem btrfsitem.Root
	if _, err := binstruct.Unmarshal(item.Body, &rootItem); err != nil {
		return 0, fmt.Errorf("tree %v: ROOT_ITEM: %w", treeID, err)
	}
	dlog.Debugf(ctx, "tree %v rooted at laddr=%v level=%v", treeID, rootItem.ByteNr, rootItem.Level)
	return rootItem.ByteNr, nil
}

// searchSlot descends from the given root node to the leaf whose key
// range covers the given key, and returns that leaf along with the
// slot where the key is (exact=true) or would be inserted
// (exact=false).
func (fs *FS) searchSlot(rootAddr btrfsvol.LogicalAddr, key btrfsprim.Key) (*diskio.Ref[btrfsvol.LogicalAddr, btrfstree.Node], int, bool, error) {
	return searchSlot(fs.ReadNode, rootAddr, key)
}

// searchSlot is parameterized over the node reader so that a
// transaction can interpose its dirty set in front of the cache.
func searchSlot(
	readNode func(btrfsvol.LogicalAddr) (*diskio.Ref[btrfsvol.LogicalAddr, btrfstree.Node], error),
	rootAddr btrfsvol.LogicalAddr, key btrfsprim.Key,
) (*diskio.Ref[btrfsvol.LogicalAddr, btrfstree.Node], int, bool, error) {
	addr := rootAddr
	for {
		ref, err := readNode(addr)
		if err != nil {
			return nil, 0, false, err
		}
		if ref.Data.Head.Level == 0 {
			slot, exact := slices.SearchInsert(ref.Data.BodyLeaf, func(item btrfstree.Item) int {
				return key.Compare(item.Key)
			})
			return ref, slot, exact, nil
		}
		// Descend to the right-most child whose low key is
		// <= the search key; if the search key sorts before
		// the whole node, descend to the first child (the key
		// then can't exist, and the leaf's insertion slot
		// will be 0).
		i, ok := slices.SearchHighest(ref.Data.BodyInternal, func(kp btrfstree.KeyPointer) int {
			if key.Compare(kp.Key) < 0 {
				return -1
			}
			return 0
		})
		if !ok {
			i = 0
		}
		addr = ref.Data.BodyInternal[i].BlockPtr
	}
}

// loadChunkTree walks the chunk tree and adds every CHUNK_ITEM's
// mappings to the logical volume, completing the bootstrap mappings
// from the superblock's sys-chunk array.
func (fs *FS) loadChunkTree(ctx context.Context, sb btrfstree.Superblock) error {
	numMappings := 0
	err := fs.treeWalk(sb.ChunkTree, func(item btrfstree.Item) error {
		if item.Key.ItemType != btrfsprim.CHUNK_ITEM_KEY {
			return nil
		}
		var chunk btrfsitem.Chunk
		if _, err := binstruct.Unmarshal(item.Body, &chunk); err != nil {
			return fmt.Errorf("CHUNK_ITEM %v: %w", item.Key, err)
		}
		for _, mapping := range chunk.Mappings(item.Key) {
			if err := fs.LV.AddMapping(mapping); err != nil {
				return err
			}
			numMappings++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("chunk tree: %w", err)
	}
	dlog.Debugf(ctx, "loaded %v chunk mappings from the chunk tree", numMappings)
	return nil
}

// treeWalk visits every item of the tree rooted at the given address,
// in key order.
func (fs *FS) treeWalk(rootAddr btrfsvol.LogicalAddr, fn func(btrfstree.Item) error) error {
	ref, err := fs.ReadNode(rootAddr)
	if err != nil {
		return err
	}
	if ref.Data.Head.Level > 0 {
		for _, kp := range ref.Data.BodyInternal {
			if err := fs.treeWalk(kp.BlockPtr, fn); err != nil {
				return err
			}
		}
		return nil
	}
	for _, item := range ref.Data.BodyLeaf {
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}
