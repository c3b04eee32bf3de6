// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscorrupt_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfsprim"
	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfsvol"
	"github.com/ablock84/btrfs-progs/lib/btrfscorrupt"
	"github.com/ablock84/btrfs-progs/lib/slices"
)

// fakeVol: MirrorMapper + BlockIO ////////////////////////////////////////////////////////////////

// fakeVol is a single chunk [laddr, laddr+size) with one stripe per
// mirror, each on its own device.
type fakeVol struct {
	laddr   btrfsvol.LogicalAddr
	size    btrfsvol.AddrDelta
	stripes []btrfsvol.QualifiedPhysicalAddr

	devs     map[btrfsvol.DeviceID][]byte
	writes   []btrfsvol.QualifiedPhysicalAddr
	flushes  []btrfsvol.DeviceID
	resolves []btrfsvol.LogicalAddr
}

func newFakeVol(numMirrors int, laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) *fakeVol {
	vol := &fakeVol{
		laddr: laddr,
		size:  size,
		devs:  make(map[btrfsvol.DeviceID][]byte),
	}
	for i := 0; i < numMirrors; i++ {
		dev := btrfsvol.DeviceID(i + 1)
		dat := make([]byte, size)
		for j := range dat {
			dat[j] = byte(i + 1)
		}
		vol.devs[dev] = dat
		vol.stripes = append(vol.stripes, btrfsvol.QualifiedPhysicalAddr{Dev: dev, Addr: 0})
	}
	return vol
}

func (vol *fakeVol) ResolveMirror(laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, mirror int) (btrfsvol.QualifiedPhysicalAddr, error) {
	if laddr < vol.laddr || laddr.Add(size) > vol.laddr.Add(vol.size) {
		return btrfsvol.QualifiedPhysicalAddr{}, fmt.Errorf("logical address %v is not mapped", laddr)
	}
	if mirror < 1 || mirror > len(vol.stripes) {
		return btrfsvol.QualifiedPhysicalAddr{}, fmt.Errorf("mirror %d is out of range", mirror)
	}
	vol.resolves = append(vol.resolves, laddr)
	return vol.stripes[mirror-1].Add(laddr.Sub(vol.laddr)), nil
}

func (vol *fakeVol) NumCopies(laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) int {
	if laddr < vol.laddr || laddr.Add(size) > vol.laddr.Add(vol.size) {
		return 0
	}
	return len(vol.stripes)
}

func (vol *fakeVol) DeviceName(id btrfsvol.DeviceID) string {
	return fmt.Sprintf("dev%d", id)
}

func (vol *fakeVol) ReadBlock(dat []byte, paddr btrfsvol.QualifiedPhysicalAddr) error {
	copy(dat, vol.devs[paddr.Dev][paddr.Addr:])
	return nil
}

func (vol *fakeVol) WriteBlock(dat []byte, paddr btrfsvol.QualifiedPhysicalAddr) error {
	copy(vol.devs[paddr.Dev][paddr.Addr:], dat)
	vol.writes = append(vol.writes, paddr)
	return nil
}

func (vol *fakeVol) Flush(id btrfsvol.DeviceID) error {
	vol.flushes = append(vol.flushes, id)
	return nil
}

func newCorruptor(vol *fakeVol, out *bytes.Buffer) *btrfscorrupt.Corruptor {
	return &btrfscorrupt.Corruptor{
		Map:        vol,
		IO:         vol,
		SectorSize: 4096,
		Out:        out,
	}
}

func isZero(dat []byte) bool {
	for _, b := range dat {
		if b != 0 {
			return false
		}
	}
	return true
}

// Corruptor tests ////////////////////////////////////////////////////////////////////////////////

func TestCorruptBlockAllMirrors(t *testing.T) {
	t.Parallel()
	vol := newFakeVol(3, 0x10000, 0x1000)
	var out bytes.Buffer

	err := newCorruptor(vol, &out).CorruptBlock(context.Background(), 0x10000, 0x1000, 0)
	require.NoError(t, err)

	for dev, dat := range vol.devs {
		assert.True(t, isZero(dat), "device %v must be zeroed", dev)
	}
	// every write is followed by a flush of that device
	require.Len(t, vol.writes, 3)
	require.Len(t, vol.flushes, 3)
	for i := range vol.writes {
		assert.Equal(t, vol.writes[i].Dev, vol.flushes[i])
	}

	assert.Equal(t, ""+
		"mirror 1 logical 65536 physical 0 device dev1\n"+
		"corrupting 65536 copy 1\n"+
		"mirror 2 logical 65536 physical 0 device dev2\n"+
		"corrupting 65536 copy 2\n"+
		"mirror 3 logical 65536 physical 0 device dev3\n"+
		"corrupting 65536 copy 3\n",
		out.String())
}

func TestCorruptBlockSingleCopy(t *testing.T) {
	t.Parallel()
	vol := newFakeVol(3, 0x10000, 0x1000)
	pre1 := append([]byte(nil), vol.devs[1]...)
	pre3 := append([]byte(nil), vol.devs[3]...)
	var out bytes.Buffer

	err := newCorruptor(vol, &out).CorruptBlock(context.Background(), 0x10000, 0x1000, 2)
	require.NoError(t, err)

	// only mirror 2 is zeroed; the others are untouched
	assert.Equal(t, pre1, vol.devs[1])
	assert.True(t, isZero(vol.devs[2]))
	assert.Equal(t, pre3, vol.devs[3])
	require.Len(t, vol.writes, 1)
	assert.Equal(t, btrfsvol.DeviceID(2), vol.writes[0].Dev)

	// all mirrors are still reported
	assert.Contains(t, out.String(), "mirror 1 ")
	assert.Contains(t, out.String(), "mirror 2 ")
	assert.Contains(t, out.String(), "mirror 3 ")
	assert.Contains(t, out.String(), "corrupting 65536 copy 2\n")
	assert.NotContains(t, out.String(), "copy 1\n")
}

func TestCorruptBlockOutOfRangeCopy(t *testing.T) {
	t.Parallel()
	vol := newFakeVol(2, 0x10000, 0x1000)
	var out bytes.Buffer

	err := newCorruptor(vol, &out).CorruptBlock(context.Background(), 0x10000, 0x1000, 9)
	require.NoError(t, err)

	// both mirrors visited, none corrupted
	assert.Len(t, vol.resolves, 2)
	assert.Empty(t, vol.writes)
	assert.NotContains(t, out.String(), "corrupting")
}

func TestCorruptBlockSingleMirror(t *testing.T) {
	t.Parallel()
	for _, targetCopy := range []int{0, 1, 5} {
		targetCopy := targetCopy
		t.Run(fmt.Sprintf("copy=%d", targetCopy), func(t *testing.T) {
			t.Parallel()
			vol := newFakeVol(1, 0x10000, 0x1000)
			var out bytes.Buffer

			err := newCorruptor(vol, &out).CorruptBlock(context.Background(), 0x10000, 0x1000, targetCopy)
			require.NoError(t, err)

			// a single-copy extent resolves exactly once,
			// no matter what the copy argument is
			assert.Len(t, vol.resolves, 1)
			if targetCopy <= 1 {
				assert.Len(t, vol.writes, 1)
				assert.True(t, isZero(vol.devs[1]))
			} else {
				assert.Empty(t, vol.writes)
			}
		})
	}
}

func TestCorruptBlockUnmapped(t *testing.T) {
	t.Parallel()
	vol := newFakeVol(2, 0x10000, 0x1000)
	var out bytes.Buffer

	err := newCorruptor(vol, &out).CorruptBlock(context.Background(), 0x90000, 0x1000, 0)
	assert.Error(t, err)
	assert.Empty(t, vol.writes)
}

func TestCorruptRangeRoundsUpToSectors(t *testing.T) {
	t.Parallel()
	vol := newFakeVol(1, 0x10000, 0x10000)
	var out bytes.Buffer

	// 10000 bytes rounds up to 3 sectors of 4096
	err := newCorruptor(vol, &out).CorruptRange(context.Background(), 0x10000, 10000, 0)
	require.NoError(t, err)

	assert.Equal(t, []btrfsvol.LogicalAddr{0x10000, 0x11000, 0x12000}, vol.resolves)
	assert.Len(t, vol.writes, 3)
}

func TestCorruptRangeDefaultsToOneSector(t *testing.T) {
	t.Parallel()
	vol := newFakeVol(1, 0x10000, 0x10000)
	var out bytes.Buffer

	err := newCorruptor(vol, &out).CorruptRange(context.Background(), 0x10000, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []btrfsvol.LogicalAddr{0x10000}, vol.resolves)
}

// fakeTree: MetadataStore + MetadataTxn + TreeCursor /////////////////////////////////////////////

type fakeItem struct {
	Key  btrfsprim.Key
	Body []byte
}

// fakeTree models the extent tree as one big sorted leaf.
type fakeTree struct {
	items []*fakeItem

	begins    int
	commits   int
	searchErr error
}

func (tree *fakeTree) Begin(_ context.Context, treeID btrfsprim.ObjID) (btrfscorrupt.MetadataTxn, error) {
	if treeID != btrfsprim.EXTENT_TREE_OBJECTID {
		return nil, fmt.Errorf("unexpected tree %v", treeID)
	}
	tree.begins++
	return &fakeTxn{tree: tree}, nil
}

type fakeTxn struct {
	tree *fakeTree
}

func (tx *fakeTxn) Search(key btrfsprim.Key) (btrfscorrupt.TreeCursor, bool, error) {
	if tx.tree.searchErr != nil {
		return nil, false, tx.tree.searchErr
	}
	slot, exact := slices.SearchInsert(tx.tree.items, func(item *fakeItem) int {
		return key.Compare(item.Key)
	})
	return &fakeCursor{tx: tx, slot: slot}, exact, nil
}

func (tx *fakeTxn) Commit(context.Context) error {
	tx.tree.commits++
	return nil
}

type fakeCursor struct {
	tx   *fakeTxn
	slot int
}

func (c *fakeCursor) Key() btrfsprim.Key  { return c.tx.tree.items[c.slot].Key }
func (c *fakeCursor) ItemPayload() []byte { return c.tx.tree.items[c.slot].Body }

func (c *fakeCursor) PatchPayload(dat []byte) error {
	body := c.tx.tree.items[c.slot].Body
	if len(dat) != len(body) {
		return fmt.Errorf("patch is %v bytes, payload is %v bytes", len(dat), len(body))
	}
	copy(body, dat)
	return nil
}

func (c *fakeCursor) StepBack() bool {
	if c.slot == 0 {
		return false
	}
	c.slot--
	return true
}

func (c *fakeCursor) Release() { c.tx = nil }

func k(objID btrfsprim.ObjID, typ btrfsprim.ItemType, off uint64) btrfsprim.Key {
	return btrfsprim.Key{ObjectID: objID, ItemType: typ, Offset: off}
}

func body(n int, fill byte) []byte {
	dat := make([]byte, n)
	for i := range dat {
		dat[i] = fill
	}
	return dat
}

// Scrubber tests /////////////////////////////////////////////////////////////////////////////////

func TestCorruptExtentRecords(t *testing.T) {
	t.Parallel()
	tree := &fakeTree{items: []*fakeItem{
		{Key: k(99, btrfsprim.EXTENT_ITEM_KEY, 0), Body: body(16, 0xee)},
		{Key: k(100, btrfsprim.EXTENT_ITEM_KEY, 0), Body: body(24, 0xaa)},
		{Key: k(100, btrfsprim.TREE_BLOCK_REF_KEY, 3), Body: body(8, 0xbb)},
		{Key: k(100, btrfsprim.BLOCK_GROUP_ITEM_KEY, 5), Body: body(12, 0xcc)},
		{Key: k(101, btrfsprim.EXTENT_ITEM_KEY, 0), Body: body(16, 0xdd)},
	}}
	var errOut bytes.Buffer

	scrub := &btrfscorrupt.Scrubber{Store: tree, Err: &errOut}
	require.NoError(t, scrub.CorruptExtentRecords(context.Background(), 100))

	// recognized records under objectid 100 are zeroed, length
	// unchanged
	assert.True(t, isZero(tree.items[1].Body))
	assert.Len(t, tree.items[1].Body, 24)
	assert.True(t, isZero(tree.items[2].Body))
	assert.Len(t, tree.items[2].Body, 8)
	// unrecognized type under the target objectid is untouched
	assert.Equal(t, body(12, 0xcc), tree.items[3].Body)
	// neighboring objectids are untouched
	assert.Equal(t, body(16, 0xee), tree.items[0].Body)
	assert.Equal(t, body(16, 0xdd), tree.items[4].Body)

	assert.Equal(t, ""+
		"corrupting extent record: key 100 176 3\n"+
		"corrupting extent record: key 100 168 0\n",
		errOut.String())

	assert.Equal(t, 1, tree.begins)
	assert.Equal(t, 1, tree.commits)
}

func TestCorruptExtentRecordsStopsAtForeignObjID(t *testing.T) {
	t.Parallel()
	// nothing under objectid 200; the scan steps back into
	// objectid 100's key space and must stop without touching it
	tree := &fakeTree{items: []*fakeItem{
		{Key: k(100, btrfsprim.EXTENT_ITEM_KEY, 0), Body: body(16, 0xaa)},
	}}
	var errOut bytes.Buffer

	scrub := &btrfscorrupt.Scrubber{Store: tree, Err: &errOut}
	require.NoError(t, scrub.CorruptExtentRecords(context.Background(), 200))

	assert.Equal(t, body(16, 0xaa), tree.items[0].Body)
	assert.Empty(t, errOut.String())
	assert.Equal(t, 1, tree.commits)
}

func TestCorruptExtentRecordsStopsAtFirstSlot(t *testing.T) {
	t.Parallel()
	// the target objectid sorts before everything in the tree;
	// the search lands at slot 0 with no predecessor
	tree := &fakeTree{items: []*fakeItem{
		{Key: k(500, btrfsprim.EXTENT_ITEM_KEY, 0), Body: body(16, 0xaa)},
	}}
	var errOut bytes.Buffer

	scrub := &btrfscorrupt.Scrubber{Store: tree, Err: &errOut}
	require.NoError(t, scrub.CorruptExtentRecords(context.Background(), 7))

	assert.Equal(t, body(16, 0xaa), tree.items[0].Body)
	assert.Equal(t, 1, tree.commits)
}

func TestCorruptExtentRecordsDecreasingOrder(t *testing.T) {
	t.Parallel()
	tree := &fakeTree{items: []*fakeItem{
		{Key: k(100, btrfsprim.EXTENT_ITEM_KEY, 0), Body: body(8, 1)},
		{Key: k(100, btrfsprim.TREE_BLOCK_REF_KEY, 2), Body: body(8, 2)},
		{Key: k(100, btrfsprim.EXTENT_DATA_REF_KEY, 4), Body: body(8, 3)},
		{Key: k(100, btrfsprim.SHARED_DATA_REF_KEY, 6), Body: body(8, 4)},
	}}
	var errOut bytes.Buffer

	scrub := &btrfscorrupt.Scrubber{Store: tree, Err: &errOut}
	require.NoError(t, scrub.CorruptExtentRecords(context.Background(), 100))

	for i, item := range tree.items {
		assert.True(t, isZero(item.Body), "item %v", i)
	}
	assert.Equal(t, ""+
		"corrupting extent record: key 100 184 6\n"+
		"corrupting extent record: key 100 178 4\n"+
		"corrupting extent record: key 100 176 2\n"+
		"corrupting extent record: key 100 168 0\n",
		errOut.String())
}

func TestCorruptExtentRecordsSearchErrorAbortsUncommitted(t *testing.T) {
	t.Parallel()
	tree := &fakeTree{
		items:     []*fakeItem{{Key: k(100, btrfsprim.EXTENT_ITEM_KEY, 0), Body: body(8, 1)}},
		searchErr: fmt.Errorf("tree went sideways"),
	}
	var errOut bytes.Buffer

	scrub := &btrfscorrupt.Scrubber{Store: tree, Err: &errOut}
	err := scrub.CorruptExtentRecords(context.Background(), 100)
	assert.Error(t, err)
	assert.Equal(t, 0, tree.commits)
}

func TestNextMirrorAdvance(t *testing.T) {
	t.Parallel()
	vol := newFakeVol(2, 0, 0x1000)
	var out bytes.Buffer

	// the two stop conditions are distinct: a 2-mirror extent
	// resolves twice, a 1-mirror extent once
	err := newCorruptor(vol, &out).CorruptBlock(context.Background(), 0, 0x1000, 0)
	require.NoError(t, err)
	assert.Len(t, vol.resolves, 2)

	single := newFakeVol(1, 0, 0x1000)
	out.Reset()
	err = newCorruptor(single, &out).CorruptBlock(context.Background(), 0, 0x1000, 0)
	require.NoError(t, err)
	assert.Len(t, single.resolves, 1)
}
