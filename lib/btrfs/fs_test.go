// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs_test

import (
	"bytes"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ablock84/btrfs-progs/lib/binstruct"
	"github.com/ablock84/btrfs-progs/lib/btrfs"
	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfsitem"
	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfsprim"
	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfssum"
	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfstree"
	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfsvol"
	"github.com/ablock84/btrfs-progs/lib/btrfscorrupt"
)

type memDevice struct {
	dat []byte
}

func (dev *memDevice) Name() string                { return "testdev" }
func (dev *memDevice) Size() btrfsvol.PhysicalAddr { return btrfsvol.PhysicalAddr(len(dev.dat)) }
func (dev *memDevice) Close() error                { return nil }
func (dev *memDevice) Sync() error                 { return nil }

func (dev *memDevice) ReadAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	return copy(p, dev.dat[off:]), nil
}

func (dev *memDevice) WriteAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	return copy(dev.dat[off:], p), nil
}

// Test image layout.  One device; a single-stripe SYSTEM chunk
// holding all tree nodes, and a two-stripe (DUP) DATA chunk for the
// block-corruption tests.
const (
	testNodeSize   = 0x1000
	testSectorSize = 0x1000

	sysChunkLAddr = btrfsvol.LogicalAddr(0x10_0000)
	sysChunkPAddr = btrfsvol.PhysicalAddr(0x2_0000)
	chunkSize     = btrfsvol.AddrDelta(0x10_0000)

	dataChunkLAddr  = btrfsvol.LogicalAddr(0x20_0000)
	dataChunkPAddr1 = btrfsvol.PhysicalAddr(0x20_0000)
	dataChunkPAddr2 = btrfsvol.PhysicalAddr(0x30_0000)

	chunkRootLAddr  = sysChunkLAddr
	rootRootLAddr   = sysChunkLAddr + 0x1000
	extentLeafLAddr = sysChunkLAddr + 0x2000
)

var (
	testFSUUID    = btrfsprim.UUID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	testChunkUUID = btrfsprim.UUID{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f, 0x20}
	testDevUUID   = btrfsprim.UUID{0x21, 0x22, 0x23, 0x24, 0x25, 0x26, 0x27, 0x28, 0x29, 0x2a, 0x2b, 0x2c, 0x2d, 0x2e, 0x2f, 0x30}
)

func makeChunk(size btrfsvol.AddrDelta, flags btrfsvol.BlockGroupFlags, paddrs ...btrfsvol.PhysicalAddr) btrfsitem.Chunk {
	chunk := btrfsitem.Chunk{
		Head: btrfsitem.ChunkHeader{
			Size:       size,
			Owner:      btrfsprim.EXTENT_TREE_OBJECTID,
			StripeLen:  0x1000,
			Type:       flags,
			IOMinSize:  testSectorSize,
			SubStripes: 1,
		},
	}
	for _, paddr := range paddrs {
		chunk.Stripes = append(chunk.Stripes, btrfsitem.ChunkStripe{
			DeviceID:   1,
			Offset:     paddr,
			DeviceUUID: testDevUUID,
		})
	}
	return chunk
}

func makeLeaf(t *testing.T, laddr btrfsvol.LogicalAddr, owner btrfsprim.ObjID, items []btrfstree.Item) []byte {
	t.Helper()
	node := btrfstree.Node{
		Size:         testNodeSize,
		ChecksumType: btrfssum.TYPE_CRC32,
		Head: btrfstree.NodeHeader{
			MetadataUUID:  testFSUUID,
			Addr:          laddr,
			Flags:         btrfstree.NodeWritten,
			ChunkTreeUUID: testChunkUUID,
			Generation:    1,
			Owner:         owner,
			Level:         0,
		},
		BodyLeaf: items,
	}
	buf, err := node.MarshalBinary()
	require.NoError(t, err)
	sum, err := btrfssum.TYPE_CRC32.Sum(buf[binstruct.StaticSize(btrfssum.CSum{}):])
	require.NoError(t, err)
	copy(buf, sum[:])
	return buf
}

func mustMarshal(t *testing.T, obj any) []byte {
	t.Helper()
	dat, err := binstruct.Marshal(obj)
	require.NoError(t, err)
	return dat
}

// buildTestImage assembles a small but fully valid filesystem image:
// superblock, chunk tree, root tree, and an extent tree with records
// for a data extent at dataChunkLAddr.
func buildTestImage(t *testing.T) []byte {
	t.Helper()
	img := make([]byte, 0x40_0000)

	sysChunk := makeChunk(chunkSize, btrfsvol.BLOCK_GROUP_SYSTEM, sysChunkPAddr)
	dataChunk := makeChunk(chunkSize, btrfsvol.BLOCK_GROUP_DATA|btrfsvol.BLOCK_GROUP_DUP,
		dataChunkPAddr1, dataChunkPAddr2)

	sysChunkKey := btrfsprim.Key{
		ObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID,
		ItemType: btrfsprim.CHUNK_ITEM_KEY,
		Offset:   uint64(sysChunkLAddr),
	}
	dataChunkKey := btrfsprim.Key{
		ObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID,
		ItemType: btrfsprim.CHUNK_ITEM_KEY,
		Offset:   uint64(dataChunkLAddr),
	}

	// chunk tree: both chunks
	chunkLeaf := makeLeaf(t, chunkRootLAddr, btrfsprim.CHUNK_TREE_OBJECTID, []btrfstree.Item{
		{Key: sysChunkKey, Body: mustMarshal(t, sysChunk)},
		{Key: dataChunkKey, Body: mustMarshal(t, dataChunk)},
	})
	copy(img[sysChunkPAddr:], chunkLeaf)

	// root tree: a ROOT_ITEM for the extent tree
	rootItem := btrfsitem.Root{
		Generation: 1,
		ByteNr:     extentLeafLAddr,
		Level:      0,
	}
	rootLeaf := makeLeaf(t, rootRootLAddr, btrfsprim.ROOT_TREE_OBJECTID, []btrfstree.Item{
		{
			Key: btrfsprim.Key{
				ObjectID: btrfsprim.EXTENT_TREE_OBJECTID,
				ItemType: btrfsprim.ROOT_ITEM_KEY,
				Offset:   0,
			},
			Body: mustMarshal(t, rootItem),
		},
	})
	copy(img[sysChunkPAddr+0x1000:], rootLeaf)

	// extent tree: records for the data extent, plus an
	// unrecognized item under the same objectid and a record for
	// a different extent
	extentObj := btrfsprim.ObjID(dataChunkLAddr)
	extentLeaf := makeLeaf(t, extentLeafLAddr, btrfsprim.EXTENT_TREE_OBJECTID, []btrfstree.Item{
		{
			Key:  btrfsprim.Key{ObjectID: extentObj, ItemType: btrfsprim.EXTENT_ITEM_KEY, Offset: 0x1000},
			Body: bytes.Repeat([]byte{0x11}, 16),
		},
		{
			Key:  btrfsprim.Key{ObjectID: extentObj, ItemType: btrfsprim.BLOCK_GROUP_ITEM_KEY, Offset: 0x1000},
			Body: bytes.Repeat([]byte{0x22}, 24),
		},
		{
			Key:  btrfsprim.Key{ObjectID: extentObj + 0x10_0000, ItemType: btrfsprim.EXTENT_ITEM_KEY, Offset: 0x1000},
			Body: bytes.Repeat([]byte{0x33}, 16),
		},
	})
	copy(img[sysChunkPAddr+0x2000:], extentLeaf)

	// data extent payload, one block per mirror
	copy(img[dataChunkPAddr1:], bytes.Repeat([]byte{0x5a}, testSectorSize))
	copy(img[dataChunkPAddr2:], bytes.Repeat([]byte{0x5a}, testSectorSize))

	// superblock
	sb := btrfstree.Superblock{
		FSUUID:       testFSUUID,
		Self:         0x1_0000,
		Magic:        [8]byte{'_', 'B', 'H', 'R', 'f', 'S', '_', 'M'},
		Generation:   1,
		RootTree:     rootRootLAddr,
		ChunkTree:    chunkRootLAddr,
		TotalBytes:   uint64(len(img)),
		NumDevices:   1,
		SectorSize:   testSectorSize,
		NodeSize:     testNodeSize,
		LeafSize:     testNodeSize,
		StripeSize:   0x1000,
		ChecksumType: btrfssum.TYPE_CRC32,
		ChunkLevel:   0,
		RootLevel:    0,
		DevItem: btrfsitem.Dev{
			DevID:     1,
			NumBytes:  uint64(len(img)),
			IOMinSize: testSectorSize,
			DevUUID:   testDevUUID,
			FSUUID:    testFSUUID,
		},
	}
	sysChunkBytes, err := btrfstree.SysChunk{Key: sysChunkKey, Chunk: sysChunk}.MarshalBinary()
	require.NoError(t, err)
	copy(sb.SysChunkArray[:], sysChunkBytes)
	sb.SysChunkArraySize = uint32(len(sysChunkBytes))

	sbBuf := mustMarshal(t, sb)
	require.Len(t, sbBuf, 0x1000)
	sum, err := btrfssum.TYPE_CRC32.Sum(sbBuf[binstruct.StaticSize(btrfssum.CSum{}):])
	require.NoError(t, err)
	copy(sbBuf, sum[:])
	copy(img[0x1_0000:], sbBuf)

	return img
}

func openTestFS(t *testing.T, img []byte) *btrfs.FS {
	t.Helper()
	ctx := dlog.NewTestContext(t, false)
	fs := new(btrfs.FS)
	require.NoError(t, fs.AddDevice(ctx, &btrfs.Device{SyncFile: &memDevice{dat: img}}))
	return fs
}

func TestOpenLoadsChunkMappings(t *testing.T) {
	t.Parallel()
	fs := openTestFS(t, buildTestImage(t))

	// the sys-chunk bootstrap and the chunk-tree walk must agree
	// on the SYSTEM chunk, and the DUP chunk comes only from the
	// chunk tree
	assert.Equal(t, 1, fs.NumCopies(chunkRootLAddr, testNodeSize))
	assert.Equal(t, 2, fs.NumCopies(dataChunkLAddr, testSectorSize))

	paddr, err := fs.ResolveMirror(dataChunkLAddr, testSectorSize, 1)
	require.NoError(t, err)
	assert.Equal(t, btrfsvol.QualifiedPhysicalAddr{Dev: 1, Addr: dataChunkPAddr1}, paddr)
	paddr, err = fs.ResolveMirror(dataChunkLAddr, testSectorSize, 2)
	require.NoError(t, err)
	assert.Equal(t, btrfsvol.QualifiedPhysicalAddr{Dev: 1, Addr: dataChunkPAddr2}, paddr)
}

func TestCorruptDataBlockOnImage(t *testing.T) {
	t.Parallel()
	img := buildTestImage(t)
	fs := openTestFS(t, img)
	ctx := dlog.NewTestContext(t, false)
	var out bytes.Buffer

	corrupt := &btrfscorrupt.Corruptor{
		Map:        fs,
		IO:         fs,
		SectorSize: testSectorSize,
		Out:        &out,
	}
	require.NoError(t, corrupt.CorruptRange(ctx, dataChunkLAddr, 0, 2))

	// mirror 2 zeroed, mirror 1 intact
	assert.Equal(t, bytes.Repeat([]byte{0x5a}, testSectorSize),
		img[dataChunkPAddr1:dataChunkPAddr1+testSectorSize])
	assert.Equal(t, make([]byte, testSectorSize),
		img[dataChunkPAddr2:dataChunkPAddr2+testSectorSize])

	assert.Contains(t, out.String(), "mirror 1 logical 2097152 physical 2097152 device testdev\n")
	assert.Contains(t, out.String(), "corrupting 2097152 copy 2\n")
}

func TestPatchedLeafSurvivesCacheEviction(t *testing.T) {
	t.Parallel()
	img := buildTestImage(t)
	fs := openTestFS(t, img)
	ctx := dlog.NewTestContext(t, false)

	txn, err := fs.Begin(ctx, btrfsprim.EXTENT_TREE_OBJECTID)
	require.NoError(t, err)

	key := btrfsprim.Key{
		ObjectID: btrfsprim.ObjID(dataChunkLAddr),
		ItemType: btrfsprim.EXTENT_ITEM_KEY,
		Offset:   0x1000,
	}
	cur, exact, err := txn.Search(key)
	require.NoError(t, err)
	require.True(t, exact)
	require.NoError(t, cur.PatchPayload(make([]byte, len(cur.ItemPayload()))))
	cur.Release()

	// An uncommitted patch must stay visible even after the cache
	// has dropped the leaf and would re-read the stale on-disk
	// bytes.
	fs.DropCachedNode(extentLeafLAddr)

	cur, exact, err = txn.Search(key)
	require.NoError(t, err)
	require.True(t, exact)
	assert.Equal(t, make([]byte, 16), cur.ItemPayload())
	cur.Release()

	require.NoError(t, txn.Commit(ctx))
	fs2 := openTestFS(t, img)
	ref, err := fs2.ReadNode(extentLeafLAddr)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), ref.Data.BodyLeaf[0].Body)
}

func TestCorruptExtentRecordsOnImage(t *testing.T) {
	t.Parallel()
	img := buildTestImage(t)
	fs := openTestFS(t, img)
	ctx := dlog.NewTestContext(t, false)
	var errOut bytes.Buffer

	scrub := &btrfscorrupt.Scrubber{Store: fs, Err: &errOut}
	require.NoError(t, scrub.CorruptExtentRecords(ctx, dataChunkLAddr))

	assert.Equal(t, "corrupting extent record: key 2097152 168 4096\n", errOut.String())

	// Re-open the image from scratch; the committed leaf must
	// still checksum cleanly and only the recognized record's
	// payload may have changed.
	fs2 := openTestFS(t, img)
	ref, err := fs2.ReadNode(extentLeafLAddr)
	require.NoError(t, err)
	require.Len(t, ref.Data.BodyLeaf, 3)
	assert.Equal(t, make([]byte, 16), ref.Data.BodyLeaf[0].Body)
	assert.Equal(t, bytes.Repeat([]byte{0x22}, 24), ref.Data.BodyLeaf[1].Body)
	assert.Equal(t, bytes.Repeat([]byte{0x33}, 16), ref.Data.BodyLeaf[2].Body)
}
