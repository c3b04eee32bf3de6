// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsvol

import (
	"fmt"
	"reflect"

	"github.com/datawire/dlib/derror"

	"github.com/ablock84/btrfs-progs/lib/diskio"
	"github.com/ablock84/btrfs-progs/lib/slices"
)

// A LogicalVolume is a read-write mapping layer between the logical
// address space and a set of physical volumes.
//
// Chunk mappings are kept in a slice sorted by logical address; the
// mapped regions never overlap, so a binary search resolves any
// address in O(log n).
type LogicalVolume[PhysicalVolume diskio.SyncFile[PhysicalAddr]] struct {
	name string

	id2pv map[DeviceID]PhysicalVolume

	chunks []chunkMapping
}

var _ diskio.File[LogicalAddr] = (*LogicalVolume[diskio.SyncFile[PhysicalAddr]])(nil)

func (lv *LogicalVolume[PhysicalVolume]) init() {
	if lv.id2pv == nil {
		lv.id2pv = make(map[DeviceID]PhysicalVolume)
	}
}

func (lv *LogicalVolume[PhysicalVolume]) SetName(name string) {
	lv.init()
	lv.name = name
}

func (lv *LogicalVolume[PhysicalVolume]) Name() string {
	lv.init()
	return lv.name
}

func (lv *LogicalVolume[PhysicalVolume]) Size() LogicalAddr {
	lv.init()
	if len(lv.chunks) == 0 {
		return 0
	}
	last := lv.chunks[len(lv.chunks)-1]
	return last.LAddr.Add(last.Size)
}

func (lv *LogicalVolume[PhysicalVolume]) Close() error {
	var errs derror.MultiError
	for _, dev := range lv.id2pv {
		if err := dev.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (lv *LogicalVolume[PhysicalVolume]) AddPhysicalVolume(id DeviceID, dev PhysicalVolume) error {
	lv.init()
	if other, exists := lv.id2pv[id]; exists {
		return fmt.Errorf("(%p).AddPhysicalVolume: cannot add physical volume %q: already have physical volume %q with id=%v",
			lv, dev.Name(), other.Name(), id)
	}
	lv.id2pv[id] = dev
	return nil
}

func (lv *LogicalVolume[PhysicalVolume]) PhysicalVolumes() map[DeviceID]PhysicalVolume {
	dup := make(map[DeviceID]PhysicalVolume, len(lv.id2pv))
	for k, v := range lv.id2pv {
		dup[k] = v
	}
	return dup
}

// A Mapping is a public description of one (logical, physical) stripe
// pair; it is the JSON representation used by the --mappings override
// file.
type Mapping struct {
	LAddr      LogicalAddr
	PAddr      QualifiedPhysicalAddr
	Size       AddrDelta
	SizeLocked bool             `json:",omitempty"`
	Flags      *BlockGroupFlags `json:",omitempty"`
}

func (lv *LogicalVolume[PhysicalVolume]) Mappings() []Mapping {
	var ret []Mapping
	for _, chunk := range lv.chunks {
		var flags *BlockGroupFlags
		if chunk.Flags != nil {
			val := *chunk.Flags
			flags = &val
		}
		for _, stripe := range chunk.PAddrs {
			ret = append(ret, Mapping{
				LAddr: chunk.LAddr,
				PAddr: stripe,
				Size:  chunk.Size,
				Flags: flags,
			})
		}
	}
	return ret
}

func (lv *LogicalVolume[PhysicalVolume]) AddMapping(m Mapping) error {
	lv.init()
	// sanity check
	if _, haveDev := lv.id2pv[m.PAddr.Dev]; !haveDev {
		return fmt.Errorf("(%p).AddMapping: do not have a physical volume with id=%v",
			lv, m.PAddr.Dev)
	}

	newChunk := chunkMapping{
		LAddr:  m.LAddr,
		PAddrs: []QualifiedPhysicalAddr{m.PAddr},
		Size:   m.Size,
		Flags:  m.Flags,
	}

	// The mapped regions are non-overlapping, so any existing
	// chunks that overlap the new one form a contiguous run
	// around its insertion point.
	pos, _ := slices.SearchInsert(lv.chunks, func(chunk chunkMapping) int {
		return newChunk.cmpRange(chunk)
	})
	beg, end := pos, pos
	for beg > 0 && lv.chunks[beg-1].cmpRange(newChunk) == 0 {
		beg--
	}
	for end < len(lv.chunks) && lv.chunks[end].cmpRange(newChunk) == 0 {
		end++
	}
	if beg < end {
		merged, err := newChunk.union(lv.chunks[beg:end]...)
		if err != nil {
			return fmt.Errorf("(%p).AddMapping: %w", lv, err)
		}
		newChunk = merged
	}

	dup := make([]chunkMapping, 0, len(lv.chunks)-(end-beg)+1)
	dup = append(dup, lv.chunks[:beg]...)
	dup = append(dup, newChunk)
	dup = append(dup, lv.chunks[end:]...)
	lv.chunks = dup
	return nil
}

func (lv *LogicalVolume[PhysicalVolume]) mapping(laddr LogicalAddr) (chunkMapping, bool) {
	probe := chunkMapping{LAddr: laddr, Size: 1}
	idx, ok := slices.Search(lv.chunks, func(chunk chunkMapping) int {
		return probe.cmpRange(chunk)
	})
	if !ok {
		return chunkMapping{}, false
	}
	return lv.chunks[idx], true
}

// Resolve returns the set of physical addresses that a logical
// address maps to, along with the maximum size that is contiguously
// mapped starting at that address.
func (lv *LogicalVolume[PhysicalVolume]) Resolve(laddr LogicalAddr) (paddrs map[QualifiedPhysicalAddr]struct{}, maxlen AddrDelta) {
	chunk, ok := lv.mapping(laddr)
	if !ok {
		return nil, 0
	}
	offsetWithinChunk := laddr.Sub(chunk.LAddr)
	paddrs = make(map[QualifiedPhysicalAddr]struct{}, len(chunk.PAddrs))
	for _, stripe := range chunk.PAddrs {
		paddrs[stripe.Add(offsetWithinChunk)] = struct{}{}
	}
	return paddrs, chunk.Size - offsetWithinChunk
}

// NumCopies returns how many physical copies the region
// [laddr, laddr+size) has, or 0 if any part of it is unmapped.
func (lv *LogicalVolume[PhysicalVolume]) NumCopies(laddr LogicalAddr, size AddrDelta) int {
	chunk, ok := lv.mapping(laddr)
	if !ok {
		return 0
	}
	if laddr.Add(size) > chunk.LAddr.Add(chunk.Size) {
		return 0
	}
	return len(chunk.PAddrs)
}

// ResolveMirror returns the physical address of one specific copy of
// the region [laddr, laddr+size).  Mirrors are numbered starting at
// 1, in (device, offset) order; the numbering is stable for the
// lifetime of the mapping table.
func (lv *LogicalVolume[PhysicalVolume]) ResolveMirror(laddr LogicalAddr, size AddrDelta, mirror int) (QualifiedPhysicalAddr, error) {
	chunk, ok := lv.mapping(laddr)
	if !ok {
		return QualifiedPhysicalAddr{}, fmt.Errorf("logical address %v is not mapped", laddr)
	}
	if laddr.Add(size) > chunk.LAddr.Add(chunk.Size) {
		return QualifiedPhysicalAddr{}, fmt.Errorf("region laddr=%v size=%v crosses a chunk boundary", laddr, size)
	}
	if mirror < 1 || mirror > len(chunk.PAddrs) {
		return QualifiedPhysicalAddr{}, fmt.Errorf("mirror %d is out of range: chunk at %v has %d copies",
			mirror, chunk.LAddr, len(chunk.PAddrs))
	}
	return chunk.PAddrs[mirror-1].Add(laddr.Sub(chunk.LAddr)), nil
}

func (lv *LogicalVolume[PhysicalVolume]) ReadAt(dat []byte, laddr LogicalAddr) (int, error) {
	done := 0
	for done < len(dat) {
		n, err := lv.maybeShortReadAt(dat[done:], laddr+LogicalAddr(done))
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

func (lv *LogicalVolume[PhysicalVolume]) maybeShortReadAt(dat []byte, laddr LogicalAddr) (int, error) {
	paddrs, maxlen := lv.Resolve(laddr)
	if len(paddrs) == 0 {
		return 0, fmt.Errorf("read: could not map logical address %v", laddr)
	}
	if AddrDelta(len(dat)) > maxlen {
		dat = dat[:maxlen]
	}

	buf := make([]byte, len(dat))
	first := true
	for paddr := range paddrs {
		dev, ok := lv.id2pv[paddr.Dev]
		if !ok {
			return 0, fmt.Errorf("read device: could not map device id %v", paddr.Dev)
		}
		if _, err := dev.ReadAt(buf, paddr.Addr); err != nil {
			return 0, fmt.Errorf("read device %v: %w", paddr.Dev, err)
		}
		if first {
			copy(dat, buf)
		} else if !reflect.DeepEqual(dat, buf) {
			return 0, fmt.Errorf("inconsistent mirrors of laddr=%v", laddr)
		}
		first = false
	}
	return len(dat), nil
}

// WriteAt writes to every mirror of the given logical address.
func (lv *LogicalVolume[PhysicalVolume]) WriteAt(dat []byte, laddr LogicalAddr) (int, error) {
	done := 0
	for done < len(dat) {
		n, err := lv.maybeShortWriteAt(dat[done:], laddr+LogicalAddr(done))
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

func (lv *LogicalVolume[PhysicalVolume]) maybeShortWriteAt(dat []byte, laddr LogicalAddr) (int, error) {
	paddrs, maxlen := lv.Resolve(laddr)
	if len(paddrs) == 0 {
		return 0, fmt.Errorf("write: could not map logical address %v", laddr)
	}
	if AddrDelta(len(dat)) > maxlen {
		dat = dat[:maxlen]
	}

	for paddr := range paddrs {
		dev, ok := lv.id2pv[paddr.Dev]
		if !ok {
			return 0, fmt.Errorf("write device: could not map device id %v", paddr.Dev)
		}
		if _, err := dev.WriteAt(dat, paddr.Addr); err != nil {
			return 0, fmt.Errorf("write device %v: %w", paddr.Dev, err)
		}
	}
	return len(dat), nil
}

// Fsync flushes every physical volume to stable storage.
func (lv *LogicalVolume[PhysicalVolume]) Fsync() error {
	var errs derror.MultiError
	for _, dev := range lv.id2pv {
		if err := dev.Sync(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
