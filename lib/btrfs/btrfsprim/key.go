// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsprim

import (
	"fmt"
	"math"

	"github.com/ablock84/btrfs-progs/lib/binstruct"
	"github.com/ablock84/btrfs-progs/lib/containers"
)

type Key struct {
	ObjectID      ObjID    `bin:"off=0x0, siz=0x8"` // Each tree has its own set of Object IDs.
	ItemType      ItemType `bin:"off=0x8, siz=0x1"`
	Offset        uint64   `bin:"off=0x9, siz=0x8"` // The meaning depends on the item type.
	binstruct.End `bin:"off=0x11"`
}

const MaxOffset uint64 = math.MaxUint64

var MaxKey = Key{
	ObjectID: math.MaxUint64,
	ItemType: MAX_KEY,
	Offset:   MaxOffset,
}

func (key Key) String() string {
	if key.Offset == MaxOffset {
		return fmt.Sprintf("(%v %v -1)", key.ObjectID, key.ItemType)
	}
	return fmt.Sprintf("(%v %v %v)", key.ObjectID, key.ItemType, key.Offset)
}

func (a Key) Compare(b Key) int {
	if d := containers.NativeCompare(a.ObjectID, b.ObjectID); d != 0 {
		return d
	}
	if d := containers.NativeCompare(a.ItemType, b.ItemType); d != 0 {
		return d
	}
	return containers.NativeCompare(a.Offset, b.Offset)
}

var _ containers.Ordered[Key] = Key{}
