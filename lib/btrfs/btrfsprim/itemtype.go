// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsprim

import (
	"fmt"
)

// ItemType is the middle member of a Key; it determines how the item
// payload addressed by the Key is to be interpreted. The numeric
// values give item types a fixed total ordering within an object's
// key space.
type ItemType uint8

const (
	UNTYPED_KEY = ItemType(0)

	INODE_ITEM_KEY = ItemType(1)
	INODE_REF_KEY  = ItemType(12)

	ROOT_ITEM_KEY = ItemType(132)

	EXTENT_ITEM_KEY   = ItemType(168)
	METADATA_ITEM_KEY = ItemType(169)

	TREE_BLOCK_REF_KEY   = ItemType(176)
	EXTENT_DATA_REF_KEY  = ItemType(178)
	EXTENT_REF_V0_KEY    = ItemType(180)
	SHARED_BLOCK_REF_KEY = ItemType(182)
	SHARED_DATA_REF_KEY  = ItemType(184)

	BLOCK_GROUP_ITEM_KEY = ItemType(192)
	DEV_EXTENT_KEY       = ItemType(204)
	DEV_ITEM_KEY         = ItemType(216)
	CHUNK_ITEM_KEY       = ItemType(228)

	// MAX_KEY is not a real item type; it is the sentinel maximum
	// usable to seed an ordered scan.
	MAX_KEY = ItemType(255)
)

var itemTypeNames = map[ItemType]string{
	UNTYPED_KEY: "UNTYPED",

	INODE_ITEM_KEY: "INODE_ITEM",
	INODE_REF_KEY:  "INODE_REF",

	ROOT_ITEM_KEY: "ROOT_ITEM",

	EXTENT_ITEM_KEY:   "EXTENT_ITEM",
	METADATA_ITEM_KEY: "METADATA_ITEM",

	TREE_BLOCK_REF_KEY:   "TREE_BLOCK_REF",
	EXTENT_DATA_REF_KEY:  "EXTENT_DATA_REF",
	EXTENT_REF_V0_KEY:    "EXTENT_REF_V0",
	SHARED_BLOCK_REF_KEY: "SHARED_BLOCK_REF",
	SHARED_DATA_REF_KEY:  "SHARED_DATA_REF",

	BLOCK_GROUP_ITEM_KEY: "BLOCK_GROUP_ITEM",
	DEV_EXTENT_KEY:       "DEV_EXTENT",
	DEV_ITEM_KEY:         "DEV_ITEM",
	CHUNK_ITEM_KEY:       "CHUNK_ITEM",

	MAX_KEY: "MAX_KEY",
}

func (t ItemType) String() string {
	if name, ok := itemTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("%d", t)
}
