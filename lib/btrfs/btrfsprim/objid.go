// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsprim

type ObjID uint64

const maxUint64pp = 0x1_00000000_00000000

const (
	// The IDs of the various trees
	ROOT_TREE_OBJECTID   ObjID = 1 // holds pointers to all of the tree roots
	EXTENT_TREE_OBJECTID ObjID = 2 // stores information about which extents are in use, and reference counts
	CHUNK_TREE_OBJECTID  ObjID = 3 // chunk tree stores translations from logical -> physical block numbering
	DEV_TREE_OBJECTID    ObjID = 4 // stores info about which areas of a given device are in use; one per device
	FS_TREE_OBJECTID     ObjID = 5 // one per subvolume, storing files and directories
	CSUM_TREE_OBJECTID   ObjID = 7 // holds checksums of all the data extents

	// Objects in the CHUNK_TREE
	DEV_ITEMS_OBJECTID        ObjID = 1
	FIRST_CHUNK_TREE_OBJECTID ObjID = 256

	EXTENT_CSUM_OBJECTID ObjID = maxUint64pp - 10 // extent checksums all have this objectid
)

type Generation uint64
