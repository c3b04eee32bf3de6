// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfsvol"
)

// DropCachedNode evicts the node at the given address from the node
// cache, as if it had aged out.
func (fs *FS) DropCachedNode(laddr btrfsvol.LogicalAddr) {
	fs.cacheNodes.Remove(laddr)
}
