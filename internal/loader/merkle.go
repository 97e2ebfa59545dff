// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

// ComputeTreeSize returns the size in bytes of the Merkle/verity tree for a
// file of the given size, for the loader's fixed BlockSize and DigestSize.
//
// With hashesPerBlock = BlockSize/DigestSize and L0 = ceil(size/BlockSize),
// each level folds the previous level's block count by hashesPerBlock until
// one block remains; the tree size is the sum of every level after L0,
// times BlockSize. A file whose data fits in zero or one block has no
// tree at all.
func ComputeTreeSize(size int64) int64 {
	if size <= 0 {
		return 0
	}

	const hashesPerBlock = int64(BlockSize / DigestSize)

	blockCount := (size + BlockSize - 1) / BlockSize
	var totalTreeBlocks int64
	for blockCount > 1 {
		blockCount = (blockCount + hashesPerBlock - 1) / hashesPerBlock
		totalTreeBlocks += blockCount
	}
	return totalTreeBlocks * BlockSize
}
