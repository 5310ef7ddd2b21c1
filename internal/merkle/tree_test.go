package merkle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeLeaves(n int) []*Node {
	leaves := make([]*Node, 0, n)

	for i := range n {
		leaves = append(leaves, &Node{
			Hash:     HashPair(fmt.Sprintf("leaf-%d", i), ""),
			Level:    0,
			Position: i,
		})
	}

	return leaves
}

func TestBuild_Empty(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Build(nil))
}

func TestBuild_SingleLeafIsRoot(t *testing.T) {
	t.Parallel()

	leaves := makeLeaves(1)
	all := Build(leaves)

	require.Len(t, all, 1)
	assert.Equal(t, leaves[0], Root(all))
	assert.Equal(t, 0, Root(all).Level)
}

func TestBuild_TwoLeaves(t *testing.T) {
	t.Parallel()

	leaves := makeLeaves(2)
	all := Build(leaves)

	require.Len(t, all, 3)

	root := Root(all)
	require.NotNil(t, root)
	assert.Equal(t, 1, root.Level)
	assert.Equal(t, HashPair(leaves[0].Hash, leaves[1].Hash), root.Hash)
}

func TestBuild_OddCountDuplicatesLast(t *testing.T) {
	t.Parallel()

	// Five leaves: level 0 has 5 distinct nodes, level 1 pairs a padded
	// sixth (duplicate of the fifth) into 3 parents, level 2 pads to 4
	// giving 2 parents, level 3 is the root. 5+3+2+1 distinct nodes.
	leaves := makeLeaves(5)
	all := Build(leaves)

	require.Len(t, all, 11)

	root := Root(all)
	require.NotNil(t, root)
	assert.Equal(t, 3, root.Level)

	// The padded parent references the same child on both sides.
	var padded *Node

	for _, node := range all {
		if node.Left != nil && node.Left == node.Right {
			padded = node

			break
		}
	}

	require.NotNil(t, padded)
	assert.Equal(t, HashPair(padded.Left.Hash, padded.Left.Hash), padded.Hash)
}

func TestProof_AllLeavesVerify(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 3, 5, 8} {
		t.Run(fmt.Sprintf("leaves_%d", n), func(t *testing.T) {
			t.Parallel()

			leaves := makeLeaves(n)
			all := Build(leaves)
			root := Root(all)
			require.NotNil(t, root)

			for _, leaf := range leaves {
				path := Proof(all, leaf.Hash)
				assert.True(t, Verify(leaf.Hash, path, root.Hash), "leaf %d/%d", leaf.Position, n)
			}
		})
	}
}

func TestProof_UnknownLeaf(t *testing.T) {
	t.Parallel()

	all := Build(makeLeaves(4))

	assert.Nil(t, Proof(all, "not-a-leaf"))
}

func TestVerify_TamperedLeafFails(t *testing.T) {
	t.Parallel()

	leaves := makeLeaves(5)
	all := Build(leaves)
	root := Root(all)
	require.NotNil(t, root)

	path := Proof(all, leaves[2].Hash)
	require.NotEmpty(t, path)

	tampered := HashPair("tampered", "")

	assert.True(t, Verify(leaves[2].Hash, path, root.Hash))
	assert.False(t, Verify(tampered, path, root.Hash))
}

func TestVerify_TamperedPathFails(t *testing.T) {
	t.Parallel()

	leaves := makeLeaves(4)
	all := Build(leaves)
	root := Root(all)
	require.NotNil(t, root)

	path := Proof(all, leaves[0].Hash)
	require.NotEmpty(t, path)

	path[0].Hash = HashPair("swapped", "")

	assert.False(t, Verify(leaves[0].Hash, path, root.Hash))
}
