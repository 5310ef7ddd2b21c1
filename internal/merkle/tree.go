package merkle

// Sibling position markers in a proof step.
const (
	PositionLeft  = "left"
	PositionRight = "right"
)

// Node is an in-memory tree node used during construction and proof
// generation. Leaves carry the snapshot linkage; intermediates carry
// child pointers.
type Node struct {
	Hash                string
	Level               int
	Position            int
	Left                *Node
	Right               *Node
	SnapshotID          string
	SnapshotContentHash string
}

// ProofStep is one sibling hash on the path from a leaf to the root.
// Position names the side the sibling sits on.
type ProofStep struct {
	Hash     string `json:"hash"`
	Position string `json:"position"`
}

// Build constructs a binary Merkle tree from leaves and returns the flat
// list of all distinct nodes (leaves first, root last). A level with an
// odd node count is padded by reusing its last node, so padded parents
// reference the same child twice; the duplicate is not repeated in the
// returned list.
func Build(leaves []*Node) []*Node {
	if len(leaves) == 0 {
		return nil
	}

	if len(leaves) == 1 {
		return []*Node{leaves[0]}
	}

	all := make([]*Node, len(leaves))
	copy(all, leaves)

	current := make([]*Node, len(leaves))
	copy(current, leaves)

	for level := 1; len(current) > 1; level++ {
		if len(current)%2 == 1 {
			current = append(current, current[len(current)-1])
		}

		next := make([]*Node, 0, len(current)/2)

		for i := 0; i < len(current); i += 2 {
			left, right := current[i], current[i+1]

			parent := &Node{
				Hash:     HashPair(left.Hash, right.Hash),
				Level:    level,
				Position: i / 2,
				Left:     left,
				Right:    right,
			}

			next = append(next, parent)
			all = append(all, parent)
		}

		current = next
	}

	return all
}

// Root returns the highest-level node of a flat node list, or nil for an
// empty list.
func Root(nodes []*Node) *Node {
	var root *Node

	for _, node := range nodes {
		if root == nil || node.Level > root.Level {
			root = node
		}
	}

	return root
}

// Proof generates the inclusion proof for the leaf with the given hash:
// the ordered sibling steps needed to recompute the root. Returns nil
// when no such leaf exists.
func Proof(nodes []*Node, leafHash string) []ProofStep {
	var leaf *Node

	for _, node := range nodes {
		if node.Level == 0 && node.Hash == leafHash {
			leaf = node

			break
		}
	}

	if leaf == nil {
		return nil
	}

	parents := make(map[*Node]*Node, len(nodes))

	for _, node := range nodes {
		if node.Left != nil {
			parents[node.Left] = node
		}

		if node.Right != nil {
			parents[node.Right] = node
		}
	}

	var path []ProofStep

	for current := leaf; ; {
		parent, ok := parents[current]
		if !ok {
			break
		}

		if parent.Left == current {
			if parent.Right != nil {
				path = append(path, ProofStep{Hash: parent.Right.Hash, Position: PositionRight})
			}
		} else if parent.Left != nil {
			path = append(path, ProofStep{Hash: parent.Left.Hash, Position: PositionLeft})
		}

		current = parent
	}

	return path
}

// Verify folds a proof path over a leaf hash and reports whether it
// reproduces the expected root.
func Verify(leafHash string, path []ProofStep, expectedRoot string) bool {
	current := leafHash

	for _, step := range path {
		if step.Position == PositionRight {
			current = HashPair(current, step.Hash)
		} else {
			current = HashPair(step.Hash, current)
		}
	}

	return current == expectedRoot
}
