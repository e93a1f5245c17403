// Package merkle builds order-independent Merkle trees over receipt leaves
// so many receipts can share one on-chain anchor.
package merkle

import (
	"errors"
	"sort"

	"attest-backend/internal/commitment"
)

var ErrEmptyInput = errors.New("merkle: empty leaf set")

// Proof is the sibling path from Leaf up to Root.
type Proof struct {
	Leaf     string   `json:"leaf"`
	Root     string   `json:"root"`
	Siblings []string `json:"siblings"`
}

// Tree is the result of BuildMerkleTree. Leaves are in sorted order and
// Proofs[i] belongs to Leaves[i].
type Tree struct {
	Root   string
	Leaves []string
	Proofs []Proof
}

// ProofFor returns the proof of leaf, or false when leaf is not in the tree.
func (t *Tree) ProofFor(leaf string) (Proof, bool) {
	i := sort.SearchStrings(t.Leaves, leaf)
	if i < len(t.Leaves) && t.Leaves[i] == leaf {
		return t.Proofs[i], true
	}
	return Proof{}, false
}

// BuildMerkleTree sorts the leaves, pairs adjacent nodes level by level and
// promotes an unpaired last node unchanged. A single leaf is its own root.
func BuildMerkleTree(leaves []string) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyInput
	}

	sorted := append([]string(nil), leaves...)
	sort.Strings(sorted)

	paths := make([][]string, len(sorted))
	pos := make([]int, len(sorted))
	for i := range pos {
		pos[i] = i
	}

	level := sorted
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, HashPair(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		for leaf, p := range pos {
			if sib := p ^ 1; sib < len(level) {
				paths[leaf] = append(paths[leaf], level[sib])
			}
			pos[leaf] = p / 2
		}
		level = next
	}

	root := level[0]
	tree := &Tree{Root: root, Leaves: sorted, Proofs: make([]Proof, len(sorted))}
	for i, leaf := range sorted {
		siblings := paths[i]
		if siblings == nil {
			siblings = []string{}
		}
		tree.Proofs[i] = Proof{Leaf: leaf, Root: root, Siblings: siblings}
	}
	return tree, nil
}

// VerifyMerkleProof recomputes the root from the leaf and its siblings.
func VerifyMerkleProof(p Proof) bool {
	if p.Leaf == "" || p.Root == "" {
		return false
	}
	cur := p.Leaf
	for _, sib := range p.Siblings {
		cur = HashPair(cur, sib)
	}
	return cur == p.Root
}

// HashPair hashes two nodes in sorted order, so HashPair(a, b) == HashPair(b, a).
func HashPair(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return commitment.LabeledHash(commitment.LabelNode, []byte(a+b))
}
