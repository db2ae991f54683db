package conversation

import (
	"sync"

	"github.com/pkg/errors"
)

// Tree is an in-memory message store.
//
// The tree consists of nodes connected by parent-child links. These relationships are done
// through the parent ID field in each node. The root node is the starting point of the conversation,
// and each node can have multiple children, one per branch of the conversation.
//
// Each node has a unique ID, and the tree keeps track of the root node ID and the last inserted node ID.
type Tree struct {
	Nodes  map[NodeID]*MessageNode
	RootID NodeID
	LastID NodeID

	mu sync.RWMutex
}

func NewTree() *Tree {
	return &Tree{
		Nodes: make(map[NodeID]*MessageNode),
	}
}

// Insert adds nodes to the tree.
// It updates the root ID if the tree is empty and sets the last inserted node ID.
// If a node has a parent ID that exists in the tree, it is added as a child of that parent node.
func (t *Tree) Insert(nodes ...*MessageNode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, n := range nodes {
		t.Nodes[n.ID] = n
		if t.RootID == NullNode {
			t.RootID = n.ID
		}
		t.LastID = n.ID

		if parent, exists := t.Nodes[n.ParentID]; exists {
			parent.Children = append(parent.Children, n)
		}
	}
}

// Append attaches a new node holding the given variants to the last inserted node.
func (t *Tree) Append(variants ...*Variant) (*MessageNode, error) {
	if len(variants) == 0 {
		return nil, errors.New("a message node needs at least one variant")
	}
	t.mu.RLock()
	parentID := t.LastID
	t.mu.RUnlock()

	n := NewMessageNode(parentID, variants...)
	t.Insert(n)
	return n, nil
}

func (t *Tree) Node(id NodeID) (*MessageNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ret, exists := t.Nodes[id]
	return ret, exists
}

// Children returns the IDs of all child nodes for a given node ID.
func (t *Tree) Children(id NodeID) []NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node, exists := t.Nodes[id]
	if !exists {
		return nil
	}

	var children []NodeID
	for _, child := range node.Children {
		children = append(children, child.ID)
	}
	return children
}

// Ancestry retrieves the linear path from root to the specified node, inclusive.
func (t *Tree) Ancestry(id NodeID) Ancestry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var thread Ancestry
	seen := map[NodeID]bool{}
	for id != NullNode && !seen[id] {
		seen[id] = true
		node, exists := t.Nodes[id]
		if !exists {
			break
		}
		thread = append(Ancestry{node}, thread...)
		id = node.ParentID
	}
	return thread
}

// FindVariant returns the node holding the variant with the given ID.
func (t *Tree) FindVariant(variantID NodeID) (*MessageNode, *Variant, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, n := range t.Nodes {
		for _, v := range n.Variants {
			if v.ID == variantID {
				return n, v, true
			}
		}
	}
	return nil, nil, false
}
