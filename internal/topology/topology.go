// Package topology builds and mutates the fractal tree (spec C3): an
// arena of TreeNodes keyed by opaque node id, cross-referenced only by id
// (design note §9's "arena + stable ID" redesign, never a structural
// pointer graph). Every parent -> child edge is also mirrored into a
// directed github.com/katalvlaran/lvlath/core.Graph, grounded on
// katalvlaran-lvlath/core/*.go; the tree's queries and its acyclicity
// check walk the node arena, not that graph.
package topology

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	lvcore "github.com/katalvlaran/lvlath/core"

	"github.com/utilityfog/simcore/internal/ids"
)

var (
	ErrNotLeaf        = errors.New("topology: node has children, cannot remove without reparenting policy")
	ErrNodeNotFound   = errors.New("topology: node not found")
	ErrBranchingBound = errors.New("topology: branching factor exceeded")
	ErrDepthBound     = errors.New("topology: max depth exceeded")
	ErrAlreadyHasRoot = errors.New("topology: tree already has a root")
)

// TreeNode mirrors spec §3's TreeNode entity. Children is ordered because
// several operations (reparenting, deterministic trimming) depend on
// insertion order being preserved.
type TreeNode struct {
	NodeID   string
	Parent   string // "" for the root
	Children []string
	Depth    int
	AgentID  string // "" until an agent occupies this node
}

// Tree is the mutable fractal-tree topology for a single Run. All mutation
// goes through Tree's methods: AddNode refuses a child that would break the
// branching or depth bound, RemoveNode trims reparented children that would
// break the branching bound, and CheckInvariants verifies the
// acyclicity/branching/depth invariants of §4.3 on demand.
type Tree struct {
	mu sync.RWMutex

	maxDepth  int
	branching int

	graph *lvcore.Graph // edge store of record: parent -> child, directed
	nodes map[string]*TreeNode
	root  string
}

// New creates an empty Tree bounded by maxDepth and branching factor.
func New(maxDepth, branching int) *Tree {
	return &Tree{
		maxDepth:  maxDepth,
		branching: branching,
		graph:     lvcore.NewGraph(lvcore.WithDirected(true)),
		nodes:     make(map[string]*TreeNode),
	}
}

// AddRoot creates the single root node (depth 0). Must be called before
// any AddNode call.
func (t *Tree) AddRoot() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root != "" {
		return "", ErrAlreadyHasRoot
	}
	id := ids.New(ids.KindNode)
	if err := t.graph.AddVertex(id); err != nil {
		return "", err
	}
	t.nodes[id] = &TreeNode{NodeID: id, Depth: 0}
	t.root = id
	return id, nil
}

// AddNode adds a new node as a child of parent, enforcing branching and
// depth bounds. Returns the new node's id.
func (t *Tree) AddNode(parent string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.nodes[parent]
	if !ok {
		return "", ErrNodeNotFound
	}
	if len(p.Children) >= t.branching {
		return "", ErrBranchingBound
	}
	if p.Depth+1 > t.maxDepth {
		return "", ErrDepthBound
	}

	id := ids.New(ids.KindNode)
	if err := t.graph.AddVertex(id); err != nil {
		return "", err
	}
	if _, err := t.graph.AddEdge(parent, id, 0); err != nil {
		return "", err
	}

	t.nodes[id] = &TreeNode{NodeID: id, Parent: parent, Depth: p.Depth + 1}
	p.Children = append(p.Children, id)
	return id, nil
}

// RemoveNode removes a leaf node, or -- if reparent is true -- detaches n
// and reparents its children to n's parent in their original order,
// subject to the branching bound (§4.8 generation-boundary compaction).
// Children that do not fit under the branching bound are the trailing ones
// in n's child order; RemoveNode deletes each of them together with its
// subtree and returns the ids of every node so deleted (each trimmed child
// followed by its descendants, depth-first). Trimming picks by child order
// only, not by subtree depth.
func (t *Tree) RemoveNode(n string, reparent bool) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[n]
	if !ok {
		return nil, ErrNodeNotFound
	}

	if len(node.Children) > 0 && !reparent {
		return nil, ErrNotLeaf
	}

	var trimmed []string
	if len(node.Children) > 0 {
		parent := t.nodes[node.Parent]
		// Deterministic slack: how many of node's children can fit under
		// parent without exceeding the branching bound. Existing siblings
		// of `node` already occupy part of parent's capacity; `node`
		// itself is about to be removed, freeing one slot.
		capacity := t.branching - (len(parent.Children) - 1)
		if capacity < 0 {
			capacity = 0
		}
		keep := node.Children
		if len(keep) > capacity {
			trimmed = append(trimmed, keep[capacity:]...)
			keep = keep[:capacity]
		}
		for _, c := range keep {
			if err := t.reparentLocked(c, node.Parent); err != nil {
				return nil, err
			}
		}
		var removed []string
		var collect func(id string)
		collect = func(id string) {
			removed = append(removed, id)
			for _, gc := range t.nodes[id].Children {
				collect(gc)
			}
		}
		for _, c := range trimmed {
			collect(c)
			if err := t.removeSubtreeLocked(c); err != nil {
				return nil, err
			}
		}
		trimmed = removed
		// Remove whatever edge still connects node to its (already
		// reparented-away) children bookkeeping.
		node.Children = nil
	}

	if node.Parent != "" {
		parentNode := t.nodes[node.Parent]
		parentNode.Children = removeString(parentNode.Children, n)
	}

	if err := t.graph.RemoveVertex(n); err != nil && !errors.Is(err, lvcore.ErrVertexNotFound) {
		return nil, err
	}
	delete(t.nodes, n)
	if t.root == n {
		t.root = ""
	}

	return trimmed, nil
}

func (t *Tree) reparentLocked(child, newParent string) error {
	c := t.nodes[child]
	oldParent := t.nodes[c.Parent]
	oldParent.Children = removeString(oldParent.Children, child)

	if err := t.graph.RemoveEdge(edgeIDBetween(t.graph, c.Parent, child)); err != nil && !errors.Is(err, lvcore.ErrEdgeNotFound) {
		return err
	}
	if _, err := t.graph.AddEdge(newParent, child, 0); err != nil {
		return err
	}

	c.Parent = newParent
	np := t.nodes[newParent]
	np.Children = append(np.Children, child)
	t.recomputeDepthLocked(child, np.Depth+1)
	return nil
}

func (t *Tree) recomputeDepthLocked(n string, depth int) {
	node := t.nodes[n]
	node.Depth = depth
	for _, c := range node.Children {
		t.recomputeDepthLocked(c, depth+1)
	}
}

func (t *Tree) removeSubtreeLocked(n string) error {
	node, ok := t.nodes[n]
	if !ok {
		return nil
	}
	for _, c := range append([]string{}, node.Children...) {
		if err := t.removeSubtreeLocked(c); err != nil {
			return err
		}
	}
	if err := t.graph.RemoveVertex(n); err != nil && !errors.Is(err, lvcore.ErrVertexNotFound) {
		return err
	}
	delete(t.nodes, n)
	return nil
}

func edgeIDBetween(g *lvcore.Graph, from, to string) string {
	for _, e := range g.Edges() {
		if e.From == from && e.To == to {
			return e.ID
		}
	}
	return ""
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// Node returns a copy of the node state for n.
func (t *Tree) Node(n string) (TreeNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.nodes[n]
	if !ok {
		return TreeNode{}, false
	}
	cp := *node
	cp.Children = append([]string{}, node.Children...)
	return cp, true
}

// Root returns the root node id, or "" if the tree is empty.
func (t *Tree) Root() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Neighbors returns parent and children of n (undirected adjacency, §4.3).
func (t *Tree) Neighbors(n string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.nodes[n]
	if !ok {
		return nil, ErrNodeNotFound
	}
	out := make([]string, 0, len(node.Children)+1)
	if node.Parent != "" {
		out = append(out, node.Parent)
	}
	out = append(out, node.Children...)
	return out, nil
}

// PathToRoot returns the chain of node ids from n up to and including the
// root, in that order.
func (t *Tree) PathToRoot(n string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pathToRootLocked(n)
}

// Subtree performs a lazy depth-first iteration of n's subtree (n itself
// included first), invoking visit for each node id until visit returns
// false or the subtree is exhausted.
func (t *Tree) Subtree(n string, visit func(id string) bool) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.nodes[n]; !ok {
		return ErrNodeNotFound
	}
	var walk func(id string) bool
	walk = func(id string) bool {
		if !visit(id) {
			return false
		}
		for _, c := range t.nodes[id].Children {
			if !walk(c) {
				return false
			}
		}
		return true
	}
	walk(n)
	return nil
}

// DescendantsAt returns the node ids exactly k hops below n.
func (t *Tree) DescendantsAt(n string, k int) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.nodes[n]; !ok {
		return nil, ErrNodeNotFound
	}
	frontier := []string{n}
	for i := 0; i < k; i++ {
		var next []string
		for _, id := range frontier {
			next = append(next, t.nodes[id].Children...)
		}
		frontier = next
	}
	return frontier, nil
}

// Distance returns the hop count between two nodes along the tree (via
// their lowest common ancestor), used by the Entanglement Engine's
// topological-distance term (§4.7).
func (t *Tree) Distance(a, b string) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pathA, err := t.pathToRootLocked(a)
	if err != nil {
		return 0, err
	}
	pathB, err := t.pathToRootLocked(b)
	if err != nil {
		return 0, err
	}

	depthOf := make(map[string]int, len(pathB))
	for i, id := range pathB {
		depthOf[id] = i
	}
	for i, id := range pathA {
		if j, ok := depthOf[id]; ok {
			return i + j, nil
		}
	}
	return 0, fmt.Errorf("topology: no common ancestor between %s and %s", a, b)
}

func (t *Tree) pathToRootLocked(n string) ([]string, error) {
	var path []string
	cur := n
	for cur != "" {
		node, ok := t.nodes[cur]
		if !ok {
			return nil, ErrNodeNotFound
		}
		path = append(path, cur)
		cur = node.Parent
	}
	return path, nil
}

// SetAgent assigns agentID to node n (weak reference, §3 "Ownership
// summary": agents weakly reference their TreeNode by node_id).
func (t *Tree) SetAgent(n, agentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, ok := t.nodes[n]
	if !ok {
		return ErrNodeNotFound
	}
	node.AgentID = agentID
	return nil
}

// NodeCount returns the number of nodes currently in the tree.
func (t *Tree) NodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// NodeIDs returns every node id currently in the tree, sorted for
// deterministic iteration by callers (e.g. the Evolution Driver picking a
// deterministic slot for a new child agent).
func (t *Tree) NodeIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CheckInvariants verifies acyclicity, single-root, branching bound, and
// depth bound (§4.3, §8), returning a descriptive error on the first
// violation found. Intended for use after every mutation in tests and as a
// defensive assertion the scheduler can call between phases.
func (t *Tree) CheckInvariants() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	roots := 0
	for id, n := range t.nodes {
		if n.Parent == "" {
			roots++
		}
		if len(n.Children) > t.branching {
			return fmt.Errorf("topology: node %s exceeds branching bound (%d > %d)", id, len(n.Children), t.branching)
		}
		if n.Depth > t.maxDepth {
			return fmt.Errorf("topology: node %s exceeds max depth (%d > %d)", id, n.Depth, t.maxDepth)
		}
	}
	if len(t.nodes) > 0 && roots != 1 {
		return fmt.Errorf("topology: expected exactly one root, found %d", roots)
	}
	return t.checkAcyclicLocked()
}

func (t *Tree) checkAcyclicLocked() error {
	visited := make(map[string]bool, len(t.nodes))
	var visit func(id string, seen map[string]bool) error
	visit = func(id string, seen map[string]bool) error {
		if seen[id] {
			return fmt.Errorf("topology: cycle detected at node %s", id)
		}
		if visited[id] {
			return nil
		}
		seen[id] = true
		for _, c := range t.nodes[id].Children {
			if err := visit(c, seen); err != nil {
				return err
			}
		}
		visited[id] = true
		delete(seen, id)
		return nil
	}
	if t.root == "" {
		return nil
	}
	return visit(t.root, make(map[string]bool))
}

// BreadthFirstFill populates the tree with n agent-bearing nodes using
// breadth-first placement until n are placed or capacity is exhausted,
// per §4.3's construction policy. Returns the ids of created nodes in
// creation order (root first).
func BreadthFirstFill(maxDepth, branching, n int) (*Tree, []string, error) {
	t := New(maxDepth, branching)
	if n <= 0 {
		return t, nil, nil
	}
	root, err := t.AddRoot()
	if err != nil {
		return nil, nil, err
	}
	created := []string{root}
	queue := []string{root}
	for len(created) < n && len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for i := 0; i < branching && len(created) < n; i++ {
			child, err := t.AddNode(parent)
			if err != nil {
				if errors.Is(err, ErrDepthBound) {
					continue
				}
				return nil, nil, err
			}
			created = append(created, child)
			queue = append(queue, child)
		}
	}
	return t, created, nil
}
