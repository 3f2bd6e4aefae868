package infrahub

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FieldType classifies an included field once, from schema metadata, so the
// resolver never has to probe value shapes at runtime.
type FieldType int

const (
	// FieldScalar is a plain attribute with a value leaf
	FieldScalar FieldType = iota
	// FieldSingleRelation points at exactly one peer node
	FieldSingleRelation
	// FieldMultiRelation points at zero or more peer nodes
	FieldMultiRelation
)

// String returns the string representation of FieldType
func (ft FieldType) String() string {
	switch ft {
	case FieldScalar:
		return "scalar"
	case FieldSingleRelation:
		return "single_relation"
	case FieldMultiRelation:
		return "multi_relation"
	default:
		return "unknown"
	}
}

// FetchFunc loads a peer node on demand. Relations constructed from a query
// response carry one so an explicit Fetch can fill in a missing peer.
type FetchFunc func(ctx context.Context) (*Node, error)

// RelatedNode is a handle to a single-cardinality relationship peer.
type RelatedNode struct {
	ID          string
	initialized bool
	peer        *Node
	fetchFn     FetchFunc
}

// NewRelatedNode creates a relationship handle. An uninitialized handle means
// the originating query never loaded the relation; the resolver must not
// fetch it speculatively.
func NewRelatedNode(id string, peer *Node, initialized bool, fetch FetchFunc) *RelatedNode {
	return &RelatedNode{ID: id, peer: peer, initialized: initialized, fetchFn: fetch}
}

// Initialized reports whether the originating query loaded this relation.
func (r *RelatedNode) Initialized() bool {
	return r.initialized
}

// Peer returns the already-loaded peer node, or nil.
func (r *RelatedNode) Peer() *Node {
	return r.peer
}

// Fetch loads the peer if it is not already present.
func (r *RelatedNode) Fetch(ctx context.Context) error {
	if r.peer != nil {
		return nil
	}
	if r.fetchFn == nil {
		return fmt.Errorf("related node %s has no fetch function", r.ID)
	}
	peer, err := r.fetchFn(ctx)
	if err != nil {
		return err
	}
	r.peer = peer
	return nil
}

// RelationshipManager is a handle to a multi-cardinality relationship.
type RelationshipManager struct {
	initialized bool
	peers       []*RelatedNode
}

// NewRelationshipManager creates a multi-relation handle.
func NewRelationshipManager(peers []*RelatedNode, initialized bool) *RelationshipManager {
	return &RelationshipManager{peers: peers, initialized: initialized}
}

// Initialized reports whether the originating query loaded this relation.
func (m *RelationshipManager) Initialized() bool {
	return m.initialized
}

// Peers returns the current peer handles.
func (m *RelationshipManager) Peers() []*RelatedNode {
	return m.peers
}

// Node is a typed view of one Infrahub object returned by a fetch.
type Node struct {
	ID   string
	Kind string

	hfid       []string
	attributes map[string]any
	singles    map[string]*RelatedNode
	multis     map[string]*RelationshipManager
	fieldTypes map[string]FieldType
}

// NewNode creates an empty node; fields are attached by the decoding client
// or by tests.
func NewNode(kind, id string, hfid []string) *Node {
	return &Node{
		ID:         id,
		Kind:       kind,
		hfid:       hfid,
		attributes: make(map[string]any),
		singles:    make(map[string]*RelatedNode),
		multis:     make(map[string]*RelationshipManager),
		fieldTypes: make(map[string]FieldType),
	}
}

// HFID returns the human-friendly identifier including the kind, in the
// form Kind(part,part), or "" when the node has no hfid parts.
func (n *Node) HFID() string {
	if len(n.hfid) == 0 {
		return ""
	}
	return fmt.Sprintf("%s(%s)", n.Kind, strings.Join(n.hfid, ","))
}

// SetAttribute attaches a scalar attribute value.
func (n *Node) SetAttribute(name string, value any) {
	n.attributes[name] = value
	n.fieldTypes[name] = FieldScalar
}

// SetSingleRelation attaches a single-cardinality relation handle.
func (n *Node) SetSingleRelation(name string, rel *RelatedNode) {
	n.singles[name] = rel
	n.fieldTypes[name] = FieldSingleRelation
}

// SetMultiRelation attaches a multi-cardinality relation handle.
func (n *Node) SetMultiRelation(name string, mgr *RelationshipManager) {
	n.multis[name] = mgr
	n.fieldTypes[name] = FieldMultiRelation
}

// FieldType reports the classification of a named field, if known.
func (n *Node) FieldType(name string) (FieldType, bool) {
	ft, ok := n.fieldTypes[name]
	return ft, ok
}

// Attribute returns a scalar attribute value.
func (n *Node) Attribute(name string) (any, bool) {
	v, ok := n.attributes[name]
	return v, ok
}

// SingleRelation returns a single-cardinality relation handle.
func (n *Node) SingleRelation(name string) (*RelatedNode, bool) {
	r, ok := n.singles[name]
	return r, ok
}

// MultiRelation returns a multi-cardinality relation handle.
func (n *Node) MultiRelation(name string) (*RelationshipManager, bool) {
	m, ok := n.multis[name]
	return m, ok
}

// NodeStore caches nodes already fetched in this process, keyed by id.
// Relationship resolution prefers the store over a network fetch.
type NodeStore struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewNodeStore creates an empty node store.
func NewNodeStore() *NodeStore {
	return &NodeStore{nodes: make(map[string]*Node)}
}

// Get returns a cached node by id.
func (s *NodeStore) Get(id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// Set caches a node by id.
func (s *NodeStore) Set(n *Node) {
	if n == nil || n.ID == "" {
		return
	}
	s.mu.Lock()
	s.nodes[n.ID] = n
	s.mu.Unlock()
}
