// Package topictree resolves broker topics to the mappings that apply to
// them. Topic patterns are held in a path-segment trie supporting MQTT-style
// wildcards: `+` matches exactly one level, a trailing `#` matches any number
// of remaining levels. The tree is read on every message and mutated only on
// configuration changes, so it is guarded by a reader-writer lock; an insert
// or remove is atomic with respect to concurrent resolvers.
package topictree

import (
	"sync"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
	"github.com/rs/zerolog"
)

// MaxDepth bounds the number of path tokens a pattern or topic may have.
const MaxDepth = 64

type node struct {
	token    string
	children map[string]*node
	// mappings makes this a terminal node. A node holding mappings must
	// not have descendants; distinct mappings may share one terminal node.
	mappings []*mapping.Mapping
}

func newNode(token string) *node {
	return &node{token: token, children: make(map[string]*node)}
}

// Tree is the wildcard-aware topic router for one tenant.
type Tree struct {
	mu     sync.RWMutex
	root   *node
	logger zerolog.Logger
}

// New returns an empty tree.
func New(logger zerolog.Logger) *Tree {
	return &Tree{
		root:   newNode(""),
		logger: logger.With().Str("component", "TopicTree").Logger(),
	}
}

// Insert binds a mapping at its resolve-topic pattern. It fails when the
// pattern is invalid, when an intermediate node on the path is already a
// terminal mapping node (the new pattern would nest under an existing one),
// when the new terminal already has descendant nodes, or when the same
// mapping id is already bound. Repeated conflicting inserts fail
// identically and leave the tree untouched.
func (t *Tree) Insert(m *mapping.Mapping) error {
	topic := m.ResolveTopic()
	if err := mapping.ValidateTopicPattern(topic); err != nil {
		return NewResolveError(CodeInvalidTopicPattern, topic, "%v", err)
	}
	tokens := mapping.SplitTopicIncludingSeparator(topic)
	if len(tokens) > MaxDepth {
		return NewResolveError(CodeMaxDepthExceeded, topic, "pattern has %d tokens, maximum is %d", len(tokens), MaxDepth)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// First pass: detect conflicts against the existing structure without
	// touching it, so a rejected insert leaves the tree unchanged and
	// repeated attempts fail identically.
	current := t.root
	for i, token := range tokens {
		child, ok := current.children[token]
		if !ok {
			break
		}
		last := i == len(tokens)-1
		if !last && len(child.mappings) > 0 {
			return NewResolveError(CodeCircularReference, topic,
				"level %q is already a terminal mapping node, pattern would nest under it", token)
		}
		if last {
			if len(child.children) > 0 {
				return NewResolveError(CodeTreeTraversalError, topic,
					"level %q already has descendant levels, a mapping node here would shadow them", token)
			}
			for _, bound := range child.mappings {
				if bound.ID == m.ID {
					return NewResolveError(CodeDuplicateMapping, topic, "mapping %s is already bound", m.ID)
				}
			}
		}
		current = child
	}

	// Second pass: create the path and bind the mapping.
	current = t.root
	for _, token := range tokens {
		child, ok := current.children[token]
		if !ok {
			child = newNode(token)
			current.children[token] = child
		}
		current = child
	}
	current.mappings = append(current.mappings, m)
	t.logger.Debug().Str("mapping_id", m.ID).Str("topic", topic).Msg("Mapping inserted into topic tree.")
	return nil
}

// Remove unbinds a mapping from its pattern and prunes the branch back up to
// the last ancestor still shared with other patterns, so prefixes used by
// sibling mappings survive.
func (t *Tree) Remove(m *mapping.Mapping) error {
	topic := m.ResolveTopic()
	tokens := mapping.SplitTopicIncludingSeparator(topic)

	t.mu.Lock()
	defer t.mu.Unlock()

	chain := make([]*node, 0, len(tokens)+1)
	chain = append(chain, t.root)
	current := t.root
	for _, token := range tokens {
		child, ok := current.children[token]
		if !ok {
			return NewResolveError(CodeTreeTraversalError, topic, "pattern is not bound in the tree")
		}
		chain = append(chain, child)
		current = child
	}

	kept := current.mappings[:0]
	for _, bound := range current.mappings {
		if bound.ID != m.ID {
			kept = append(kept, bound)
		}
	}
	current.mappings = kept

	// Walk back up, deleting now-empty nodes. The loop stops at the first
	// ancestor that still has other children or its own mappings - the
	// branching level shared with other patterns.
	for i := len(chain) - 1; i > 0; i-- {
		n := chain[i]
		if len(n.mappings) > 0 || len(n.children) > 0 {
			break
		}
		delete(chain[i-1].children, n.token)
	}
	t.logger.Debug().Str("mapping_id", m.ID).Str("topic", topic).Msg("Mapping removed from topic tree.")
	return nil
}

// Resolve returns every mapping whose pattern matches the concrete topic.
// Exact and wildcard branches are explored and unioned with no priority
// between them; callers needing single-mapping semantics select downstream
// (e.g. by highest QoS). A miss returns ErrNoMappingsFound, which is a soft
// condition, not a fault.
func (t *Tree) Resolve(topic string) ([]*mapping.Mapping, error) {
	if t == nil || t.root == nil {
		return nil, NewResolveError(CodeTreeNotInitialized, topic, "topic tree has not been built")
	}
	levels := mapping.SplitTopic(topic)
	if len(levels) == 0 {
		return nil, NewResolveError(CodeInvalidTopicPattern, topic, "topic is empty")
	}
	tokens := mapping.SplitTopicIncludingSeparator(topic)
	if len(tokens) > MaxDepth {
		return nil, NewResolveError(CodeMaxDepthExceeded, topic, "topic has %d tokens, maximum is %d", len(tokens), MaxDepth)
	}
	for _, level := range levels {
		if level == mapping.TopicWildcardSingle || level == mapping.TopicWildcardMulti {
			return nil, NewResolveError(CodeInvalidTopicPattern, topic, "concrete topics must not contain wildcards")
		}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var matched []*mapping.Mapping
	match(t.root, tokens, &matched)
	if len(matched) == 0 {
		return nil, ErrNoMappingsFound
	}
	return matched, nil
}

// match walks the remaining tokens from n, accumulating terminal mappings.
func match(n *node, tokens []string, out *[]*mapping.Mapping) {
	if len(tokens) == 0 {
		*out = append(*out, n.mappings...)
		// A trailing multi-level wildcard also matches zero levels.
		if sep, ok := n.children[mapping.TopicLevelSeparator]; ok {
			if multi, ok := sep.children[mapping.TopicWildcardMulti]; ok {
				*out = append(*out, multi.mappings...)
			}
		}
		return
	}

	token, rest := tokens[0], tokens[1:]
	if token == mapping.TopicLevelSeparator {
		if child, ok := n.children[mapping.TopicLevelSeparator]; ok {
			match(child, rest, out)
		}
		return
	}
	if child, ok := n.children[token]; ok {
		match(child, rest, out)
	}
	if child, ok := n.children[mapping.TopicWildcardSingle]; ok {
		match(child, rest, out)
	}
	if child, ok := n.children[mapping.TopicWildcardMulti]; ok {
		// Consumes every remaining level by construction-time validation.
		*out = append(*out, child.mappings...)
	}
}

// Size returns the number of bound mappings, mostly useful in tests and
// status reporting.
func (t *Tree) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return countMappings(t.root)
}

func countMappings(n *node) int {
	total := len(n.mappings)
	for _, child := range n.children {
		total += countMappings(child)
	}
	return total
}
