package nestmq

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
	ErrEmptyTopic         = errors.New("topic cannot be empty")
)

const (
	topicSeparator      = '/'
	singleLevelWildcard = '+'
	multiLevelWildcard  = '#'
	sharedPrefix        = "$share/"
)

// ValidateTopicName validates a topic name. Topic names cannot contain
// wildcards and must be valid UTF-8. An empty segment (a//b) is a valid,
// distinct literal segment.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	if !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}

	for _, r := range topic {
		if r == 0 {
			return ErrInvalidTopicName
		}
		if r == singleLevelWildcard || r == multiLevelWildcard {
			return ErrInvalidTopicName
		}
	}

	return nil
}

// ValidateTopicFilter validates a topic filter. Wildcards must occupy an
// entire segment and '#' is only valid as the final segment.
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}

	if !utf8.ValidString(filter) {
		return ErrInvalidTopicFilter
	}

	for _, r := range filter {
		if r == 0 {
			return ErrInvalidTopicFilter
		}
	}

	levels := strings.Split(filter, string(topicSeparator))

	for i, level := range levels {
		if strings.ContainsRune(level, singleLevelWildcard) && level != string(singleLevelWildcard) {
			return ErrInvalidTopicFilter
		}

		if strings.ContainsRune(level, multiLevelWildcard) {
			if level != string(multiLevelWildcard) {
				return ErrInvalidTopicFilter
			}
			if i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		}
	}

	return nil
}

// TopicMatch reports whether a topic name matches a topic filter.
// Matching is case-sensitive and byte-exact. Topics starting with '$'
// are not matched by wildcards at the root level.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}

	if topic[0] == '$' {
		if filter[0] == singleLevelWildcard || filter[0] == multiLevelWildcard {
			return false
		}
	}

	return matchSegments(filter, topic)
}

// matchSegments walks filter and topic segment by segment without
// allocating.
func matchSegments(filter, topic string) bool {
	fi, ti := 0, 0
	flen, tlen := len(filter), len(topic)

	for {
		fstart := fi
		for fi < flen && filter[fi] != topicSeparator {
			fi++
		}
		flevel := filter[fstart:fi]

		// '#' consumes all remaining segments, including zero
		if flevel == "#" {
			return true
		}

		if ti > tlen {
			return false
		}

		tstart := ti
		for ti < tlen && topic[ti] != topicSeparator {
			ti++
		}
		tlevel := topic[tstart:ti]

		if flevel != "+" && flevel != tlevel {
			return false
		}

		// Filter exhausted, topic must be exhausted too. A trailing
		// separator on either side counts as one more empty segment,
		// so "a/" matches "a/" but not "a".
		if fi == flen {
			return ti == tlen
		}

		// Step past the separators.
		fi++
		ti++
	}
}

// SharedSubscription is a parsed $share/{group}/{filter} subscription.
type SharedSubscription struct {
	Group       string
	TopicFilter string
}

// ParseSharedSubscription parses a shared subscription filter of the
// form $share/{group}/{filter}. It returns (nil, nil) for filters that
// are not shared subscriptions.
func ParseSharedSubscription(filter string) (*SharedSubscription, error) {
	if !strings.HasPrefix(filter, sharedPrefix) {
		return nil, nil
	}

	rest := filter[len(sharedPrefix):]
	idx := strings.IndexByte(rest, topicSeparator)
	if idx <= 0 {
		return nil, ErrInvalidTopicFilter
	}

	group := rest[:idx]
	topicFilter := rest[idx+1:]

	if topicFilter == "" {
		return nil, ErrInvalidTopicFilter
	}

	// Wildcards are not valid inside the group name.
	if strings.ContainsAny(group, "#+") {
		return nil, ErrInvalidTopicFilter
	}

	if err := ValidateTopicFilter(topicFilter); err != nil {
		return nil, err
	}

	return &SharedSubscription{
		Group:       group,
		TopicFilter: topicFilter,
	}, nil
}

// isSharedSubscription returns true if the filter uses the $share form.
func isSharedSubscription(filter string) bool {
	return strings.HasPrefix(filter, sharedPrefix)
}

// IsReservedTopic returns true for broker-internal topics ($-prefixed)
// that clients may not publish to, with the exception of the $share
// subscription form which is not a publishable topic at all.
func IsReservedTopic(topic string) bool {
	return len(topic) > 0 && topic[0] == '$'
}

// TopicMatcher maps published topics to the subscriptions whose filter
// matches them. Filters are stored in a segment-indexed tree so a lookup
// costs O(depth) regardless of the number of subscriptions.
type TopicMatcher struct {
	root *topicNode
}

// topicNode is a tagged node: a map of literal children plus two
// reserved slots for the wildcard children.
type topicNode struct {
	children  map[string]*topicNode
	plusChild *topicNode
	hashChild *topicNode
	entries   []SubscriptionEntry
}

func newTopicNode() *topicNode {
	return &topicNode{}
}

func (n *topicNode) child(level string) *topicNode {
	switch level {
	case string(singleLevelWildcard):
		return n.plusChild
	case string(multiLevelWildcard):
		return n.hashChild
	default:
		return n.children[level]
	}
}

func (n *topicNode) ensureChild(level string) *topicNode {
	switch level {
	case string(singleLevelWildcard):
		if n.plusChild == nil {
			n.plusChild = newTopicNode()
		}
		return n.plusChild
	case string(multiLevelWildcard):
		if n.hashChild == nil {
			n.hashChild = newTopicNode()
		}
		return n.hashChild
	default:
		if n.children == nil {
			n.children = make(map[string]*topicNode)
		}
		child, ok := n.children[level]
		if !ok {
			child = newTopicNode()
			n.children[level] = child
		}
		return child
	}
}

// empty reports whether the node holds no entries and no children, so
// it can be pruned from its parent.
func (n *topicNode) empty() bool {
	return len(n.entries) == 0 && len(n.children) == 0 &&
		n.plusChild == nil && n.hashChild == nil
}

// NewTopicMatcher creates an empty topic matcher.
func NewTopicMatcher() *TopicMatcher {
	return &TopicMatcher{root: newTopicNode()}
}

// Subscribe attaches an entry to the given filter.
func (m *TopicMatcher) Subscribe(filter string, entry SubscriptionEntry) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}

	node := m.root
	for _, level := range strings.Split(filter, string(topicSeparator)) {
		node = node.ensureChild(level)
	}

	node.entries = append(node.entries, entry)
	return nil
}

// Unsubscribe detaches an entry from the given filter. Empty branches
// are pruned on the way back up.
func (m *TopicMatcher) Unsubscribe(filter string, clientID string) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}

	levels := strings.Split(filter, string(topicSeparator))
	m.unsubscribeAt(m.root, levels, clientID)
	return nil
}

func (m *TopicMatcher) unsubscribeAt(node *topicNode, levels []string, clientID string) {
	if node == nil {
		return
	}

	if len(levels) == 0 {
		for i, e := range node.entries {
			if e.ClientID == clientID {
				node.entries = append(node.entries[:i], node.entries[i+1:]...)
				break
			}
		}
		return
	}

	level := levels[0]
	child := node.child(level)
	if child == nil {
		return
	}

	m.unsubscribeAt(child, levels[1:], clientID)

	if child.empty() {
		switch level {
		case string(singleLevelWildcard):
			node.plusChild = nil
		case string(multiLevelWildcard):
			node.hashChild = nil
		default:
			delete(node.children, level)
		}
	}
}

// Match returns every entry whose filter matches the topic. Topics
// starting with '$' are only reachable through literal root segments.
func (m *TopicMatcher) Match(topic string) []SubscriptionEntry {
	if err := ValidateTopicName(topic); err != nil {
		return nil
	}

	levels := strings.Split(topic, string(topicSeparator))
	reserved := topic[0] == '$'

	var entries []SubscriptionEntry
	m.matchNode(m.root, levels, 0, reserved, &entries)
	return entries
}

func (m *TopicMatcher) matchNode(node *topicNode, levels []string, idx int, reserved bool, entries *[]SubscriptionEntry) {
	if node == nil {
		return
	}

	// '#' at this level collects immediately: it consumes all remaining
	// segments, including zero.
	if !reserved || idx > 0 {
		if node.hashChild != nil {
			*entries = append(*entries, node.hashChild.entries...)
		}
	}

	if idx >= len(levels) {
		*entries = append(*entries, node.entries...)
		return
	}

	if child, ok := node.children[levels[idx]]; ok {
		m.matchNode(child, levels, idx+1, reserved, entries)
	}

	if !reserved || idx > 0 {
		m.matchNode(node.plusChild, levels, idx+1, reserved, entries)
	}
}
