package nestmq

import (
	"sync"
)

// Subscription describes one client subscription.
type Subscription struct {
	// TopicFilter is the filter exactly as the client sent it,
	// including the $share/{group}/ prefix for shared subscriptions.
	TopicFilter string

	// QoS is the maximum QoS the client wants for this subscription.
	QoS byte

	// NoLocal suppresses delivery of messages published by the
	// subscribing client itself. Not valid on shared subscriptions.
	NoLocal bool

	// RetainAsPublished preserves the retain flag on delivered messages
	// instead of clearing it.
	RetainAsPublished bool

	// RetainHandling controls retained delivery on subscribe:
	// 0 = always send, 1 = send only for new subscriptions, 2 = never send.
	RetainHandling byte
}

// SubscriptionEntry holds a subscription together with its owner and,
// for shared subscriptions, the parsed group and inner filter.
type SubscriptionEntry struct {
	ClientID     string
	Subscription Subscription

	// ShareGroup is empty for ordinary subscriptions.
	ShareGroup string

	// MatchFilter is the filter the matcher indexes: the inner filter
	// for shared subscriptions, TopicFilter otherwise.
	MatchFilter string
}

// SubscriptionManager owns the topic tree and the per-client
// subscription lists. All methods are safe for concurrent use.
type SubscriptionManager struct {
	mu            sync.RWMutex
	matcher       *TopicMatcher
	subscriptions map[string][]SubscriptionEntry // clientID -> entries
}

// NewSubscriptionManager creates an empty subscription manager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		matcher:       NewTopicMatcher(),
		subscriptions: make(map[string][]SubscriptionEntry),
	}
}

// Subscribe installs or replaces a subscription for a client.
func (m *SubscriptionManager) Subscribe(clientID string, sub Subscription) error {
	entry := SubscriptionEntry{
		ClientID:     clientID,
		Subscription: sub,
		MatchFilter:  sub.TopicFilter,
	}

	if shared, err := ParseSharedSubscription(sub.TopicFilter); err != nil {
		return err
	} else if shared != nil {
		if sub.NoLocal {
			// MQTT forbids NoLocal on shared subscriptions.
			return ErrInvalidTopicFilter
		}
		entry.ShareGroup = shared.Group
		entry.MatchFilter = shared.TopicFilter
	}

	if err := ValidateTopicFilter(entry.MatchFilter); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// A second SUBSCRIBE with the same filter replaces the first.
	m.removeLocked(clientID, sub.TopicFilter)

	if err := m.matcher.Subscribe(entry.MatchFilter, entry); err != nil {
		return err
	}

	m.subscriptions[clientID] = append(m.subscriptions[clientID], entry)
	return nil
}

// Unsubscribe removes a subscription. Returns false if no subscription
// with that filter existed.
func (m *SubscriptionManager) Unsubscribe(clientID, filter string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.removeLocked(clientID, filter)
}

func (m *SubscriptionManager) removeLocked(clientID, filter string) bool {
	subs := m.subscriptions[clientID]
	for i, entry := range subs {
		if entry.Subscription.TopicFilter == filter {
			m.matcher.Unsubscribe(entry.MatchFilter, clientID)
			m.subscriptions[clientID] = append(subs[:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// UnsubscribeAll removes every subscription owned by a client. Called
// on session destruction.
func (m *SubscriptionManager) UnsubscribeAll(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.subscriptions[clientID] {
		m.matcher.Unsubscribe(entry.MatchFilter, clientID)
	}
	delete(m.subscriptions, clientID)
}

// GetSubscriptions returns all subscriptions for a client.
func (m *SubscriptionManager) GetSubscriptions(clientID string) []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.subscriptions[clientID]
	subs := make([]Subscription, len(entries))
	for i, entry := range entries {
		subs[i] = entry.Subscription
	}
	return subs
}

// HasSubscription reports whether the client holds the exact filter.
func (m *SubscriptionManager) HasSubscription(clientID, filter string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, entry := range m.subscriptions[clientID] {
		if entry.Subscription.TopicFilter == filter {
			return true
		}
	}
	return false
}

// Match returns every entry whose filter matches the topic, shared and
// ordinary alike.
func (m *SubscriptionManager) Match(topic string) []SubscriptionEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.matcher.Match(topic)
}

// MatchForDelivery splits matches into direct recipients and shared
// groups. Direct matches are deduplicated per client keeping the
// highest QoS, and NoLocal subscriptions of the publisher are dropped.
// Shared entries are grouped by {group, inner filter}; exclusivity
// applies only within a group.
func (m *SubscriptionManager) MatchForDelivery(topic, publisherID string) ([]SubscriptionEntry, map[string][]SubscriptionEntry) {
	matches := m.Match(topic)

	clientBest := make(map[string]SubscriptionEntry)
	var shared map[string][]SubscriptionEntry

	for _, entry := range matches {
		if entry.ShareGroup != "" {
			if shared == nil {
				shared = make(map[string][]SubscriptionEntry)
			}
			key := sharedGroupKey(entry.ShareGroup, entry.MatchFilter)
			shared[key] = append(shared[key], entry)
			continue
		}

		if entry.Subscription.NoLocal && entry.ClientID == publisherID {
			continue
		}

		best, ok := clientBest[entry.ClientID]
		if !ok || entry.Subscription.QoS > best.Subscription.QoS {
			clientBest[entry.ClientID] = entry
		}
	}

	direct := make([]SubscriptionEntry, 0, len(clientBest))
	for _, entry := range clientBest {
		direct = append(direct, entry)
	}
	return direct, shared
}

// ShouldSendRetained decides whether retained messages are delivered
// for a newly installed subscription, based on its RetainHandling.
func ShouldSendRetained(retainHandling byte, isNewSubscription bool) bool {
	switch retainHandling {
	case 1:
		return isNewSubscription
	case 2:
		return false
	default:
		return true
	}
}

// DeliveryRetain determines the retain flag on a delivered message.
func DeliveryRetain(sub Subscription, originalRetain bool) bool {
	if sub.RetainAsPublished {
		return originalRetain
	}
	return false
}

// sharedGroupKey builds the map key shared entries are grouped under.
// Exclusivity applies per {group, inner filter} pair.
func sharedGroupKey(group, filter string) string {
	return group + "\x00" + filter
}

// SharedGroups returns the shared group keys the client is a member of.
func (m *SubscriptionManager) SharedGroups(clientID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for _, entry := range m.subscriptions[clientID] {
		if entry.ShareGroup != "" {
			keys = append(keys, sharedGroupKey(entry.ShareGroup, entry.MatchFilter))
		}
	}
	return keys
}

// SharedGroupSize returns the number of members left in a shared group.
func (m *SubscriptionManager) SharedGroupSize(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, subs := range m.subscriptions {
		for _, entry := range subs {
			if entry.ShareGroup != "" && sharedGroupKey(entry.ShareGroup, entry.MatchFilter) == key {
				count++
			}
		}
	}
	return count
}

// Count returns the total number of subscriptions.
func (m *SubscriptionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, subs := range m.subscriptions {
		count += len(subs)
	}
	return count
}

// ClientCount returns the number of clients holding subscriptions.
func (m *SubscriptionManager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.subscriptions)
}
