package nestmq

import (
	"sort"
	"sync"
)

// SharedBalancer selects one member of a shared-subscription group per
// published message. The default policy is round-robin across currently
// connected members; an offline choice falls through to the next
// connected member.
type SharedBalancer struct {
	mu      sync.Mutex
	cursors map[string]int
}

// NewSharedBalancer creates a shared-subscription balancer.
func NewSharedBalancer() *SharedBalancer {
	return &SharedBalancer{
		cursors: make(map[string]int),
	}
}

// Pick chooses exactly one member of the group to receive a message.
// online reports whether a client currently has a live connection.
//
// The second return value is true when the chosen member is connected.
// When no member is connected, Pick still returns the round-robin
// choice so the caller can queue on its persistent session; the caller
// decides what that means per QoS. ok is false only for an empty group.
func (b *SharedBalancer) Pick(groupKey string, members []SubscriptionEntry, online func(clientID string) bool) (entry SubscriptionEntry, connected bool, ok bool) {
	if len(members) == 0 {
		return SubscriptionEntry{}, false, false
	}

	// Matcher output order depends on map iteration; sort so the
	// rotation is stable across calls.
	sorted := make([]SubscriptionEntry, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ClientID < sorted[j].ClientID
	})

	b.mu.Lock()
	cursor := b.cursors[groupKey]
	b.cursors[groupKey] = cursor + 1
	b.mu.Unlock()

	start := cursor % len(sorted)

	for i := range sorted {
		candidate := sorted[(start+i)%len(sorted)]
		if online == nil || online(candidate.ClientID) {
			return candidate, true, true
		}
	}

	return sorted[start], false, true
}

// Forget drops the rotation state for a group. Called when the last
// member unsubscribes.
func (b *SharedBalancer) Forget(groupKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.cursors, groupKey)
}
