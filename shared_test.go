package nestmq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groupMembers(ids ...string) []SubscriptionEntry {
	members := make([]SubscriptionEntry, len(ids))
	for i, id := range ids {
		members[i] = SubscriptionEntry{ClientID: id, ShareGroup: "g"}
	}
	return members
}

func allOnline(string) bool  { return true }
func allOffline(string) bool { return false }

func TestSharedBalancer(t *testing.T) {
	t.Run("round robin over sorted members", func(t *testing.T) {
		b := NewSharedBalancer()
		members := groupMembers("c", "a", "b")

		var picks []string
		for i := 0; i < 6; i++ {
			entry, connected, ok := b.Pick("g", members, allOnline)
			require.True(t, ok)
			require.True(t, connected)
			picks = append(picks, entry.ClientID)
		}
		assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picks)
	})

	t.Run("skips offline members", func(t *testing.T) {
		b := NewSharedBalancer()
		members := groupMembers("a", "b", "c")
		online := func(id string) bool { return id == "b" }

		for i := 0; i < 3; i++ {
			entry, connected, ok := b.Pick("g", members, online)
			require.True(t, ok)
			require.True(t, connected)
			assert.Equal(t, "b", entry.ClientID)
		}
	})

	t.Run("all offline returns fallback pick", func(t *testing.T) {
		b := NewSharedBalancer()
		members := groupMembers("a", "b")

		entry, connected, ok := b.Pick("g", members, allOffline)
		require.True(t, ok)
		assert.False(t, connected)
		assert.Contains(t, []string{"a", "b"}, entry.ClientID)
	})

	t.Run("empty group", func(t *testing.T) {
		b := NewSharedBalancer()
		_, _, ok := b.Pick("g", nil, allOnline)
		assert.False(t, ok)
	})

	t.Run("groups keep independent cursors", func(t *testing.T) {
		b := NewSharedBalancer()
		g1 := groupMembers("a", "b")
		g2 := groupMembers("x", "y")

		e1, _, _ := b.Pick("g1", g1, allOnline)
		e2, _, _ := b.Pick("g2", g2, allOnline)
		assert.Equal(t, "a", e1.ClientID)
		assert.Equal(t, "x", e2.ClientID)

		e1, _, _ = b.Pick("g1", g1, allOnline)
		assert.Equal(t, "b", e1.ClientID)
	})

	// N members and M messages: every message goes to exactly one
	// member, spread evenly while all are connected.
	t.Run("exclusive and balanced", func(t *testing.T) {
		b := NewSharedBalancer()
		members := groupMembers("w1", "w2", "w3")

		counts := make(map[string]int)
		const messages = 30
		for i := 0; i < messages; i++ {
			entry, _, ok := b.Pick("g", members, allOnline)
			require.True(t, ok)
			counts[entry.ClientID]++
		}

		total := 0
		for _, n := range counts {
			total += n
		}
		assert.Equal(t, messages, total)
		for _, id := range []string{"w1", "w2", "w3"} {
			assert.Equal(t, messages/3, counts[id])
		}
	})
}
