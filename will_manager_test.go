package nestmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWillValidate(t *testing.T) {
	assert.NoError(t, (&WillMessage{Topic: "status/c1", QoS: 1}).Validate())
	assert.Error(t, (&WillMessage{Topic: "", QoS: 0}).Validate())
	assert.Error(t, (&WillMessage{Topic: "a/+", QoS: 0}).Validate())
	assert.Error(t, (&WillMessage{Topic: "$SYS/x", QoS: 0}).Validate())
	assert.Error(t, (&WillMessage{Topic: "status", QoS: 3}).Validate())
}

func TestWillManager(t *testing.T) {
	will := &WillMessage{Topic: "status/c1", Payload: []byte("offline")}

	t.Run("arm and disarm", func(t *testing.T) {
		m := NewWillManager()
		m.Arm("c1", will)
		assert.True(t, m.IsArmed("c1"))

		m.Disarm("c1")
		assert.False(t, m.IsArmed("c1"))
		assert.Nil(t, m.Trigger("c1", 0))
	})

	t.Run("arm nil is a no-op", func(t *testing.T) {
		m := NewWillManager()
		m.Arm("c1", nil)
		assert.False(t, m.IsArmed("c1"))
	})

	t.Run("trigger without delay is immediately ready", func(t *testing.T) {
		m := NewWillManager()
		m.Arm("c1", will)

		entry := m.Trigger("c1", time.Hour)
		require.NotNil(t, entry)
		assert.False(t, m.IsArmed("c1"))
		assert.True(t, m.HasPending("c1"))

		ready := m.TakeReady()
		require.Len(t, ready, 1)
		assert.Equal(t, "c1", ready[0].ClientID)
		assert.False(t, m.HasPending("c1"))
	})

	t.Run("delay postpones publication", func(t *testing.T) {
		m := NewWillManager()
		now := time.Now()
		m.now = func() time.Time { return now }

		delayed := &WillMessage{Topic: "status/c1", DelayInterval: 10}
		m.Arm("c1", delayed)
		m.Trigger("c1", time.Hour)

		assert.Empty(t, m.TakeReady())

		now = now.Add(11 * time.Second)
		assert.Len(t, m.TakeReady(), 1)
	})

	t.Run("delay capped by session expiry", func(t *testing.T) {
		m := NewWillManager()
		now := time.Now()
		m.now = func() time.Time { return now }

		delayed := &WillMessage{Topic: "status/c1", DelayInterval: 300}
		m.Arm("c1", delayed)
		entry := m.Trigger("c1", 5*time.Second)

		require.NotNil(t, entry)
		assert.Equal(t, now.Add(5*time.Second), entry.PublishAt)
	})

	t.Run("zero session expiry collapses the delay", func(t *testing.T) {
		m := NewWillManager()
		delayed := &WillMessage{Topic: "status/c1", DelayInterval: 300}
		m.Arm("c1", delayed)
		m.Trigger("c1", 0)

		assert.Len(t, m.TakeReady(), 1)
	})

	t.Run("reconnect cancels pending will", func(t *testing.T) {
		m := NewWillManager()
		delayed := &WillMessage{Topic: "status/c1", DelayInterval: 60}
		m.Arm("c1", delayed)
		m.Trigger("c1", time.Hour)
		require.True(t, m.HasPending("c1"))

		assert.True(t, m.CancelPending("c1"))
		assert.False(t, m.HasPending("c1"))
		assert.Empty(t, m.TakeReady())
		assert.False(t, m.CancelPending("c1"))
	})

	t.Run("re-arm replaces will and clears pending", func(t *testing.T) {
		m := NewWillManager()
		delayed := &WillMessage{Topic: "status/c1", DelayInterval: 60}
		m.Arm("c1", delayed)
		m.Trigger("c1", time.Hour)

		m.Arm("c1", will)
		assert.False(t, m.HasPending("c1"))
		assert.True(t, m.IsArmed("c1"))
	})

	t.Run("take pending for session expiry", func(t *testing.T) {
		m := NewWillManager()
		delayed := &WillMessage{Topic: "status/c1", DelayInterval: 600}
		m.Arm("c1", delayed)
		m.Trigger("c1", time.Hour)

		entry := m.TakePending("c1")
		require.NotNil(t, entry)
		assert.Nil(t, m.TakePending("c1"))
	})
}
