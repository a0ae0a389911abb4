package nestmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketIDManager(t *testing.T) {
	t.Run("sequential allocation", func(t *testing.T) {
		m := NewPacketIDManager()

		id1, err := m.Allocate()
		require.NoError(t, err)
		id2, err := m.Allocate()
		require.NoError(t, err)

		assert.Equal(t, uint16(1), id1)
		assert.Equal(t, uint16(2), id2)
	})

	t.Run("skips ids still in flight", func(t *testing.T) {
		m := NewPacketIDManager()
		m.Reserve(2)

		id1, err := m.Allocate()
		require.NoError(t, err)
		id2, err := m.Allocate()
		require.NoError(t, err)

		assert.Equal(t, uint16(1), id1)
		assert.Equal(t, uint16(3), id2)
	})

	t.Run("release allows reuse", func(t *testing.T) {
		m := NewPacketIDManager()

		id, err := m.Allocate()
		require.NoError(t, err)
		assert.True(t, m.IsUsed(id))

		require.NoError(t, m.Release(id))
		assert.False(t, m.IsUsed(id))
		assert.Error(t, m.Release(id))
	})

	t.Run("zero is never allocated", func(t *testing.T) {
		m := NewPacketIDManager()
		for i := 0; i < 70000; i += 1000 {
			m.Reserve(uint16(i%65535) + 1)
		}
		id, err := m.Allocate()
		require.NoError(t, err)
		assert.NotEqual(t, uint16(0), id)
	})
}

func TestQoS1Tracker(t *testing.T) {
	msg := &Message{Topic: "a/b", Payload: []byte("x"), QoS: QoS1}

	t.Run("track and acknowledge", func(t *testing.T) {
		tr := NewQoS1Tracker(time.Second, 3)
		tr.Track(1, msg)
		require.Equal(t, 1, tr.Count())

		flow, ok := tr.Acknowledge(1)
		require.True(t, ok)
		assert.Equal(t, QoS1Acked, flow.State)
		assert.Equal(t, 0, tr.Count())
	})

	t.Run("duplicate puback is ignored", func(t *testing.T) {
		tr := NewQoS1Tracker(time.Second, 3)
		tr.Track(1, msg)

		_, ok := tr.Acknowledge(1)
		require.True(t, ok)
		_, ok = tr.Acknowledge(1)
		assert.False(t, ok)
	})

	t.Run("retries after timeout with bounded count", func(t *testing.T) {
		tr := NewQoS1Tracker(time.Second, 2)
		now := time.Now()
		tr.now = func() time.Time { return now }

		tr.Track(1, msg)
		assert.Empty(t, tr.PendingRetries())

		now = now.Add(2 * time.Second)
		pending := tr.PendingRetries()
		require.Len(t, pending, 1)
		assert.Equal(t, 1, pending[0].RetryCount)

		now = now.Add(2 * time.Second)
		require.Len(t, tr.PendingRetries(), 1)

		// No retries left.
		now = now.Add(2 * time.Second)
		assert.Empty(t, tr.PendingRetries())
	})
}

func TestQoS2TrackerSender(t *testing.T) {
	msg := &Message{Topic: "a/b", Payload: []byte("x"), QoS: QoS2}

	t.Run("full handshake", func(t *testing.T) {
		tr := NewQoS2Tracker(time.Second, 3)
		tr.TrackSend(1, msg)

		flow, ok := tr.HandlePubrec(1)
		require.True(t, ok)
		assert.Equal(t, QoS2AwaitingPubcomp, flow.State)
		assert.Nil(t, flow.Message, "payload copy is dropped after PUBREC")

		flow, ok = tr.HandlePubcomp(1)
		require.True(t, ok)
		assert.Equal(t, QoS2Complete, flow.State)
		assert.Equal(t, 0, tr.Count())
	})

	t.Run("pubcomp before pubrec is rejected", func(t *testing.T) {
		tr := NewQoS2Tracker(time.Second, 3)
		tr.TrackSend(1, msg)

		_, ok := tr.HandlePubcomp(1)
		assert.False(t, ok)
	})

	t.Run("restore released flow", func(t *testing.T) {
		tr := NewQoS2Tracker(time.Second, 3)
		tr.TrackRelease(7)

		flow, ok := tr.Get(7)
		require.True(t, ok)
		assert.Equal(t, QoS2AwaitingPubcomp, flow.State)

		_, ok = tr.HandlePubcomp(7)
		assert.True(t, ok)
	})
}

func TestQoS2TrackerReceiver(t *testing.T) {
	msg := &Message{Topic: "a/b", Payload: []byte("x"), QoS: QoS2}

	t.Run("delivers exactly once on pubrel", func(t *testing.T) {
		tr := NewQoS2Tracker(time.Second, 3)
		require.True(t, tr.TrackReceive(1, msg))

		got, ok := tr.HandlePubrel(1)
		require.True(t, ok)
		require.NotNil(t, got, "first PUBREL releases the payload")
		assert.Equal(t, msg, got)

		// Retransmitted PUBREL: acknowledged, nothing redelivered.
		got, ok = tr.HandlePubrel(1)
		require.True(t, ok)
		assert.Nil(t, got)
	})

	t.Run("duplicate publish never double-stores", func(t *testing.T) {
		tr := NewQoS2Tracker(time.Second, 3)
		require.True(t, tr.TrackReceive(1, msg))
		assert.False(t, tr.TrackReceive(1, msg))

		got, ok := tr.HandlePubrel(1)
		require.True(t, ok)
		require.NotNil(t, got)
	})

	t.Run("publish after completion is rejected", func(t *testing.T) {
		tr := NewQoS2Tracker(time.Second, 3)
		require.True(t, tr.TrackReceive(1, msg))
		_, ok := tr.HandlePubrel(1)
		require.True(t, ok)

		// The sender never saw PUBCOMP and retransmits the PUBLISH.
		// The completed marker keeps a second delivery from starting.
		assert.False(t, tr.TrackReceive(1, msg))
	})

	t.Run("pubrel for unknown id fails", func(t *testing.T) {
		tr := NewQoS2Tracker(time.Second, 3)
		_, ok := tr.HandlePubrel(9)
		assert.False(t, ok)
	})

	t.Run("completed markers outlive the retry schedule", func(t *testing.T) {
		tr := NewQoS2Tracker(time.Second, 3)
		now := time.Now()
		tr.now = func() time.Time { return now }

		require.True(t, tr.TrackReceive(1, msg))
		_, ok := tr.HandlePubrel(1)
		require.True(t, ok)

		// The sender's last PUBREL retransmit can land as late as
		// maxRetries intervals after completion. The marker must
		// still answer it with a plain PUBCOMP.
		now = now.Add(3 * time.Second)
		assert.Equal(t, 0, tr.CleanupCompleted())
		got, ok := tr.HandlePubrel(1)
		require.True(t, ok)
		assert.Nil(t, got)

		now = now.Add(5 * time.Second)
		assert.Equal(t, 1, tr.CleanupCompleted())
	})
}
