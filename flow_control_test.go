package nestmq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowController(t *testing.T) {
	t.Run("acquire up to limit", func(t *testing.T) {
		f := NewFlowController(2)

		assert.True(t, f.TryAcquire())
		assert.True(t, f.TryAcquire())
		assert.False(t, f.TryAcquire())
		assert.Equal(t, uint16(2), f.InFlight())
		assert.Equal(t, uint16(0), f.Available())
	})

	t.Run("release restores quota", func(t *testing.T) {
		f := NewFlowController(1)
		require.True(t, f.TryAcquire())

		f.Release()
		assert.True(t, f.TryAcquire())
	})

	t.Run("acquire returns quota error", func(t *testing.T) {
		f := NewFlowController(1)
		require.NoError(t, f.Acquire())
		assert.ErrorIs(t, f.Acquire(), ErrQuotaExceeded)
	})

	t.Run("release below zero is a no-op", func(t *testing.T) {
		f := NewFlowController(3)
		f.Release()
		assert.Equal(t, uint16(0), f.InFlight())
	})

	t.Run("zero limit means protocol maximum", func(t *testing.T) {
		f := NewFlowController(0)
		assert.Equal(t, uint16(65535), f.Limit())
	})

	t.Run("reset clears in-flight count", func(t *testing.T) {
		f := NewFlowController(2)
		require.True(t, f.TryAcquire())
		require.True(t, f.TryAcquire())

		f.Reset()
		assert.Equal(t, uint16(0), f.InFlight())
		assert.True(t, f.TryAcquire())
	})
}
