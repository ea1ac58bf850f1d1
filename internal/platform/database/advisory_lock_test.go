package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockID(t *testing.T) {
	t.Run("deterministic for same parts", func(t *testing.T) {
		assert.Equal(t, LockID("content", "abc"), LockID("content", "abc"))
	})

	t.Run("differs for different parts", func(t *testing.T) {
		assert.NotEqual(t, LockID("content", "abc"), LockID("content", "abd"))
	})

	t.Run("differs by namespace", func(t *testing.T) {
		assert.NotEqual(t, LockID("content", "abc"), LockID("source", "abc"))
	})
}
