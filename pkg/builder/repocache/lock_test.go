package repocache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepoLockExclusive(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "Org", "repo.lock")

	first := NewRepoLock(fn)
	ok, err := first.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, first.Held())

	second := NewRepoLock(fn)
	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.False(t, ok, "second lock must not be granted while the first is held")
	assert.False(t, second.Held())

	require.NoError(t, first.Unlock())
	assert.False(t, first.Held())

	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.True(t, ok, "lock must be available after release")
	require.NoError(t, second.Unlock())
}

func TestRepoLockUnlockIdempotent(t *testing.T) {
	l := NewRepoLock(filepath.Join(t.TempDir(), "repo.lock"))
	require.NoError(t, l.Unlock())

	ok, err := l.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Unlock())
	require.NoError(t, l.Unlock())
}

func TestRepoLockRelockSameInstance(t *testing.T) {
	l := NewRepoLock(filepath.Join(t.TempDir(), "repo.lock"))
	ok, err := l.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer l.Unlock()

	_, err = l.TryLock()
	assert.Error(t, err)
}
