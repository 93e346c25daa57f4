package peerstore

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T, max int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "contacts.db"), max, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTouchInsertsAndUpdates(t *testing.T) {
	s := openTestStore(t, 10)

	require.NoError(t, s.Touch("seed-1:5483", "aa"))
	require.NoError(t, s.Touch("seed-1:5483", ""))

	contacts, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "seed-1:5483", contacts[0].Endpoint)
	// Empty node id on the second touch does not erase the known one.
	assert.Equal(t, "aa", contacts[0].NodeID)
	assert.Equal(t, 2, contacts[0].Successes)
}

func TestRecentDeprioritizesFailingEndpoints(t *testing.T) {
	s := openTestStore(t, 10)

	require.NoError(t, s.Touch("good:5483", ""))
	require.NoError(t, s.Touch("flaky:5483", ""))
	require.NoError(t, s.MarkFailed("flaky:5483"))
	require.NoError(t, s.MarkFailed("flaky:5483"))

	contacts, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "flaky:5483", contacts[len(contacts)-1].Endpoint)
	assert.Equal(t, 2, contacts[len(contacts)-1].Failures)
}

func TestRecentLimit(t *testing.T) {
	s := openTestStore(t, 10)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Touch(fmt.Sprintf("seed-%d:5483", i), ""))
	}

	contacts, err := s.Recent(3)
	require.NoError(t, err)
	assert.Len(t, contacts, 3)
}

func TestTrimBoundsStore(t *testing.T) {
	s := openTestStore(t, 3)
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Touch(fmt.Sprintf("seed-%d:5483", i), ""))
	}

	n, err := s.Size()
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 3)
}

func TestRemove(t *testing.T) {
	s := openTestStore(t, 10)
	require.NoError(t, s.Touch("seed:5483", ""))
	require.NoError(t, s.Remove("seed:5483"))

	n, err := s.Size()
	require.NoError(t, err)
	assert.Zero(t, n)
}
