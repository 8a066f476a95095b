package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/require"

	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
)

func TestStore_LoadMissingReturnsFreshCheckpoint(t *testing.T) {
	s := NewStore(t.TempDir())
	cp, existed, err := s.Load("delete", "op-1", 10)
	require.NoError(t, err)
	require.False(t, existed)
	require.Equal(t, 10, cp.TotalItems)
	require.Empty(t, cp.Completed)
}

func TestStore_SaveThenLoadRoundTrips(t *testing.T) {
	s := NewStore(t.TempDir())
	cp := v1.NewCheckpoint("delete", "op-1", 3)
	cp.Completed["environment:a"] = true
	cp.Failed["environment:b"] = "registry timeout"

	require.NoError(t, s.Save(cp))

	loaded, existed, err := s.Load("delete", "op-1", 3)
	require.NoError(t, err)
	require.True(t, existed)
	require.True(t, loaded.Completed["environment:a"])
	require.Equal(t, "registry timeout", loaded.Failed["environment:b"])
}

func TestStore_Remaining_NeverRegressesCompleted(t *testing.T) {
	s := NewStore(t.TempDir())
	cp := v1.NewCheckpoint("delete", "op-1", 3)
	cp.Completed["a"] = true
	cp.Skipped["b"] = "in_use"
	require.NoError(t, s.Save(cp))

	loaded, _, err := s.Load("delete", "op-1", 3)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, loaded.Remaining([]string{"a", "b", "c"}))
}

func TestStore_DeleteMissingIsNotAnError(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Delete("delete", "no-such-op"))
}

func TestStore_DeleteRemovesFile(t *testing.T) {
	s := NewStore(t.TempDir())
	cp := v1.NewCheckpoint("migrate", "op-2", 1)
	require.NoError(t, s.Save(cp))
	require.NoError(t, s.Delete("migrate", "op-2"))

	_, existed, err := s.Load("migrate", "op-2", 1)
	require.NoError(t, err)
	require.False(t, existed)
}
