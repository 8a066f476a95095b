package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
	"github.com/dominodatalab/registry-gc/internal/pkg/mongostore"
)

func emptySnap() *mongostore.Snapshot {
	return &mongostore.Snapshot{
		Runs:          map[string][]v1.UsageExample{},
		Workspaces:    map[string][]v1.UsageExample{},
		Models:        map[string][]v1.UsageExample{},
		SchedulerJobs: map[string][]v1.UsageExample{},
		Projects:      map[string][]v1.UsageExample{},
		Organizations: map[string][]v1.UsageExample{},
		AppVersions:   map[string][]v1.UsageExample{},
	}
}

func TestResolve_ConfigurationSourceAlwaysInUse(t *testing.T) {
	snap := emptySnap()
	snap.Models["tag1"] = []v1.UsageExample{{ID: "m1"}}
	r := NewResolver(snap)

	rec := r.Resolve("tag1", time.Now(), intPtr(1))
	require.True(t, rec.InUse)
}

func TestResolve_HistoricalOutsideRecencyWindowIsNotInUse(t *testing.T) {
	snap := emptySnap()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap.Runs["tag1"] = []v1.UsageExample{{ID: "r1", Timestamp: now.AddDate(0, 0, -90)}}
	r := NewResolver(snap)

	rec := r.Resolve("tag1", now, intPtr(30))
	require.False(t, rec.InUse)
	require.Equal(t, 1, rec.RunsCount)
}

func TestResolve_HistoricalWithinRecencyWindowIsInUse(t *testing.T) {
	snap := emptySnap()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap.Workspaces["tag1"] = []v1.UsageExample{{ID: "w1", Timestamp: now.AddDate(0, 0, -2)}}
	r := NewResolver(snap)

	rec := r.Resolve("tag1", now, intPtr(30))
	require.True(t, rec.InUse)
}

func TestResolve_NoRecencyWindowTreatsAnyHistoricalHitAsInUse(t *testing.T) {
	snap := emptySnap()
	now := time.Now()
	snap.Runs["tag1"] = []v1.UsageExample{{ID: "r1", Timestamp: now.AddDate(-1, 0, 0)}}
	r := NewResolver(snap)

	rec := r.Resolve("tag1", now, nil)
	require.True(t, rec.InUse)
}

func TestResolve_NoUsageProducesExplicitCheckedSummary(t *testing.T) {
	snap := emptySnap()
	r := NewResolver(snap)

	rec := r.Resolve("tag1", time.Now(), nil)
	require.False(t, rec.InUse)
	require.Contains(t, rec.UsageSummary, "no usage found")
	require.Contains(t, rec.UsageSummary, "run")
}

func TestResolve_PrefixFallbackInheritsShorterTagUsage(t *testing.T) {
	snap := emptySnap()
	id := "507f1f77bcf86cd799439011"
	snap.Runs[id+"-v2"] = []v1.UsageExample{{ID: "r1", Timestamp: time.Now()}}
	r := NewResolver(snap)

	extended := id + "-v2-1699999999_ab12cd"
	rec := r.Resolve(extended, time.Now(), nil)
	require.Equal(t, 1, rec.RunsCount)
	require.True(t, rec.InUse)
}

func TestResolve_PrefixFallbackDoesNotApplyToUnrelatedPrefix(t *testing.T) {
	snap := emptySnap()
	snap.Runs["507f1f77bcf86cd799439011-v2"] = []v1.UsageExample{{ID: "r1", Timestamp: time.Now()}}
	r := NewResolver(snap)

	rec := r.Resolve("aaaaaaaaaaaaaaaaaaaaaaaa-v2-123_xy", time.Now(), nil)
	require.Equal(t, 0, rec.RunsCount)
	require.False(t, rec.InUse)
}

func intPtr(n int) *int { return &n }
