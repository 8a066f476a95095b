// Package usage implements C5: given the consolidated MongoDB usage
// snapshot (C3) and the tag resolver (C4), decide per-tag whether an image
// is still in use. Grounded on the teacher's signature verification policy
// evaluation style (narrow, declarative per-field checks feeding one
// boolean verdict), generalized to usage-source aggregation.
package usage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
	"github.com/dominodatalab/registry-gc/internal/pkg/mongostore"
	"github.com/dominodatalab/registry-gc/internal/pkg/tagresolver"
)

const maxExamples = 5

// Resolver answers in-use queries against one loaded snapshot.
type Resolver struct {
	snapshot    *mongostore.Snapshot
	prefixIndex map[string][]string
}

func NewResolver(snap *mongostore.Snapshot) *Resolver {
	return &Resolver{snapshot: snap, prefixIndex: snap.PrefixIndex()}
}

// Resolve builds the usage record for tag. recencyDays, if non-nil, filters
// the in_use verdict to historical sources touched within that many days;
// configuration sources are always honored regardless of recency.
func (r *Resolver) Resolve(tag string, now time.Time, recencyDays *int) v1.UsageRecord {
	rec := v1.UsageRecord{Tag: tag}

	r.collect(tag, &rec)

	// Extended-tag prefix fallback: if nothing matched directly, look for
	// usage recorded against the shorter "<objectId>-<v>" form this
	// timestamped/extended tag was derived from.
	if rec.ConfigurationSourceCounts() == 0 && rec.HistoricalCount() == 0 {
		if fallbackTag, ok := r.prefixFallback(tag); ok {
			r.collect(fallbackTag, &rec)
		}
	}

	rec.InUse = r.inUseVerdict(rec, now, recencyDays)
	rec.UsageSummary = summarize(rec)
	return rec
}

func (r *Resolver) collect(tag string, rec *v1.UsageRecord) {
	addConfig := func(examples []v1.UsageExample, count *int, bucket *[]v1.UsageExample) {
		*count += len(examples)
		*bucket = append(*bucket, cap5(examples)...)
	}

	if ex, ok := r.snapshot.Models[tag]; ok {
		addConfig(ex, &rec.ModelsCount, &rec.Models)
	}
	if ex, ok := r.snapshot.SchedulerJobs[tag]; ok {
		rec.SchedulerJobsCount += len(ex)
		rec.SchedulerJobs = append(rec.SchedulerJobs, ex...)
	}
	if ex, ok := r.snapshot.Projects[tag]; ok {
		rec.ProjectsCount += len(ex)
		rec.Projects = append(rec.Projects, ex...)
	}
	if ex, ok := r.snapshot.Organizations[tag]; ok {
		rec.OrganizationsCount += len(ex)
		rec.Organizations = append(rec.Organizations, ex...)
	}
	if ex, ok := r.snapshot.AppVersions[tag]; ok {
		rec.AppVersionsCount += len(ex)
		rec.AppVersions = append(rec.AppVersions, ex...)
	}
	if ex, ok := r.snapshot.Runs[tag]; ok {
		rec.RunsCount += len(ex)
		rec.Runs = append(rec.Runs, mostRecent5(ex)...)
	}
	if ex, ok := r.snapshot.Workspaces[tag]; ok {
		rec.WorkspacesCount += len(ex)
		rec.Workspaces = append(rec.Workspaces, mostRecent5(ex)...)
	}
}

func cap5(ex []v1.UsageExample) []v1.UsageExample {
	if len(ex) <= maxExamples {
		return ex
	}
	return ex[:maxExamples]
}

// mostRecent5 keeps the newest examples, so the recency verdict computed
// from the capped lists still sees the latest timestamp of all of them.
func mostRecent5(ex []v1.UsageExample) []v1.UsageExample {
	sorted := append([]v1.UsageExample(nil), ex...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.After(sorted[j].Timestamp) })
	return cap5(sorted)
}

// prefixFallback implements spec.md §4.5's extended-tag rule: split tag on
// its first '-' to get the ObjectID prefix, scan the snapshot's prefix
// index for tags sharing that prefix, and inherit the usage of any such
// tag that tag begins with, followed by '-'.
func (r *Resolver) prefixFallback(tag string) (string, bool) {
	prefix := tagresolver.ObjectIDPrefix(tag)
	if prefix == "" {
		return "", false
	}
	for _, candidate := range r.prefixIndex[prefix] {
		if candidate != tag && strings.HasPrefix(tag, candidate+"-") {
			return candidate, true
		}
	}
	return "", false
}

func (r *Resolver) inUseVerdict(rec v1.UsageRecord, now time.Time, recencyDays *int) bool {
	if rec.ConfigurationSourceCounts() > 0 {
		return true
	}
	if rec.HistoricalCount() == 0 {
		return false
	}
	if recencyDays == nil {
		return true
	}
	cutoff := now.AddDate(0, 0, -*recencyDays)
	latest := latestTimestamp(rec)
	return !latest.IsZero() && latest.After(cutoff)
}

func latestTimestamp(rec v1.UsageRecord) time.Time {
	var latest time.Time
	consider := func(t time.Time) {
		if t.After(latest) {
			latest = t
		}
	}
	for _, ex := range rec.Runs {
		consider(ex.Timestamp)
	}
	for _, ex := range rec.Workspaces {
		consider(ex.Timestamp)
	}
	return latest
}

// summarize synthesizes the human-readable usage phrase described in
// spec.md §4.5: counts joined by source, or an explicit "checked vs absent"
// explanation when nothing was found.
func summarize(rec v1.UsageRecord) string {
	type part struct {
		label string
		count int
	}
	parts := []part{
		{"run", rec.RunsCount},
		{"workspace", rec.WorkspacesCount},
		{"model", rec.ModelsCount},
		{"scheduler job", rec.SchedulerJobsCount},
		{"project", rec.ProjectsCount},
		{"organization", rec.OrganizationsCount},
		{"app version", rec.AppVersionsCount},
	}

	var found []string
	var absent []string
	for _, p := range parts {
		if p.count > 0 {
			found = append(found, fmt.Sprintf("%d %s%s", p.count, p.label, plural(p.count)))
		} else {
			absent = append(absent, p.label)
		}
	}

	if len(found) == 0 {
		sort.Strings(absent)
		return fmt.Sprintf("no usage found (checked: %s)", strings.Join(absent, ", "))
	}
	summary := strings.Join(found, ", ")
	if len(absent) > 0 {
		summary += "; unchecked/absent: " + strings.Join(absent, ", ")
	}
	return summary
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
