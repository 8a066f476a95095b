// Package v1 holds the data types shared across components: the registry
// layer graph, archive records, usage records, candidate items and
// checkpoints described in spec.md §3. Mongo documents are projected into
// these typed records at the aggregator boundary — no bson.M leaks past it.
package v1

import "time"

// ImageType distinguishes the two classes of registry image this system
// manages.
type ImageType string

const (
	ImageTypeEnvironment ImageType = "environment"
	ImageTypeModel       ImageType = "model"
)

// RecordType is one of the four MongoDB archive record kinds.
type RecordType string

const (
	RecordTypeEnvironment RecordType = "environment"
	RecordTypeRevision    RecordType = "revision"
	RecordTypeModel       RecordType = "model"
	RecordTypeVersion     RecordType = "version"
)

// ImageKey identifies an image within one analysis scope.
type ImageKey struct {
	Type ImageType
	Tag  string
}

// StableItemID matches CandidateItem.StableItemID so a key and the
// candidate it was deduped from resolve to the same checkpoint entry.
func (k ImageKey) StableItemID() string {
	return string(k.Type) + ":" + k.Tag
}

// Layer is a content-addressed unit of registry storage, produced only by
// the layer graph builder (C2). RefCount is the number of images in the
// current analysis scope referencing this layer.
type Layer struct {
	Digest    string
	SizeBytes int64
	RefCount  int
}

// Image is a registry tag with its manifest digest and ordered layer
// stack (bottom to top, as returned by the registry).
type Image struct {
	Key     ImageKey
	Digest  string
	Layers  []string // layer digests, in manifest order
	OwnerID string   // best-effort owner email/id resolved from usage, may be empty
}

// ArchiveRecord is a MongoDB identifier belonging to one of the four
// record types, with enough parent/child/clone linkage to support the
// cloned-revision closure in C7 step 1.
type ArchiveRecord struct {
	ID               string
	Type             RecordType
	ParentID         string // revision->environment, version->model
	ClonedRevisionID string // only meaningful for RecordTypeRevision
	IsArchived       bool
	OwnerUserID      string // only meaningful for environment records
	IsPrivate        bool
}

// UsageExample is one capped representative record surfaced in a usage
// summary (a run, a workspace session, ...).
type UsageExample struct {
	ID        string
	Owner     string
	Timestamp time.Time // zero for configuration sources that carry no timestamp
}

// UsageRecord is the per-tag usage verdict produced by the usage resolver
// (C5), built from the consolidated snapshot (C3) plus the tag resolver
// (C4).
type UsageRecord struct {
	Tag string

	RunsCount          int
	WorkspacesCount    int
	ModelsCount        int
	SchedulerJobsCount int
	ProjectsCount      int
	OrganizationsCount int
	AppVersionsCount   int

	Runs       []UsageExample
	Workspaces []UsageExample
	Models     []UsageExample

	SchedulerJobs []UsageExample
	Projects      []UsageExample
	Organizations []UsageExample
	AppVersions   []UsageExample

	UsageSummary string
	InUse        bool
}

// ConfigurationSourceCounts reports whether any "always in use" source
// touched this tag, independent of recency.
func (u UsageRecord) ConfigurationSourceCounts() int {
	return u.ModelsCount + u.SchedulerJobsCount + u.ProjectsCount + u.OrganizationsCount + u.AppVersionsCount
}

// HistoricalCount reports the number of timestamped-source hits (runs,
// workspaces) regardless of recency.
func (u UsageRecord) HistoricalCount() int {
	return u.RunsCount + u.WorkspacesCount
}

// CandidateItem is one registry tag nominated for deletion by the
// candidate selector (C6), along with the MongoDB IDs whose cleanup would
// follow a successful deletion.
type CandidateItem struct {
	ObjectID   string
	ImageType  ImageType
	Tag        string
	FullImage  string // repository/tag, or repository@digest
	RecordType RecordType
	Scenario   string // "archived" | "unused" | "deactivated_owner" | "orphan_reference"
}

// StableItemID is the opaque checkpoint item identifier for a candidate
// image, e.g. "environment:abcd1234-v2".
func (c CandidateItem) StableItemID() string {
	return string(c.ImageType) + ":" + c.Tag
}

// Checkpoint is the durable per-operation progress record (C11).
type Checkpoint struct {
	OperationKind string
	OperationID   string
	Completed     map[string]bool
	Failed        map[string]string // item -> failure reason
	Skipped       map[string]string // item -> skip reason
	TotalItems    int
	Metadata      map[string]string
	UpdatedAt     time.Time
}

// NewCheckpoint returns an empty checkpoint ready for use.
func NewCheckpoint(kind, id string, total int) Checkpoint {
	return Checkpoint{
		OperationKind: kind,
		OperationID:   id,
		Completed:     map[string]bool{},
		Failed:        map[string]string{},
		Skipped:       map[string]string{},
		TotalItems:    total,
		Metadata:      map[string]string{},
	}
}

// Remaining returns the subset of ids not yet completed, failed or skipped.
// A completed item never regresses: callers must only ever add to
// Completed, never remove from it.
func (c Checkpoint) Remaining(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if c.Completed[id] {
			continue
		}
		if _, ok := c.Failed[id]; ok {
			continue
		}
		if _, ok := c.Skipped[id]; ok {
			continue
		}
		out = append(out, id)
	}
	return out
}

// DeletionResult is what the deletion orchestrator (C7) emits, per spec §6.
type DeletionResult struct {
	ImagesBackedUp       int
	DockerImagesDeleted  int
	MongoRecordsCleaned  int
	Failed               []FailedItem
	SkippedInUse         []SkippedItem
	OwnersFullyReclaimed []string
}

type FailedItem struct {
	Tag    string
	Reason string
}

type SkippedItem struct {
	Tag          string
	Reason       string
	UsageSummary string
}

// MigrationPlan is the side-effect-free output of the migration engine's
// planning phase (C9): per-repository, which tags would be copied, already
// present, or skipped by archive-status filtering.
type MigrationPlan struct {
	Repositories []RepositoryPlan
}

type RepositoryPlan struct {
	Repository     string
	ToCopy         []string
	AlreadyPresent []string
	FilteredOut    []string
}

// MigrationResult is the outcome of applying a MigrationPlan.
type MigrationResult struct {
	RepositoriesCompleted []string
	CopiedTags            map[string][]string
	Failed                []FailedItem
	MongoRecordsRewritten int
}
