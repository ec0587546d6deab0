package data

// NoParent marks the absence of a parent or ancestor id.
const NoParent int64 = -1

// Resource is one node of the four-level hierarchy.
//
// Ancestors caches the internal ids of the resource's ancestor chain,
// indexed by level: Ancestors[l] is the id of the ancestor at level l,
// the resource's own id at its own level, and NoParent for levels deeper
// than the resource. The cache is written once at creation and never
// mutated afterwards; backends use it to expand query candidates across
// levels without walking parent links.
type Resource struct {
	InternalID int64
	PublicID   string
	Level      ResourceLevel
	ParentID   int64

	Ancestors [LevelCount]int64

	// SortKeys caches the date and time tag values used to order study
	// and series query results, most recent first. Empty until the
	// corresponding main tags are written.
	SortKeys [2]string
}

// NewAncestors returns an ancestor cache holding NoParent at every level.
func NewAncestors() [LevelCount]int64 {
	return [LevelCount]int64{NoParent, NoParent, NoParent, NoParent}
}

// InstanceHashes carries the four per-level public ids consumed by
// CreateInstance, ordered from root to leaf.
type InstanceHashes struct {
	Patient  string
	Study    string
	Series   string
	Instance string
}

// Slot reports the outcome of one level of CreateInstance.
type Slot struct {
	ID    int64
	IsNew bool
}

// CreateInstanceResult reports, level by level, whether CreateInstance
// found or created the resource.
type CreateInstanceResult struct {
	Patient  Slot
	Study    Slot
	Series   Slot
	Instance Slot
}
