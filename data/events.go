package data

// DeletedResource identifies one resource removed by a cascading delete.
type DeletedResource struct {
	PublicID string
	Level    ResourceLevel
}

// RemainingAncestor identifies the parent that survives a cascading
// delete of a non-root resource.
type RemainingAncestor struct {
	PublicID string
	Level    ResourceLevel
}

// DeleteEvents collects everything a cascading delete removed, so the
// caller can reclaim blob storage and notify the host. It replaces the
// callback-style output channel of older plugin generations with a
// plain typed result.
type DeleteEvents struct {
	// Attachments lists every attachment row removed by the cascade;
	// their UUIDs point at blobs that are now unreferenced.
	Attachments []Attachment

	// Resources lists every resource removed, the deleted root included.
	Resources []DeletedResource

	// RemainingAncestor is set iff the deleted resource had a parent.
	RemainingAncestor *RemainingAncestor
}
