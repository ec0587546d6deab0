package data

// Change is one immutable row of the append-only change log. PublicID is
// resolved from the resource id when the row is read back, so answers
// remain meaningful to the caller even though the log stores internal ids.
type Change struct {
	Seq        int64
	ChangeType int32
	ResourceID int64
	Level      ResourceLevel
	PublicID   string
	Date       string
}

// ExportedResource is one immutable row of the append-only export log.
type ExportedResource struct {
	Seq         int64
	Level       ResourceLevel
	PublicID    string
	Modality    string
	Date        string
	PatientID   string
	StudyUID    string
	SeriesUID   string
	InstanceUID string
}

// RecyclingEntry is one row of the patient recycling queue. Seq ordering
// defines the LRU order; the smallest Seq is the next eviction candidate.
type RecyclingEntry struct {
	Seq       int64
	PatientID int64
}
