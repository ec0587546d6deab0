package data

// Well-known global property ids. Everything else is opaque to the
// engine and owned by the host.
const (
	PropertySchemaVersion int32 = 1
	PropertyPatchLevel    int32 = 4
)

// SchemaVersion is the logical layout version written at Open time and
// verified on every subsequent Open.
const SchemaVersion = "6"

// PatchLevel is the revision of the layout within SchemaVersion.
const PatchLevel = "1"
