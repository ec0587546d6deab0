package data

// Attachment describes one opaque blob associated with a resource. The
// engine never inspects the blob content; UUID addresses it inside the
// external blob store.
type Attachment struct {
	UUID             string
	ContentType      int32
	UncompressedSize int64
	UncompressedHash string
	CompressionType  int32
	CompressedSize   int64
	CompressedHash   string
}

// Metadata is one free-form key/value entry attached to a resource,
// keyed by its integer type. Revision is supplied by the caller and
// replaced atomically together with the value.
type Metadata struct {
	Type     int32
	Value    string
	Revision int64
}

// Tag is one key/value pair of either tag namespace.
type Tag struct {
	Group   uint16
	Element uint16
	Value   string
}

// ContentTag is a tag row addressed to an explicit resource, used by the
// bulk SetResourcesContent operation.
type ContentTag struct {
	ResourceID int64
	Group      uint16
	Element    uint16
	Value      string
}

// ContentMetadata is a metadata row addressed to an explicit resource,
// used by the bulk SetResourcesContent operation.
type ContentMetadata struct {
	ResourceID int64
	Type       int32
	Value      string
	Revision   int64
}

// Sort-key source tags: study/series date and time. Writing one of these
// main tags also refreshes the owning resource's SortKeys cache.
const (
	TagGroupDateTime     uint16 = 0x0008
	TagElementStudyDate  uint16 = 0x0020
	TagElementSeriesDate uint16 = 0x0021
	TagElementStudyTime  uint16 = 0x0030
	TagElementSeriesTime uint16 = 0x0031
)

// SortKeyIndex returns which SortKeys slot the tag feeds (0 for dates,
// 1 for times) and whether the tag is a sort-key source at all.
func SortKeyIndex(group, element uint16) (int, bool) {
	if group != TagGroupDateTime {
		return 0, false
	}
	switch element {
	case TagElementStudyDate, TagElementSeriesDate:
		return 0, true
	case TagElementStudyTime, TagElementSeriesTime:
		return 1, true
	default:
		return 0, false
	}
}
