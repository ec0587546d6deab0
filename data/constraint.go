package data

// ConstraintType enumerates the comparison kinds a lookup constraint
// can express against a tag value.
type ConstraintType int32

const (
	ConstraintEqual ConstraintType = iota
	ConstraintSmallerOrEqual
	ConstraintGreaterOrEqual
	ConstraintWildcard
	ConstraintList
)

func (t ConstraintType) String() string {
	switch t {
	case ConstraintEqual:
		return "equal"
	case ConstraintSmallerOrEqual:
		return "smaller-or-equal"
	case ConstraintGreaterOrEqual:
		return "greater-or-equal"
	case ConstraintWildcard:
		return "wildcard"
	case ConstraintList:
		return "list"
	default:
		return "unknown"
	}
}

// Constraint is one condition of a LookupResources query. IsIdentifier
// selects the searchable identifier-tag namespace; otherwise the
// constraint is evaluated against the main-tag namespace.
type Constraint struct {
	Level         ResourceLevel
	Group         uint16
	Element       uint16
	Type          ConstraintType
	Values        []string
	IsIdentifier  bool
	CaseSensitive bool
}

// SingleValue returns the first constraint value, or "" when none is set.
func (c Constraint) SingleValue() string {
	if len(c.Values) == 0 {
		return ""
	}
	return c.Values[0]
}

// ResourceQuery is the input of LookupResources.
type ResourceQuery struct {
	Constraints []Constraint
	Level       ResourceLevel

	// Limit caps the number of answers; 0 means unlimited.
	Limit uint32

	// RetrieveInstance requests one arbitrary descendant instance id
	// alongside each matching resource.
	RetrieveInstance bool
}

// LookupAnswer is one row answered by LookupResources. InstancePublicID
// is only populated when the query requested instance sampling.
type LookupAnswer struct {
	PublicID         string
	InstancePublicID string
}
