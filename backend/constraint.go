package backend

import (
	"regexp"
	"strings"

	"github.com/mwantia/pacsindex/data"
)

// TagKey addresses one tag inside a namespace.
type TagKey struct {
	Group   uint16
	Element uint16
}

// TagPredicate is the combined predicate of every constraint addressing
// the same tag: a range built from smaller/greater constraints, an
// equality, a wildcard pattern and a membership list are AND-ed together.
type TagPredicate struct {
	Key           TagKey
	Level         data.ResourceLevel
	IsIdentifier  bool
	CaseSensitive bool

	Equal    *string
	Upper    *string // value <= Upper
	Lower    *string // value >= Lower
	Wildcard *string // never "*"; that pattern compiles to no filter
	List     []string

	wildcardRe *regexp.Regexp
}

// CompiledQuery is the backend-independent first half of constraint
// compilation: constraints partitioned by namespace and grouped per tag.
// Rendering the predicates into backend queries stays with each backend.
type CompiledQuery struct {
	Identifier []TagPredicate
	Normal     []TagPredicate

	// HasExactIdentifier marks the fast path where at least one
	// identifier constraint is a plain equality, so candidate
	// resolution can start from an exact index probe.
	HasExactIdentifier bool
}

// Empty reports whether no filtering predicate survived compilation.
func (q CompiledQuery) Empty() bool {
	return len(q.Identifier) == 0 && len(q.Normal) == 0
}

// Compile partitions constraints into the identifier and main-tag
// namespaces and folds multiple constraints on the same tag into one
// predicate. A wildcard pattern of "*" imposes no restriction and is
// dropped; a tag left without any condition is dropped entirely.
func Compile(constraints []data.Constraint) (CompiledQuery, error) {
	var compiled CompiledQuery

	type slot struct {
		identifier bool
		index      int
	}
	seen := make(map[TagKey]slot)

	for _, c := range constraints {
		key := TagKey{Group: c.Group, Element: c.Element}

		var pred *TagPredicate
		if s, ok := seen[key]; ok && s.identifier == c.IsIdentifier {
			if s.identifier {
				pred = &compiled.Identifier[s.index]
			} else {
				pred = &compiled.Normal[s.index]
			}
		} else {
			fresh := TagPredicate{
				Key:           key,
				Level:         c.Level,
				IsIdentifier:  c.IsIdentifier,
				CaseSensitive: c.CaseSensitive,
			}
			if c.IsIdentifier {
				compiled.Identifier = append(compiled.Identifier, fresh)
				seen[key] = slot{identifier: true, index: len(compiled.Identifier) - 1}
				pred = &compiled.Identifier[len(compiled.Identifier)-1]
			} else {
				compiled.Normal = append(compiled.Normal, fresh)
				seen[key] = slot{identifier: false, index: len(compiled.Normal) - 1}
				pred = &compiled.Normal[len(compiled.Normal)-1]
			}
		}

		switch c.Type {
		case data.ConstraintEqual:
			v := c.SingleValue()
			pred.Equal = &v
			if c.IsIdentifier {
				compiled.HasExactIdentifier = true
			}

		case data.ConstraintSmallerOrEqual:
			v := c.SingleValue()
			pred.Upper = &v

		case data.ConstraintGreaterOrEqual:
			v := c.SingleValue()
			pred.Lower = &v

		case data.ConstraintWildcard:
			if v := c.SingleValue(); v != "*" {
				pred.Wildcard = &v
				re, err := WildcardToRegexp(v)
				if err != nil {
					return CompiledQuery{}, err
				}
				pred.wildcardRe = re
			}

		case data.ConstraintList:
			pred.List = append(pred.List, c.Values...)

		default:
			return CompiledQuery{}, data.ErrInvalidState
		}
	}

	// Drop predicates that ended up without any condition, e.g. a lone
	// "*" wildcard.
	compiled.Identifier = dropEmpty(compiled.Identifier)
	compiled.Normal = dropEmpty(compiled.Normal)

	return compiled, nil
}

func dropEmpty(preds []TagPredicate) []TagPredicate {
	kept := preds[:0]
	for _, p := range preds {
		if p.Equal != nil || p.Upper != nil || p.Lower != nil || p.Wildcard != nil || len(p.List) > 0 {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return nil
	}

	return kept
}

// Matches evaluates the predicate against one tag value. Used by the
// in-memory backend; the SQL backends render the same conditions into
// their dialects instead.
func (p *TagPredicate) Matches(value string) bool {
	if p.Equal != nil {
		if p.CaseSensitive {
			if value != *p.Equal {
				return false
			}
		} else if !strings.EqualFold(value, *p.Equal) {
			return false
		}
	}
	if p.Upper != nil && value > *p.Upper {
		return false
	}
	if p.Lower != nil && value < *p.Lower {
		return false
	}
	if p.wildcardRe != nil && !p.wildcardRe.MatchString(value) {
		return false
	}
	if len(p.List) > 0 {
		found := false
		for _, v := range p.List {
			if v == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// WildcardToRegexp translates glob syntax into an anchored
// case-insensitive regular expression: '*' matches any run, '?' one
// character, everything else literally.
func WildcardToRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("(?i)^")

	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")

	return regexp.Compile(sb.String())
}

// WildcardToLike translates glob syntax into a SQL LIKE pattern using
// backslash as the escape character.
func WildcardToLike(pattern string) string {
	var sb strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString("%")
		case '?':
			sb.WriteString("_")
		case '%', '_', '\\':
			sb.WriteString("\\")
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}

	return sb.String()
}

// IsSortableLevel reports whether query results at the level carry the
// date/time sort-key cache.
func IsSortableLevel(level data.ResourceLevel) bool {
	return level == data.LevelStudy || level == data.LevelSeries
}
