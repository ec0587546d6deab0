package memory

import (
	"context"
	"sort"

	"github.com/mwantia/pacsindex/backend"
	"github.com/mwantia/pacsindex/data"
	"github.com/tidwall/btree"
)

func (tx *memoryTx) LookupIdentifier(ctx context.Context, level data.ResourceLevel, group, element uint16, constraint data.ConstraintType, value string) ([]int64, error) {
	if err := tx.guard(false); err != nil {
		return nil, err
	}

	compiled, err := backend.Compile([]data.Constraint{{
		Level:        level,
		Group:        group,
		Element:      element,
		Type:         constraint,
		Values:       []string{value},
		IsIdentifier: true,
	}})
	if err != nil {
		return nil, err
	}
	if compiled.Empty() {
		return tx.GetAllInternalIDs(ctx, level)
	}

	return tx.scanIdentifiers(level, &compiled.Identifier[0]), nil
}

func (tx *memoryTx) LookupIdentifierRange(ctx context.Context, level data.ResourceLevel, group, element uint16, start, end string) ([]int64, error) {
	if err := tx.guard(false); err != nil {
		return nil, err
	}

	pred := backend.TagPredicate{
		Key:   backend.TagKey{Group: group, Element: element},
		Lower: &start,
		Upper: &end,
	}

	return tx.scanIdentifiers(level, &pred), nil
}

// scanIdentifiers walks the identifier namespace and collects the ids of
// resources at the wanted level with a matching tag.
func (tx *memoryTx) scanIdentifiers(level data.ResourceLevel, pred *backend.TagPredicate) []int64 {
	var ids []int64
	tx.tables.identifierTags.Scan(func(id int64, tags []data.Tag) bool {
		r, ok := tx.tables.resources.Get(id)
		if !ok || r.Level != level {
			return true
		}
		for _, tag := range tags {
			if tag.Group == pred.Key.Group && tag.Element == pred.Key.Element && pred.Matches(tag.Value) {
				ids = append(ids, id)
				break
			}
		}
		return true
	})

	return ids
}

func (tx *memoryTx) LookupResources(ctx context.Context, query data.ResourceQuery) ([]data.LookupAnswer, error) {
	if err := tx.guard(false); err != nil {
		return nil, err
	}
	if !query.Level.Valid() {
		return nil, data.ErrInvalidLevel
	}

	compiled, err := backend.Compile(query.Constraints)
	if err != nil {
		return nil, err
	}

	var candidates []int64
	switch {
	case compiled.Empty():
		// No constraint at all: every resource at the query level.
		tx.tables.resources.Scan(func(id int64, r data.Resource) bool {
			if r.Level == query.Level {
				candidates = append(candidates, id)
			}
			return true
		})

	case len(compiled.Normal) == 0:
		candidates = tx.matchTags(tx.tables.identifierTags, compiled.Identifier, nil)

	case len(compiled.Identifier) == 0:
		candidates = tx.matchTags(tx.tables.mainTags, compiled.Normal, nil)

	default:
		// Resolve identifiers first, expand the hits across the whole
		// hierarchy, then intersect with the main-tag matches.
		chain := tx.chainSet(tx.matchTags(tx.tables.identifierTags, compiled.Identifier, nil))
		if compiled.HasExactIdentifier {
			// An exact identifier lookup keeps the chain small; evaluate
			// the main-tag predicates inside it instead of over the whole
			// namespace.
			candidates = tx.matchTags(tx.tables.mainTags, compiled.Normal, chain)
		} else {
			for _, id := range tx.matchTags(tx.tables.mainTags, compiled.Normal, nil) {
				if _, ok := chain[id]; ok {
					candidates = append(candidates, id)
				}
			}
		}
	}

	if !compiled.Empty() {
		candidates = tx.expandToLevel(candidates, query.Level)
	}

	if backend.IsSortableLevel(query.Level) {
		sort.SliceStable(candidates, func(i, j int) bool {
			a, _ := tx.tables.resources.Get(candidates[i])
			b, _ := tx.tables.resources.Get(candidates[j])
			if a.SortKeys[0] != b.SortKeys[0] {
				return a.SortKeys[0] > b.SortKeys[0]
			}
			return a.SortKeys[1] > b.SortKeys[1]
		})
	}

	if query.Limit != 0 && uint32(len(candidates)) > query.Limit {
		candidates = candidates[:query.Limit]
	}

	answers := make([]data.LookupAnswer, 0, len(candidates))
	for _, id := range candidates {
		r, ok := tx.tables.resources.Get(id)
		if !ok {
			continue
		}
		answer := data.LookupAnswer{PublicID: r.PublicID}
		if query.RetrieveInstance {
			answer.InstancePublicID = tx.sampleInstance(r)
		}
		answers = append(answers, answer)
	}

	return answers, nil
}

// matchTags returns the ids of resources holding at least one tag
// satisfying at least one of the predicates (predicates are OR-ed, the
// conditions inside one predicate are AND-ed). A non-nil within set
// restricts the scan to its members.
func (tx *memoryTx) matchTags(table *btree.Map[int64, []data.Tag], preds []backend.TagPredicate, within map[int64]struct{}) []int64 {
	var ids []int64
	table.Scan(func(id int64, tags []data.Tag) bool {
		if within != nil {
			if _, ok := within[id]; !ok {
				return true
			}
		}
		for i := range preds {
			pred := &preds[i]
			for _, tag := range tags {
				if tag.Group == pred.Key.Group && tag.Element == pred.Key.Element && pred.Matches(tag.Value) {
					ids = append(ids, id)
					return true
				}
			}
		}
		return true
	})

	return ids
}

// chainSet expands candidate ids to the full ancestor/descendant id set
// across all four levels.
func (tx *memoryTx) chainSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	byLevel := make(map[data.ResourceLevel][]int64)

	for _, id := range ids {
		r, ok := tx.tables.resources.Get(id)
		if !ok {
			continue
		}
		for _, ancestor := range r.Ancestors {
			if ancestor != data.NoParent {
				set[ancestor] = struct{}{}
			}
		}
		byLevel[r.Level] = append(byLevel[r.Level], id)
	}

	// Descendants: any resource whose ancestry cache points at a
	// candidate.
	tx.tables.resources.Scan(func(id int64, r data.Resource) bool {
		for level, candidates := range byLevel {
			for _, candidate := range candidates {
				if r.Ancestors[level] == candidate {
					set[id] = struct{}{}
					return true
				}
			}
		}
		return true
	})

	return set
}

// expandToLevel maps candidate ids onto the query level through the
// ancestry cache, deduplicating with first-match-wins.
func (tx *memoryTx) expandToLevel(ids []int64, level data.ResourceLevel) []int64 {
	var expanded []int64
	seen := make(map[int64]struct{})

	add := func(id int64) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			expanded = append(expanded, id)
		}
	}

	for _, id := range ids {
		r, ok := tx.tables.resources.Get(id)
		if !ok {
			continue
		}

		if r.Level >= level {
			// The target level is an ancestor-or-self; one cache read.
			if ancestor := r.Ancestors[level]; ancestor != data.NoParent {
				add(ancestor)
			}
			continue
		}

		tx.tables.resources.Scan(func(did int64, d data.Resource) bool {
			if d.Level == level && d.Ancestors[r.Level] == id {
				add(did)
			}
			return true
		})
	}

	return expanded
}

// sampleInstance picks one arbitrary instance below the resource, or ""
// when none exists.
func (tx *memoryTx) sampleInstance(r data.Resource) string {
	sample := ""
	tx.tables.resources.Scan(func(_ int64, d data.Resource) bool {
		if d.Level == data.LevelInstance && d.Ancestors[r.Level] == r.InternalID {
			sample = d.PublicID
			return false
		}
		return true
	})

	return sample
}
