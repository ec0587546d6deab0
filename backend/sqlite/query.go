package sqlite

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mwantia/pacsindex/backend"
	"github.com/mwantia/pacsindex/data"
)

// predicateSQL renders one compiled predicate into a condition over the
// tag table aliased as t, appending its bind values to args.
func predicateSQL(pred *backend.TagPredicate, args *[]any) string {
	conditions := []string{"t.tag_group = ?", "t.tag_element = ?"}
	*args = append(*args, pred.Key.Group, pred.Key.Element)

	if pred.Equal != nil {
		if pred.CaseSensitive {
			conditions = append(conditions, "t.value = ?")
		} else {
			conditions = append(conditions, "t.value = ? COLLATE NOCASE")
		}
		*args = append(*args, *pred.Equal)
	}
	if pred.Upper != nil {
		conditions = append(conditions, "t.value <= ?")
		*args = append(*args, *pred.Upper)
	}
	if pred.Lower != nil {
		conditions = append(conditions, "t.value >= ?")
		*args = append(*args, *pred.Lower)
	}
	if pred.Wildcard != nil {
		conditions = append(conditions, `t.value LIKE ? ESCAPE '\'`)
		*args = append(*args, backend.WildcardToLike(*pred.Wildcard))
	}
	if len(pred.List) > 0 {
		conditions = append(conditions, "t.value IN ("+placeholders(len(pred.List))+")")
		for _, v := range pred.List {
			*args = append(*args, v)
		}
	}

	return "(" + strings.Join(conditions, " AND ") + ")"
}

// matchTags returns the ids of resources carrying at least one tag in
// the table satisfying at least one predicate. A non-empty within list
// restricts the match to those resource ids.
func (st *sqliteTx) matchTags(ctx context.Context, table string, preds []backend.TagPredicate, within []int64) ([]int64, error) {
	if len(preds) == 0 {
		return nil, nil
	}

	var args []any
	alternatives := make([]string, len(preds))
	for i := range preds {
		alternatives[i] = predicateSQL(&preds[i], &args)
	}

	query := `SELECT DISTINCT t.id FROM ` + table + ` t WHERE (` +
		strings.Join(alternatives, " OR ") + `)`
	if len(within) > 0 {
		query += ` AND t.id IN (` + placeholders(len(within)) + `)`
		args = append(args, int64Args(within)...)
	}
	query += ` ORDER BY t.id`

	return st.queryInt64s(ctx, query, args...)
}

func (st *sqliteTx) LookupIdentifier(ctx context.Context, level data.ResourceLevel, group, element uint16, constraint data.ConstraintType, value string) ([]int64, error) {
	if err := st.guard(); err != nil {
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
		return st.GetAllInternalIDs(ctx, level)
	}

	var args []any
	condition := predicateSQL(&compiled.Identifier[0], &args)
	args = append(args, level)

	return st.queryInt64s(ctx, `
		SELECT DISTINCT t.id FROM identifier_tags t
		JOIN resources r ON r.internal_id = t.id
		WHERE `+condition+` AND r.level = ?
		ORDER BY t.id`, args...)
}

func (st *sqliteTx) LookupIdentifierRange(ctx context.Context, level data.ResourceLevel, group, element uint16, start, end string) ([]int64, error) {
	if err := st.guard(); err != nil {
		return nil, err
	}

	return st.queryInt64s(ctx, `
		SELECT DISTINCT t.id FROM identifier_tags t
		JOIN resources r ON r.internal_id = t.id
		WHERE t.tag_group = ? AND t.tag_element = ?
		  AND t.value >= ? AND t.value <= ? AND r.level = ?
		ORDER BY t.id`, group, element, start, end, level)
}

func (st *sqliteTx) LookupResources(ctx context.Context, query data.ResourceQuery) ([]data.LookupAnswer, error) {
	if err := st.guard(); err != nil {
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
		candidates, err = st.GetAllInternalIDs(ctx, query.Level)

	case len(compiled.Normal) == 0:
		candidates, err = st.matchTags(ctx, "identifier_tags", compiled.Identifier, nil)

	case len(compiled.Identifier) == 0:
		candidates, err = st.matchTags(ctx, "main_tags", compiled.Normal, nil)

	default:
		// Resolve identifiers first, expand the hits across the whole
		// hierarchy, then intersect with the main-tag matches.
		var identifierHits, normalHits []int64
		if identifierHits, err = st.matchTags(ctx, "identifier_tags", compiled.Identifier, nil); err != nil {
			return nil, err
		}
		var chain map[int64]struct{}
		if chain, err = st.chainSet(ctx, identifierHits); err != nil {
			return nil, err
		}
		if compiled.HasExactIdentifier {
			// An exact identifier lookup keeps the chain small; push it
			// into the main-tag match instead of scanning the whole
			// namespace.
			if len(chain) > 0 {
				within := make([]int64, 0, len(chain))
				for id := range chain {
					within = append(within, id)
				}
				if candidates, err = st.matchTags(ctx, "main_tags", compiled.Normal, within); err != nil {
					return nil, err
				}
			}
			break
		}
		if normalHits, err = st.matchTags(ctx, "main_tags", compiled.Normal, nil); err != nil {
			return nil, err
		}
		for _, id := range normalHits {
			if _, ok := chain[id]; ok {
				candidates = append(candidates, id)
			}
		}
	}
	if err != nil {
		return nil, err
	}

	if !compiled.Empty() {
		if candidates, err = st.expandToLevel(ctx, candidates, query.Level); err != nil {
			return nil, err
		}
	}

	rows := make(map[int64]resourceRow, len(candidates))
	for _, id := range candidates {
		row, ok, err := st.getResource(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			rows[id] = row
		}
	}

	if backend.IsSortableLevel(query.Level) {
		sort.SliceStable(candidates, func(i, j int) bool {
			a, b := rows[candidates[i]], rows[candidates[j]]
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
		row, ok := rows[id]
		if !ok {
			continue
		}
		answer := data.LookupAnswer{PublicID: row.PublicID}
		if query.RetrieveInstance {
			if answer.InstancePublicID, err = st.sampleInstance(ctx, row); err != nil {
				return nil, err
			}
		}
		answers = append(answers, answer)
	}

	return answers, nil
}

// chainSet expands candidate ids to the full ancestor/descendant id set
// across all four levels.
func (st *sqliteTx) chainSet(ctx context.Context, ids []int64) (map[int64]struct{}, error) {
	set := make(map[int64]struct{}, len(ids))
	byLevel := make(map[data.ResourceLevel][]int64)

	for _, id := range ids {
		row, ok, err := st.getResource(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, ancestor := range row.Ancestors {
			if ancestor != data.NoParent {
				set[ancestor] = struct{}{}
			}
		}
		byLevel[row.Level] = append(byLevel[row.Level], id)
	}

	for level, candidates := range byLevel {
		descendants, err := st.queryInt64s(ctx,
			fmt.Sprintf(`SELECT internal_id FROM resources WHERE ancestor%d IN (%s)`,
				level, placeholders(len(candidates))),
			int64Args(candidates)...)
		if err != nil {
			return nil, err
		}
		for _, id := range descendants {
			set[id] = struct{}{}
		}
	}

	return set, nil
}

// expandToLevel maps candidate ids onto the query level through the
// ancestry cache, deduplicating with first-match-wins.
func (st *sqliteTx) expandToLevel(ctx context.Context, ids []int64, level data.ResourceLevel) ([]int64, error) {
	var expanded []int64
	seen := make(map[int64]struct{})

	add := func(id int64) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			expanded = append(expanded, id)
		}
	}

	for _, id := range ids {
		row, ok, err := st.getResource(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		if row.Level >= level {
			// The target level is an ancestor-or-self; one cache read.
			if ancestor := row.Ancestors[level]; ancestor != data.NoParent {
				add(ancestor)
			}
			continue
		}

		descendants, err := st.queryInt64s(ctx,
			fmt.Sprintf(`SELECT internal_id FROM resources WHERE level = ? AND ancestor%d = ? ORDER BY internal_id`,
				row.Level),
			level, id)
		if err != nil {
			return nil, err
		}
		for _, did := range descendants {
			add(did)
		}
	}

	return expanded, nil
}

// sampleInstance picks one arbitrary instance below the resource, or ""
// when none exists.
func (st *sqliteTx) sampleInstance(ctx context.Context, row resourceRow) (string, error) {
	publicIDs, err := st.queryStrings(ctx,
		fmt.Sprintf(`SELECT public_id FROM resources WHERE level = ? AND ancestor%d = ? LIMIT 1`,
			row.Level),
		data.LevelInstance, row.InternalID)
	if err != nil {
		return "", err
	}
	if len(publicIDs) == 0 {
		return "", nil
	}

	return publicIDs[0], nil
}
