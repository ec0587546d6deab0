package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/mwantia/pacsindex/backend"
	"github.com/mwantia/pacsindex/data"
)

type sqliteTx struct {
	tx   *sql.Tx
	done bool
}

func (st *sqliteTx) Commit(ctx context.Context) error {
	if st.done {
		return data.ErrInvalidState
	}
	st.done = true

	return mapError(st.tx.Commit())
}

func (st *sqliteTx) Rollback(ctx context.Context) error {
	if st.done {
		return data.ErrInvalidState
	}
	st.done = true

	return mapError(st.tx.Rollback())
}

func (st *sqliteTx) guard() error {
	if st.done {
		return data.ErrInvalidState
	}
	return nil
}

func placeholders(count int) string {
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// nextSequence allocates the next value of a named counter.
func (st *sqliteTx) nextSequence(ctx context.Context, name string) (int64, error) {
	var value int64
	err := st.tx.QueryRowContext(ctx, `
		INSERT INTO sequences (name, value) VALUES (?, 1)
		ON CONFLICT (name) DO UPDATE SET value = value + 1
		RETURNING value
	`, name).Scan(&value)
	if err != nil {
		return 0, mapError(err)
	}

	return value, nil
}

// resourceRow is the fully hydrated resources row used by hierarchy
// traversal and query expansion.
type resourceRow struct {
	data.Resource
}

func scanResource(scanner interface{ Scan(...any) error }) (resourceRow, error) {
	var row resourceRow
	var parent sql.NullInt64

	err := scanner.Scan(&row.InternalID, &row.PublicID, &row.Level, &parent,
		&row.Ancestors[0], &row.Ancestors[1], &row.Ancestors[2], &row.Ancestors[3],
		&row.SortKeys[0], &row.SortKeys[1])
	if err != nil {
		return row, err
	}

	row.ParentID = data.NoParent
	if parent.Valid {
		row.ParentID = parent.Int64
	}

	return row, nil
}

const selectResource = `
	SELECT internal_id, public_id, level, parent_id,
	       ancestor0, ancestor1, ancestor2, ancestor3,
	       sort_date, sort_time
	FROM resources`

func (st *sqliteTx) getResource(ctx context.Context, id int64) (resourceRow, bool, error) {
	row, err := scanResource(st.tx.QueryRowContext(ctx, selectResource+` WHERE internal_id = ?`, id))
	if err == sql.ErrNoRows {
		return row, false, nil
	}
	if err != nil {
		return row, false, mapError(err)
	}

	return row, true, nil
}

func (st *sqliteTx) getResourceByPublicID(ctx context.Context, publicID string) (resourceRow, bool, error) {
	row, err := scanResource(st.tx.QueryRowContext(ctx, selectResource+` WHERE public_id = ?`, publicID))
	if err == sql.ErrNoRows {
		return row, false, nil
	}
	if err != nil {
		return row, false, mapError(err)
	}

	return row, true, nil
}

func (st *sqliteTx) insertResource(ctx context.Context, row resourceRow) error {
	parent := sql.NullInt64{Int64: row.ParentID, Valid: row.ParentID != data.NoParent}

	_, err := st.tx.ExecContext(ctx, `
		INSERT INTO resources (internal_id, public_id, level, parent_id,
			ancestor0, ancestor1, ancestor2, ancestor3, sort_date, sort_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.InternalID, row.PublicID, row.Level, parent,
		row.Ancestors[0], row.Ancestors[1], row.Ancestors[2], row.Ancestors[3],
		row.SortKeys[0], row.SortKeys[1])

	return mapError(err)
}

// Resource store

func (st *sqliteTx) CreateResource(ctx context.Context, publicID string, level data.ResourceLevel) (int64, error) {
	if err := st.guard(); err != nil {
		return 0, err
	}
	if !level.Valid() {
		return 0, data.ErrInvalidLevel
	}

	if _, exists, err := st.getResourceByPublicID(ctx, publicID); err != nil {
		return 0, err
	} else if exists {
		return 0, data.ErrDuplicateResource
	}

	id, err := st.nextSequence(ctx, backend.SequenceResources)
	if err != nil {
		return 0, err
	}

	ancestors := data.NewAncestors()
	ancestors[level] = id

	row := resourceRow{Resource: data.Resource{
		InternalID: id,
		PublicID:   publicID,
		Level:      level,
		ParentID:   data.NoParent,
		Ancestors:  ancestors,
	}}
	if err := st.insertResource(ctx, row); err != nil {
		return 0, err
	}

	return id, nil
}

func (st *sqliteTx) AttachChild(ctx context.Context, parentID, childID int64) error {
	if err := st.guard(); err != nil {
		return err
	}

	parent, ok, err := st.getResource(ctx, parentID)
	if err != nil {
		return err
	}
	if !ok {
		return data.ErrUnknownResource
	}
	child, ok, err := st.getResource(ctx, childID)
	if err != nil {
		return err
	}
	if !ok {
		return data.ErrUnknownResource
	}

	ancestors := parent.Ancestors
	ancestors[child.Level] = childID

	_, err = st.tx.ExecContext(ctx, `
		UPDATE resources
		SET parent_id = ?, ancestor0 = ?, ancestor1 = ?, ancestor2 = ?, ancestor3 = ?
		WHERE internal_id = ?
	`, parentID, ancestors[0], ancestors[1], ancestors[2], ancestors[3], childID)
	if err != nil {
		return mapError(err)
	}

	// Every descendant already carries childID at the child's level, no
	// matter in which order the subtree was assembled. Push the parent's
	// refreshed prefix down so the cache stays consistent for chains
	// attached bottom-up.
	for lvl := data.LevelPatient; lvl < child.Level; lvl++ {
		query := fmt.Sprintf(`UPDATE resources SET ancestor%d = ? WHERE ancestor%d = ?`, lvl, child.Level)
		if _, err := st.tx.ExecContext(ctx, query, ancestors[lvl], childID); err != nil {
			return mapError(err)
		}
	}

	return nil
}

func (st *sqliteTx) DeleteResource(ctx context.Context, id int64) (*data.DeleteEvents, error) {
	if err := st.guard(); err != nil {
		return nil, err
	}

	root, ok, err := st.getResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, data.ErrUnknownResource
	}

	// Closure: the resource plus every row whose ancestry cache points
	// at it; the ancestor column at the root's own level covers both.
	query := fmt.Sprintf(selectResource+` WHERE ancestor%d = ? ORDER BY internal_id`, root.Level)
	rows, err := st.tx.QueryContext(ctx, query, id)
	if err != nil {
		return nil, mapError(err)
	}

	closure := []resourceRow{root}
	for rows.Next() {
		row, err := scanResource(rows)
		if err != nil {
			rows.Close()
			return nil, mapError(err)
		}
		if row.InternalID != id {
			closure = append(closure, row)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, mapError(err)
	}
	rows.Close()

	ids := make([]int64, len(closure))
	for i, row := range closure {
		ids[i] = row.InternalID
	}
	in := placeholders(len(ids))
	args := int64Args(ids)

	events := &data.DeleteEvents{}

	attached, err := st.tx.QueryContext(ctx, `
		SELECT uuid, file_type, uncompressed_size, uncompressed_hash,
		       compression_type, compressed_size, compressed_hash
		FROM attached_files WHERE id IN (`+in+`)`, args...)
	if err != nil {
		return nil, mapError(err)
	}
	for attached.Next() {
		var a data.Attachment
		if err := attached.Scan(&a.UUID, &a.ContentType, &a.UncompressedSize, &a.UncompressedHash,
			&a.CompressionType, &a.CompressedSize, &a.CompressedHash); err != nil {
			attached.Close()
			return nil, mapError(err)
		}
		events.Attachments = append(events.Attachments, a)
	}
	if err := attached.Err(); err != nil {
		attached.Close()
		return nil, mapError(err)
	}
	attached.Close()

	deletes := []string{
		`DELETE FROM metadata WHERE id IN (` + in + `)`,
		`DELETE FROM attached_files WHERE id IN (` + in + `)`,
		`DELETE FROM changes WHERE internal_id IN (` + in + `)`,
		`DELETE FROM patient_recycling WHERE patient_id IN (` + in + `)`,
		`DELETE FROM main_tags WHERE id IN (` + in + `)`,
		`DELETE FROM identifier_tags WHERE id IN (` + in + `)`,
		`DELETE FROM resources WHERE internal_id IN (` + in + `)`,
	}
	for _, stmt := range deletes {
		if _, err := st.tx.ExecContext(ctx, stmt, args...); err != nil {
			return nil, mapError(err)
		}
	}

	for _, row := range closure {
		events.Resources = append(events.Resources, data.DeletedResource{
			PublicID: row.PublicID,
			Level:    row.Level,
		})
	}

	if root.ParentID != data.NoParent {
		if parent, ok, err := st.getResource(ctx, root.ParentID); err != nil {
			return nil, err
		} else if ok {
			events.RemainingAncestor = &data.RemainingAncestor{
				PublicID: parent.PublicID,
				Level:    parent.Level,
			}
		}
	}

	return events, nil
}

func (st *sqliteTx) lookupAtLevel(ctx context.Context, publicID string, level data.ResourceLevel) (resourceRow, bool, error) {
	row, ok, err := st.getResourceByPublicID(ctx, publicID)
	if err != nil || !ok {
		return row, false, err
	}
	if row.Level != level {
		return row, false, nil
	}

	return row, true, nil
}

func (st *sqliteTx) CreateInstance(ctx context.Context, hashes data.InstanceHashes) (*data.CreateInstanceResult, error) {
	if err := st.guard(); err != nil {
		return nil, err
	}

	result := &data.CreateInstanceResult{}

	if instance, ok, err := st.lookupAtLevel(ctx, hashes.Instance, data.LevelInstance); err != nil {
		return nil, err
	} else if ok {
		// An existing instance turns the whole call into a lookup.
		result.Instance = data.Slot{ID: instance.InternalID}
		if patient, ok, err := st.lookupAtLevel(ctx, hashes.Patient, data.LevelPatient); err != nil {
			return nil, err
		} else if ok {
			result.Patient = data.Slot{ID: patient.InternalID}
		}
		if study, ok, err := st.lookupAtLevel(ctx, hashes.Study, data.LevelStudy); err != nil {
			return nil, err
		} else if ok {
			result.Study = data.Slot{ID: study.InternalID}
		}
		if series, ok, err := st.lookupAtLevel(ctx, hashes.Series, data.LevelSeries); err != nil {
			return nil, err
		} else if ok {
			result.Series = data.Slot{ID: series.InternalID}
		}
		return result, nil
	}

	patient, patientFound, err := st.lookupAtLevel(ctx, hashes.Patient, data.LevelPatient)
	if err != nil {
		return nil, err
	}
	study, studyFound, err := st.lookupAtLevel(ctx, hashes.Study, data.LevelStudy)
	if err != nil {
		return nil, err
	}
	series, seriesFound, err := st.lookupAtLevel(ctx, hashes.Series, data.LevelSeries)
	if err != nil {
		return nil, err
	}

	// A level may only exist if its whole ancestor chain exists.
	if (!patientFound && (studyFound || seriesFound)) || (!studyFound && seriesFound) {
		return nil, data.ErrInvalidState
	}

	insert := func(publicID string, level data.ResourceLevel, parent *resourceRow) (resourceRow, error) {
		id, err := st.nextSequence(ctx, backend.SequenceResources)
		if err != nil {
			return resourceRow{}, err
		}

		ancestors := data.NewAncestors()
		parentID := data.NoParent
		if parent != nil {
			ancestors = parent.Ancestors
			parentID = parent.InternalID
		}
		ancestors[level] = id

		row := resourceRow{Resource: data.Resource{
			InternalID: id,
			PublicID:   publicID,
			Level:      level,
			ParentID:   parentID,
			Ancestors:  ancestors,
		}}

		return row, st.insertResource(ctx, row)
	}

	if patientFound {
		result.Patient = data.Slot{ID: patient.InternalID}
	} else {
		if patient, err = insert(hashes.Patient, data.LevelPatient, nil); err != nil {
			return nil, err
		}
		result.Patient = data.Slot{ID: patient.InternalID, IsNew: true}
	}

	if studyFound {
		result.Study = data.Slot{ID: study.InternalID}
	} else {
		if study, err = insert(hashes.Study, data.LevelStudy, &patient); err != nil {
			return nil, err
		}
		result.Study = data.Slot{ID: study.InternalID, IsNew: true}
	}

	if seriesFound {
		result.Series = data.Slot{ID: series.InternalID}
	} else {
		if series, err = insert(hashes.Series, data.LevelSeries, &study); err != nil {
			return nil, err
		}
		result.Series = data.Slot{ID: series.InternalID, IsNew: true}
	}

	instance, err := insert(hashes.Instance, data.LevelInstance, &series)
	if err != nil {
		return nil, err
	}
	result.Instance = data.Slot{ID: instance.InternalID, IsNew: true}

	if result.Patient.IsNew {
		seq, err := st.nextSequence(ctx, backend.SequenceRecycling)
		if err != nil {
			return nil, err
		}
		if _, err := st.tx.ExecContext(ctx,
			`INSERT INTO patient_recycling (seq, patient_id) VALUES (?, ?)`,
			seq, result.Patient.ID); err != nil {
			return nil, mapError(err)
		}
	} else if err := st.TagMostRecentPatient(ctx, result.Patient.ID); err != nil {
		return nil, err
	}

	return result, nil
}

func (st *sqliteTx) LookupResource(ctx context.Context, publicID string) (int64, data.ResourceLevel, bool, error) {
	if err := st.guard(); err != nil {
		return 0, 0, false, err
	}

	row, ok, err := st.getResourceByPublicID(ctx, publicID)
	if err != nil || !ok {
		return 0, 0, false, err
	}

	return row.InternalID, row.Level, true, nil
}

func (st *sqliteTx) LookupResourceAndParent(ctx context.Context, publicID string) (int64, data.ResourceLevel, string, bool, error) {
	if err := st.guard(); err != nil {
		return 0, 0, "", false, err
	}

	row, ok, err := st.getResourceByPublicID(ctx, publicID)
	if err != nil || !ok {
		return 0, 0, "", false, err
	}

	parentPublicID := ""
	if row.ParentID != data.NoParent {
		if parent, ok, err := st.getResource(ctx, row.ParentID); err != nil {
			return 0, 0, "", false, err
		} else if ok {
			parentPublicID = parent.PublicID
		}
	}

	return row.InternalID, row.Level, parentPublicID, true, nil
}

func (st *sqliteTx) LookupParent(ctx context.Context, id int64) (int64, bool, error) {
	if err := st.guard(); err != nil {
		return 0, false, err
	}

	row, ok, err := st.getResource(ctx, id)
	if err != nil || !ok {
		return 0, false, err
	}
	if row.ParentID == data.NoParent {
		return 0, false, nil
	}

	return row.ParentID, true, nil
}

func (st *sqliteTx) GetPublicID(ctx context.Context, id int64) (string, error) {
	if err := st.guard(); err != nil {
		return "", err
	}

	row, ok, err := st.getResource(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", data.ErrUnknownResource
	}

	return row.PublicID, nil
}

func (st *sqliteTx) GetResourceLevel(ctx context.Context, id int64) (data.ResourceLevel, error) {
	if err := st.guard(); err != nil {
		return 0, err
	}

	row, ok, err := st.getResource(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, data.ErrUnknownResource
	}

	return row.Level, nil
}

func (st *sqliteTx) queryInt64s(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := st.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var values []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, mapError(err)
		}
		values = append(values, v)
	}

	return values, mapError(rows.Err())
}

func (st *sqliteTx) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := st.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, mapError(err)
		}
		values = append(values, v)
	}

	return values, mapError(rows.Err())
}

func (st *sqliteTx) GetChildrenInternalID(ctx context.Context, id int64) ([]int64, error) {
	if err := st.guard(); err != nil {
		return nil, err
	}
	return st.queryInt64s(ctx, `SELECT internal_id FROM resources WHERE parent_id = ?`, id)
}

func (st *sqliteTx) GetChildrenPublicID(ctx context.Context, id int64) ([]string, error) {
	if err := st.guard(); err != nil {
		return nil, err
	}
	return st.queryStrings(ctx, `SELECT public_id FROM resources WHERE parent_id = ?`, id)
}

func (st *sqliteTx) GetAllInternalIDs(ctx context.Context, level data.ResourceLevel) ([]int64, error) {
	if err := st.guard(); err != nil {
		return nil, err
	}
	return st.queryInt64s(ctx, `SELECT internal_id FROM resources WHERE level = ? ORDER BY internal_id`, level)
}

func (st *sqliteTx) GetAllPublicIDs(ctx context.Context, level data.ResourceLevel) ([]string, error) {
	if err := st.guard(); err != nil {
		return nil, err
	}
	return st.queryStrings(ctx, `SELECT public_id FROM resources WHERE level = ? ORDER BY internal_id`, level)
}

func (st *sqliteTx) GetAllPublicIDsSince(ctx context.Context, level data.ResourceLevel, since, limit int64) ([]string, error) {
	if err := st.guard(); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = -1 // no limit
	}
	return st.queryStrings(ctx,
		`SELECT public_id FROM resources WHERE level = ? ORDER BY internal_id LIMIT ? OFFSET ?`,
		level, limit, since)
}

func (st *sqliteTx) GetResourcesCount(ctx context.Context, level data.ResourceLevel) (int64, error) {
	if err := st.guard(); err != nil {
		return 0, err
	}

	var count int64
	err := st.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources WHERE level = ?`, level).Scan(&count)

	return count, mapError(err)
}

func (st *sqliteTx) IsExistingResource(ctx context.Context, id int64) (bool, error) {
	if err := st.guard(); err != nil {
		return false, err
	}

	var count int64
	err := st.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources WHERE internal_id = ?`, id).Scan(&count)

	return count > 0, mapError(err)
}

// Attachment catalog

func (st *sqliteTx) AddAttachment(ctx context.Context, id int64, attachment data.Attachment, revision int64) error {
	if err := st.guard(); err != nil {
		return err
	}

	if ok, err := st.IsExistingResource(ctx, id); err != nil {
		return err
	} else if !ok {
		return data.ErrUnknownResource
	}

	_, err := st.tx.ExecContext(ctx, `
		INSERT INTO attached_files (id, file_type, uuid, compressed_size, uncompressed_size,
			compression_type, uncompressed_hash, compressed_hash, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, attachment.ContentType, attachment.UUID, attachment.CompressedSize,
		attachment.UncompressedSize, attachment.CompressionType,
		attachment.UncompressedHash, attachment.CompressedHash, revision)

	return mapError(err)
}

func (st *sqliteTx) DeleteAttachment(ctx context.Context, id int64, contentType int32) (*data.Attachment, error) {
	if err := st.guard(); err != nil {
		return nil, err
	}

	var a data.Attachment
	err := st.tx.QueryRowContext(ctx, `
		SELECT uuid, file_type, uncompressed_size, uncompressed_hash,
		       compression_type, compressed_size, compressed_hash
		FROM attached_files WHERE id = ? AND file_type = ?
	`, id, contentType).Scan(&a.UUID, &a.ContentType, &a.UncompressedSize, &a.UncompressedHash,
		&a.CompressionType, &a.CompressedSize, &a.CompressedHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}

	if _, err := st.tx.ExecContext(ctx,
		`DELETE FROM attached_files WHERE id = ? AND file_type = ?`, id, contentType); err != nil {
		return nil, mapError(err)
	}

	return &a, nil
}

func (st *sqliteTx) LookupAttachment(ctx context.Context, id int64, contentType int32) (data.Attachment, int64, bool, error) {
	if err := st.guard(); err != nil {
		return data.Attachment{}, 0, false, err
	}

	var a data.Attachment
	var revision int64
	err := st.tx.QueryRowContext(ctx, `
		SELECT uuid, file_type, uncompressed_size, uncompressed_hash,
		       compression_type, compressed_size, compressed_hash, revision
		FROM attached_files WHERE id = ? AND file_type = ?
	`, id, contentType).Scan(&a.UUID, &a.ContentType, &a.UncompressedSize, &a.UncompressedHash,
		&a.CompressionType, &a.CompressedSize, &a.CompressedHash, &revision)
	if err == sql.ErrNoRows {
		return data.Attachment{}, 0, false, nil
	}
	if err != nil {
		return data.Attachment{}, 0, false, mapError(err)
	}

	return a, revision, true, nil
}

func (st *sqliteTx) ListAvailableAttachments(ctx context.Context, id int64) ([]int32, error) {
	if err := st.guard(); err != nil {
		return nil, err
	}

	rows, err := st.tx.QueryContext(ctx, `SELECT file_type FROM attached_files WHERE id = ?`, id)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	types := make([]int32, 0)
	for rows.Next() {
		var t int32
		if err := rows.Scan(&t); err != nil {
			return nil, mapError(err)
		}
		types = append(types, t)
	}

	return types, mapError(rows.Err())
}

func (st *sqliteTx) GetTotalCompressedSize(ctx context.Context) (int64, error) {
	if err := st.guard(); err != nil {
		return 0, err
	}

	var total int64
	err := st.tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(compressed_size), 0) FROM attached_files`).Scan(&total)

	return total, mapError(err)
}

func (st *sqliteTx) GetTotalUncompressedSize(ctx context.Context) (int64, error) {
	if err := st.guard(); err != nil {
		return 0, err
	}

	var total int64
	err := st.tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(uncompressed_size), 0) FROM attached_files`).Scan(&total)

	return total, mapError(err)
}

// Metadata catalog

func (st *sqliteTx) SetMetadata(ctx context.Context, id int64, metadataType int32, value string, revision int64) error {
	if err := st.guard(); err != nil {
		return err
	}

	if ok, err := st.IsExistingResource(ctx, id); err != nil {
		return err
	} else if !ok {
		return data.ErrUnknownResource
	}

	_, err := st.tx.ExecContext(ctx, `
		INSERT INTO metadata (id, type, value, revision) VALUES (?, ?, ?, ?)
		ON CONFLICT (id, type) DO UPDATE SET value = excluded.value, revision = excluded.revision
	`, id, metadataType, value, revision)

	return mapError(err)
}

func (st *sqliteTx) DeleteMetadata(ctx context.Context, id int64, metadataType int32) error {
	if err := st.guard(); err != nil {
		return err
	}

	_, err := st.tx.ExecContext(ctx, `DELETE FROM metadata WHERE id = ? AND type = ?`, id, metadataType)
	return mapError(err)
}

func (st *sqliteTx) LookupMetadata(ctx context.Context, id int64, metadataType int32) (string, int64, bool, error) {
	if err := st.guard(); err != nil {
		return "", 0, false, err
	}

	var value string
	var revision int64
	err := st.tx.QueryRowContext(ctx,
		`SELECT value, revision FROM metadata WHERE id = ? AND type = ?`, id, metadataType).
		Scan(&value, &revision)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, mapError(err)
	}

	return value, revision, true, nil
}

func (st *sqliteTx) ListAvailableMetadata(ctx context.Context, id int64) ([]int32, error) {
	if err := st.guard(); err != nil {
		return nil, err
	}

	rows, err := st.tx.QueryContext(ctx, `SELECT type FROM metadata WHERE id = ?`, id)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	types := make([]int32, 0)
	for rows.Next() {
		var t int32
		if err := rows.Scan(&t); err != nil {
			return nil, mapError(err)
		}
		types = append(types, t)
	}

	return types, mapError(rows.Err())
}

func (st *sqliteTx) GetAllMetadata(ctx context.Context, id int64) (map[int32]string, error) {
	if err := st.guard(); err != nil {
		return nil, err
	}

	rows, err := st.tx.QueryContext(ctx, `SELECT type, value FROM metadata WHERE id = ?`, id)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	all := make(map[int32]string)
	for rows.Next() {
		var t int32
		var v string
		if err := rows.Scan(&t, &v); err != nil {
			return nil, mapError(err)
		}
		all[t] = v
	}

	return all, mapError(rows.Err())
}

func (st *sqliteTx) GetChildrenMetadata(ctx context.Context, id int64, metadataType int32) ([]string, error) {
	if err := st.guard(); err != nil {
		return nil, err
	}
	return st.queryStrings(ctx, `
		SELECT value FROM metadata
		WHERE type = ? AND id IN (SELECT internal_id FROM resources WHERE parent_id = ?)
	`, metadataType, id)
}

// Tag namespaces

func (st *sqliteTx) refreshSortKeys(ctx context.Context, id int64, tag data.Tag) error {
	index, ok := data.SortKeyIndex(tag.Group, tag.Element)
	if !ok {
		return nil
	}

	column := "sort_date"
	if index == 1 {
		column = "sort_time"
	}
	_, err := st.tx.ExecContext(ctx,
		`UPDATE resources SET `+column+` = ? WHERE internal_id = ?`, tag.Value, id)

	return mapError(err)
}

func (st *sqliteTx) SetMainDicomTag(ctx context.Context, id int64, tag data.Tag) error {
	if err := st.guard(); err != nil {
		return err
	}

	if _, err := st.tx.ExecContext(ctx,
		`INSERT INTO main_tags (id, tag_group, tag_element, value) VALUES (?, ?, ?, ?)`,
		id, tag.Group, tag.Element, tag.Value); err != nil {
		return mapError(err)
	}

	return st.refreshSortKeys(ctx, id, tag)
}

func (st *sqliteTx) SetIdentifierTag(ctx context.Context, id int64, tag data.Tag) error {
	if err := st.guard(); err != nil {
		return err
	}

	_, err := st.tx.ExecContext(ctx,
		`INSERT INTO identifier_tags (id, tag_group, tag_element, value) VALUES (?, ?, ?, ?)`,
		id, tag.Group, tag.Element, tag.Value)

	return mapError(err)
}

func (st *sqliteTx) GetMainDicomTags(ctx context.Context, id int64) ([]data.Tag, error) {
	if err := st.guard(); err != nil {
		return nil, err
	}

	rows, err := st.tx.QueryContext(ctx,
		`SELECT tag_group, tag_element, value FROM main_tags WHERE id = ?`, id)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var tags []data.Tag
	for rows.Next() {
		var tag data.Tag
		if err := rows.Scan(&tag.Group, &tag.Element, &tag.Value); err != nil {
			return nil, mapError(err)
		}
		tags = append(tags, tag)
	}

	return tags, mapError(rows.Err())
}

func (st *sqliteTx) ClearMainDicomTags(ctx context.Context, id int64) error {
	if err := st.guard(); err != nil {
		return err
	}

	if _, err := st.tx.ExecContext(ctx, `DELETE FROM main_tags WHERE id = ?`, id); err != nil {
		return mapError(err)
	}
	if _, err := st.tx.ExecContext(ctx, `DELETE FROM identifier_tags WHERE id = ?`, id); err != nil {
		return mapError(err)
	}

	return nil
}

func (st *sqliteTx) SetResourcesContent(ctx context.Context, identifierTags, mainTags []data.ContentTag, metadata []data.ContentMetadata) error {
	if err := st.guard(); err != nil {
		return err
	}

	for _, tag := range identifierTags {
		if err := st.SetIdentifierTag(ctx, tag.ResourceID, data.Tag{
			Group:   tag.Group,
			Element: tag.Element,
			Value:   tag.Value,
		}); err != nil {
			return err
		}
	}
	for _, tag := range mainTags {
		if err := st.SetMainDicomTag(ctx, tag.ResourceID, data.Tag{
			Group:   tag.Group,
			Element: tag.Element,
			Value:   tag.Value,
		}); err != nil {
			return err
		}
	}
	for _, md := range metadata {
		if err := st.SetMetadata(ctx, md.ResourceID, md.Type, md.Value, md.Revision); err != nil {
			return err
		}
	}

	return nil
}

// Event logs

func (st *sqliteTx) LogChange(ctx context.Context, changeType int32, resourceID int64, level data.ResourceLevel, date string) error {
	if err := st.guard(); err != nil {
		return err
	}

	seq, err := st.nextSequence(ctx, backend.SequenceChanges)
	if err != nil {
		return err
	}

	_, err = st.tx.ExecContext(ctx, `
		INSERT INTO changes (seq, change_type, internal_id, level, date)
		VALUES (?, ?, ?, ?, ?)
	`, seq, changeType, resourceID, level, date)

	return mapError(err)
}

const selectChange = `
	SELECT c.seq, c.change_type, c.internal_id, c.level, c.date,
	       COALESCE(r.public_id, '')
	FROM changes c
	LEFT JOIN resources r ON r.internal_id = c.internal_id`

func scanChange(scanner interface{ Scan(...any) error }) (data.Change, error) {
	var c data.Change
	err := scanner.Scan(&c.Seq, &c.ChangeType, &c.ResourceID, &c.Level, &c.Date, &c.PublicID)

	return c, err
}

func (st *sqliteTx) GetChanges(ctx context.Context, since int64, maxResults uint32) ([]data.Change, bool, error) {
	if err := st.guard(); err != nil {
		return nil, false, err
	}

	// Fetch one extra row to know whether the log continues.
	rows, err := st.tx.QueryContext(ctx,
		selectChange+` WHERE c.seq > ? ORDER BY c.seq ASC LIMIT ?`, since, int64(maxResults)+1)
	if err != nil {
		return nil, false, mapError(err)
	}
	defer rows.Close()

	var changes []data.Change
	done := true
	for rows.Next() {
		if uint32(len(changes)) == maxResults {
			done = false
			break
		}
		c, err := scanChange(rows)
		if err != nil {
			return nil, false, mapError(err)
		}
		changes = append(changes, c)
	}

	return changes, done, mapError(rows.Err())
}

func (st *sqliteTx) GetLastChange(ctx context.Context) (data.Change, bool, error) {
	if err := st.guard(); err != nil {
		return data.Change{}, false, err
	}

	c, err := scanChange(st.tx.QueryRowContext(ctx, selectChange+` ORDER BY c.seq DESC LIMIT 1`))
	if err == sql.ErrNoRows {
		return data.Change{}, false, nil
	}
	if err != nil {
		return data.Change{}, false, mapError(err)
	}

	return c, true, nil
}

func (st *sqliteTx) ClearChanges(ctx context.Context) error {
	if err := st.guard(); err != nil {
		return err
	}

	_, err := st.tx.ExecContext(ctx, `DELETE FROM changes`)
	return mapError(err)
}

func (st *sqliteTx) LogExportedResource(ctx context.Context, exported data.ExportedResource) error {
	if err := st.guard(); err != nil {
		return err
	}

	seq, err := st.nextSequence(ctx, backend.SequenceExported)
	if err != nil {
		return err
	}

	_, err = st.tx.ExecContext(ctx, `
		INSERT INTO exported_resources (seq, level, public_id, modality, date,
			patient_id, study_uid, series_uid, instance_uid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, seq, exported.Level, exported.PublicID, exported.Modality, exported.Date,
		exported.PatientID, exported.StudyUID, exported.SeriesUID, exported.InstanceUID)

	return mapError(err)
}

const selectExported = `
	SELECT seq, level, public_id, modality, date, patient_id, study_uid, series_uid, instance_uid
	FROM exported_resources`

func scanExported(scanner interface{ Scan(...any) error }) (data.ExportedResource, error) {
	var e data.ExportedResource
	err := scanner.Scan(&e.Seq, &e.Level, &e.PublicID, &e.Modality, &e.Date,
		&e.PatientID, &e.StudyUID, &e.SeriesUID, &e.InstanceUID)

	return e, err
}

func (st *sqliteTx) GetExportedResources(ctx context.Context, since int64, maxResults uint32) ([]data.ExportedResource, bool, error) {
	if err := st.guard(); err != nil {
		return nil, false, err
	}

	rows, err := st.tx.QueryContext(ctx,
		selectExported+` WHERE seq > ? ORDER BY seq ASC LIMIT ?`, since, int64(maxResults)+1)
	if err != nil {
		return nil, false, mapError(err)
	}
	defer rows.Close()

	var exported []data.ExportedResource
	done := true
	for rows.Next() {
		if uint32(len(exported)) == maxResults {
			done = false
			break
		}
		e, err := scanExported(rows)
		if err != nil {
			return nil, false, mapError(err)
		}
		exported = append(exported, e)
	}

	return exported, done, mapError(rows.Err())
}

func (st *sqliteTx) GetLastExportedResource(ctx context.Context) (data.ExportedResource, bool, error) {
	if err := st.guard(); err != nil {
		return data.ExportedResource{}, false, err
	}

	e, err := scanExported(st.tx.QueryRowContext(ctx, selectExported+` ORDER BY seq DESC LIMIT 1`))
	if err == sql.ErrNoRows {
		return data.ExportedResource{}, false, nil
	}
	if err != nil {
		return data.ExportedResource{}, false, mapError(err)
	}

	return e, true, nil
}

func (st *sqliteTx) ClearExportedResources(ctx context.Context) error {
	if err := st.guard(); err != nil {
		return err
	}

	_, err := st.tx.ExecContext(ctx, `DELETE FROM exported_resources`)
	return mapError(err)
}

// Properties

func (st *sqliteTx) SetGlobalProperty(ctx context.Context, serverID string, property int32, value string) error {
	if err := st.guard(); err != nil {
		return err
	}

	var err error
	if serverID == "" {
		_, err = st.tx.ExecContext(ctx, `
			INSERT INTO global_properties (property, value) VALUES (?, ?)
			ON CONFLICT (property) DO UPDATE SET value = excluded.value
		`, property, value)
	} else {
		_, err = st.tx.ExecContext(ctx, `
			INSERT INTO server_properties (server, property, value) VALUES (?, ?, ?)
			ON CONFLICT (server, property) DO UPDATE SET value = excluded.value
		`, serverID, property, value)
	}

	return mapError(err)
}

func (st *sqliteTx) LookupGlobalProperty(ctx context.Context, serverID string, property int32) (string, bool, error) {
	if err := st.guard(); err != nil {
		return "", false, err
	}

	var value string
	var err error
	if serverID == "" {
		err = st.tx.QueryRowContext(ctx,
			`SELECT value FROM global_properties WHERE property = ?`, property).Scan(&value)
	} else {
		err = st.tx.QueryRowContext(ctx,
			`SELECT value FROM server_properties WHERE server = ? AND property = ?`,
			serverID, property).Scan(&value)
	}
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapError(err)
	}

	return value, true, nil
}

// Patient recycling

func (st *sqliteTx) SetProtectedPatient(ctx context.Context, id int64, protected bool) error {
	if err := st.guard(); err != nil {
		return err
	}

	if protected {
		_, err := st.tx.ExecContext(ctx, `DELETE FROM patient_recycling WHERE patient_id = ?`, id)
		return mapError(err)
	}

	isProtected, err := st.IsProtectedPatient(ctx, id)
	if err != nil {
		return err
	}
	if !isProtected {
		// Already unprotected, nothing to do.
		return nil
	}

	seq, err := st.nextSequence(ctx, backend.SequenceRecycling)
	if err != nil {
		return err
	}
	_, err = st.tx.ExecContext(ctx,
		`INSERT INTO patient_recycling (seq, patient_id) VALUES (?, ?)`, seq, id)

	return mapError(err)
}

func (st *sqliteTx) IsProtectedPatient(ctx context.Context, id int64) (bool, error) {
	if err := st.guard(); err != nil {
		return false, err
	}

	var count int64
	err := st.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM patient_recycling WHERE patient_id = ?`, id).Scan(&count)

	return count == 0, mapError(err)
}

func (st *sqliteTx) SelectPatientToRecycle(ctx context.Context, avoidID int64) (int64, bool, error) {
	if err := st.guard(); err != nil {
		return 0, false, err
	}

	var patientID int64
	err := st.tx.QueryRowContext(ctx, `
		SELECT patient_id FROM patient_recycling
		WHERE patient_id != ? ORDER BY seq ASC LIMIT 1
	`, avoidID).Scan(&patientID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, mapError(err)
	}

	return patientID, true, nil
}

func (st *sqliteTx) TagMostRecentPatient(ctx context.Context, id int64) error {
	if err := st.guard(); err != nil {
		return err
	}

	result, err := st.tx.ExecContext(ctx, `DELETE FROM patient_recycling WHERE patient_id = ?`, id)
	if err != nil {
		return mapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if affected == 0 {
		// Protected patients stay protected.
		return nil
	}

	seq, err := st.nextSequence(ctx, backend.SequenceRecycling)
	if err != nil {
		return err
	}
	_, err = st.tx.ExecContext(ctx,
		`INSERT INTO patient_recycling (seq, patient_id) VALUES (?, ?)`, seq, id)

	return mapError(err)
}
