package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/mwantia/pacsindex/backend"
	"github.com/mwantia/pacsindex/data"
)

type postgresTx struct {
	tx   pgx.Tx
	done bool
}

func (pt *postgresTx) Commit(ctx context.Context) error {
	if pt.done {
		return data.ErrInvalidState
	}
	pt.done = true

	return mapError(pt.tx.Commit(ctx))
}

func (pt *postgresTx) Rollback(ctx context.Context) error {
	if pt.done {
		return data.ErrInvalidState
	}
	pt.done = true

	return mapError(pt.tx.Rollback(ctx))
}

func (pt *postgresTx) guard() error {
	if pt.done {
		return data.ErrInvalidState
	}
	return nil
}

// pgPlaceholders renders "$start, $start+1, ..." for count bind values.
func pgPlaceholders(start, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// nextSequence allocates the next value of a named counter.
func (pt *postgresTx) nextSequence(ctx context.Context, name string) (int64, error) {
	var value int64
	err := pt.tx.QueryRow(ctx, `
		INSERT INTO sequences (name, value) VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET value = sequences.value + 1
		RETURNING value
	`, name).Scan(&value)
	if err != nil {
		return 0, mapError(err)
	}

	return value, nil
}

type resourceRow struct {
	data.Resource
}

func scanResource(scanner interface{ Scan(...any) error }) (resourceRow, error) {
	var row resourceRow
	var parent *int64

	err := scanner.Scan(&row.InternalID, &row.PublicID, &row.Level, &parent,
		&row.Ancestors[0], &row.Ancestors[1], &row.Ancestors[2], &row.Ancestors[3],
		&row.SortKeys[0], &row.SortKeys[1])
	if err != nil {
		return row, err
	}

	row.ParentID = data.NoParent
	if parent != nil {
		row.ParentID = *parent
	}

	return row, nil
}

const selectResource = `
	SELECT internal_id, public_id, level, parent_id,
	       ancestor0, ancestor1, ancestor2, ancestor3,
	       sort_date, sort_time
	FROM resources`

func (pt *postgresTx) getResource(ctx context.Context, id int64) (resourceRow, bool, error) {
	row, err := scanResource(pt.tx.QueryRow(ctx, selectResource+` WHERE internal_id = $1`, id))
	if err == pgx.ErrNoRows {
		return row, false, nil
	}
	if err != nil {
		return row, false, mapError(err)
	}

	return row, true, nil
}

func (pt *postgresTx) getResourceByPublicID(ctx context.Context, publicID string) (resourceRow, bool, error) {
	row, err := scanResource(pt.tx.QueryRow(ctx, selectResource+` WHERE public_id = $1`, publicID))
	if err == pgx.ErrNoRows {
		return row, false, nil
	}
	if err != nil {
		return row, false, mapError(err)
	}

	return row, true, nil
}

func (pt *postgresTx) insertResource(ctx context.Context, row resourceRow) error {
	var parent *int64
	if row.ParentID != data.NoParent {
		parent = &row.ParentID
	}

	_, err := pt.tx.Exec(ctx, `
		INSERT INTO resources (internal_id, public_id, level, parent_id,
			ancestor0, ancestor1, ancestor2, ancestor3, sort_date, sort_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, row.InternalID, row.PublicID, row.Level, parent,
		row.Ancestors[0], row.Ancestors[1], row.Ancestors[2], row.Ancestors[3],
		row.SortKeys[0], row.SortKeys[1])

	return mapError(err)
}

// Resource store

func (pt *postgresTx) CreateResource(ctx context.Context, publicID string, level data.ResourceLevel) (int64, error) {
	if err := pt.guard(); err != nil {
		return 0, err
	}
	if !level.Valid() {
		return 0, data.ErrInvalidLevel
	}

	if _, exists, err := pt.getResourceByPublicID(ctx, publicID); err != nil {
		return 0, err
	} else if exists {
		return 0, data.ErrDuplicateResource
	}

	id, err := pt.nextSequence(ctx, backend.SequenceResources)
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
	if err := pt.insertResource(ctx, row); err != nil {
		return 0, err
	}

	return id, nil
}

func (pt *postgresTx) AttachChild(ctx context.Context, parentID, childID int64) error {
	if err := pt.guard(); err != nil {
		return err
	}

	parent, ok, err := pt.getResource(ctx, parentID)
	if err != nil {
		return err
	}
	if !ok {
		return data.ErrUnknownResource
	}
	child, ok, err := pt.getResource(ctx, childID)
	if err != nil {
		return err
	}
	if !ok {
		return data.ErrUnknownResource
	}

	ancestors := parent.Ancestors
	ancestors[child.Level] = childID

	_, err = pt.tx.Exec(ctx, `
		UPDATE resources
		SET parent_id = $1, ancestor0 = $2, ancestor1 = $3, ancestor2 = $4, ancestor3 = $5
		WHERE internal_id = $6
	`, parentID, ancestors[0], ancestors[1], ancestors[2], ancestors[3], childID)
	if err != nil {
		return mapError(err)
	}

	// Every descendant already carries childID at the child's level, no
	// matter in which order the subtree was assembled. Push the parent's
	// refreshed prefix down so the cache stays consistent for chains
	// attached bottom-up.
	for lvl := data.LevelPatient; lvl < child.Level; lvl++ {
		query := fmt.Sprintf(`UPDATE resources SET ancestor%d = $1 WHERE ancestor%d = $2`, lvl, child.Level)
		if _, err := pt.tx.Exec(ctx, query, ancestors[lvl], childID); err != nil {
			return mapError(err)
		}
	}

	return nil
}

func (pt *postgresTx) DeleteResource(ctx context.Context, id int64) (*data.DeleteEvents, error) {
	if err := pt.guard(); err != nil {
		return nil, err
	}

	root, ok, err := pt.getResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, data.ErrUnknownResource
	}

	// Closure: the resource plus every row whose ancestry cache points
	// at it; the ancestor column at the root's own level covers both.
	query := fmt.Sprintf(selectResource+` WHERE ancestor%d = $1 ORDER BY internal_id`, root.Level)
	rows, err := pt.tx.Query(ctx, query, id)
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
	in := pgPlaceholders(1, len(ids))
	args := int64Args(ids)

	events := &data.DeleteEvents{}

	attached, err := pt.tx.Query(ctx, `
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
		if _, err := pt.tx.Exec(ctx, stmt, args...); err != nil {
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
		if parent, ok, err := pt.getResource(ctx, root.ParentID); err != nil {
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

func (pt *postgresTx) lookupAtLevel(ctx context.Context, publicID string, level data.ResourceLevel) (resourceRow, bool, error) {
	row, ok, err := pt.getResourceByPublicID(ctx, publicID)
	if err != nil || !ok {
		return row, false, err
	}
	if row.Level != level {
		return row, false, nil
	}

	return row, true, nil
}

func (pt *postgresTx) CreateInstance(ctx context.Context, hashes data.InstanceHashes) (*data.CreateInstanceResult, error) {
	if err := pt.guard(); err != nil {
		return nil, err
	}

	result := &data.CreateInstanceResult{}

	if instance, ok, err := pt.lookupAtLevel(ctx, hashes.Instance, data.LevelInstance); err != nil {
		return nil, err
	} else if ok {
		// An existing instance turns the whole call into a lookup.
		result.Instance = data.Slot{ID: instance.InternalID}
		if patient, ok, err := pt.lookupAtLevel(ctx, hashes.Patient, data.LevelPatient); err != nil {
			return nil, err
		} else if ok {
			result.Patient = data.Slot{ID: patient.InternalID}
		}
		if study, ok, err := pt.lookupAtLevel(ctx, hashes.Study, data.LevelStudy); err != nil {
			return nil, err
		} else if ok {
			result.Study = data.Slot{ID: study.InternalID}
		}
		if series, ok, err := pt.lookupAtLevel(ctx, hashes.Series, data.LevelSeries); err != nil {
			return nil, err
		} else if ok {
			result.Series = data.Slot{ID: series.InternalID}
		}
		return result, nil
	}

	patient, patientFound, err := pt.lookupAtLevel(ctx, hashes.Patient, data.LevelPatient)
	if err != nil {
		return nil, err
	}
	study, studyFound, err := pt.lookupAtLevel(ctx, hashes.Study, data.LevelStudy)
	if err != nil {
		return nil, err
	}
	series, seriesFound, err := pt.lookupAtLevel(ctx, hashes.Series, data.LevelSeries)
	if err != nil {
		return nil, err
	}

	// A level may only exist if its whole ancestor chain exists.
	if (!patientFound && (studyFound || seriesFound)) || (!studyFound && seriesFound) {
		return nil, data.ErrInvalidState
	}

	insert := func(publicID string, level data.ResourceLevel, parent *resourceRow) (resourceRow, error) {
		id, err := pt.nextSequence(ctx, backend.SequenceResources)
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

		return row, pt.insertResource(ctx, row)
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
		seq, err := pt.nextSequence(ctx, backend.SequenceRecycling)
		if err != nil {
			return nil, err
		}
		if _, err := pt.tx.Exec(ctx,
			`INSERT INTO patient_recycling (seq, patient_id) VALUES ($1, $2)`,
			seq, result.Patient.ID); err != nil {
			return nil, mapError(err)
		}
	} else if err := pt.TagMostRecentPatient(ctx, result.Patient.ID); err != nil {
		return nil, err
	}

	return result, nil
}

func (pt *postgresTx) LookupResource(ctx context.Context, publicID string) (int64, data.ResourceLevel, bool, error) {
	if err := pt.guard(); err != nil {
		return 0, 0, false, err
	}

	row, ok, err := pt.getResourceByPublicID(ctx, publicID)
	if err != nil || !ok {
		return 0, 0, false, err
	}

	return row.InternalID, row.Level, true, nil
}

func (pt *postgresTx) LookupResourceAndParent(ctx context.Context, publicID string) (int64, data.ResourceLevel, string, bool, error) {
	if err := pt.guard(); err != nil {
		return 0, 0, "", false, err
	}

	row, ok, err := pt.getResourceByPublicID(ctx, publicID)
	if err != nil || !ok {
		return 0, 0, "", false, err
	}

	parentPublicID := ""
	if row.ParentID != data.NoParent {
		if parent, ok, err := pt.getResource(ctx, row.ParentID); err != nil {
			return 0, 0, "", false, err
		} else if ok {
			parentPublicID = parent.PublicID
		}
	}

	return row.InternalID, row.Level, parentPublicID, true, nil
}

func (pt *postgresTx) LookupParent(ctx context.Context, id int64) (int64, bool, error) {
	if err := pt.guard(); err != nil {
		return 0, false, err
	}

	row, ok, err := pt.getResource(ctx, id)
	if err != nil || !ok {
		return 0, false, err
	}
	if row.ParentID == data.NoParent {
		return 0, false, nil
	}

	return row.ParentID, true, nil
}

func (pt *postgresTx) GetPublicID(ctx context.Context, id int64) (string, error) {
	if err := pt.guard(); err != nil {
		return "", err
	}

	row, ok, err := pt.getResource(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", data.ErrUnknownResource
	}

	return row.PublicID, nil
}

func (pt *postgresTx) GetResourceLevel(ctx context.Context, id int64) (data.ResourceLevel, error) {
	if err := pt.guard(); err != nil {
		return 0, err
	}

	row, ok, err := pt.getResource(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, data.ErrUnknownResource
	}

	return row.Level, nil
}

func (pt *postgresTx) queryInt64s(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := pt.tx.Query(ctx, query, args...)
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

func (pt *postgresTx) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := pt.tx.Query(ctx, query, args...)
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

func (pt *postgresTx) GetChildrenInternalID(ctx context.Context, id int64) ([]int64, error) {
	if err := pt.guard(); err != nil {
		return nil, err
	}
	return pt.queryInt64s(ctx, `SELECT internal_id FROM resources WHERE parent_id = $1`, id)
}

func (pt *postgresTx) GetChildrenPublicID(ctx context.Context, id int64) ([]string, error) {
	if err := pt.guard(); err != nil {
		return nil, err
	}
	return pt.queryStrings(ctx, `SELECT public_id FROM resources WHERE parent_id = $1`, id)
}

func (pt *postgresTx) GetAllInternalIDs(ctx context.Context, level data.ResourceLevel) ([]int64, error) {
	if err := pt.guard(); err != nil {
		return nil, err
	}
	return pt.queryInt64s(ctx, `SELECT internal_id FROM resources WHERE level = $1 ORDER BY internal_id`, level)
}

func (pt *postgresTx) GetAllPublicIDs(ctx context.Context, level data.ResourceLevel) ([]string, error) {
	if err := pt.guard(); err != nil {
		return nil, err
	}
	return pt.queryStrings(ctx, `SELECT public_id FROM resources WHERE level = $1 ORDER BY internal_id`, level)
}

func (pt *postgresTx) GetAllPublicIDsSince(ctx context.Context, level data.ResourceLevel, since, limit int64) ([]string, error) {
	if err := pt.guard(); err != nil {
		return nil, err
	}
	if limit == 0 {
		return pt.queryStrings(ctx,
			`SELECT public_id FROM resources WHERE level = $1 ORDER BY internal_id OFFSET $2`,
			level, since)
	}
	return pt.queryStrings(ctx,
		`SELECT public_id FROM resources WHERE level = $1 ORDER BY internal_id LIMIT $2 OFFSET $3`,
		level, limit, since)
}

func (pt *postgresTx) GetResourcesCount(ctx context.Context, level data.ResourceLevel) (int64, error) {
	if err := pt.guard(); err != nil {
		return 0, err
	}

	var count int64
	err := pt.tx.QueryRow(ctx, `SELECT COUNT(*) FROM resources WHERE level = $1`, level).Scan(&count)

	return count, mapError(err)
}

func (pt *postgresTx) IsExistingResource(ctx context.Context, id int64) (bool, error) {
	if err := pt.guard(); err != nil {
		return false, err
	}

	var count int64
	err := pt.tx.QueryRow(ctx, `SELECT COUNT(*) FROM resources WHERE internal_id = $1`, id).Scan(&count)

	return count > 0, mapError(err)
}

// Attachment catalog

func (pt *postgresTx) AddAttachment(ctx context.Context, id int64, attachment data.Attachment, revision int64) error {
	if err := pt.guard(); err != nil {
		return err
	}

	if ok, err := pt.IsExistingResource(ctx, id); err != nil {
		return err
	} else if !ok {
		return data.ErrUnknownResource
	}

	_, err := pt.tx.Exec(ctx, `
		INSERT INTO attached_files (id, file_type, uuid, compressed_size, uncompressed_size,
			compression_type, uncompressed_hash, compressed_hash, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, attachment.ContentType, attachment.UUID, attachment.CompressedSize,
		attachment.UncompressedSize, attachment.CompressionType,
		attachment.UncompressedHash, attachment.CompressedHash, revision)

	return mapError(err)
}

func (pt *postgresTx) DeleteAttachment(ctx context.Context, id int64, contentType int32) (*data.Attachment, error) {
	if err := pt.guard(); err != nil {
		return nil, err
	}

	var a data.Attachment
	err := pt.tx.QueryRow(ctx, `
		DELETE FROM attached_files WHERE id = $1 AND file_type = $2
		RETURNING uuid, file_type, uncompressed_size, uncompressed_hash,
		          compression_type, compressed_size, compressed_hash
	`, id, contentType).Scan(&a.UUID, &a.ContentType, &a.UncompressedSize, &a.UncompressedHash,
		&a.CompressionType, &a.CompressedSize, &a.CompressedHash)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}

	return &a, nil
}

func (pt *postgresTx) LookupAttachment(ctx context.Context, id int64, contentType int32) (data.Attachment, int64, bool, error) {
	if err := pt.guard(); err != nil {
		return data.Attachment{}, 0, false, err
	}

	var a data.Attachment
	var revision int64
	err := pt.tx.QueryRow(ctx, `
		SELECT uuid, file_type, uncompressed_size, uncompressed_hash,
		       compression_type, compressed_size, compressed_hash, revision
		FROM attached_files WHERE id = $1 AND file_type = $2
	`, id, contentType).Scan(&a.UUID, &a.ContentType, &a.UncompressedSize, &a.UncompressedHash,
		&a.CompressionType, &a.CompressedSize, &a.CompressedHash, &revision)
	if err == pgx.ErrNoRows {
		return data.Attachment{}, 0, false, nil
	}
	if err != nil {
		return data.Attachment{}, 0, false, mapError(err)
	}

	return a, revision, true, nil
}

func (pt *postgresTx) ListAvailableAttachments(ctx context.Context, id int64) ([]int32, error) {
	if err := pt.guard(); err != nil {
		return nil, err
	}
	return pt.queryInt32s(ctx, `SELECT file_type FROM attached_files WHERE id = $1`, id)
}

func (pt *postgresTx) queryInt32s(ctx context.Context, query string, args ...any) ([]int32, error) {
	rows, err := pt.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	values := make([]int32, 0)
	for rows.Next() {
		var v int32
		if err := rows.Scan(&v); err != nil {
			return nil, mapError(err)
		}
		values = append(values, v)
	}

	return values, mapError(rows.Err())
}

func (pt *postgresTx) GetTotalCompressedSize(ctx context.Context) (int64, error) {
	if err := pt.guard(); err != nil {
		return 0, err
	}

	var total int64
	err := pt.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(compressed_size), 0) FROM attached_files`).Scan(&total)

	return total, mapError(err)
}

func (pt *postgresTx) GetTotalUncompressedSize(ctx context.Context) (int64, error) {
	if err := pt.guard(); err != nil {
		return 0, err
	}

	var total int64
	err := pt.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(uncompressed_size), 0) FROM attached_files`).Scan(&total)

	return total, mapError(err)
}

// Metadata catalog

func (pt *postgresTx) SetMetadata(ctx context.Context, id int64, metadataType int32, value string, revision int64) error {
	if err := pt.guard(); err != nil {
		return err
	}

	if ok, err := pt.IsExistingResource(ctx, id); err != nil {
		return err
	} else if !ok {
		return data.ErrUnknownResource
	}

	_, err := pt.tx.Exec(ctx, `
		INSERT INTO metadata (id, type, value, revision) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id, type) DO UPDATE SET value = excluded.value, revision = excluded.revision
	`, id, metadataType, value, revision)

	return mapError(err)
}

func (pt *postgresTx) DeleteMetadata(ctx context.Context, id int64, metadataType int32) error {
	if err := pt.guard(); err != nil {
		return err
	}

	_, err := pt.tx.Exec(ctx, `DELETE FROM metadata WHERE id = $1 AND type = $2`, id, metadataType)
	return mapError(err)
}

func (pt *postgresTx) LookupMetadata(ctx context.Context, id int64, metadataType int32) (string, int64, bool, error) {
	if err := pt.guard(); err != nil {
		return "", 0, false, err
	}

	var value string
	var revision int64
	err := pt.tx.QueryRow(ctx,
		`SELECT value, revision FROM metadata WHERE id = $1 AND type = $2`, id, metadataType).
		Scan(&value, &revision)
	if err == pgx.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, mapError(err)
	}

	return value, revision, true, nil
}

func (pt *postgresTx) ListAvailableMetadata(ctx context.Context, id int64) ([]int32, error) {
	if err := pt.guard(); err != nil {
		return nil, err
	}
	return pt.queryInt32s(ctx, `SELECT type FROM metadata WHERE id = $1`, id)
}

func (pt *postgresTx) GetAllMetadata(ctx context.Context, id int64) (map[int32]string, error) {
	if err := pt.guard(); err != nil {
		return nil, err
	}

	rows, err := pt.tx.Query(ctx, `SELECT type, value FROM metadata WHERE id = $1`, id)
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

func (pt *postgresTx) GetChildrenMetadata(ctx context.Context, id int64, metadataType int32) ([]string, error) {
	if err := pt.guard(); err != nil {
		return nil, err
	}
	return pt.queryStrings(ctx, `
		SELECT value FROM metadata
		WHERE type = $1 AND id IN (SELECT internal_id FROM resources WHERE parent_id = $2)
	`, metadataType, id)
}

// Tag namespaces

func (pt *postgresTx) refreshSortKeys(ctx context.Context, id int64, tag data.Tag) error {
	index, ok := data.SortKeyIndex(tag.Group, tag.Element)
	if !ok {
		return nil
	}

	column := "sort_date"
	if index == 1 {
		column = "sort_time"
	}
	_, err := pt.tx.Exec(ctx,
		`UPDATE resources SET `+column+` = $1 WHERE internal_id = $2`, tag.Value, id)

	return mapError(err)
}

func (pt *postgresTx) SetMainDicomTag(ctx context.Context, id int64, tag data.Tag) error {
	if err := pt.guard(); err != nil {
		return err
	}

	if _, err := pt.tx.Exec(ctx,
		`INSERT INTO main_tags (id, tag_group, tag_element, value) VALUES ($1, $2, $3, $4)`,
		id, tag.Group, tag.Element, tag.Value); err != nil {
		return mapError(err)
	}

	return pt.refreshSortKeys(ctx, id, tag)
}

func (pt *postgresTx) SetIdentifierTag(ctx context.Context, id int64, tag data.Tag) error {
	if err := pt.guard(); err != nil {
		return err
	}

	_, err := pt.tx.Exec(ctx,
		`INSERT INTO identifier_tags (id, tag_group, tag_element, value) VALUES ($1, $2, $3, $4)`,
		id, tag.Group, tag.Element, tag.Value)

	return mapError(err)
}

func (pt *postgresTx) GetMainDicomTags(ctx context.Context, id int64) ([]data.Tag, error) {
	if err := pt.guard(); err != nil {
		return nil, err
	}

	rows, err := pt.tx.Query(ctx,
		`SELECT tag_group, tag_element, value FROM main_tags WHERE id = $1`, id)
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

func (pt *postgresTx) ClearMainDicomTags(ctx context.Context, id int64) error {
	if err := pt.guard(); err != nil {
		return err
	}

	if _, err := pt.tx.Exec(ctx, `DELETE FROM main_tags WHERE id = $1`, id); err != nil {
		return mapError(err)
	}
	if _, err := pt.tx.Exec(ctx, `DELETE FROM identifier_tags WHERE id = $1`, id); err != nil {
		return mapError(err)
	}

	return nil
}

func (pt *postgresTx) SetResourcesContent(ctx context.Context, identifierTags, mainTags []data.ContentTag, metadata []data.ContentMetadata) error {
	if err := pt.guard(); err != nil {
		return err
	}

	for _, tag := range identifierTags {
		if err := pt.SetIdentifierTag(ctx, tag.ResourceID, data.Tag{
			Group:   tag.Group,
			Element: tag.Element,
			Value:   tag.Value,
		}); err != nil {
			return err
		}
	}
	for _, tag := range mainTags {
		if err := pt.SetMainDicomTag(ctx, tag.ResourceID, data.Tag{
			Group:   tag.Group,
			Element: tag.Element,
			Value:   tag.Value,
		}); err != nil {
			return err
		}
	}
	for _, md := range metadata {
		if err := pt.SetMetadata(ctx, md.ResourceID, md.Type, md.Value, md.Revision); err != nil {
			return err
		}
	}

	return nil
}

// Event logs

func (pt *postgresTx) LogChange(ctx context.Context, changeType int32, resourceID int64, level data.ResourceLevel, date string) error {
	if err := pt.guard(); err != nil {
		return err
	}

	seq, err := pt.nextSequence(ctx, backend.SequenceChanges)
	if err != nil {
		return err
	}

	_, err = pt.tx.Exec(ctx, `
		INSERT INTO changes (seq, change_type, internal_id, level, date)
		VALUES ($1, $2, $3, $4, $5)
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

func (pt *postgresTx) GetChanges(ctx context.Context, since int64, maxResults uint32) ([]data.Change, bool, error) {
	if err := pt.guard(); err != nil {
		return nil, false, err
	}

	// Fetch one extra row to know whether the log continues.
	rows, err := pt.tx.Query(ctx,
		selectChange+` WHERE c.seq > $1 ORDER BY c.seq ASC LIMIT $2`, since, int64(maxResults)+1)
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

func (pt *postgresTx) GetLastChange(ctx context.Context) (data.Change, bool, error) {
	if err := pt.guard(); err != nil {
		return data.Change{}, false, err
	}

	c, err := scanChange(pt.tx.QueryRow(ctx, selectChange+` ORDER BY c.seq DESC LIMIT 1`))
	if err == pgx.ErrNoRows {
		return data.Change{}, false, nil
	}
	if err != nil {
		return data.Change{}, false, mapError(err)
	}

	return c, true, nil
}

func (pt *postgresTx) ClearChanges(ctx context.Context) error {
	if err := pt.guard(); err != nil {
		return err
	}

	_, err := pt.tx.Exec(ctx, `DELETE FROM changes`)
	return mapError(err)
}

func (pt *postgresTx) LogExportedResource(ctx context.Context, exported data.ExportedResource) error {
	if err := pt.guard(); err != nil {
		return err
	}

	seq, err := pt.nextSequence(ctx, backend.SequenceExported)
	if err != nil {
		return err
	}

	_, err = pt.tx.Exec(ctx, `
		INSERT INTO exported_resources (seq, level, public_id, modality, date,
			patient_id, study_uid, series_uid, instance_uid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
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

func (pt *postgresTx) GetExportedResources(ctx context.Context, since int64, maxResults uint32) ([]data.ExportedResource, bool, error) {
	if err := pt.guard(); err != nil {
		return nil, false, err
	}

	rows, err := pt.tx.Query(ctx,
		selectExported+` WHERE seq > $1 ORDER BY seq ASC LIMIT $2`, since, int64(maxResults)+1)
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

func (pt *postgresTx) GetLastExportedResource(ctx context.Context) (data.ExportedResource, bool, error) {
	if err := pt.guard(); err != nil {
		return data.ExportedResource{}, false, err
	}

	e, err := scanExported(pt.tx.QueryRow(ctx, selectExported+` ORDER BY seq DESC LIMIT 1`))
	if err == pgx.ErrNoRows {
		return data.ExportedResource{}, false, nil
	}
	if err != nil {
		return data.ExportedResource{}, false, mapError(err)
	}

	return e, true, nil
}

func (pt *postgresTx) ClearExportedResources(ctx context.Context) error {
	if err := pt.guard(); err != nil {
		return err
	}

	_, err := pt.tx.Exec(ctx, `DELETE FROM exported_resources`)
	return mapError(err)
}

// Properties

func (pt *postgresTx) SetGlobalProperty(ctx context.Context, serverID string, property int32, value string) error {
	if err := pt.guard(); err != nil {
		return err
	}

	var err error
	if serverID == "" {
		_, err = pt.tx.Exec(ctx, `
			INSERT INTO global_properties (property, value) VALUES ($1, $2)
			ON CONFLICT (property) DO UPDATE SET value = excluded.value
		`, property, value)
	} else {
		_, err = pt.tx.Exec(ctx, `
			INSERT INTO server_properties (server, property, value) VALUES ($1, $2, $3)
			ON CONFLICT (server, property) DO UPDATE SET value = excluded.value
		`, serverID, property, value)
	}

	return mapError(err)
}

func (pt *postgresTx) LookupGlobalProperty(ctx context.Context, serverID string, property int32) (string, bool, error) {
	if err := pt.guard(); err != nil {
		return "", false, err
	}

	var value string
	var err error
	if serverID == "" {
		err = pt.tx.QueryRow(ctx,
			`SELECT value FROM global_properties WHERE property = $1`, property).Scan(&value)
	} else {
		err = pt.tx.QueryRow(ctx,
			`SELECT value FROM server_properties WHERE server = $1 AND property = $2`,
			serverID, property).Scan(&value)
	}
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapError(err)
	}

	return value, true, nil
}

// Patient recycling

func (pt *postgresTx) SetProtectedPatient(ctx context.Context, id int64, protected bool) error {
	if err := pt.guard(); err != nil {
		return err
	}

	if protected {
		_, err := pt.tx.Exec(ctx, `DELETE FROM patient_recycling WHERE patient_id = $1`, id)
		return mapError(err)
	}

	isProtected, err := pt.IsProtectedPatient(ctx, id)
	if err != nil {
		return err
	}
	if !isProtected {
		// Already unprotected, nothing to do.
		return nil
	}

	seq, err := pt.nextSequence(ctx, backend.SequenceRecycling)
	if err != nil {
		return err
	}
	_, err = pt.tx.Exec(ctx,
		`INSERT INTO patient_recycling (seq, patient_id) VALUES ($1, $2)`, seq, id)

	return mapError(err)
}

func (pt *postgresTx) IsProtectedPatient(ctx context.Context, id int64) (bool, error) {
	if err := pt.guard(); err != nil {
		return false, err
	}

	var count int64
	err := pt.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM patient_recycling WHERE patient_id = $1`, id).Scan(&count)

	return count == 0, mapError(err)
}

func (pt *postgresTx) SelectPatientToRecycle(ctx context.Context, avoidID int64) (int64, bool, error) {
	if err := pt.guard(); err != nil {
		return 0, false, err
	}

	var patientID int64
	err := pt.tx.QueryRow(ctx, `
		SELECT patient_id FROM patient_recycling
		WHERE patient_id != $1 ORDER BY seq ASC LIMIT 1
	`, avoidID).Scan(&patientID)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, mapError(err)
	}

	return patientID, true, nil
}

func (pt *postgresTx) TagMostRecentPatient(ctx context.Context, id int64) error {
	if err := pt.guard(); err != nil {
		return err
	}

	result, err := pt.tx.Exec(ctx, `DELETE FROM patient_recycling WHERE patient_id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if result.RowsAffected() == 0 {
		// Protected patients stay protected.
		return nil
	}

	seq, err := pt.nextSequence(ctx, backend.SequenceRecycling)
	if err != nil {
		return err
	}
	_, err = pt.tx.Exec(ctx,
		`INSERT INTO patient_recycling (seq, patient_id) VALUES ($1, $2)`, seq, id)

	return mapError(err)
}
