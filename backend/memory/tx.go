package memory

import (
	"context"

	"github.com/mwantia/pacsindex/backend"
	"github.com/mwantia/pacsindex/data"
	"github.com/tidwall/btree"
)

// memoryTx operates on one table snapshot. Write transactions hold the
// backend's writer mutex from Begin until Commit or Rollback.
type memoryTx struct {
	backend *MemoryBackend
	tables  *tables
	write   bool
	done    bool
}

func (tx *memoryTx) Commit(ctx context.Context) error {
	if tx.done {
		return data.ErrInvalidState
	}
	tx.done = true

	if tx.write {
		tx.backend.state.Store(tx.tables)
		tx.backend.writeMu.Unlock()
	}

	return nil
}

func (tx *memoryTx) Rollback(ctx context.Context) error {
	if tx.done {
		return data.ErrInvalidState
	}
	tx.done = true

	if tx.write {
		tx.backend.writeMu.Unlock()
	}

	return nil
}

func (tx *memoryTx) guard(write bool) error {
	if tx.done {
		return data.ErrInvalidState
	}
	if write && !tx.write {
		return data.ErrInvalidState
	}

	return nil
}

// attachmentsFor returns the attachment map of a resource cloned for
// mutation, so the previous snapshot stays untouched.
func (tx *memoryTx) attachmentsFor(id int64) map[int32]attachmentRow {
	current, _ := tx.tables.attachments.Get(id)
	clone := make(map[int32]attachmentRow, len(current)+1)
	for k, v := range current {
		clone[k] = v
	}
	tx.tables.attachments.Set(id, clone)

	return clone
}

func (tx *memoryTx) metadataFor(id int64) map[int32]data.Metadata {
	current, _ := tx.tables.metadata.Get(id)
	clone := make(map[int32]data.Metadata, len(current)+1)
	for k, v := range current {
		clone[k] = v
	}
	tx.tables.metadata.Set(id, clone)

	return clone
}

// Resource store

func (tx *memoryTx) CreateResource(ctx context.Context, publicID string, level data.ResourceLevel) (int64, error) {
	if err := tx.guard(true); err != nil {
		return 0, err
	}
	if !level.Valid() {
		return 0, data.ErrInvalidLevel
	}
	if _, exists := tx.tables.publicIDs.Get(publicID); exists {
		return 0, data.ErrDuplicateResource
	}

	id := tx.tables.nextSequence(backend.SequenceResources)
	ancestors := data.NewAncestors()
	ancestors[level] = id

	tx.tables.resources.Set(id, data.Resource{
		InternalID: id,
		PublicID:   publicID,
		Level:      level,
		ParentID:   data.NoParent,
		Ancestors:  ancestors,
	})
	tx.tables.publicIDs.Set(publicID, id)

	return id, nil
}

func (tx *memoryTx) AttachChild(ctx context.Context, parentID, childID int64) error {
	if err := tx.guard(true); err != nil {
		return err
	}

	parent, ok := tx.tables.resources.Get(parentID)
	if !ok {
		return data.ErrUnknownResource
	}
	child, ok := tx.tables.resources.Get(childID)
	if !ok {
		return data.ErrUnknownResource
	}

	child.ParentID = parentID
	child.Ancestors = parent.Ancestors
	child.Ancestors[child.Level] = childID
	tx.tables.resources.Set(childID, child)

	// Every descendant already carries childID at the child's level, no
	// matter in which order the subtree was assembled. Push the parent's
	// refreshed prefix down so the cache stays consistent for chains
	// attached bottom-up.
	if child.Level > data.LevelPatient {
		var descendants []data.Resource
		tx.tables.resources.Scan(func(rid int64, r data.Resource) bool {
			if rid != childID && r.Ancestors[child.Level] == childID {
				descendants = append(descendants, r)
			}
			return true
		})
		for _, d := range descendants {
			for lvl := data.LevelPatient; lvl < child.Level; lvl++ {
				d.Ancestors[lvl] = parent.Ancestors[lvl]
			}
			tx.tables.resources.Set(d.InternalID, d)
		}
	}

	return nil
}

func (tx *memoryTx) DeleteResource(ctx context.Context, id int64) (*data.DeleteEvents, error) {
	if err := tx.guard(true); err != nil {
		return nil, err
	}

	root, ok := tx.tables.resources.Get(id)
	if !ok {
		return nil, data.ErrUnknownResource
	}

	// Closure: the resource itself plus every resource whose ancestry
	// cache points at it.
	closure := []data.Resource{root}
	tx.tables.resources.Scan(func(rid int64, r data.Resource) bool {
		if rid != id && r.Ancestors[root.Level] == id {
			closure = append(closure, r)
		}
		return true
	})

	events := &data.DeleteEvents{}
	for _, r := range closure {
		if rows, ok := tx.tables.attachments.Get(r.InternalID); ok {
			for _, row := range rows {
				events.Attachments = append(events.Attachments, row.Attachment)
			}
			tx.tables.attachments.Delete(r.InternalID)
		}
		tx.tables.metadata.Delete(r.InternalID)
		tx.tables.mainTags.Delete(r.InternalID)
		tx.tables.identifierTags.Delete(r.InternalID)

		var staleChanges []int64
		tx.tables.changes.Scan(func(seq int64, c changeRow) bool {
			if c.ResourceID == r.InternalID {
				staleChanges = append(staleChanges, seq)
			}
			return true
		})
		for _, seq := range staleChanges {
			tx.tables.changes.Delete(seq)
		}

		if r.Level == data.LevelPatient {
			tx.deleteRecyclingEntry(r.InternalID)
		}

		tx.tables.resources.Delete(r.InternalID)
		tx.tables.publicIDs.Delete(r.PublicID)

		events.Resources = append(events.Resources, data.DeletedResource{
			PublicID: r.PublicID,
			Level:    r.Level,
		})
	}

	if root.ParentID != data.NoParent {
		if parent, ok := tx.tables.resources.Get(root.ParentID); ok {
			events.RemainingAncestor = &data.RemainingAncestor{
				PublicID: parent.PublicID,
				Level:    parent.Level,
			}
		}
	}

	return events, nil
}

func (tx *memoryTx) CreateInstance(ctx context.Context, hashes data.InstanceHashes) (*data.CreateInstanceResult, error) {
	if err := tx.guard(true); err != nil {
		return nil, err
	}

	result := &data.CreateInstanceResult{}

	// An existing instance turns the whole call into a lookup.
	if id, ok := tx.lookupAtLevel(hashes.Instance, data.LevelInstance); ok {
		result.Instance = data.Slot{ID: id}
		if pid, ok := tx.lookupAtLevel(hashes.Patient, data.LevelPatient); ok {
			result.Patient = data.Slot{ID: pid}
		}
		if sid, ok := tx.lookupAtLevel(hashes.Study, data.LevelStudy); ok {
			result.Study = data.Slot{ID: sid}
		}
		if sid, ok := tx.lookupAtLevel(hashes.Series, data.LevelSeries); ok {
			result.Series = data.Slot{ID: sid}
		}
		return result, nil
	}

	patientID, patientFound := tx.lookupAtLevel(hashes.Patient, data.LevelPatient)
	studyID, studyFound := tx.lookupAtLevel(hashes.Study, data.LevelStudy)
	seriesID, seriesFound := tx.lookupAtLevel(hashes.Series, data.LevelSeries)

	// A level may only exist if its whole ancestor chain exists.
	if (!patientFound && (studyFound || seriesFound)) || (!studyFound && seriesFound) {
		return nil, data.ErrInvalidState
	}

	if patientFound {
		result.Patient = data.Slot{ID: patientID}
	} else {
		id := tx.insertChainResource(hashes.Patient, data.LevelPatient, nil)
		result.Patient = data.Slot{ID: id, IsNew: true}
	}

	if studyFound {
		result.Study = data.Slot{ID: studyID}
	} else {
		parent, _ := tx.tables.resources.Get(result.Patient.ID)
		id := tx.insertChainResource(hashes.Study, data.LevelStudy, &parent)
		result.Study = data.Slot{ID: id, IsNew: true}
	}

	if seriesFound {
		result.Series = data.Slot{ID: seriesID}
	} else {
		parent, _ := tx.tables.resources.Get(result.Study.ID)
		id := tx.insertChainResource(hashes.Series, data.LevelSeries, &parent)
		result.Series = data.Slot{ID: id, IsNew: true}
	}

	parent, _ := tx.tables.resources.Get(result.Series.ID)
	instanceID := tx.insertChainResource(hashes.Instance, data.LevelInstance, &parent)
	result.Instance = data.Slot{ID: instanceID, IsNew: true}

	if result.Patient.IsNew {
		seq := tx.tables.nextSequence(backend.SequenceRecycling)
		tx.tables.recycling.Set(seq, result.Patient.ID)
	} else {
		if err := tx.TagMostRecentPatient(ctx, result.Patient.ID); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (tx *memoryTx) insertChainResource(publicID string, level data.ResourceLevel, parent *data.Resource) int64 {
	id := tx.tables.nextSequence(backend.SequenceResources)

	ancestors := data.NewAncestors()
	parentID := data.NoParent
	if parent != nil {
		ancestors = parent.Ancestors
		parentID = parent.InternalID
	}
	ancestors[level] = id

	tx.tables.resources.Set(id, data.Resource{
		InternalID: id,
		PublicID:   publicID,
		Level:      level,
		ParentID:   parentID,
		Ancestors:  ancestors,
	})
	tx.tables.publicIDs.Set(publicID, id)

	return id
}

func (tx *memoryTx) lookupAtLevel(publicID string, level data.ResourceLevel) (int64, bool) {
	id, ok := tx.tables.publicIDs.Get(publicID)
	if !ok {
		return 0, false
	}
	r, ok := tx.tables.resources.Get(id)
	if !ok || r.Level != level {
		return 0, false
	}

	return id, true
}

func (tx *memoryTx) LookupResource(ctx context.Context, publicID string) (int64, data.ResourceLevel, bool, error) {
	if err := tx.guard(false); err != nil {
		return 0, 0, false, err
	}

	id, ok := tx.tables.publicIDs.Get(publicID)
	if !ok {
		return 0, 0, false, nil
	}
	r, ok := tx.tables.resources.Get(id)
	if !ok {
		return 0, 0, false, nil
	}

	return id, r.Level, true, nil
}

func (tx *memoryTx) LookupResourceAndParent(ctx context.Context, publicID string) (int64, data.ResourceLevel, string, bool, error) {
	id, level, ok, err := tx.LookupResource(ctx, publicID)
	if err != nil || !ok {
		return 0, 0, "", ok, err
	}

	r, _ := tx.tables.resources.Get(id)
	parentPublicID := ""
	if r.ParentID != data.NoParent {
		if parent, ok := tx.tables.resources.Get(r.ParentID); ok {
			parentPublicID = parent.PublicID
		}
	}

	return id, level, parentPublicID, true, nil
}

func (tx *memoryTx) LookupParent(ctx context.Context, id int64) (int64, bool, error) {
	if err := tx.guard(false); err != nil {
		return 0, false, err
	}

	r, ok := tx.tables.resources.Get(id)
	if !ok || r.ParentID == data.NoParent {
		return 0, false, nil
	}

	return r.ParentID, true, nil
}

func (tx *memoryTx) GetPublicID(ctx context.Context, id int64) (string, error) {
	if err := tx.guard(false); err != nil {
		return "", err
	}

	r, ok := tx.tables.resources.Get(id)
	if !ok {
		return "", data.ErrUnknownResource
	}

	return r.PublicID, nil
}

func (tx *memoryTx) GetResourceLevel(ctx context.Context, id int64) (data.ResourceLevel, error) {
	if err := tx.guard(false); err != nil {
		return 0, err
	}

	r, ok := tx.tables.resources.Get(id)
	if !ok {
		return 0, data.ErrUnknownResource
	}

	return r.Level, nil
}

func (tx *memoryTx) GetChildrenInternalID(ctx context.Context, id int64) ([]int64, error) {
	if err := tx.guard(false); err != nil {
		return nil, err
	}

	var children []int64
	tx.tables.resources.Scan(func(rid int64, r data.Resource) bool {
		if r.ParentID == id {
			children = append(children, rid)
		}
		return true
	})

	return children, nil
}

func (tx *memoryTx) GetChildrenPublicID(ctx context.Context, id int64) ([]string, error) {
	if err := tx.guard(false); err != nil {
		return nil, err
	}

	var children []string
	tx.tables.resources.Scan(func(_ int64, r data.Resource) bool {
		if r.ParentID == id {
			children = append(children, r.PublicID)
		}
		return true
	})

	return children, nil
}

func (tx *memoryTx) GetAllInternalIDs(ctx context.Context, level data.ResourceLevel) ([]int64, error) {
	if err := tx.guard(false); err != nil {
		return nil, err
	}

	var ids []int64
	tx.tables.resources.Scan(func(rid int64, r data.Resource) bool {
		if r.Level == level {
			ids = append(ids, rid)
		}
		return true
	})

	return ids, nil
}

func (tx *memoryTx) GetAllPublicIDs(ctx context.Context, level data.ResourceLevel) ([]string, error) {
	return tx.GetAllPublicIDsSince(ctx, level, 0, 0)
}

func (tx *memoryTx) GetAllPublicIDsSince(ctx context.Context, level data.ResourceLevel, since, limit int64) ([]string, error) {
	if err := tx.guard(false); err != nil {
		return nil, err
	}

	var ids []string
	skipped := int64(0)
	tx.tables.resources.Scan(func(_ int64, r data.Resource) bool {
		if r.Level != level {
			return true
		}
		if skipped < since {
			skipped++
			return true
		}
		ids = append(ids, r.PublicID)
		return limit == 0 || int64(len(ids)) < limit
	})

	return ids, nil
}

func (tx *memoryTx) GetResourcesCount(ctx context.Context, level data.ResourceLevel) (int64, error) {
	if err := tx.guard(false); err != nil {
		return 0, err
	}

	count := int64(0)
	tx.tables.resources.Scan(func(_ int64, r data.Resource) bool {
		if r.Level == level {
			count++
		}
		return true
	})

	return count, nil
}

func (tx *memoryTx) IsExistingResource(ctx context.Context, id int64) (bool, error) {
	if err := tx.guard(false); err != nil {
		return false, err
	}

	_, ok := tx.tables.resources.Get(id)
	return ok, nil
}

// Attachment catalog

func (tx *memoryTx) AddAttachment(ctx context.Context, id int64, attachment data.Attachment, revision int64) error {
	if err := tx.guard(true); err != nil {
		return err
	}
	if _, ok := tx.tables.resources.Get(id); !ok {
		return data.ErrUnknownResource
	}

	rows := tx.attachmentsFor(id)
	rows[attachment.ContentType] = attachmentRow{Attachment: attachment, Revision: revision}

	return nil
}

func (tx *memoryTx) DeleteAttachment(ctx context.Context, id int64, contentType int32) (*data.Attachment, error) {
	if err := tx.guard(true); err != nil {
		return nil, err
	}

	current, ok := tx.tables.attachments.Get(id)
	if !ok {
		return nil, nil
	}
	row, ok := current[contentType]
	if !ok {
		return nil, nil
	}

	rows := tx.attachmentsFor(id)
	delete(rows, contentType)

	deleted := row.Attachment
	return &deleted, nil
}

func (tx *memoryTx) LookupAttachment(ctx context.Context, id int64, contentType int32) (data.Attachment, int64, bool, error) {
	if err := tx.guard(false); err != nil {
		return data.Attachment{}, 0, false, err
	}

	rows, ok := tx.tables.attachments.Get(id)
	if !ok {
		return data.Attachment{}, 0, false, nil
	}
	row, ok := rows[contentType]
	if !ok {
		return data.Attachment{}, 0, false, nil
	}

	return row.Attachment, row.Revision, true, nil
}

func (tx *memoryTx) ListAvailableAttachments(ctx context.Context, id int64) ([]int32, error) {
	if err := tx.guard(false); err != nil {
		return nil, err
	}

	rows, _ := tx.tables.attachments.Get(id)
	types := make([]int32, 0, len(rows))
	for contentType := range rows {
		types = append(types, contentType)
	}

	return types, nil
}

func (tx *memoryTx) GetTotalCompressedSize(ctx context.Context) (int64, error) {
	if err := tx.guard(false); err != nil {
		return 0, err
	}

	total := int64(0)
	tx.tables.attachments.Scan(func(_ int64, rows map[int32]attachmentRow) bool {
		for _, row := range rows {
			total += row.CompressedSize
		}
		return true
	})

	return total, nil
}

func (tx *memoryTx) GetTotalUncompressedSize(ctx context.Context) (int64, error) {
	if err := tx.guard(false); err != nil {
		return 0, err
	}

	total := int64(0)
	tx.tables.attachments.Scan(func(_ int64, rows map[int32]attachmentRow) bool {
		for _, row := range rows {
			total += row.UncompressedSize
		}
		return true
	})

	return total, nil
}

// Metadata catalog

func (tx *memoryTx) SetMetadata(ctx context.Context, id int64, metadataType int32, value string, revision int64) error {
	if err := tx.guard(true); err != nil {
		return err
	}
	if _, ok := tx.tables.resources.Get(id); !ok {
		return data.ErrUnknownResource
	}

	rows := tx.metadataFor(id)
	rows[metadataType] = data.Metadata{Type: metadataType, Value: value, Revision: revision}

	return nil
}

func (tx *memoryTx) DeleteMetadata(ctx context.Context, id int64, metadataType int32) error {
	if err := tx.guard(true); err != nil {
		return err
	}

	if current, ok := tx.tables.metadata.Get(id); ok {
		if _, ok := current[metadataType]; ok {
			rows := tx.metadataFor(id)
			delete(rows, metadataType)
		}
	}

	return nil
}

func (tx *memoryTx) LookupMetadata(ctx context.Context, id int64, metadataType int32) (string, int64, bool, error) {
	if err := tx.guard(false); err != nil {
		return "", 0, false, err
	}

	rows, ok := tx.tables.metadata.Get(id)
	if !ok {
		return "", 0, false, nil
	}
	row, ok := rows[metadataType]
	if !ok {
		return "", 0, false, nil
	}

	return row.Value, row.Revision, true, nil
}

func (tx *memoryTx) ListAvailableMetadata(ctx context.Context, id int64) ([]int32, error) {
	if err := tx.guard(false); err != nil {
		return nil, err
	}

	rows, _ := tx.tables.metadata.Get(id)
	types := make([]int32, 0, len(rows))
	for metadataType := range rows {
		types = append(types, metadataType)
	}

	return types, nil
}

func (tx *memoryTx) GetAllMetadata(ctx context.Context, id int64) (map[int32]string, error) {
	if err := tx.guard(false); err != nil {
		return nil, err
	}

	rows, _ := tx.tables.metadata.Get(id)
	all := make(map[int32]string, len(rows))
	for metadataType, row := range rows {
		all[metadataType] = row.Value
	}

	return all, nil
}

func (tx *memoryTx) GetChildrenMetadata(ctx context.Context, id int64, metadataType int32) ([]string, error) {
	children, err := tx.GetChildrenInternalID(ctx, id)
	if err != nil {
		return nil, err
	}

	var values []string
	for _, child := range children {
		if rows, ok := tx.tables.metadata.Get(child); ok {
			if row, ok := rows[metadataType]; ok {
				values = append(values, row.Value)
			}
		}
	}

	return values, nil
}

// Tag namespaces

func (tx *memoryTx) SetMainDicomTag(ctx context.Context, id int64, tag data.Tag) error {
	if err := tx.guard(true); err != nil {
		return err
	}

	tags, _ := tx.tables.mainTags.Get(id)
	tx.tables.mainTags.Set(id, append(tags, tag))
	tx.refreshSortKeys(id, tag)

	return nil
}

func (tx *memoryTx) SetIdentifierTag(ctx context.Context, id int64, tag data.Tag) error {
	if err := tx.guard(true); err != nil {
		return err
	}

	tags, _ := tx.tables.identifierTags.Get(id)
	tx.tables.identifierTags.Set(id, append(tags, tag))

	return nil
}

// refreshSortKeys updates the owning resource's sort-key cache when a
// date or time main tag is written.
func (tx *memoryTx) refreshSortKeys(id int64, tag data.Tag) {
	index, ok := data.SortKeyIndex(tag.Group, tag.Element)
	if !ok {
		return
	}
	if r, ok := tx.tables.resources.Get(id); ok {
		r.SortKeys[index] = tag.Value
		tx.tables.resources.Set(id, r)
	}
}

func (tx *memoryTx) GetMainDicomTags(ctx context.Context, id int64) ([]data.Tag, error) {
	if err := tx.guard(false); err != nil {
		return nil, err
	}

	tags, _ := tx.tables.mainTags.Get(id)
	return append([]data.Tag(nil), tags...), nil
}

func (tx *memoryTx) ClearMainDicomTags(ctx context.Context, id int64) error {
	if err := tx.guard(true); err != nil {
		return err
	}

	tx.tables.mainTags.Delete(id)
	tx.tables.identifierTags.Delete(id)

	return nil
}

func (tx *memoryTx) SetResourcesContent(ctx context.Context, identifierTags, mainTags []data.ContentTag, metadata []data.ContentMetadata) error {
	if err := tx.guard(true); err != nil {
		return err
	}

	for _, tag := range identifierTags {
		tags, _ := tx.tables.identifierTags.Get(tag.ResourceID)
		tx.tables.identifierTags.Set(tag.ResourceID, append(tags, data.Tag{
			Group:   tag.Group,
			Element: tag.Element,
			Value:   tag.Value,
		}))
	}
	for _, tag := range mainTags {
		tags, _ := tx.tables.mainTags.Get(tag.ResourceID)
		value := data.Tag{Group: tag.Group, Element: tag.Element, Value: tag.Value}
		tx.tables.mainTags.Set(tag.ResourceID, append(tags, value))
		tx.refreshSortKeys(tag.ResourceID, value)
	}
	for _, md := range metadata {
		rows := tx.metadataFor(md.ResourceID)
		rows[md.Type] = data.Metadata{Type: md.Type, Value: md.Value, Revision: md.Revision}
	}

	return nil
}

// Event logs

func (tx *memoryTx) LogChange(ctx context.Context, changeType int32, resourceID int64, level data.ResourceLevel, date string) error {
	if err := tx.guard(true); err != nil {
		return err
	}

	seq := tx.tables.nextSequence(backend.SequenceChanges)
	tx.tables.changes.Set(seq, changeRow{
		Seq:        seq,
		ChangeType: changeType,
		ResourceID: resourceID,
		Level:      level,
		Date:       date,
	})

	return nil
}

func (tx *memoryTx) answerChange(row changeRow) data.Change {
	publicID := ""
	if r, ok := tx.tables.resources.Get(row.ResourceID); ok {
		publicID = r.PublicID
	}

	return data.Change{
		Seq:        row.Seq,
		ChangeType: row.ChangeType,
		ResourceID: row.ResourceID,
		Level:      row.Level,
		PublicID:   publicID,
		Date:       row.Date,
	}
}

func (tx *memoryTx) GetChanges(ctx context.Context, since int64, maxResults uint32) ([]data.Change, bool, error) {
	if err := tx.guard(false); err != nil {
		return nil, false, err
	}

	var changes []data.Change
	done := true
	tx.tables.changes.Ascend(since+1, func(_ int64, row changeRow) bool {
		if uint32(len(changes)) == maxResults {
			done = false
			return false
		}
		changes = append(changes, tx.answerChange(row))
		return true
	})

	return changes, done, nil
}

func (tx *memoryTx) GetLastChange(ctx context.Context) (data.Change, bool, error) {
	if err := tx.guard(false); err != nil {
		return data.Change{}, false, err
	}

	if _, row, ok := tx.tables.changes.Max(); ok {
		return tx.answerChange(row), true, nil
	}

	return data.Change{}, false, nil
}

func (tx *memoryTx) ClearChanges(ctx context.Context) error {
	if err := tx.guard(true); err != nil {
		return err
	}

	tx.tables.changes = btree.NewMap[int64, changeRow](0)

	return nil
}

func (tx *memoryTx) LogExportedResource(ctx context.Context, exported data.ExportedResource) error {
	if err := tx.guard(true); err != nil {
		return err
	}

	exported.Seq = tx.tables.nextSequence(backend.SequenceExported)
	tx.tables.exported.Set(exported.Seq, exported)

	return nil
}

func (tx *memoryTx) GetExportedResources(ctx context.Context, since int64, maxResults uint32) ([]data.ExportedResource, bool, error) {
	if err := tx.guard(false); err != nil {
		return nil, false, err
	}

	var exported []data.ExportedResource
	done := true
	tx.tables.exported.Ascend(since+1, func(_ int64, row data.ExportedResource) bool {
		if uint32(len(exported)) == maxResults {
			done = false
			return false
		}
		exported = append(exported, row)
		return true
	})

	return exported, done, nil
}

func (tx *memoryTx) GetLastExportedResource(ctx context.Context) (data.ExportedResource, bool, error) {
	if err := tx.guard(false); err != nil {
		return data.ExportedResource{}, false, err
	}

	if _, row, ok := tx.tables.exported.Max(); ok {
		return row, true, nil
	}

	return data.ExportedResource{}, false, nil
}

func (tx *memoryTx) ClearExportedResources(ctx context.Context) error {
	if err := tx.guard(true); err != nil {
		return err
	}

	tx.tables.exported = btree.NewMap[int64, data.ExportedResource](0)

	return nil
}

// Properties

func (tx *memoryTx) SetGlobalProperty(ctx context.Context, serverID string, property int32, value string) error {
	if err := tx.guard(true); err != nil {
		return err
	}

	if serverID == "" {
		tx.tables.globalProps[property] = value
		return nil
	}

	props, ok := tx.tables.serverProps[serverID]
	if !ok {
		props = make(map[int32]string)
	} else {
		clone := make(map[int32]string, len(props)+1)
		for k, v := range props {
			clone[k] = v
		}
		props = clone
	}
	props[property] = value
	tx.tables.serverProps[serverID] = props

	return nil
}

func (tx *memoryTx) LookupGlobalProperty(ctx context.Context, serverID string, property int32) (string, bool, error) {
	if err := tx.guard(false); err != nil {
		return "", false, err
	}

	if serverID == "" {
		value, ok := tx.tables.globalProps[property]
		return value, ok, nil
	}

	props, ok := tx.tables.serverProps[serverID]
	if !ok {
		return "", false, nil
	}
	value, ok := props[property]

	return value, ok, nil
}

// Patient recycling

func (tx *memoryTx) deleteRecyclingEntry(patientID int64) bool {
	found := int64(-1)
	tx.tables.recycling.Scan(func(seq int64, pid int64) bool {
		if pid == patientID {
			found = seq
			return false
		}
		return true
	})
	if found < 0 {
		return false
	}
	tx.tables.recycling.Delete(found)

	return true
}

func (tx *memoryTx) SetProtectedPatient(ctx context.Context, id int64, protected bool) error {
	if err := tx.guard(true); err != nil {
		return err
	}

	if protected {
		tx.deleteRecyclingEntry(id)
		return nil
	}

	isProtected, err := tx.IsProtectedPatient(ctx, id)
	if err != nil {
		return err
	}
	if isProtected {
		seq := tx.tables.nextSequence(backend.SequenceRecycling)
		tx.tables.recycling.Set(seq, id)
	}

	return nil
}

func (tx *memoryTx) IsProtectedPatient(ctx context.Context, id int64) (bool, error) {
	if err := tx.guard(false); err != nil {
		return false, err
	}

	isProtected := true
	tx.tables.recycling.Scan(func(_ int64, pid int64) bool {
		if pid == id {
			isProtected = false
			return false
		}
		return true
	})

	return isProtected, nil
}

func (tx *memoryTx) SelectPatientToRecycle(ctx context.Context, avoidID int64) (int64, bool, error) {
	if err := tx.guard(false); err != nil {
		return 0, false, err
	}

	selected := int64(0)
	found := false
	tx.tables.recycling.Scan(func(_ int64, pid int64) bool {
		if pid == avoidID {
			return true
		}
		selected = pid
		found = true
		return false
	})

	return selected, found, nil
}

func (tx *memoryTx) TagMostRecentPatient(ctx context.Context, id int64) error {
	if err := tx.guard(true); err != nil {
		return err
	}

	// Protected patients stay protected: only an existing entry moves.
	if tx.deleteRecyclingEntry(id) {
		seq := tx.tables.nextSequence(backend.SequenceRecycling)
		tx.tables.recycling.Set(seq, id)
	}

	return nil
}
