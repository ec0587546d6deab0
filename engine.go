// Package pacsindex maintains the index of a four-level medical imaging
// hierarchy (patient, study, series, instance) on top of a pluggable
// storage backend. The engine wraps every operation in one backend
// transaction and retries serialization conflicts transparently.
package pacsindex

import (
	"context"
	"fmt"

	"github.com/mwantia/pacsindex/backend"
	"github.com/mwantia/pacsindex/data"
	"github.com/mwantia/pacsindex/log"
)

type Engine struct {
	backend backend.Backend
	log     *log.Logger
	opts    *Options
}

// NewEngine wires an engine to its backend. Open must be called before
// any other operation.
func NewEngine(b backend.Backend, opts ...Option) (*Engine, error) {
	options := newDefaultOptions()
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}

	return &Engine{
		backend: b,
		log:     options.Logger.Named(b.Name()),
		opts:    options,
	}, nil
}

// Open connects the backend and verifies the schema version stored in
// the index, recording it on first use. A store written by a different
// schema version is refused.
func (e *Engine) Open(ctx context.Context) error {
	if err := e.backend.Open(ctx); err != nil {
		return err
	}

	err := e.transact(ctx, true, func(tx backend.Transaction) error {
		version, found, err := tx.LookupGlobalProperty(ctx, "", data.PropertySchemaVersion)
		if err != nil {
			return err
		}
		if !found {
			if err := tx.SetGlobalProperty(ctx, "", data.PropertySchemaVersion, data.SchemaVersion); err != nil {
				return err
			}
			return tx.SetGlobalProperty(ctx, "", data.PropertyPatchLevel, data.PatchLevel)
		}
		if version != data.SchemaVersion {
			return fmt.Errorf("%w: store has version %s, engine requires %s",
				data.ErrSchemaVersion, version, data.SchemaVersion)
		}
		return nil
	})
	if err != nil {
		e.backend.Close(ctx)
		return err
	}

	e.log.Info("index opened")
	return nil
}

func (e *Engine) Close(ctx context.Context) error {
	return e.backend.Close(ctx)
}

// Resource hierarchy

func (e *Engine) CreateResource(ctx context.Context, publicID string, level data.ResourceLevel) (int64, error) {
	var id int64
	err := e.transact(ctx, true, func(tx backend.Transaction) error {
		var err error
		id, err = tx.CreateResource(ctx, publicID, level)
		return err
	})

	return id, err
}

func (e *Engine) AttachChild(ctx context.Context, parentID, childID int64) error {
	return e.transact(ctx, true, func(tx backend.Transaction) error {
		return tx.AttachChild(ctx, parentID, childID)
	})
}

// DeleteResource removes a resource and its whole subtree, reporting
// the attachments that lost their owner, the deleted resources and the
// closest surviving ancestor.
func (e *Engine) DeleteResource(ctx context.Context, id int64) (*data.DeleteEvents, error) {
	var events *data.DeleteEvents
	err := e.transact(ctx, true, func(tx backend.Transaction) error {
		var err error
		events, err = tx.DeleteResource(ctx, id)
		return err
	})

	return events, err
}

// CreateInstance registers an instance and whatever part of its
// patient/study/series chain does not exist yet, atomically. Sending
// the same instance twice degrades to a lookup.
func (e *Engine) CreateInstance(ctx context.Context, hashes data.InstanceHashes) (*data.CreateInstanceResult, error) {
	var result *data.CreateInstanceResult
	err := e.transact(ctx, true, func(tx backend.Transaction) error {
		var err error
		result, err = tx.CreateInstance(ctx, hashes)
		return err
	})

	return result, err
}

func (e *Engine) LookupResource(ctx context.Context, publicID string) (int64, data.ResourceLevel, bool, error) {
	var (
		id    int64
		level data.ResourceLevel
		found bool
	)
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		id, level, found, err = tx.LookupResource(ctx, publicID)
		return err
	})

	return id, level, found, err
}

func (e *Engine) LookupResourceAndParent(ctx context.Context, publicID string) (int64, data.ResourceLevel, string, bool, error) {
	var (
		id     int64
		level  data.ResourceLevel
		parent string
		found  bool
	)
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		id, level, parent, found, err = tx.LookupResourceAndParent(ctx, publicID)
		return err
	})

	return id, level, parent, found, err
}

func (e *Engine) LookupParent(ctx context.Context, id int64) (int64, bool, error) {
	var (
		parent int64
		found  bool
	)
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		parent, found, err = tx.LookupParent(ctx, id)
		return err
	})

	return parent, found, err
}

func (e *Engine) GetPublicID(ctx context.Context, id int64) (string, error) {
	var publicID string
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		publicID, err = tx.GetPublicID(ctx, id)
		return err
	})

	return publicID, err
}

func (e *Engine) GetResourceLevel(ctx context.Context, id int64) (data.ResourceLevel, error) {
	var level data.ResourceLevel
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		level, err = tx.GetResourceLevel(ctx, id)
		return err
	})

	return level, err
}

func (e *Engine) GetChildrenInternalID(ctx context.Context, id int64) ([]int64, error) {
	var children []int64
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		children, err = tx.GetChildrenInternalID(ctx, id)
		return err
	})

	return children, err
}

func (e *Engine) GetChildrenPublicID(ctx context.Context, id int64) ([]string, error) {
	var children []string
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		children, err = tx.GetChildrenPublicID(ctx, id)
		return err
	})

	return children, err
}

func (e *Engine) GetAllInternalIDs(ctx context.Context, level data.ResourceLevel) ([]int64, error) {
	var ids []int64
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		ids, err = tx.GetAllInternalIDs(ctx, level)
		return err
	})

	return ids, err
}

func (e *Engine) GetAllPublicIDs(ctx context.Context, level data.ResourceLevel) ([]string, error) {
	var ids []string
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		ids, err = tx.GetAllPublicIDs(ctx, level)
		return err
	})

	return ids, err
}

func (e *Engine) GetAllPublicIDsSince(ctx context.Context, level data.ResourceLevel, since, limit int64) ([]string, error) {
	var ids []string
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		ids, err = tx.GetAllPublicIDsSince(ctx, level, since, limit)
		return err
	})

	return ids, err
}

func (e *Engine) GetResourcesCount(ctx context.Context, level data.ResourceLevel) (int64, error) {
	var count int64
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		count, err = tx.GetResourcesCount(ctx, level)
		return err
	})

	return count, err
}

func (e *Engine) IsExistingResource(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		exists, err = tx.IsExistingResource(ctx, id)
		return err
	})

	return exists, err
}

// Attachments

func (e *Engine) AddAttachment(ctx context.Context, id int64, attachment data.Attachment, revision int64) error {
	return e.transact(ctx, true, func(tx backend.Transaction) error {
		return tx.AddAttachment(ctx, id, attachment, revision)
	})
}

func (e *Engine) DeleteAttachment(ctx context.Context, id int64, contentType int32) (*data.Attachment, error) {
	var deleted *data.Attachment
	err := e.transact(ctx, true, func(tx backend.Transaction) error {
		var err error
		deleted, err = tx.DeleteAttachment(ctx, id, contentType)
		return err
	})

	return deleted, err
}

func (e *Engine) LookupAttachment(ctx context.Context, id int64, contentType int32) (data.Attachment, int64, bool, error) {
	var (
		attachment data.Attachment
		revision   int64
		found      bool
	)
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		attachment, revision, found, err = tx.LookupAttachment(ctx, id, contentType)
		return err
	})

	return attachment, revision, found, err
}

func (e *Engine) ListAvailableAttachments(ctx context.Context, id int64) ([]int32, error) {
	var types []int32
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		types, err = tx.ListAvailableAttachments(ctx, id)
		return err
	})

	return types, err
}

func (e *Engine) GetTotalCompressedSize(ctx context.Context) (int64, error) {
	var total int64
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		total, err = tx.GetTotalCompressedSize(ctx)
		return err
	})

	return total, err
}

func (e *Engine) GetTotalUncompressedSize(ctx context.Context) (int64, error) {
	var total int64
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		total, err = tx.GetTotalUncompressedSize(ctx)
		return err
	})

	return total, err
}

// PurgeDeletedAttachments removes the blob content of every attachment
// reported by a delete. Requires a configured blob store.
func (e *Engine) PurgeDeletedAttachments(ctx context.Context, events *data.DeleteEvents) error {
	if e.opts.Blobs == nil {
		return fmt.Errorf("%w: no blob store configured", data.ErrInvalidState)
	}
	if events == nil {
		return nil
	}

	for _, attachment := range events.Attachments {
		if err := e.opts.Blobs.Remove(ctx, attachment.UUID); err != nil {
			return err
		}
		e.log.Debug("purged blob %s", attachment.UUID)
	}

	return nil
}

// Metadata

func (e *Engine) SetMetadata(ctx context.Context, id int64, metadataType int32, value string, revision int64) error {
	return e.transact(ctx, true, func(tx backend.Transaction) error {
		return tx.SetMetadata(ctx, id, metadataType, value, revision)
	})
}

func (e *Engine) DeleteMetadata(ctx context.Context, id int64, metadataType int32) error {
	return e.transact(ctx, true, func(tx backend.Transaction) error {
		return tx.DeleteMetadata(ctx, id, metadataType)
	})
}

func (e *Engine) LookupMetadata(ctx context.Context, id int64, metadataType int32) (string, int64, bool, error) {
	var (
		value    string
		revision int64
		found    bool
	)
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		value, revision, found, err = tx.LookupMetadata(ctx, id, metadataType)
		return err
	})

	return value, revision, found, err
}

func (e *Engine) ListAvailableMetadata(ctx context.Context, id int64) ([]int32, error) {
	var types []int32
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		types, err = tx.ListAvailableMetadata(ctx, id)
		return err
	})

	return types, err
}

func (e *Engine) GetAllMetadata(ctx context.Context, id int64) (map[int32]string, error) {
	var all map[int32]string
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		all, err = tx.GetAllMetadata(ctx, id)
		return err
	})

	return all, err
}

func (e *Engine) GetChildrenMetadata(ctx context.Context, id int64, metadataType int32) ([]string, error) {
	var values []string
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		values, err = tx.GetChildrenMetadata(ctx, id, metadataType)
		return err
	})

	return values, err
}

// Tags

func (e *Engine) SetMainDicomTag(ctx context.Context, id int64, tag data.Tag) error {
	return e.transact(ctx, true, func(tx backend.Transaction) error {
		return tx.SetMainDicomTag(ctx, id, tag)
	})
}

func (e *Engine) SetIdentifierTag(ctx context.Context, id int64, tag data.Tag) error {
	return e.transact(ctx, true, func(tx backend.Transaction) error {
		return tx.SetIdentifierTag(ctx, id, tag)
	})
}

func (e *Engine) GetMainDicomTags(ctx context.Context, id int64) ([]data.Tag, error) {
	var tags []data.Tag
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		tags, err = tx.GetMainDicomTags(ctx, id)
		return err
	})

	return tags, err
}

func (e *Engine) ClearMainDicomTags(ctx context.Context, id int64) error {
	return e.transact(ctx, true, func(tx backend.Transaction) error {
		return tx.ClearMainDicomTags(ctx, id)
	})
}

// SetResourcesContent bulk-writes the tags and metadata of freshly
// registered resources in one transaction.
func (e *Engine) SetResourcesContent(ctx context.Context, identifierTags, mainTags []data.ContentTag, metadata []data.ContentMetadata) error {
	return e.transact(ctx, true, func(tx backend.Transaction) error {
		return tx.SetResourcesContent(ctx, identifierTags, mainTags, metadata)
	})
}

// Queries

func (e *Engine) LookupIdentifier(ctx context.Context, level data.ResourceLevel, group, element uint16, constraint data.ConstraintType, value string) ([]int64, error) {
	var ids []int64
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		ids, err = tx.LookupIdentifier(ctx, level, group, element, constraint, value)
		return err
	})

	return ids, err
}

func (e *Engine) LookupIdentifierRange(ctx context.Context, level data.ResourceLevel, group, element uint16, start, end string) ([]int64, error) {
	var ids []int64
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		ids, err = tx.LookupIdentifierRange(ctx, level, group, element, start, end)
		return err
	})

	return ids, err
}

func (e *Engine) LookupResources(ctx context.Context, query data.ResourceQuery) ([]data.LookupAnswer, error) {
	var answers []data.LookupAnswer
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		answers, err = tx.LookupResources(ctx, query)
		return err
	})

	return answers, err
}

// Change and export logs

func (e *Engine) LogChange(ctx context.Context, changeType int32, resourceID int64, level data.ResourceLevel, date string) error {
	return e.transact(ctx, true, func(tx backend.Transaction) error {
		return tx.LogChange(ctx, changeType, resourceID, level, date)
	})
}

func (e *Engine) GetChanges(ctx context.Context, since int64, maxResults uint32) ([]data.Change, bool, error) {
	var (
		changes []data.Change
		done    bool
	)
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		changes, done, err = tx.GetChanges(ctx, since, maxResults)
		return err
	})

	return changes, done, err
}

func (e *Engine) GetLastChange(ctx context.Context) (data.Change, bool, error) {
	var (
		change data.Change
		found  bool
	)
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		change, found, err = tx.GetLastChange(ctx)
		return err
	})

	return change, found, err
}

func (e *Engine) ClearChanges(ctx context.Context) error {
	return e.transact(ctx, true, func(tx backend.Transaction) error {
		return tx.ClearChanges(ctx)
	})
}

func (e *Engine) LogExportedResource(ctx context.Context, exported data.ExportedResource) error {
	return e.transact(ctx, true, func(tx backend.Transaction) error {
		return tx.LogExportedResource(ctx, exported)
	})
}

func (e *Engine) GetExportedResources(ctx context.Context, since int64, maxResults uint32) ([]data.ExportedResource, bool, error) {
	var (
		exported []data.ExportedResource
		done     bool
	)
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		exported, done, err = tx.GetExportedResources(ctx, since, maxResults)
		return err
	})

	return exported, done, err
}

func (e *Engine) GetLastExportedResource(ctx context.Context) (data.ExportedResource, bool, error) {
	var (
		exported data.ExportedResource
		found    bool
	)
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		exported, found, err = tx.GetLastExportedResource(ctx)
		return err
	})

	return exported, found, err
}

func (e *Engine) ClearExportedResources(ctx context.Context) error {
	return e.transact(ctx, true, func(tx backend.Transaction) error {
		return tx.ClearExportedResources(ctx)
	})
}

// Properties

// SetGlobalProperty stores a property in the global scope (empty
// serverID) or the scope of one server. When a property store overlay
// is configured the value goes there instead of the index backend.
func (e *Engine) SetGlobalProperty(ctx context.Context, serverID string, property int32, value string) error {
	if e.opts.Properties != nil {
		return e.opts.Properties.SetProperty(ctx, serverID, property, value)
	}

	return e.transact(ctx, true, func(tx backend.Transaction) error {
		return tx.SetGlobalProperty(ctx, serverID, property, value)
	})
}

func (e *Engine) LookupGlobalProperty(ctx context.Context, serverID string, property int32) (string, bool, error) {
	if e.opts.Properties != nil {
		return e.opts.Properties.LookupProperty(ctx, serverID, property)
	}

	var (
		value string
		found bool
	)
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		value, found, err = tx.LookupGlobalProperty(ctx, serverID, property)
		return err
	})

	return value, found, err
}

// Patient recycling

func (e *Engine) SetProtectedPatient(ctx context.Context, id int64, protected bool) error {
	return e.transact(ctx, true, func(tx backend.Transaction) error {
		return tx.SetProtectedPatient(ctx, id, protected)
	})
}

func (e *Engine) IsProtectedPatient(ctx context.Context, id int64) (bool, error) {
	var protected bool
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		protected, err = tx.IsProtectedPatient(ctx, id)
		return err
	})

	return protected, err
}

func (e *Engine) SelectPatientToRecycle(ctx context.Context, avoidID int64) (int64, bool, error) {
	var (
		patientID int64
		found     bool
	)
	err := e.transact(ctx, false, func(tx backend.Transaction) error {
		var err error
		patientID, found, err = tx.SelectPatientToRecycle(ctx, avoidID)
		return err
	})

	return patientID, found, err
}

func (e *Engine) TagMostRecentPatient(ctx context.Context, id int64) error {
	return e.transact(ctx, true, func(tx backend.Transaction) error {
		return tx.TagMostRecentPatient(ctx, id)
	})
}
