package backend

import (
	"context"

	"github.com/mwantia/pacsindex/data"
)

// Names of the persistent counters handed to the sequence generator.
// A counter is the single serialization point across concurrent creators
// of its kind of entity.
const (
	SequenceResources = "Resources"
	SequenceChanges   = "Changes"
	SequenceExported  = "ExportedResources"
	SequenceRecycling = "PatientRecyclingOrder"
)

// Backend is the storage contract of the index engine. One engine talks
// to exactly one backend; implementations exist for an in-memory store,
// SQLite and PostgreSQL. Every implementation provides its own
// translation of constraint queries in LookupResources.
type Backend interface {
	// Name returns the identifier name defined for this backend.
	Name() string
	// Open is part of the lifecycle behaviour and gets called once
	// before the first transaction.
	Open(ctx context.Context) error
	// Close is part of the lifecycle behaviour and gets called when
	// shutting down the engine.
	Close(ctx context.Context) error

	// Begin opens a transaction. Write transactions observe their own
	// writes immediately; across transactions the backend guarantees at
	// least read-committed isolation and reports racing writers with
	// data.ErrConflict.
	Begin(ctx context.Context, write bool) (Transaction, error)
}

// Transaction carries one index operation set bound to a single backend
// transaction. After Commit or Rollback the transaction is closed and
// every further call returns data.ErrInvalidState.
type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Resource store

	CreateResource(ctx context.Context, publicID string, level data.ResourceLevel) (int64, error)
	AttachChild(ctx context.Context, parentID, childID int64) error
	DeleteResource(ctx context.Context, id int64) (*data.DeleteEvents, error)
	CreateInstance(ctx context.Context, hashes data.InstanceHashes) (*data.CreateInstanceResult, error)
	LookupResource(ctx context.Context, publicID string) (int64, data.ResourceLevel, bool, error)
	LookupResourceAndParent(ctx context.Context, publicID string) (int64, data.ResourceLevel, string, bool, error)
	LookupParent(ctx context.Context, id int64) (int64, bool, error)
	GetPublicID(ctx context.Context, id int64) (string, error)
	GetResourceLevel(ctx context.Context, id int64) (data.ResourceLevel, error)
	GetChildrenInternalID(ctx context.Context, id int64) ([]int64, error)
	GetChildrenPublicID(ctx context.Context, id int64) ([]string, error)
	GetAllInternalIDs(ctx context.Context, level data.ResourceLevel) ([]int64, error)
	GetAllPublicIDs(ctx context.Context, level data.ResourceLevel) ([]string, error)
	GetAllPublicIDsSince(ctx context.Context, level data.ResourceLevel, since, limit int64) ([]string, error)
	GetResourcesCount(ctx context.Context, level data.ResourceLevel) (int64, error)
	IsExistingResource(ctx context.Context, id int64) (bool, error)

	// Attachment catalog

	AddAttachment(ctx context.Context, id int64, attachment data.Attachment, revision int64) error
	DeleteAttachment(ctx context.Context, id int64, contentType int32) (*data.Attachment, error)
	LookupAttachment(ctx context.Context, id int64, contentType int32) (data.Attachment, int64, bool, error)
	ListAvailableAttachments(ctx context.Context, id int64) ([]int32, error)
	GetTotalCompressedSize(ctx context.Context) (int64, error)
	GetTotalUncompressedSize(ctx context.Context) (int64, error)

	// Metadata catalog

	SetMetadata(ctx context.Context, id int64, metadataType int32, value string, revision int64) error
	DeleteMetadata(ctx context.Context, id int64, metadataType int32) error
	LookupMetadata(ctx context.Context, id int64, metadataType int32) (string, int64, bool, error)
	ListAvailableMetadata(ctx context.Context, id int64) ([]int32, error)
	GetAllMetadata(ctx context.Context, id int64) (map[int32]string, error)
	GetChildrenMetadata(ctx context.Context, id int64, metadataType int32) ([]string, error)

	// Tag namespaces

	SetMainDicomTag(ctx context.Context, id int64, tag data.Tag) error
	SetIdentifierTag(ctx context.Context, id int64, tag data.Tag) error
	GetMainDicomTags(ctx context.Context, id int64) ([]data.Tag, error)
	ClearMainDicomTags(ctx context.Context, id int64) error
	SetResourcesContent(ctx context.Context, identifierTags, mainTags []data.ContentTag, metadata []data.ContentMetadata) error

	// Constraint lookups

	LookupIdentifier(ctx context.Context, level data.ResourceLevel, group, element uint16, constraint data.ConstraintType, value string) ([]int64, error)
	LookupIdentifierRange(ctx context.Context, level data.ResourceLevel, group, element uint16, start, end string) ([]int64, error)
	LookupResources(ctx context.Context, query data.ResourceQuery) ([]data.LookupAnswer, error)

	// Event logs

	LogChange(ctx context.Context, changeType int32, resourceID int64, level data.ResourceLevel, date string) error
	GetChanges(ctx context.Context, since int64, maxResults uint32) ([]data.Change, bool, error)
	GetLastChange(ctx context.Context) (data.Change, bool, error)
	ClearChanges(ctx context.Context) error
	LogExportedResource(ctx context.Context, exported data.ExportedResource) error
	GetExportedResources(ctx context.Context, since int64, maxResults uint32) ([]data.ExportedResource, bool, error)
	GetLastExportedResource(ctx context.Context) (data.ExportedResource, bool, error)
	ClearExportedResources(ctx context.Context) error

	// Properties

	SetGlobalProperty(ctx context.Context, serverID string, property int32, value string) error
	LookupGlobalProperty(ctx context.Context, serverID string, property int32) (string, bool, error)

	// Patient recycling

	SetProtectedPatient(ctx context.Context, id int64, protected bool) error
	IsProtectedPatient(ctx context.Context, id int64) (bool, error)
	SelectPatientToRecycle(ctx context.Context, avoidID int64) (int64, bool, error)
	TagMostRecentPatient(ctx context.Context, id int64) error
}
