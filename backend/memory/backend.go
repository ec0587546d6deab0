package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mwantia/pacsindex/backend"
	"github.com/mwantia/pacsindex/data"
	"github.com/tidwall/btree"
)

// MemoryBackend keeps the whole index in process memory. Transactions
// are snapshot based: a write transaction clones the table set (the
// b-trees copy lazily), mutates the clone and publishes it atomically on
// commit. Readers work on the snapshot current at Begin time and never
// block writers. Writers serialize on a mutex, so write conflicts cannot
// occur.
//
// Primarily used by unit tests and as the reference for the SQL
// backends' semantics.
type MemoryBackend struct {
	writeMu sync.Mutex
	state   atomic.Pointer[tables]
	open    atomic.Bool
}

type attachmentRow struct {
	data.Attachment
	Revision int64
}

type changeRow struct {
	Seq        int64
	ChangeType int32
	ResourceID int64
	Level      data.ResourceLevel
	Date       string
}

// tables is one immutable-after-publish snapshot of the store. The
// b-trees share structure between snapshots; the small plain maps are
// copied eagerly by clone().
type tables struct {
	sequences map[string]int64

	resources *btree.Map[int64, data.Resource]
	publicIDs *btree.Map[string, int64]

	attachments    *btree.Map[int64, map[int32]attachmentRow]
	metadata       *btree.Map[int64, map[int32]data.Metadata]
	mainTags       *btree.Map[int64, []data.Tag]
	identifierTags *btree.Map[int64, []data.Tag]

	changes   *btree.Map[int64, changeRow]
	exported  *btree.Map[int64, data.ExportedResource]
	recycling *btree.Map[int64, int64] // seq -> patient id

	globalProps map[int32]string
	serverProps map[string]map[int32]string
}

func newTables() *tables {
	return &tables{
		sequences:      make(map[string]int64),
		resources:      btree.NewMap[int64, data.Resource](0),
		publicIDs:      btree.NewMap[string, int64](0),
		attachments:    btree.NewMap[int64, map[int32]attachmentRow](0),
		metadata:       btree.NewMap[int64, map[int32]data.Metadata](0),
		mainTags:       btree.NewMap[int64, []data.Tag](0),
		identifierTags: btree.NewMap[int64, []data.Tag](0),
		changes:        btree.NewMap[int64, changeRow](0),
		exported:       btree.NewMap[int64, data.ExportedResource](0),
		recycling:      btree.NewMap[int64, int64](0),
		globalProps:    make(map[int32]string),
		serverProps:    make(map[string]map[int32]string),
	}
}

func (t *tables) clone() *tables {
	c := &tables{
		sequences:      make(map[string]int64, len(t.sequences)),
		resources:      t.resources.Copy(),
		publicIDs:      t.publicIDs.Copy(),
		attachments:    t.attachments.Copy(),
		metadata:       t.metadata.Copy(),
		mainTags:       t.mainTags.Copy(),
		identifierTags: t.identifierTags.Copy(),
		changes:        t.changes.Copy(),
		exported:       t.exported.Copy(),
		recycling:      t.recycling.Copy(),
		globalProps:    make(map[int32]string, len(t.globalProps)),
		serverProps:    make(map[string]map[int32]string, len(t.serverProps)),
	}
	for k, v := range t.sequences {
		c.sequences[k] = v
	}
	for k, v := range t.globalProps {
		c.globalProps[k] = v
	}
	for server, props := range t.serverProps {
		inner := make(map[int32]string, len(props))
		for k, v := range props {
			inner[k] = v
		}
		c.serverProps[server] = inner
	}

	return c
}

// nextSequence allocates the next value of a named counter.
func (t *tables) nextSequence(name string) int64 {
	t.sequences[name]++
	return t.sequences[name]
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Name returns the identifier name defined for this backend.
func (*MemoryBackend) Name() string {
	return "memory"
}

func (mb *MemoryBackend) Open(ctx context.Context) error {
	if mb.open.Swap(true) {
		return nil
	}
	mb.state.Store(newTables())

	return nil
}

func (mb *MemoryBackend) Close(ctx context.Context) error {
	mb.open.Store(false)
	return nil
}

func (mb *MemoryBackend) Begin(ctx context.Context, write bool) (backend.Transaction, error) {
	if !mb.open.Load() {
		return nil, data.ErrBackendUnavailable
	}

	if write {
		mb.writeMu.Lock()
		return &memoryTx{backend: mb, tables: mb.state.Load().clone(), write: true}, nil
	}

	return &memoryTx{backend: mb, tables: mb.state.Load()}, nil
}
