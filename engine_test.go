package pacsindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mwantia/pacsindex/backend"
	"github.com/mwantia/pacsindex/backend/memory"
	"github.com/mwantia/pacsindex/blob"
	"github.com/mwantia/pacsindex/data"
)

// conflictBackend wraps a real backend and fails the first commits with
// a conflict to exercise the retry loop.
type conflictBackend struct {
	backend.Backend

	mu       sync.Mutex
	failures int
	begins   int
}

func (cb *conflictBackend) Begin(ctx context.Context, write bool) (backend.Transaction, error) {
	cb.mu.Lock()
	cb.begins++
	cb.mu.Unlock()

	tx, err := cb.Backend.Begin(ctx, write)
	if err != nil {
		return nil, err
	}

	return &conflictTx{Transaction: tx, backend: cb}, nil
}

type conflictTx struct {
	backend.Transaction
	backend *conflictBackend
}

func (ct *conflictTx) Commit(ctx context.Context) error {
	ct.backend.mu.Lock()
	fail := ct.backend.failures > 0
	if fail {
		ct.backend.failures--
	}
	ct.backend.mu.Unlock()

	if fail {
		ct.Transaction.Rollback(ctx)
		return data.ErrConflict
	}

	return ct.Transaction.Commit(ctx)
}

func openEngine(t *testing.T, b backend.Backend, opts ...Option) *Engine {
	t.Helper()

	engine, err := NewEngine(b, opts...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := engine.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		engine.Close(context.Background())
	})

	return engine
}

func TestEngineRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	cb := &conflictBackend{Backend: memory.NewMemoryBackend()}
	engine := openEngine(t, cb, WithMaxRetries(5))

	cb.mu.Lock()
	cb.failures = 2
	cb.begins = 0
	cb.mu.Unlock()

	id, err := engine.CreateResource(ctx, "retry-patient", data.LevelPatient)
	if err != nil {
		t.Fatalf("CreateResource failed after retries: %v", err)
	}
	if id == 0 {
		t.Error("Expected a valid internal id")
	}

	cb.mu.Lock()
	begins := cb.begins
	cb.mu.Unlock()
	if begins != 3 {
		t.Errorf("Expected 3 attempts (2 conflicts + success), got %d", begins)
	}

	if _, _, found, err := engine.LookupResource(ctx, "retry-patient"); err != nil || !found {
		t.Errorf("Expected resource to exist, found=%v err=%v", found, err)
	}
}

func TestEngineGivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	cb := &conflictBackend{Backend: memory.NewMemoryBackend()}
	engine := openEngine(t, cb, WithMaxRetries(2))

	cb.mu.Lock()
	cb.failures = 10
	cb.mu.Unlock()

	start := time.Now()
	_, err := engine.CreateResource(ctx, "doomed-patient", data.LevelPatient)
	if !errors.Is(err, data.ErrConflict) {
		t.Fatalf("Expected ErrConflict after exhausted retries, got %v", err)
	}

	// Only the sleep between the two attempts may pass; the final
	// failure must surface without another backoff.
	if elapsed := time.Since(start); elapsed >= 300*time.Millisecond {
		t.Errorf("Expected the final conflict to surface without a trailing backoff, took %v", elapsed)
	}
}

func TestEngineDoesNotRetryFatalErrors(t *testing.T) {
	ctx := context.Background()
	cb := &conflictBackend{Backend: memory.NewMemoryBackend()}
	engine := openEngine(t, cb)

	if _, err := engine.CreateResource(ctx, "dup-patient", data.LevelPatient); err != nil {
		t.Fatalf("CreateResource failed: %v", err)
	}

	cb.mu.Lock()
	cb.begins = 0
	cb.mu.Unlock()

	_, err := engine.CreateResource(ctx, "dup-patient", data.LevelPatient)
	if !errors.Is(err, data.ErrDuplicateResource) {
		t.Fatalf("Expected ErrDuplicateResource, got %v", err)
	}

	cb.mu.Lock()
	begins := cb.begins
	cb.mu.Unlock()
	if begins != 1 {
		t.Errorf("Expected a single attempt for a fatal error, got %d", begins)
	}
}

func TestEngineOpenChecksSchemaVersion(t *testing.T) {
	ctx := context.Background()
	b := memory.NewMemoryBackend()

	// Stamp the store with an incompatible version before opening.
	if err := b.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	tx, err := b.Begin(ctx, true)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.SetGlobalProperty(ctx, "", data.PropertySchemaVersion, "999"); err != nil {
		t.Fatalf("SetGlobalProperty failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	engine, err := NewEngine(b)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := engine.Open(ctx); !errors.Is(err, data.ErrSchemaVersion) {
		t.Fatalf("Expected ErrSchemaVersion, got %v", err)
	}
}

func TestEngineOpenRecordsSchemaVersion(t *testing.T) {
	ctx := context.Background()
	engine := openEngine(t, memory.NewMemoryBackend())

	version, found, err := engine.LookupGlobalProperty(ctx, "", data.PropertySchemaVersion)
	if err != nil || !found || version != data.SchemaVersion {
		t.Errorf("Expected recorded version %s, got %q (found=%v err=%v)", data.SchemaVersion, version, found, err)
	}
	patch, found, err := engine.LookupGlobalProperty(ctx, "", data.PropertyPatchLevel)
	if err != nil || !found || patch != data.PatchLevel {
		t.Errorf("Expected recorded patch level %s, got %q (found=%v err=%v)", data.PatchLevel, patch, found, err)
	}
}

func TestEnginePurgeDeletedAttachments(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore()
	engine := openEngine(t, memory.NewMemoryBackend(), WithBlobStore(blobs))

	result, err := engine.CreateInstance(ctx, data.InstanceHashes{
		Patient:  "purge-patient",
		Study:    "purge-study",
		Series:   "purge-series",
		Instance: "purge-instance",
	})
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	id := blob.NewUUID()
	if err := blobs.Create(ctx, id, []byte("pixels")); err != nil {
		t.Fatalf("blob Create failed: %v", err)
	}
	attachment := data.Attachment{UUID: id, ContentType: 1, UncompressedSize: 6, CompressedSize: 6}
	if err := engine.AddAttachment(ctx, result.Instance.ID, attachment, 0); err != nil {
		t.Fatalf("AddAttachment failed: %v", err)
	}

	events, err := engine.DeleteResource(ctx, result.Patient.ID)
	if err != nil {
		t.Fatalf("DeleteResource failed: %v", err)
	}
	if len(events.Attachments) != 1 || events.Attachments[0].UUID != id {
		t.Fatalf("Expected the attachment in delete events, got %+v", events.Attachments)
	}

	if err := engine.PurgeDeletedAttachments(ctx, events); err != nil {
		t.Fatalf("PurgeDeletedAttachments failed: %v", err)
	}
	if exists, err := blobs.Exists(ctx, id); err != nil || exists {
		t.Errorf("Expected blob to be gone, exists=%v err=%v", exists, err)
	}
}

// mapPropertyStore is an in-memory properties.Store used to verify
// overlay routing.
type mapPropertyStore struct {
	mu     sync.Mutex
	values map[string]string
}

func (*mapPropertyStore) Name() string { return "map" }

func (ms *mapPropertyStore) SetProperty(ctx context.Context, serverID string, property int32, value string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.values[key(serverID, property)] = value
	return nil
}

func (ms *mapPropertyStore) LookupProperty(ctx context.Context, serverID string, property int32) (string, bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	value, ok := ms.values[key(serverID, property)]
	return value, ok, nil
}

func key(serverID string, property int32) string {
	return fmt.Sprintf("%s/%d", serverID, property)
}

func TestEnginePropertyOverlay(t *testing.T) {
	ctx := context.Background()
	overlay := &mapPropertyStore{values: make(map[string]string)}
	b := memory.NewMemoryBackend()
	engine := openEngine(t, b, WithPropertyStore(overlay))

	if err := engine.SetGlobalProperty(ctx, "server-a", 42, "overlaid"); err != nil {
		t.Fatalf("SetGlobalProperty failed: %v", err)
	}

	value, found, err := engine.LookupGlobalProperty(ctx, "server-a", 42)
	if err != nil || !found || value != "overlaid" {
		t.Errorf("Expected overlaid, got %q (found=%v err=%v)", value, found, err)
	}

	// The backend itself never sees overlaid properties.
	tx, err := b.Begin(ctx, false)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback(ctx)
	if _, found, err := tx.LookupGlobalProperty(ctx, "server-a", 42); err != nil || found {
		t.Errorf("Expected backend miss, found=%v err=%v", found, err)
	}
}
