package blob

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/mwantia/pacsindex/data"
)

// TestStoreFactory creates a new store instance for testing.
type TestStoreFactory func(t *testing.T) Store

// GetTestStoreFactories returns all store implementations to test. The
// s3 store needs external infrastructure and is covered separately.
func GetTestStoreFactories() map[string]TestStoreFactory {
	return map[string]TestStoreFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"local": func(t *testing.T) Store {
			return NewLocalStore(t.TempDir())
		},
	}
}

func TestAllStores_RoundTrip(t *testing.T) {
	for name, factory := range GetTestStoreFactories() {
		t.Run(name, func(tst *testing.T) {
			ctx := context.Background()
			store := factory(tst)

			id := NewUUID()
			content := []byte("attachment content")

			if err := store.Create(ctx, id, content); err != nil {
				tst.Fatalf("Create failed: %v", err)
			}

			exists, err := store.Exists(ctx, id)
			if err != nil || !exists {
				tst.Fatalf("Expected blob to exist, got %v (err=%v)", exists, err)
			}

			got, err := store.Read(ctx, id)
			if err != nil {
				tst.Fatalf("Read failed: %v", err)
			}
			if !bytes.Equal(got, content) {
				tst.Errorf("Expected %q, got %q", content, got)
			}

			if err := store.Remove(ctx, id); err != nil {
				tst.Fatalf("Remove failed: %v", err)
			}
			if _, err := store.Read(ctx, id); !errors.Is(err, data.ErrUnknownBlob) {
				tst.Errorf("Expected ErrUnknownBlob after removal, got %v", err)
			}

			// Removing again stays silent.
			if err := store.Remove(ctx, id); err != nil {
				tst.Errorf("Expected idempotent removal, got %v", err)
			}
		})
	}
}

func TestAllStores_Overwrite(t *testing.T) {
	for name, factory := range GetTestStoreFactories() {
		t.Run(name, func(tst *testing.T) {
			ctx := context.Background()
			store := factory(tst)

			id := NewUUID()
			if err := store.Create(ctx, id, []byte("first")); err != nil {
				tst.Fatalf("Create failed: %v", err)
			}
			if err := store.Create(ctx, id, []byte("second")); err != nil {
				tst.Fatalf("Overwrite failed: %v", err)
			}

			got, err := store.Read(ctx, id)
			if err != nil || string(got) != "second" {
				tst.Errorf("Expected second, got %q (err=%v)", got, err)
			}
		})
	}
}

func TestAllStores_MissingBlob(t *testing.T) {
	for name, factory := range GetTestStoreFactories() {
		t.Run(name, func(tst *testing.T) {
			ctx := context.Background()
			store := factory(tst)

			id := NewUUID()
			if exists, err := store.Exists(ctx, id); err != nil || exists {
				tst.Errorf("Expected miss, got %v (err=%v)", exists, err)
			}
			if _, err := store.Read(ctx, id); !errors.Is(err, data.ErrUnknownBlob) {
				tst.Errorf("Expected ErrUnknownBlob, got %v", err)
			}
		})
	}
}

func TestNewUUID(t *testing.T) {
	a, b := NewUUID(), NewUUID()
	if a == b {
		t.Error("Expected unique identifiers")
	}
	if len(a) != 36 {
		t.Errorf("Expected canonical uuid form, got %q", a)
	}
}
