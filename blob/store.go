package blob

import (
	"context"

	"github.com/google/uuid"
)

// Store holds attachment content outside the index, addressed purely by
// uuid. The index keeps the catalog entry; the store keeps the bytes.
type Store interface {
	// Name returns the identifier name defined for this store.
	Name() string

	// Create stores content under the uuid. An existing blob with the
	// same uuid is overwritten.
	Create(ctx context.Context, id string, content []byte) error

	// Read returns the content stored under the uuid, or
	// data.ErrUnknownBlob when nothing is stored.
	Read(ctx context.Context, id string) ([]byte, error)

	// Remove deletes the blob. Removing an unknown uuid is not an
	// error; deletion only has to be idempotent.
	Remove(ctx context.Context, id string) error

	// Exists reports whether content is stored under the uuid.
	Exists(ctx context.Context, id string) (bool, error)
}

// NewUUID generates a fresh blob identifier.
func NewUUID() string {
	return uuid.NewString()
}
