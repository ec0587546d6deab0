// Package properties offers an overlay store for the global and
// per-server properties of an index. Deployments sharing one index
// across several servers can point this at a shared KV service so
// configuration state follows the fleet instead of a single process.
package properties

import "context"

// Store holds int32-keyed string properties in two scopes: the global
// scope (empty server identifier) shared by every server using the
// index, and one scope per server identifier.
type Store interface {
	// Name returns the identifier name defined for this store.
	Name() string

	// SetProperty stores a property, overwriting any previous value.
	SetProperty(ctx context.Context, serverID string, property int32, value string) error

	// LookupProperty returns the stored value and whether one exists.
	LookupProperty(ctx context.Context, serverID string, property int32) (string, bool, error)
}
