// Package registry publishes provider instances and resolves them for
// consumers.
//
// Instances live in a backing Store under a hierarchical namespace:
//
//	Key:   {namespace}/{ServiceName}/{ServiceVersion}/{Addr}
//	Value: JSON-encoded message.ServiceInstance
//
// Every entry is ephemeral: when the owning provider disappears the store
// drops it (etcd lease expiry). Consumers keep a local candidate list per
// ServiceKey that is rebuilt from store change notifications, so Discover
// never touches the network on the hot path.
package registry

import (
	"context"

	"github.com/bxd/mini-rpc/message"
)

// DefaultNamespace prefixes every key written by the registry.
const DefaultNamespace = "/mini-rpc"

// Registry is the service registry used by providers and consumers.
type Registry interface {
	// Register publishes the instance. Calling it again for the same
	// instance overwrites the entry instead of adding a second one.
	Register(ctx context.Context, instance message.ServiceInstance) error

	// Unregister removes the instance; removing an absent entry is not an error.
	Unregister(ctx context.Context, instance message.ServiceInstance) error

	// Discover returns one live instance of name/version chosen with the
	// routing hint.
	Discover(ctx context.Context, name, version, hint string) (*message.ServiceInstance, error)

	// Destroy releases the backing store. Every later call fails with
	// rpcerr.ErrRegistryClosed.
	Destroy() error
}

// KeyValue is one entry read back from a Store.
type KeyValue struct {
	Key   string
	Value []byte
}

// Store is the coordination store behind the registry.
type Store interface {
	// Put writes an ephemeral entry tied to this store's liveness.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Missing keys are ignored.
	Delete(ctx context.Context, key string) error

	// List returns every entry under prefix.
	List(ctx context.Context, prefix string) ([]KeyValue, error)

	// Watch signals on the returned channel after any change under prefix.
	// Notifications may be coalesced. The channel is closed when ctx is
	// done or the store shuts down.
	Watch(ctx context.Context, prefix string) <-chan struct{}

	Close() error
}

// SessionStore is a Store whose entries live only as long as a session,
// such as an etcd lease. SessionLost signals after a session ended; entries
// written before that may already be gone.
type SessionStore interface {
	Store
	SessionLost() <-chan struct{}
}

func servicePrefix(namespace, name, version string) string {
	return namespace + "/" + name + "/" + version + "/"
}

func instanceKey(namespace string, inst message.ServiceInstance) string {
	return servicePrefix(namespace, inst.Name, inst.Version) + inst.Addr
}
