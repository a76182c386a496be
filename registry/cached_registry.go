package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bxd/mini-rpc/loadbalance"
	"github.com/bxd/mini-rpc/message"
	"github.com/bxd/mini-rpc/rpcerr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	rewatchMinDelay = 50 * time.Millisecond
	rewatchMaxDelay = 5 * time.Second
)

// CachedRegistry implements Registry over any Store.
//
// Discover reads a per-ServiceKey candidate list held behind an atomic
// pointer. The first Discover for a key loads the list and starts a watch;
// each watch signal re-reads the prefix and swaps in a new sorted slice, so
// readers see either the old list or the new one, never a partial rebuild.
// If the store becomes unreachable the last list keeps serving.
type CachedRegistry struct {
	store     Store
	balancer  loadbalance.Balancer
	namespace string
	logger    *zap.Logger

	ctx    context.Context // Cancelled by Destroy, stops every watch
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*cacheEntry // ServiceKey → candidates

	ownMu sync.Mutex
	own   map[string][]byte // Instances registered through this registry, by store key
}

type cacheEntry struct {
	mu         sync.Mutex // Serializes the initial load
	loaded     bool
	candidates atomic.Pointer[[]message.ServiceInstance]
}

// Option configures a CachedRegistry.
type Option func(*CachedRegistry)

// WithBalancer replaces the default hash balancer.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(r *CachedRegistry) { r.balancer = b }
}

// WithNamespace changes the key prefix (default "/mini-rpc").
func WithNamespace(ns string) Option {
	return func(r *CachedRegistry) { r.namespace = ns }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *CachedRegistry) { r.logger = l }
}

// NewCachedRegistry builds a registry on top of store. The registry owns
// the store: Destroy closes it.
func NewCachedRegistry(store Store, opts ...Option) *CachedRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &CachedRegistry{
		store:     store,
		balancer:  &loadbalance.HashBalancer{},
		namespace: DefaultNamespace,
		logger:    zap.NewNop(),
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*cacheEntry),
		own:       make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(r)
	}
	if ss, ok := store.(SessionStore); ok {
		r.wg.Add(1)
		go r.reregisterLoop(ss.SessionLost())
	}
	return r
}

func (r *CachedRegistry) Register(ctx context.Context, instance message.ServiceInstance) error {
	if r.closed.Load() {
		return rpcerr.ErrRegistryClosed
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return errors.Wrap(err, "marshal instance")
	}

	key := instanceKey(r.namespace, instance)
	if err := r.store.Put(ctx, key, val); err != nil {
		return err
	}
	r.ownMu.Lock()
	r.own[key] = val
	r.ownMu.Unlock()
	r.logger.Info("service registered", zap.String("key", key))
	return nil
}

func (r *CachedRegistry) Unregister(ctx context.Context, instance message.ServiceInstance) error {
	if r.closed.Load() {
		return rpcerr.ErrRegistryClosed
	}

	key := instanceKey(r.namespace, instance)
	r.ownMu.Lock()
	delete(r.own, key)
	r.ownMu.Unlock()
	if err := r.store.Delete(ctx, key); err != nil {
		return err
	}
	r.logger.Info("service unregistered", zap.String("key", key))
	return nil
}

// Discover picks one instance from the cached candidate list. Only the
// first call for a ServiceKey reaches the store.
func (r *CachedRegistry) Discover(ctx context.Context, name, version, hint string) (*message.ServiceInstance, error) {
	if r.closed.Load() {
		return nil, rpcerr.ErrRegistryClosed
	}

	entry, err := r.entry(ctx, name, version)
	if err != nil {
		return nil, err
	}

	candidates := *entry.candidates.Load()
	inst, err := r.balancer.Pick(candidates, hint)
	if err != nil {
		return nil, errors.Wrapf(err, "discover %s", message.ServiceKey(name, version))
	}
	picked := *inst
	return &picked, nil
}

// Candidates returns the cached candidate list for name/version, loading it
// if needed. The slice must not be modified.
func (r *CachedRegistry) Candidates(ctx context.Context, name, version string) ([]message.ServiceInstance, error) {
	if r.closed.Load() {
		return nil, rpcerr.ErrRegistryClosed
	}
	entry, err := r.entry(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return *entry.candidates.Load(), nil
}

func (r *CachedRegistry) entry(ctx context.Context, name, version string) (*cacheEntry, error) {
	key := message.ServiceKey(name, version)

	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok {
		entry = &cacheEntry{}
		r.entries[key] = entry
	}
	r.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.loaded {
		return entry, nil
	}

	prefix := servicePrefix(r.namespace, name, version)

	// Watch before the first List so no change between the two is missed.
	watchCtx, cancel := context.WithCancel(r.ctx)
	notify := r.store.Watch(watchCtx, prefix)

	list, err := r.load(ctx, prefix)
	if err != nil {
		cancel()
		return nil, err
	}
	entry.candidates.Store(&list)
	entry.loaded = true

	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		cancel()
		return nil, rpcerr.ErrRegistryClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()
	go r.refreshLoop(watchCtx, cancel, entry, key, prefix, notify)

	return entry, nil
}

// refreshLoop rebuilds the candidate list on every store notification.
// A watch that ends while the registry is open (leader loss, compaction)
// is re-established with backoff and followed by a full re-list, so changes
// made while unwatched are not lost.
func (r *CachedRegistry) refreshLoop(ctx context.Context, cancel context.CancelFunc, entry *cacheEntry, key, prefix string, notify <-chan struct{}) {
	defer r.wg.Done()
	defer cancel()

	delay := rewatchMinDelay
	for {
		notified := false
		for range notify {
			notified = true
			r.refresh(ctx, entry, key, prefix)
		}
		if ctx.Err() != nil {
			return
		}
		if notified {
			delay = rewatchMinDelay
		}

		r.logger.Warn("registry watch ended, re-watching",
			zap.String("service", key), zap.Duration("backoff", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < rewatchMaxDelay {
			delay *= 2
		}

		notify = r.store.Watch(ctx, prefix)
		r.refresh(ctx, entry, key, prefix)
	}
}

func (r *CachedRegistry) refresh(ctx context.Context, entry *cacheEntry, key, prefix string) {
	list, err := r.load(ctx, prefix)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("registry refresh failed, keeping cached candidates",
				zap.String("service", key), zap.Error(err))
		}
		return
	}
	entry.candidates.Store(&list)
	r.logger.Debug("registry candidates updated",
		zap.String("service", key), zap.Int("count", len(list)))
}

// reregisterLoop puts every instance registered here back into the store
// after the store reports a lost session, retrying with backoff until all
// of them are written again.
func (r *CachedRegistry) reregisterLoop(lost <-chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-lost:
		}

		delay := rewatchMinDelay
		for !r.reregister() {
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay < rewatchMaxDelay {
				delay *= 2
			}
		}
	}
}

func (r *CachedRegistry) reregister() bool {
	r.ownMu.Lock()
	own := make(map[string][]byte, len(r.own))
	for k, v := range r.own {
		own[k] = v
	}
	r.ownMu.Unlock()

	for key, val := range own {
		if err := r.store.Put(r.ctx, key, val); err != nil {
			if r.ctx.Err() == nil {
				r.logger.Warn("re-registration failed", zap.String("key", key), zap.Error(err))
			}
			return false
		}
		r.ownMu.Lock()
		_, still := r.own[key]
		r.ownMu.Unlock()
		if !still {
			// Unregistered while we were writing it back.
			r.store.Delete(r.ctx, key)
			continue
		}
		r.logger.Info("service re-registered after session loss", zap.String("key", key))
	}
	return true
}

// load reads every instance under prefix, sorted by address so that hash
// based balancers see a stable order.
func (r *CachedRegistry) load(ctx context.Context, prefix string) ([]message.ServiceInstance, error) {
	kvs, err := r.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	instances := make([]message.ServiceInstance, 0, len(kvs))
	for _, kv := range kvs {
		var instance message.ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skip malformed registry entry", zap.String("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances, nil
}

func (r *CachedRegistry) Destroy() error {
	r.mu.Lock()
	if !r.closed.CompareAndSwap(false, true) {
		r.mu.Unlock()
		return rpcerr.ErrRegistryClosed
	}
	r.mu.Unlock()
	r.cancel()
	err := r.store.Close()
	r.wg.Wait()
	return err
}
