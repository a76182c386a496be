package registry

import (
	"context"
	"sync"
	"time"

	"github.com/bxd/mini-rpc/rpcerr"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdStore implements Store on etcd v3.
//
// etcd is a distributed key-value store that provides strong consistency
// (Raft protocol). Every Put is attached to one TTL lease owned by the
// store: KeepAlive renews it while the process is alive, and if the
// process crashes the lease expires and etcd removes the entries, so no
// "ghost" instances stay behind.
type EtcdStore struct {
	client         *clientv3.Client // Thread-safe, shared across goroutines
	ttl            int64
	requestTimeout time.Duration
	logger         *zap.Logger

	ctx    context.Context // Cancelled by Close, stops KeepAlive
	cancel context.CancelFunc

	mu      sync.Mutex
	leaseID clientv3.LeaseID // 0 until the first Put, reset when KeepAlive dies
	lost    chan struct{}    // Signalled when a lease dies while the store is open
}

// EtcdConfig configures NewEtcdStore.
type EtcdConfig struct {
	Endpoints      []string
	TTL            int64         // Lease TTL in seconds
	DialTimeout    time.Duration
	RequestTimeout time.Duration // Bound on each Put/Delete/List
	Logger         *zap.Logger
}

// NewEtcdStore creates a store connected to the given etcd endpoints.
func NewEtcdStore(cfg EtcdConfig) (*EtcdStore, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 10
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      cfg.Logger.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Wrapf(rpcerr.ErrRegistryUnavailable, "connect etcd %v: %v", cfg.Endpoints, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdStore{
		client:         c,
		ttl:            cfg.TTL,
		requestTimeout: cfg.RequestTimeout,
		logger:         cfg.Logger,
		ctx:            ctx,
		cancel:         cancel,
		lost:           make(chan struct{}, 1),
	}, nil
}

// lease returns the store's lease, granting one and starting KeepAlive on
// first use.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Start KeepAlive to automatically renew the lease
//  3. When the KeepAlive channel closes (lease lost, store closed) forget
//     the lease so the next Put grants a fresh one
func (s *EtcdStore) lease(ctx context.Context) (clientv3.LeaseID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leaseID != 0 {
		return s.leaseID, nil
	}

	lease, err := s.client.Grant(ctx, s.ttl)
	if err != nil {
		return 0, err
	}

	ch, err := s.client.KeepAlive(s.ctx, lease.ID)
	if err != nil {
		return 0, err
	}

	s.leaseID = lease.ID
	go func(id clientv3.LeaseID) {
		// Consume KeepAlive responses to prevent the channel from filling up
		for range ch {
		}
		s.mu.Lock()
		if s.leaseID == id {
			s.leaseID = 0
		}
		s.mu.Unlock()
		if s.ctx.Err() == nil {
			s.logger.Warn("etcd lease keepalive stopped", zap.Int64("lease", int64(id)))
			select {
			case s.lost <- struct{}{}:
			default:
			}
		}
	}(lease.ID)

	return lease.ID, nil
}

func (s *EtcdStore) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	id, err := s.lease(ctx)
	if err != nil {
		return errors.Wrapf(rpcerr.ErrRegistryUnavailable, "grant lease: %v", err)
	}

	// Same key on re-registration: etcd overwrites, no duplicate entry
	if _, err := s.client.Put(ctx, key, string(value), clientv3.WithLease(id)); err != nil {
		return errors.Wrapf(rpcerr.ErrRegistryUnavailable, "put %s: %v", key, err)
	}
	return nil
}

func (s *EtcdStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	if _, err := s.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(rpcerr.ErrRegistryUnavailable, "delete %s: %v", key, err)
	}
	return nil
}

func (s *EtcdStore) List(ctx context.Context, prefix string) ([]KeyValue, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(rpcerr.ErrRegistryUnavailable, "list %s: %v", prefix, err)
	}

	kvs := make([]KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs = append(kvs, KeyValue{Key: string(kv.Key), Value: kv.Value})
	}
	return kvs, nil
}

// Watch uses etcd's Watch API (server-push), which is more efficient than
// polling. Individual events are not forwarded; the registry re-reads the
// whole prefix on every signal.
func (s *EtcdStore) Watch(ctx context.Context, prefix string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	watchChan := s.client.Watch(clientv3.WithRequireLeader(ctx), prefix, clientv3.WithPrefix())

	go func() {
		defer close(ch)
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				s.logger.Warn("etcd watch error", zap.String("prefix", prefix), zap.Error(err))
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch
}

// SessionLost signals after the lease behind every Put expired or could no
// longer be renewed. The keys written under it are gone from etcd.
func (s *EtcdStore) SessionLost() <-chan struct{} {
	return s.lost
}

// Close revokes the lease, which removes every entry this store wrote, then
// closes the client.
func (s *EtcdStore) Close() error {
	s.mu.Lock()
	id := s.leaseID
	s.mu.Unlock()

	if id != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
		if _, err := s.client.Revoke(ctx, id); err != nil {
			s.logger.Warn("etcd lease revoke failed", zap.Int64("lease", int64(id)), zap.Error(err))
		}
		cancel()
	}

	s.cancel()
	return s.client.Close()
}
