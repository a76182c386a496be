package registry

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Kind selects the backing store.
type Kind string

const (
	KindEtcd   Kind = "etcd"
	KindMemory Kind = "memory"
)

// Config describes the backing store to build a registry on.
type Config struct {
	Kind        Kind
	Addr        string        // Comma-separated endpoints for etcd
	TTL         time.Duration // Liveness window of a registered instance
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// New connects the configured backing store and wraps it in a CachedRegistry.
func New(cfg Config, opts ...Option) (*CachedRegistry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var store Store
	switch cfg.Kind {
	case KindEtcd:
		s, err := NewEtcdStore(EtcdConfig{
			Endpoints:   strings.Split(cfg.Addr, ","),
			TTL:         int64(cfg.TTL / time.Second),
			DialTimeout: cfg.DialTimeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		store = s
	case KindMemory:
		store = NewMemoryStore()
	default:
		return nil, errors.Errorf("unknown registry kind %q", cfg.Kind)
	}

	opts = append([]Option{WithLogger(logger.Named("registry"))}, opts...)
	return NewCachedRegistry(store, opts...), nil
}
