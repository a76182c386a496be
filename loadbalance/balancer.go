// Package loadbalance provides load balancing strategies for distributing
// RPC requests across multiple service instances.
//
// Four strategies are implemented:
//   - Hash:            Default. Sticky per routing hint, spread across hints
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Stateful services requiring cache affinity
package loadbalance

import (
	"github.com/bxd/mini-rpc/message"
	"github.com/bxd/mini-rpc/rpcerr"
	"github.com/pkg/errors"
)

// Balancer is the interface for load balancing strategies.
// The registry calls Pick() on every Discover to select a target instance.
type Balancer interface {
	// Pick selects one instance from the candidate list. hint is the
	// caller's routing hint; strategies that are not key-based ignore it.
	// Called on every RPC call; must be goroutine-safe.
	Pick(instances []message.ServiceInstance, hint string) (*message.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name. An empty name selects
// the hash balancer.
func New(name string) (Balancer, error) {
	switch name {
	case "", "hash":
		return &HashBalancer{}, nil
	case "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "weighted":
		return &WeightedRandomBalancer{}, nil
	case "consistent":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.Errorf("unknown balancer %q", name)
}

func errNoInstances(instances []message.ServiceInstance) error {
	if len(instances) == 0 {
		return errors.Wrap(rpcerr.ErrNoProvider, "no instances available")
	}
	return nil
}
