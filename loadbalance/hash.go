package loadbalance

import (
	"hash/crc32"

	"github.com/bxd/mini-rpc/message"
)

// HashBalancer picks crc32(hint) mod len(instances). With the candidate
// list in a stable order (the registry sorts by address) the same hint
// keeps landing on the same instance, different hints spread across the
// set, and the mapping follows the set as instances join or leave.
type HashBalancer struct{}

func (b *HashBalancer) Pick(instances []message.ServiceInstance, hint string) (*message.ServiceInstance, error) {
	if err := errNoInstances(instances); err != nil {
		return nil, err
	}
	index := crc32.ChecksumIEEE([]byte(hint)) % uint32(len(instances))
	return &instances[index], nil
}

func (b *HashBalancer) Name() string {
	return "Hash"
}
