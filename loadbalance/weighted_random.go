package loadbalance

import (
	"math/rand/v2"

	"github.com/bxd/mini-rpc/message"
	"github.com/pkg/errors"
)

// WeightedRandomBalancer picks an instance with probability proportional to
// its weight. Instances registered without a weight count as 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []message.ServiceInstance, _ string) (*message.ServiceInstance, error) {
	if err := errNoInstances(instances); err != nil {
		return nil, err
	}

	totalWeight := 0
	for _, v := range instances {
		totalWeight += weightOf(v)
	}

	r := rand.IntN(totalWeight)
	for i := range instances {
		r -= weightOf(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}

	return nil, errors.New("unexpected error in weighted random selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weightOf(inst message.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}
