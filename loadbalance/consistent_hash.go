package loadbalance

import (
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bxd/mini-rpc/message"
)

// ConsistentHashBalancer maps hints to instances using a hash ring.
// The same hint always maps to the same instance (until the ring changes),
// and when an instance leaves only the hints it owned move elsewhere.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 instances might cluster together on the ring,
// causing uneven load distribution. 100 virtual nodes per instance ensures
// statistical uniformity.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// One balancer usually serves several services, so rings are cached per
// distinct candidate set instead of rebuilt whenever the set changes.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	rings map[string]*hashRing // Candidate addresses joined → ring
}

// maxRings bounds the ring cache. Past it an arbitrary ring is evicted.
const maxRings = 64

type hashRing struct {
	hashes []uint32 // Sorted hash values on the ring
	nodes  map[uint32]string
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100, rings: make(map[string]*hashRing)}
}

// newHashRing places every address onto a fresh ring. Each virtual node is
// hashed from "{addr}#{i}" to spread evenly across the ring.
func newHashRing(addrs []string, replicas int) *hashRing {
	r := &hashRing{
		hashes: make([]uint32, 0, len(addrs)*replicas),
		nodes:  make(map[uint32]string, len(addrs)*replicas),
	}
	for _, addr := range addrs {
		for i := 0; i < replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(addr + "#" + strconv.Itoa(i)))
			r.hashes = append(r.hashes, hash)
			r.nodes[hash] = addr
		}
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
	return r
}

// lookup binary-searches for the first node >= hash. If the hash is larger
// than all nodes, it wraps around to the first node (ring property).
func (r *hashRing) lookup(hash uint32) string {
	idx := sort.Search(len(r.hashes), func(i int) bool {
		return r.hashes[i] >= hash
	})
	if idx == len(r.hashes) {
		idx = 0
	}
	return r.nodes[r.hashes[idx]]
}

func (b *ConsistentHashBalancer) ring(addrs []string) *hashRing {
	sig := strings.Join(addrs, ",")
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rings[sig]; ok {
		return r
	}
	if len(b.rings) >= maxRings {
		for k := range b.rings {
			delete(b.rings, k)
			break
		}
	}
	r := newHashRing(addrs, b.replicas)
	b.rings[sig] = r
	return r
}

// Pick hashes the hint and walks the ring of the given candidates.
func (b *ConsistentHashBalancer) Pick(instances []message.ServiceInstance, hint string) (*message.ServiceInstance, error) {
	if err := errNoInstances(instances); err != nil {
		return nil, err
	}

	addrs := make([]string, len(instances))
	for i := range instances {
		addrs[i] = instances[i].Addr
	}
	sort.Strings(addrs)

	addr := b.ring(addrs).lookup(crc32.ChecksumIEEE([]byte(hint)))
	for i := range instances {
		if instances[i].Addr == addr {
			return &instances[i], nil
		}
	}
	return &instances[0], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
